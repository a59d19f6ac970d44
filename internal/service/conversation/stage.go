package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// Stage 单轮对话所处阶段
type Stage string

const (
	StageReceived     Stage = "received"
	StageTranscribing Stage = "transcribing"
	StageInputSafety  Stage = "input_safety_check"
	StageGenerating   Stage = "generating"
	StageOutputSafety Stage = "output_safety_check"
	StageSynthesizing Stage = "synthesizing"
	StageDelivered    Stage = "delivered"
	StageFailed       Stage = "failed"
)

// StageTimeoutError reports which stage ran past its deadline.
type StageTimeoutError struct {
	Stage   Stage
	Timeout time.Duration
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s timed out after %s", e.Stage, e.Timeout)
}

func (e *StageTimeoutError) Unwrap() error {
	return errs.ErrStageTimeout
}

// StageTimeouts 各阶段独立超时
type StageTimeouts struct {
	Transcribe time.Duration
	Safety     time.Duration
	Generate   time.Duration
	Synthesize time.Duration
}

func (t StageTimeouts) withDefaults() StageTimeouts {
	if t.Transcribe <= 0 {
		t.Transcribe = 10 * time.Second
	}
	if t.Safety <= 0 {
		t.Safety = 2 * time.Second
	}
	if t.Generate <= 0 {
		t.Generate = 15 * time.Second
	}
	if t.Synthesize <= 0 {
		t.Synthesize = 10 * time.Second
	}
	return t
}

// runStage runs fn under its own deadline. A provider that ignores ctx is
// abandoned when the deadline passes; its late result is dropped.
func runStage[T any](ctx context.Context, stage Stage, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(stageCtx)
		done <- outcome{value: value, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		if out.err != nil {
			return zero, stageError(ctx, stageCtx, stage, timeout, out.err)
		}
		return out.value, nil
	case <-stageCtx.Done():
		return zero, stageError(ctx, stageCtx, stage, timeout, stageCtx.Err())
	}
}

func stageError(parent, stageCtx context.Context, stage Stage, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if stageCtx.Err() == context.DeadlineExceeded {
		return &StageTimeoutError{Stage: stage, Timeout: timeout}
	}
	return err
}
