// Package conversation runs one utterance through transcription, safety
// checks, reply generation and synthesis, always producing audio for the
// device unless the turn was cancelled.
package conversation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
	convmodel "github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/safety"
)

// Outcome 本轮回复的来源
type Outcome string

const (
	OutcomeReply         Outcome = "reply"
	OutcomeNoSpeech      Outcome = "no_speech"
	OutcomeBlockedInput  Outcome = "blocked_input"
	OutcomeBlockedOutput Outcome = "blocked_output"
	OutcomeFallback      Outcome = "fallback"
	OutcomeCanceled      Outcome = "canceled"
)

// Child 本轮对话所属的儿童
type Child struct {
	ID     string
	Age    int
	Locale string
}

// Request is one finalized utterance handed over by the session.
type Request struct {
	SessionID     string
	CorrelationID string
	UtteranceID   string
	Audio         []byte
	Child         Child
	Voice         provider.VoiceProfile

	// Context receives the turn on success; nil disables history.
	Context *convmodel.Window

	// Progress is called as each stage starts. Optional.
	Progress func(Stage)
}

// Result 单轮处理结果
type Result struct {
	Stage       Stage // StageDelivered or StageFailed
	FailedStage Stage
	Outcome     Outcome
	Reply       string
	Audio       provider.Audio
	Turn        convmodel.Turn
	Appended    bool
	Canceled    bool
	Err         error
}

// Config 编排参数
type Config struct {
	Timeouts StageTimeouts

	// FallbackAudio is played when even the fallback text cannot be
	// synthesized. Defaults to a short silence clip.
	FallbackAudio provider.Audio
}

// Orchestrator is shared by every session; it holds no per-session state.
type Orchestrator struct {
	transcriber provider.Transcriber
	generator   provider.Generator
	synthesizer provider.Synthesizer
	gate        *safety.Gate
	observer    Observer
	timeouts    StageTimeouts
	fallback    provider.Audio
	now         func() time.Time
}

// NewOrchestrator 创建编排器，observer 为 nil 时写日志。
func NewOrchestrator(t provider.Transcriber, g provider.Generator, s provider.Synthesizer, gate *safety.Gate, observer Observer, cfg Config) *Orchestrator {
	if observer == nil {
		observer = LogObserver{}
	}
	fallback := cfg.FallbackAudio
	if len(fallback.Data) == 0 {
		fallback = provider.Silence(600 * time.Millisecond)
	}
	return &Orchestrator{
		transcriber: t,
		generator:   g,
		synthesizer: s,
		gate:        gate,
		observer:    observer,
		timeouts:    cfg.Timeouts.withDefaults(),
		fallback:    fallback,
		now:         time.Now,
	}
}

// Process runs the stages strictly in order.
func (o *Orchestrator) Process(ctx context.Context, req *Request) Result {
	turn := convmodel.Turn{
		ID:          uuid.NewString(),
		UtteranceID: req.UtteranceID,
		CreatedAt:   o.now().UTC(),
	}
	subject := safety.Subject{ChildID: req.Child.ID, ChildAge: req.Child.Age}
	o.progress(req, StageReceived)

	if len(req.Audio) == 0 {
		return o.deliverCanned(ctx, req, turn, OutcomeNoSpeech, safety.CannedNoSpeech)
	}

	// 转写
	o.progress(req, StageTranscribing)
	started := o.now()
	transcript, err := runStage(ctx, StageTranscribing, o.timeouts.Transcribe, func(ctx context.Context) (string, error) {
		return o.transcriber.Transcribe(ctx, req.Audio, req.Child.Locale)
	})
	turn.Latency.Transcribe = o.now().Sub(started)
	if err != nil {
		return o.fail(ctx, req, turn, StageTranscribing, err)
	}
	transcript = strings.TrimSpace(transcript)
	turn.Transcript = transcript
	if transcript == "" {
		return o.deliverCanned(ctx, req, turn, OutcomeNoSpeech, safety.CannedNoSpeech)
	}

	// 输入安全检查
	o.progress(req, StageInputSafety)
	started = o.now()
	turn.InputVerdict, err = o.evaluate(ctx, req, subject, transcript, safety.PointInput, StageInputSafety)
	turn.Latency.InputSafety = o.now().Sub(started)
	if err != nil {
		return o.canceled(req, turn, StageInputSafety, err)
	}
	if turn.InputVerdict.IsBlocked() {
		turn.Reply = safety.CannedReply(safety.CannedBlockedInput, req.Child.Locale)
		res := o.deliverCanned(ctx, req, turn, OutcomeBlockedInput, safety.CannedBlockedInput)
		if res.Canceled {
			return res
		}
		res.Stage = StageFailed
		res.FailedStage = StageInputSafety
		res.Err = fmt.Errorf("input %s: %w", turn.InputVerdict.Category, errs.ErrSafetyViolation)
		o.observer.TurnFailed(req, StageInputSafety, res.Err)
		return res
	}

	// 生成回复
	o.progress(req, StageGenerating)
	var history []convmodel.Turn
	if req.Context != nil {
		history = req.Context.Turns()
	}
	started = o.now()
	reply, err := runStage(ctx, StageGenerating, o.timeouts.Generate, func(ctx context.Context) (string, error) {
		return o.generator.Generate(ctx, transcript, req.Child.Age, history)
	})
	turn.Latency.Generate = o.now().Sub(started)
	if err != nil {
		return o.fail(ctx, req, turn, StageGenerating, err)
	}
	reply = strings.TrimSpace(reply)

	// 输出安全检查
	o.progress(req, StageOutputSafety)
	started = o.now()
	turn.OutputVerdict, err = o.evaluate(ctx, req, subject, reply, safety.PointOutput, StageOutputSafety)
	turn.Latency.OutputSafety = o.now().Sub(started)
	if err != nil {
		return o.canceled(req, turn, StageOutputSafety, err)
	}
	outcome := OutcomeReply
	if turn.OutputVerdict.IsBlocked() || reply == "" {
		reply = safety.CannedReply(safety.CannedBlockedOutput, req.Child.Locale)
		outcome = OutcomeBlockedOutput
	}
	turn.Reply = reply

	// 合成
	o.progress(req, StageSynthesizing)
	started = o.now()
	audio, err := o.synthesize(ctx, reply, req.Voice)
	turn.Latency.Synthesize = o.now().Sub(started)
	if err != nil {
		return o.fail(ctx, req, turn, StageSynthesizing, err)
	}

	turn.AudioBytes = len(audio.Data)
	turn.AudioRef = turn.ID
	if req.Context != nil {
		req.Context.Append(turn)
	}
	o.progress(req, StageDelivered)
	log.Printf("[orchestrator] delivered session=%s corr=%s utterance=%s outcome=%s total=%s",
		req.SessionID, req.CorrelationID, req.UtteranceID, outcome, turn.Latency.Total())

	return Result{
		Stage:    StageDelivered,
		Outcome:  outcome,
		Reply:    reply,
		Audio:    audio,
		Turn:     turn,
		Appended: req.Context != nil,
	}
}

func (o *Orchestrator) progress(req *Request, stage Stage) {
	if req.Progress != nil {
		req.Progress(stage)
	}
}

// evaluate 安全检查超时按拦截处理，只有父 ctx 结束才返回错误。
func (o *Orchestrator) evaluate(ctx context.Context, req *Request, subject safety.Subject, text string, point safety.Point, stage Stage) (convmodel.Verdict, error) {
	verdict, err := runStage(ctx, stage, o.timeouts.Safety, func(ctx context.Context) (convmodel.Verdict, error) {
		return o.gate.Evaluate(ctx, subject, text, point), nil
	})
	if err == nil {
		return verdict, nil
	}
	if ctx.Err() != nil {
		return convmodel.Verdict{}, ctx.Err()
	}
	o.observer.TurnFailed(req, stage, err)
	return convmodel.Verdict{
		Classification: convmodel.Blocked,
		Reason:         "policy_timeout",
		Category:       "policy_error",
		Severity:       1,
		PolicyVersion:  o.gate.PolicyVersion(),
		EvaluatedAt:    o.now().UTC(),
	}, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, text string, voice provider.VoiceProfile) (provider.Audio, error) {
	audio, err := runStage(ctx, StageSynthesizing, o.timeouts.Synthesize, func(ctx context.Context) (provider.Audio, error) {
		return o.synthesizer.Synthesize(ctx, text, voice)
	})
	if err == nil && len(audio.Data) == 0 {
		err = fmt.Errorf("synthesizer returned no audio: %w", errs.ErrUpstreamUnavailable)
	}
	return audio, err
}

// deliverCanned 合成固定回复；合成失败时走兜底流程。
func (o *Orchestrator) deliverCanned(ctx context.Context, req *Request, turn convmodel.Turn, outcome Outcome, reason safety.CannedReason) Result {
	text := safety.CannedReply(reason, req.Child.Locale)
	o.progress(req, StageSynthesizing)
	started := o.now()
	audio, err := o.synthesize(ctx, text, req.Voice)
	turn.Latency.Synthesize = o.now().Sub(started)
	if err != nil {
		return o.fail(ctx, req, turn, StageSynthesizing, err)
	}
	o.progress(req, StageDelivered)
	return Result{Stage: StageDelivered, Outcome: outcome, Reply: text, Audio: audio, Turn: turn}
}

// fail 记录失败并给出兜底语音。
func (o *Orchestrator) fail(ctx context.Context, req *Request, turn convmodel.Turn, stage Stage, err error) Result {
	if ctx.Err() != nil {
		return o.canceled(req, turn, stage, err)
	}
	o.observer.TurnFailed(req, stage, err)

	text := safety.CannedReply(safety.CannedFallback, req.Child.Locale)
	audio, synthErr := o.synthesize(ctx, text, req.Voice)
	if synthErr != nil {
		if ctx.Err() != nil {
			return o.canceled(req, turn, stage, ctx.Err())
		}
		log.Printf("[orchestrator] fallback synthesis failed session=%s corr=%s: %v", req.SessionID, req.CorrelationID, synthErr)
		audio = o.fallback
	}
	o.progress(req, StageFailed)

	return Result{
		Stage:       StageFailed,
		FailedStage: stage,
		Outcome:     OutcomeFallback,
		Reply:       text,
		Audio:       audio,
		Turn:        turn,
		Err:         err,
	}
}

func (o *Orchestrator) canceled(req *Request, turn convmodel.Turn, stage Stage, err error) Result {
	log.Printf("[orchestrator] turn canceled session=%s corr=%s utterance=%s stage=%s", req.SessionID, req.CorrelationID, req.UtteranceID, stage)
	return Result{
		Stage:       StageFailed,
		FailedStage: stage,
		Outcome:     OutcomeCanceled,
		Turn:        turn,
		Canceled:    true,
		Err:         err,
	}
}
