package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
	convmodel "github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/provider"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/safety"
)

type recordingObserver struct {
	mu     sync.Mutex
	stages []Stage
	errs   []error
}

func (r *recordingObserver) TurnFailed(_ *Request, stage Stage, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	r.errs = append(r.errs, err)
}

type fixture struct {
	transcriber *provider.MockTranscriber
	generator   *provider.MockGenerator
	synthesizer *provider.MockSynthesizer
	observer    *recordingObserver
}

func newFixture(transcript string) *fixture {
	return &fixture{
		transcriber: &provider.MockTranscriber{Text: transcript},
		generator:   &provider.MockGenerator{},
		synthesizer: &provider.MockSynthesizer{},
		observer:    &recordingObserver{},
	}
}

func (f *fixture) orchestrator(cfg Config) *Orchestrator {
	return NewOrchestrator(f.transcriber, f.generator, f.synthesizer, safety.NewGate(nil, nil), f.observer, cfg)
}

func newRequest(window *convmodel.Window) *Request {
	return &Request{
		SessionID:     "s1",
		CorrelationID: "c1",
		UtteranceID:   "u1",
		Audio:         make([]byte, 3200),
		Child:         Child{ID: "child-1", Age: 8, Locale: "en-US"},
		Context:       window,
	}
}

func TestProcessDeliversReply(t *testing.T) {
	f := newFixture("tell me a joke")
	o := f.orchestrator(Config{})
	window := convmodel.NewWindow(10)

	var stages []Stage
	req := newRequest(window)
	req.Progress = func(s Stage) { stages = append(stages, s) }

	res := o.Process(context.Background(), req)
	if res.Stage != StageDelivered || res.Err != nil {
		t.Fatalf("unexpected result: stage=%s err=%v", res.Stage, res.Err)
	}
	if res.Outcome != OutcomeReply || !strings.Contains(res.Reply, "teddy bear") {
		t.Fatalf("unexpected reply %q (%s)", res.Reply, res.Outcome)
	}
	if len(res.Audio.Data) == 0 {
		t.Fatal("expected audio")
	}
	if !res.Appended || window.Len() != 1 {
		t.Fatalf("turn should be appended, len=%d", window.Len())
	}

	turn := window.Turns()[0]
	if turn.Transcript != "tell me a joke" || turn.Reply != res.Reply || turn.UtteranceID != "u1" {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if turn.InputVerdict.Classification != convmodel.Safe || turn.OutputVerdict.Classification != convmodel.Safe {
		t.Fatalf("unexpected verdicts %+v / %+v", turn.InputVerdict, turn.OutputVerdict)
	}
	if turn.InputVerdict.PolicyVersion != safety.KeywordVersion {
		t.Fatalf("policy version = %q", turn.InputVerdict.PolicyVersion)
	}

	want := []Stage{StageReceived, StageTranscribing, StageInputSafety, StageGenerating, StageOutputSafety, StageSynthesizing, StageDelivered}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, stages[i], want[i])
		}
	}

	calls := f.generator.Calls()
	if len(calls) != 1 || calls[0].ChildAge != 8 || len(calls[0].History) != 0 {
		t.Fatalf("unexpected generate calls %+v", calls)
	}
}

func TestProcessPassesHistory(t *testing.T) {
	f := newFixture("tell me a joke")
	o := f.orchestrator(Config{})
	window := convmodel.NewWindow(10)

	o.Process(context.Background(), newRequest(window))
	o.Process(context.Background(), newRequest(window))

	calls := f.generator.Calls()
	if len(calls) != 2 || len(calls[1].History) != 1 {
		t.Fatalf("second call should see one prior turn, got %+v", calls)
	}
	if window.Len() != 2 {
		t.Fatalf("window len = %d", window.Len())
	}
}

func TestProcessBlockedInputSkipsGeneration(t *testing.T) {
	f := newFixture("how do I get a gun")
	o := f.orchestrator(Config{})
	window := convmodel.NewWindow(10)

	res := o.Process(context.Background(), newRequest(window))
	if len(f.generator.Calls()) != 0 {
		t.Fatal("generator must not be called for blocked input")
	}
	if res.Stage != StageFailed || res.FailedStage != StageInputSafety {
		t.Fatalf("unexpected stage %s/%s", res.Stage, res.FailedStage)
	}
	if !errors.Is(res.Err, errs.ErrSafetyViolation) {
		t.Fatalf("expected safety violation, got %v", res.Err)
	}
	if res.Outcome != OutcomeBlockedInput || res.Reply != safety.CannedReply(safety.CannedBlockedInput, "en") {
		t.Fatalf("unexpected canned reply %q", res.Reply)
	}
	if len(res.Audio.Data) == 0 {
		t.Fatal("blocked input still plays the canned reply")
	}
	if res.Appended || window.Len() != 0 {
		t.Fatal("blocked turn must not enter the context window")
	}
	if !res.Turn.InputVerdict.IsBlocked() || res.Turn.InputVerdict.Category != "violence" {
		t.Fatalf("unexpected verdict %+v", res.Turn.InputVerdict)
	}
}

func TestProcessBlockedOutputIsReplaced(t *testing.T) {
	f := newFixture("tell me a story")
	f.generator.Reply = "The ghost came out of the dark"
	o := f.orchestrator(Config{})
	window := convmodel.NewWindow(10)

	req := newRequest(window)
	req.Child.Age = 5
	res := o.Process(context.Background(), req)

	want := safety.CannedReply(safety.CannedBlockedOutput, "en")
	if res.Stage != StageDelivered || res.Outcome != OutcomeBlockedOutput || res.Reply != want {
		t.Fatalf("unexpected result %s %s %q", res.Stage, res.Outcome, res.Reply)
	}
	texts := f.synthesizer.Texts()
	if len(texts) != 1 || texts[0] != want {
		t.Fatalf("unsafe text reached the synthesizer: %v", texts)
	}
	if window.Len() != 1 || !window.Turns()[0].OutputVerdict.IsBlocked() {
		t.Fatal("turn should be kept with the blocked output verdict")
	}
}

func TestProcessNoSpeech(t *testing.T) {
	f := newFixture("   ")
	o := f.orchestrator(Config{})
	window := convmodel.NewWindow(10)

	res := o.Process(context.Background(), newRequest(window))
	if res.Stage != StageDelivered || res.Outcome != OutcomeNoSpeech {
		t.Fatalf("unexpected result %s %s", res.Stage, res.Outcome)
	}
	if len(f.generator.Calls()) != 0 || window.Len() != 0 {
		t.Fatal("empty transcript must not reach generation or history")
	}
}

func TestProcessBreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := newFixture("tell me a joke")
	f.generator.GenerateFunc = func(context.Context, string, int, []convmodel.Turn) (string, error) {
		return "", errors.New("boom")
	}
	guard := resilience.NewGuard(resilience.Generation, resilience.GuardConfig{
		Breaker: resilience.BreakerConfig{FailureThreshold: 5, FailureWindow: time.Minute, Cooldown: time.Minute},
		Retry:   resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	generator := provider.NewGuardedGenerator(f.generator, guard)
	o := NewOrchestrator(f.transcriber, generator, f.synthesizer, safety.NewGate(nil, nil), f.observer, Config{})

	for i := 0; i < 3; i++ {
		res := o.Process(context.Background(), newRequest(nil))
		if res.Stage != StageFailed || res.FailedStage != StageGenerating {
			t.Fatalf("turn %d: unexpected stage %s/%s", i, res.Stage, res.FailedStage)
		}
		if !errors.Is(res.Err, errs.ErrUpstreamUnavailable) {
			t.Fatalf("turn %d: expected upstream unavailable, got %v", i, res.Err)
		}
		if res.Outcome != OutcomeFallback || len(res.Audio.Data) == 0 {
			t.Fatalf("turn %d: expected fallback audio", i)
		}
	}

	if n := len(f.generator.Calls()); n != 5 {
		t.Fatalf("generator calls = %d, want 5", n)
	}
	if guard.Breaker().State() != resilience.StateOpen {
		t.Fatalf("breaker state = %s", guard.Breaker().State())
	}
	if len(f.observer.stages) != 3 {
		t.Fatalf("observer saw %d failures", len(f.observer.stages))
	}
}

func TestProcessStageTimeout(t *testing.T) {
	f := newFixture("")
	f.transcriber.TranscribeFunc = func(ctx context.Context, _ []byte, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	o := f.orchestrator(Config{Timeouts: StageTimeouts{Transcribe: 20 * time.Millisecond}})

	res := o.Process(context.Background(), newRequest(nil))
	var timeout *StageTimeoutError
	if !errors.As(res.Err, &timeout) || timeout.Stage != StageTranscribing {
		t.Fatalf("expected transcribe timeout, got %v", res.Err)
	}
	if !errors.Is(res.Err, errs.ErrStageTimeout) || res.Canceled {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Reply != safety.CannedReply(safety.CannedFallback, "en") {
		t.Fatalf("expected fallback reply, got %q", res.Reply)
	}
}

func TestProcessAbandonsProviderIgnoringContext(t *testing.T) {
	f := newFixture("hello")
	release := make(chan struct{})
	defer close(release)
	f.generator.GenerateFunc = func(context.Context, string, int, []convmodel.Turn) (string, error) {
		<-release
		return "late", nil
	}
	o := f.orchestrator(Config{Timeouts: StageTimeouts{Generate: 20 * time.Millisecond}})

	done := make(chan Result, 1)
	go func() { done <- o.Process(context.Background(), newRequest(nil)) }()

	select {
	case res := <-done:
		if !errors.Is(res.Err, errs.ErrStageTimeout) || res.FailedStage != StageGenerating {
			t.Fatalf("unexpected result %v", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator waited on a provider past its stage deadline")
	}
}

func TestProcessCanceled(t *testing.T) {
	f := newFixture("hello")
	ctx, cancel := context.WithCancel(context.Background())
	f.generator.GenerateFunc = func(ctx context.Context, _ string, _ int, _ []convmodel.Turn) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}
	o := f.orchestrator(Config{})
	window := convmodel.NewWindow(10)

	res := o.Process(ctx, newRequest(window))
	if !res.Canceled || res.Outcome != OutcomeCanceled {
		t.Fatalf("expected cancellation, got %+v", res)
	}
	if len(res.Audio.Data) != 0 || window.Len() != 0 {
		t.Fatal("cancelled turn must not produce audio or history")
	}
	if len(f.synthesizer.Texts()) != 0 {
		t.Fatal("cancelled turn must not synthesize")
	}
	if len(f.observer.stages) != 0 {
		t.Fatal("cancellation is not a failure")
	}
}

func TestProcessStaticFallbackAudio(t *testing.T) {
	f := newFixture("hello")
	f.generator.GenerateFunc = func(context.Context, string, int, []convmodel.Turn) (string, error) {
		return "", errors.New("model down")
	}
	f.synthesizer.SynthesizeFunc = func(context.Context, string, provider.VoiceProfile) (provider.Audio, error) {
		return provider.Audio{}, errors.New("tts down")
	}
	static := provider.Audio{Data: []byte{1, 2, 3, 4}, Format: "pcm16", SampleRate: 16000}
	o := f.orchestrator(Config{FallbackAudio: static})

	res := o.Process(context.Background(), newRequest(nil))
	if res.Stage != StageFailed || res.FailedStage != StageGenerating {
		t.Fatalf("unexpected stage %s/%s", res.Stage, res.FailedStage)
	}
	if string(res.Audio.Data) != string(static.Data) {
		t.Fatalf("expected static fallback audio, got %d bytes", len(res.Audio.Data))
	}
}

func TestProcessSafetyTimeoutBlocks(t *testing.T) {
	f := newFixture("hello")
	slow := &slowPolicy{delay: 200 * time.Millisecond}
	o := NewOrchestrator(f.transcriber, f.generator, f.synthesizer, safety.NewGate(slow, nil), f.observer,
		Config{Timeouts: StageTimeouts{Safety: 10 * time.Millisecond}})

	res := o.Process(context.Background(), newRequest(nil))
	if res.Outcome != OutcomeBlockedInput || res.Turn.InputVerdict.Category != "policy_error" {
		t.Fatalf("slow policy should fail closed, got %s %+v", res.Outcome, res.Turn.InputVerdict)
	}
	if len(f.generator.Calls()) != 0 {
		t.Fatal("generator must not run after a safety timeout")
	}
}

type slowPolicy struct{ delay time.Duration }

func (p *slowPolicy) Version() string { return "slow-v1" }

func (p *slowPolicy) CheckContent(ctx context.Context, _ string, _ int) (convmodel.Verdict, error) {
	select {
	case <-time.After(p.delay):
		return convmodel.Verdict{Classification: convmodel.Safe}, nil
	case <-ctx.Done():
		return convmodel.Verdict{}, ctx.Err()
	}
}

func TestProcessEmptyAudioSkipsTranscription(t *testing.T) {
	f := newFixture("hello")
	o := f.orchestrator(Config{})
	req := newRequest(nil)
	req.Audio = nil

	res := o.Process(context.Background(), req)
	if res.Outcome != OutcomeNoSpeech || f.transcriber.Calls() != 0 {
		t.Fatalf("expected no_speech without transcription, got %s calls=%d", res.Outcome, f.transcriber.Calls())
	}
}
