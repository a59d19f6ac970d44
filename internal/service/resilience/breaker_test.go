package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(config BreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker("test", config)
	b.now = clock.now
	return b, clock
}

var errBoom = errors.New("boom")

func fail(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		generation, err := b.Allow()
		if err != nil {
			t.Fatalf("Allow #%d err: %v", i, err)
		}
		b.Record(generation, errBoom)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute, Cooldown: 10 * time.Second})

	fail(t, b, 2)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	fail(t, b, 1)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	_, err := b.Allow()
	if !errors.Is(err, ErrBreakerOpen) || !errors.Is(err, errs.ErrUpstreamUnavailable) {
		t.Fatalf("expected fast failure, got %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3, FailureWindow: time.Minute})

	fail(t, b, 2)
	generation, _ := b.Allow()
	b.Record(generation, nil)
	fail(t, b, 2)
	if b.State() != StateClosed {
		t.Fatalf("success should reset consecutive failures, state = %s", b.State())
	}
}

func TestBreakerFailureWindow(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 3, FailureWindow: 10 * time.Second})

	fail(t, b, 2)
	clock.advance(11 * time.Second)
	fail(t, b, 2)
	if b.State() != StateClosed {
		t.Fatalf("failures outside window must not accumulate, state = %s", b.State())
	}
	fail(t, b, 1)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 5 * time.Second})
	fail(t, b, 1)

	clock.advance(4 * time.Second)
	if _, err := b.Allow(); err == nil {
		t.Fatal("call during cooldown must fail fast")
	}

	clock.advance(2 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
	trial, err := b.Allow()
	if err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	if _, err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("second concurrent trial must be rejected, got %v", err)
	}

	b.Record(trial, nil)
	if b.State() != StateClosed {
		t.Fatalf("successful trial should close, state = %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 5 * time.Second})
	fail(t, b, 1)
	clock.advance(5 * time.Second)

	fail(t, b, 1)
	if b.State() != StateOpen {
		t.Fatalf("failed trial should reopen, state = %s", b.State())
	}
	snap := b.Snapshot()
	if snap.OpenedAt == nil || !snap.OpenedAt.Equal(clock.now()) || snap.LastError != "boom" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestBreakerAbandonReleasesTrial(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	fail(t, b, 1)
	clock.advance(time.Second)

	trial, _ := b.Allow()
	b.abandon(trial)
	if _, err := b.Allow(); err != nil {
		t.Fatalf("abandoned trial should free the slot: %v", err)
	}
}

func TestBreakerIgnoresLateSuccessWhileOpen(t *testing.T) {
	b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 2, FailureWindow: time.Minute, Cooldown: time.Hour})

	slow, err := b.Allow()
	if err != nil {
		t.Fatalf("Allow err: %v", err)
	}
	fail(t, b, 2)
	b.Record(slow, nil)
	if b.State() != StateOpen {
		t.Fatalf("late success must not close an open breaker, state = %s", b.State())
	}
	if _, err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("cooldown must still apply, got %v", err)
	}

	clock.advance(time.Hour)
	trial, err := b.Allow()
	if err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	b.Record(trial, nil)
	if b.State() != StateClosed {
		t.Fatalf("successful trial should close, state = %s", b.State())
	}
}

func TestBreakerOnlyTrialResultCountsWhileHalfOpen(t *testing.T) {
	tests := []struct {
		name   string
		result error
	}{
		{name: "late success", result: nil},
		{name: "late failure", result: errBoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock := newTestBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
			stale, _ := b.Allow()
			fail(t, b, 1)
			clock.advance(time.Second)

			trial, err := b.Allow()
			if err != nil {
				t.Fatalf("trial call rejected: %v", err)
			}
			b.Record(stale, tt.result)
			if b.State() != StateHalfOpen {
				t.Fatalf("stale result changed state to %s", b.State())
			}
			if _, err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
				t.Fatalf("trial slot must stay taken, got %v", err)
			}

			b.abandon(stale)
			if _, err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
				t.Fatalf("stale abandon must not free the trial slot, got %v", err)
			}

			b.Record(trial, nil)
			if b.State() != StateClosed {
				t.Fatalf("successful trial should close, state = %s", b.State())
			}
		})
	}
}
