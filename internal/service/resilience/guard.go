package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// permanentError 不可重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. It still counts as a
// provider failure for the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否被标记为不可重试
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryConfig 重试参数
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
}

// GuardConfig 单个外部服务的保护参数
type GuardConfig struct {
	Breaker        BreakerConfig
	Retry          RetryConfig
	PoolSize       int
	AcquireTimeout time.Duration
}

// GuardSnapshot 单个外部服务的状态
type GuardSnapshot struct {
	Name    string          `json:"name"`
	Breaker BreakerSnapshot `json:"breaker"`
	Pool    PoolSnapshot    `json:"pool"`
}

// Guard combines breaker, pool and retries for one provider.
type Guard struct {
	name        string
	breaker     *Breaker
	pool        *Pool
	backoff     Backoff
	maxAttempts int
	callTimeout time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewGuard 创建保护器
func NewGuard(name string, config GuardConfig) *Guard {
	attempts := config.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &Guard{
		name:        name,
		breaker:     NewBreaker(name, config.Breaker),
		pool:        NewPool(name, config.PoolSize, config.AcquireTimeout),
		backoff:     Backoff{Base: config.Retry.BaseDelay, Max: config.Retry.MaxDelay},
		maxAttempts: attempts,
		callTimeout: config.Retry.CallTimeout,
		sleep:       sleepContext,
	}
}

// Name 保护器名称
func (g *Guard) Name() string {
	return g.name
}

// Breaker 返回内部熔断器
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Do runs fn under the breaker, the pool and the retry policy.
//
// Every attempt is reported to the breaker, so retries of a single call
// can open it. When ctx ends the context error is returned unchanged.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := g.breaker.Allow()
	if err != nil {
		return err
	}
	release, err := g.pool.Acquire(ctx)
	if err != nil {
		g.breaker.abandon(generation)
		return err
	}
	defer release()

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := g.sleep(ctx, g.backoff.Delay(attempt-1)); err != nil {
				return err
			}
			if generation, err = g.breaker.Allow(); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		err := g.call(ctx, fn)
		if err == nil {
			g.breaker.Record(generation, nil)
			return nil
		}
		if ctx.Err() != nil {
			g.breaker.abandon(generation)
			return ctx.Err()
		}

		g.breaker.Record(generation, err)
		lastErr = err
		if IsPermanent(err) {
			log.Printf("[resilience] %s permanent failure: %v", g.name, err)
			break
		}
		log.Printf("[resilience] %s attempt %d/%d failed: %v", g.name, attempt+1, g.maxAttempts, err)
	}

	return fmt.Errorf("%s: %w: %w", g.name, errs.ErrUpstreamUnavailable, lastErr)
}

func (g *Guard) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.callTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return fn(callCtx)
}

// Snapshot 状态快照
func (g *Guard) Snapshot() GuardSnapshot {
	return GuardSnapshot{Name: g.name, Breaker: g.breaker.Snapshot(), Pool: g.pool.Snapshot()}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Provider names used for guards and log tags.
const (
	Transcription = "transcription"
	Generation    = "generation"
	Synthesis     = "synthesis"
)

// Set holds the guards shared by every session, one per provider.
type Set struct {
	Transcription *Guard
	Generation    *Guard
	Synthesis     *Guard
}

// NewSet 为三个外部服务分别创建保护器
func NewSet(transcription, generation, synthesis GuardConfig) *Set {
	return &Set{
		Transcription: NewGuard(Transcription, transcription),
		Generation:    NewGuard(Generation, generation),
		Synthesis:     NewGuard(Synthesis, synthesis),
	}
}

// Snapshot 全部保护器状态
func (s *Set) Snapshot() []GuardSnapshot {
	return []GuardSnapshot{
		s.Transcription.Snapshot(),
		s.Generation.Snapshot(),
		s.Synthesis.Snapshot(),
	}
}
