// Package resilience wraps outbound provider calls with a circuit breaker,
// bounded retries and a per-provider concurrency pool.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// ErrBreakerOpen 熔断打开时快速失败
var ErrBreakerOpen = fmt.Errorf("circuit breaker open: %w", errs.ErrUpstreamUnavailable)

// BreakerState 熔断器状态
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig 熔断参数
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 20 * time.Second
	}
	return c
}

// BreakerSnapshot 熔断器当前状态快照
type BreakerSnapshot struct {
	Name      string       `json:"name"`
	State     BreakerState `json:"state"`
	Failures  int          `json:"failures"`
	OpenedAt  *time.Time   `json:"openedAt,omitempty"`
	LastError string       `json:"lastError,omitempty"`
}

// Breaker is a per-provider circuit breaker shared by every session.
//
// Closed counts consecutive failures inside FailureWindow; reaching the
// threshold opens it. After Cooldown one trial call is let through
// (half-open); its result closes or re-opens the breaker.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	trialActive  bool
	generation   uint64
	lastErr      string
}

// NewBreaker 创建熔断器
func NewBreaker(name string, config BreakerConfig) *Breaker {
	return &Breaker{
		name:   name,
		config: config.withDefaults(),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name 熔断器名称
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed and returns the generation it
// was admitted under. A nil error must be followed by exactly one Record
// (or abandon) call carrying that generation.
func (b *Breaker) Allow() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return 0, fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
		}
		b.state = StateHalfOpen
		b.generation++
		b.trialActive = true
		return b.generation, nil
	case StateHalfOpen:
		if b.trialActive {
			return 0, fmt.Errorf("%s trial in flight: %w", b.name, ErrBreakerOpen)
		}
		b.generation++
		b.trialActive = true
		return b.generation, nil
	default:
		return b.generation, nil
	}
}

// Record 上报一次调用结果。生成号过期（放行后熔断器已跳闸或开始新的试探）的结果被忽略。
func (b *Breaker) Record(generation uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	now := b.now()
	if err == nil {
		if b.state == StateOpen {
			return
		}
		b.state = StateClosed
		b.failures = 0
		b.trialActive = false
		return
	}

	b.lastErr = err.Error()
	switch b.state {
	case StateHalfOpen:
		b.trip(now)
	case StateOpen:
		// 打开期间不会放行调用，忽略迟到的结果
	default:
		if b.failures == 0 || now.Sub(b.firstFailure) > b.config.FailureWindow {
			b.failures = 0
			b.firstFailure = now
		}
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.trip(now)
		}
	}
}

// abandon 调用未产生结果（调用方取消），释放半开试探名额
func (b *Breaker) abandon(generation uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && generation == b.generation {
		b.trialActive = false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.trialActive = false
	b.failures = 0
	b.generation++
}

// State 返回当前状态，冷却结束的打开状态显示为半开。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot 用于管理接口展示
func (b *Breaker) Snapshot() BreakerSnapshot {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	snap := BreakerSnapshot{
		Name:      b.name,
		State:     state,
		Failures:  b.failures,
		LastError: b.lastErr,
	}
	if state != StateClosed {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}
