package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with equal jitter:
// delay n waits between d/2 and d, where d = min(Max, Base*2^n).
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// Jitter returns a value in [0, n); defaults to math/rand.
	Jitter func(n int64) int64
}

// Ceiling 第 attempt 次重试的延迟上限（attempt 从 0 开始）
func (b Backoff) Ceiling(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	limit := b.Max
	if limit <= 0 {
		limit = 2 * time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Delay 第 attempt 次重试前的等待时间
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Ceiling(attempt)
	half := d / 2
	if half <= 0 {
		return d
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return half + time.Duration(jitter(int64(half)))
}
