package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// ErrPoolExhausted 等待并发槽位超时
var ErrPoolExhausted = fmt.Errorf("worker pool exhausted: %w", errs.ErrResourceExhausted)

// PoolSnapshot 并发池快照
type PoolSnapshot struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	InFlight int64  `json:"inFlight"`
	Rejected int64  `json:"rejected"`
}

// Pool bounds concurrent calls to one provider across all sessions.
type Pool struct {
	name           string
	size           int64
	acquireTimeout time.Duration
	sem            *semaphore.Weighted
	inFlight       atomic.Int64
	rejected       atomic.Int64
}

// NewPool 创建并发池
func NewPool(name string, size int, acquireTimeout time.Duration) *Pool {
	if size <= 0 {
		size = 16
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 2 * time.Second
	}
	return &Pool{
		name:           name,
		size:           int64(size),
		acquireTimeout: acquireTimeout,
		sem:            semaphore.NewWeighted(int64(size)),
	}
}

// Acquire waits for a slot. The returned release func must be called once.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		// 调用方自己取消时不算资源耗尽
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			p.rejected.Add(1)
			return nil, fmt.Errorf("%s: %w", p.name, ErrPoolExhausted)
		}
		return nil, err
	}

	p.inFlight.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			p.inFlight.Add(-1)
			p.sem.Release(1)
		}
	}, nil
}

// Snapshot 用于管理接口展示
func (p *Pool) Snapshot() PoolSnapshot {
	return PoolSnapshot{
		Name:     p.name,
		Size:     p.size,
		InFlight: p.inFlight.Load(),
		Rejected: p.rejected.Load(),
	}
}
