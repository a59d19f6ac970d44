// Package conversation holds the turn records exchanged between the
// orchestrator and the session that owns them.
package conversation

import "sync"

// DefaultWindowSize 默认保留最近的轮次数
const DefaultWindowSize = 6

// Window is a bounded, insertion-ordered list of recent turns owned by
// one session. The orchestrator appends to it while admin handlers read.
type Window struct {
	mu    sync.RWMutex
	size  int
	turns []Turn
}

// NewWindow 创建滚动上下文窗口
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{size: size, turns: make([]Turn, 0, size)}
}

// Append adds a turn and evicts the oldest ones once the window is full.
func (w *Window) Append(turn Turn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = append(w.turns, turn)
	if over := len(w.turns) - w.size; over > 0 {
		w.turns = append(w.turns[:0], w.turns[over:]...)
	}
}

// Turns returns a copy, oldest first.
func (w *Window) Turns() []Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	copied := make([]Turn, len(w.turns))
	copy(copied, w.turns)
	return copied
}

// Len 当前轮次数
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.turns)
}

// Size 窗口容量
func (w *Window) Size() int {
	return w.size
}
