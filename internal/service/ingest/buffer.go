// Package ingest assembles microphone frames into one utterance per
// recording turn. A Buffer belongs to exactly one session and is only
// touched from that session's loop, so it carries no locking.
package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/protocol"
)

var (
	ErrAlreadyRecording = errors.New("an utterance is already open")
	ErrNoUtterance      = errors.New("no utterance is open")
	ErrUnknownUtterance = errors.New("frame belongs to an utterance that was never started")
	ErrBufferOverflow   = errors.New("buffer_overflow")
	ErrEmptyUtterance   = errors.New("utterance contains no audio")
)

// FinishReason 轮次结束原因
type FinishReason string

const (
	ReasonEnd      FinishReason = "end"
	ReasonOverflow FinishReason = "buffer_overflow"
	ReasonTimeout  FinishReason = "timeout"
)

// Format 录音格式
type Format struct {
	Encoding   string // pcm16, opus, wav ...
	SampleRate int
	Channels   int
}

// BytesPerSecond 仅对 PCM 有意义，其他编码返回 0。
func (f Format) BytesPerSecond() int {
	if f.Encoding != "pcm16" && f.Encoding != "pcm" {
		return 0
	}
	rate := f.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := f.Channels
	if channels <= 0 {
		channels = 1
	}
	return rate * channels * 2
}

// Utterance 一次完整录音
type Utterance struct {
	ID        string
	Format    Format
	Frames    [][]byte
	Bytes     int
	Duration  time.Duration
	StartedAt time.Time
	EndedAt   time.Time
	Reason    FinishReason
}

// Audio 拼接全部帧
func (u *Utterance) Audio() []byte {
	var buf bytes.Buffer
	buf.Grow(u.Bytes)
	for _, f := range u.Frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

// Limits 录音上限
type Limits struct {
	MaxBytes    int
	MaxDuration time.Duration
	IdleTimeout time.Duration
}

// Buffer 单会话录音缓冲
type Buffer struct {
	limits    Limits
	now       func() time.Time
	current   *Utterance
	lastFrame time.Time
}

// NewBuffer 创建缓冲
func NewBuffer(limits Limits) *Buffer {
	return &Buffer{limits: limits, now: time.Now}
}

// Active 返回当前打开的轮次
func (b *Buffer) Active() (string, bool) {
	if b.current == nil {
		return "", false
	}
	return b.current.ID, true
}

// Start 打开新的轮次
func (b *Buffer) Start(id string, format Format) error {
	if id == "" {
		return fmt.Errorf("utterance id is required")
	}
	if b.current != nil {
		return fmt.Errorf("start %s: %w (open=%s)", id, ErrAlreadyRecording, b.current.ID)
	}
	now := b.now()
	b.current = &Utterance{ID: id, Format: format, StartedAt: now}
	b.lastFrame = now
	return nil
}

// Append 追加一帧。超出上限时提前结束轮次：
// 返回已封装的 Utterance 以及 ErrBufferOverflow，超限的帧不会写入。
func (b *Buffer) Append(frame *protocol.Frame) (*Utterance, error) {
	if b.current == nil {
		return nil, ErrNoUtterance
	}
	if frame.UtteranceID != b.current.ID {
		return nil, fmt.Errorf("frame for %s: %w", frame.UtteranceID, ErrUnknownUtterance)
	}

	now := b.now()
	b.lastFrame = now

	size := len(frame.Payload)
	if b.limits.MaxBytes > 0 && b.current.Bytes+size > b.limits.MaxBytes {
		return b.finalize(ReasonOverflow, now), ErrBufferOverflow
	}
	if b.limits.MaxDuration > 0 && b.durationWith(size, now) > b.limits.MaxDuration {
		return b.finalize(ReasonOverflow, now), ErrBufferOverflow
	}

	if size > 0 {
		b.current.Frames = append(b.current.Frames, frame.Payload)
		b.current.Bytes += size
	}
	return nil, nil
}

// Finish 设备显式结束录音
func (b *Buffer) Finish(id string) (*Utterance, error) {
	if b.current == nil {
		return nil, ErrNoUtterance
	}
	if id != "" && id != b.current.ID {
		return nil, fmt.Errorf("finish %s: %w", id, ErrUnknownUtterance)
	}
	return b.finalize(ReasonEnd, b.now()), nil
}

// Expire 在录音状态下超过空闲窗口没有收到音频时结束轮次。
func (b *Buffer) Expire(now time.Time) (*Utterance, bool) {
	if b.current == nil || b.limits.IdleTimeout <= 0 {
		return nil, false
	}
	if now.Sub(b.lastFrame) < b.limits.IdleTimeout {
		return nil, false
	}
	return b.finalize(ReasonTimeout, now), true
}

// Discard 丢弃当前轮次（取消/断开）
func (b *Buffer) Discard() {
	b.current = nil
}

func (b *Buffer) durationWith(extra int, now time.Time) time.Duration {
	if bps := b.current.Format.BytesPerSecond(); bps > 0 {
		return time.Duration(b.current.Bytes+extra) * time.Second / time.Duration(bps)
	}
	return now.Sub(b.current.StartedAt)
}

func (b *Buffer) finalize(reason FinishReason, now time.Time) *Utterance {
	u := b.current
	b.current = nil
	u.EndedAt = now
	u.Reason = reason
	if bps := u.Format.BytesPerSecond(); bps > 0 {
		u.Duration = time.Duration(u.Bytes) * time.Second / time.Duration(bps)
	} else {
		u.Duration = now.Sub(u.StartedAt)
	}
	return u
}
