package session

import (
	"errors"
	"fmt"
)

// State 设备连接状态
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateIdle           State = "idle"
	StateRecording      State = "recording"
	StateProcessing     State = "processing"
	StatePlaying        State = "playing"
	StateClosed         State = "closed"
)

// Event 触发状态迁移的事件
type Event string

const (
	EventHello          Event = "hello"
	EventAuthenticated  Event = "authenticated"
	EventStartRecording Event = "start_recording"
	EventUtteranceReady Event = "utterance_ready"
	EventDiscard        Event = "discard"
	EventReplyReady     Event = "reply_ready"
	EventPlaybackDone   Event = "playback_done"
	EventCancel         Event = "cancel"
	EventClose          Event = "close"
)

// States and Events list every value, in lifecycle order.
var (
	States = []State{StateConnecting, StateAuthenticating, StateIdle, StateRecording, StateProcessing, StatePlaying, StateClosed}
	Events = []Event{EventHello, EventAuthenticated, EventStartRecording, EventUtteranceReady, EventDiscard, EventReplyReady, EventPlaybackDone, EventCancel, EventClose}
)

// ErrInvalidTransition 当前状态不接受该事件
var ErrInvalidTransition = errors.New("invalid session transition")

// transitions 完整的迁移表，未列出的组合一律拒绝。
// start_recording 在 playing 下视为打断播放。
var transitions = map[State]map[Event]State{
	StateConnecting: {
		EventHello: StateAuthenticating,
		EventClose: StateClosed,
	},
	StateAuthenticating: {
		EventAuthenticated: StateIdle,
		EventClose:         StateClosed,
	},
	StateIdle: {
		EventStartRecording: StateRecording,
		EventClose:          StateClosed,
	},
	StateRecording: {
		EventUtteranceReady: StateProcessing,
		EventDiscard:        StateIdle,
		EventCancel:         StateIdle,
		EventClose:          StateClosed,
	},
	StateProcessing: {
		EventReplyReady: StatePlaying,
		EventCancel:     StateIdle,
		EventClose:      StateClosed,
	},
	StatePlaying: {
		EventStartRecording: StateRecording,
		EventPlaybackDone:   StateIdle,
		EventCancel:         StateIdle,
		EventClose:          StateClosed,
	},
	StateClosed: {},
}

// Next 计算迁移结果
func Next(from State, event Event) (State, error) {
	if to, ok := transitions[from][event]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%s on %s: %w", event, from, ErrInvalidTransition)
}
