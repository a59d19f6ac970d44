package protocol

import (
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
)

// Protocol error codes reported to the device.
const (
	CodeMalformedJSON      = "malformed_json"
	CodeMissingField       = "missing_field"
	CodeInvalidField       = "invalid_field"
	CodeTruncatedFrame     = "truncated_frame"
	CodeUnsupportedVersion = "unsupported_version"
	CodeUnsupportedMessage = "unsupported_message"
)

// Error 结构性错误。Fatal 表示无法恢复，应立即断开连接。
type Error struct {
	Code   string
	Reason string
	Fatal  bool
}

func newError(code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func newFatalError(code, reason string) *Error {
	return &Error{Code: code, Reason: reason, Fatal: true}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Reason)
}

// Unwrap lets callers match errs.ErrProtocol.
func (e *Error) Unwrap() error {
	return errs.ErrProtocol
}

// Inbound 单条解码结果，Envelope 与 Frame 二选一。
type Inbound struct {
	Envelope *Envelope
	Frame    *Frame
}

// IsFrame 是否为音频帧
func (in Inbound) IsFrame() bool {
	return in.Frame != nil
}

// Decode 按 websocket 消息类型解码入站数据。
func Decode(messageType int, data []byte) (Inbound, error) {
	switch messageType {
	case websocket.TextMessage:
		env, err := decodeEnvelope(data)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Envelope: env}, nil
	case websocket.BinaryMessage:
		frame, err := DecodeFrame(data)
		if err != nil {
			return Inbound{}, err
		}
		return Inbound{Frame: frame}, nil
	default:
		return Inbound{}, newError(CodeUnsupportedMessage, fmt.Sprintf("unsupported websocket message type: %d", messageType))
	}
}

// Outbound 出站消息，已编码为 websocket 负载。
type Outbound struct {
	MessageType int
	Data        []byte
}

// EnvelopeMessage 编码控制消息为出站消息
func EnvelopeMessage(env *Envelope) (Outbound, error) {
	data, err := EncodeEnvelope(env)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{MessageType: websocket.TextMessage, Data: data}, nil
}

// FrameMessage 编码音频帧为出站消息
func FrameMessage(f *Frame) (Outbound, error) {
	data, err := EncodeFrame(f)
	if err != nil {
		return Outbound{}, err
	}
	return Outbound{MessageType: websocket.BinaryMessage, Data: data}, nil
}

// SplitAudio 把整段音频切成固定大小的下行帧，最后一帧带 FlagLast。
func SplitAudio(utteranceID string, audio []byte, chunkSize int) []*Frame {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if len(audio) == 0 {
		return []*Frame{{Kind: KindSpeaker, Last: true, UtteranceID: utteranceID}}
	}

	frames := make([]*Frame, 0, len(audio)/chunkSize+1)
	var seq uint32
	for i := 0; i < len(audio); i += chunkSize {
		end := i + chunkSize
		if end > len(audio) {
			end = len(audio)
		}
		frames = append(frames, &Frame{
			Kind:        KindSpeaker,
			Last:        end >= len(audio),
			Sequence:    seq,
			UtteranceID: utteranceID,
			Payload:     audio[i:end],
		})
		seq++
	}
	return frames
}
