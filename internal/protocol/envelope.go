// Package protocol 实现设备与服务端之间的线路编解码：
// JSON 控制信封 {type, id, params} 与打了轮次标签的二进制音频帧。
// 这里只做结构校验，语义校验由会话层负责。
package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// MessageType 控制信封类型
type MessageType string

// Device → server
const (
	TypeHello          MessageType = "hello"
	TypeStartRecording MessageType = "start_recording"
	TypeEndRecording   MessageType = "end_recording"
	TypeCancel         MessageType = "cancel"
	TypePlaybackDone   MessageType = "playback_done"
	TypeLEDAck         MessageType = "led_ack"
	TypeMotorAck       MessageType = "motor_ack"
	TypePing           MessageType = "ping"
	TypeClose          MessageType = "close"
)

// Server → device
const (
	TypeWelcome          MessageType = "welcome"
	TypeRecordingStarted MessageType = "recording_started"
	TypeRecordingStopped MessageType = "recording_stopped"
	TypeProcessing       MessageType = "processing"
	TypePlaybackStart    MessageType = "playback_start"
	TypePlaybackEnd      MessageType = "playback_end"
	TypeTurnCancelled    MessageType = "turn_cancelled"
	TypeLED              MessageType = "led"
	TypeMotor            MessageType = "motor"
	TypePong             MessageType = "pong"
	TypeBye              MessageType = "bye"
)

// TypeError is used in both directions.
const TypeError MessageType = "error"

// Params 信封参数袋
type Params map[string]any

// Envelope 控制消息
type Envelope struct {
	Type   MessageType `json:"type"`
	ID     string      `json:"id,omitempty"`
	Params Params      `json:"params,omitempty"`
}

// NewEnvelope 创建控制消息，params 可以为 nil。
func NewEnvelope(msgType MessageType, id string, params Params) *Envelope {
	return &Envelope{Type: msgType, ID: id, Params: params}
}

// String 读取字符串参数，缺失或类型不符时返回空串。
func (e *Envelope) String(key string) string {
	if e == nil || e.Params == nil {
		return ""
	}
	if v, ok := e.Params[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Int 读取整数参数。JSON 数字解码为 float64，这里只接受整数值。
func (e *Envelope) Int(key string) (int, bool) {
	if e == nil || e.Params == nil {
		return 0, false
	}
	switch v := e.Params[key].(type) {
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 || v < math.MinInt32 {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// Bool 读取布尔参数。
func (e *Envelope) Bool(key string) (bool, bool) {
	if e == nil || e.Params == nil {
		return false, false
	}
	v, ok := e.Params[key].(bool)
	return v, ok
}

// Strings 读取字符串数组参数，非字符串元素被忽略。
func (e *Envelope) Strings(key string) []string {
	if e == nil || e.Params == nil {
		return nil
	}
	raw, ok := e.Params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// EncodeEnvelope 序列化控制消息
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil || env.Type == "" {
		return nil, fmt.Errorf("envelope type is required")
	}
	return json.Marshal(env)
}

// decodeEnvelope 解析并校验 JSON 结构
func decodeEnvelope(data []byte) (*Envelope, error) {
	var raw struct {
		Type   *string         `json:"type"`
		ID     json.RawMessage `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, newError(CodeMalformedJSON, fmt.Sprintf("invalid envelope json: %v", err))
	}
	if raw.Type == nil || strings.TrimSpace(*raw.Type) == "" {
		return nil, newError(CodeMissingField, "envelope type is required")
	}

	env := &Envelope{Type: MessageType(strings.TrimSpace(*raw.Type))}

	if len(raw.ID) > 0 && string(raw.ID) != "null" {
		var id string
		if err := json.Unmarshal(raw.ID, &id); err != nil {
			return nil, newError(CodeInvalidField, "envelope id must be a string")
		}
		env.ID = id
	}

	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		var params Params
		if err := json.Unmarshal(raw.Params, &params); err != nil {
			return nil, newError(CodeInvalidField, "envelope params must be an object")
		}
		env.Params = params
	}

	return env, nil
}
