// Package speech implements transcription and synthesis on the Volcengine
// openspeech websocket APIs.
package speech

import (
	"fmt"
	"strings"
	"time"
)

// Default endpoints.
const (
	DefaultASRURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	DefaultTTSURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"
)

// Config 火山引擎语音配置
type Config struct {
	AppID          string
	AccessToken    string
	ConcurrentMode bool // ASR 并发版资源，false 为小时版

	ASRURL      string
	ASRModel    string
	ASRLanguage string
	ASRFormat   string // 设备上行音频格式，默认 pcm
	SampleRate  int

	TTSURL      string
	TTSVoice    string
	TTSSpeed    float32
	TTSVolume   float32
	TTSLanguage string
	TTSFormat   string // mp3 或 pcm

	HandshakeTimeout time.Duration
}

func (c Config) credentials() (string, string, error) {
	appID := strings.TrimSpace(c.AppID)
	token := strings.TrimSpace(c.AccessToken)
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 10 * time.Second
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
