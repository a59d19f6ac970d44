package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

// MockTranscriber is a Transcriber for tests and local development.
// TranscribeFunc overrides the default, which returns Text.
type MockTranscriber struct {
	Text           string
	TranscribeFunc func(ctx context.Context, audio []byte, locale string) (string, error)

	mu    sync.Mutex
	calls int
}

// Transcribe implements Transcriber.
func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte, locale string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, audio, locale)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Text, nil
}

// Calls 调用次数
func (m *MockTranscriber) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// GenerateCall 记录一次生成调用
type GenerateCall struct {
	Text     string
	ChildAge int
	History  []conversation.Turn
}

// MockGenerator is a Generator for tests and local development. Without
// GenerateFunc it answers with a short friendly echo.
type MockGenerator struct {
	Reply        string
	GenerateFunc func(ctx context.Context, text string, childAge int, history []conversation.Turn) (string, error)

	mu    sync.Mutex
	calls []GenerateCall
}

// Generate implements Generator.
func (m *MockGenerator) Generate(ctx context.Context, text string, childAge int, history []conversation.Turn) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, GenerateCall{Text: text, ChildAge: childAge, History: history})
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, text, childAge, history)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Reply != "" {
		return m.Reply, nil
	}
	return mockReply(text), nil
}

// Calls 返回全部调用记录
func (m *MockGenerator) Calls() []GenerateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenerateCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func mockReply(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "joke"):
		return "Why did the teddy bear skip dessert? Because it was already stuffed!"
	case strings.Contains(text, "笑话"):
		return "小熊为什么不吃甜点？因为它肚子里全是棉花，已经饱啦！"
	default:
		return fmt.Sprintf("You said: %s. Tell me more!", strings.TrimSpace(text))
	}
}

// MockSynthesizer is a Synthesizer for tests and local development.
// Without SynthesizeFunc it renders silent pcm16 audio sized to the text.
type MockSynthesizer struct {
	SynthesizeFunc func(ctx context.Context, text string, voice VoiceProfile) (Audio, error)

	mu    sync.Mutex
	texts []string
}

// Synthesize implements Synthesizer.
func (m *MockSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceProfile) (Audio, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text, voice)
	}
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	// 每个字符约 60ms
	return Silence(time.Duration(len([]rune(text))) * 60 * time.Millisecond), nil
}

// Texts 返回所有合成过的文本
func (m *MockSynthesizer) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.texts))
	copy(out, m.texts)
	return out
}

// Silence 生成 16kHz 单声道 pcm16 静音
func Silence(d time.Duration) Audio {
	const rate = 16000
	samples := int(d * rate / time.Second)
	return Audio{Data: make([]byte, samples*2), Format: "pcm16", SampleRate: rate, Duration: d}
}
