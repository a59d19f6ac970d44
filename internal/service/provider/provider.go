// Package provider declares the external capabilities the conversation
// pipeline depends on. Vendor adapters live in their own packages.
package provider

import (
	"context"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

// VoiceProfile 合成音色参数
type VoiceProfile struct {
	VoiceID string
	Locale  string
	Speed   float32
	Volume  float32
}

// Audio 合成结果
type Audio struct {
	Data       []byte
	Format     string // mp3, pcm16 ...
	SampleRate int
	Duration   time.Duration
}

// Transcriber turns one utterance into text. An empty string means no
// speech was recognised and is not an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, locale string) (string, error)
}

// Generator produces the companion's reply for a child of the given age.
type Generator interface {
	Generate(ctx context.Context, text string, childAge int, history []conversation.Turn) (string, error)
}

// Synthesizer renders reply text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Audio, error)
}
