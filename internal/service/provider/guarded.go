package provider

import (
	"context"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

// GuardedTranscriber runs every call through a resilience guard.
type GuardedTranscriber struct {
	inner Transcriber
	guard *resilience.Guard
}

// NewGuardedTranscriber 为语音识别加上熔断、限流与重试
func NewGuardedTranscriber(inner Transcriber, guard *resilience.Guard) *GuardedTranscriber {
	return &GuardedTranscriber{inner: inner, guard: guard}
}

// Transcribe implements Transcriber.
func (g *GuardedTranscriber) Transcribe(ctx context.Context, audio []byte, locale string) (string, error) {
	var text string
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		text, err = g.inner.Transcribe(ctx, audio, locale)
		return err
	})
	return text, err
}

// GuardedGenerator runs every call through a resilience guard.
type GuardedGenerator struct {
	inner Generator
	guard *resilience.Guard
}

// NewGuardedGenerator 为回复生成加上熔断、限流与重试
func NewGuardedGenerator(inner Generator, guard *resilience.Guard) *GuardedGenerator {
	return &GuardedGenerator{inner: inner, guard: guard}
}

// Generate implements Generator.
func (g *GuardedGenerator) Generate(ctx context.Context, text string, childAge int, history []conversation.Turn) (string, error) {
	var reply string
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		reply, err = g.inner.Generate(ctx, text, childAge, history)
		return err
	})
	return reply, err
}

// GuardedSynthesizer runs every call through a resilience guard.
type GuardedSynthesizer struct {
	inner Synthesizer
	guard *resilience.Guard
}

// NewGuardedSynthesizer 为语音合成加上熔断、限流与重试
func NewGuardedSynthesizer(inner Synthesizer, guard *resilience.Guard) *GuardedSynthesizer {
	return &GuardedSynthesizer{inner: inner, guard: guard}
}

// Synthesize implements Synthesizer.
func (g *GuardedSynthesizer) Synthesize(ctx context.Context, text string, voice VoiceProfile) (Audio, error) {
	var audio Audio
	err := g.guard.Do(ctx, func(ctx context.Context) error {
		var err error
		audio, err = g.inner.Synthesize(ctx, text, voice)
		return err
	})
	return audio, err
}

// Guard wraps the three providers with the guards from set.
func Guard(set *resilience.Set, t Transcriber, g Generator, s Synthesizer) (Transcriber, Generator, Synthesizer) {
	return NewGuardedTranscriber(t, set.Transcription),
		NewGuardedGenerator(g, set.Generation),
		NewGuardedSynthesizer(s, set.Synthesis)
}
