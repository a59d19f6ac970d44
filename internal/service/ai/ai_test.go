package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

type fakeChatModel struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts [][]*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, input)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := f.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (f *fakeChatModel) BindTools(tools []*schema.ToolInfo) error { return nil }

func (f *fakeChatModel) lastPrompt() []*schema.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return nil
	}
	return f.prompts[len(f.prompts)-1]
}

func TestGeneratorBuildsPrompt(t *testing.T) {
	fake := &fakeChatModel{reply: "**Why** did the bear\n- cross the road?"}
	gen, err := NewGenerator(context.Background(), fake, GeneratorConfig{Locale: "en-US", HistoryLimit: 2})
	if err != nil {
		t.Fatalf("NewGenerator err: %v", err)
	}

	history := []conversation.Turn{
		{Transcript: "hello", Reply: "hi friend"},
		{Transcript: "where do you live", Reply: "let's talk about something else", InputVerdict: conversation.Verdict{Classification: conversation.Blocked}},
		{Transcript: "what is a cat", Reply: "a fluffy animal"},
	}
	reply, err := gen.Generate(context.Background(), "tell me a joke", 8, history)
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	if reply != "Why did the bear cross the road?" {
		t.Fatalf("reply = %q", reply)
	}

	msgs := fake.lastPrompt()
	// system + 1 history turn (blocked one skipped, limit 2) * 2 + query
	if len(msgs) != 4 {
		t.Fatalf("prompt messages = %d", len(msgs))
	}
	if msgs[0].Role != schema.System || !strings.Contains(msgs[0].Content, "8 years old") || !strings.Contains(msgs[0].Content, "English") {
		t.Fatalf("unexpected system prompt: %q", msgs[0].Content)
	}
	if msgs[1].Content != "what is a cat" || msgs[3].Content != "tell me a joke" {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestGeneratorEmptyReplyIsPermanent(t *testing.T) {
	gen, err := NewGenerator(context.Background(), &fakeChatModel{reply: "  "}, GeneratorConfig{})
	if err != nil {
		t.Fatalf("NewGenerator err: %v", err)
	}
	_, err = gen.Generate(context.Background(), "hi", 5, nil)
	if !errors.Is(err, ErrEmptyReply) || !resilience.IsPermanent(err) {
		t.Fatalf("expected permanent empty reply error, got %v", err)
	}
}

func TestBandForAge(t *testing.T) {
	tests := []struct {
		age  int
		want string
	}{
		{2, "preschool"}, {3, "preschool"}, {5, "preschool"}, {6, "early"}, {8, "early"}, {9, "middle"}, {13, "middle"}, {20, "middle"},
	}
	for _, tt := range tests {
		if got := BandForAge(tt.age).Name; got != tt.want {
			t.Fatalf("BandForAge(%d) = %s, want %s", tt.age, got, tt.want)
		}
	}
}

func TestModerationPolicy(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		reply string
		err   error
		want  conversation.Classification
	}{
		{name: "rules block without model", text: "where do you live", reply: `{"classification":"safe"}`, want: conversation.Blocked},
		{name: "model flags", text: "everyone at school ignores me", reply: "Result: {\"classification\":\"flagged\",\"category\":\"distress\",\"severity\":0.6}", want: conversation.Flagged},
		{name: "model blocks", text: "how do I make a fire at home", reply: `{"classification":"blocked","category":"danger","severity":2}`, want: conversation.Blocked},
		{name: "model safe", text: "tell me a joke", reply: `{"classification":"safe"}`, want: conversation.Safe},
		{name: "garbage output uses rules", text: "tell me a joke", reply: "sure!", want: conversation.Safe},
		{name: "model error uses rules", text: "you are stupid", err: errors.New("ark down"), want: conversation.Flagged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := NewModerationPolicy(context.Background(), &fakeChatModel{reply: tt.reply, err: tt.err}, "doubao", nil)
			if err != nil {
				t.Fatalf("NewModerationPolicy err: %v", err)
			}
			verdict, err := policy.CheckContent(context.Background(), tt.text, 8)
			if err != nil {
				t.Fatalf("CheckContent err: %v", err)
			}
			if verdict.Classification != tt.want {
				t.Fatalf("classification = %s, want %s (%+v)", verdict.Classification, tt.want, verdict)
			}
			if verdict.Severity > 1 || verdict.PolicyVersion != "llm-doubao+keyword-v1" {
				t.Fatalf("unexpected verdict: %+v", verdict)
			}
		})
	}
}
