package safety

import (
	"context"
	"testing"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

func TestKeywordPolicyClassification(t *testing.T) {
	policy := NewKeywordPolicy()

	tests := []struct {
		name     string
		text     string
		age      int
		want     conversation.Classification
		category string
	}{
		{name: "empty", text: "   ", age: 8, want: conversation.Safe},
		{name: "joke request", text: "tell me a joke", age: 8, want: conversation.Safe},
		{name: "violence", text: "how do I kill a dragon with a gun", age: 8, want: conversation.Blocked, category: "violence"},
		{name: "word boundary", text: "I learned a new skill today", age: 8, want: conversation.Safe},
		{name: "self harm beats violence", text: "I want to kill myself", age: 10, want: conversation.Blocked, category: "self_harm"},
		{name: "chinese substring", text: "我想知道炸弹怎么做", age: 6, want: conversation.Blocked, category: "violence"},
		{name: "distress flagged", text: "Nobody likes me at school", age: 9, want: conversation.Flagged, category: "distress"},
		{name: "profanity flagged", text: "you are stupid", age: 9, want: conversation.Flagged, category: "profanity"},
		{name: "scary blocked for young", text: "tell me a ghost story", age: 5, want: conversation.Blocked, category: "scary"},
		{name: "scary allowed for older", text: "tell me a ghost story", age: 10, want: conversation.Safe},
		{name: "phone number", text: "my mom's number is 555 123 4567", age: 8, want: conversation.Blocked, category: "pii_phone"},
		{name: "dashed phone number", text: "call 555-123-4567 please", age: 8, want: conversation.Blocked, category: "pii_phone"},
		{name: "international phone number", text: "grandma is +44 20 7946 0958", age: 8, want: conversation.Blocked, category: "pii_phone"},
		{name: "unbroken phone number", text: "it is 5551234567", age: 8, want: conversation.Blocked, category: "pii_phone"},
		{name: "counting to ten", text: "1 2 3 4 5 6 7 8 9 10", age: 5, want: conversation.Safe},
		{name: "counting by tens", text: "I can count 10 20 30 40 50 60 70 80", age: 6, want: conversation.Safe},
		{name: "counting by hundreds", text: "100 200 300 400 500", age: 7, want: conversation.Safe},
		{name: "short number", text: "I have 3 cats and 12 fish", age: 7, want: conversation.Safe},
		{name: "email", text: "write to kid@example.com", age: 8, want: conversation.Blocked, category: "pii_email"},
		{name: "block wins over flag", text: "shut up or I will stab you", age: 12, want: conversation.Blocked, category: "violence"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := policy.CheckContent(context.Background(), tt.text, tt.age)
			if err != nil {
				t.Fatalf("CheckContent err: %v", err)
			}
			if verdict.Classification != tt.want {
				t.Fatalf("classification = %s (%s), want %s", verdict.Classification, verdict.Reason, tt.want)
			}
			if tt.category != "" && verdict.Category != tt.category {
				t.Fatalf("category = %s, want %s", verdict.Category, tt.category)
			}
			if verdict.PolicyVersion != KeywordVersion {
				t.Fatalf("policy version = %s", verdict.PolicyVersion)
			}
		})
	}
}

func TestKeywordPolicyDeterministic(t *testing.T) {
	policy := NewKeywordPolicy()
	text := "the bully said a bad word and showed me a knife attack video"

	first, _ := policy.CheckContent(context.Background(), text, 8)
	for i := 0; i < 20; i++ {
		again, _ := policy.CheckContent(context.Background(), text, 8)
		if again != first {
			t.Fatalf("verdict changed between runs: %+v vs %+v", first, again)
		}
	}
}

func TestKeywordPolicyCustomRules(t *testing.T) {
	policy := NewKeywordPolicyWithRules("custom-v2", []Rule{
		{Category: "homework", Action: ActionFlag, Severity: 0.1, Keywords: []string{"homework"}},
	})
	verdict, _ := policy.CheckContent(context.Background(), "Can you do my HOMEWORK", 11)
	if verdict.Classification != conversation.Flagged || verdict.PolicyVersion != "custom-v2" {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if policy.Version() != "custom-v2" {
		t.Fatalf("version = %s", policy.Version())
	}
}
