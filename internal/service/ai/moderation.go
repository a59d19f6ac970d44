package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/safety"
)

// FString 模板中的字面量花括号需要写成 {{ }}
const moderationSystemPrompt = `You review text exchanged between a young child and a toy companion.
Classify the text for a child of the given age and answer with one JSON object only:
{{"classification":"safe|flagged|blocked","category":"<short label>","severity":<0-1>,"reason":"<one sentence>"}}
Use "blocked" for violence, self harm, sexual content, drugs, requests for personal information or anything frightening for the age.
Use "flagged" when the child seems sad, scared, bullied or uses rude words.
Use "safe" otherwise.`

const moderationUserPrompt = `Child age: {age}
Text: {text}`

// ModerationPolicy asks a chat model to classify text and combines the
// answer with a rule based policy, keeping the stricter verdict. Model
// errors fall back to the rule based result.
type ModerationPolicy struct {
	classifier compose.Runnable[map[string]any, *schema.Message]
	rules      safety.Policy
	version    string
}

type moderationPayload struct {
	Classification string  `json:"classification"`
	Category       string  `json:"category"`
	Severity       float64 `json:"severity"`
	Reason         string  `json:"reason"`
}

// NewModerationPolicy 创建大模型审核策略，rules 为 nil 时使用内置关键词规则。
func NewModerationPolicy(ctx context.Context, chatModel model.ChatModel, modelName string, rules safety.Policy) (*ModerationPolicy, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if rules == nil {
		rules = safety.NewKeywordPolicy()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(moderationSystemPrompt),
		schema.UserMessage(moderationUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile moderation chain: %w", err)
	}

	name := strings.TrimSpace(modelName)
	if name == "" {
		name = "ark"
	}
	return &ModerationPolicy{
		classifier: runnable,
		rules:      rules,
		version:    "llm-" + name + "+" + rules.Version(),
	}, nil
}

// Version implements safety.Policy.
func (p *ModerationPolicy) Version() string {
	return p.version
}

// CheckContent implements safety.Policy.
func (p *ModerationPolicy) CheckContent(ctx context.Context, text string, childAge int) (conversation.Verdict, error) {
	base, err := p.rules.CheckContent(ctx, text, childAge)
	if err != nil {
		return conversation.Verdict{}, err
	}
	base.PolicyVersion = p.version
	if base.IsBlocked() || strings.TrimSpace(text) == "" {
		return base, nil
	}

	msg, err := p.classifier.Invoke(ctx, map[string]any{
		"age":  childAge,
		"text": strings.TrimSpace(text),
	})
	if err != nil {
		if ctx.Err() != nil {
			return conversation.Verdict{}, ctx.Err()
		}
		log.Printf("[moderation] classifier invoke failed, use rules: %v", err)
		return base, nil
	}
	if msg == nil {
		return base, nil
	}

	payload, err := parseModerationOutput(msg.Content)
	if err != nil {
		log.Printf("[moderation] classifier output parse failed, use rules: %v", err)
		return base, nil
	}

	llm := conversation.Verdict{
		Classification: payload.classification(),
		Category:       strings.TrimSpace(payload.Category),
		Severity:       clampSeverity(payload.Severity),
		Reason:         strings.TrimSpace(payload.Reason),
		PolicyVersion:  p.version,
	}
	if rank(llm.Classification) > rank(base.Classification) {
		return llm, nil
	}
	return base, nil
}

func (m *moderationPayload) classification() conversation.Classification {
	switch strings.ToLower(strings.TrimSpace(m.Classification)) {
	case "blocked", "block", "unsafe":
		return conversation.Blocked
	case "flagged", "flag":
		return conversation.Flagged
	default:
		return conversation.Safe
	}
}

// parseModerationOutput 截取模型输出中的 JSON 对象
func parseModerationOutput(content string) (*moderationPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &moderationPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func rank(c conversation.Classification) int {
	switch c {
	case conversation.Blocked:
		return 2
	case conversation.Flagged:
		return 1
	default:
		return 0
	}
}

func clampSeverity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
