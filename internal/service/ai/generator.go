// Package ai adapts Ark chat models, through eino chains, to the reply
// generation and content moderation contracts.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/service/resilience"
)

// ErrEmptyReply 模型返回空内容
var ErrEmptyReply = errors.New("model returned an empty reply")

// GeneratorConfig 回复生成参数
type GeneratorConfig struct {
	Locale       string
	HistoryLimit int
}

// Generator implements provider.Generator on top of an eino chat chain.
type Generator struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	locale       string
	historyLimit int
}

// NewGenerator 编译提示词模板与模型组成的链
func NewGenerator(ctx context.Context, chatModel model.ChatModel, cfg GeneratorConfig) (*Generator, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile reply chain: %w", err)
	}

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = conversation.DefaultWindowSize
	}
	return &Generator{chain: runnable, locale: cfg.Locale, historyLimit: limit}, nil
}

// Generate implements provider.Generator.
func (g *Generator) Generate(ctx context.Context, text string, childAge int, history []conversation.Turn) (string, error) {
	input := map[string]any{
		"system":  BuildSystemPrompt(childAge, g.locale),
		"history": buildHistoryMessages(history, g.historyLimit),
		"query":   strings.TrimSpace(text),
	}

	msg, err := g.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run reply chain: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return "", resilience.Permanent(ErrEmptyReply)
	}

	reply := cleanReply(msg.Content)
	log.Printf("[ai] generated reply age=%d history=%d length=%d", childAge, len(history), len(reply))
	return reply, nil
}

// cleanReply 去掉朗读时无意义的 markdown 符号
func cleanReply(content string) string {
	replacer := strings.NewReplacer("**", "", "__", "", "`", "", "#", "")
	lines := strings.Split(replacer.Replace(content), "\n")
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}
