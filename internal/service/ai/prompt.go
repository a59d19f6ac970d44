package ai

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

// AgeBand 年龄段，决定回复的长度和用词
type AgeBand struct {
	Name      string
	MinAge    int
	MaxAge    int
	MaxWords  int
	StyleHint string
}

var ageBands = []AgeBand{
	{
		Name:      "preschool",
		MinAge:    3,
		MaxAge:    5,
		MaxWords:  30,
		StyleHint: "Use very short sentences and simple everyday words. Repeat key words. Sound warm and playful.",
	},
	{
		Name:      "early",
		MinAge:    6,
		MaxAge:    8,
		MaxWords:  50,
		StyleHint: "Use simple sentences, gentle humor and one small question to keep the chat going.",
	},
	{
		Name:      "middle",
		MinAge:    9,
		MaxAge:    13,
		MaxWords:  80,
		StyleHint: "You may explain things a little more and use richer vocabulary, but stay friendly and concise.",
	},
}

// BandForAge 返回年龄所属的年龄段，超出范围时取最近的一段。
func BandForAge(age int) AgeBand {
	if age < ageBands[0].MinAge {
		return ageBands[0]
	}
	for _, band := range ageBands {
		if age >= band.MinAge && age <= band.MaxAge {
			return band
		}
	}
	return ageBands[len(ageBands)-1]
}

const companionRules = `You are Teddy, a kind talking teddy bear who keeps a child company.
Rules you must always follow:
- Never talk about violence, weapons, scary or adult topics, drugs or alcohol.
- Never ask for or repeat personal information such as addresses, phone numbers, school names or passwords.
- If the child seems sad, scared or hurt, be comforting and suggest talking to a parent or trusted grown-up.
- Do not pretend to be a real person. Do not make promises about meeting in person.
- Reply in plain spoken language without markdown, lists, emoji or links, because your words are read aloud.`

// BuildSystemPrompt 生成与年龄匹配的系统提示词
func BuildSystemPrompt(childAge int, locale string) string {
	band := BandForAge(childAge)

	var builder strings.Builder
	builder.WriteString(companionRules)
	builder.WriteString("\n\n")
	builder.WriteString(fmt.Sprintf("The child is %d years old. %s", childAge, band.StyleHint))
	builder.WriteString(fmt.Sprintf("\nKeep every reply under %d words.", band.MaxWords))

	if lang := languageName(locale); lang != "" {
		builder.WriteString("\nAlways answer in ")
		builder.WriteString(lang)
		builder.WriteString(".")
	}
	return builder.String()
}

func languageName(locale string) string {
	lang := strings.ToLower(strings.TrimSpace(locale))
	switch {
	case lang == "":
		return ""
	case strings.HasPrefix(lang, "zh"):
		return "Simplified Chinese"
	case strings.HasPrefix(lang, "en"):
		return "English"
	case strings.HasPrefix(lang, "ar"):
		return "Arabic"
	default:
		return ""
	}
}

// buildHistoryMessages 将最近的对话轮次转换为模型消息。
func buildHistoryMessages(turns []conversation.Turn, limit int) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	start := 0
	if limit > 0 && len(turns) > limit {
		start = len(turns) - limit
	}

	history := make([]*schema.Message, 0, (len(turns)-start)*2)
	for _, turn := range turns[start:] {
		// 被拦截的输入不回放给模型
		if turn.InputVerdict.IsBlocked() {
			continue
		}
		if text := strings.TrimSpace(turn.Transcript); text != "" {
			history = append(history, schema.UserMessage(text))
		}
		if reply := strings.TrimSpace(turn.Reply); reply != "" {
			history = append(history, schema.AssistantMessage(reply, nil))
		}
	}
	return history
}
