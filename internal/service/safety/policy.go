package safety

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

// Policy 内容安全策略，外部审核服务也可以实现此接口。
type Policy interface {
	CheckContent(ctx context.Context, text string, childAge int) (conversation.Verdict, error)
	Version() string
}

// Action 规则命中后的处理
type Action string

const (
	ActionBlock Action = "block"
	ActionFlag  Action = "flag"
)

// Rule 关键词规则。MaxAge>0 时只对不超过该年龄的儿童生效。
type Rule struct {
	Category string
	Action   Action
	Severity float64
	MaxAge   int
	Keywords []string
}

// KeywordVersion 内置关键词策略版本
const KeywordVersion = "keyword-v1"

var defaultRules = []Rule{
	{
		Category: "violence",
		Action:   ActionBlock,
		Severity: 0.9,
		Keywords: []string{
			"kill", "murder", "stab", "shoot", "gun", "knife attack", "bomb", "blood everywhere",
			"杀人", "杀了", "枪", "炸弹", "砍人",
		},
	},
	{
		Category: "self_harm",
		Action:   ActionBlock,
		Severity: 1.0,
		Keywords: []string{
			"kill myself", "hurt myself", "suicide", "want to die", "cut myself",
			"自杀", "不想活", "伤害自己",
		},
	},
	{
		Category: "sexual",
		Action:   ActionBlock,
		Severity: 1.0,
		Keywords: []string{
			"sex", "naked", "porn", "nude", "色情", "裸体",
		},
	},
	{
		Category: "substances",
		Action:   ActionBlock,
		Severity: 0.8,
		Keywords: []string{
			"drugs", "cocaine", "weed", "vodka", "get drunk", "毒品", "吸毒", "喝醉",
		},
	},
	{
		Category: "personal_info",
		Action:   ActionBlock,
		Severity: 0.7,
		Keywords: []string{
			"what is your address", "where do you live", "your phone number", "your password",
			"tell me your address", "家庭住址", "你家在哪", "电话号码", "密码是多少",
		},
	},
	{
		Category: "scary",
		Action:   ActionBlock,
		Severity: 0.5,
		MaxAge:   7,
		Keywords: []string{
			"monster under the bed", "ghost", "zombie", "horror", "鬼", "僵尸", "恐怖",
		},
	},
	{
		Category: "distress",
		Action:   ActionFlag,
		Severity: 0.6,
		Keywords: []string{
			"nobody likes me", "i am scared", "i'm scared", "bully", "bullied", "hit me", "i feel sad",
			"没人喜欢我", "我很害怕", "被欺负", "打我", "我好难过",
		},
	},
	{
		Category: "profanity",
		Action:   ActionFlag,
		Severity: 0.3,
		Keywords: []string{
			"stupid", "shut up", "idiot", "damn", "笨蛋", "闭嘴", "白痴",
		},
	},
}

var (
	// 数字串之间只允许单个空格、点或连字符
	digitRunPattern = regexp.MustCompile(`\+?\d+(?:[ .-]\d+)*`)
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
)

var piiPatterns = []struct {
	category string
	match    func(text string) bool
}{
	{category: "pii_phone", match: containsPhoneNumber},
	{category: "pii_email", match: emailPattern.MatchString},
}

// containsPhoneNumber 识别电话号码的分组形态（555 123 4567、+1 555-123-4567、5551234567），
// 数数（1 2 3 ... 10、10 20 30 ...）不算。
func containsPhoneNumber(text string) bool {
	for _, run := range digitRunPattern.FindAllString(text, -1) {
		if looksLikePhone(run) {
			return true
		}
	}
	return false
}

func looksLikePhone(run string) bool {
	international := strings.HasPrefix(run, "+")
	groups := strings.FieldsFunc(strings.TrimPrefix(run, "+"), func(r rune) bool {
		return r == ' ' || r == '.' || r == '-'
	})
	if len(groups) == 0 || len(groups) > 5 {
		return false
	}

	digits := 0
	for i, g := range groups {
		digits += len(g)
		if i == 0 {
			// 单个数字打头只能是国家码：+1 或 1 555 123 4567
			if len(g) == 1 && !international && len(groups) < 4 {
				return false
			}
			continue
		}
		if len(g) < 2 {
			return false
		}
	}
	if digits < 7 {
		return false
	}
	return len(groups) == 1 || len(groups[len(groups)-1]) >= 4
}

// KeywordPolicy 基于关键词与正则的确定性策略：相同输入与版本得到相同判定。
type KeywordPolicy struct {
	rules   []Rule
	version string
}

// NewKeywordPolicy 使用内置规则创建策略
func NewKeywordPolicy() *KeywordPolicy {
	return NewKeywordPolicyWithRules(KeywordVersion, defaultRules)
}

// NewKeywordPolicyWithRules 使用自定义规则创建策略
func NewKeywordPolicyWithRules(version string, rules []Rule) *KeywordPolicy {
	copied := make([]Rule, len(rules))
	copy(copied, rules)
	// 严重程度高的规则优先，保证命中多条时结果稳定
	sort.SliceStable(copied, func(i, j int) bool {
		if copied[i].Severity != copied[j].Severity {
			return copied[i].Severity > copied[j].Severity
		}
		return copied[i].Category < copied[j].Category
	})
	return &KeywordPolicy{rules: copied, version: version}
}

// Version 策略版本
func (p *KeywordPolicy) Version() string {
	return p.version
}

// CheckContent 评估文本
func (p *KeywordPolicy) CheckContent(_ context.Context, text string, childAge int) (conversation.Verdict, error) {
	normalized := strings.ToLower(strings.TrimSpace(text))
	verdict := conversation.Verdict{Classification: conversation.Safe, PolicyVersion: p.version}
	if normalized == "" {
		return verdict, nil
	}

	var flagged *conversation.Verdict
	for _, rule := range p.rules {
		if rule.MaxAge > 0 && childAge > rule.MaxAge {
			continue
		}
		word, ok := matchKeyword(normalized, rule.Keywords)
		if !ok {
			continue
		}
		hit := conversation.Verdict{
			Category:      rule.Category,
			Severity:      rule.Severity,
			Reason:        "matched " + rule.Category + " term \"" + word + "\"",
			PolicyVersion: p.version,
		}
		if rule.Action == ActionBlock {
			hit.Classification = conversation.Blocked
			return hit, nil
		}
		if flagged == nil {
			hit.Classification = conversation.Flagged
			flagged = &hit
		}
	}

	for _, pii := range piiPatterns {
		if pii.match(text) {
			return conversation.Verdict{
				Classification: conversation.Blocked,
				Category:       pii.category,
				Severity:       0.7,
				Reason:         "contains personal contact information",
				PolicyVersion:  p.version,
			}, nil
		}
	}

	if flagged != nil {
		return *flagged, nil
	}
	return verdict, nil
}

// matchKeyword 英文词按单词边界匹配，其余（中文）按子串匹配。
func matchKeyword(normalized string, keywords []string) (string, bool) {
	for _, word := range keywords {
		w := strings.ToLower(word)
		if w == "" {
			continue
		}
		if isASCII(w) {
			if containsWord(normalized, w) {
				return word, true
			}
			continue
		}
		if strings.Contains(normalized, w) {
			return word, true
		}
	}
	return "", false
}

func containsWord(text, word string) bool {
	for start := 0; start <= len(text)-len(word); {
		idx := strings.Index(text[start:], word)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(word)
		if (idx == 0 || !isWordByte(text[idx-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		start = idx + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '\'' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}
