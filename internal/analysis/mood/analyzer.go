// Package mood 根据孩子的话和玩偶的回复推断回复情绪，决定动作与语气。
package mood

import (
	"strings"
)

// Label 回复情绪
type Label string

const (
	Neutral Label = "neutral"
	Happy   Label = "happy"
	Excited Label = "excited"
	Comfort Label = "comfort"
	Curious Label = "curious"
	Sleepy  Label = "sleepy"
)

// Decision 情绪判定与动作强度（1-5）
type Decision struct {
	Mood      Label
	Intensity int
	Score     int
}

// 动作由设备固件解释，未知动作应忽略
var gestures = map[Label]string{
	Neutral: "nod",
	Happy:   "wiggle",
	Excited: "dance",
	Comfort: "hug",
	Curious: "tilt_head",
	Sleepy:  "yawn",
}

var keywordBuckets = map[Label][]string{
	Happy: {
		"开心", "高兴", "快乐", "太好了", "真棒", "哈哈", "喜欢", "好耶",
		"happy", "great", "yay", "love", "fun", "funny", "haha", "awesome", "good job",
	},
	Excited: {
		"哇", "太酷了", "惊喜", "冒险", "比赛", "生日",
		"wow", "amazing", "adventure", "surprise", "can't wait", "birthday", "let's go",
	},
	Comfort: {
		"别担心", "没事", "不要怕", "抱抱", "陪着你", "安心", "慢慢来",
		"don't worry", "it's okay", "it's ok", "i'm here", "you're safe", "big hug", "brave",
	},
	Curious: {
		"为什么", "怎么", "猜猜", "你知道吗", "是什么",
		"why", "how come", "guess", "did you know", "what if", "wonder",
	},
	Sleepy: {
		"睡觉", "晚安", "困了", "做个好梦",
		"bedtime", "good night", "goodnight", "sleepy", "sweet dreams", "nap",
	},
}

// 孩子情绪没有体现在回复里时的映射
var childMoodResponse = map[Label]Label{
	Happy:   Happy,
	Excited: Excited,
	Comfort: Comfort,
	Curious: Curious,
	Sleepy:  Sleepy,
}

var childDistress = []string{
	"难过", "伤心", "害怕", "哭", "孤单", "被欺负",
	"sad", "scared", "afraid", "cry", "lonely", "bullied", "upset", "miss you",
}

// Analyze 以回复为主，回复情绪不明显时参考孩子的话。
func Analyze(childText, reply string) Decision {
	if containsAny(strings.ToLower(childText), childDistress) {
		// 孩子难过时无论回复内容都做安抚动作
		return Decision{Mood: Comfort, Intensity: 2, Score: 3}
	}

	final := score(reply)
	if final.Score == 0 {
		if child := score(childText); child.Score > 0 {
			final = Decision{Mood: childMoodResponse[child.Mood], Score: child.Score}
		}
	}
	if final.Score == 0 {
		return Decision{Mood: Neutral, Intensity: 1}
	}

	intensity := 1 + final.Score/3
	switch final.Mood {
	case Comfort, Sleepy:
		intensity = min(intensity, 2)
	case Excited:
		intensity++
	}
	final.Intensity = max(1, min(intensity, 5))
	return final
}

// Gesture 情绪对应的玩偶动作
func Gesture(label Label) string {
	if g, ok := gestures[label]; ok {
		return g
	}
	return gestures[Neutral]
}

func score(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Mood: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}
	if n := strings.Count(text, "!") + strings.Count(text, "！"); n > 0 {
		scores[Excited] += 2 * n
		scores[Happy]++
	}
	if strings.HasSuffix(normalized, "?") || strings.HasSuffix(normalized, "？") {
		scores[Curious]++
	}

	best := Decision{Mood: Neutral}
	// 固定顺序遍历，同分时结果稳定
	for _, label := range []Label{Comfort, Sleepy, Excited, Happy, Curious} {
		if s := scores[label]; s > best.Score {
			best = Decision{Mood: label, Score: s}
		}
	}
	return best
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
