package safety

import "strings"

// CannedReason 兜底回复场景
type CannedReason string

const (
	CannedBlockedInput  CannedReason = "blocked_input"
	CannedBlockedOutput CannedReason = "blocked_output"
	CannedFallback      CannedReason = "fallback"
	CannedNoSpeech      CannedReason = "no_speech"
)

var cannedReplies = map[string]map[CannedReason]string{
	"en": {
		CannedBlockedInput:  "Hmm, let's talk about something else! Do you want to hear a fun fact about animals?",
		CannedBlockedOutput: "Oops, I got my words mixed up. Shall we play a guessing game instead?",
		CannedFallback:      "I didn't catch that. Can you try again?",
		CannedNoSpeech:      "I didn't hear anything. Can you say that again?",
	},
	"zh": {
		CannedBlockedInput:  "我们聊点别的吧！你想听一个关于小动物的有趣知识吗？",
		CannedBlockedOutput: "哎呀，我说乱了。我们来玩个猜谜游戏好不好？",
		CannedFallback:      "我没有听清楚，可以再说一遍吗？",
		CannedNoSpeech:      "我什么都没听到哦，可以再说一次吗？",
	},
}

// CannedReply 返回固定的安全回复文本，未知语言回退英文。
func CannedReply(reason CannedReason, locale string) string {
	lang := strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	replies, ok := cannedReplies[lang]
	if !ok {
		replies = cannedReplies["en"]
	}
	if text, ok := replies[reason]; ok {
		return text
	}
	return replies[CannedFallback]
}
