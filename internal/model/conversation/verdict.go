package conversation

import "time"

// Classification 安全判定结果分类
type Classification string

const (
	Safe    Classification = "safe"
	Blocked Classification = "blocked"
	Flagged Classification = "flagged"
)

// Verdict is the immutable outcome of one safety evaluation.
type Verdict struct {
	Classification Classification `json:"classification"`
	Reason         string         `json:"reason,omitempty"`
	Category       string         `json:"category,omitempty"`
	Severity       float64        `json:"severity"`
	PolicyVersion  string         `json:"policyVersion,omitempty"`
	EvaluatedAt    time.Time      `json:"evaluatedAt"`
}

// IsBlocked 是否拦截
func (v Verdict) IsBlocked() bool {
	return v.Classification == Blocked
}

// NeedsAlert 拦截和标记的结果都需要通知家长端。
func (v Verdict) NeedsAlert() bool {
	return v.Classification == Blocked || v.Classification == Flagged
}
