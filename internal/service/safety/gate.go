// Package safety enforces age eligibility and content rules for every turn.
package safety

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/errs"
	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

// Supported child age range, inclusive.
const (
	MinChildAge = 3
	MaxChildAge = 13
)

// ErrAgeOutOfRange 儿童年龄不在支持范围
var ErrAgeOutOfRange = fmt.Errorf("child age outside supported range %d-%d: %w", MinChildAge, MaxChildAge, errs.ErrAuth)

// Point 内容检查位置
type Point string

const (
	PointInput  Point = "input"
	PointOutput Point = "output"
)

// Subject 被检查内容所属的儿童
type Subject struct {
	ChildID  string
	ChildAge int
}

// Gate 安全闸门
type Gate struct {
	policy   Policy
	notifier Notifier
	now      func() time.Time
}

// NewGate 创建安全闸门，notifier 为 nil 时不发送告警。
func NewGate(policy Policy, notifier Notifier) *Gate {
	if policy == nil {
		policy = NewKeywordPolicy()
	}
	return &Gate{policy: policy, notifier: notifier, now: time.Now}
}

// PolicyVersion 当前策略版本
func (g *Gate) PolicyVersion() string {
	return g.policy.Version()
}

// CheckAge 会话认证时执行一次
func (g *Gate) CheckAge(age int) error {
	if age < MinChildAge || age > MaxChildAge {
		return fmt.Errorf("age %d: %w", age, ErrAgeOutOfRange)
	}
	return nil
}

// Evaluate 检查一段输入或输出文本。策略出错时按拦截处理。
func (g *Gate) Evaluate(ctx context.Context, subject Subject, text string, point Point) conversation.Verdict {
	verdict, err := g.policy.CheckContent(ctx, text, subject.ChildAge)
	if err != nil {
		log.Printf("[safety] policy failed child=%s point=%s: %v", subject.ChildID, point, err)
		verdict = conversation.Verdict{
			Classification: conversation.Blocked,
			Reason:         "policy_unavailable",
			Category:       "policy_error",
			Severity:       1,
		}
	}
	if verdict.Classification == "" {
		verdict.Classification = conversation.Safe
	}
	if verdict.PolicyVersion == "" {
		verdict.PolicyVersion = g.policy.Version()
	}
	if verdict.EvaluatedAt.IsZero() {
		verdict.EvaluatedAt = g.now().UTC()
	}

	if verdict.NeedsAlert() {
		log.Printf("[safety] %s verdict child=%s point=%s category=%s severity=%.2f", verdict.Classification, subject.ChildID, point, verdict.Category, verdict.Severity)
		g.alert(subject.ChildID, verdict)
	}
	return verdict
}

// alert 异步通知，不阻塞对话链路
func (g *Gate) alert(childID string, verdict conversation.Verdict) {
	if g.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[safety] notifier panic child=%s: %v", childID, r)
			}
		}()
		if err := g.notifier.Notify(ctx, childID, verdict); err != nil {
			log.Printf("[safety] notify failed child=%s: %v", childID, err)
		}
	}()
}
