package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/JAAFAR1996/ai-teddy-bear/backend/internal/model/conversation"
)

// Notifier forwards flagged or blocked verdicts to the parent alerting
// system. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, childID string, verdict conversation.Verdict) error
}

// LogNotifier 仅写日志，用于本地开发
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(_ context.Context, childID string, verdict conversation.Verdict) error {
	log.Printf("[alert] child=%s classification=%s category=%s reason=%q", childID, verdict.Classification, verdict.Category, verdict.Reason)
	return nil
}

// WebhookNotifier posts alerts as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 告警
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type alertPayload struct {
	ChildID string               `json:"childId"`
	Verdict conversation.Verdict `json:"verdict"`
	SentAt  time.Time            `json:"sentAt"`
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, childID string, verdict conversation.Verdict) error {
	body, err := json.Marshal(alertPayload{ChildID: childID, Verdict: verdict, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans one alert out to several notifiers.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, childID string, verdict conversation.Verdict) error {
	var all []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, childID, verdict); err != nil {
			all = append(all, err)
		}
	}
	return errors.Join(all...)
}
