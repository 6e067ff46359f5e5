// Package alert delivers escalation notices to on-call staff.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/cache"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notice kinds
const (
	KindEscalated  = "escalated"
	KindUnattended = "unattended"
	KindOverdue    = "ack_overdue"
)

// Notice 一条告警
type Notice struct {
	Kind          string    `json:"kind"`
	CallID        string    `json:"callId"`
	EscalationID  string    `json:"escalationId,omitempty"`
	EmergencyType string    `json:"emergencyType,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	SessionID     string    `json:"sessionId,omitempty"`
	At            time.Time `json:"at"`
}

// Key identifies the notice for cooldown purposes.
func (n Notice) Key() string {
	if n.EscalationID != "" {
		return n.Kind + ":" + n.EscalationID
	}
	return n.Kind + ":" + n.CallID
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the log. Always on.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.L()
	}
	return &LogNotifier{log: log.Named("alert")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	l.log.Warn("escalation notice",
		zap.String("kind", n.Kind),
		zap.String("callId", n.CallID),
		zap.String("escalationId", n.EscalationID),
		zap.String("emergencyType", n.EmergencyType),
		zap.String("sessionId", n.SessionID),
		zap.String("detail", n.Detail))
	return nil
}

// WebhookConfig 外部告警地址
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retries int
}

// WebhookNotifier POSTs notices as JSON.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("alert: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "LingDispatch-Alert/1.0")
	if cfg.Secret != "" {
		client.SetHeader("X-Alert-Secret", cfg.Secret)
	}
	return &WebhookNotifier{client: client, url: cfg.URL}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notice) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(n).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("alert: webhook request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert: webhook status %d", resp.StatusCode())
	}
	return nil
}

// Multi fans a notice out to every notifier and joins the failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nf := range m {
		if err := nf.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cooldown suppresses repeats of the same notice key within a window.
// The cache makes the window shared when it is redis-backed.
type Cooldown struct {
	next   Notifier
	cache  cache.Cache
	window time.Duration
	prefix string
}

func NewCooldown(next Notifier, c cache.Cache, window time.Duration, prefix string) *Cooldown {
	return &Cooldown{next: next, cache: c, window: window, prefix: prefix}
}

func (c *Cooldown) Notify(ctx context.Context, n Notice) error {
	key := c.prefix + n.Key()
	if c.cache.Exists(ctx, key) {
		return nil
	}
	if err := c.next.Notify(ctx, n); err != nil {
		return err
	}
	return c.cache.Set(ctx, key, n.At.Unix(), c.window)
}
