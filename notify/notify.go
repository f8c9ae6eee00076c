// Package notify posts session events to an incoming webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/songzhibin97/wizard-engine/events"
	"github.com/songzhibin97/wizard-engine/logger"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single webhook delivery.
const DefaultTimeout = 10 * time.Second

// Notifier delivers a named event with its payload somewhere outside the portal.
type Notifier interface {
	Send(ctx context.Context, event string, payload map[string]interface{}) error
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(ctx context.Context, event string, payload map[string]interface{}) error

// Send implements the Notifier interface.
func (f NotifierFunc) Send(ctx context.Context, event string, payload map[string]interface{}) error {
	return f(ctx, event, payload)
}

// Webhook posts Mattermost-compatible {"text": ...} messages to an incoming webhook URL.
type Webhook struct {
	url      string
	channel  string
	username string
	client   *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithChannel overrides the channel configured on the webhook.
func WithChannel(channel string) WebhookOption {
	return func(w *Webhook) {
		w.channel = channel
	}
}

// WithUsername sets the display name of the posting bot.
func WithUsername(name string) WebhookOption {
	return func(w *Webhook) {
		w.username = name
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.client = c
	}
}

// NewWebhook creates a Webhook posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookMessage struct {
	Text     string `json:"text"`
	Channel  string `json:"channel,omitempty"`
	Username string `json:"username,omitempty"`
}

// Send posts one message. Non-2xx responses are returned as errors.
func (w *Webhook) Send(ctx context.Context, event string, payload map[string]interface{}) error {
	body, err := json.Marshal(webhookMessage{
		Text:     Format(event, payload),
		Channel:  w.channel,
		Username: w.username,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return nil
}

// DeliveryError is returned when the webhook answers with a non-2xx status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.StatusCode, e.Body)
}

// Format renders an event as a single line of markdown. Keys are sorted so
// the text is stable.
func Format(event string, payload map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(event)
	b.WriteString("**")

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " | %s: %v", k, payload[k])
	}
	return b.String()
}

// Subscribe forwards bus events to n. With no event types every event is
// forwarded. Delivery runs on the bus goroutine so a slow webhook never blocks
// the session that produced the event.
func Subscribe(bus *events.EventBus, n Notifier, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = []string{events.AllEvents}
	}
	handler := events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		payload := make(map[string]interface{}, len(event.Data)+1)
		for k, v := range event.Data {
			payload[k] = v
		}
		payload["session"] = event.SessionID

		ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
		if err := n.Send(ctx, event.Type, payload); err != nil {
			return fmt.Errorf("notification not delivered: %w", err)
		}
		logger.Debug("notification delivered", zap.String("event", event.Type), zap.Uint64("session", event.SessionID))
		return nil
	})
	for _, t := range eventTypes {
		bus.Subscribe(t, handler)
	}
}
