package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/appgrant/pkg/billing"
	"github.com/platinummonkey/appgrant/pkg/entitlements"
	"github.com/platinummonkey/appgrant/pkg/tasks"
	"github.com/platinummonkey/appgrant/pkg/usage"
)

// TaskKind is the tasks.Queue kind used for background deliveries.
const TaskKind = "notify.deliver"

// Format selects the body sent to an endpoint.
type Format string

const (
	FormatJSON  Format = "json"
	FormatSlack Format = "slack"
)

// Endpoint is a notification receiver. An empty Events list subscribes to
// every event type.
type Endpoint struct {
	URL    string      `json:"url" yaml:"url"`
	Secret string      `json:"-" yaml:"secret"`
	Format Format      `json:"format" yaml:"format"`
	Events []EventType `json:"events" yaml:"events"`
}

func (e Endpoint) wants(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == t {
			return true
		}
	}
	return false
}

// Notifier is the outbound port for subscription and usage notifications.
type Notifier interface {
	Notify(ctx context.Context, event *Event) error
	SubscriptionChanged(ctx context.Context, sub *billing.Subscription, change *entitlements.Change) error
	TrialWillEnd(ctx context.Context, sub *billing.Subscription, trialEnd time.Time) error
	UsageAlert(ctx context.Context, alert usage.Alert) error
}

// WebhookNotifier posts events to configured endpoints.
type WebhookNotifier struct {
	endpoints   map[string]Endpoint
	client      *http.Client
	rateLimiter *RateLimiter
	queue       *tasks.Queue
	log         logrus.FieldLogger
	now         func() time.Time
}

// delivery is the task payload. Secrets are looked up at delivery time so
// they never reach the dead-letter sink.
type delivery struct {
	URL   string `json:"url"`
	Event *Event `json:"event"`
}

// NewWebhookNotifier creates a notifier. When queue is non-nil deliveries
// are enqueued on it and retried; otherwise Notify delivers inline.
func NewWebhookNotifier(endpoints []Endpoint, timeout time.Duration, queue *tasks.Queue, log logrus.FieldLogger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	n := &WebhookNotifier{
		endpoints:   make(map[string]Endpoint, len(endpoints)),
		client:      &http.Client{Timeout: timeout},
		rateLimiter: NewRateLimiter(100, time.Minute),
		queue:       queue,
		log:         log.WithField("component", "notify"),
		now:         time.Now,
	}
	for _, ep := range endpoints {
		if ep.Format == "" {
			ep.Format = FormatJSON
		}
		n.endpoints[ep.URL] = ep
	}
	if queue != nil {
		queue.Register(TaskKind, n.handleTask)
	}
	return n
}

// Notify sends event to every endpoint subscribed to its type.
func (n *WebhookNotifier) Notify(ctx context.Context, event *Event) error {
	var firstErr error
	for url, ep := range n.endpoints {
		if !ep.wants(event.Type) {
			continue
		}
		var err error
		if n.queue != nil {
			_, err = n.queue.Enqueue(ctx, TaskKind, delivery{URL: url, Event: event})
		} else {
			err = n.deliver(ctx, ep, event)
		}
		if err != nil {
			n.log.WithError(err).WithFields(logrus.Fields{
				"endpoint": url, "event_id": event.ID, "event_type": event.Type,
			}).Warn("notification delivery failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SubscriptionChanged implements Notifier.
func (n *WebhookNotifier) SubscriptionChanged(ctx context.Context, sub *billing.Subscription, change *entitlements.Change) error {
	return n.Notify(ctx, SubscriptionEvent(sub, change, n.now()))
}

// TrialWillEnd implements Notifier.
func (n *WebhookNotifier) TrialWillEnd(ctx context.Context, sub *billing.Subscription, trialEnd time.Time) error {
	return n.Notify(ctx, TrialEndingEvent(sub, trialEnd, n.now()))
}

// UsageAlert implements usage.AlertSink.
func (n *WebhookNotifier) UsageAlert(ctx context.Context, alert usage.Alert) error {
	return n.Notify(ctx, UsageEvent(alert))
}

func (n *WebhookNotifier) handleTask(ctx context.Context, payload json.RawMessage) error {
	var d delivery
	if err := json.Unmarshal(payload, &d); err != nil {
		return tasks.Permanent(fmt.Errorf("failed to decode delivery: %w", err))
	}
	ep, ok := n.endpoints[d.URL]
	if !ok {
		return tasks.Permanent(fmt.Errorf("endpoint %s is no longer configured", d.URL))
	}
	return n.deliver(ctx, ep, d.Event)
}

// deliver posts one event. Client errors other than 429 are permanent.
func (n *WebhookNotifier) deliver(ctx context.Context, ep Endpoint, event *Event) error {
	if !n.rateLimiter.Allow(ep.URL) {
		return fmt.Errorf("rate limit exceeded for endpoint %s", ep.URL)
	}

	var body any = event
	if ep.Format == FormatSlack {
		body = FormatSlackMessage(event)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return tasks.Permanent(fmt.Errorf("failed to marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return tasks.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Appgrant-Event", string(event.Type))
	req.Header.Set("X-Appgrant-Event-ID", event.ID)
	req.Header.Set("X-Appgrant-Delivery", n.now().UTC().Format(time.RFC3339))
	if ep.Secret != "" && ep.Format != FormatSlack {
		req.Header.Set("X-Appgrant-Signature", generateSignature(payload, ep.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	default:
		return tasks.Permanent(fmt.Errorf("endpoint returned status %d", resp.StatusCode))
	}
}

// VerifySignature verifies a delivery signature
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, *Event) error { return nil }

func (Nop) SubscriptionChanged(context.Context, *billing.Subscription, *entitlements.Change) error {
	return nil
}

func (Nop) TrialWillEnd(context.Context, *billing.Subscription, time.Time) error { return nil }

func (Nop) UsageAlert(context.Context, usage.Alert) error { return nil }
