package notify

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/observability"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventSubscriptionStateChanged EventType = "subscription.state_changed"
	EventSubscriptionCancelled    EventType = "subscription.cancelled"
	EventInvoiceGenerated         EventType = "invoice.generated"
	EventPaymentFailed            EventType = "payment.failed"
	EventPaymentRecovered         EventType = "payment.recovered"
	EventIssueEscalated           EventType = "issue.escalated"
	EventUsageOverLimit           EventType = "usage.over_limit"
)

// Event is one notification. ID and Timestamp are filled on dispatch when empty.
type Event struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	SubscriberID   string                 `json:"subscriber_id"`
	SubscriptionID string                 `json:"subscription_id,omitempty"`
	InvoiceID      string                 `json:"invoice_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

func (e *Event) stamp(now time.Time) {
	if e.ID == "" {
		e.ID = billing.NewID("evt")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
}

// Notifier delivers events. Notify must not block on delivery and never fails the
// caller; delivery problems are logged and counted by the implementation.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// Multi fans an event out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) {
	event.stamp(time.Now())
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}

// Nop returns a notifier that drops every event.
func Nop() Notifier {
	return NotifierFunc(func(context.Context, Event) {})
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger *observability.Logger
}

// NewLogNotifier creates a notifier that logs each event at info level.
func NewLogNotifier(logger *observability.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) {
	event.stamp(time.Now())
	fields := map[string]interface{}{
		"event_id":      event.ID,
		"event_type":    string(event.Type),
		"subscriber_id": event.SubscriberID,
	}
	if event.SubscriptionID != "" {
		fields["subscription_id"] = event.SubscriptionID
	}
	if event.InvoiceID != "" {
		fields["invoice_id"] = event.InvoiceID
	}
	for k, v := range event.Data {
		fields[k] = v
	}
	n.logger.WithFields(fields).Info("Lifecycle event")
}

// Recorder keeps every event in memory. Useful in tests and for local runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, event Event) {
	event.stamp(time.Now())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
