package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/notify"
)

// change is a pending write of a subscription. from and to are equal when only the
// subscription's data changed.
type change struct {
	from   billing.SubscriptionState
	to     billing.SubscriptionState
	reason string
}

func (c *change) stateChanged() bool {
	return c.from != c.to
}

// withSubscription runs fn on a fresh snapshot under the subscription lock and persists
// the subscription when fn returns a change. A nil change means nothing to write. The
// state_changed event is emitted after the lock is released.
func (m *Manager) withSubscription(ctx context.Context, id string, fn func(context.Context, *billing.Subscription) (*change, error)) (*billing.Subscription, error) {
	sub, ch, err := m.lockedSubscription(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if ch != nil && ch.stateChanged() {
		m.metrics.RecordSubscriptionTransition(string(ch.from), string(ch.to))
		m.logger.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"from":            string(ch.from),
			"to":              string(ch.to),
			"reason":          ch.reason,
		}).Info("Subscription state changed")
		m.notifier.Notify(ctx, notify.Event{
			Type:           notify.EventSubscriptionStateChanged,
			SubscriberID:   sub.SubscriberID,
			SubscriptionID: sub.ID,
			InvoiceID:      sub.CurrentInvoiceID,
			Timestamp:      sub.UpdatedAt,
			Data: map[string]interface{}{
				"from":   string(ch.from),
				"to":     string(ch.to),
				"reason": ch.reason,
			},
		})
	}
	return sub, nil
}

func (m *Manager) lockedSubscription(ctx context.Context, id string, fn func(context.Context, *billing.Subscription) (*change, error)) (*billing.Subscription, *change, error) {
	unlock, err := m.locker.Lock(ctx, locks.SubscriptionKey(id))
	if err != nil {
		return nil, nil, fmt.Errorf("lock subscription %s: %w", id, err)
	}
	defer unlock()

	sub, err := m.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ch, err := fn(ctx, sub)
	if err != nil || ch == nil {
		return sub, nil, err
	}
	sub.UpdatedAt = m.clock.Now()
	if err := m.store.UpdateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	return sub, ch, nil
}

// rederive recomputes the state from the subscription's data and the payment issue of
// its current invoice. Issues on earlier invoices keep retrying but no longer move the
// subscription.
func (m *Manager) rederive(ctx context.Context, sub *billing.Subscription, reason string) (*change, error) {
	issue, err := m.currentIssue(ctx, sub)
	if err != nil {
		return nil, err
	}
	return m.transition(sub, billing.DeriveState(sub, issue, m.warningRatio), reason)
}

func (m *Manager) transition(sub *billing.Subscription, to billing.SubscriptionState, reason string) (*change, error) {
	from := sub.State
	if !billing.CanTransitionSubscription(from, to) {
		return nil, &billing.TransitionError{Entity: "subscription " + sub.ID, From: string(from), To: string(to)}
	}
	sub.State = to
	return &change{from: from, to: to, reason: reason}, nil
}

// currentIssue returns the payment issue of the subscription's current invoice, nil when
// there is none.
func (m *Manager) currentIssue(ctx context.Context, sub *billing.Subscription) (*billing.PaymentIssue, error) {
	if sub.CurrentInvoiceID == "" {
		return nil, nil
	}
	issue, err := m.store.IssueForInvoice(ctx, sub.CurrentInvoiceID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load issue of invoice %s: %w", sub.CurrentInvoiceID, err)
	}
	return issue, nil
}

func (m *Manager) emitInvoice(ctx context.Context, sub *billing.Subscription, inv *billing.Invoice) {
	m.notifier.Notify(ctx, notify.Event{
		Type:           notify.EventInvoiceGenerated,
		SubscriberID:   sub.SubscriberID,
		SubscriptionID: sub.ID,
		InvoiceID:      inv.ID,
		Timestamp:      inv.CreatedAt,
		Data: map[string]interface{}{
			"number":   inv.Number,
			"amount":   inv.Amount,
			"currency": inv.Currency,
			"due_date": inv.DueDate.Format(time.DateOnly),
		},
	})
}

func (m *Manager) emitPayment(ctx context.Context, sub *billing.Subscription, attempt *billing.PaymentAttempt) {
	event := notify.Event{
		SubscriberID:   sub.SubscriberID,
		SubscriptionID: sub.ID,
		InvoiceID:      attempt.InvoiceID,
		Timestamp:      attempt.AttemptedAt,
		Data: map[string]interface{}{
			"attempt_number": attempt.Number,
			"method_id":      attempt.PaymentMethodID,
			"outcome":        string(attempt.Outcome),
			"stage":          attempt.Stage.String(),
		},
	}
	switch {
	case !attempt.Outcome.Succeeded():
		event.Type = notify.EventPaymentFailed
		event.Data["reason"] = attempt.FailureReason
	case attempt.Number > 1:
		event.Type = notify.EventPaymentRecovered
	default:
		return
	}
	m.notifier.Notify(ctx, event)
}
