package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/invoicing"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/notify"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// Manager owns subscription state. Every change runs under the subscription lock and is
// checked against the subscription transition table.
type Manager struct {
	store        storage.Store
	generator    *invoicing.Generator
	locker       locks.Locker
	notifier     notify.Notifier
	clock        clockwork.Clock
	metrics      *observability.Metrics
	logger       *observability.Logger
	warningRatio float64
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithMetrics records lifecycle transitions and generated invoices.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNotifier sets where lifecycle events go. The default drops them.
func WithNotifier(n notify.Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithWarningRatio sets the usage ratio at which a subscription shows a warning.
func WithWarningRatio(ratio float64) Option {
	return func(m *Manager) {
		if ratio > 0 {
			m.warningRatio = ratio
		}
	}
}

// NewManager creates a lifecycle manager.
func NewManager(store storage.Store, generator *invoicing.Generator, locker locks.Locker, logger *observability.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		generator:    generator,
		locker:       locker,
		notifier:     notify.Nop(),
		clock:        clockwork.NewRealClock(),
		logger:       logger,
		warningRatio: billing.DefaultWarningRatio,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a subscription and generates its first invoice. A zero billing
// anchor starts the cycle now. An anchor in the past bills the stretch from today to
// the next anchor boundary, prorated.
func (m *Manager) Create(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, *billing.Invoice, error) {
	if err := validateNew(sub); err != nil {
		return nil, nil, err
	}
	now := m.clock.Now()
	sub = sub.Clone()
	if sub.ID == "" {
		sub.ID = billing.NewID("sub")
	}

	var period invoicing.Period
	switch {
	case sub.BillingAnchor.IsZero():
		sub.BillingAnchor = now
		period = invoicing.FirstPeriod(now)
	case sub.BillingAnchor.After(now):
		return nil, nil, fmt.Errorf("billing anchor %s is in the future: %w",
			sub.BillingAnchor.Format(time.RFC3339), billing.ErrInvalidArgument)
	default:
		period = joinPeriod(sub.BillingAnchor, now)
	}

	sub.PeriodStart, sub.PeriodEnd = period.Start, period.End
	sub.CancelledAt = nil
	sub.State = billing.DeriveState(sub, nil, m.warningRatio)
	sub.CreatedAt, sub.UpdatedAt = now, now

	inv, err := m.generator.Generate(ctx, sub, period)
	if err != nil {
		return nil, nil, err
	}
	sub.CurrentInvoiceID = inv.ID

	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, nil, fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	if err := m.store.CreateInvoice(ctx, inv); err != nil {
		return nil, nil, fmt.Errorf("create invoice for subscription %s: %w", sub.ID, err)
	}

	m.metrics.RecordInvoiceGenerated(inv.Currency)
	m.logger.WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"subscriber_id":   sub.SubscriberID,
		"invoice_id":      inv.ID,
		"period_end":      period.End.Format(time.DateOnly),
	}).Info("Subscription created")
	m.emitInvoice(ctx, sub, inv)
	return sub, inv, nil
}

// AdvanceCycle closes the current billing period: it generates the next invoice, resets
// usage and moves the period forward.
func (m *Manager) AdvanceCycle(ctx context.Context, subscriptionID string) (*billing.Subscription, *billing.Invoice, error) {
	var inv *billing.Invoice
	sub, err := m.withSubscription(ctx, subscriptionID, func(ctx context.Context, sub *billing.Subscription) (*change, error) {
		if sub.State == billing.SubscriptionCancelled {
			return nil, fmt.Errorf("advance subscription %s: cancelled: %w", sub.ID, billing.ErrInvalidState)
		}
		period := invoicing.NextPeriod(sub.BillingAnchor, sub.PeriodEnd)
		generated, err := m.generator.Generate(ctx, sub, period)
		if err != nil {
			return nil, err
		}
		if err := m.store.CreateInvoice(ctx, generated); err != nil {
			return nil, fmt.Errorf("create invoice for subscription %s: %w", sub.ID, err)
		}
		inv = generated

		sub.PeriodStart, sub.PeriodEnd = period.Start, period.End
		sub.Usage.Current = 0
		sub.CurrentInvoiceID = generated.ID
		return m.rederive(ctx, sub, "billing cycle advanced")
	})
	if err != nil {
		return nil, nil, err
	}

	m.metrics.RecordInvoiceGenerated(inv.Currency)
	m.emitInvoice(ctx, sub, inv)
	return sub, inv, nil
}

// RecordPaymentOutcome re-derives the subscription state after a charge on one of its
// invoices. attempt may be nil when the scheduler changed the issue without charging,
// e.g. on escalation. Outcomes for a cancelled subscription are ignored.
func (m *Manager) RecordPaymentOutcome(ctx context.Context, subscriptionID string, attempt *billing.PaymentAttempt) (*billing.Subscription, error) {
	sub, err := m.withSubscription(ctx, subscriptionID, func(ctx context.Context, sub *billing.Subscription) (*change, error) {
		if sub.State == billing.SubscriptionCancelled {
			return nil, nil
		}
		reason := "payment issue updated"
		if attempt != nil {
			reason = "payment " + string(attempt.Outcome)
		}
		return m.rederive(ctx, sub, reason)
	})
	if err != nil {
		return nil, err
	}
	if attempt != nil && sub.State != billing.SubscriptionCancelled {
		m.emitPayment(ctx, sub, attempt)
	}
	return sub, nil
}

// RecordUsage adds delta (which may be negative) to the current cycle's usage. Usage
// may exceed the limit; crossing it emits usage.over_limit.
func (m *Manager) RecordUsage(ctx context.Context, subscriptionID string, delta int64) (*billing.Subscription, error) {
	crossed := false
	sub, err := m.withSubscription(ctx, subscriptionID, func(ctx context.Context, sub *billing.Subscription) (*change, error) {
		if sub.State == billing.SubscriptionCancelled {
			return nil, fmt.Errorf("record usage on subscription %s: cancelled: %w", sub.ID, billing.ErrInvalidState)
		}
		next := sub.Usage.Current + delta
		if next < 0 {
			return nil, fmt.Errorf("usage of subscription %s would drop to %d: %w", sub.ID, next, billing.ErrNegativeUsage)
		}
		wasOver := sub.Usage.OverLimit()
		sub.Usage.Current = next
		crossed = !wasOver && sub.Usage.OverLimit()
		return m.rederive(ctx, sub, "usage recorded")
	})
	if err != nil {
		return nil, err
	}
	if crossed {
		m.notifier.Notify(ctx, notify.Event{
			Type:           notify.EventUsageOverLimit,
			SubscriberID:   sub.SubscriberID,
			SubscriptionID: sub.ID,
			Timestamp:      m.clock.Now(),
			Data: map[string]interface{}{
				"current": sub.Usage.Current,
				"limit":   sub.Usage.Limit,
				"unit":    sub.Usage.Unit,
			},
		})
	}
	return sub, nil
}

// Cancel ends the subscription. Pending invoices that bill no other live subscription
// are voided and their issues stop retrying. Cancelling twice is a no-op.
func (m *Manager) Cancel(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	var voided []string
	sub, err := m.withSubscription(ctx, subscriptionID, func(ctx context.Context, sub *billing.Subscription) (*change, error) {
		if sub.State == billing.SubscriptionCancelled {
			return nil, nil
		}
		now := m.clock.Now()
		ch, err := m.transition(sub, billing.SubscriptionCancelled, "cancelled")
		if err != nil {
			return nil, err
		}
		sub.CancelledAt = &now

		invoices, err := m.store.ListInvoices(ctx, storage.InvoiceFilter{SubscriptionID: sub.ID, State: billing.InvoicePending})
		if err != nil {
			return nil, fmt.Errorf("list invoices of subscription %s: %w", sub.ID, err)
		}
		for _, inv := range invoices {
			ok, err := m.voidInvoice(ctx, sub.ID, inv.ID, now)
			if err != nil {
				return nil, err
			}
			if ok {
				voided = append(voided, inv.ID)
			}
		}
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	if len(voided) > 0 {
		m.notifier.Notify(ctx, notify.Event{
			Type:           notify.EventSubscriptionCancelled,
			SubscriberID:   sub.SubscriberID,
			SubscriptionID: sub.ID,
			Timestamp:      m.clock.Now(),
			Data:           map[string]interface{}{"voided_invoices": voided},
		})
	}
	return sub, nil
}

// DueForCycle returns live subscriptions whose current period ended at or before now.
func (m *Manager) DueForCycle(ctx context.Context, now time.Time) ([]*billing.Subscription, error) {
	subs, err := m.store.ListSubscriptions(ctx, storage.SubscriptionFilter{PeriodEndBefore: &now})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions due for cycle: %w", err)
	}
	due := subs[:0]
	for _, sub := range subs {
		if sub.State != billing.SubscriptionCancelled {
			due = append(due, sub)
		}
	}
	return due, nil
}

// voidInvoice voids a pending invoice under its lock once no live subscription is left
// on it, and closes its unresolved issue.
func (m *Manager) voidInvoice(ctx context.Context, cancelledID, invoiceID string, now time.Time) (bool, error) {
	unlock, err := m.locker.Lock(ctx, locks.InvoiceKey(invoiceID))
	if err != nil {
		return false, fmt.Errorf("lock invoice %s: %w", invoiceID, err)
	}
	defer unlock()

	inv, err := m.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return false, fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}
	if inv.State != billing.InvoicePending {
		return false, nil
	}
	for _, id := range inv.SubscriptionIDs {
		if id == cancelledID {
			continue
		}
		other, err := m.store.GetSubscription(ctx, id)
		if errors.Is(err, billing.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("load subscription %s: %w", id, err)
		}
		if other.State != billing.SubscriptionCancelled {
			return false, nil
		}
	}

	if err := inv.Void(now); err != nil {
		return false, err
	}
	if err := m.store.UpdateInvoice(ctx, inv); err != nil {
		return false, fmt.Errorf("void invoice %s: %w", inv.ID, err)
	}

	issue, err := m.store.IssueForInvoice(ctx, inv.ID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("load issue of invoice %s: %w", inv.ID, err)
	case !issue.Unresolved():
		return true, nil
	}
	issue.NextRetryAt = nil
	issue.NextMethodID = ""
	issue.ClosedAt = &now
	issue.UpdatedAt = now
	issue.Reason = "subscription cancelled"
	if err := m.store.SaveIssue(ctx, issue); err != nil {
		return false, fmt.Errorf("close issue %s: %w", issue.ID, err)
	}
	return true, nil
}

func validateNew(sub *billing.Subscription) error {
	switch {
	case sub == nil:
		return fmt.Errorf("subscription is required: %w", billing.ErrInvalidArgument)
	case sub.SubscriberID == "":
		return fmt.Errorf("subscriber id is required: %w", billing.ErrInvalidArgument)
	case sub.Price.Amount < 0:
		return fmt.Errorf("price must not be negative: %w", billing.ErrInvalidArgument)
	case sub.Price.Currency == "":
		return fmt.Errorf("currency is required: %w", billing.ErrInvalidArgument)
	case sub.Usage.Current < 0:
		return fmt.Errorf("usage must not be negative: %w", billing.ErrNegativeUsage)
	case sub.Usage.Limit < 0:
		return fmt.Errorf("usage limit must not be negative: %w", billing.ErrInvalidArgument)
	}
	return nil
}

// joinPeriod bills from the start of today to the next anchor boundary.
func joinPeriod(anchor, now time.Time) invoicing.Period {
	now = now.In(anchor.Location())
	today := time.Date(now.Year(), now.Month(), now.Day(), anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
	if today.After(now) {
		today = today.AddDate(0, 0, -1)
	}
	next := invoicing.NextPeriod(anchor, today)
	if next.Start.Equal(today) {
		return next
	}
	return invoicing.Period{Start: today, End: next.Start}
}
