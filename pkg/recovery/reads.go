package recovery

import (
	"context"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// Reads return snapshots straight from the store. They never take an invoice lock, so
// a slow charge cannot block the dashboard.

func (e *Engine) ListSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]*billing.Subscription, error) {
	return e.store.ListSubscriptions(ctx, filter)
}

func (e *Engine) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return e.store.GetSubscription(ctx, id)
}

// ListInvoices reports pending invoices past their due date as overdue.
func (e *Engine) ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error) {
	wantOverdue := filter.State == billing.InvoiceOverdue
	if wantOverdue {
		filter.State = billing.InvoicePending
	}
	invoices, err := e.store.ListInvoices(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	out := invoices[:0]
	for _, inv := range invoices {
		inv.State = inv.EffectiveState(now)
		if wantOverdue && inv.State != billing.InvoiceOverdue {
			continue
		}
		out = append(out, inv)
	}
	return out, nil
}

func (e *Engine) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, err := e.store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.State = inv.EffectiveState(e.clock.Now())
	return inv, nil
}

// ListAttempts returns the invoice's attempt log in attempt order.
func (e *Engine) ListAttempts(ctx context.Context, invoiceID string) ([]*billing.PaymentAttempt, error) {
	if _, err := e.store.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	return e.store.ListAttempts(ctx, invoiceID)
}

// ListPaymentMethods returns the subscriber's hierarchy, retired methods included.
func (e *Engine) ListPaymentMethods(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error) {
	return e.resolver.List(ctx, subscriberID)
}

func (e *Engine) ListIssues(ctx context.Context, filter storage.IssueFilter) ([]*billing.PaymentIssue, error) {
	return e.store.ListIssues(ctx, filter)
}

func (e *Engine) GetIssue(ctx context.Context, id string) (*billing.PaymentIssue, error) {
	return e.store.GetIssue(ctx, id)
}
