package recovery

import (
	"context"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/retry"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// CreateSubscription registers a subscription, bills its first period and attempts
// collection right away.
func (e *Engine) CreateSubscription(ctx context.Context, sub *billing.Subscription) (*billing.Subscription, *billing.Invoice, error) {
	created, inv, err := e.lifecycle.Create(ctx, sub)
	if err != nil {
		return nil, nil, err
	}
	inv = e.collect(ctx, inv)
	return e.refresh(ctx, created), inv, nil
}

// AdvanceCycle closes the subscription's period, bills the next one and collects it.
func (e *Engine) AdvanceCycle(ctx context.Context, subscriptionID string) (*billing.Subscription, *billing.Invoice, error) {
	sub, inv, err := e.lifecycle.AdvanceCycle(ctx, subscriptionID)
	if err != nil {
		return nil, nil, err
	}
	inv = e.collect(ctx, inv)
	return e.refresh(ctx, sub), inv, nil
}

// AdvanceConsolidated bills several subscriptions of one subscriber on one invoice.
func (e *Engine) AdvanceConsolidated(ctx context.Context, subscriptionIDs []string) ([]*billing.Subscription, *billing.Invoice, error) {
	subs, inv, err := e.lifecycle.AdvanceConsolidated(ctx, subscriptionIDs)
	if err != nil {
		return nil, nil, err
	}
	inv = e.collect(ctx, inv)
	for i, sub := range subs {
		subs[i] = e.refresh(ctx, sub)
	}
	return subs, inv, nil
}

// RetryNow charges an invoice immediately. Duplicate calls inside the replay window
// return the same result without charging again.
func (e *Engine) RetryNow(ctx context.Context, invoiceID string) (*retry.Result, error) {
	return e.scheduler.RetryNow(ctx, invoiceID)
}

// FailInvoice gives up on an escalated invoice for good.
func (e *Engine) FailInvoice(ctx context.Context, invoiceID string) (*billing.Invoice, error) {
	res, err := e.scheduler.Fail(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !res.Skipped {
		e.archive(ctx, res.Invoice)
	}
	return res.Invoice, nil
}

// CancelSubscription cancels the subscription and stops retries on the invoices it
// voided. Cancelling twice returns the cancelled subscription.
func (e *Engine) CancelSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := e.lifecycle.Cancel(ctx, subscriptionID)
	if err != nil {
		return nil, wrap("cancel subscription", subscriptionID, err)
	}
	invoices, err := e.store.ListInvoices(ctx, storage.InvoiceFilter{SubscriptionID: subscriptionID})
	if err != nil {
		e.logger.WithError(err).WithField("subscription_id", subscriptionID).Warn("Failed to list invoices of cancelled subscription")
		return sub, nil
	}
	for _, inv := range invoices {
		e.scheduler.Forget(inv.ID)
		if inv.State == billing.InvoiceVoid && voidedWith(inv, sub) {
			e.archive(ctx, inv)
		}
	}
	return sub, nil
}

// RecordUsage adds delta to the subscription's usage for the current cycle.
func (e *Engine) RecordUsage(ctx context.Context, subscriptionID string, delta int64) (*billing.Subscription, error) {
	return e.lifecycle.RecordUsage(ctx, subscriptionID, delta)
}

// SetDefaultMethod moves the method to the top of the subscriber's hierarchy and
// returns the reordered hierarchy.
func (e *Engine) SetDefaultMethod(ctx context.Context, subscriberID, methodID string) ([]*billing.PaymentMethod, error) {
	methods, err := e.resolver.SetDefault(ctx, subscriberID, methodID)
	if err != nil {
		return nil, wrap("set default method for", subscriberID, err)
	}
	return methods, nil
}

// AddPaymentMethod adds a method to the subscriber's hierarchy.
func (e *Engine) AddPaymentMethod(ctx context.Context, method *billing.PaymentMethod, makeDefault bool) (*billing.PaymentMethod, error) {
	added, err := e.resolver.Add(ctx, method, makeDefault)
	if err != nil {
		return nil, wrap("add payment method for", method.SubscriberID, err)
	}
	return added, nil
}

// RemovePaymentMethod retires a method. Pending retries skip it from then on.
func (e *Engine) RemovePaymentMethod(ctx context.Context, subscriberID, methodID string) ([]*billing.PaymentMethod, error) {
	methods, err := e.resolver.Remove(ctx, subscriberID, methodID)
	if err != nil {
		return nil, wrap("remove payment method of", subscriberID, err)
	}
	return methods, nil
}

// voidedWith reports whether inv was voided by the cancellation of sub.
func voidedWith(inv *billing.Invoice, sub *billing.Subscription) bool {
	return inv.VoidedAt != nil && sub.CancelledAt != nil && inv.VoidedAt.Equal(*sub.CancelledAt)
}
