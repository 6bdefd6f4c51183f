package lifecycle

import (
	"context"
	"fmt"
	"slices"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/invoicing"
	"github.com/platinummonkey/dunning/pkg/locks"
)

// AdvanceConsolidated advances several subscriptions of one subscriber together and bills
// them on a single invoice. They must share currency and period end.
func (m *Manager) AdvanceConsolidated(ctx context.Context, subscriptionIDs []string) ([]*billing.Subscription, *billing.Invoice, error) {
	ids := slices.Clone(subscriptionIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("no subscriptions to advance: %w", billing.ErrInvalidArgument)
	}

	// locks are taken in id order so two overlapping calls cannot deadlock
	for _, id := range ids {
		unlock, err := m.locker.Lock(ctx, locks.SubscriptionKey(id))
		if err != nil {
			return nil, nil, fmt.Errorf("lock subscription %s: %w", id, err)
		}
		defer unlock()
	}

	subs := make([]*billing.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := m.store.GetSubscription(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if sub.State == billing.SubscriptionCancelled {
			return nil, nil, fmt.Errorf("advance subscription %s: cancelled: %w", sub.ID, billing.ErrInvalidState)
		}
		if len(subs) > 0 && !sub.PeriodEnd.Equal(subs[0].PeriodEnd) {
			return nil, nil, fmt.Errorf("subscription %s is on a different cycle than %s: %w", sub.ID, subs[0].ID, billing.ErrInvalidState)
		}
		subs = append(subs, sub)
	}

	period := invoicing.NextPeriod(subs[0].BillingAnchor, subs[0].PeriodEnd)
	inv, err := m.generator.GenerateConsolidated(ctx, subs, period)
	if err != nil {
		return nil, nil, err
	}
	if err := m.store.CreateInvoice(ctx, inv); err != nil {
		return nil, nil, fmt.Errorf("create consolidated invoice: %w", err)
	}

	changes := make([]*change, len(subs))
	now := m.clock.Now()
	for i, sub := range subs {
		sub.PeriodStart, sub.PeriodEnd = period.Start, period.End
		sub.Usage.Current = 0
		sub.CurrentInvoiceID = inv.ID
		ch, err := m.rederive(ctx, sub, "billing cycle advanced")
		if err != nil {
			return nil, nil, err
		}
		sub.UpdatedAt = now
		if err := m.store.UpdateSubscription(ctx, sub); err != nil {
			return nil, nil, fmt.Errorf("update subscription %s: %w", sub.ID, err)
		}
		changes[i] = ch
	}

	m.metrics.RecordInvoiceGenerated(inv.Currency)
	for i, sub := range subs {
		if changes[i].stateChanged() {
			m.metrics.RecordSubscriptionTransition(string(changes[i].from), string(changes[i].to))
		}
		m.emitInvoice(ctx, sub, inv)
	}
	return subs, inv, nil
}
