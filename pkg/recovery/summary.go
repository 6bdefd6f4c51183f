package recovery

import (
	"context"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// Summary holds the dashboard totals of one subscriber, or of everyone when the
// subscriber is empty. Amounts are keyed by currency.
type Summary struct {
	SubscriberID string `json:"subscriber_id,omitempty"`

	MonthlySpend  map[string]int64 `json:"monthly_spend"`
	ActiveModules int              `json:"active_modules"`
	TotalModules  int              `json:"total_modules"`
	UsageAlerts   int              `json:"usage_alerts"`

	SubscriptionsByState map[billing.SubscriptionState]int `json:"subscriptions_by_state"`
	InvoicesByState      map[billing.InvoiceState]int      `json:"invoices_by_state"`

	Paid        map[string]int64 `json:"paid"`
	Outstanding map[string]int64 `json:"outstanding"`

	NextPaymentAt     *time.Time       `json:"next_payment_at,omitempty"`
	NextPaymentAmount map[string]int64 `json:"next_payment_amount,omitempty"`

	OpenIssues      int `json:"open_issues"`
	EscalatedIssues int `json:"escalated_issues"`

	AsOf time.Time `json:"as_of"`
}

// Summary computes dashboard totals from a snapshot of the store.
func (e *Engine) Summary(ctx context.Context, subscriberID string) (*Summary, error) {
	now := e.clock.Now()
	s := &Summary{
		SubscriberID:         subscriberID,
		MonthlySpend:         map[string]int64{},
		SubscriptionsByState: map[billing.SubscriptionState]int{},
		InvoicesByState:      map[billing.InvoiceState]int{},
		Paid:                 map[string]int64{},
		Outstanding:          map[string]int64{},
		AsOf:                 now,
	}

	subs, err := e.store.ListSubscriptions(ctx, storage.SubscriptionFilter{SubscriberID: subscriberID})
	if err != nil {
		return nil, wrap("summary of", subscriberID, err)
	}
	for _, sub := range subs {
		s.SubscriptionsByState[sub.State]++
		if sub.State == billing.SubscriptionCancelled {
			continue
		}
		s.TotalModules++
		s.MonthlySpend[sub.Price.Currency] += sub.Price.Amount
		if sub.State != billing.SubscriptionSuspended {
			s.ActiveModules++
		}
		if sub.State == billing.SubscriptionWarning || sub.Usage.OverLimit() {
			s.UsageAlerts++
		}
		switch {
		case s.NextPaymentAt == nil || sub.PeriodEnd.Before(*s.NextPaymentAt):
			at := sub.PeriodEnd
			s.NextPaymentAt = &at
			s.NextPaymentAmount = map[string]int64{sub.Price.Currency: sub.Price.Amount}
		case sub.PeriodEnd.Equal(*s.NextPaymentAt):
			s.NextPaymentAmount[sub.Price.Currency] += sub.Price.Amount
		}
	}

	invoices, err := e.store.ListInvoices(ctx, storage.InvoiceFilter{SubscriberID: subscriberID})
	if err != nil {
		return nil, wrap("summary of", subscriberID, err)
	}
	for _, inv := range invoices {
		state := inv.EffectiveState(now)
		s.InvoicesByState[state]++
		switch state {
		case billing.InvoicePaid:
			s.Paid[inv.Currency] += inv.Amount
		case billing.InvoicePending, billing.InvoiceOverdue:
			s.Outstanding[inv.Currency] += inv.Amount
		}
	}

	issues, err := e.store.ListIssues(ctx, storage.IssueFilter{SubscriberID: subscriberID, Unresolved: true})
	if err != nil {
		return nil, wrap("summary of", subscriberID, err)
	}
	for _, issue := range issues {
		s.OpenIssues++
		if issue.State == billing.IssueEscalated {
			s.EscalatedIssues++
		}
	}
	return s, nil
}
