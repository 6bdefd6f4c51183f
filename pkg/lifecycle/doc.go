// Package lifecycle manages subscription state across billing cycles.
//
// # Overview
//
// A subscription is active, warning, grace_period, suspended or cancelled. The state is
// never set directly: it is derived from the subscription's usage and the payment issue
// of its current invoice (billing.DeriveState), and every change is checked against the
// transition table (billing.CanTransitionSubscription).
//
// # Usage Example
//
//	manager := lifecycle.NewManager(store, generator, locker, logger,
//		lifecycle.WithNotifier(notifier),
//		lifecycle.WithMetrics(metrics),
//	)
//
//	sub, inv, err := manager.Create(ctx, &billing.Subscription{
//		SubscriberID: "cust_42",
//		Module:       billing.Module{ID: "mod_waf", Name: "Web Application Firewall"},
//		Price:        billing.Money{Amount: 29900, Currency: "USD"},
//		Usage:        billing.Usage{Limit: 1_000_000, Unit: "requests"},
//	})
//
//	// after each charge the scheduler reports back
//	sub, err = manager.RecordPaymentOutcome(ctx, sub.ID, attempt)
//
// # Locking
//
// Every operation holds the subscription lock. Cancel additionally takes each pending
// invoice's lock, always after the subscription lock.
//
// # Related Packages
//
//   - pkg/invoicing: builds the invoice for each cycle
//   - pkg/retry: drives the payment issues this package reads
//   - pkg/notify: receives state_changed, invoice.generated and usage events
package lifecycle
