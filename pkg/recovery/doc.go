// Package recovery is the dunning engine: the facade the API and the daemon talk to.
//
// # Overview
//
// An Engine owns one of each component (hierarchy resolver, payment processor, retry
// scheduler, lifecycle manager) and connects them. Every scheduler step is fed back to
// the lifecycle manager of each subscription on the invoice, so subscription state
// follows payment state without callers doing anything.
//
// Reads are snapshots from the store. Commands are idempotent and return the resulting
// entity.
//
// # Usage Example
//
//	engine := recovery.New(store, payments.NewStripeGateway(key), locker, logger,
//		recovery.WithNotifier(notifier),
//		recovery.WithMetrics(metrics),
//		recovery.WithCycleSchedule("*/15 * * * *"),
//	)
//	if err := engine.Start(ctx); err != nil {
//		return err
//	}
//	defer engine.Stop(30 * time.Second)
//
//	res, err := engine.RetryNow(ctx, invoiceID)
//
// # Background Work
//
// Start runs a ticker that processes due retries and a cron schedule that advances
// subscriptions whose period ended. Both submit to one async.WorkerPool.
//
// # Related Packages
//
//   - pkg/retry: recovery stages and scheduling
//   - pkg/lifecycle: subscription state
//   - pkg/api: HTTP surface over Engine
package recovery
