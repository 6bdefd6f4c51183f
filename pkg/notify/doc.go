// Package notify delivers subscription lifecycle events to the outside world.
//
// # Overview
//
// The engine emits events when a subscription changes state, an invoice is generated,
// a payment fails or is recovered, an issue escalates, or usage crosses its limit.
// Notifiers are fire-and-forget: Notify never blocks on delivery and never reports an
// error back to the caller.
//
// # Notifiers
//
//   - LogNotifier: writes each event to the structured log
//   - WebhookNotifier: POSTs signed JSON to configured endpoints with backoff redelivery
//   - Multi: fans out to several notifiers
//   - Recorder: keeps events in memory
//
// # Usage Example
//
//	webhooks, err := notify.NewWebhookNotifier([]notify.Endpoint{{
//		URL:    "https://billing.example.com/hooks",
//		Secret: os.Getenv("DUNNING_WEBHOOK_SECRET"),
//		Events: []notify.EventType{notify.EventIssueEscalated},
//	}}, logger, notify.WithMetrics(metrics))
//	webhooks.StartRetries(ctx, 30*time.Second)
//	notifier := notify.Multi{notify.NewLogNotifier(logger), webhooks}
//
// Verify a delivery on the receiving side:
//
//	sig := r.Header.Get("X-Dunning-Signature")
//	if !notify.VerifySignature(body, sig, secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//	}
//
// # Redelivery
//
// Failed deliveries back off exponentially: 1s, 2s, 4s, 8s, up to 5 attempts, capped
// at 5 minutes between attempts. Each endpoint is rate limited to 100 deliveries per
// minute by default.
//
// # Related Packages
//
//   - pkg/async: background delivery
//   - pkg/lifecycle: emits the events
package notify
