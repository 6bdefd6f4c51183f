// Package payments charges invoices through a payment gateway.
//
// # Overview
//
// A Processor makes exactly one gateway call per Charge and records what happened:
//
//   - an append-only PaymentAttempt with the next gap-free attempt number
//   - the invoice marked paid (with the masked method label) on success
//   - the invoice's PaymentIssue opened or updated on failure, resolved on success
//   - expired or removed methods retired from the subscriber's hierarchy
//
// The processor never retries. Deciding when and with which method to try again is the
// retry scheduler's job.
//
// # Gateways
//
// Gateway is the port to the outside world. StripeGateway confirms off-session
// PaymentIntents; GatewayFunc adapts a plain function, which is what tests use.
//
// Gateway answers map to attempt outcomes:
//
//	approved -> succeeded
//	declined -> declined
//	expired  -> expired_method
//	removed  -> method_removed
//	error    -> gateway_error   (also timeouts, transport errors and panics)
//
// # Usage
//
//	proc := payments.NewProcessor(store, payments.NewStripeGateway(key), resolver, logger,
//	    payments.WithMetrics(metrics))
//	attempt, issue, err := proc.Charge(ctx, invoiceID, methodID, billing.StageImmediate)
package payments
