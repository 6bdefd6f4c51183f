// Package billing defines the recurring-billing domain model shared by the recovery engine.
//
// # Overview
//
// The package holds the entities the engine owns (subscriptions, invoices, payment methods,
// payment attempts and payment issues), their state enums and the transition tables that
// decide which state changes are legal. Nothing here talks to storage or the network.
//
// # State machines
//
// Subscription:
//
//	active <-> warning
//	active|warning -> grace_period -> suspended
//	active|warning -> suspended            (immediate escalation, no usable method)
//	warning|grace_period|suspended -> active
//	* -> cancelled                          (terminal)
//
// Invoice:
//
//	pending -> paid | failed | void         (overdue is a due-date view over pending)
//
// PaymentIssue:
//
//	active -> grace_period -> escalated
//	active|grace_period|escalated -> resolved
//	escalated -> active                     (manual retry re-enters stage 1)
//
// # Derived subscription state
//
// DeriveState computes a subscription's state from its own data plus the issue attached to
// its current invoice. The lifecycle manager persists the derived value only after checking
// it against the transition table.
//
// # Related Packages
//
//   - pkg/lifecycle: owns subscription transitions
//   - pkg/payments: records attempts and updates issues
//   - pkg/retry: drives issues through the recovery stages
package billing
