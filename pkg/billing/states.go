package billing

import "slices"

// SubscriptionState represents the lifecycle state of a subscription
type SubscriptionState string

const (
	SubscriptionActive      SubscriptionState = "active"
	SubscriptionWarning     SubscriptionState = "warning"
	SubscriptionGracePeriod SubscriptionState = "grace_period"
	SubscriptionSuspended   SubscriptionState = "suspended"
	SubscriptionCancelled   SubscriptionState = "cancelled"
)

// SubscriptionStates lists every subscription state.
var SubscriptionStates = []SubscriptionState{
	SubscriptionActive,
	SubscriptionWarning,
	SubscriptionGracePeriod,
	SubscriptionSuspended,
	SubscriptionCancelled,
}

// Valid reports whether s is a known subscription state.
func (s SubscriptionState) Valid() bool {
	return slices.Contains(SubscriptionStates, s)
}

// Terminal reports whether no further transitions are possible.
func (s SubscriptionState) Terminal() bool {
	return s == SubscriptionCancelled
}

// Serviceable reports whether the subscribed module should keep working.
func (s SubscriptionState) Serviceable() bool {
	return s == SubscriptionActive || s == SubscriptionWarning || s == SubscriptionGracePeriod
}

type subscriptionTransition struct {
	From SubscriptionState
	To   SubscriptionState
}

var subscriptionTransitions = map[subscriptionTransition]bool{
	{SubscriptionActive, SubscriptionWarning}:        true, // usage crossed the warning ratio
	{SubscriptionWarning, SubscriptionActive}:        true, // usage reset or dropped
	{SubscriptionActive, SubscriptionGracePeriod}:    true, // stage 1 exhausted
	{SubscriptionWarning, SubscriptionGracePeriod}:   true,
	{SubscriptionGracePeriod, SubscriptionSuspended}: true, // grace elapsed
	{SubscriptionActive, SubscriptionSuspended}:      true, // no usable method, skip grace
	{SubscriptionWarning, SubscriptionSuspended}:     true,
	{SubscriptionGracePeriod, SubscriptionActive}:    true, // payment recovered
	{SubscriptionSuspended, SubscriptionActive}:      true,
	{SubscriptionGracePeriod, SubscriptionWarning}:   true, // recovered with usage >= ratio
	{SubscriptionSuspended, SubscriptionWarning}:     true,
	{SubscriptionActive, SubscriptionCancelled}:      true,
	{SubscriptionWarning, SubscriptionCancelled}:     true,
	{SubscriptionGracePeriod, SubscriptionCancelled}: true,
	{SubscriptionSuspended, SubscriptionCancelled}:   true,
}

// CanTransitionSubscription reports whether a subscription may move from one state to
// another. Staying in the same non-terminal state is always allowed.
func CanTransitionSubscription(from, to SubscriptionState) bool {
	if from == to {
		return from.Valid()
	}
	return subscriptionTransitions[subscriptionTransition{from, to}]
}

// SubscriptionTransitionsFrom returns the states reachable from the given state.
func SubscriptionTransitionsFrom(from SubscriptionState) []SubscriptionState {
	targets := make([]SubscriptionState, 0)
	for t := range subscriptionTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

// InvoiceState represents the status of an invoice
type InvoiceState string

const (
	InvoicePending InvoiceState = "pending"
	InvoicePaid    InvoiceState = "paid"
	InvoiceOverdue InvoiceState = "overdue"
	InvoiceFailed  InvoiceState = "failed"
	InvoiceVoid    InvoiceState = "void"
)

// Final reports whether the invoice can no longer change.
func (s InvoiceState) Final() bool {
	return s == InvoicePaid || s == InvoiceVoid || s == InvoiceFailed
}

// MethodKind represents the type of payment method
type MethodKind string

const (
	MethodCard        MethodKind = "card"
	MethodBankAccount MethodKind = "bank_account"
)

// MethodState represents whether a payment method can still be charged
type MethodState string

const (
	MethodActive  MethodState = "active"
	MethodExpired MethodState = "expired"
	MethodRemoved MethodState = "removed"
)

// AttemptOutcome is the normalized result of one gateway charge.
type AttemptOutcome string

const (
	OutcomeSucceeded     AttemptOutcome = "succeeded"
	OutcomeDeclined      AttemptOutcome = "declined"
	OutcomeExpiredMethod AttemptOutcome = "expired_method"
	OutcomeMethodRemoved AttemptOutcome = "method_removed"
	OutcomeGatewayError  AttemptOutcome = "gateway_error"
)

// Succeeded reports whether the charge went through.
func (o AttemptOutcome) Succeeded() bool {
	return o == OutcomeSucceeded
}

// TerminalForMethod reports whether the method must not be charged again.
func (o AttemptOutcome) TerminalForMethod() bool {
	return o == OutcomeExpiredMethod || o == OutcomeMethodRemoved
}

// RetiredState returns the method state a terminal outcome implies.
func (o AttemptOutcome) RetiredState() MethodState {
	switch o {
	case OutcomeExpiredMethod:
		return MethodExpired
	case OutcomeMethodRemoved:
		return MethodRemoved
	default:
		return MethodActive
	}
}

// IssueKind classifies the root cause of a payment issue for display.
type IssueKind string

const (
	IssueCardDeclined   IssueKind = "card_declined"
	IssueCardExpired    IssueKind = "card_expired"
	IssueMethodRemoved  IssueKind = "payment_method_removed"
	IssueGatewayError   IssueKind = "gateway_error"
	IssueNoUsableMethod IssueKind = "no_usable_method"
)

// KindForOutcome maps a failed outcome to the issue kind shown on the dashboard.
func KindForOutcome(o AttemptOutcome) IssueKind {
	switch o {
	case OutcomeExpiredMethod:
		return IssueCardExpired
	case OutcomeMethodRemoved:
		return IssueMethodRemoved
	case OutcomeGatewayError:
		return IssueGatewayError
	default:
		return IssueCardDeclined
	}
}

// IssueState represents the recovery state of a payment issue
type IssueState string

const (
	IssueActive      IssueState = "active"
	IssueGracePeriod IssueState = "grace_period"
	IssueResolved    IssueState = "resolved"
	IssueEscalated   IssueState = "escalated"
)

type issueTransition struct {
	From IssueState
	To   IssueState
}

var issueTransitions = map[issueTransition]bool{
	{IssueActive, IssueGracePeriod}:    true,
	{IssueActive, IssueEscalated}:      true,
	{IssueGracePeriod, IssueEscalated}: true,
	{IssueActive, IssueResolved}:       true,
	{IssueGracePeriod, IssueResolved}:  true,
	{IssueEscalated, IssueResolved}:    true,
	{IssueEscalated, IssueActive}:      true,
}

// CanTransitionIssue reports whether an issue may move between the given states.
func CanTransitionIssue(from, to IssueState) bool {
	if from == to {
		return from != IssueResolved
	}
	return issueTransitions[issueTransition{from, to}]
}

// Stage identifies where an issue is in the recovery process.
type Stage int

const (
	StageImmediate Stage = 1
	StageGrace     Stage = 2
	StageEscalated Stage = 3
)

func (s Stage) String() string {
	switch s {
	case StageImmediate:
		return "immediate"
	case StageGrace:
		return "grace"
	case StageEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}
