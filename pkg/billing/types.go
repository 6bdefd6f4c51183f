package billing

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Money is an amount in minor currency units (cents for USD).
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Usage tracks metered consumption within the current billing cycle.
type Usage struct {
	Current int64  `json:"current"`
	Limit   int64  `json:"limit"`
	Unit    string `json:"unit"`
}

// Ratio returns current/limit, or 0 when the subscription is unmetered.
func (u Usage) Ratio() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Current) / float64(u.Limit)
}

// OverLimit reports the alertable, non-blocking condition current > limit.
func (u Usage) OverLimit() bool {
	return u.Limit > 0 && u.Current > u.Limit
}

// Module identifies the product a subscription pays for.
type Module struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// PlanTier is the commercial tier of a subscription
type PlanTier string

const (
	PlanStandard     PlanTier = "standard"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// Subscription represents one subscriber's recurring charge for one module
type Subscription struct {
	ID               string            `json:"id"`
	SubscriberID     string            `json:"subscriber_id"`
	Module           Module            `json:"module"`
	Plan             PlanTier          `json:"plan"`
	Price            Money             `json:"price"`
	Usage            Usage             `json:"usage"`
	Features         []string          `json:"features,omitempty"`
	CanUpgrade       bool              `json:"can_upgrade"`
	BillingAnchor    time.Time         `json:"billing_anchor"`
	PeriodStart      time.Time         `json:"period_start"`
	PeriodEnd        time.Time         `json:"period_end"`
	CurrentInvoiceID string            `json:"current_invoice_id,omitempty"`
	State            SubscriptionState `json:"state"`
	CancelledAt      *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.Features = slices.Clone(s.Features)
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}

// LineItem is one module's charge on an invoice.
type LineItem struct {
	SubscriptionID string `json:"subscription_id"`
	Module         Module `json:"module"`
	Amount         int64  `json:"amount"`
}

// Invoice represents the amount due for one billing period
type Invoice struct {
	ID                 string       `json:"id"`
	Number             string       `json:"number"`
	SubscriberID       string       `json:"subscriber_id"`
	SubscriptionIDs    []string     `json:"subscription_ids"`
	Amount             int64        `json:"amount"`
	Currency           string       `json:"currency"`
	PeriodStart        time.Time    `json:"period_start"`
	PeriodEnd          time.Time    `json:"period_end"`
	IssueDate          time.Time    `json:"issue_date"`
	DueDate            time.Time    `json:"due_date"`
	State              InvoiceState `json:"state"`
	LineItems          []LineItem   `json:"line_items"`
	PaidAt             *time.Time   `json:"paid_at,omitempty"`
	PaidWithMethodID   string       `json:"paid_with_method_id,omitempty"`
	PaymentMethodLabel string       `json:"payment_method_label,omitempty"`
	FailedAt           *time.Time   `json:"failed_at,omitempty"`
	VoidedAt           *time.Time   `json:"voided_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (i *Invoice) Clone() *Invoice {
	if i == nil {
		return nil
	}
	c := *i
	c.SubscriptionIDs = slices.Clone(i.SubscriptionIDs)
	c.LineItems = slices.Clone(i.LineItems)
	c.PaidAt = cloneTime(i.PaidAt)
	c.FailedAt = cloneTime(i.FailedAt)
	c.VoidedAt = cloneTime(i.VoidedAt)
	return &c
}

// Covers reports whether the invoice bills the given subscription.
func (i *Invoice) Covers(subscriptionID string) bool {
	return slices.Contains(i.SubscriptionIDs, subscriptionID)
}

// EffectiveState folds the due date into the stored state: a pending invoice past its
// due date reads as overdue.
func (i *Invoice) EffectiveState(now time.Time) InvoiceState {
	if i.State == InvoicePending && now.After(i.DueDate) {
		return InvoiceOverdue
	}
	return i.State
}

// MarkPaid records a successful charge.
func (i *Invoice) MarkPaid(at time.Time, method *PaymentMethod) error {
	if i.State != InvoicePending {
		return &TransitionError{Entity: "invoice " + i.ID, From: string(i.State), To: string(InvoicePaid)}
	}
	i.State = InvoicePaid
	i.PaidAt = &at
	if method != nil {
		i.PaidWithMethodID = method.ID
		i.PaymentMethodLabel = method.Label()
	}
	i.UpdatedAt = at
	return nil
}

// MarkFailed records the explicit terminal failure of an uncollectable invoice.
func (i *Invoice) MarkFailed(at time.Time) error {
	if i.State != InvoicePending {
		return &TransitionError{Entity: "invoice " + i.ID, From: string(i.State), To: string(InvoiceFailed)}
	}
	i.State = InvoiceFailed
	i.FailedAt = &at
	i.UpdatedAt = at
	return nil
}

// Void cancels an invoice that was never paid.
func (i *Invoice) Void(at time.Time) error {
	if i.State != InvoicePending {
		return &TransitionError{Entity: "invoice " + i.ID, From: string(i.State), To: string(InvoiceVoid)}
	}
	i.State = InvoiceVoid
	i.VoidedAt = &at
	i.UpdatedAt = at
	return nil
}

// PaymentMethod represents a card or bank account in a subscriber's hierarchy
type PaymentMethod struct {
	ID           string      `json:"id"`
	SubscriberID string      `json:"subscriber_id"`
	Kind         MethodKind  `json:"kind"`
	Brand        string      `json:"brand,omitempty"`
	BankName     string      `json:"bank_name,omitempty"`
	AccountType  string      `json:"account_type,omitempty"`
	Last4        string      `json:"last4"`
	ExpMonth     int         `json:"exp_month,omitempty"`
	ExpYear      int         `json:"exp_year,omitempty"`
	HolderName   string      `json:"holder_name"`
	GatewayToken string      `json:"-"`
	IsDefault    bool        `json:"is_default"`
	State        MethodState `json:"state"`
	Rank         int         `json:"rank"`
	AddedAt      time.Time   `json:"added_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Clone returns a copy safe to hand to readers.
func (m *PaymentMethod) Clone() *PaymentMethod {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Usable reports whether the method may be charged.
func (m *PaymentMethod) Usable() bool {
	return m.State == MethodActive
}

// CardExpired reports whether a card's expiry month has fully elapsed at now.
func (m *PaymentMethod) CardExpired(now time.Time) bool {
	if m.Kind != MethodCard || m.ExpYear == 0 || m.ExpMonth == 0 {
		return false
	}
	firstOfNextMonth := time.Date(m.ExpYear, time.Month(m.ExpMonth)+1, 1, 0, 0, 0, 0, time.UTC)
	return !now.Before(firstOfNextMonth)
}

// Label renders the masked description shown next to invoices, e.g. "Visa •••• 4242".
func (m *PaymentMethod) Label() string {
	name := m.Brand
	if m.Kind == MethodBankAccount {
		name = m.BankName
	}
	if name == "" {
		name = string(m.Kind)
	}
	return fmt.Sprintf("%s •••• %s", name, m.Last4)
}

// PaymentAttempt is one append-only charge record for an invoice
type PaymentAttempt struct {
	ID               string         `json:"id"`
	InvoiceID        string         `json:"invoice_id"`
	PaymentMethodID  string         `json:"payment_method_id"`
	Number           int            `json:"attempt_number"`
	Stage            Stage          `json:"stage"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	Outcome          AttemptOutcome `json:"outcome"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	GatewayReference string         `json:"gateway_reference,omitempty"`
	AttemptedAt      time.Time      `json:"attempted_at"`
}

// PaymentIssue aggregates the failed attempts of one invoice into a recovery record
type PaymentIssue struct {
	ID             string         `json:"id"`
	InvoiceID      string         `json:"invoice_id"`
	SubscriberID   string         `json:"subscriber_id"`
	State          IssueState     `json:"state"`
	Kind           IssueKind      `json:"kind"`
	Stage          Stage          `json:"stage"`
	RetryCount     int            `json:"retry_count"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	NextMethodID   string         `json:"next_method_id,omitempty"`
	Reason         string         `json:"reason"`
	LastMethodID   string         `json:"last_method_id,omitempty"`
	Stage1Tries    map[string]int `json:"stage1_tries,omitempty"`
	GraceStartedAt *time.Time     `json:"grace_started_at,omitempty"`
	GraceEndsAt    *time.Time     `json:"grace_ends_at,omitempty"`
	GraceRetries   int            `json:"grace_retries"`
	SuspendedAt    *time.Time     `json:"suspended_at,omitempty"`
	OpenedAt       time.Time      `json:"opened_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	EscalatedAt    *time.Time     `json:"escalated_at,omitempty"`
	ClosedAt       *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (p *PaymentIssue) Clone() *PaymentIssue {
	if p == nil {
		return nil
	}
	c := *p
	c.Stage1Tries = maps.Clone(p.Stage1Tries)
	c.NextRetryAt = cloneTime(p.NextRetryAt)
	c.GraceStartedAt = cloneTime(p.GraceStartedAt)
	c.GraceEndsAt = cloneTime(p.GraceEndsAt)
	c.SuspendedAt = cloneTime(p.SuspendedAt)
	c.ResolvedAt = cloneTime(p.ResolvedAt)
	c.EscalatedAt = cloneTime(p.EscalatedAt)
	c.ClosedAt = cloneTime(p.ClosedAt)
	return &c
}

// Open reports whether the issue still blocks the invoice and may be retried.
func (p *PaymentIssue) Open() bool {
	if p.ClosedAt != nil {
		return false
	}
	return p.State == IssueActive || p.State == IssueGracePeriod
}

// Unresolved reports whether the invoice still has an outstanding failure, including
// escalated issues waiting for manual action.
func (p *PaymentIssue) Unresolved() bool {
	return p.ClosedAt == nil && p.State != IssueResolved
}

// TransitionTo moves the issue to a new state, rejecting illegal moves.
func (p *PaymentIssue) TransitionTo(to IssueState, at time.Time) error {
	if !CanTransitionIssue(p.State, to) {
		return &TransitionError{Entity: "payment issue " + p.ID, From: string(p.State), To: string(to)}
	}
	p.State = to
	p.UpdatedAt = at
	switch to {
	case IssueResolved:
		p.ResolvedAt = &at
		p.NextRetryAt = nil
		p.NextMethodID = ""
		p.SuspendedAt = nil
	case IssueEscalated:
		p.EscalatedAt = &at
		p.Stage = StageEscalated
		p.NextRetryAt = nil
		p.NextMethodID = ""
		if p.SuspendedAt == nil {
			p.SuspendedAt = &at
		}
	case IssueGracePeriod:
		p.Stage = StageGrace
	case IssueActive:
		p.Stage = StageImmediate
	}
	return nil
}

// NewID returns a prefixed random identifier such as "inv_3f0c...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
