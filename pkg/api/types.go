package api

import (
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/retry"
)

// CreateSubscriptionRequest registers a subscription. BillingAnchor defaults to now.
type CreateSubscriptionRequest struct {
	ID            string           `json:"id,omitempty"`
	SubscriberID  string           `json:"subscriber_id"`
	Module        billing.Module   `json:"module"`
	Plan          billing.PlanTier `json:"plan"`
	Price         billing.Money    `json:"price"`
	Usage         billing.Usage    `json:"usage"`
	Features      []string         `json:"features,omitempty"`
	CanUpgrade    bool             `json:"can_upgrade"`
	BillingAnchor *time.Time       `json:"billing_anchor,omitempty"`
}

func (r *CreateSubscriptionRequest) subscription() *billing.Subscription {
	sub := &billing.Subscription{
		ID:           r.ID,
		SubscriberID: r.SubscriberID,
		Module:       r.Module,
		Plan:         r.Plan,
		Price:        r.Price,
		Usage:        r.Usage,
		Features:     r.Features,
		CanUpgrade:   r.CanUpgrade,
	}
	if r.BillingAnchor != nil {
		sub.BillingAnchor = r.BillingAnchor.UTC()
	}
	return sub
}

// UsageRequest adds Delta units to the current cycle's usage. Negative deltas are
// corrections and may not take usage below zero.
type UsageRequest struct {
	Delta *int64 `json:"delta"`
}

// AdvanceConsolidatedRequest bills several subscriptions of one subscriber on one invoice.
type AdvanceConsolidatedRequest struct {
	SubscriptionIDs []string `json:"subscription_ids"`
}

// AddPaymentMethodRequest adds a card or bank account to a subscriber's hierarchy.
type AddPaymentMethodRequest struct {
	ID           string             `json:"id,omitempty"`
	Kind         billing.MethodKind `json:"kind"`
	Brand        string             `json:"brand,omitempty"`
	BankName     string             `json:"bank_name,omitempty"`
	AccountType  string             `json:"account_type,omitempty"`
	Last4        string             `json:"last4"`
	ExpMonth     int                `json:"exp_month,omitempty"`
	ExpYear      int                `json:"exp_year,omitempty"`
	HolderName   string             `json:"holder_name"`
	GatewayToken string             `json:"gateway_token"`
	MakeDefault  bool               `json:"make_default"`
}

func (r *AddPaymentMethodRequest) method(subscriberID string) *billing.PaymentMethod {
	return &billing.PaymentMethod{
		ID:           r.ID,
		SubscriberID: subscriberID,
		Kind:         r.Kind,
		Brand:        r.Brand,
		BankName:     r.BankName,
		AccountType:  r.AccountType,
		Last4:        r.Last4,
		ExpMonth:     r.ExpMonth,
		ExpYear:      r.ExpYear,
		HolderName:   r.HolderName,
		GatewayToken: r.GatewayToken,
	}
}

// SubscriptionResponse pairs a subscription with the invoice a command produced.
type SubscriptionResponse struct {
	Subscription *billing.Subscription `json:"subscription"`
	Invoice      *billing.Invoice      `json:"invoice,omitempty"`
}

// ConsolidatedResponse is the result of a consolidated advance.
type ConsolidatedResponse struct {
	Subscriptions []*billing.Subscription `json:"subscriptions"`
	Invoice       *billing.Invoice        `json:"invoice"`
}

// RetryResponse reports the state of an invoice after a manual retry.
type RetryResponse struct {
	Invoice    *billing.Invoice        `json:"invoice"`
	Attempt    *billing.PaymentAttempt `json:"attempt,omitempty"`
	Issue      *billing.PaymentIssue   `json:"issue,omitempty"`
	Action     retry.Action            `json:"action"`
	Skipped    bool                    `json:"skipped"`
	SkipReason string                  `json:"skip_reason,omitempty"`
}

func newRetryResponse(res *retry.Result) RetryResponse {
	return RetryResponse{
		Invoice:    res.Invoice,
		Attempt:    res.Attempt,
		Issue:      res.Issue,
		Action:     res.Action,
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
	}
}
