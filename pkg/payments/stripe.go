package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeGateway charges saved payment methods off-session through Stripe PaymentIntents.
//
// Method tokens are "cus_…:pm_…" (customer and payment method) or a bare "pm_…" for
// methods not attached to a customer.
type StripeGateway struct {
	create func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// NewStripeGateway configures the Stripe SDK with the secret key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{create: paymentintent.New}
}

// Charge creates and confirms a PaymentIntent in one call.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	customerID, methodID := splitToken(req.MethodToken)
	if methodID == "" {
		return ChargeResult{Status: StatusRemoved, Reason: "payment method token missing"}, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(methodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.Context = ctx
	params.AddMetadata("invoice_id", req.InvoiceID)
	params.AddMetadata("payment_method_id", req.MethodID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := g.create(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return classifyStripeError(stripeErr), nil
		}
		return ChargeResult{}, fmt.Errorf("stripe payment intent for invoice %s: %w", req.InvoiceID, err)
	}
	return resultForIntent(pi), nil
}

func splitToken(token string) (customerID, methodID string) {
	if before, after, ok := strings.Cut(token, ":"); ok {
		return before, after
	}
	return "", token
}

// resultForIntent maps a confirmed PaymentIntent to a gateway status.
func resultForIntent(pi *stripe.PaymentIntent) ChargeResult {
	res := ChargeResult{Reference: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		res.Status = StatusApproved
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		res.Status = StatusDeclined
		res.Reason = "payment method was declined"
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			res.Reason = pi.LastPaymentError.Msg
		}
	case stripe.PaymentIntentStatusRequiresAction:
		res.Status = StatusDeclined
		res.Reason = "customer authentication required"
	default:
		res.Status = StatusError
		res.Reason = fmt.Sprintf("unexpected payment intent status %q", pi.Status)
	}
	return res
}

// classifyStripeError maps card and request errors to gateway statuses.
func classifyStripeError(e *stripe.Error) ChargeResult {
	res := ChargeResult{Reason: e.Msg, Reference: e.RequestID}
	if res.Reason == "" {
		res.Reason = string(e.Code)
	}

	switch {
	case e.Code == stripe.ErrorCodeExpiredCard || string(e.DeclineCode) == "expired_card":
		res.Status = StatusExpired
	case e.Code == stripe.ErrorCodeResourceMissing:
		res.Status = StatusRemoved
	case e.Code == stripe.ErrorCodeCardDeclined || string(e.Type) == "card_error":
		res.Status = StatusDeclined
	default:
		res.Status = StatusError
	}
	return res
}
