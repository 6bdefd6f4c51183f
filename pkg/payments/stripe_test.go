package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
)

func TestStripeGateway_Charge(t *testing.T) {
	var got *stripe.PaymentIntentParams
	gw := &StripeGateway{create: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		got = params
		return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusSucceeded}, nil
	}}

	res, err := gw.Charge(context.Background(), ChargeRequest{
		InvoiceID: "inv_1", MethodID: "pm_visa", MethodToken: "cus_9:pm_card_visa",
		Amount: 29900, Currency: "USD", IdempotencyKey: "inv_1-attempt-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, "pi_1", res.Reference)

	require.NotNil(t, got)
	assert.Equal(t, int64(29900), *got.Amount)
	assert.Equal(t, "usd", *got.Currency)
	assert.Equal(t, "cus_9", *got.Customer)
	assert.Equal(t, "pm_card_visa", *got.PaymentMethod)
	assert.True(t, *got.OffSession)
	assert.True(t, *got.Confirm)
	assert.Equal(t, "inv_1-attempt-1", *got.IdempotencyKey)
	assert.Equal(t, "inv_1", got.Metadata["invoice_id"])
}

func TestStripeGateway_MissingToken(t *testing.T) {
	gw := &StripeGateway{create: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		t.Fatal("gateway must not be called")
		return nil, nil
	}}
	res, err := gw.Charge(context.Background(), ChargeRequest{InvoiceID: "inv_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusRemoved, res.Status)
}

func TestStripeGateway_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *stripe.Error
		want Status
	}{
		{"declined", &stripe.Error{Code: stripe.ErrorCodeCardDeclined, Msg: "Your card was declined."}, StatusDeclined},
		{"insufficient funds", &stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds"}, StatusDeclined},
		{"expired card code", &stripe.Error{Code: stripe.ErrorCodeExpiredCard}, StatusExpired},
		{"expired decline code", &stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "expired_card"}, StatusExpired},
		{"detached method", &stripe.Error{Code: stripe.ErrorCodeResourceMissing}, StatusRemoved},
		{"card error type", &stripe.Error{Type: "card_error", Code: "processing_error"}, StatusDeclined},
		{"api error", &stripe.Error{Type: "api_error", Msg: "internal"}, StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &StripeGateway{create: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, tt.err
			}}
			res, err := gw.Charge(context.Background(), ChargeRequest{InvoiceID: "inv_1", MethodToken: "pm_1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestStripeGateway_TransportError(t *testing.T) {
	gw := &StripeGateway{create: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return nil, errors.New("dial tcp: i/o timeout")
	}}
	_, err := gw.Charge(context.Background(), ChargeRequest{InvoiceID: "inv_1", MethodToken: "pm_1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inv_1")
}

func TestResultForIntent(t *testing.T) {
	res := resultForIntent(&stripe.PaymentIntent{
		ID:               "pi_2",
		Status:           stripe.PaymentIntentStatusRequiresPaymentMethod,
		LastPaymentError: &stripe.Error{Msg: "Your card has insufficient funds."},
	})
	assert.Equal(t, StatusDeclined, res.Status)
	assert.Equal(t, "Your card has insufficient funds.", res.Reason)

	assert.Equal(t, StatusDeclined, resultForIntent(&stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}).Status)
	assert.Equal(t, StatusError, resultForIntent(&stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}).Status)
}
