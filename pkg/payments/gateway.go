package payments

import (
	"context"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
)

// DefaultGatewayTimeout bounds a single charge call.
const DefaultGatewayTimeout = 30 * time.Second

// Status is the raw answer of a payment gateway
type Status string

const (
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
	StatusRemoved  Status = "removed"
	StatusError    Status = "error"
)

// Outcome maps a gateway status to the attempt outcome recorded on the invoice.
func (s Status) Outcome() billing.AttemptOutcome {
	switch s {
	case StatusApproved:
		return billing.OutcomeSucceeded
	case StatusDeclined:
		return billing.OutcomeDeclined
	case StatusExpired:
		return billing.OutcomeExpiredMethod
	case StatusRemoved:
		return billing.OutcomeMethodRemoved
	default:
		return billing.OutcomeGatewayError
	}
}

// ChargeRequest is one charge against one payment method.
type ChargeRequest struct {
	InvoiceID      string
	MethodID       string
	MethodToken    string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// ChargeResult is what the gateway answered.
type ChargeResult struct {
	Status    Status
	Reference string
	Reason    string
}

// Gateway charges a tokenized payment method. Implementations must honor ctx and must
// not retry internally; a returned error is recorded as a gateway_error outcome.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// GatewayFunc adapts a function to the Gateway interface.
type GatewayFunc func(ctx context.Context, req ChargeRequest) (ChargeResult, error)

// Charge calls f.
func (f GatewayFunc) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return f(ctx, req)
}
