package payments

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Sandbox tokens with a fixed answer. Any other token is approved.
const (
	SandboxTokenDecline  = "tok_decline"
	SandboxTokenExpired  = "tok_expired"
	SandboxTokenRemoved  = "tok_removed"
	SandboxTokenError    = "tok_error"
	sandboxRefPrefix     = "sbx_"
	sandboxDeclineReason = "insufficient_funds"
)

// SandboxGateway answers charges locally from the method token, for development and
// demos without a payment provider account.
type SandboxGateway struct{}

// NewSandboxGateway returns a gateway that never leaves the process.
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{}
}

// Charge answers by token prefix, so "tok_decline_visa" declines too.
func (SandboxGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResult{}, err
	}
	switch token := req.MethodToken; {
	case strings.HasPrefix(token, SandboxTokenDecline):
		return ChargeResult{Status: StatusDeclined, Reason: sandboxDeclineReason}, nil
	case strings.HasPrefix(token, SandboxTokenExpired):
		return ChargeResult{Status: StatusExpired, Reason: "expired_card"}, nil
	case strings.HasPrefix(token, SandboxTokenRemoved):
		return ChargeResult{Status: StatusRemoved, Reason: "payment_method_detached"}, nil
	case strings.HasPrefix(token, SandboxTokenError):
		return ChargeResult{Status: StatusError, Reason: "processing_error"}, nil
	default:
		return ChargeResult{Status: StatusApproved, Reference: sandboxRefPrefix + uuid.NewString()}, nil
	}
}
