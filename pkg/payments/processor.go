package payments

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// MethodRetirer marks a payment method as no longer chargeable.
type MethodRetirer interface {
	Retire(ctx context.Context, subscriberID, methodID string, state billing.MethodState) error
}

// Processor performs exactly one gateway charge per call and records its consequences:
// the attempt, the invoice state and the invoice's payment issue.
type Processor struct {
	store   storage.Store
	gateway Gateway
	retirer MethodRetirer
	clock   clockwork.Clock
	timeout time.Duration
	metrics *observability.Metrics
	otel    *observability.GatewayInstruments
	logger  *observability.Logger

	inFlight sync.Map // invoice id -> struct{}
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(p *Processor) { p.clock = clock }
}

// WithTimeout overrides DefaultGatewayTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithMetrics records attempts and collected amounts.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithInstruments exports gateway metrics through OpenTelemetry.
func WithInstruments(g *observability.GatewayInstruments) Option {
	return func(p *Processor) { p.otel = g }
}

// NewProcessor creates a processor charging through gateway.
func NewProcessor(store storage.Store, gateway Gateway, retirer MethodRetirer, logger *observability.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:   store,
		gateway: gateway,
		retirer: retirer,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultGatewayTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Charge attempts to collect the invoice from one payment method.
//
// The returned issue is the invoice's payment issue after the attempt: opened or updated
// on failure, resolved on success, nil when a first attempt succeeds. Callers must hold
// the invoice lock; a concurrent second call for the same invoice fails with
// ErrChargeInFlight instead of charging twice.
func (p *Processor) Charge(ctx context.Context, invoiceID, methodID string, stage billing.Stage) (*billing.PaymentAttempt, *billing.PaymentIssue, error) {
	if _, busy := p.inFlight.LoadOrStore(invoiceID, struct{}{}); busy {
		return nil, nil, fmt.Errorf("invoice %s: %w", invoiceID, billing.ErrChargeInFlight)
	}
	defer p.inFlight.Delete(invoiceID)

	ctx, span := observability.Tracer("dunning/payments").Start(ctx, "payments.Charge")
	defer span.End()
	span.SetAttributes(
		attribute.String("invoice.id", invoiceID),
		attribute.String("payment_method.id", methodID),
		attribute.String("recovery.stage", stage.String()),
	)

	inv, err := p.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("charge invoice %s: %w", invoiceID, err)
	}
	if inv.State != billing.InvoicePending {
		return nil, nil, fmt.Errorf("charge invoice %s in state %s: %w", invoiceID, inv.State, billing.ErrInvalidState)
	}

	method, err := p.store.GetPaymentMethod(ctx, methodID)
	if err != nil {
		return nil, nil, fmt.Errorf("charge invoice %s: %w", invoiceID, err)
	}
	if method.SubscriberID != inv.SubscriberID {
		return nil, nil, fmt.Errorf("payment method %s: %w", methodID, billing.ErrNotFound)
	}
	if !method.Usable() {
		return nil, nil, fmt.Errorf("payment method %s is %s: %w", methodID, method.State, billing.ErrInvalidState)
	}

	last, err := p.store.LastAttemptNumber(ctx, invoiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("charge invoice %s: %w", invoiceID, err)
	}
	number := last + 1

	req := ChargeRequest{
		InvoiceID:      inv.ID,
		MethodID:       method.ID,
		MethodToken:    method.GatewayToken,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		IdempotencyKey: fmt.Sprintf("%s-attempt-%d", inv.ID, number),
	}

	start := p.clock.Now()
	result := p.call(ctx, req)
	outcome := result.Status.Outcome()
	p.metrics.RecordAttempt(string(outcome), stage.String(), p.clock.Since(start))
	p.otel.RecordCharge(ctx, string(outcome), stage.String(), p.clock.Since(start))
	span.SetAttributes(attribute.String("payment.outcome", string(outcome)))
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, result.Reason)
	}

	// The gateway has answered; the outcome is persisted even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	now := p.clock.Now()

	attempt := &billing.PaymentAttempt{
		ID:               billing.NewID("att"),
		InvoiceID:        inv.ID,
		PaymentMethodID:  method.ID,
		Number:           number,
		Stage:            stage,
		Amount:           inv.Amount,
		Currency:         inv.Currency,
		Outcome:          outcome,
		GatewayReference: result.Reference,
		AttemptedAt:      now,
	}
	if !outcome.Succeeded() {
		attempt.FailureReason = result.Reason
	}
	if err := p.store.AppendAttempt(ctx, attempt); err != nil {
		return nil, nil, fmt.Errorf("record attempt %d for invoice %s: %w", number, inv.ID, err)
	}

	logger := p.logger.WithFields(map[string]interface{}{
		"invoice_id":     inv.ID,
		"method_id":      method.ID,
		"attempt_number": number,
		"stage":          stage.String(),
		"outcome":        string(outcome),
	})

	if outcome.Succeeded() {
		issue, err := p.settle(ctx, inv, method, now)
		if err != nil {
			return attempt, nil, err
		}
		p.metrics.RecordCollected(inv.Currency, inv.Amount)
		p.otel.RecordCollected(ctx, inv.Currency, inv.Amount)
		logger.Info("invoice collected")
		return attempt, issue, nil
	}

	issue, err := p.recordFailure(ctx, inv, method, attempt, now)
	if err != nil {
		return attempt, nil, err
	}

	if outcome.TerminalForMethod() && p.retirer != nil {
		if err := p.retirer.Retire(ctx, inv.SubscriberID, method.ID, outcome.RetiredState()); err != nil {
			logger.WithError(err).Warn("failed to retire payment method")
		}
	}

	logger.WithField("reason", result.Reason).Warn("charge failed")
	return attempt, issue, nil
}

// InFlight reports whether a charge for the invoice is currently running.
func (p *Processor) InFlight(invoiceID string) bool {
	_, ok := p.inFlight.Load(invoiceID)
	return ok
}

// call runs the gateway with the configured timeout. Errors, panics and timeouts all
// come back as StatusError.
func (p *Processor) call(ctx context.Context, req ChargeRequest) ChargeResult {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type reply struct {
		result ChargeResult
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithField("invoice_id", req.InvoiceID).
					Errorf("gateway panic: %v\n%s", r, string(debug.Stack()))
				done <- reply{err: fmt.Errorf("gateway panic: %v", r)}
			}
		}()
		res, err := p.gateway.Charge(callCtx, req)
		done <- reply{result: res, err: err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-callCtx.Done():
	}

	switch {
	case r.err == nil && r.result.Status != "":
		return r.result
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return ChargeResult{Status: StatusError, Reason: "gateway timeout"}
	case callCtx.Err() != nil:
		return ChargeResult{Status: StatusError, Reason: "charge cancelled: " + callCtx.Err().Error()}
	case r.err != nil:
		return ChargeResult{Status: StatusError, Reason: r.err.Error()}
	default:
		return ChargeResult{Status: StatusError, Reason: "empty gateway response"}
	}
}

// settle marks the invoice paid and resolves its outstanding issue, if any.
func (p *Processor) settle(ctx context.Context, inv *billing.Invoice, method *billing.PaymentMethod, now time.Time) (*billing.PaymentIssue, error) {
	if err := inv.MarkPaid(now, method); err != nil {
		return nil, err
	}
	if err := p.store.UpdateInvoice(ctx, inv); err != nil {
		return nil, fmt.Errorf("mark invoice %s paid: %w", inv.ID, err)
	}

	issue, err := p.store.IssueForInvoice(ctx, inv.ID)
	if errors.Is(err, billing.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load issue for invoice %s: %w", inv.ID, err)
	}
	if !issue.Unresolved() {
		return issue, nil
	}
	if err := issue.TransitionTo(billing.IssueResolved, now); err != nil {
		return nil, err
	}
	issue.Reason = "payment recovered with " + method.Label()
	if err := p.store.SaveIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("resolve issue %s: %w", issue.ID, err)
	}
	p.metrics.RecordIssueTransition(string(billing.IssueResolved))
	return issue, nil
}

// recordFailure opens the invoice's issue or adds the attempt to the existing one.
func (p *Processor) recordFailure(ctx context.Context, inv *billing.Invoice, method *billing.PaymentMethod, attempt *billing.PaymentAttempt, now time.Time) (*billing.PaymentIssue, error) {
	issue, err := p.store.IssueForInvoice(ctx, inv.ID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		issue = nil
	case err != nil:
		return nil, fmt.Errorf("load issue for invoice %s: %w", inv.ID, err)
	}

	if issue == nil || !issue.Unresolved() {
		issue = &billing.PaymentIssue{
			ID:           billing.NewID("iss"),
			InvoiceID:    inv.ID,
			SubscriberID: inv.SubscriberID,
			State:        billing.IssueActive,
			Stage:        billing.StageImmediate,
			OpenedAt:     now,
		}
		p.metrics.RecordIssueTransition(string(billing.IssueActive))
	}

	issue.RetryCount++
	issue.Kind = billing.KindForOutcome(attempt.Outcome)
	issue.Reason = attempt.FailureReason
	if issue.Reason == "" {
		issue.Reason = string(attempt.Outcome)
	}
	issue.LastMethodID = method.ID
	switch attempt.Stage {
	case billing.StageImmediate:
		if issue.Stage1Tries == nil {
			issue.Stage1Tries = make(map[string]int)
		}
		issue.Stage1Tries[method.ID]++
	case billing.StageGrace:
		issue.GraceRetries++
	}
	issue.UpdatedAt = now

	if err := p.store.SaveIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("save issue for invoice %s: %w", inv.ID, err)
	}
	return issue, nil
}
