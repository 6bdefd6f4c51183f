package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/dunning/pkg/async"
	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/storage"
)

const (
	defaultWorkers     = 8
	defaultTaskTimeout = 2 * time.Minute
	defaultRecentTTL   = 10 * time.Second
	defaultRecentSize  = 4096
)

// Charger performs a single charge. *payments.Processor implements it.
type Charger interface {
	Charge(ctx context.Context, invoiceID, methodID string, stage billing.Stage) (*billing.PaymentAttempt, *billing.PaymentIssue, error)
}

// MethodResolver returns a subscriber's usable methods in charge order.
// *hierarchy.Resolver implements it.
type MethodResolver interface {
	Resolve(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error)
}

// Result is the state of an invoice's collection after one scheduler step.
type Result struct {
	Invoice *billing.Invoice
	// Attempt is nil when the step made no charge.
	Attempt *billing.PaymentAttempt
	// Issue is nil while the invoice never failed.
	Issue  *billing.PaymentIssue
	Action Action
	// Skipped is set when the step was a no-op, with the reason in SkipReason.
	Skipped    bool
	SkipReason string
}

// OutcomeFunc is called after every step that changed an invoice or its issue.
type OutcomeFunc func(ctx context.Context, res *Result)

// Scheduler drives invoices through the recovery stages.
type Scheduler struct {
	store    storage.Store
	resolver MethodResolver
	charger  Charger
	locker   locks.Locker
	policy   *PolicyStore
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *observability.Logger

	workers     int
	taskTimeout time.Duration
	onOutcome   OutcomeFunc

	manual singleflight.Group
	recent *lru.LRU[string, *Result]
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMetrics records queue depth, lock waits and issue transitions.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithWorkers sets ProcessDue concurrency and the per-retry timeout.
func WithWorkers(workers int, taskTimeout time.Duration) Option {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workers = workers
		}
		if taskTimeout > 0 {
			s.taskTimeout = taskTimeout
		}
	}
}

// WithOutcomeHook registers a callback run after each step that touched an invoice.
func WithOutcomeHook(fn OutcomeFunc) Option {
	return func(s *Scheduler) { s.onOutcome = fn }
}

// WithManualRetryWindow sets how long a RetryNow result is replayed to duplicate calls.
func WithManualRetryWindow(ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.recent = lru.NewLRU[string, *Result](defaultRecentSize, nil, ttl)
	}
}

// NewScheduler creates a scheduler.
func NewScheduler(store storage.Store, resolver MethodResolver, charger Charger, locker locks.Locker, policy *PolicyStore, logger *observability.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		resolver:    resolver,
		charger:     charger,
		locker:      locker,
		policy:      policy,
		clock:       clockwork.NewRealClock(),
		logger:      logger,
		workers:     defaultWorkers,
		taskTimeout: defaultTaskTimeout,
		recent:      lru.NewLRU[string, *Result](defaultRecentSize, nil, defaultRecentTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy store so callers can swap or watch it.
func (s *Scheduler) Policy() *PolicyStore {
	return s.policy
}

// Collect makes the first attempt on a freshly generated invoice, charging the default
// method. Collecting an invoice that already has attempts or is no longer pending is a
// no-op.
func (s *Scheduler) Collect(ctx context.Context, invoiceID string) (*Result, error) {
	return s.withInvoice(ctx, invoiceID, func(ctx context.Context, inv *billing.Invoice) (*Result, error) {
		res := &Result{Invoice: inv}
		reason, ok, err := s.collectible(ctx, inv)
		if err != nil {
			return nil, err
		}
		if !ok {
			return skip(res, reason), nil
		}
		last, err := s.store.LastAttemptNumber(ctx, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("collect invoice %s: %w", inv.ID, err)
		}
		if last > 0 {
			return skip(res, "invoice already has attempts"), nil
		}

		methods, err := s.resolver.Resolve(ctx, inv.SubscriberID)
		if errors.Is(err, billing.ErrNoUsableMethod) {
			return s.escalateWithoutMethod(ctx, inv, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("collect invoice %s: %w", inv.ID, err)
		}
		return s.chargeAndPlan(ctx, inv, methods[0], billing.StageImmediate)
	})
}

// ProcessDue runs every issue whose next retry is due. Individual failures are logged
// and returned joined; they do not stop the other retries.
func (s *Scheduler) ProcessDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.store.DueIssues(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due issues: %w", err)
	}
	s.metrics.SetRetryQueueDepth(len(due))
	if len(due) == 0 {
		return 0, nil
	}

	ctx = observability.WithLogger(ctx, s.logger)
	errs := async.Batch(ctx, due, s.workers, "payment retry", s.taskTimeout,
		func(ctx context.Context, issue *billing.PaymentIssue) error {
			_, err := s.retryDue(ctx, issue.InvoiceID, issue.ID)
			if err != nil {
				s.metrics.RecordWorkerError("payment retry")
				s.logger.WithError(err).WithField("invoice_id", issue.InvoiceID).Warn("Scheduled retry failed")
			}
			return err
		})
	return len(due), errors.Join(errs...)
}

// RetryNow charges the invoice immediately. An escalated issue re-enters stage 1 with
// its retry counters reset; the subscription stays suspended until a charge succeeds.
// Concurrent and back-to-back duplicate calls share one attempt. A paid, void or failed
// invoice is returned as is in a skipped result.
func (s *Scheduler) RetryNow(ctx context.Context, invoiceID string) (*Result, error) {
	if res, ok := s.recent.Get(invoiceID); ok {
		return res, nil
	}
	// the shared call is detached from the caller that started it; duplicates must not
	// inherit its cancellation
	shared := context.WithoutCancel(ctx)
	ch := s.manual.DoChan(invoiceID, func() (interface{}, error) {
		if res, ok := s.recent.Get(invoiceID); ok {
			return res, nil
		}
		ctx, cancel := context.WithTimeout(shared, s.taskTimeout)
		defer cancel()
		res, err := s.retryNow(ctx, invoiceID)
		if err != nil {
			return nil, err
		}
		s.recent.Add(invoiceID, res)
		return res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

// Forget drops a replayed manual retry result, e.g. after the invoice was cancelled.
func (s *Scheduler) Forget(invoiceID string) {
	s.recent.Remove(invoiceID)
}

// Fail marks an invoice uncollectable. Only invoices whose issue was escalated can fail;
// the issue stays escalated so the subscription remains suspended.
func (s *Scheduler) Fail(ctx context.Context, invoiceID string) (*Result, error) {
	res, err := s.withInvoice(ctx, invoiceID, func(ctx context.Context, inv *billing.Invoice) (*Result, error) {
		res := &Result{Invoice: inv}
		if inv.State == billing.InvoiceFailed {
			return skip(res, "invoice already failed"), nil
		}
		issue, err := s.store.IssueForInvoice(ctx, inv.ID)
		if errors.Is(err, billing.ErrNotFound) {
			return nil, fmt.Errorf("fail invoice %s: no payment issue: %w", inv.ID, billing.ErrInvalidState)
		}
		if err != nil {
			return nil, fmt.Errorf("fail invoice %s: %w", inv.ID, err)
		}
		if issue.State != billing.IssueEscalated || issue.ClosedAt != nil {
			return nil, fmt.Errorf("fail invoice %s: issue is %s: %w", inv.ID, issue.State, billing.ErrInvalidState)
		}
		res.Issue = issue
		if err := inv.MarkFailed(s.clock.Now()); err != nil {
			return nil, err
		}
		if err := s.store.UpdateInvoice(ctx, inv); err != nil {
			return nil, fmt.Errorf("fail invoice %s: %w", inv.ID, err)
		}
		res.Action = ActionNone
		return res, nil
	})
	if err == nil {
		s.recent.Remove(invoiceID)
	}
	return res, err
}

func (s *Scheduler) retryNow(ctx context.Context, invoiceID string) (*Result, error) {
	return s.withInvoice(ctx, invoiceID, func(ctx context.Context, inv *billing.Invoice) (*Result, error) {
		if reason, ok, err := s.collectible(ctx, inv); err != nil {
			return nil, err
		} else if !ok {
			return s.settled(ctx, inv, reason)
		}

		issue, err := s.store.IssueForInvoice(ctx, inv.ID)
		switch {
		case errors.Is(err, billing.ErrNotFound):
			issue = nil
		case err != nil:
			return nil, fmt.Errorf("retry invoice %s: %w", inv.ID, err)
		case !issue.Unresolved():
			issue = nil
		}

		methods, err := s.resolver.Resolve(ctx, inv.SubscriberID)
		if errors.Is(err, billing.ErrNoUsableMethod) {
			return s.escalateWithoutMethod(ctx, inv, issue)
		}
		if err != nil {
			return nil, fmt.Errorf("retry invoice %s: %w", inv.ID, err)
		}

		stage := billing.StageImmediate
		if issue != nil {
			now := s.clock.Now()
			switch issue.State {
			case billing.IssueEscalated:
				if err := issue.TransitionTo(billing.IssueActive, now); err != nil {
					return nil, err
				}
				issue.RetryCount = 0
				issue.Stage1Tries = nil
				issue.GraceStartedAt = nil
				issue.GraceEndsAt = nil
				issue.GraceRetries = 0
				issue.LastMethodID = ""
				issue.Reason = "manual retry after escalation"
				if err := s.store.SaveIssue(ctx, issue); err != nil {
					return nil, fmt.Errorf("reopen issue %s: %w", issue.ID, err)
				}
				s.metrics.RecordIssueTransition(string(billing.IssueActive))
			case billing.IssueGracePeriod:
				stage = billing.StageGrace
			}
		}
		return s.chargeAndPlan(ctx, inv, methods[0], stage)
	})
}

func (s *Scheduler) retryDue(ctx context.Context, invoiceID, issueID string) (*Result, error) {
	return s.withInvoice(ctx, invoiceID, func(ctx context.Context, inv *billing.Invoice) (*Result, error) {
		issue, err := s.store.GetIssue(ctx, issueID)
		if err != nil {
			return nil, fmt.Errorf("load issue %s: %w", issueID, err)
		}
		res := &Result{Invoice: inv, Issue: issue}

		now := s.clock.Now()
		if !issue.Open() || issue.NextRetryAt == nil || issue.NextRetryAt.After(now) {
			return skip(res, "retry no longer due"), nil
		}
		if reason, ok, err := s.collectible(ctx, inv); err != nil {
			return nil, err
		} else if !ok {
			issue.NextRetryAt = nil
			issue.NextMethodID = ""
			issue.UpdatedAt = now
			if err := s.store.SaveIssue(ctx, issue); err != nil {
				return nil, fmt.Errorf("clear retry on issue %s: %w", issue.ID, err)
			}
			return skip(res, reason), nil
		}

		policy := s.policy.Current()
		if GraceExpired(issue, now) {
			return s.escalate(ctx, res, issue, "grace period ended without payment")
		}

		methods, err := s.resolver.Resolve(ctx, inv.SubscriberID)
		if errors.Is(err, billing.ErrNoUsableMethod) {
			return s.escalateWithoutMethod(ctx, inv, issue)
		}
		if err != nil {
			return nil, fmt.Errorf("retry invoice %s: %w", inv.ID, err)
		}

		method := pickMethod(issue, methods, policy)
		if method == nil {
			// every method hit the stage-1 cap since this retry was planned
			from := issue.State
			action, err := Plan(issue, methods, policy, now)
			if err != nil {
				return nil, err
			}
			return s.saveDecision(ctx, res, issue, from, action)
		}
		return s.chargeAndPlan(ctx, inv, method, issue.Stage)
	})
}

// chargeAndPlan charges one method and, on failure, plans the next step.
func (s *Scheduler) chargeAndPlan(ctx context.Context, inv *billing.Invoice, method *billing.PaymentMethod, stage billing.Stage) (*Result, error) {
	attempt, issue, err := s.charger.Charge(ctx, inv.ID, method.ID, stage)
	if err != nil {
		return nil, err
	}
	res := &Result{Attempt: attempt, Issue: issue, Action: ActionNone}

	if fresh, err := s.store.GetInvoice(ctx, inv.ID); err == nil {
		res.Invoice = fresh
	} else {
		res.Invoice = inv
	}

	if attempt.Outcome.Succeeded() || issue == nil {
		return res, nil
	}

	// the charge may have retired the method; plan against what is left
	methods, err := s.resolver.Resolve(ctx, inv.SubscriberID)
	if err != nil && !errors.Is(err, billing.ErrNoUsableMethod) {
		return nil, fmt.Errorf("resolve methods after failed charge: %w", err)
	}
	from := issue.State
	action, err := Plan(issue, methods, s.policy.Current(), s.clock.Now())
	if err != nil {
		return nil, err
	}
	return s.saveDecision(ctx, res, issue, from, action)
}

// saveDecision persists the planned issue. from is the issue state before planning.
func (s *Scheduler) saveDecision(ctx context.Context, res *Result, issue *billing.PaymentIssue, from billing.IssueState, action Action) (*Result, error) {
	issue.UpdatedAt = s.clock.Now()
	if err := s.store.SaveIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("save issue %s: %w", issue.ID, err)
	}
	res.Issue = issue
	res.Action = action

	fields := map[string]interface{}{
		"invoice_id": issue.InvoiceID,
		"issue_id":   issue.ID,
		"state":      string(issue.State),
		"action":     string(action),
	}
	if issue.NextRetryAt != nil {
		fields["next_retry_at"] = issue.NextRetryAt.Format(time.RFC3339)
		fields["next_method_id"] = issue.NextMethodID
	}
	switch {
	case action == ActionEscalate:
		s.metrics.RecordIssueTransition(string(billing.IssueEscalated))
		s.logger.WithFields(fields).Warn("Payment issue escalated")
	case from != billing.IssueGracePeriod && issue.State == billing.IssueGracePeriod:
		s.metrics.RecordIssueTransition(string(billing.IssueGracePeriod))
		s.logger.WithFields(fields).Info("Payment issue entered grace period")
	default:
		s.logger.WithFields(fields).Debug("Payment retry scheduled")
	}
	return res, nil
}

// escalateWithoutMethod escalates the invoice's issue, opening one when the invoice has
// none, because the subscriber has nothing left to charge.
func (s *Scheduler) escalateWithoutMethod(ctx context.Context, inv *billing.Invoice, issue *billing.PaymentIssue) (*Result, error) {
	now := s.clock.Now()
	if issue == nil || !issue.Unresolved() {
		issue = &billing.PaymentIssue{
			ID:           billing.NewID("iss"),
			InvoiceID:    inv.ID,
			SubscriberID: inv.SubscriberID,
			State:        billing.IssueActive,
			Stage:        billing.StageImmediate,
			OpenedAt:     now,
		}
	}
	issue.Kind = billing.IssueNoUsableMethod
	return s.escalate(ctx, &Result{Invoice: inv}, issue, "no usable payment method")
}

func (s *Scheduler) escalate(ctx context.Context, res *Result, issue *billing.PaymentIssue, reason string) (*Result, error) {
	from := issue.State
	issue.Reason = reason
	if from == billing.IssueEscalated {
		return s.saveDecision(ctx, res, issue, from, ActionNone)
	}
	if err := Escalate(issue, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.saveDecision(ctx, res, issue, from, ActionEscalate)
}

// settled reports an invoice that can no longer be charged together with its last
// issue, so repeated manual retries keep returning the same state.
func (s *Scheduler) settled(ctx context.Context, inv *billing.Invoice, reason string) (*Result, error) {
	res := &Result{Invoice: inv}
	issue, err := s.store.IssueForInvoice(ctx, inv.ID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("retry invoice %s: %w", inv.ID, err)
	default:
		res.Issue = issue
	}
	return skip(res, reason), nil
}

// collectible reports whether the invoice may still be charged.
func (s *Scheduler) collectible(ctx context.Context, inv *billing.Invoice) (string, bool, error) {
	if inv.State != billing.InvoicePending {
		return fmt.Sprintf("invoice is %s", inv.State), false, nil
	}
	live := 0
	for _, id := range inv.SubscriptionIDs {
		sub, err := s.store.GetSubscription(ctx, id)
		if errors.Is(err, billing.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("load subscription %s: %w", id, err)
		}
		if sub.State != billing.SubscriptionCancelled {
			live++
		}
	}
	if live == 0 && len(inv.SubscriptionIDs) > 0 {
		return "subscription cancelled", false, nil
	}
	return "", true, nil
}

// withInvoice runs fn under the invoice lock with a fresh snapshot of the invoice. The
// outcome hook runs after the lock is released.
func (s *Scheduler) withInvoice(ctx context.Context, invoiceID string, fn func(context.Context, *billing.Invoice) (*Result, error)) (*Result, error) {
	res, err := s.locked(ctx, invoiceID, fn)
	if err != nil {
		return nil, err
	}
	if res.Skipped {
		s.logger.WithFields(map[string]interface{}{
			"invoice_id": invoiceID,
			"reason":     res.SkipReason,
		}).Info("Payment retry skipped")
		return res, nil
	}
	s.notify(ctx, res)
	return res, nil
}

func (s *Scheduler) locked(ctx context.Context, invoiceID string, fn func(context.Context, *billing.Invoice) (*Result, error)) (*Result, error) {
	start := time.Now()
	unlock, err := s.locker.Lock(ctx, locks.InvoiceKey(invoiceID))
	if err != nil {
		return nil, fmt.Errorf("lock invoice %s: %w", invoiceID, err)
	}
	defer unlock()
	s.metrics.ObserveLockWait(time.Since(start))

	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load invoice %s: %w", invoiceID, err)
	}
	return fn(ctx, inv)
}

func (s *Scheduler) notify(ctx context.Context, res *Result) {
	if s.onOutcome != nil {
		s.onOutcome(ctx, res)
	}
}

func skip(res *Result, reason string) *Result {
	res.Skipped = true
	res.SkipReason = reason
	res.Action = ActionNone
	return res
}
