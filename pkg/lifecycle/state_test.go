package lifecycle

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dunning/pkg/billing"
)

// TestDerivedTransitionsAreLegal walks random issue histories on a single invoice and
// checks that every derived subscription state change is in the transition table.
func TestDerivedTransitionsAreLegal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	issueStates := []billing.IssueState{
		billing.IssueActive, billing.IssueGracePeriod, billing.IssueEscalated, billing.IssueResolved,
	}

	for run := 0; run < 500; run++ {
		sub := &billing.Subscription{ID: "sub_1", Usage: billing.Usage{Limit: 100}, State: billing.SubscriptionActive}
		var issue *billing.PaymentIssue
		now := t0

		for step := 0; step < 40; step++ {
			now = now.Add(time.Hour)
			switch rng.Intn(4) {
			case 0:
				sub.Usage.Current = int64(rng.Intn(150))
			case 1:
				if issue == nil || !issue.Unresolved() {
					issue = &billing.PaymentIssue{ID: "iss", State: billing.IssueActive, OpenedAt: now}
				}
			default:
				if issue == nil {
					continue
				}
				to := issueStates[rng.Intn(len(issueStates))]
				if !billing.CanTransitionIssue(issue.State, to) {
					continue
				}
				require.NoError(t, issue.TransitionTo(to, now))
			}

			next := billing.DeriveState(sub, issue, billing.DefaultWarningRatio)
			require.True(t, billing.CanTransitionSubscription(sub.State, next),
				"run %d step %d: %s -> %s (issue %+v)", run, step, sub.State, next, issue)
			sub.State = next
		}
	}
}

// TestManagerTransitionsAcrossCycles drives the manager through random histories that
// span several billing cycles: usage, new invoices, failures and escalations on old and
// current invoices, and manual retries that re-open escalated issues. Re-deriving the
// state must never hit a pair outside the transition table.
func TestManagerTransitionsAcrossCycles(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	issueStates := []billing.IssueState{
		billing.IssueActive, billing.IssueGracePeriod, billing.IssueEscalated, billing.IssueResolved,
	}

	for run := 0; run < 60; run++ {
		f := newFixture(t)
		sub, inv := f.create(t)
		invoices := []string{inv.ID}

		for step := 0; step < 60; step++ {
			f.clock.Advance(time.Hour)
			prev := sub.State
			var err error

			switch op := rng.Intn(6); op {
			case 0:
				delta := int64(rng.Intn(600))
				if rng.Intn(3) == 0 {
					delta = -sub.Usage.Current
				}
				sub, err = f.manager.RecordUsage(f.ctx, sub.ID, delta)
			case 1:
				f.clock.Advance(31 * 24 * time.Hour)
				var next *billing.Invoice
				sub, next, err = f.manager.AdvanceCycle(f.ctx, sub.ID)
				if err == nil {
					invoices = append(invoices, next.ID)
				}
			default:
				invoiceID := invoices[rng.Intn(len(invoices))]
				if op == 2 {
					invoiceID = sub.CurrentInvoiceID
				}
				attempt := f.moveIssue(t, rng, invoiceID, issueStates)
				if attempt == nil {
					continue
				}
				sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, attempt)
			}

			var te *billing.TransitionError
			require.False(t, errors.As(err, &te), "run %d step %d: %v", run, step, err)
			require.NoError(t, err, "run %d step %d", run, step)
			require.True(t, billing.CanTransitionSubscription(prev, sub.State),
				"run %d step %d: %s -> %s", run, step, prev, sub.State)
		}
	}
}

// moveIssue opens an issue on the invoice or moves its existing one along a random legal
// edge. It returns the attempt that caused the move, nil when nothing changed.
func (f *fixture) moveIssue(t *testing.T, rng *rand.Rand, invoiceID string, states []billing.IssueState) *billing.PaymentAttempt {
	t.Helper()
	now := f.clock.Now()
	issue, err := f.store.IssueForInvoice(f.ctx, invoiceID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		issue = &billing.PaymentIssue{
			ID:           billing.NewID("iss"),
			InvoiceID:    invoiceID,
			SubscriberID: "cust_1",
			State:        billing.IssueActive,
			Stage:        billing.StageImmediate,
			OpenedAt:     now,
		}
	case err != nil:
		require.NoError(t, err)
	default:
		to := states[rng.Intn(len(states))]
		if !billing.CanTransitionIssue(issue.State, to) {
			return nil
		}
		require.NoError(t, issue.TransitionTo(to, now))
	}
	issue.RetryCount++
	require.NoError(t, f.store.SaveIssue(f.ctx, issue))

	attempt := &billing.PaymentAttempt{
		InvoiceID:       invoiceID,
		PaymentMethodID: "pm_a",
		Number:          issue.RetryCount + 1,
		Outcome:         billing.OutcomeDeclined,
		AttemptedAt:     now,
	}
	if issue.State == billing.IssueResolved {
		attempt.Outcome = billing.OutcomeSucceeded
	}
	return attempt
}
