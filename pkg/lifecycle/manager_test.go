package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/invoicing"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/notify"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/storage"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storage.MemoryStore
	clock   *clockwork.FakeClock
	events  *notify.Recorder
	metrics *observability.Metrics
	manager *Manager
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStore(),
		clock:   clockwork.NewFakeClockAt(t0),
		events:  &notify.Recorder{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		ctx:     context.Background(),
	}
	gen := invoicing.NewGenerator(f.store, invoicing.Options{}, f.clock)
	f.manager = NewManager(f.store, gen, locks.NewLocal(), observability.NopLogger(),
		WithClock(f.clock), WithNotifier(f.events), WithMetrics(f.metrics))
	return f
}

func newSub() *billing.Subscription {
	return &billing.Subscription{
		SubscriberID: "cust_1",
		Module:       billing.Module{ID: "mod_waf", Name: "Web Application Firewall"},
		Plan:         billing.PlanProfessional,
		Price:        billing.Money{Amount: 29900, Currency: "USD"},
		Usage:        billing.Usage{Limit: 1000, Unit: "requests"},
	}
}

func (f *fixture) create(t *testing.T) (*billing.Subscription, *billing.Invoice) {
	t.Helper()
	sub, inv, err := f.manager.Create(f.ctx, newSub())
	require.NoError(t, err)
	return sub, inv
}

func (f *fixture) setIssue(t *testing.T, invoiceID string, state billing.IssueState, suspended bool) *billing.PaymentIssue {
	t.Helper()
	issue, err := f.store.IssueForInvoice(f.ctx, invoiceID)
	if err != nil {
		issue = &billing.PaymentIssue{
			ID:           billing.NewID("iss"),
			InvoiceID:    invoiceID,
			SubscriberID: "cust_1",
			OpenedAt:     f.clock.Now(),
		}
	}
	issue.State = state
	if suspended {
		at := f.clock.Now()
		issue.SuspendedAt = &at
	} else {
		issue.SuspendedAt = nil
	}
	require.NoError(t, f.store.SaveIssue(f.ctx, issue))
	return issue
}

func TestManager_CreateStartsCycleNow(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.create(t)

	assert.Equal(t, billing.SubscriptionActive, sub.State)
	assert.Equal(t, t0, sub.BillingAnchor)
	assert.Equal(t, t0, sub.PeriodStart)
	assert.Equal(t, t0.AddDate(0, 1, 0), sub.PeriodEnd)
	assert.Equal(t, inv.ID, sub.CurrentInvoiceID)

	assert.Equal(t, int64(29900), inv.Amount)
	assert.Equal(t, "INV-2024-0001", inv.Number)
	assert.Equal(t, billing.InvoicePending, inv.State)
	assert.Equal(t, t0.AddDate(0, 0, 15), inv.DueDate)

	stored, err := f.store.GetSubscription(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, stored.ID)
	require.Len(t, f.events.OfType(notify.EventInvoiceGenerated), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InvoicesGeneratedTotal.WithLabelValues("USD")))
}

func TestManager_CreateMidCycleProrates(t *testing.T) {
	f := newFixture(t)
	in := newSub()
	in.BillingAnchor = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	sub, inv, err := f.manager.Create(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), sub.PeriodStart)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), sub.PeriodEnd)
	// 22 of 31 days
	assert.Equal(t, int64(21219), inv.Amount)
}

func TestManager_CreateValidates(t *testing.T) {
	f := newFixture(t)

	future := newSub()
	future.BillingAnchor = t0.Add(time.Hour)
	_, _, err := f.manager.Create(f.ctx, future)
	assert.ErrorIs(t, err, billing.ErrInvalidArgument)

	anonymous := newSub()
	anonymous.SubscriberID = ""
	_, _, err = f.manager.Create(f.ctx, anonymous)
	assert.ErrorIs(t, err, billing.ErrInvalidArgument)

	negative := newSub()
	negative.Usage.Current = -1
	_, _, err = f.manager.Create(f.ctx, negative)
	assert.ErrorIs(t, err, billing.ErrNegativeUsage)
}

func TestManager_AdvanceCycle(t *testing.T) {
	f := newFixture(t)
	sub, first := f.create(t)

	sub, err := f.manager.RecordUsage(f.ctx, sub.ID, 950)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionWarning, sub.State)

	f.clock.Advance(31 * 24 * time.Hour)
	sub, inv, err := f.manager.AdvanceCycle(f.ctx, sub.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, inv.ID)
	assert.Equal(t, "INV-2024-0002", inv.Number)
	assert.Equal(t, t0.AddDate(0, 1, 0), inv.PeriodStart)
	assert.Equal(t, t0.AddDate(0, 2, 0), inv.PeriodEnd)
	assert.Equal(t, int64(29900), inv.Amount)
	assert.Equal(t, inv.ID, sub.CurrentInvoiceID)
	assert.Zero(t, sub.Usage.Current)
	assert.Equal(t, billing.SubscriptionActive, sub.State, "usage reset clears the warning")

	changes := f.events.OfType(notify.EventSubscriptionStateChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "warning", changes[1].Data["from"])
	assert.Equal(t, "active", changes[1].Data["to"])
}

func TestManager_AdvanceCycleRejectsCancelled(t *testing.T) {
	f := newFixture(t)
	sub, _ := f.create(t)
	_, err := f.manager.Cancel(f.ctx, sub.ID)
	require.NoError(t, err)

	_, _, err = f.manager.AdvanceCycle(f.ctx, sub.ID)
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	_, _, err = f.manager.AdvanceCycle(f.ctx, "sub_missing")
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestManager_RecordUsage(t *testing.T) {
	f := newFixture(t)
	sub, _ := f.create(t)

	_, err := f.manager.RecordUsage(f.ctx, sub.ID, -1)
	assert.ErrorIs(t, err, billing.ErrNegativeUsage)

	sub, err = f.manager.RecordUsage(f.ctx, sub.ID, 899)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionActive, sub.State)

	sub, err = f.manager.RecordUsage(f.ctx, sub.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionWarning, sub.State, "exactly 90% warns")

	sub, err = f.manager.RecordUsage(f.ctx, sub.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), sub.Usage.Current, "usage may exceed the limit")
	sub, err = f.manager.RecordUsage(f.ctx, sub.ID, 50)
	require.NoError(t, err)
	assert.Len(t, f.events.OfType(notify.EventUsageOverLimit), 1, "only the crossing is reported")

	sub, err = f.manager.RecordUsage(f.ctx, sub.ID, -1150)
	require.NoError(t, err)
	assert.Zero(t, sub.Usage.Current)
	assert.Equal(t, billing.SubscriptionActive, sub.State)

	_, err = f.manager.RecordUsage(f.ctx, sub.ID, -1)
	assert.ErrorIs(t, err, billing.ErrNegativeUsage)
}

func TestManager_RecordPaymentOutcomeFollowsIssue(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.create(t)
	failed := &billing.PaymentAttempt{InvoiceID: inv.ID, PaymentMethodID: "pm_a", Number: 1, Outcome: billing.OutcomeDeclined, FailureReason: "insufficient funds"}

	f.setIssue(t, inv.ID, billing.IssueActive, false)
	sub, err := f.manager.RecordPaymentOutcome(f.ctx, sub.ID, failed)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionActive, sub.State)
	require.Len(t, f.events.OfType(notify.EventPaymentFailed), 1)
	assert.Equal(t, "insufficient funds", f.events.OfType(notify.EventPaymentFailed)[0].Data["reason"])

	f.setIssue(t, inv.ID, billing.IssueGracePeriod, false)
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionGracePeriod, sub.State)

	f.setIssue(t, inv.ID, billing.IssueEscalated, true)
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionSuspended, sub.State)

	// manual retry reopened the issue: still suspended until money arrives
	f.setIssue(t, inv.ID, billing.IssueActive, true)
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionSuspended, sub.State)

	f.setIssue(t, inv.ID, billing.IssueResolved, false)
	recovered := &billing.PaymentAttempt{InvoiceID: inv.ID, PaymentMethodID: "pm_b", Number: 11, Outcome: billing.OutcomeSucceeded}
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, recovered)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionActive, sub.State)
	assert.Len(t, f.events.OfType(notify.EventPaymentRecovered), 1)

	var path []string
	for _, e := range f.events.OfType(notify.EventSubscriptionStateChanged) {
		path = append(path, e.Data["to"].(string))
	}
	assert.Equal(t, []string{"grace_period", "suspended", "active"}, path)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SubscriptionTransitionsTotal.WithLabelValues("grace_period", "suspended")))
}

func TestManager_FirstPaymentSuccessIsNotARecovery(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.create(t)
	_, err := f.manager.RecordPaymentOutcome(f.ctx, sub.ID, &billing.PaymentAttempt{InvoiceID: inv.ID, Number: 1, Outcome: billing.OutcomeSucceeded})
	require.NoError(t, err)
	assert.Empty(t, f.events.OfType(notify.EventPaymentRecovered))
	assert.Empty(t, f.events.OfType(notify.EventSubscriptionStateChanged))
}

func TestManager_NewCycleFollowsCurrentInvoice(t *testing.T) {
	f := newFixture(t)
	sub, first := f.create(t)
	f.setIssue(t, first.ID, billing.IssueEscalated, true)
	sub, err := f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)
	require.Equal(t, billing.SubscriptionSuspended, sub.State)

	f.clock.Advance(31 * 24 * time.Hour)
	sub, second, err := f.manager.AdvanceCycle(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, sub.CurrentInvoiceID)
	assert.Equal(t, billing.SubscriptionActive, sub.State, "the new cycle's invoice has no issue")

	// more failures on the old invoice leave the subscription alone
	f.setIssue(t, first.ID, billing.IssueActive, true)
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionActive, sub.State)
}

func TestManager_OldInvoicePaidWhileCurrentInGrace(t *testing.T) {
	f := newFixture(t)
	sub, first := f.create(t)
	f.setIssue(t, first.ID, billing.IssueEscalated, true)
	_, err := f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	_, second, err := f.manager.AdvanceCycle(f.ctx, sub.ID)
	require.NoError(t, err)
	f.setIssue(t, second.ID, billing.IssueGracePeriod, false)
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, nil)
	require.NoError(t, err)
	require.Equal(t, billing.SubscriptionGracePeriod, sub.State)

	f.setIssue(t, first.ID, billing.IssueResolved, false)
	paid := &billing.PaymentAttempt{InvoiceID: first.ID, PaymentMethodID: "pm_b", Number: 12, Outcome: billing.OutcomeSucceeded}
	sub, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, paid)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionGracePeriod, sub.State)
	assert.True(t, sub.State.Serviceable())

	stored, err := f.store.GetSubscription(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionGracePeriod, stored.State)

	var path []string
	for _, e := range f.events.OfType(notify.EventSubscriptionStateChanged) {
		path = append(path, e.Data["to"].(string))
	}
	assert.Equal(t, []string{"suspended", "active", "grace_period"}, path)
}

func TestManager_Cancel(t *testing.T) {
	f := newFixture(t)
	sub, inv := f.create(t)
	issue := f.setIssue(t, inv.ID, billing.IssueGracePeriod, false)
	next := t0.Add(24 * time.Hour)
	issue.NextRetryAt = &next
	require.NoError(t, f.store.SaveIssue(f.ctx, issue))

	sub, err := f.manager.Cancel(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionCancelled, sub.State)
	assert.Equal(t, t0, *sub.CancelledAt)

	stored, err := f.store.GetInvoice(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceVoid, stored.State)

	closed, err := f.store.IssueForInvoice(f.ctx, inv.ID)
	require.NoError(t, err)
	assert.Nil(t, closed.NextRetryAt)
	assert.NotNil(t, closed.ClosedAt)
	due, err := f.store.DueIssues(f.ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)

	events := len(f.events.Events())
	again, err := f.manager.Cancel(f.ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionCancelled, again.State)
	assert.Len(t, f.events.Events(), events, "second cancel is a no-op")

	_, err = f.manager.RecordPaymentOutcome(f.ctx, sub.ID, &billing.PaymentAttempt{Outcome: billing.OutcomeDeclined})
	require.NoError(t, err)
	assert.Len(t, f.events.Events(), events, "outcomes after cancellation are ignored")

	_, err = f.manager.RecordUsage(f.ctx, sub.ID, 1)
	assert.ErrorIs(t, err, billing.ErrInvalidState)
}

func TestManager_CancelKeepsSharedInvoice(t *testing.T) {
	f := newFixture(t)
	a, _ := f.create(t)
	b, _ := f.create(t)
	f.clock.Advance(31 * 24 * time.Hour)
	_, shared, err := f.manager.AdvanceConsolidated(f.ctx, []string{a.ID, b.ID})
	require.NoError(t, err)

	_, err = f.manager.Cancel(f.ctx, a.ID)
	require.NoError(t, err)
	inv, err := f.store.GetInvoice(f.ctx, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoicePending, inv.State, "b still owes its line")

	_, err = f.manager.Cancel(f.ctx, b.ID)
	require.NoError(t, err)
	inv, err = f.store.GetInvoice(f.ctx, shared.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.InvoiceVoid, inv.State)
}

func TestManager_AdvanceConsolidated(t *testing.T) {
	f := newFixture(t)
	a, _ := f.create(t)
	b, _ := f.create(t)
	f.clock.Advance(31 * 24 * time.Hour)

	subs, inv, err := f.manager.AdvanceConsolidated(f.ctx, []string{b.ID, a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Len(t, inv.LineItems, 2)
	assert.Equal(t, int64(59800), inv.Amount)
	for _, sub := range subs {
		assert.Equal(t, inv.ID, sub.CurrentInvoiceID)
		assert.Equal(t, t0.AddDate(0, 2, 0), sub.PeriodEnd)
	}

	f.clock.Advance(time.Hour)
	c, _ := f.create(t)
	_, _, err = f.manager.AdvanceConsolidated(f.ctx, []string{a.ID, c.ID})
	assert.ErrorIs(t, err, billing.ErrInvalidState)

	_, _, err = f.manager.AdvanceConsolidated(f.ctx, nil)
	assert.ErrorIs(t, err, billing.ErrInvalidArgument)
}

func TestManager_DueForCycle(t *testing.T) {
	f := newFixture(t)
	a, _ := f.create(t)
	b, _ := f.create(t)
	_, err := f.manager.Cancel(f.ctx, b.ID)
	require.NoError(t, err)

	due, err := f.manager.DueForCycle(f.ctx, t0.AddDate(0, 1, 0).Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.manager.DueForCycle(f.ctx, t0.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, a.ID, due[0].ID)
}

func TestJoinPeriod(t *testing.T) {
	anchor := time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC)

	p := joinPeriod(anchor, time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), p.End)

	// before the anchor's time of day the stretch starts yesterday
	p = joinPeriod(anchor, time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 9, 9, 0, 0, 0, time.UTC), p.Start)

	// joining on a boundary bills the full cycle
	p = joinPeriod(anchor, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2024, 2, 29, 9, 0, 0, 0, time.UTC), p.Start)
	assert.Equal(t, time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC), p.End)
}
