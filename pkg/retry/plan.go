package retry

import (
	"slices"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
)

// Action is what Plan decided for an issue.
type Action string

const (
	// ActionRetry means the issue has a NextRetryAt. In grace without retries left the
	// next retry is the grace end, where the issue escalates.
	ActionRetry Action = "retry"
	// ActionEscalate means the issue was escalated and will not be retried automatically.
	ActionEscalate Action = "escalate"
	// ActionNone means the issue is resolved or already escalated.
	ActionNone Action = "none"
)

// Plan decides the next step after a failed attempt and writes it onto issue.
// methods are the subscriber's usable methods in hierarchy order.
//
//   - active: retry the next method below the stage-1 cap after ImmediateDelay; when every
//     method is at the cap, enter grace
//   - grace_period: retry at start + k*GraceInterval cycling all methods while before the
//     grace end, then wait for the grace end
//   - no usable method in either stage: escalate now
func Plan(issue *billing.PaymentIssue, methods []*billing.PaymentMethod, policy Policy, now time.Time) (Action, error) {
	if !issue.Open() {
		return ActionNone, nil
	}
	if len(methods) == 0 {
		return ActionEscalate, Escalate(issue, now)
	}

	if issue.State == billing.IssueActive {
		capped := func(m *billing.PaymentMethod) bool {
			return issue.Stage1Tries[m.ID] < policy.Stage1MaxPerMethod
		}
		if next := nextMethod(methods, issue.LastMethodID, capped); next != nil {
			schedule(issue, next.ID, now.Add(policy.ImmediateDelay))
			return ActionRetry, nil
		}
		if err := EnterGrace(issue, policy, now); err != nil {
			return ActionNone, err
		}
	}

	return planGrace(issue, methods, policy, now)
}

// EnterGrace moves an active issue into the grace period starting at now.
func EnterGrace(issue *billing.PaymentIssue, policy Policy, now time.Time) error {
	if err := issue.TransitionTo(billing.IssueGracePeriod, now); err != nil {
		return err
	}
	fillGraceBounds(issue, policy, now)
	issue.GraceRetries = 0
	return nil
}

// Escalate ends automatic recovery for the issue. The subscription is suspended until a
// manual retry succeeds.
func Escalate(issue *billing.PaymentIssue, now time.Time) error {
	return issue.TransitionTo(billing.IssueEscalated, now)
}

// GraceExpired reports whether the issue's grace period is over at now.
func GraceExpired(issue *billing.PaymentIssue, now time.Time) bool {
	return issue.State == billing.IssueGracePeriod && issue.GraceEndsAt != nil && !now.Before(*issue.GraceEndsAt)
}

func planGrace(issue *billing.PaymentIssue, methods []*billing.PaymentMethod, policy Policy, now time.Time) (Action, error) {
	if issue.GraceStartedAt == nil || issue.GraceEndsAt == nil {
		// grace entered without bounds, e.g. by a manual state edit
		fillGraceBounds(issue, policy, now)
	}
	start, end := *issue.GraceStartedAt, *issue.GraceEndsAt
	if !now.Before(end) {
		return ActionEscalate, Escalate(issue, now)
	}

	next := nextGraceSlot(start, policy.GraceInterval, now)
	if !next.Before(end) {
		schedule(issue, "", end)
		return ActionRetry, nil
	}
	method := nextMethod(methods, issue.LastMethodID, func(*billing.PaymentMethod) bool { return true })
	schedule(issue, method.ID, next)
	return ActionRetry, nil
}

func fillGraceBounds(issue *billing.PaymentIssue, policy Policy, now time.Time) {
	start := now
	end := now.Add(policy.GraceDuration)
	issue.GraceStartedAt = &start
	issue.GraceEndsAt = &end
}

// nextGraceSlot returns the first start + k*interval (k >= 1) strictly after now.
func nextGraceSlot(start time.Time, interval time.Duration, now time.Time) time.Time {
	if now.Before(start) {
		return start.Add(interval)
	}
	k := int64(now.Sub(start)/interval) + 1
	return start.Add(time.Duration(k) * interval)
}

// nextMethod returns the first method after lastID in hierarchy order, wrapping around,
// that satisfies ok. When lastID is not in the list the search starts at the default.
func nextMethod(methods []*billing.PaymentMethod, lastID string, ok func(*billing.PaymentMethod) bool) *billing.PaymentMethod {
	if len(methods) == 0 {
		return nil
	}
	start := 0
	if idx := slices.IndexFunc(methods, func(m *billing.PaymentMethod) bool { return m.ID == lastID }); idx >= 0 {
		start = idx + 1
	}
	for i := range methods {
		m := methods[(start+i)%len(methods)]
		if ok(m) {
			return m
		}
	}
	return nil
}

func schedule(issue *billing.PaymentIssue, methodID string, at time.Time) {
	issue.NextRetryAt = &at
	issue.NextMethodID = methodID
}

// pickMethod chooses the method a due retry should charge: the planned one while it is
// still usable, otherwise the next one in rotation. Returns nil for an active issue whose
// methods are all at the stage-1 cap.
func pickMethod(issue *billing.PaymentIssue, methods []*billing.PaymentMethod, policy Policy) *billing.PaymentMethod {
	ok := func(*billing.PaymentMethod) bool { return true }
	if issue.State == billing.IssueActive {
		ok = func(m *billing.PaymentMethod) bool { return issue.Stage1Tries[m.ID] < policy.Stage1MaxPerMethod }
	}
	if i := slices.IndexFunc(methods, func(m *billing.PaymentMethod) bool { return m.ID == issue.NextMethodID }); i >= 0 && ok(methods[i]) {
		return methods[i]
	}
	return nextMethod(methods, issue.LastMethodID, ok)
}
