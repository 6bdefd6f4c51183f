package billing

// DefaultWarningRatio is the usage ratio at which an active subscription shows a warning.
const DefaultWarningRatio = 0.90

// DeriveState computes a subscription's state from its own fields and the payment issue
// of its current invoice (nil when the invoice has none).
func DeriveState(sub *Subscription, issue *PaymentIssue, warningRatio float64) SubscriptionState {
	if sub.CancelledAt != nil {
		return SubscriptionCancelled
	}

	if issue != nil && issue.ClosedAt == nil {
		switch {
		case issue.State == IssueEscalated:
			return SubscriptionSuspended
		case issue.Open() && issue.SuspendedAt != nil:
			// re-opened after escalation: stays suspended until a charge succeeds
			return SubscriptionSuspended
		case issue.State == IssueGracePeriod:
			return SubscriptionGracePeriod
		}
	}

	if warningRatio <= 0 {
		warningRatio = DefaultWarningRatio
	}
	if sub.Usage.Limit > 0 && sub.Usage.Ratio() >= warningRatio {
		return SubscriptionWarning
	}
	return SubscriptionActive
}
