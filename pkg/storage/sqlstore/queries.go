package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// CreateSubscription inserts a subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	data, err := encode(sub)
	if err != nil {
		return err
	}
	var exists int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM subscriptions WHERE id = ?`), sub.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	if exists > 0 {
		return fmt.Errorf("subscription %s already exists: %w", sub.ID, storage.ErrConflict)
	}
	_, err = s.exec(ctx, s.db,
		`INSERT INTO subscriptions (id, subscriber_id, state, period_end_ns, created_at_ns, data) VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.SubscriberID, string(sub.State), nanos(sub.PeriodEnd), nanos(sub.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("create subscription %s: %w", sub.ID, err)
	}
	return nil
}

// GetSubscription loads a subscription.
func (s *Store) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	return getDoc[billing.Subscription](ctx, s, `SELECT data FROM subscriptions WHERE id = ?`, "subscription", id)
}

// UpdateSubscription rewrites a subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	data, err := encode(sub)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE subscriptions SET state = ?, period_end_ns = ?, data = ? WHERE id = ?`,
		string(sub.State), nanos(sub.PeriodEnd), data, sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	return requireRow(res, "subscription", sub.ID)
}

// ListSubscriptions returns matching subscriptions ordered by creation time then id.
func (s *Store) ListSubscriptions(ctx context.Context, filter storage.SubscriptionFilter) ([]*billing.Subscription, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubscriberID != "" {
		where = append(where, "subscriber_id = ?")
		args = append(args, filter.SubscriberID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.PeriodEndBefore != nil {
		where = append(where, "period_end_ns <= ?")
		args = append(args, nanos(*filter.PeriodEndBefore))
	}
	query := `SELECT data FROM subscriptions` + whereClause(where) + ` ORDER BY created_at_ns, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return scanDocs[billing.Subscription](rows)
}

// CreateInvoice inserts an invoice and its subscription links.
func (s *Store) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	data, err := encode(inv)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := s.exec(ctx, tx,
			`INSERT INTO invoices (id, number, subscriber_id, state, issue_date_ns, data) VALUES (?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.Number, inv.SubscriberID, string(inv.State), nanos(inv.IssueDate), data)
		if err != nil {
			return fmt.Errorf("create invoice %s: %w", inv.ID, err)
		}
		for _, subID := range inv.SubscriptionIDs {
			_, err := s.exec(ctx, tx,
				`INSERT INTO invoice_subscriptions (invoice_id, subscription_id) VALUES (?, ?)`, inv.ID, subID)
			if err != nil {
				return fmt.Errorf("link invoice %s to %s: %w", inv.ID, subID, err)
			}
		}
		return nil
	})
}

// GetInvoice loads an invoice.
func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return getDoc[billing.Invoice](ctx, s, `SELECT data FROM invoices WHERE id = ?`, "invoice", id)
}

// UpdateInvoice rewrites an invoice. Subscription links never change after creation.
func (s *Store) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	data, err := encode(inv)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE invoices SET state = ?, data = ? WHERE id = ?`, string(inv.State), data, inv.ID)
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", inv.ID, err)
	}
	return requireRow(res, "invoice", inv.ID)
}

// ListInvoices returns matching invoices, newest issue date first.
func (s *Store) ListInvoices(ctx context.Context, filter storage.InvoiceFilter) ([]*billing.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubscriberID != "" {
		where = append(where, "subscriber_id = ?")
		args = append(args, filter.SubscriberID)
	}
	if filter.SubscriptionID != "" {
		where = append(where, "id IN (SELECT invoice_id FROM invoice_subscriptions WHERE subscription_id = ?)")
		args = append(args, filter.SubscriptionID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	query := `SELECT data FROM invoices` + whereClause(where) + ` ORDER BY issue_date_ns DESC, number DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return scanDocs[billing.Invoice](rows)
}

// NextInvoiceSequence increments and returns the year's invoice counter.
func (s *Store) NextInvoiceSequence(ctx context.Context, year int) (int, error) {
	var value int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`INSERT INTO invoice_sequences (year, value) VALUES (?, 1)
		ON CONFLICT (year) DO UPDATE SET value = invoice_sequences.value + 1
		RETURNING value`), year).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("next invoice sequence %d: %w", year, err)
	}
	return value, nil
}

// GetPaymentMethod loads a payment method.
func (s *Store) GetPaymentMethod(ctx context.Context, id string) (*billing.PaymentMethod, error) {
	stored, err := getDoc[storedMethod](ctx, s, `SELECT data FROM payment_methods WHERE id = ?`, "payment method", id)
	if err != nil {
		return nil, err
	}
	return stored.method(), nil
}

// ListPaymentMethods returns the subscriber's methods ordered by rank.
func (s *Store) ListPaymentMethods(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT data FROM payment_methods WHERE subscriber_id = ? ORDER BY method_rank, added_at_ns`), subscriberID)
	if err != nil {
		return nil, fmt.Errorf("list payment methods for %s: %w", subscriberID, err)
	}
	stored, err := scanDocs[storedMethod](rows)
	if err != nil {
		return nil, err
	}
	out := make([]*billing.PaymentMethod, 0, len(stored))
	for _, sm := range stored {
		out = append(out, sm.method())
	}
	return out, nil
}

// ReplacePaymentMethods swaps the subscriber's full method set in one transaction.
// The gateway token is hidden from the public JSON form and stored under its own key.
func (s *Store) ReplacePaymentMethods(ctx context.Context, subscriberID string, methods []*billing.PaymentMethod) error {
	for _, m := range methods {
		if m.SubscriberID != subscriberID {
			return fmt.Errorf("payment method %s belongs to %s: %w", m.ID, m.SubscriberID, storage.ErrConflict)
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM payment_methods WHERE subscriber_id = ?`, subscriberID); err != nil {
			return fmt.Errorf("clear payment methods for %s: %w", subscriberID, err)
		}
		for _, m := range methods {
			data, err := encode(storedMethod{PaymentMethod: m, Token: m.GatewayToken})
			if err != nil {
				return err
			}
			_, err = s.exec(ctx, tx,
				`INSERT INTO payment_methods (id, subscriber_id, method_rank, added_at_ns, data) VALUES (?, ?, ?, ?, ?)`,
				m.ID, subscriberID, m.Rank, nanos(m.AddedAt), data)
			if err != nil {
				return fmt.Errorf("store payment method %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

// AppendAttempt records an attempt whose number must follow the last one exactly.
func (s *Store) AppendAttempt(ctx context.Context, attempt *billing.PaymentAttempt) error {
	data, err := encode(attempt)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var last int
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT COALESCE(MAX(number), 0) FROM payment_attempts WHERE invoice_id = ?`), attempt.InvoiceID).Scan(&last)
		if err != nil {
			return fmt.Errorf("read last attempt for %s: %w", attempt.InvoiceID, err)
		}
		if attempt.Number != last+1 {
			return fmt.Errorf("attempt %d for invoice %s, expected %d: %w",
				attempt.Number, attempt.InvoiceID, last+1, storage.ErrConflict)
		}
		_, err = s.exec(ctx, tx,
			`INSERT INTO payment_attempts (invoice_id, number, id, data) VALUES (?, ?, ?, ?)`,
			attempt.InvoiceID, attempt.Number, attempt.ID, data)
		if err != nil {
			return fmt.Errorf("append attempt %s: %w", attempt.ID, err)
		}
		return nil
	})
}

// ListAttempts returns the invoice's attempts in number order.
func (s *Store) ListAttempts(ctx context.Context, invoiceID string) ([]*billing.PaymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT data FROM payment_attempts WHERE invoice_id = ? ORDER BY number`), invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", invoiceID, err)
	}
	return scanDocs[billing.PaymentAttempt](rows)
}

// LastAttemptNumber returns the highest attempt number recorded, 0 when none.
func (s *Store) LastAttemptNumber(ctx context.Context, invoiceID string) (int, error) {
	var last int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COALESCE(MAX(number), 0) FROM payment_attempts WHERE invoice_id = ?`), invoiceID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last attempt for %s: %w", invoiceID, err)
	}
	return last, nil
}

// SaveIssue upserts an issue, refusing a second open issue for the same invoice.
func (s *Store) SaveIssue(ctx context.Context, issue *billing.PaymentIssue) error {
	data, err := encode(issue)
	if err != nil {
		return err
	}
	var nextRetry sql.NullInt64
	if issue.NextRetryAt != nil {
		nextRetry = sql.NullInt64{Int64: nanos(*issue.NextRetryAt), Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if issue.Open() {
			var other int
			err := tx.QueryRowContext(ctx, s.rebind(
				`SELECT COUNT(*) FROM payment_issues WHERE invoice_id = ? AND id <> ? AND is_open = 1`),
				issue.InvoiceID, issue.ID).Scan(&other)
			if err != nil {
				return fmt.Errorf("check open issues for %s: %w", issue.InvoiceID, err)
			}
			if other > 0 {
				return fmt.Errorf("invoice %s already has an open issue: %w", issue.InvoiceID, storage.ErrConflict)
			}
		}
		_, err := s.exec(ctx, tx,
			`INSERT INTO payment_issues (id, invoice_id, subscriber_id, state, is_open, unresolved, next_retry_ns, opened_at_ns, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET state = excluded.state, is_open = excluded.is_open,
				unresolved = excluded.unresolved, next_retry_ns = excluded.next_retry_ns, data = excluded.data`,
			issue.ID, issue.InvoiceID, issue.SubscriberID, string(issue.State),
			boolInt(issue.Open()), boolInt(issue.Unresolved()), nextRetry, nanos(issue.OpenedAt), data)
		if err != nil {
			return fmt.Errorf("save issue %s: %w", issue.ID, err)
		}
		return nil
	})
}

// GetIssue loads an issue.
func (s *Store) GetIssue(ctx context.Context, id string) (*billing.PaymentIssue, error) {
	return getDoc[billing.PaymentIssue](ctx, s, `SELECT data FROM payment_issues WHERE id = ?`, "payment issue", id)
}

// IssueForInvoice returns the invoice's most recently opened issue.
func (s *Store) IssueForInvoice(ctx context.Context, invoiceID string) (*billing.PaymentIssue, error) {
	return getDoc[billing.PaymentIssue](ctx, s,
		`SELECT data FROM payment_issues WHERE invoice_id = ? ORDER BY opened_at_ns DESC LIMIT 1`,
		"payment issue for invoice", invoiceID)
}

// ListIssues returns matching issues, most recently opened first.
func (s *Store) ListIssues(ctx context.Context, filter storage.IssueFilter) ([]*billing.PaymentIssue, error) {
	var (
		where []string
		args  []any
	)
	if filter.SubscriberID != "" {
		where = append(where, "subscriber_id = ?")
		args = append(args, filter.SubscriberID)
	}
	if filter.InvoiceID != "" {
		where = append(where, "invoice_id = ?")
		args = append(args, filter.InvoiceID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Unresolved {
		where = append(where, "unresolved = 1")
	}
	query := `SELECT data FROM payment_issues` + whereClause(where) + ` ORDER BY opened_at_ns DESC, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	return scanDocs[billing.PaymentIssue](rows)
}

// DueIssues returns open issues with a next retry at or before now.
func (s *Store) DueIssues(ctx context.Context, now time.Time) ([]*billing.PaymentIssue, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT data FROM payment_issues
		WHERE is_open = 1 AND next_retry_ns IS NOT NULL AND next_retry_ns <= ?
		ORDER BY next_retry_ns, id`), nanos(now))
	if err != nil {
		return nil, fmt.Errorf("due issues: %w", err)
	}
	return scanDocs[billing.PaymentIssue](rows)
}

// storedMethod keeps the gateway token, which PaymentMethod hides from JSON.
type storedMethod struct {
	*billing.PaymentMethod
	Token string `json:"gateway_token"`
}

func (sm *storedMethod) method() *billing.PaymentMethod {
	if sm.PaymentMethod == nil {
		return &billing.PaymentMethod{GatewayToken: sm.Token}
	}
	m := sm.PaymentMethod
	m.GatewayToken = sm.Token
	return m
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, billing.ErrNotFound)
	}
	return nil
}
