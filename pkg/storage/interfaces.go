package storage

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
)

// ErrConflict is returned when a write would break a store-level invariant.
var ErrConflict = errors.New("storage conflict")

// SubscriptionFilter narrows ListSubscriptions. Zero fields match everything.
type SubscriptionFilter struct {
	SubscriberID string
	State        billing.SubscriptionState
	// PeriodEndBefore selects subscriptions whose current period ended at or before it.
	PeriodEndBefore *time.Time
}

// InvoiceFilter narrows ListInvoices.
type InvoiceFilter struct {
	SubscriberID   string
	SubscriptionID string
	State          billing.InvoiceState
}

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	SubscriberID string
	InvoiceID    string
	State        billing.IssueState
	// Unresolved restricts to issues that are neither resolved nor closed.
	Unresolved bool
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *billing.Subscription) error
	GetSubscription(ctx context.Context, id string) (*billing.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *billing.Subscription) error
	ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*billing.Subscription, error)
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *billing.Invoice) error
	GetInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *billing.Invoice) error
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*billing.Invoice, error)
	// NextInvoiceSequence returns the next invoice number for the given year, starting at 1.
	NextInvoiceSequence(ctx context.Context, year int) (int, error)
}

// PaymentMethodStore persists payment method hierarchies.
type PaymentMethodStore interface {
	GetPaymentMethod(ctx context.Context, id string) (*billing.PaymentMethod, error)
	// ListPaymentMethods returns every method of the subscriber ordered by rank.
	ListPaymentMethods(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error)
	// ReplacePaymentMethods atomically stores the subscriber's full method set.
	ReplacePaymentMethods(ctx context.Context, subscriberID string, methods []*billing.PaymentMethod) error
}

// AttemptStore persists the append-only attempt log.
type AttemptStore interface {
	AppendAttempt(ctx context.Context, attempt *billing.PaymentAttempt) error
	// ListAttempts returns the invoice's attempts ordered by attempt number.
	ListAttempts(ctx context.Context, invoiceID string) ([]*billing.PaymentAttempt, error)
	LastAttemptNumber(ctx context.Context, invoiceID string) (int, error)
}

// IssueStore persists payment issues.
type IssueStore interface {
	SaveIssue(ctx context.Context, issue *billing.PaymentIssue) error
	GetIssue(ctx context.Context, id string) (*billing.PaymentIssue, error)
	// IssueForInvoice returns the most recently opened issue of the invoice.
	IssueForInvoice(ctx context.Context, invoiceID string) (*billing.PaymentIssue, error)
	ListIssues(ctx context.Context, filter IssueFilter) ([]*billing.PaymentIssue, error)
	// DueIssues returns open issues whose next retry is at or before now, oldest first.
	DueIssues(ctx context.Context, now time.Time) ([]*billing.PaymentIssue, error)
}

// Store is the full persistence contract.
type Store interface {
	SubscriptionStore
	InvoiceStore
	PaymentMethodStore
	AttemptStore
	IssueStore

	HealthCheck(ctx context.Context) error
}

// Config for storage backend
type Config struct {
	Type string // "memory", "postgres", "sqlite"

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// SQLite config
	SQLitePath string

	// Redis config, used for distributed locks
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		SQLitePath:       "file:dunning.db?cache=shared",
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
	}
}
