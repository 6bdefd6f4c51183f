package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/dunning/pkg/billing"
)

// MemoryStore is an in-process Store. All reads and writes copy records.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*billing.Subscription
	invoices      map[string]*billing.Invoice
	methods       map[string]*billing.PaymentMethod
	bySubscriber  map[string][]string // subscriber id -> method ids
	attempts      map[string][]*billing.PaymentAttempt
	issues        map[string]*billing.PaymentIssue
	sequences     map[int]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*billing.Subscription),
		invoices:      make(map[string]*billing.Invoice),
		methods:       make(map[string]*billing.PaymentMethod),
		bySubscriber:  make(map[string][]string),
		attempts:      make(map[string][]*billing.PaymentAttempt),
		issues:        make(map[string]*billing.PaymentIssue),
		sequences:     make(map[int]int),
	}
}

var _ Store = (*MemoryStore)(nil)

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, billing.ErrNotFound)
}

// CreateSubscription stores a new subscription.
func (s *MemoryStore) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; ok {
		return fmt.Errorf("subscription %s already exists: %w", sub.ID, ErrConflict)
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// GetSubscription returns a snapshot of the subscription.
func (s *MemoryStore) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, notFound("subscription", id)
	}
	return sub.Clone(), nil
}

// UpdateSubscription replaces a stored subscription.
func (s *MemoryStore) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscriptions[sub.ID]; !ok {
		return notFound("subscription", sub.ID)
	}
	s.subscriptions[sub.ID] = sub.Clone()
	return nil
}

// ListSubscriptions returns matching subscriptions ordered by creation time then id.
func (s *MemoryStore) ListSubscriptions(ctx context.Context, filter SubscriptionFilter) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Subscription, 0)
	for _, sub := range s.subscriptions {
		if filter.SubscriberID != "" && sub.SubscriberID != filter.SubscriberID {
			continue
		}
		if filter.State != "" && sub.State != filter.State {
			continue
		}
		if filter.PeriodEndBefore != nil && sub.PeriodEnd.After(*filter.PeriodEndBefore) {
			continue
		}
		out = append(out, sub.Clone())
	}
	slices.SortFunc(out, func(a, b *billing.Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// CreateInvoice stores a new invoice.
func (s *MemoryStore) CreateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; ok {
		return fmt.Errorf("invoice %s already exists: %w", inv.ID, ErrConflict)
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// GetInvoice returns a snapshot of the invoice.
func (s *MemoryStore) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, notFound("invoice", id)
	}
	return inv.Clone(), nil
}

// UpdateInvoice replaces a stored invoice.
func (s *MemoryStore) UpdateInvoice(ctx context.Context, inv *billing.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[inv.ID]; !ok {
		return notFound("invoice", inv.ID)
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

// ListInvoices returns matching invoices, newest issue date first.
func (s *MemoryStore) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Invoice, 0)
	for _, inv := range s.invoices {
		if filter.SubscriberID != "" && inv.SubscriberID != filter.SubscriberID {
			continue
		}
		if filter.SubscriptionID != "" && !inv.Covers(filter.SubscriptionID) {
			continue
		}
		if filter.State != "" && inv.State != filter.State {
			continue
		}
		out = append(out, inv.Clone())
	}
	slices.SortFunc(out, func(a, b *billing.Invoice) int {
		if c := b.IssueDate.Compare(a.IssueDate); c != 0 {
			return c
		}
		return strings.Compare(b.Number, a.Number)
	})
	return out, nil
}

// NextInvoiceSequence increments and returns the year's invoice counter.
func (s *MemoryStore) NextInvoiceSequence(ctx context.Context, year int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[year]++
	return s.sequences[year], nil
}

// GetPaymentMethod returns a snapshot of the method.
func (s *MemoryStore) GetPaymentMethod(ctx context.Context, id string) (*billing.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.methods[id]
	if !ok {
		return nil, notFound("payment method", id)
	}
	return m.Clone(), nil
}

// ListPaymentMethods returns the subscriber's methods ordered by rank.
func (s *MemoryStore) ListPaymentMethods(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySubscriber[subscriberID]
	out := make([]*billing.PaymentMethod, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.methods[id].Clone())
	}
	sortByRank(out)
	return out, nil
}

// ReplacePaymentMethods swaps the subscriber's full method set in one step.
func (s *MemoryStore) ReplacePaymentMethods(ctx context.Context, subscriberID string, methods []*billing.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range methods {
		if m.SubscriberID != subscriberID {
			return fmt.Errorf("payment method %s belongs to %s: %w", m.ID, m.SubscriberID, ErrConflict)
		}
	}
	for _, id := range s.bySubscriber[subscriberID] {
		delete(s.methods, id)
	}
	ids := make([]string, 0, len(methods))
	for _, m := range methods {
		s.methods[m.ID] = m.Clone()
		ids = append(ids, m.ID)
	}
	s.bySubscriber[subscriberID] = ids
	return nil
}

// AppendAttempt records an attempt whose number must follow the last one exactly.
func (s *MemoryStore) AppendAttempt(ctx context.Context, attempt *billing.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.attempts[attempt.InvoiceID]
	if want := len(existing) + 1; attempt.Number != want {
		return fmt.Errorf("attempt %d for invoice %s, expected %d: %w",
			attempt.Number, attempt.InvoiceID, want, ErrConflict)
	}
	c := *attempt
	s.attempts[attempt.InvoiceID] = append(existing, &c)
	return nil
}

// ListAttempts returns the invoice's attempts in number order.
func (s *MemoryStore) ListAttempts(ctx context.Context, invoiceID string) ([]*billing.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.attempts[invoiceID]
	out := make([]*billing.PaymentAttempt, 0, len(existing))
	for _, a := range existing {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

// LastAttemptNumber returns the highest attempt number recorded, 0 when none.
func (s *MemoryStore) LastAttemptNumber(ctx context.Context, invoiceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts[invoiceID]), nil
}

// SaveIssue upserts an issue.
func (s *MemoryStore) SaveIssue(ctx context.Context, issue *billing.PaymentIssue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.issues {
		if other.ID != issue.ID && other.InvoiceID == issue.InvoiceID && other.Open() && issue.Open() {
			return fmt.Errorf("invoice %s already has open issue %s: %w", issue.InvoiceID, other.ID, ErrConflict)
		}
	}
	s.issues[issue.ID] = issue.Clone()
	return nil
}

// GetIssue returns a snapshot of the issue.
func (s *MemoryStore) GetIssue(ctx context.Context, id string) (*billing.PaymentIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[id]
	if !ok {
		return nil, notFound("payment issue", id)
	}
	return issue.Clone(), nil
}

// IssueForInvoice returns the invoice's most recently opened issue.
func (s *MemoryStore) IssueForInvoice(ctx context.Context, invoiceID string) (*billing.PaymentIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *billing.PaymentIssue
	for _, issue := range s.issues {
		if issue.InvoiceID != invoiceID {
			continue
		}
		if latest == nil || issue.OpenedAt.After(latest.OpenedAt) {
			latest = issue
		}
	}
	if latest == nil {
		return nil, notFound("payment issue for invoice", invoiceID)
	}
	return latest.Clone(), nil
}

// ListIssues returns matching issues, most recently opened first.
func (s *MemoryStore) ListIssues(ctx context.Context, filter IssueFilter) ([]*billing.PaymentIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.PaymentIssue, 0)
	for _, issue := range s.issues {
		if filter.SubscriberID != "" && issue.SubscriberID != filter.SubscriberID {
			continue
		}
		if filter.InvoiceID != "" && issue.InvoiceID != filter.InvoiceID {
			continue
		}
		if filter.State != "" && issue.State != filter.State {
			continue
		}
		if filter.Unresolved && !issue.Unresolved() {
			continue
		}
		out = append(out, issue.Clone())
	}
	slices.SortFunc(out, func(a, b *billing.PaymentIssue) int {
		if c := b.OpenedAt.Compare(a.OpenedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DueIssues returns open issues with a next retry at or before now.
func (s *MemoryStore) DueIssues(ctx context.Context, now time.Time) ([]*billing.PaymentIssue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.PaymentIssue, 0)
	for _, issue := range s.issues {
		if !issue.Open() || issue.NextRetryAt == nil || issue.NextRetryAt.After(now) {
			continue
		}
		out = append(out, issue.Clone())
	}
	slices.SortFunc(out, func(a, b *billing.PaymentIssue) int {
		if c := a.NextRetryAt.Compare(*b.NextRetryAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func sortByRank(methods []*billing.PaymentMethod) {
	slices.SortStableFunc(methods, func(a, b *billing.PaymentMethod) int {
		if a.Rank != b.Rank {
			return a.Rank - b.Rank
		}
		return a.AddedAt.Compare(b.AddedAt)
	})
}
