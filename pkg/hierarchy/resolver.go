// Package hierarchy orders a subscriber's payment methods and keeps the ordering
// invariants: ranks are unique and gap-free, at most one method is the default, and the
// default is active with rank 0.
//
// Every mutation runs under the subscriber's lock, renormalizes the whole set and
// persists it in one store call. Resolve results are cached until the next mutation.
package hierarchy

import (
	"context"
	"fmt"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/locks"
	"github.com/platinummonkey/dunning/pkg/observability"
	"github.com/platinummonkey/dunning/pkg/storage"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 5 * time.Minute
)

// Resolver answers "which methods, in what order" for a subscriber
type Resolver struct {
	store  storage.PaymentMethodStore
	locker locks.Locker
	cache  *lru.LRU[string, []*billing.PaymentMethod]
	clock  clockwork.Clock
	logger *observability.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithClock overrides the clock used for card expiry checks.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Resolver) { r.clock = clock }
}

// WithCache sets the resolve cache size and TTL.
func WithCache(size int, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = lru.NewLRU[string, []*billing.PaymentMethod](size, nil, ttl)
	}
}

// NewResolver creates a resolver over the given store.
func NewResolver(store storage.PaymentMethodStore, locker locks.Locker, logger *observability.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		locker: locker,
		cache:  lru.NewLRU[string, []*billing.PaymentMethod](defaultCacheSize, nil, defaultCacheTTL),
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the subscriber's usable methods in charge order, default first.
// Cards whose expiry has passed are retired on the way. Returns ErrNoUsableMethod when
// nothing can be charged.
func (r *Resolver) Resolve(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error) {
	all, err := r.List(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	if slices.ContainsFunc(all, func(m *billing.PaymentMethod) bool { return m.Usable() && m.CardExpired(now) }) {
		all, err = r.mutate(ctx, subscriberID, func(methods []*billing.PaymentMethod) error {
			for _, m := range methods {
				if m.Usable() && m.CardExpired(now) {
					m.State = billing.MethodExpired
					m.UpdatedAt = now
					r.logger.WithFields(map[string]interface{}{
						"subscriber_id":     subscriberID,
						"payment_method_id": m.ID,
					}).Info("Retired expired card")
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	usable := make([]*billing.PaymentMethod, 0, len(all))
	for _, m := range all {
		if m.Usable() {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("subscriber %s: %w", subscriberID, billing.ErrNoUsableMethod)
	}
	return usable, nil
}

// List returns every method of the subscriber, usable ones first, in hierarchy order.
func (r *Resolver) List(ctx context.Context, subscriberID string) ([]*billing.PaymentMethod, error) {
	if cached, ok := r.cache.Get(subscriberID); ok {
		return cloneAll(cached), nil
	}
	methods, err := r.store.ListPaymentMethods(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("list payment methods for %s: %w", subscriberID, err)
	}
	normalize(methods, r.clock.Now())
	r.cache.Add(subscriberID, cloneAll(methods))
	return methods, nil
}

// SetDefault makes the method rank 0 and shifts the others down, preserving their order.
// The method must belong to the subscriber and be active.
func (r *Resolver) SetDefault(ctx context.Context, subscriberID, methodID string) ([]*billing.PaymentMethod, error) {
	return r.mutate(ctx, subscriberID, func(methods []*billing.PaymentMethod) error {
		idx := slices.IndexFunc(methods, func(m *billing.PaymentMethod) bool { return m.ID == methodID })
		if idx < 0 || !methods[idx].Usable() {
			return fmt.Errorf("payment method %s for subscriber %s: %w", methodID, subscriberID, billing.ErrNotFound)
		}
		for _, m := range methods {
			m.IsDefault = false
		}
		methods[idx].IsDefault = true
		methods[idx].Rank = -1
		return nil
	})
}

// Add appends a method to the hierarchy, or puts it first when makeDefault is set or
// the subscriber has no usable default yet.
func (r *Resolver) Add(ctx context.Context, method *billing.PaymentMethod, makeDefault bool) (*billing.PaymentMethod, error) {
	if method.SubscriberID == "" {
		return nil, fmt.Errorf("payment method without subscriber: %w", billing.ErrInvalidState)
	}
	if method.Kind != billing.MethodCard && method.Kind != billing.MethodBankAccount {
		return nil, fmt.Errorf("payment method kind %q: %w", method.Kind, billing.ErrInvalidState)
	}

	now := r.clock.Now()
	added := method.Clone()
	if added.ID == "" {
		added.ID = billing.NewID("pm")
	}
	added.State = billing.MethodActive
	added.AddedAt = now
	added.UpdatedAt = now
	if added.CardExpired(now) {
		return nil, fmt.Errorf("card %s expired %02d/%d: %w", added.Label(), added.ExpMonth, added.ExpYear, billing.ErrInvalidState)
	}

	methods, err := r.mutate(ctx, added.SubscriberID, func(methods []*billing.PaymentMethod) error {
		if slices.ContainsFunc(methods, func(m *billing.PaymentMethod) bool { return m.ID == added.ID }) {
			return fmt.Errorf("payment method %s already exists: %w", added.ID, billing.ErrInvalidState)
		}
		hasDefault := slices.ContainsFunc(methods, func(m *billing.PaymentMethod) bool { return m.IsDefault && m.Usable() })
		added.IsDefault = makeDefault || !hasDefault
		if added.IsDefault {
			for _, m := range methods {
				m.IsDefault = false
			}
			added.Rank = -1
		} else {
			added.Rank = len(methods)
		}
		return nil
	}, added)
	if err != nil {
		return nil, err
	}

	for _, m := range methods {
		if m.ID == added.ID {
			return m, nil
		}
	}
	return added, nil
}

// Remove marks a method removed; it stays listed for history but is never charged.
func (r *Resolver) Remove(ctx context.Context, subscriberID, methodID string) ([]*billing.PaymentMethod, error) {
	return r.mutate(ctx, subscriberID, func(methods []*billing.PaymentMethod) error {
		idx := slices.IndexFunc(methods, func(m *billing.PaymentMethod) bool { return m.ID == methodID })
		if idx < 0 {
			return fmt.Errorf("payment method %s for subscriber %s: %w", methodID, subscriberID, billing.ErrNotFound)
		}
		methods[idx].State = billing.MethodRemoved
		methods[idx].IsDefault = false
		methods[idx].UpdatedAt = r.clock.Now()
		return nil
	})
}

// Retire moves a method to expired or removed after a terminal gateway outcome.
// Retiring an already retired method is a no-op.
func (r *Resolver) Retire(ctx context.Context, subscriberID, methodID string, state billing.MethodState) error {
	if state != billing.MethodExpired && state != billing.MethodRemoved {
		return fmt.Errorf("retire payment method %s to %q: %w", methodID, state, billing.ErrInvalidState)
	}
	_, err := r.mutate(ctx, subscriberID, func(methods []*billing.PaymentMethod) error {
		idx := slices.IndexFunc(methods, func(m *billing.PaymentMethod) bool { return m.ID == methodID })
		if idx < 0 {
			return fmt.Errorf("payment method %s for subscriber %s: %w", methodID, subscriberID, billing.ErrNotFound)
		}
		if !methods[idx].Usable() {
			return nil
		}
		methods[idx].State = state
		methods[idx].IsDefault = false
		methods[idx].UpdatedAt = r.clock.Now()
		return nil
	})
	if err == nil {
		r.logger.WithFields(map[string]interface{}{
			"subscriber_id":     subscriberID,
			"payment_method_id": methodID,
			"state":             state,
		}).Info("Payment method retired")
	}
	return err
}

// Invalidate drops the cached hierarchy of a subscriber.
func (r *Resolver) Invalidate(subscriberID string) {
	r.cache.Remove(subscriberID)
}

// mutate loads the subscriber's methods under its lock, applies fn, renormalizes and
// stores the result. Extra methods are appended before fn runs.
func (r *Resolver) mutate(ctx context.Context, subscriberID string, fn func([]*billing.PaymentMethod) error, extra ...*billing.PaymentMethod) ([]*billing.PaymentMethod, error) {
	unlock, err := r.locker.Lock(ctx, locks.SubscriberKey(subscriberID))
	if err != nil {
		return nil, fmt.Errorf("lock subscriber %s: %w", subscriberID, err)
	}
	defer unlock()

	methods, err := r.store.ListPaymentMethods(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("list payment methods for %s: %w", subscriberID, err)
	}
	if err := fn(methods); err != nil {
		return nil, err
	}
	methods = append(methods, extra...)
	normalize(methods, r.clock.Now())

	if err := r.store.ReplacePaymentMethods(ctx, subscriberID, methods); err != nil {
		return nil, fmt.Errorf("store payment methods for %s: %w", subscriberID, err)
	}
	r.cache.Remove(subscriberID)
	return cloneAll(methods), nil
}

// normalize sorts usable methods ahead of retired ones, keeps the relative rank order
// within each group, promotes a default when the old one is unusable and rewrites
// ranks as 0..n-1.
func normalize(methods []*billing.PaymentMethod, now time.Time) {
	slices.SortStableFunc(methods, func(a, b *billing.PaymentMethod) int {
		if a.Usable() != b.Usable() {
			if a.Usable() {
				return -1
			}
			return 1
		}
		if a.IsDefault != b.IsDefault && a.Usable() {
			if a.IsDefault {
				return -1
			}
			return 1
		}
		if a.Rank != b.Rank {
			return a.Rank - b.Rank
		}
		return a.AddedAt.Compare(b.AddedAt)
	})

	defaultSeen := false
	for i, m := range methods {
		if !m.Usable() || defaultSeen {
			m.IsDefault = false
		} else if m.IsDefault {
			defaultSeen = true
		}
		if m.Rank != i {
			m.Rank = i
			m.UpdatedAt = now
		}
	}
	if !defaultSeen && len(methods) > 0 && methods[0].Usable() {
		methods[0].IsDefault = true
		methods[0].UpdatedAt = now
	}
}

func cloneAll(methods []*billing.PaymentMethod) []*billing.PaymentMethod {
	out := make([]*billing.PaymentMethod, len(methods))
	for i, m := range methods {
		out[i] = m.Clone()
	}
	return out
}
