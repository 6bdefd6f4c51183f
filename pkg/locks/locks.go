// Package locks provides keyed exclusive locks used to serialize work per invoice,
// subscription or subscriber.
//
// Two implementations share the Locker interface:
//
//	local := locks.NewLocal()                  // single process
//	dist := locks.NewRedis(client, "dunning")  // shared across instances
//
//	unlock, err := local.Lock(ctx, "invoice:"+id)
//	if err != nil {
//		return err
//	}
//	defer unlock()
package locks

import (
	"context"
	"sync"
)

// Locker hands out exclusive locks by key. Lock blocks until the lock is held or ctx is done.
// The returned release function must be called exactly once; calling it more is a no-op.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local is an in-process keyed mutex. Entries are reference counted and dropped when the
// last holder or waiter leaves, so the map does not grow with the number of keys seen.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an empty local locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock acquires the lock for key, honoring ctx cancellation while waiting.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, nil
}

// TryLock acquires the lock only if it is free.
func (l *Local) TryLock(key string) (func(), bool) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	default:
		l.release(key, s)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.release(key, s)
		})
	}, true
}

// Held returns the number of keys currently tracked (held or waited on).
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Local) release(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// InvoiceKey namespaces an invoice id for locking.
func InvoiceKey(id string) string { return "invoice:" + id }

// SubscriptionKey namespaces a subscription id for locking.
func SubscriptionKey(id string) string { return "subscription:" + id }

// SubscriberKey namespaces a subscriber id for locking.
func SubscriberKey(id string) string { return "subscriber:" + id }
