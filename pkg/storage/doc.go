// Package storage provides the persistence contract for the recovery engine and an
// in-memory implementation.
//
// # Overview
//
// Each entity family gets a focused interface so components depend only on what they
// touch:
//
//   - SubscriptionStore: subscriptions and the cycle-boundary query
//   - InvoiceStore: invoices and invoice number sequences
//   - PaymentMethodStore: a subscriber's method hierarchy, replaced as a whole
//   - AttemptStore: the append-only attempt log
//   - IssueStore: payment issues and the due-retry query
//
// These compose into Store, which backends implement in full:
//
//	type Store interface {
//		SubscriptionStore
//		InvoiceStore
//		PaymentMethodStore
//		AttemptStore
//		IssueStore
//		HealthCheck(ctx context.Context) error
//	}
//
// # Snapshot semantics
//
// Every read returns a copy. Callers may mutate what they get back without affecting
// the stored record, and reads never block on a charge in progress. Writers hold the
// relevant lock from pkg/locks; the store itself only guarantees each call is atomic.
//
// # Backends
//
// MemoryStore keeps everything in maps guarded by one RWMutex. It is the default for
// tests and single-node demos:
//
//	store := storage.NewMemoryStore()
//
// sqlstore.Store persists to PostgreSQL (lib/pq) or SQLite (mattn/go-sqlite3):
//
//	cfg := storage.DefaultConfig()
//	cfg.Type = "postgres"
//	cfg.PostgresURL = "postgres://localhost/dunning?sslmode=disable"
//	store, err := sqlstore.Open(ctx, cfg)
//
// # Errors
//
// Lookups of missing records return an error matching billing.ErrNotFound. AppendAttempt
// returns ErrConflict when the attempt number is not exactly one past the last recorded
// number for the invoice.
package storage
