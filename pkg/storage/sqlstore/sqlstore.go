// Package sqlstore implements storage.Store on database/sql for PostgreSQL and SQLite.
//
// Each entity is stored as a JSON document next to the few columns queries filter or
// order on. Timestamps used in WHERE clauses are kept as Unix nanoseconds so the same
// SQL runs unchanged on both engines.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/dunning/pkg/billing"
	"github.com/platinummonkey/dunning/pkg/storage"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Store persists the engine's entities in a SQL database
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ storage.Store = (*Store)(nil)

// Open connects to the backend named by cfg.Type and prepares the schema.
func Open(ctx context.Context, cfg storage.Config) (*Store, error) {
	var (
		db      *sql.DB
		err     error
		dialect Dialect
	)

	switch cfg.Type {
	case "postgres":
		dialect = Postgres
		db, err = sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.PostgresMaxConns)
		db.SetMaxIdleConns(cfg.PostgresMinConns)
		db.SetConnMaxLifetime(1 * time.Hour)
		db.SetConnMaxIdleTime(10 * time.Minute)
	case "sqlite":
		dialect = SQLite
		db, err = sql.Open("sqlite3", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unsupported sql storage type %q", cfg.Type)
	}

	timeout := cfg.PostgresTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}

	store, err := New(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		state TEXT NOT NULL,
		period_end_ns BIGINT NOT NULL,
		created_at_ns BIGINT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_subscriber ON subscriptions(subscriber_id)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_period_end ON subscriptions(period_end_ns)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		state TEXT NOT NULL,
		issue_date_ns BIGINT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_subscriber ON invoices(subscriber_id)`,
	`CREATE TABLE IF NOT EXISTS invoice_subscriptions (
		invoice_id TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		PRIMARY KEY (invoice_id, subscription_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoice_subscriptions_sub ON invoice_subscriptions(subscription_id)`,
	`CREATE TABLE IF NOT EXISTS invoice_sequences (
		year INTEGER PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS payment_methods (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		method_rank INTEGER NOT NULL,
		added_at_ns BIGINT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_methods_subscriber ON payment_methods(subscriber_id)`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		invoice_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (invoice_id, number)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_issues (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		state TEXT NOT NULL,
		is_open INTEGER NOT NULL,
		unresolved INTEGER NOT NULL,
		next_retry_ns BIGINT,
		opened_at_ns BIGINT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_issues_invoice ON payment_issues(invoice_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_issues_due ON payment_issues(is_open, next_retry_ns)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(data), nil
}

// scanDocs decodes the single data column of every row into fresh T values.
func scanDocs[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func getDoc[T any](ctx context.Context, s *Store, query, kind, id string) (*T, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, billing.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, id, err)
	}
	v := new(T)
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return v, nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
