// Package postgres provides a PostgreSQL-backed QuotaStore for chatcore.
//
// Daily records live in one table keyed by (provider, class, day).
// Increment uses INSERT ... ON CONFLICT DO UPDATE so concurrent
// orchestrator instances never lose counts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orzion/chatcore"
)

// Store is a PostgreSQL-backed QuotaStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ chatcore.QuotaStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "chatcore_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed QuotaStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "chatcore_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) quotaTable() string { return s.tablePrefix + "provider_quotas" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			provider TEXT NOT NULL,
			class TEXT NOT NULL,
			day TEXT NOT NULL,
			requests_used BIGINT NOT NULL DEFAULT 0,
			exhausted BOOLEAN NOT NULL DEFAULT false,
			last_error_at TIMESTAMPTZ,
			PRIMARY KEY (provider, class, day)
		);
	`, s.quotaTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("chatcore/postgres: ensure schema: %w", err)
	}
	return nil
}

// Get returns the record for the given day.
func (s *Store) Get(ctx context.Context, provider string, class chatcore.ModelClass, day string) (chatcore.QuotaRecord, bool, error) {
	rec := chatcore.QuotaRecord{
		Provider: provider,
		Class:    class,
		Day:      day,
	}

	var lastErrorAt *time.Time
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT requests_used, exhausted, last_error_at FROM %s
			WHERE provider = $1 AND class = $2 AND day = $3`, s.quotaTable()),
		provider, string(class), day,
	).Scan(&rec.RequestsUsed, &rec.Exhausted, &lastErrorAt)
	if err == pgx.ErrNoRows {
		return chatcore.QuotaRecord{}, false, nil
	}
	if err != nil {
		return chatcore.QuotaRecord{}, false, fmt.Errorf("chatcore/postgres: get: %w", err)
	}

	if lastErrorAt != nil {
		t := lastErrorAt.UTC()
		rec.LastErrorAt = &t
	}
	return rec, true, nil
}

// Increment atomically increments the day's request counter.
func (s *Store) Increment(ctx context.Context, provider string, class chatcore.ModelClass, day string) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (provider, class, day, requests_used) VALUES ($1, $2, $3, 1)
			ON CONFLICT (provider, class, day) DO UPDATE SET requests_used = %s.requests_used + 1
			RETURNING requests_used`, s.quotaTable(), s.quotaTable()),
		provider, string(class), day,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("chatcore/postgres: increment: %w", err)
	}
	return used, nil
}

// SetExhausted marks the day's record exhausted.
func (s *Store) SetExhausted(ctx context.Context, provider string, class chatcore.ModelClass, day string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (provider, class, day, exhausted, last_error_at) VALUES ($1, $2, $3, true, $4)
			ON CONFLICT (provider, class, day) DO UPDATE SET exhausted = true, last_error_at = $4`, s.quotaTable()),
		provider, string(class), day, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("chatcore/postgres: set exhausted: %w", err)
	}
	return nil
}
