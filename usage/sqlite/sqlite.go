// Package sqlite provides a SQLite-backed UsageStore for chatcore.
//
// Suited to single-instance deployments that need usage counters to
// survive restarts without running a database server. Consume relies on
// a guarded UPDATE inside a transaction, so the limit check and the
// increment are one atomic step.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/orzion/chatcore"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_usage (
	user_id TEXT NOT NULL,
	class TEXT NOT NULL,
	day TEXT NOT NULL,
	messages_used INTEGER NOT NULL DEFAULT 0,
	tokens_used INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, class, day)
);

CREATE TABLE IF NOT EXISTS user_bonuses (
	user_id TEXT NOT NULL,
	class TEXT NOT NULL,
	bonus_messages INTEGER NOT NULL DEFAULT 0,
	bonus_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, class)
);

CREATE INDEX IF NOT EXISTS idx_user_usage_day ON user_usage(day);
`

// Store is a SQLite-backed UsageStore.
type Store struct {
	conn *sql.DB
}

var _ chatcore.UsageStore = (*Store)(nil)

// Open creates (or opens) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("chatcore/sqlite: create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("chatcore/sqlite: open database: %w", err)
	}

	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent Consume calls.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chatcore/sqlite: apply schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Usage returns the user's counters for the given day.
func (s *Store) Usage(ctx context.Context, userID string, class chatcore.ModelClass, day string) (chatcore.UserUsage, error) {
	var u chatcore.UserUsage
	err := s.conn.QueryRowContext(ctx,
		`SELECT messages_used, tokens_used FROM user_usage WHERE user_id = ? AND class = ? AND day = ?`,
		userID, string(class), day,
	).Scan(&u.MessagesUsed, &u.TokensUsed)
	if err == sql.ErrNoRows {
		return chatcore.UserUsage{}, nil
	}
	if err != nil {
		return chatcore.UserUsage{}, fmt.Errorf("chatcore/sqlite: usage: %w", err)
	}
	return u, nil
}

// Consume atomically charges one message and tokens against the day's
// counters if both limits permit.
func (s *Store) Consume(ctx context.Context, userID string, class chatcore.ModelClass, day string, tokens, messagesLimit, tokensLimit int64) (chatcore.UserUsage, bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return chatcore.UserUsage{}, false, fmt.Errorf("chatcore/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_usage (user_id, class, day) VALUES (?, ?, ?)`,
		userID, string(class), day,
	); err != nil {
		return chatcore.UserUsage{}, false, fmt.Errorf("chatcore/sqlite: consume insert: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE user_usage SET messages_used = messages_used + 1, tokens_used = tokens_used + ?
			WHERE user_id = ? AND class = ? AND day = ?
			AND (? = -1 OR messages_used < ?)
			AND (? = -1 OR tokens_used + ? <= ?)`,
		tokens, userID, string(class), day,
		messagesLimit, messagesLimit,
		tokensLimit, tokens, tokensLimit,
	)
	if err != nil {
		return chatcore.UserUsage{}, false, fmt.Errorf("chatcore/sqlite: consume update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return chatcore.UserUsage{}, false, fmt.Errorf("chatcore/sqlite: consume rows affected: %w", err)
	}

	var u chatcore.UserUsage
	err = tx.QueryRowContext(ctx,
		`SELECT messages_used, tokens_used FROM user_usage WHERE user_id = ? AND class = ? AND day = ?`,
		userID, string(class), day,
	).Scan(&u.MessagesUsed, &u.TokensUsed)
	if err != nil {
		return chatcore.UserUsage{}, false, fmt.Errorf("chatcore/sqlite: consume read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chatcore.UserUsage{}, false, fmt.Errorf("chatcore/sqlite: commit: %w", err)
	}

	return u, affected > 0, nil
}

// Bonus returns the user's additive limit bonus for the class.
func (s *Store) Bonus(ctx context.Context, userID string, class chatcore.ModelClass) (chatcore.UserBonus, error) {
	var b chatcore.UserBonus
	err := s.conn.QueryRowContext(ctx,
		`SELECT bonus_messages, bonus_tokens FROM user_bonuses WHERE user_id = ? AND class = ?`,
		userID, string(class),
	).Scan(&b.MessagesDaily, &b.TokensDaily)
	if err == sql.ErrNoRows {
		return chatcore.UserBonus{}, nil
	}
	if err != nil {
		return chatcore.UserBonus{}, fmt.Errorf("chatcore/sqlite: bonus: %w", err)
	}
	return b, nil
}

// AddBonus grants an additional bonus.
func (s *Store) AddBonus(ctx context.Context, userID string, class chatcore.ModelClass, messages, tokens int64) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO user_bonuses (user_id, class, bonus_messages, bonus_tokens) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, class) DO UPDATE SET
			bonus_messages = bonus_messages + excluded.bonus_messages,
			bonus_tokens = bonus_tokens + excluded.bonus_tokens`,
		userID, string(class), messages, tokens,
	)
	if err != nil {
		return fmt.Errorf("chatcore/sqlite: add bonus: %w", err)
	}
	return nil
}

// DeleteBefore removes usage records older than the given day.
func (s *Store) DeleteBefore(ctx context.Context, day string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM user_usage WHERE day < ?`, day)
	if err != nil {
		return fmt.Errorf("chatcore/sqlite: delete before: %w", err)
	}
	return nil
}
