// Package redis provides a Redis-backed QuotaStore for chatcore.
//
// Each (provider, class, day) record is a Redis hash. HINCRBY keeps the
// counter atomic across instances, and keys expire two days after
// creation since day-scoped records are never read again.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/orzion/chatcore"
)

const recordTTL = 48 * time.Hour

// Store is a Redis-backed QuotaStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ chatcore.QuotaStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "chatcore:quota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed QuotaStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "chatcore:quota:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(provider string, class chatcore.ModelClass, day string) string {
	return s.keyPrefix + provider + ":" + string(class) + ":" + day
}

// Get returns the record for the given day.
func (s *Store) Get(ctx context.Context, provider string, class chatcore.ModelClass, day string) (chatcore.QuotaRecord, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.key(provider, class, day)).Result()
	if err != nil {
		return chatcore.QuotaRecord{}, false, fmt.Errorf("chatcore/redis: get: %w", err)
	}
	if len(vals) == 0 {
		return chatcore.QuotaRecord{}, false, nil
	}

	rec := chatcore.QuotaRecord{
		Provider: provider,
		Class:    class,
		Day:      day,
	}
	rec.RequestsUsed, _ = strconv.ParseInt(vals["requests_used"], 10, 64)
	rec.Exhausted = vals["exhausted"] == "1"
	if raw := vals["last_error_at"]; raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.Unix(unix, 0).UTC()
			rec.LastErrorAt = &t
		}
	}
	return rec, true, nil
}

// Increment atomically increments the day's request counter.
func (s *Store) Increment(ctx context.Context, provider string, class chatcore.ModelClass, day string) (int64, error) {
	key := s.key(provider, class, day)

	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "requests_used", 1)
	pipe.ExpireNX(ctx, key, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("chatcore/redis: increment: %w", err)
	}

	return incr.Val(), nil
}

// SetExhausted marks the day's record exhausted.
func (s *Store) SetExhausted(ctx context.Context, provider string, class chatcore.ModelClass, day string, at time.Time) error {
	key := s.key(provider, class, day)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "exhausted", "1", "last_error_at", at.UTC().Unix())
	pipe.ExpireNX(ctx, key, recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chatcore/redis: set exhausted: %w", err)
	}
	return nil
}
