package chatcore

import (
	"context"
	"sync"
)

// MemoryUsageStore is a process-local UsageStore. Suitable for tests and
// single-instance deployments; see usage/sqlite for a durable option.
type MemoryUsageStore struct {
	mu      sync.Mutex
	usage   map[string]*UserUsage // userID|class|day
	bonuses map[string]UserBonus  // userID|class
	days    map[string]string     // usage key -> day, for GC
}

var _ UsageStore = (*MemoryUsageStore)(nil)

// NewMemoryUsageStore creates an empty in-memory usage store.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		usage:   make(map[string]*UserUsage),
		bonuses: make(map[string]UserBonus),
		days:    make(map[string]string),
	}
}

func usageKey(userID string, class ModelClass, day string) string {
	return userID + "|" + string(class) + "|" + day
}

func bonusKey(userID string, class ModelClass) string {
	return userID + "|" + string(class)
}

// Usage returns the recorded counters, zero when absent.
func (s *MemoryUsageStore) Usage(_ context.Context, userID string, class ModelClass, day string) (UserUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.usage[usageKey(userID, class, day)]; ok {
		return *u, nil
	}
	return UserUsage{}, nil
}

// Consume checks and increments the day's counters in one step under the
// store lock.
func (s *MemoryUsageStore) Consume(_ context.Context, userID string, class ModelClass, day string, tokens, messagesLimit, tokensLimit int64) (UserUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(userID, class, day)
	u, ok := s.usage[key]
	if !ok {
		u = &UserUsage{}
		s.usage[key] = u
		s.days[key] = day
	}

	if messagesLimit != -1 && u.MessagesUsed >= messagesLimit {
		return *u, false, nil
	}
	if tokensLimit != -1 && u.TokensUsed+tokens > tokensLimit {
		return *u, false, nil
	}

	u.MessagesUsed++
	u.TokensUsed += tokens
	return *u, true, nil
}

// Bonus returns the user's granted bonus for the class.
func (s *MemoryUsageStore) Bonus(_ context.Context, userID string, class ModelClass) (UserBonus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bonuses[bonusKey(userID, class)], nil
}

// AddBonus accumulates a bonus grant.
func (s *MemoryUsageStore) AddBonus(_ context.Context, userID string, class ModelClass, messages, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bonusKey(userID, class)
	b := s.bonuses[key]
	b.MessagesDaily += messages
	b.TokensDaily += tokens
	s.bonuses[key] = b
	return nil
}

// DeleteBefore drops usage records with a day earlier than the cutoff.
func (s *MemoryUsageStore) DeleteBefore(_ context.Context, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, recDay := range s.days {
		if recDay < day {
			delete(s.usage, key)
			delete(s.days, key)
		}
	}
	return nil
}
