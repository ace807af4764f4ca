package chatcore

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a cached completion stays valid.
const DefaultCacheTTL = 24 * time.Hour

// ResponseCache is an in-memory TTL cache of completion text keyed by
// (user, model class, normalized user turns). A hit bypasses providers
// and quota accounting entirely. Expired entries are purged lazily on
// access, not by a background timer.
//
// Key derivation uses only the text of user-authored turns, lowercased
// with whitespace collapsed, so hits are insensitive to superficial
// formatting. Image attachments are excluded from the key; two requests
// with identical text but different images therefore collide. That
// matches the shipped behavior and is deliberately preserved.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry struct {
	text      string
	class     ModelClass
	createdAt time.Time
	expiresAt time.Time
}

// CacheStats describes the cache contents.
type CacheStats struct {
	Entries int
	ByClass map[ModelClass]int
}

// NewResponseCache creates a cache with the given default TTL.
// A non-positive TTL falls back to DefaultCacheTTL.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached completion for the request key, if present and
// unexpired.
func (c *ResponseCache) Get(userID string, class ModelClass, messages []Message) (string, bool) {
	key := cacheKey(userID, class, messages)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.After(c.now()) {
		delete(c.entries, key)
		return "", false
	}
	return e.text, true
}

// Put stores a completion under the request key with the default TTL,
// overwriting any existing entry.
func (c *ResponseCache) Put(userID string, class ModelClass, messages []Message, text string) {
	c.PutTTL(userID, class, messages, text, c.ttl)
}

// PutTTL stores a completion with an explicit TTL.
func (c *ResponseCache) PutTTL(userID string, class ModelClass, messages []Message, text string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := cacheKey(userID, class, messages)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = cacheEntry{
		text:      text,
		class:     class,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Len returns the number of live entries after sweeping expired ones.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()
	return len(c.entries)
}

// Clear drops all entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

// Stats returns entry counts, sweeping expired entries first.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweepLocked()

	stats := CacheStats{
		Entries: len(c.entries),
		ByClass: make(map[ModelClass]int),
	}
	for _, e := range c.entries {
		stats.ByClass[e.class]++
	}
	return stats
}

func (c *ResponseCache) sweepLocked() {
	now := c.now()
	for key, e := range c.entries {
		if !e.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
}

// cacheKey hashes (user, class, normalized user turns) into a short key.
func cacheKey(userID string, class ModelClass, messages []Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == RoleUser && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	normalized := normalizePrompt(strings.Join(parts, " "))

	sum := md5.Sum([]byte(userID + ":" + string(class) + ":" + normalized))
	return hex.EncodeToString(sum[:])
}

// normalizePrompt lowercases and collapses all whitespace runs.
func normalizePrompt(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
