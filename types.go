// Package chatcore implements the LLM orchestration core of the Orzion
// chat backend: provider selection with automatic fallback, per-provider
// quota tracking, per-user plan limits, response caching, and circuit
// breaking around upstream APIs.
package chatcore

import "time"

// ModelClass is a user-facing model tier. Each class is quota-tracked
// independently on both the provider and the user side.
type ModelClass string

const (
	ClassPro   ModelClass = "pro"
	ClassTurbo ModelClass = "turbo"
	ClassMini  ModelClass = "mini"
	ClassImage ModelClass = "image"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SpecialMode selects a dedicated completion path outside the normal
// primary/fallback chain.
type SpecialMode string

const (
	ModeNone         SpecialMode = ""
	ModeDeepResearch SpecialMode = "deepresearch"
	ModeDeepThinking SpecialMode = "deepthinking"
)

// Message is a single chat turn in the orchestrator's normalized format.
// Images carries attachment URLs for multimodal turns; adapters translate
// them to the upstream wire format.
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// Request is an inbound chat completion request. An empty UserID marks
// anonymous traffic, which bypasses the user limiter and the cache.
type Request struct {
	UserID        string
	Plan          string // resolved via the plan resolver when empty
	Class         ModelClass
	Messages      []Message
	Temperature   *float64
	MaxTokens     *int
	SearchContext string
	SpecialMode   SpecialMode
}

// UserUsage is a snapshot of a user's daily counters for one model class.
type UserUsage struct {
	MessagesUsed int64
	TokensUsed   int64
}

// UserBonus is the additive per-user limit bonus granted by promotions.
type UserBonus struct {
	MessagesDaily int64
	TokensDaily   int64
}

// PlanLimits are the effective daily limits for one (plan, class) pair.
// A value of -1 means unlimited on that axis.
type PlanLimits struct {
	MessagesDaily    int64
	TokensPerMessage int64
	TokensDaily      int64
}

// QuotaRecord is the persisted daily quota state for a (provider, class)
// pair. RequestsUsed only increases within a day; a fresh record replaces
// it when the UTC date rolls over. Exhausted is sticky for the rest of
// the day regardless of the circuit breaker's state.
type QuotaRecord struct {
	Provider     string
	Class        ModelClass
	Day          string // UTC date, YYYY-MM-DD
	RequestsUsed int64
	Exhausted    bool
	LastErrorAt  *time.Time
}

// QuotaLimit bounds a (provider, class) pair. -1 means unlimited.
type QuotaLimit struct {
	Daily int64
	RPM   int
}

// QuotaStatus is the observable quota state for a (provider, class) pair.
type QuotaStatus struct {
	Provider     string
	Class        ModelClass
	RequestsUsed int64
	DailyLimit   int64
	RPMLimit     int
	Exhausted    bool
	LastErrorAt  *time.Time
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }

// utcDay formats t's UTC calendar date the way quota and usage records
// are partitioned.
func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// nextMidnightUTC returns the start of the next UTC day.
func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
