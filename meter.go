package chatcore

import "time"

// Meter observes orchestration events for monitoring/logging.
type Meter interface {
	// OnRoute is called when a routing decision is made.
	OnRoute(event RouteEvent)

	// OnResult is called when a completion attempt finishes.
	OnResult(event ResultEvent)
}

// RouteEvent describes a routing decision.
type RouteEvent struct {
	CorrelationID   string
	UserID          string
	Provider        string // empty on cache hits
	Class           ModelClass
	CacheHit        bool
	Fallback        bool
	EstimatedTokens int64
}

// ResultEvent describes the outcome of a completion attempt.
type ResultEvent struct {
	CorrelationID string
	Provider      string
	Class         ModelClass
	CacheHit      bool
	Fallback      bool
	Success       bool
	Duration      time.Duration
	Chars         int
	Error         error
}

// noopMeter is the default meter.
type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)   {}
func (noopMeter) OnResult(ResultEvent) {}
