// Package meter provides Meter implementations for chatcore.
package meter

import (
	"log/slog"

	"github.com/orzion/chatcore"
)

// LogMeter logs orchestration events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ chatcore.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnRoute(e chatcore.RouteEvent) {
	m.Logger.Info("route",
		"correlation_id", e.CorrelationID,
		"user", e.UserID,
		"provider", e.Provider,
		"class", e.Class,
		"cache_hit", e.CacheHit,
		"fallback", e.Fallback,
		"estimated_tokens", e.EstimatedTokens,
	)
}

func (m *LogMeter) OnResult(e chatcore.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			"correlation_id", e.CorrelationID,
			"provider", e.Provider,
			"class", e.Class,
			"cache_hit", e.CacheHit,
			"fallback", e.Fallback,
			"duration_ms", e.Duration.Milliseconds(),
			"chars", e.Chars,
		)
	} else {
		m.Logger.Warn("result_error",
			"correlation_id", e.CorrelationID,
			"provider", e.Provider,
			"class", e.Class,
			"fallback", e.Fallback,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}
