package chatcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// usageRetention is how long daily usage records are kept before GC.
const usageRetention = 30 * 24 * time.Hour

// UsageStore persists per-user daily usage counters and limit bonuses.
// Consume must be atomic: the limit check and the increment happen as one
// indivisible step so concurrent requests can neither double-spend nor
// lose updates.
type UsageStore interface {
	// Usage returns the user's counters for the given day. Missing
	// records read as zero.
	Usage(ctx context.Context, userID string, class ModelClass, day string) (UserUsage, error)

	// Consume atomically charges one message and the given tokens against
	// the day's counters if both limits permit (-1 means unlimited). It
	// returns the resulting snapshot and whether the charge was applied;
	// a denied charge returns the unchanged counters.
	Consume(ctx context.Context, userID string, class ModelClass, day string, tokens, messagesLimit, tokensLimit int64) (UserUsage, bool, error)

	// Bonus returns the user's additive limit bonus for the class.
	Bonus(ctx context.Context, userID string, class ModelClass) (UserBonus, error)

	// AddBonus grants an additional bonus (promotions, referrals).
	AddBonus(ctx context.Context, userID string, class ModelClass, messages, tokens int64) error

	// DeleteBefore removes usage records older than the given day.
	DeleteBefore(ctx context.Context, day string) error
}

// PlanResolver resolves a user's active plan name, typically backed by
// the external subscription service.
type PlanResolver interface {
	ActivePlan(ctx context.Context, userID string) (string, error)
}

// DefaultPlanLimits is the static base limit table by (plan, class).
func DefaultPlanLimits() map[string]map[ModelClass]PlanLimits {
	return map[string]map[ModelClass]PlanLimits{
		"Free": {
			ClassMini:  {MessagesDaily: 200, TokensPerMessage: 6000, TokensDaily: 30000},
			ClassTurbo: {MessagesDaily: 100, TokensPerMessage: 3000, TokensDaily: 20000},
			ClassPro:   {MessagesDaily: 50, TokensPerMessage: 2000, TokensDaily: 10000},
		},
		"Pro": {
			ClassMini:  {MessagesDaily: 500, TokensPerMessage: 10000, TokensDaily: 50000},
			ClassTurbo: {MessagesDaily: 300, TokensPerMessage: 6000, TokensDaily: 25000},
			ClassPro:   {MessagesDaily: 150, TokensPerMessage: 5000, TokensDaily: 20000},
		},
		"Teams": {
			ClassMini:  {MessagesDaily: -1, TokensPerMessage: 50000, TokensDaily: 256000},
			ClassTurbo: {MessagesDaily: -1, TokensPerMessage: 30000, TokensDaily: 128000},
			ClassPro:   {MessagesDaily: 1000, TokensPerMessage: 40000, TokensDaily: 50000},
		},
	}
}

// UserLimiter enforces plan-based daily message and token quotas per
// user per model class. It is independent of provider-level quotas.
//
// On any storage error the limiter fails open: a brief window of
// under-enforcement during a storage blip beats denying all chat
// traffic.
type UserLimiter struct {
	store    UsageStore
	plans    map[string]map[ModelClass]PlanLimits
	resolver PlanResolver
	logger   *slog.Logger
	now      func() time.Time
}

// LimiterOption configures a UserLimiter.
type LimiterOption func(*UserLimiter)

// WithUsageStore sets the usage store. The default is process-local.
func WithUsageStore(s UsageStore) LimiterOption {
	return func(l *UserLimiter) { l.store = s }
}

// WithPlanResolver sets the subscription lookup used when a request
// carries no plan name.
func WithPlanResolver(r PlanResolver) LimiterOption {
	return func(l *UserLimiter) { l.resolver = r }
}

// WithPlans overrides the base limit table.
func WithPlans(plans map[string]map[ModelClass]PlanLimits) LimiterOption {
	return func(l *UserLimiter) { l.plans = plans }
}

// WithLimiterLogger sets the logger used for degradation warnings.
func WithLimiterLogger(log *slog.Logger) LimiterOption {
	return func(l *UserLimiter) { l.logger = log }
}

// NewUserLimiter creates a limiter with the default plan table and an
// in-memory usage store unless overridden.
func NewUserLimiter(opts ...LimiterOption) *UserLimiter {
	l := &UserLimiter{
		plans:  DefaultPlanLimits(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryUsageStore()
	}
	return l
}

// EffectiveLimits returns the user's limits for every class of their
// plan: static base plus any per-user bonus. An empty plan is resolved
// through the plan resolver; unknown plans read as "Free".
func (l *UserLimiter) EffectiveLimits(ctx context.Context, userID, plan string) map[ModelClass]PlanLimits {
	plan = l.resolvePlan(ctx, userID, plan)

	base := l.plans[plan]
	out := make(map[ModelClass]PlanLimits, len(base))

	for class, limits := range base {
		bonus, err := l.store.Bonus(ctx, userID, class)
		if err != nil {
			l.logger.Warn("usage store unavailable, skipping bonus",
				"user", userID, "class", class, "error", err)
			bonus = UserBonus{}
		}
		if limits.MessagesDaily != -1 {
			limits.MessagesDaily += bonus.MessagesDaily
		}
		limits.TokensDaily += bonus.TokensDaily
		out[class] = limits
	}
	return out
}

// CheckAndConsume verifies the user may send a message of the given
// estimated token size and, if so, charges it against today's counters.
// A returned *LimitError is the structured rejection; any other error
// path fails open and allows the request.
func (l *UserLimiter) CheckAndConsume(ctx context.Context, userID, plan string, class ModelClass, tokens int64) (UserUsage, error) {
	limits, ok := l.EffectiveLimits(ctx, userID, plan)[class]
	if !ok {
		// Class not covered by the plan table (e.g. image): not limited here.
		return UserUsage{}, nil
	}

	// Single-message cap: stateless, never touches the daily counters.
	if limits.TokensPerMessage != -1 && tokens > limits.TokensPerMessage {
		return UserUsage{}, &LimitError{
			Type:    LimitMessageSize,
			Class:   class,
			Limit:   limits.TokensPerMessage,
			Used:    tokens,
			Message: fmt.Sprintf("Message exceeds the %d token limit (message has %d tokens).", limits.TokensPerMessage, tokens),
		}
	}

	day := utcDay(l.now())
	usage, allowed, err := l.store.Consume(ctx, userID, class, day, tokens, limits.MessagesDaily, limits.TokensDaily)
	if err != nil {
		l.logger.Warn("usage store unavailable, allowing request",
			"user", userID, "class", class, "error", err)
		return UserUsage{}, nil
	}
	if allowed {
		return usage, nil
	}

	reset := l.timeUntilReset()
	if limits.MessagesDaily != -1 && usage.MessagesUsed >= limits.MessagesDaily {
		return usage, &LimitError{
			Type:      LimitMessages,
			Class:     class,
			Limit:     limits.MessagesDaily,
			Used:      usage.MessagesUsed,
			ResetTime: reset,
			Message:   fmt.Sprintf("Daily limit of %d messages reached for %s.", limits.MessagesDaily, class),
		}
	}
	return usage, &LimitError{
		Type:      LimitTokens,
		Class:     class,
		Limit:     limits.TokensDaily,
		Used:      usage.TokensUsed,
		ResetTime: reset,
		Message:   fmt.Sprintf("Daily limit of %d tokens reached for %s.", limits.TokensDaily, class),
	}
}

// ClassSummary is the usage report for one model class.
type ClassSummary struct {
	Limits            PlanLimits
	Usage             UserUsage
	RemainingMessages int64 // -1 when unlimited
	RemainingTokens   int64
}

// UsageSummary is the full per-user usage report.
type UsageSummary struct {
	Plan   string
	Models map[ModelClass]ClassSummary
}

// Summary reports current usage against effective limits for every
// class of the user's plan.
func (l *UserLimiter) Summary(ctx context.Context, userID, plan string) UsageSummary {
	plan = l.resolvePlan(ctx, userID, plan)
	limits := l.EffectiveLimits(ctx, userID, plan)
	day := utcDay(l.now())

	summary := UsageSummary{Plan: plan, Models: make(map[ModelClass]ClassSummary, len(limits))}
	for class, lim := range limits {
		usage, err := l.store.Usage(ctx, userID, class, day)
		if err != nil {
			l.logger.Warn("usage store unavailable for summary",
				"user", userID, "class", class, "error", err)
		}

		remainingMessages := int64(-1)
		if lim.MessagesDaily != -1 {
			remainingMessages = max64(0, lim.MessagesDaily-usage.MessagesUsed)
		}
		summary.Models[class] = ClassSummary{
			Limits:            lim,
			Usage:             usage,
			RemainingMessages: remainingMessages,
			RemainingTokens:   max64(0, lim.TokensDaily-usage.TokensUsed),
		}
	}
	return summary
}

// GrantBonus adds a permanent per-user limit bonus, e.g. for a completed
// referral.
func (l *UserLimiter) GrantBonus(ctx context.Context, userID string, class ModelClass, messages, tokens int64) error {
	return l.store.AddBonus(ctx, userID, class, messages, tokens)
}

// CleanupOld garbage-collects usage records past the retention window.
func (l *UserLimiter) CleanupOld(ctx context.Context) error {
	cutoff := utcDay(l.now().Add(-usageRetention))
	return l.store.DeleteBefore(ctx, cutoff)
}

func (l *UserLimiter) resolvePlan(ctx context.Context, userID, plan string) string {
	if plan == "" && l.resolver != nil {
		resolved, err := l.resolver.ActivePlan(ctx, userID)
		if err != nil {
			l.logger.Warn("plan lookup failed, assuming Free", "user", userID, "error", err)
		} else {
			plan = resolved
		}
	}
	if _, ok := l.plans[plan]; !ok {
		plan = "Free"
	}
	return plan
}

// timeUntilReset humanizes the time remaining until UTC midnight.
func (l *UserLimiter) timeUntilReset() string {
	now := l.now().UTC()
	delta := nextMidnightUTC(now).Sub(now)
	hours := int(delta.Hours())
	minutes := int(delta.Minutes()) % 60

	if hours > 0 {
		return fmt.Sprintf("%d hours %d minutes", hours, minutes)
	}
	return fmt.Sprintf("%d minutes", minutes)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
