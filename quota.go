package chatcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QuotaStore persists daily provider quota records. Implementations must
// make Increment atomic (increment-or-create in one step) so concurrent
// requests cannot lose updates; see quota/redis and quota/postgres.
type QuotaStore interface {
	// Get returns the record for the given day, reporting whether one
	// exists.
	Get(ctx context.Context, provider string, class ModelClass, day string) (QuotaRecord, bool, error)

	// Increment atomically increments (or creates) the day's request
	// counter and returns the new value.
	Increment(ctx context.Context, provider string, class ModelClass, day string) (int64, error)

	// SetExhausted marks the day's record exhausted, stamping the error
	// time.
	SetExhausted(ctx context.Context, provider string, class ModelClass, day string, at time.Time) error
}

// DefaultPrimaryLimits is the quota table for the primary provider.
func DefaultPrimaryLimits() map[ModelClass]QuotaLimit {
	return map[ModelClass]QuotaLimit{
		ClassPro:   {Daily: 200, RPM: 5},
		ClassTurbo: {Daily: 1000, RPM: 15},
		ClassMini:  {Daily: 1500, RPM: 15},
		ClassImage: {Daily: 50, RPM: 5},
	}
}

// UnlimitedLimits marks every class unlimited, used for the fallback
// provider whose spend is bounded only by its own billing.
func UnlimitedLimits() map[ModelClass]QuotaLimit {
	return map[ModelClass]QuotaLimit{
		ClassPro:   {Daily: -1, RPM: -1},
		ClassTurbo: {Daily: -1, RPM: -1},
		ClassMini:  {Daily: -1, RPM: -1},
		ClassImage: {Daily: -1, RPM: -1},
	}
}

// rpmWindow is a fixed 60-second request window. Process-local and lost
// on restart; RPM protection is best-effort.
type rpmWindow struct {
	start time.Time
	count int
}

// QuotaTracker enforces per-(provider, class) daily request quotas and
// requests-per-minute limits. Daily counters live in the QuotaStore;
// on any storage error the tracker falls back to process-local records
// instead of failing the request, so quota bookkeeping can never become
// a hard outage cause. RPM windows are always process-local.
type QuotaTracker struct {
	mu       sync.Mutex
	limits   map[string]map[ModelClass]QuotaLimit
	store    QuotaStore
	fallback map[string]*QuotaRecord
	rpm      map[string]*rpmWindow
	logger   *slog.Logger
	now      func() time.Time
}

// TrackerOption configures a QuotaTracker.
type TrackerOption func(*QuotaTracker)

// WithQuotaStore sets the durable store. Without one the tracker runs on
// process-local records only.
func WithQuotaStore(s QuotaStore) TrackerOption {
	return func(t *QuotaTracker) { t.store = s }
}

// WithQuotaLimits sets the limit table for a provider.
func WithQuotaLimits(provider string, limits map[ModelClass]QuotaLimit) TrackerOption {
	return func(t *QuotaTracker) { t.limits[provider] = limits }
}

// WithQuotaLogger sets the logger used for degradation warnings.
func WithQuotaLogger(l *slog.Logger) TrackerOption {
	return func(t *QuotaTracker) { t.logger = l }
}

// NewQuotaTracker creates a tracker. Providers without a configured
// limit table are treated as unlimited.
func NewQuotaTracker(opts ...TrackerOption) *QuotaTracker {
	t := &QuotaTracker{
		limits:   make(map[string]map[ModelClass]QuotaLimit),
		fallback: make(map[string]*QuotaRecord),
		rpm:      make(map[string]*rpmWindow),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func quotaKey(provider string, class ModelClass) string {
	return provider + "_" + string(class)
}

func (t *QuotaTracker) limit(provider string, class ModelClass) QuotaLimit {
	if classes, ok := t.limits[provider]; ok {
		if l, ok := classes[class]; ok {
			return l
		}
	}
	return QuotaLimit{Daily: -1, RPM: -1}
}

// CheckAvailable reports whether the (provider, class) pair may serve a
// request right now, with a reason when it may not. It fails closed on
// quota state: a sticky exhausted flag, a spent daily counter, or a full
// RPM window all deny the request.
func (t *QuotaTracker) CheckAvailable(ctx context.Context, provider string, class ModelClass) (bool, string) {
	limit := t.limit(provider, class)
	rec := t.record(ctx, provider, class)

	if rec.Exhausted {
		return false, fmt.Sprintf("%s marked exhausted for %s", provider, class)
	}

	if limit.Daily > 0 && rec.RequestsUsed >= limit.Daily {
		// Spent counter implies exhaustion for the rest of the day.
		t.setExhausted(ctx, provider, class, 0)
		return false, fmt.Sprintf("%s daily quota exceeded (%d/%d)", provider, rec.RequestsUsed, limit.Daily)
	}

	if limit.RPM > 0 {
		t.mu.Lock()
		w := t.window(provider, class)
		over := w.count >= limit.RPM
		t.mu.Unlock()
		if over {
			return false, fmt.Sprintf("%s RPM limit reached (%d/min)", provider, limit.RPM)
		}
	}

	return true, ""
}

// IncrementUsage records one served request: the durable daily counter
// and the current RPM window both advance.
func (t *QuotaTracker) IncrementUsage(ctx context.Context, provider string, class ModelClass) {
	day := utcDay(t.now())

	used, err := t.incrementStore(ctx, provider, class, day)
	if err != nil {
		used = t.incrementFallback(provider, class, day)
		t.logger.Warn("quota store unavailable, counting in memory",
			"provider", provider, "class", class, "error", err)
	}

	t.mu.Lock()
	t.window(provider, class).count++
	t.mu.Unlock()

	t.logger.Debug("provider usage",
		"provider", provider, "class", class, "requests_used", used)
}

// MarkExhausted forces the (provider, class) pair exhausted until the
// UTC date changes, typically after an upstream 429. errorCode carries
// the upstream HTTP status for the log.
func (t *QuotaTracker) MarkExhausted(ctx context.Context, provider string, class ModelClass, errorCode int) {
	t.setExhausted(ctx, provider, class, errorCode)
	t.logger.Warn("provider marked exhausted",
		"provider", provider, "class", class, "error_code", errorCode)
}

// Status returns the observable quota state for monitoring.
func (t *QuotaTracker) Status(ctx context.Context, provider string, class ModelClass) QuotaStatus {
	limit := t.limit(provider, class)
	rec := t.record(ctx, provider, class)

	return QuotaStatus{
		Provider:     provider,
		Class:        class,
		RequestsUsed: rec.RequestsUsed,
		DailyLimit:   limit.Daily,
		RPMLimit:     limit.RPM,
		Exhausted:    rec.Exhausted,
		LastErrorAt:  rec.LastErrorAt,
	}
}

// record loads today's quota record, store first, process-local fallback
// on any storage error.
func (t *QuotaTracker) record(ctx context.Context, provider string, class ModelClass) QuotaRecord {
	day := utcDay(t.now())

	if t.store != nil {
		rec, ok, err := t.store.Get(ctx, provider, class, day)
		if err == nil {
			if !ok {
				return QuotaRecord{Provider: provider, Class: class, Day: day}
			}
			return rec
		}
		t.logger.Warn("quota store unavailable, reading from memory",
			"provider", provider, "class", class, "error", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.fallbackRecord(provider, class, day)
}

func (t *QuotaTracker) incrementStore(ctx context.Context, provider string, class ModelClass, day string) (int64, error) {
	if t.store == nil {
		return 0, fmt.Errorf("chatcore: no quota store configured")
	}
	return t.store.Increment(ctx, provider, class, day)
}

func (t *QuotaTracker) incrementFallback(provider string, class ModelClass, day string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.fallbackRecord(provider, class, day)
	rec.RequestsUsed++
	return rec.RequestsUsed
}

func (t *QuotaTracker) setExhausted(ctx context.Context, provider string, class ModelClass, errorCode int) {
	now := t.now().UTC()
	day := utcDay(now)

	if t.store != nil {
		err := t.store.SetExhausted(ctx, provider, class, day, now)
		if err == nil {
			return
		}
		t.logger.Warn("quota store unavailable, marking exhausted in memory",
			"provider", provider, "class", class, "error_code", errorCode, "error", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.fallbackRecord(provider, class, day)
	rec.Exhausted = true
	rec.LastErrorAt = &now
}

// fallbackRecord returns the process-local record for the given day,
// replacing stale records when the date has rolled over. Must be called
// with t.mu held.
func (t *QuotaTracker) fallbackRecord(provider string, class ModelClass, day string) *QuotaRecord {
	key := quotaKey(provider, class)
	rec, ok := t.fallback[key]
	if !ok || rec.Day != day {
		rec = &QuotaRecord{Provider: provider, Class: class, Day: day}
		t.fallback[key] = rec
	}
	return rec
}

// window returns the current RPM window, starting a fresh one when the
// previous window is 60s old. Must be called with t.mu held.
func (t *QuotaTracker) window(provider string, class ModelClass) *rpmWindow {
	key := quotaKey(provider, class)
	now := t.now()

	w, ok := t.rpm[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		w = &rpmWindow{start: now}
		t.rpm[key] = w
	}
	return w
}
