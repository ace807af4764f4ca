package chatcore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Orchestrator composes the completion pipeline: response cache, user
// limiter, and the primary→fallback provider chain gated by circuit
// breakers and provider quotas.
type Orchestrator struct {
	cfg      Config
	primary  Provider
	fallback Provider
	research Provider
	breakers *BreakerSet
	quota    *QuotaTracker
	cache    *ResponseCache
	limiter  *UserLimiter
	meter    Meter
	logger   *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *Orchestrator) { o.meter = m }
}

// WithCache sets the response cache.
func WithCache(c *ResponseCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithQuotaTracker sets the provider quota tracker.
func WithQuotaTracker(t *QuotaTracker) Option {
	return func(o *Orchestrator) { o.quota = t }
}

// WithUserLimiter sets the per-user limiter.
func WithUserLimiter(l *UserLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithBreakerSet sets the circuit breaker set.
func WithBreakerSet(s *BreakerSet) Option {
	return func(o *Orchestrator) { o.breakers = s }
}

// WithResearchProvider sets the dedicated deep-research provider.
func WithResearchProvider(p Provider) Option {
	return func(o *Orchestrator) { o.research = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator. Either provider may be nil, but not both.
// Default components (breaker set from config, 24h cache, in-memory
// limiter, quota tracker with the standard limit tables) are used unless
// overridden via options.
func New(cfg Config, primary, fallback Provider, opts ...Option) (*Orchestrator, error) {
	if primary == nil && fallback == nil {
		return nil, fmt.Errorf("chatcore: at least one provider is required")
	}

	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(o)
	}

	// Apply defaults after options.
	if o.breakers == nil {
		o.breakers = NewBreakerSet(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout)
	}
	if o.cache == nil {
		o.cache = NewResponseCache(cfg.CacheTTL)
	}
	if o.limiter == nil {
		o.limiter = NewUserLimiter()
	}
	if o.quota == nil {
		trackerOpts := []TrackerOption{WithQuotaLogger(o.logger)}
		if primary != nil {
			trackerOpts = append(trackerOpts, WithQuotaLimits(primary.Name(), DefaultPrimaryLimits()))
		}
		if fallback != nil {
			trackerOpts = append(trackerOpts, WithQuotaLimits(fallback.Name(), UnlimitedLimits()))
		}
		o.quota = NewQuotaTracker(trackerOpts...)
	}
	if o.meter == nil {
		o.meter = noopMeter{}
	}

	return o, nil
}

// Completion performs a non-streaming chat completion by draining the
// stream.
func (o *Orchestrator) Completion(ctx context.Context, req Request) (string, error) {
	stream, err := o.CompletionStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	return Drain(stream)
}

// CompletionStream runs the request through the pipeline and returns a
// chunk stream. User-limit rejections surface as a *LimitError; provider
// failures after this call returns are reported in-band on the stream so
// the client always sees a terminating signal.
func (o *Orchestrator) CompletionStream(ctx context.Context, req Request) (Stream, error) {
	if req.Class == "" {
		req.Class = ClassPro
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty message list", ErrInvalidRequest)
	}

	corr := uuid.New().String()
	estimated := promptTokens(req.Messages)
	if estimated == 0 {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}

	// Cache check: a hit replays without touching limits, quotas, or
	// providers. Anonymous and special-mode traffic is never cached.
	if req.UserID != "" && req.SpecialMode == ModeNone {
		if text, ok := o.cache.Get(req.UserID, req.Class, req.Messages); ok {
			o.meter.OnRoute(RouteEvent{
				CorrelationID:   corr,
				UserID:          req.UserID,
				Class:           req.Class,
				CacheHit:        true,
				EstimatedTokens: estimated,
			})
			return newReplayStream(text, func(chars int) {
				o.meter.OnResult(ResultEvent{
					CorrelationID: corr,
					Class:         req.Class,
					CacheHit:      true,
					Success:       true,
					Chars:         chars,
				})
			}), nil
		}
	}

	// Per-user plan limits. Rejected users never reach a provider.
	if req.UserID != "" {
		if _, err := o.limiter.CheckAndConsume(ctx, req.UserID, req.Plan, req.Class, estimated); err != nil {
			o.logger.Info("user limit rejection",
				"correlation_id", corr, "user", req.UserID, "class", req.Class, "error", err)
			return nil, err
		}
	}

	provReq := ProviderRequest{
		Class:       req.Class,
		Messages:    withSystemPrompt(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.SpecialMode != ModeNone {
		return o.specialStream(ctx, corr, req, provReq, estimated), nil
	}

	stream, provider, usedFallback, err := o.openChain(ctx, corr, req, provReq, estimated)
	if err != nil {
		if IsFatal(err) {
			return nil, err
		}
		o.logger.Error("all providers failed",
			"correlation_id", corr, "class", req.Class, "error", err)
		o.meter.OnResult(ResultEvent{
			CorrelationID: corr,
			Class:         req.Class,
			Fallback:      usedFallback,
			Error:         err,
		})
		return newErrorStream(unavailableMessage), nil
	}

	return &completionStream{
		ctx:      ctx,
		o:        o,
		corr:     corr,
		req:      req,
		provReq:  provReq,
		inner:    stream,
		provider: provider,
		fallback: usedFallback,
		commit:   true,
		failover: !usedFallback,
		start:    time.Now(),
	}, nil
}

// Health returns per-upstream circuit breaker snapshots, the only
// consumer-facing read of breaker internals.
func (o *Orchestrator) Health() map[string]BreakerStatus {
	return o.breakers.Status()
}

// QuotaStatus reports provider quota state for every configured
// (provider, class) pair.
func (o *Orchestrator) QuotaStatus(ctx context.Context) []QuotaStatus {
	var out []QuotaStatus
	for _, p := range []Provider{o.primary, o.fallback} {
		if p == nil {
			continue
		}
		for _, class := range []ModelClass{ClassPro, ClassTurbo, ClassMini, ClassImage} {
			out = append(out, o.quota.Status(ctx, p.Name(), class))
		}
	}
	return out
}

// openChain tries the primary provider, then the fallback. The returned
// bool reports whether the fallback served the stream.
func (o *Orchestrator) openChain(ctx context.Context, corr string, req Request, provReq ProviderRequest, estimated int64) (Stream, Provider, bool, error) {
	stream, err := o.tryProvider(ctx, o.primary, provReq)
	if err == nil {
		o.meter.OnRoute(RouteEvent{
			CorrelationID:   corr,
			UserID:          req.UserID,
			Provider:        o.primary.Name(),
			Class:           req.Class,
			EstimatedTokens: estimated,
		})
		return stream, o.primary, false, nil
	}
	if IsFatal(err) {
		return nil, nil, false, err
	}
	o.logger.Warn("primary attempt failed, trying fallback",
		"correlation_id", corr, "class", req.Class, "error", err)

	stream, err = o.tryProvider(ctx, o.fallback, provReq)
	if err != nil {
		return nil, nil, true, fmt.Errorf("%w: %w", ErrAllProvidersFailed, err)
	}
	o.meter.OnRoute(RouteEvent{
		CorrelationID:   corr,
		UserID:          req.UserID,
		Provider:        o.fallback.Name(),
		Class:           req.Class,
		Fallback:        true,
		EstimatedTokens: estimated,
	})
	return stream, o.fallback, true, nil
}

// tryProvider gates one provider attempt behind adapter availability,
// the circuit breaker, and the provider quota, then opens the stream
// with transient-error retry. Attempt failures are recorded on the
// breaker; a 429 additionally marks the (provider, class) exhausted.
func (o *Orchestrator) tryProvider(ctx context.Context, p Provider, req ProviderRequest) (Stream, error) {
	if p == nil {
		return nil, ErrNotConfigured
	}
	if !p.Available(req.Class) {
		return nil, fmt.Errorf("%w: %s has no credentials for %s", ErrNotConfigured, p.Name(), req.Class)
	}

	breaker := o.breakers.Get(upstreamName(p.Name(), req.Class))
	if !breaker.CanAttempt() {
		return nil, fmt.Errorf("%w: circuit open for %s", ErrUpstreamUnavailable, upstreamName(p.Name(), req.Class))
	}

	if ok, reason := o.quota.CheckAvailable(ctx, p.Name(), req.Class); !ok {
		return nil, fmt.Errorf("%w: %s", ErrQuotaExhausted, reason)
	}

	stream, err := o.openWithRetry(ctx, p, req)
	if err != nil {
		o.recordFailure(ctx, p, req.Class, err)
		return nil, err
	}
	return stream, nil
}

// recordFailure updates the breaker for a failed attempt and marks the
// provider exhausted on quota errors. Timeouts stay breaker-only.
func (o *Orchestrator) recordFailure(ctx context.Context, p Provider, class ModelClass, err error) {
	o.breakers.Get(upstreamName(p.Name(), class)).RecordFailure()
	if IsQuotaExhausted(err) {
		o.quota.MarkExhausted(ctx, p.Name(), class, http.StatusTooManyRequests)
	}
}

func upstreamName(provider string, class ModelClass) string {
	return provider + "_" + string(class)
}

// specialStream serves the deepresearch/deepthinking paths: a single
// dedicated model on the fallback side, outside quota accounting and the
// cache, falling back to the normal chain when unconfigured.
func (o *Orchestrator) specialStream(ctx context.Context, corr string, req Request, provReq ProviderRequest, estimated int64) Stream {
	if req.SpecialMode == ModeDeepThinking {
		provReq.Temperature = Float64Ptr(0.9)
	}

	p := o.fallback
	if req.SpecialMode == ModeDeepResearch && o.research != nil && o.research.Available(req.Class) {
		p = o.research
	}

	stream, err := o.tryProvider(ctx, p, provReq)
	if err != nil {
		o.logger.Warn("special mode attempt failed",
			"correlation_id", corr, "mode", req.SpecialMode, "error", err)
		return newErrorStream(unavailableMessage)
	}

	o.meter.OnRoute(RouteEvent{
		CorrelationID:   corr,
		UserID:          req.UserID,
		Provider:        p.Name(),
		Class:           req.Class,
		EstimatedTokens: estimated,
	})

	return &completionStream{
		ctx:      ctx,
		o:        o,
		corr:     corr,
		req:      req,
		provReq:  provReq,
		inner:    stream,
		provider: p,
		start:    time.Now(),
	}
}

// withSystemPrompt prepends the model's system instruction, folding in
// any search context, unless the caller already supplied a system turn.
func withSystemPrompt(req Request) []Message {
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			return req.Messages
		}
	}

	prompt := systemPrompt(req.Class)
	if req.SearchContext != "" {
		prompt += "\n\nRelevant web search results:\n" + req.SearchContext
	}

	out := make([]Message, 0, len(req.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	return append(out, req.Messages...)
}

func systemPrompt(class ModelClass) string {
	switch class {
	case ClassMini:
		return "You are Orzion Mini, a fast and concise AI assistant. Keep answers short and direct."
	case ClassTurbo:
		return "You are Orzion Turbo, a balanced AI assistant. Be helpful, accurate, and reasonably concise."
	default:
		return "You are Orzion Pro, a thorough AI assistant. Reason carefully and give complete, well-structured answers."
	}
}
