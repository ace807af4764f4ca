package chatcore

import (
	"context"
	"time"
)

// openWithRetry opens a provider stream, retrying transient failures
// (timeouts, 5xx, connection errors) with exponential backoff up to the
// configured attempt cap. Quota, auth, and validation errors are never
// retried here: quota errors belong to the fallback path and the rest
// would fail identically.
func (o *Orchestrator) openWithRetry(ctx context.Context, p Provider, req ProviderRequest) (Stream, error) {
	delay := o.cfg.Retry.BaseDelay
	var lastErr error

	for attempt := 0; attempt < o.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > o.cfg.Retry.MaxDelay {
				delay = o.cfg.Retry.MaxDelay
			}
		}

		stream, err := p.StreamCompletion(ctx, req)
		if err == nil {
			return stream, nil
		}
		if !IsTransient(err) {
			return nil, &ProviderError{Err: err, Provider: p.Name(), Class: req.Class, Attempts: attempt + 1}
		}

		lastErr = err
		o.logger.Warn("transient upstream error, retrying",
			"provider", p.Name(), "class", req.Class,
			"attempt", attempt+1, "max_attempts", o.cfg.Retry.MaxAttempts, "error", err)
	}

	return nil, &ProviderError{Err: lastErr, Provider: p.Name(), Class: req.Class, Attempts: o.cfg.Retry.MaxAttempts}
}
