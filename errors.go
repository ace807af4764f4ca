package chatcore

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrRateLimited         = errors.New("chatcore: rate limited by provider")
	ErrQuotaExhausted      = errors.New("chatcore: provider quota exhausted")
	ErrNotConfigured       = errors.New("chatcore: provider not configured")
	ErrUpstreamUnavailable = errors.New("chatcore: upstream unavailable")
	ErrAuthFailed          = errors.New("chatcore: authentication failed")
	ErrInvalidRequest      = errors.New("chatcore: invalid request")
	ErrAllProvidersFailed  = errors.New("chatcore: all providers failed")
)

// IsQuotaExhausted reports whether err means the provider's quota is
// spent (an explicit 429 or a local counter over its daily limit). Such
// errors are never retried against the same provider and mark it
// exhausted for the rest of the UTC day.
func IsQuotaExhausted(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExhausted)
}

// IsTransient reports whether err is worth retrying with backoff within
// the same provider attempt (timeouts, 5xx, connection failures).
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsFatal reports whether err should abort the whole attempt chain
// rather than falling through to the next provider.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// ProviderError wraps an upstream error with attempt context.
type ProviderError struct {
	Err      error
	Provider string
	Class    ModelClass
	Attempts int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("chatcore: provider=%s class=%s attempts=%d: %v",
		e.Provider, e.Class, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Limit rejection kinds carried by LimitError.Type.
const (
	LimitMessages    = "messages_limit"
	LimitTokens      = "tokens_limit"
	LimitMessageSize = "message_size"
)

// LimitError is a structured user-limit rejection. It carries the
// machine-readable payload the calling UI renders (limit, used, time
// until the UTC-midnight reset) alongside a stable human message.
type LimitError struct {
	Type      string     `json:"type"`
	Class     ModelClass `json:"model"`
	Limit     int64      `json:"limit"`
	Used      int64      `json:"used"`
	ResetTime string     `json:"reset_time,omitempty"`
	Message   string     `json:"message"`
}

func (e *LimitError) Error() string {
	return "chatcore: " + e.Message
}
