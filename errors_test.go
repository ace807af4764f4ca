package chatcore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsQuotaExhausted(ErrRateLimited))
	assert.True(t, IsQuotaExhausted(ErrQuotaExhausted))
	assert.False(t, IsQuotaExhausted(ErrUpstreamUnavailable))

	assert.True(t, IsTransient(ErrUpstreamUnavailable))
	assert.False(t, IsTransient(ErrRateLimited))

	assert.True(t, IsFatal(ErrInvalidRequest))
	assert.False(t, IsFatal(ErrUpstreamUnavailable))
}

func TestClassifiersSeeThroughWrapping(t *testing.T) {
	wrapped := &ProviderError{
		Err:      fmt.Errorf("open stream: %w", ErrRateLimited),
		Provider: "googleai",
		Class:    ClassPro,
		Attempts: 2,
	}

	assert.True(t, IsQuotaExhausted(wrapped))
	assert.Contains(t, wrapped.Error(), "googleai")
	assert.Contains(t, wrapped.Error(), "attempts=2")
}

func TestLimitErrorMessage(t *testing.T) {
	err := &LimitError{
		Type:    LimitMessages,
		Class:   ClassPro,
		Limit:   50,
		Used:    50,
		Message: "Daily limit of 50 messages reached for pro.",
	}
	assert.Contains(t, err.Error(), "Daily limit of 50 messages")
}
