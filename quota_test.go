package chatcore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingQuotaStore simulates a quota store outage.
type failingQuotaStore struct{}

func (failingQuotaStore) Get(context.Context, string, ModelClass, string) (QuotaRecord, bool, error) {
	return QuotaRecord{}, false, fmt.Errorf("store down")
}

func (failingQuotaStore) Increment(context.Context, string, ModelClass, string) (int64, error) {
	return 0, fmt.Errorf("store down")
}

func (failingQuotaStore) SetExhausted(context.Context, string, ModelClass, string, time.Time) error {
	return fmt.Errorf("store down")
}

func TestQuotaDailyLimitDenies(t *testing.T) {
	tr := NewQuotaTracker(WithQuotaLimits("googleai", map[ModelClass]QuotaLimit{
		ClassPro: {Daily: 3, RPM: -1},
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := tr.CheckAvailable(ctx, "googleai", ClassPro)
		require.True(t, ok, "request %d should pass", i+1)
		tr.IncrementUsage(ctx, "googleai", ClassPro)
	}

	ok, reason := tr.CheckAvailable(ctx, "googleai", ClassPro)
	assert.False(t, ok)
	assert.Contains(t, reason, "daily quota exceeded")
}

func TestQuotaExhaustionIsSticky(t *testing.T) {
	tr := NewQuotaTracker(WithQuotaLimits("googleai", DefaultPrimaryLimits()))
	ctx := context.Background()

	tr.MarkExhausted(ctx, "googleai", ClassPro, 429)

	ok, reason := tr.CheckAvailable(ctx, "googleai", ClassPro)
	assert.False(t, ok)
	assert.Contains(t, reason, "exhausted")

	// Other classes are unaffected.
	ok, _ = tr.CheckAvailable(ctx, "googleai", ClassMini)
	assert.True(t, ok)

	status := tr.Status(ctx, "googleai", ClassPro)
	assert.True(t, status.Exhausted)
	assert.NotNil(t, status.LastErrorAt)
}

func TestQuotaDayRolloverResets(t *testing.T) {
	clock := time.Date(2026, 1, 15, 23, 0, 0, 0, time.UTC)
	tr := NewQuotaTracker(WithQuotaLimits("googleai", map[ModelClass]QuotaLimit{
		ClassPro: {Daily: 1, RPM: -1},
	}))
	tr.now = func() time.Time { return clock }
	ctx := context.Background()

	tr.IncrementUsage(ctx, "googleai", ClassPro)
	tr.MarkExhausted(ctx, "googleai", ClassPro, 429)

	ok, _ := tr.CheckAvailable(ctx, "googleai", ClassPro)
	require.False(t, ok)

	// Next UTC day: counter and exhausted flag are gone.
	clock = clock.Add(2 * time.Hour)
	ok, _ = tr.CheckAvailable(ctx, "googleai", ClassPro)
	assert.True(t, ok)
	assert.Equal(t, int64(0), tr.Status(ctx, "googleai", ClassPro).RequestsUsed)
}

func TestQuotaRPMWindow(t *testing.T) {
	clock := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tr := NewQuotaTracker(WithQuotaLimits("googleai", map[ModelClass]QuotaLimit{
		ClassPro: {Daily: 200, RPM: 2},
	}))
	tr.now = func() time.Time { return clock }
	ctx := context.Background()

	tr.IncrementUsage(ctx, "googleai", ClassPro)
	tr.IncrementUsage(ctx, "googleai", ClassPro)

	ok, reason := tr.CheckAvailable(ctx, "googleai", ClassPro)
	require.False(t, ok)
	assert.Contains(t, reason, "RPM")

	// The window expires after 60 seconds.
	clock = clock.Add(61 * time.Second)
	ok, _ = tr.CheckAvailable(ctx, "googleai", ClassPro)
	assert.True(t, ok)
}

func TestQuotaUnlimitedProvider(t *testing.T) {
	tr := NewQuotaTracker(WithQuotaLimits("openrouter", UnlimitedLimits()))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		ok, _ := tr.CheckAvailable(ctx, "openrouter", ClassPro)
		require.True(t, ok)
		tr.IncrementUsage(ctx, "openrouter", ClassPro)
	}
}

func TestQuotaUnknownProviderUnlimited(t *testing.T) {
	tr := NewQuotaTracker()
	ctx := context.Background()

	ok, _ := tr.CheckAvailable(ctx, "unknown", ClassPro)
	assert.True(t, ok)
}

func TestQuotaFailsOverToMemoryOnStoreError(t *testing.T) {
	tr := NewQuotaTracker(
		WithQuotaStore(failingQuotaStore{}),
		WithQuotaLimits("googleai", map[ModelClass]QuotaLimit{
			ClassPro: {Daily: 2, RPM: -1},
		}),
	)
	ctx := context.Background()

	// Storage errors never block traffic, but the in-memory fallback
	// still enforces the limits.
	tr.IncrementUsage(ctx, "googleai", ClassPro)
	tr.IncrementUsage(ctx, "googleai", ClassPro)

	ok, _ := tr.CheckAvailable(ctx, "googleai", ClassPro)
	assert.False(t, ok)
}

func TestQuotaExhaustedInMemoryOnStoreError(t *testing.T) {
	tr := NewQuotaTracker(
		WithQuotaStore(failingQuotaStore{}),
		WithQuotaLimits("googleai", DefaultPrimaryLimits()),
	)
	ctx := context.Background()

	tr.MarkExhausted(ctx, "googleai", ClassPro, 429)

	ok, _ := tr.CheckAvailable(ctx, "googleai", ClassPro)
	assert.False(t, ok)
}

func TestQuotaConcurrentIncrements(t *testing.T) {
	tr := NewQuotaTracker(WithQuotaLimits("googleai", map[ModelClass]QuotaLimit{
		ClassMini: {Daily: 1500, RPM: -1},
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.IncrementUsage(ctx, "googleai", ClassMini)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), tr.Status(ctx, "googleai", ClassMini).RequestsUsed)
}
