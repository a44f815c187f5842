package ratelimit_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/kvstore"
	"github.com/nexusgate/gateway/internal/ratelimit"
)

func TestCostCapTrippedMidWindow(t *testing.T) {
	store := kvstore.NewMemory()
	svc := ratelimit.New(store, zerolog.Nop())
	ctx := context.Background()

	caps := ratelimit.Caps{FiveHourUSD: 1.00}
	require.NoError(t, svc.TrackCost(ctx, "key1", "providerA", 1.00))

	allowed, rej := svc.CheckCost(ctx, ratelimit.ScopeProvider, "providerA", caps, 0)
	assert.False(t, allowed, "provider at cap must be rejected even for a zero-cost increment")
	require.NotNil(t, rej)
	assert.Equal(t, ratelimit.WindowFiveHour, rej.Window)
}

func TestTrackCostZeroIsNoopOnValue(t *testing.T) {
	store := kvstore.NewMemory()
	svc := ratelimit.New(store, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, svc.TrackCost(ctx, "key1", "providerA", 0.5))
	caps := ratelimit.Caps{FiveHourUSD: 1.0}
	allowed, _ := svc.CheckCost(ctx, ratelimit.ScopeKey, "key1", caps, 0)
	assert.True(t, allowed)

	require.NoError(t, svc.TrackCost(ctx, "key1", "providerA", 0))
	allowed, _ = svc.CheckCost(ctx, ratelimit.ScopeKey, "key1", caps, 0.49)
	assert.True(t, allowed, "track_cost(delta=0) must not have changed the counter")
}

func TestCheckCostFailsOpenWhenKVDown(t *testing.T) {
	store := kvstore.NewMemory()
	store.SetReady(false)
	svc := ratelimit.New(store, zerolog.Nop())

	allowed, rej := svc.CheckCost(context.Background(), ratelimit.ScopeProvider, "providerA", ratelimit.Caps{FiveHourUSD: 1}, 100)
	assert.True(t, allowed, "must fail open when kv unavailable")
	assert.Nil(t, rej)
}

func TestConcurrencyExactlyAtCap(t *testing.T) {
	store := kvstore.NewMemory()
	svc := ratelimit.New(store, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := svc.CheckAndTrackConcurrency(ctx, "providerA", sessID(i), 10)
		require.NoError(t, err)
		require.True(t, res.Allowed, "session %d should be admitted under the cap", i)
	}

	res, err := svc.CheckAndTrackConcurrency(ctx, "providerA", "new-session", 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "an 11th untracked session must be rejected at the cap")

	res, err = svc.CheckAndTrackConcurrency(ctx, "providerA", sessID(0), 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "an already-tracked session must be admitted without incrementing the count")
}

func sessID(i int) string {
	return "sess-" + string(rune('a'+i))
}
