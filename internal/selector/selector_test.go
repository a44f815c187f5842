package selector_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/kvstore"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/selector"
	"github.com/nexusgate/gateway/internal/session"
)

func newHarness() (*selector.Selector, *breaker.Registry, *ratelimit.Service) {
	store := kvstore.NewMemory()
	br := breaker.NewRegistry()
	rl := ratelimit.New(store, zerolog.Nop())
	sess := session.New(store)
	return selector.New(br, rl, sess, zerolog.Nop()), br, rl
}

func provider(priority, weight int, costMultiplier float64) catalog.Provider {
	return catalog.Provider{
		ID: uuid.New(), DisplayName: "p", Enabled: true,
		Priority: priority, Weight: weight, CostMultiplier: costMultiplier,
	}
}

func TestSelectSkipsDisabledProvider(t *testing.T) {
	sel, _, _ := newHarness()
	disabled := provider(1, 10, 1)
	disabled.Enabled = false
	enabled := provider(1, 10, 1)

	result, err := sel.Select(context.Background(), []catalog.Provider{disabled, enabled}, selector.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, enabled.ID, result.Provider.ID)
}

func TestSelectFiltersOpenCircuit(t *testing.T) {
	sel, br, _ := newHarness()
	open := provider(1, 10, 1)
	healthy := provider(1, 10, 1)

	for i := 0; i < breaker.FailureThreshold; i++ {
		br.RecordFailure(open.ID.String(), time.Now())
	}

	result, err := sel.Select(context.Background(), []catalog.Provider{open, healthy}, selector.Request{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, healthy.ID, result.Provider.ID)
}

func TestSelectOnlyLowestPriorityLayerCompetes(t *testing.T) {
	sel, _, _ := newHarness()
	high := provider(1, 1, 1) // priority 1 = higher precedence
	low := provider(2, 1000, 1)

	for i := 0; i < 20; i++ {
		result, err := sel.Select(context.Background(), []catalog.Provider{high, low}, selector.Request{Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, high.ID, result.Provider.ID, "priority 2 must never be chosen while priority 1 has a survivor")
	}
}

func TestSelectNoCandidateWhenAllExcluded(t *testing.T) {
	sel, _, _ := newHarness()
	p1 := provider(1, 10, 1)

	_, err := sel.Select(context.Background(), []catalog.Provider{p1}, selector.Request{
		Model:    "m",
		Excluded: map[string]bool{p1.ID.String(): true},
	})
	require.Error(t, err)
	var noCandidate *selector.ErrNoCandidate
	assert.ErrorAs(t, err, &noCandidate)
}

func TestSelectRespectsModelWhitelist(t *testing.T) {
	sel, _, _ := newHarness()
	restricted := provider(1, 10, 1)
	restricted.ModelWhitelist = []string{"other-model"}
	open := provider(1, 10, 1)

	result, err := sel.Select(context.Background(), []catalog.Provider{restricted, open}, selector.Request{Model: "claude-x"})
	require.NoError(t, err)
	assert.Equal(t, open.ID, result.Provider.ID)
}

func TestStickySessionRejectedWhenBreakerOpen(t *testing.T) {
	sel, br, _ := newHarness()
	stuck := provider(1, 10, 1)
	healthy := provider(1, 10, 1)
	sessionID := "sess-1"

	for i := 0; i < breaker.FailureThreshold; i++ {
		br.RecordFailure(stuck.ID.String(), time.Now())
	}

	store := kvstore.NewMemory()
	sess := session.New(store)
	require.NoError(t, sess.Heartbeat(context.Background(), sessionID, "", stuck.ID.String(), time.Now()))
	sel = selector.New(br, ratelimit.New(store, zerolog.Nop()), sess, zerolog.Nop())

	result, err := sel.Select(context.Background(), []catalog.Provider{stuck, healthy}, selector.Request{
		Model: "m", SessionID: sessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, healthy.ID, result.Provider.ID, "a sticky provider with an open circuit must not be reused")
	assert.NotEqual(t, "session_reuse", result.Method)
}

func TestStickySessionRejectedWhenAtConcurrencyLimit(t *testing.T) {
	store := kvstore.NewMemory()
	br := breaker.NewRegistry()
	rl := ratelimit.New(store, zerolog.Nop())
	sess := session.New(store)
	sel := selector.New(br, rl, sess, zerolog.Nop())

	stuck := provider(1, 10, 1)
	stuck.ConcurrentSessions = 1
	healthy := provider(1, 10, 1)
	sessionID := "sess-2"

	require.NoError(t, sess.Heartbeat(context.Background(), sessionID, "", stuck.ID.String(), time.Now()))

	// Fill the provider's single concurrency slot with a different session
	// so the sticky session's own re-check finds it already saturated.
	res, err := rl.CheckAndTrackConcurrency(context.Background(), stuck.ID.String(), "other-session", stuck.ConcurrentSessions)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	result, err := sel.Select(context.Background(), []catalog.Provider{stuck, healthy}, selector.Request{
		Model: "m", SessionID: sessionID,
	})
	require.NoError(t, err)
	assert.Equal(t, healthy.ID, result.Provider.ID, "a sticky provider at its concurrency limit must not be reused")
	assert.NotEqual(t, "session_reuse", result.Method)
}

func TestSelectGroupFallbackWhenNoGroupMatch(t *testing.T) {
	sel, _, _ := newHarness()
	ungrouped := provider(1, 10, 1)

	result, err := sel.Select(context.Background(), []catalog.Provider{ungrouped}, selector.Request{
		Model: "m", ProviderGroup: "enterprise",
	})
	require.NoError(t, err, "must fall back to the full pool when no provider matches the group")
	assert.Equal(t, ungrouped.ID, result.Provider.ID)
}
