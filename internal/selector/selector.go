// Package selector implements the provider selector (spec.md §4.8,
// component C8): the full filter-then-draw pipeline that turns a candidate
// provider list into one chosen provider, recording every filter decision
// into a typed catalog.DecisionEntry for the dispatcher's decision chain.
//
// Grounded on the teacher's routing/routing.go Select (priority layering,
// weighted-random draw) generalized with the session-stickiness,
// group-fallback, health/concurrency, and cost-window filter stages
// spec.md's algorithm adds, each delegating to the already-built C2
// (internal/breaker) and C3 (internal/ratelimit) components rather than
// re-implementing their state.
package selector

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/session"
)

// Request bundles the inputs one selection pass needs.
type Request struct {
	Model              string // pre-redirect, as requested by the client
	SessionID          string // empty if the client sent none
	ProviderGroup      string // the key/user's provider_group, "" = ungrouped
	Excluded           map[string]bool
	AttemptNumber      int
	DailyCostIncrement float64 // estimated/observed cost to pre-check against window caps

	// Key-level budget/concurrency inputs (spec.md §3 "enforces per-key and
	// per-provider budgets ... concurrency caps"; catalog.Key.Budget and
	// catalog.Key.ConcurrentSessions).
	KeyID               string
	KeyBudget           ratelimit.Caps
	KeyConcurrencyLimit int
}

// Selection is the outcome of one Select call.
type Selection struct {
	Provider catalog.Provider
	Method   string // "session_reuse" | "weighted_random"
	Entry    catalog.DecisionEntry
}

// ErrNoCandidate is returned when every provider is filtered out.
type ErrNoCandidate struct {
	Context catalog.DecisionContext
}

func (e *ErrNoCandidate) Error() string { return "selector: no candidate provider available" }

// Selector runs the spec.md §4.8 algorithm over a live provider list.
type Selector struct {
	breakers  *breaker.Registry
	ratelimit *ratelimit.Service
	sessions  *session.Tracker
	logger    zerolog.Logger
}

// New creates a Selector wired to the breaker registry, rate-limit service,
// and session tracker it consults during filtering.
func New(breakers *breaker.Registry, rl *ratelimit.Service, sessions *session.Tracker, logger zerolog.Logger) *Selector {
	return &Selector{
		breakers:  breakers,
		ratelimit: rl,
		sessions:  sessions,
		logger:    logger.With().Str("component", "selector").Logger(),
	}
}

// Select runs the full pipeline against providers and returns the chosen
// one, or ErrNoCandidate if none survive.
func (s *Selector) Select(ctx context.Context, providers []catalog.Provider, req Request) (Selection, error) {
	now := time.Now()
	dctx := catalog.DecisionContext{PoolSizes: make(map[string]int)}

	// Step 0: key-level budget and concurrency gates (spec.md §3 "enforces
	// per-key and per-provider budgets ... concurrency caps"). These apply
	// regardless of which provider ends up chosen, so they run once, ahead
	// of stickiness and the per-provider pipeline below.
	if ok, reason := s.keyAllowed(ctx, req, now); !ok {
		dctx.Filtered = append(dctx.Filtered, catalog.FilteredView{Filter: "key_budget", Reason: reason})
		return Selection{}, &ErrNoCandidate{Context: dctx}
	}

	// Step 1: session stickiness (spec.md §4.8 step 1). Only considered on
	// the first attempt — a retry must not stick to the provider that just
	// failed. A sticky provider must still pass the same health/concurrency
	// (step 3) and cost (step 4) checks as any other candidate (spec.md
	// §4.8 step 1(e)/(f)) — stickiness is a preference, not a bypass.
	if req.AttemptNumber == 0 && req.SessionID != "" {
		ids := make([]string, 0, len(providers))
		byID := make(map[string]catalog.Provider, len(providers))
		for _, p := range providers {
			ids = append(ids, p.ID.String())
			byID[p.ID.String()] = p
		}
		if pid, ok := s.sessions.LastProvider(ctx, req.SessionID, ids, now); ok {
			if p, ok := byID[pid]; ok && !req.Excluded[pid] && eligibleBase(p, req.Model) {
				if healthyOK, _ := s.providerHealthy(ctx, p, req.SessionID, now); healthyOK {
					if affordableOK, _ := s.providerAffordable(ctx, p, req.DailyCostIncrement); affordableOK {
						entry := catalog.DecisionEntry{
							ProviderID: p.ID, ProviderName: p.DisplayName,
							Reason: catalog.ReasonSessionReuse, SelectionMethod: "session_reuse",
							Priority: p.Priority, Weight: p.Weight, CostMultiplier: p.CostMultiplier,
							CircuitState: string(s.breakers.State(pid)), AttemptNumber: req.AttemptNumber,
							Timestamp: now, Context: dctx,
						}
						return Selection{Provider: p, Method: "session_reuse", Entry: entry}, nil
					}
				}
			}
		}
	}

	pool := make([]catalog.Provider, 0, len(providers))
	for _, p := range providers {
		if eligibleBase(p, req.Model) && !req.Excluded[p.ID.String()] {
			pool = append(pool, p)
		} else if !eligibleBase(p, req.Model) {
			dctx.Filtered = append(dctx.Filtered, catalog.FilteredView{ProviderID: p.ID, Name: p.DisplayName, Filter: "eligibility", Reason: "disabled, wrong type, or whitelist mismatch"})
		}
	}
	dctx.PoolSizes["eligibility"] = len(pool)

	// Step 2: group filter with always-on group_fallback (SPEC_FULL §6 Q3):
	// prefer providers whose group_tag matches the requester's group, but
	// fall back to the full pool if that yields nothing.
	if req.ProviderGroup != "" {
		grouped := make([]catalog.Provider, 0, len(pool))
		for _, p := range pool {
			if p.GroupTag == req.ProviderGroup {
				grouped = append(grouped, p)
			}
		}
		if len(grouped) > 0 {
			pool = grouped
		} else {
			dctx.Filtered = append(dctx.Filtered, catalog.FilteredView{Filter: "group", Reason: "group_fallback"})
		}
	}
	dctx.PoolSizes["group"] = len(pool)

	// Step 3: health + concurrency filter.
	healthy := make([]catalog.Provider, 0, len(pool))
	for _, p := range pool {
		if ok, reason := s.providerHealthy(ctx, p, req.SessionID, now); !ok {
			filter := "concurrency"
			if reason == "circuit_open" {
				filter = "health"
			}
			dctx.Filtered = append(dctx.Filtered, catalog.FilteredView{ProviderID: p.ID, Name: p.DisplayName, Filter: filter, Reason: reason})
			continue
		}
		healthy = append(healthy, p)
	}
	pool = healthy
	dctx.PoolSizes["health_concurrency"] = len(pool)

	// Step 4: cost-window filter, honoring SPEC_FULL §6 Q1 (cost_multiplier
	// == 0 means skip_cost_check is the only way to bypass window checks;
	// multiplier == 0 alone does not imply free).
	affordable := make([]catalog.Provider, 0, len(pool))
	for _, p := range pool {
		if ok, reason := s.providerAffordable(ctx, p, req.DailyCostIncrement); !ok {
			dctx.Filtered = append(dctx.Filtered, catalog.FilteredView{ProviderID: p.ID, Name: p.DisplayName, Filter: "cost", Reason: reason})
			continue
		}
		affordable = append(affordable, p)
	}
	pool = affordable
	dctx.PoolSizes["cost"] = len(pool)

	if len(pool) == 0 {
		return Selection{}, &ErrNoCandidate{Context: dctx}
	}

	// Step 5: priority layering — only the lowest-priority-number layer
	// with survivors competes in the draw.
	sort.Slice(pool, func(i, j int) bool { return pool[i].Priority < pool[j].Priority })
	chosenPriority := pool[0].Priority
	layer := make([]catalog.Provider, 0, len(pool))
	for _, p := range pool {
		if p.Priority == chosenPriority {
			layer = append(layer, p)
		}
	}
	dctx.ChosenPriority = chosenPriority

	// Step 6: weighted-random draw within the layer (spec.md §4.8 step 8).
	// The layer is sorted by cost_multiplier so the recorded candidate list
	// is cost-ordered; each provider's chance depends only on its weight.
	sort.SliceStable(layer, func(i, j int) bool { return layer[i].CostMultiplier < layer[j].CostMultiplier })

	totalWeight := 0
	for _, p := range layer {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}
	for _, p := range layer {
		w := p.Weight
		if w <= 0 {
			w = 1
		}
		dctx.Candidates = append(dctx.Candidates, catalog.CandidateView{
			ProviderID: p.ID, Name: p.DisplayName, Weight: p.Weight, CostMultiplier: p.CostMultiplier,
			Probability: float64(w) / float64(totalWeight),
		})
	}

	chosen, err := weightedDraw(layer, totalWeight)
	if err != nil {
		return Selection{}, err
	}

	entry := catalog.DecisionEntry{
		ProviderID: chosen.ID, ProviderName: chosen.DisplayName,
		Reason:          reasonFor(req.AttemptNumber),
		SelectionMethod: "weighted_random",
		Priority:        chosen.Priority, Weight: chosen.Weight, CostMultiplier: chosen.CostMultiplier,
		CircuitState: string(s.breakers.State(chosen.ID.String())), AttemptNumber: req.AttemptNumber,
		Timestamp: now, Context: dctx,
	}
	return Selection{Provider: chosen, Method: "weighted_random", Entry: entry}, nil
}

// keyAllowed runs the key-level concurrency and cost-window gates (spec.md
// §3, §4.3 scope=key). An empty KeyID or zero limits/caps no-op, so callers
// that don't have key-level inputs (e.g. existing tests) are unaffected.
func (s *Selector) keyAllowed(ctx context.Context, req Request, now time.Time) (bool, string) {
	if req.KeyID == "" {
		return true, ""
	}
	if req.KeyConcurrencyLimit > 0 {
		n, err := s.sessions.Count(ctx, session.KeyScope(req.KeyID), now)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", req.KeyID).Msg("key concurrency check error; treating as healthy")
		} else if n >= int64(req.KeyConcurrencyLimit) {
			return false, "key_at_concurrency_limit"
		}
	}
	allowed, rej := s.ratelimit.CheckCost(ctx, ratelimit.ScopeKey, req.KeyID, req.KeyBudget, req.DailyCostIncrement)
	if !allowed {
		if rej != nil {
			return false, fmt.Sprintf("key_cost_window_exceeded:%s", rej.Window)
		}
		return false, "key_cost_window_exceeded"
	}
	return true, ""
}

// providerHealthy runs the step-3 circuit-breaker and provider-concurrency
// checks for a single provider, shared by the stickiness shortcut and the
// main filter pipeline.
func (s *Selector) providerHealthy(ctx context.Context, p catalog.Provider, sessionID string, now time.Time) (bool, string) {
	pid := p.ID.String()
	if s.breakers.IsOpen(pid, now) {
		return false, "circuit_open"
	}
	if p.ConcurrentSessions > 0 {
		res, err := s.ratelimit.CheckAndTrackConcurrency(ctx, pid, sessionID, p.ConcurrentSessions)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", pid).Msg("concurrency check error; treating as healthy")
		} else if !res.Allowed {
			return false, "at_concurrency_limit"
		}
	}
	return true, ""
}

// providerAffordable runs the step-4 cost-window check for a single
// provider, shared by the stickiness shortcut and the main filter pipeline.
func (s *Selector) providerAffordable(ctx context.Context, p catalog.Provider, increment float64) (bool, string) {
	if p.SkipCostCheck && p.CostMultiplier == 0 {
		return true, ""
	}
	caps := ratelimit.Caps{FiveHourUSD: p.Budget.FiveHourUSD, WeeklyUSD: p.Budget.WeeklyUSD, MonthlyUSD: p.Budget.MonthlyUSD}
	allowed, rej := s.ratelimit.CheckCost(ctx, ratelimit.ScopeProvider, p.ID.String(), caps, increment)
	if !allowed {
		if rej != nil {
			return false, fmt.Sprintf("cost_window_exceeded:%s", rej.Window)
		}
		return false, "cost_window_exceeded"
	}
	return true, ""
}

func reasonFor(attempt int) catalog.DecisionReason {
	if attempt == 0 {
		return catalog.ReasonInitialSelection
	}
	return catalog.ReasonRetrySuccess
}

// eligibleBase applies the cheap, stateless filters: enabled, type
// (callers pre-filter providers to the request's api_type before calling
// Select), whitelist against the pre-redirect model (SPEC_FULL §6 Q2), and
// not soft-deleted.
func eligibleBase(p catalog.Provider, requestedModel string) bool {
	if !p.Enabled || p.DeletedAt != nil {
		return false
	}
	return p.AllowsModel(requestedModel)
}

// weightedDraw picks one provider from layer proportional to its weight
// (treating weight<=0 as 1), using crypto/rand for the draw so selection is
// not predictable from a seeded PRNG (the teacher's routing.go uses
// math/rand; this follows the pack's security-conscious examples instead
// for a value that influences cost routing).
func weightedDraw(layer []catalog.Provider, totalWeight int) (catalog.Provider, error) {
	if len(layer) == 1 {
		return layer[0], nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(totalWeight)))
	if err != nil {
		return catalog.Provider{}, fmt.Errorf("selector: weighted draw failed: %w", err)
	}
	target := n.Int64()
	var cursor int64
	for _, p := range layer {
		w := int64(p.Weight)
		if w <= 0 {
			w = 1
		}
		cursor += w
		if target < cursor {
			return p, nil
		}
	}
	return layer[len(layer)-1], nil
}
