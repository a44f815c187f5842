// Package breaker implements the per-provider circuit breaker (spec.md
// §4.2, component C2). It generalizes the teacher's routing.FailoverState
// (routing/routing.go) — which only tracked a flat failure count and a
// cooldown — into the full closed/open/half-open state machine spec.md
// requires, including half-open success quorum and manual reset.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three circuit states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

const (
	// FailureThreshold is the consecutive-failure count that trips the breaker.
	FailureThreshold = 5
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration = 30 * time.Minute
	// HalfOpenSuccessThreshold is the successes needed to close from half-open.
	HalfOpenSuccessThreshold = 2
)

// health is the per-provider state (spec.md §3 "Circuit health"). It is
// process-local and lost on restart — fail-closed to Closed on cold start,
// which spec.md §3 calls acceptable.
type health struct {
	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	openUntil         time.Time
	halfOpenSuccesses int
}

// Registry holds one health record per provider, each guarded by its own
// mutex (spec.md §5 "Circuit state is process-local and mutated under a
// per-provider mutex").
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*health
}

// NewRegistry creates an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*health)}
}

func (r *Registry) entry(providerID string) *health {
	r.mu.RLock()
	h, ok := r.byID[providerID]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byID[providerID]; ok {
		return h
	}
	h = &health{state: Closed}
	r.byID[providerID] = h
	return h
}

// IsOpen reports whether providerID's breaker currently rejects requests.
// A query after the open duration elapses flips the breaker to half-open
// and returns false — the probing request is permitted (spec.md §4.2).
func (r *Registry) IsOpen(providerID string, now time.Time) bool {
	h := r.entry(providerID)
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Open:
		if !now.Before(h.openUntil) {
			h.state = HalfOpen
			h.halfOpenSuccesses = 0
			return false
		}
		return true
	default:
		return false
	}
}

// State returns the current state without mutating it (for status endpoints
// and decision-chain recording). Does not perform the open->half-open
// transition that IsOpen does.
func (r *Registry) State(providerID string) State {
	h := r.entry(providerID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RecordSuccess reports a successful call to providerID.
func (r *Registry) RecordSuccess(providerID string, now time.Time) {
	h := r.entry(providerID)
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case HalfOpen:
		h.halfOpenSuccesses++
		if h.halfOpenSuccesses >= HalfOpenSuccessThreshold {
			h.state = Closed
			h.failureCount = 0
			h.halfOpenSuccesses = 0
		}
	case Closed:
		h.failureCount = 0
	}
}

// RecordFailure reports a failed call to providerID (spec.md §4.2: "any
// upstream response classified as retryable... plus transport errors").
func (r *Registry) RecordFailure(providerID string, now time.Time) {
	h := r.entry(providerID)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastFailureTime = now

	switch h.state {
	case HalfOpen:
		// A single failure in half-open reopens for another full duration.
		h.state = Open
		h.openUntil = now.Add(OpenDuration)
		h.failureCount = FailureThreshold
		h.halfOpenSuccesses = 0
	case Closed:
		h.failureCount++
		if h.failureCount >= FailureThreshold {
			h.state = Open
			h.openUntil = now.Add(OpenDuration)
		}
	case Open:
		// Already open; extend is not required by spec — leave openUntil as is.
	}
}

// Reset forces providerID back to Closed (the admin "manual reset"
// operation, spec.md §4.2).
func (r *Registry) Reset(providerID string) {
	h := r.entry(providerID)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Closed
	h.failureCount = 0
	h.halfOpenSuccesses = 0
	h.openUntil = time.Time{}
}

// Snapshot is a read-only view of one provider's breaker state, used by the
// admin circuit-status endpoint.
type Snapshot struct {
	ProviderID   string
	State        State
	FailureCount int
	OpenUntil    time.Time
}

// All returns a snapshot of every tracked provider's breaker state.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.byID))
	for id, h := range r.byID {
		h.mu.Lock()
		out = append(out, Snapshot{
			ProviderID:   id,
			State:        h.state,
			FailureCount: h.failureCount,
			OpenUntil:    h.openUntil,
		})
		h.mu.Unlock()
	}
	return out
}
