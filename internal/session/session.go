// Package session implements the session tracker (spec.md §4.4, component
// C4): minting/parsing session ids, three sorted-set indexes (global,
// per-key, per-provider) with a 5-minute sweep, and per-session info
// records used to join membership with display metadata.
//
// Grounded on the teacher's sorted-set-over-Redis idiom (no direct teacher
// analogue — the teacher has no conversational session concept — so this
// follows the same kvstore.Store abstraction used by internal/ratelimit and
// the ZAdd/ZRangeByScore shape the teacher's go-redis dependency implies).
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/gateway/internal/kvstore"
)

// Expiry is how long a session remains active without a heartbeat
// (spec.md §3 "Active-session index").
const Expiry = 5 * time.Minute

// Info is the per-session metadata record (spec.md §4.4).
type Info struct {
	SessionID string
	UserID    string
	KeyID     string
	Model     string
	APIType   string
	StartedAt time.Time
	LastSeen  time.Time
}

func globalKey() string          { return "sessions:global" }
func keyScopedKey(keyID string) string      { return fmt.Sprintf("sessions:key:%s", keyID) }
func providerScopedKey(id string) string    { return fmt.Sprintf("sessions:provider:%s", id) }
func infoKey(sessionID string) string       { return fmt.Sprintf("session:%s:info", sessionID) }

// Tracker mints and tracks session ids across the three index scopes.
type Tracker struct {
	store kvstore.Store
}

// New creates a session tracker backed by store.
func New(store kvstore.Store) *Tracker {
	return &Tracker{store: store}
}

// NewSessionID mints a fresh, durable session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Heartbeat records activity for sessionID across the global, key, and
// provider indexes, sweeping expired entries first (spec.md §4.4 "on every
// read and every write, remove entries older than now-5min"). Score updates
// are monotonic (spec.md §5(c)) because they are always set to now.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, keyID, providerID string, now time.Time) error {
	t.sweep(ctx, globalKey(), now)
	if keyID != "" {
		t.sweep(ctx, keyScopedKey(keyID), now)
	}
	if providerID != "" {
		t.sweep(ctx, providerScopedKey(providerID), now)
	}

	score := float64(now.Unix())
	if err := t.store.ZAdd(ctx, globalKey(), score, sessionID, Expiry); err != nil {
		return err
	}
	if keyID != "" {
		if err := t.store.ZAdd(ctx, keyScopedKey(keyID), score, sessionID, Expiry); err != nil {
			return err
		}
	}
	if providerID != "" {
		if err := t.store.ZAdd(ctx, providerScopedKey(providerID), score, sessionID, Expiry); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) sweep(ctx context.Context, key string, now time.Time) {
	cutoff := float64(now.Add(-Expiry).Unix())
	_ = t.store.ZRemRangeByScore(ctx, key, 0, cutoff)
}

// PutInfo stores/updates the per-session info record.
func (t *Tracker) PutInfo(ctx context.Context, info Info) error {
	// A compact pipe-delimited encoding avoids pulling in an encoding
	// dependency for what is a small, fixed-shape record.
	value := fmt.Sprintf("%s|%s|%s|%s|%d", info.UserID, info.KeyID, info.Model, info.APIType, info.StartedAt.Unix())
	return t.store.Set(ctx, infoKey(info.SessionID), value, Expiry)
}

// LastProvider returns the providerID a session last stuck to, if any
// currently-tracked provider scope contains it. Used by the selector's
// session-stickiness step (spec.md §4.8 step 1). Callers pass the
// candidate provider ids to check against.
func (t *Tracker) LastProvider(ctx context.Context, sessionID string, candidateProviderIDs []string, now time.Time) (string, bool) {
	for _, pid := range candidateProviderIDs {
		t.sweep(ctx, providerScopedKey(pid), now)
		if _, ok, _ := t.store.ZScore(ctx, providerScopedKey(pid), sessionID); ok {
			return pid, true
		}
	}
	return "", false
}

// Count returns the number of active (non-stale) sessions in a scope.
// Members whose info record has expired are not counted; they are not
// removed from the index either, and stay there until the time-based
// sweep drops them.
func (t *Tracker) Count(ctx context.Context, scopeKey string, now time.Time) (int64, error) {
	t.sweep(ctx, scopeKey, now)
	members, err := t.store.ZRangeByScore(ctx, scopeKey, float64(now.Add(-Expiry).Unix()), float64(now.Unix()))
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	infoKeys := make([]string, len(members))
	for i, m := range members {
		infoKeys[i] = infoKey(m)
	}
	exists, err := t.store.MExists(ctx, infoKeys...)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, k := range infoKeys {
		if exists[k] {
			n++
		}
	}
	return n, nil
}

// GlobalScope, KeyScope, and ProviderScope expose the scope keys used by
// Count and list queries.
func GlobalScope() string                { return globalKey() }
func KeyScope(keyID string) string       { return keyScopedKey(keyID) }
func ProviderScope(id string) string     { return providerScopedKey(id) }
