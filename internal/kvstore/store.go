// Package kvstore is the thin façade over the remote key/value store used
// for all cross-process state: concurrency counters, cost counters, and the
// session index (spec.md §4.1, component C1).
//
// Every dependent component treats Ready()==false as fail-open: permit the
// request, log a warning (spec.md §5 "Fail-open policy"). This package only
// reports reachability through Ready; each caller makes the fail-open
// decision itself (internal/ratelimit checks Ready before every cost and
// concurrency check).
package kvstore

import (
	"context"
	"time"
)

// ScriptResult is the decoded return value of the atomic check-and-track
// script (spec.md §4.3).
type ScriptResult struct {
	Allowed    bool
	CountAfter int64
	Tracked    bool // true if the session id was already tracked before this call
}

// Store is everything the dispatch pipeline needs from the KV layer.
type Store interface {
	// Ready reports whether the store is currently reachable. Callers must
	// treat false as fail-open rather than failing the request.
	Ready(ctx context.Context) bool

	// Get returns the string value for key, and false if it doesn't exist.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// IncrByFloat atomically adds delta to the numeric value at key,
	// refreshes its TTL, and returns the new value.
	IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)

	// MExists batch-reads multiple keys' existence.
	MExists(ctx context.Context, keys ...string) (map[string]bool, error)

	// ZAdd upserts member with score in the sorted set at key, refreshing ttl.
	ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error

	// ZScore returns the score of member in the sorted set at key.
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZRemRangeByScore removes members scored in [min, max].
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZCard returns the cardinality of the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns members scored in [min, max], ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// Pipeline executes fn against a batched command pipeline and flushes it.
	Pipeline(ctx context.Context, fn func(Pipeliner) error) error

	// CheckAndTrackConcurrency runs the atomic check-and-track primitive
	// (spec.md §4.3, §9): expire-sweep, membership check, cardinality read,
	// gate, and upsert — in a single round trip. limit<=0 means unlimited.
	CheckAndTrackConcurrency(ctx context.Context, setKey, sessionID string, limit int, now time.Time, ttl time.Duration) (ScriptResult, error)
}

// Pipeliner is the subset of batched operations exposed inside Pipeline.
type Pipeliner interface {
	IncrByFloat(key string, delta float64)
	Expire(key string, ttl time.Duration)
}
