// Package usage implements the usage recorder (spec.md §4.10, component
// C10): persisting one row per logical request and serving the aggregation
// queries the admin surface needs. The aggregation SQL itself lives in
// internal/store (spec.md data is relational); this package is the
// request-shaped facade the dispatcher and HTTP layer call.
//
// Grounded on the teacher's analytics package (aggregation over a usage
// table) adapted from its flat event-log shape to spec.md's MessageRequest
// record.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/store"
)

// Recorder persists usage records and serves aggregate views over them.
type Recorder struct {
	store *store.Store
	loc   *time.Location
}

// New creates a Recorder backed by st, reporting "today" in loc.
func New(st *store.Store, loc *time.Location) *Recorder {
	return &Recorder{store: st, loc: loc}
}

// Record persists one completed (or blocked) request.
func (r *Recorder) Record(ctx context.Context, m catalog.MessageRequest) error {
	return r.store.InsertMessageRequest(ctx, m)
}

// SessionSummary is the null-object-safe view of one session's totals
// (spec.md §4.10: "a session with no usage rows returns a null object, not
// an error").
type SessionSummary struct {
	Exists            bool
	RequestCount      int64
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	CostUSD           string
}

// SessionSummary returns sessionID's aggregate usage.
func (r *Recorder) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	t, err := r.store.SessionTotals(ctx, sessionID)
	if err != nil {
		return SessionSummary{}, err
	}
	if !t.Found {
		return SessionSummary{Exists: false, CostUSD: "0"}, nil
	}
	return SessionSummary{
		Exists: true, RequestCount: t.RequestCount,
		InputTokens: t.InputTokens, OutputTokens: t.OutputTokens,
		CacheCreateTokens: t.CacheCreateTokens, CacheReadTokens: t.CacheReadTokens,
		CostUSD: t.CostUSD,
	}, nil
}

// DailyTotals returns userID's roll-up since the start of today in r.loc.
func (r *Recorder) DailyTotals(ctx context.Context, userID uuid.UUID, now time.Time) (store.UserPeriodTotals, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)
	return r.store.UserTotalsSince(ctx, userID, start)
}

// MonthlyTotals returns userID's roll-up since the start of the current
// calendar month in r.loc.
func (r *Recorder) MonthlyTotals(ctx context.Context, userID uuid.UUID, now time.Time) (store.UserPeriodTotals, error) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, r.loc)
	return r.store.UserTotalsSince(ctx, userID, start)
}

// ProviderToday returns providerID's today roll-up and last-call snapshot.
func (r *Recorder) ProviderToday(ctx context.Context, providerID uuid.UUID, now time.Time) (store.ProviderTodayTotals, error) {
	return r.store.ProviderTodayTotals(ctx, providerID, r.loc, now)
}

// Leaderboard returns the top limit keys by cost since start.
func (r *Recorder) Leaderboard(ctx context.Context, start time.Time, limit int) ([]store.LeaderboardRow, error) {
	return r.store.Leaderboard(ctx, start, limit)
}
