package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SessionTotals is the aggregate usage for one session (spec.md §4.10
// "per-session totals"). A session with no rows yields a SessionTotals with
// Found=false rather than an error — callers render this as a null object.
type SessionTotals struct {
	Found             bool
	RequestCount      int64
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	CostUSD           string
}

// SessionTotals aggregates every message_requests row for sessionID.
func (s *Store) SessionTotals(ctx context.Context, sessionID string) (SessionTotals, error) {
	var t SessionTotals
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), coalesce(sum(input_tokens),0), coalesce(sum(output_tokens),0),
		       coalesce(sum(cache_create_tokens),0), coalesce(sum(cache_read_tokens),0),
		       coalesce(sum(cost_usd::numeric),0)::text
		FROM message_requests WHERE session_id = $1`, sessionID,
	).Scan(&n, &t.InputTokens, &t.OutputTokens, &t.CacheCreateTokens, &t.CacheReadTokens, &t.CostUSD)
	if err != nil {
		return SessionTotals{}, fmt.Errorf("store: session totals: %w", err)
	}
	t.RequestCount = n
	t.Found = n > 0
	return t, nil
}

// UserPeriodTotals is a per-user roll-up over a time window (spec.md §4.10
// "per-user daily/monthly roll-ups").
type UserPeriodTotals struct {
	RequestCount int64
	CostUSD      string
}

// UserTotalsSince sums a user's cost and request count since start
// (inclusive), used for both the daily and monthly roll-up views depending
// on the window the caller passes.
func (s *Store) UserTotalsSince(ctx context.Context, userID uuid.UUID, start time.Time) (UserPeriodTotals, error) {
	var t UserPeriodTotals
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), coalesce(sum(cost_usd::numeric),0)::text
		FROM message_requests WHERE user_id = $1 AND created_at >= $2`, userID, start,
	).Scan(&t.RequestCount, &t.CostUSD)
	if err != nil {
		return UserPeriodTotals{}, fmt.Errorf("store: user totals since %s: %w", start, err)
	}
	return t, nil
}

// ProviderTodayTotals is today's roll-up plus a snapshot of the most recent
// call, for the admin dashboard (spec.md §4.10 "per-provider today's totals
// + last-call snapshot").
type ProviderTodayTotals struct {
	RequestCount  int64
	CostUSD       string
	LastCallAt    *time.Time
	LastStatus    *int
	LastModel     *string
}

// ProviderTodayTotals aggregates today's usage for providerID in the
// gateway's configured timezone, loc.
func (s *Store) ProviderTodayTotals(ctx context.Context, providerID uuid.UUID, loc *time.Location, now time.Time) (ProviderTodayTotals, error) {
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var t ProviderTodayTotals
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), coalesce(sum(cost_usd::numeric),0)::text
		FROM message_requests WHERE provider_id = $1 AND created_at >= $2`, providerID, startOfDay,
	).Scan(&t.RequestCount, &t.CostUSD)
	if err != nil {
		return ProviderTodayTotals{}, fmt.Errorf("store: provider today totals: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT created_at, status_code, model FROM message_requests
		WHERE provider_id = $1 ORDER BY created_at DESC LIMIT 1`, providerID,
	).Scan(&t.LastCallAt, &t.LastStatus, &t.LastModel)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return ProviderTodayTotals{}, fmt.Errorf("store: provider last call: %w", err)
	}
	return t, nil
}

// LeaderboardRow is one entry in the per-key cost leaderboard (served by
// the admin control-plane routes, see SPEC_FULL.md §5).
type LeaderboardRow struct {
	KeyID        uuid.UUID
	DisplayName  string
	RequestCount int64
	CostUSD      string
}

// Leaderboard returns the top limit keys by cost since start.
func (s *Store) Leaderboard(ctx context.Context, start time.Time, limit int) ([]LeaderboardRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT k.id, k.display_name, count(m.id), coalesce(sum(m.cost_usd::numeric),0)::text
		FROM keys k
		JOIN message_requests m ON m.key_id = k.id
		WHERE m.created_at >= $1
		GROUP BY k.id, k.display_name
		ORDER BY sum(m.cost_usd::numeric) DESC
		LIMIT $2`, start, limit)
	if err != nil {
		return nil, fmt.Errorf("store: leaderboard: %w", err)
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.KeyID, &r.DisplayName, &r.RequestCount, &r.CostUSD); err != nil {
			return nil, fmt.Errorf("store: scan leaderboard row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
