// Package store is the relational persistence layer (spec.md §3's data
// model, backing components C6/C10/C11): users, keys, providers, model
// price history, sensitive words, and usage records, over jackc/pgx/v5.
//
// Grounded on the teacher's internal/auth raw-SQL-with-manual-Scan idiom
// (pat.go, apikey.go: *pgxpool.Pool, conn.QueryRow(...).Scan(...), no ORM or
// generated query layer) rather than the sqlc-generated db.Queries layer
// those same files call into — sqlc requires a code-gen step this exercise
// cannot run, so every repository method here hand-writes its SQL and Scan
// calls directly against *pgxpool.Pool, the same pattern wisbric-nightowl's
// PATAuthenticator uses.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusgate/gateway/internal/catalog"
)

// Store bundles every repository over one pooled connection.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and verifies connectivity with a ping.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connecting: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pool for migration runners and health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// GetUserByID returns a user by id.
func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (catalog.User, error) {
	var u catalog.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, role, rpm_limit, daily_quota_usd, provider_group, enabled, created_at, updated_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Role, &u.RPMLimit, &u.DailyQuotaUSD, &u.ProviderGroup, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return catalog.User{}, fmt.Errorf("store: get user %s: %w", id, err)
	}
	return u, nil
}

// GetKeyBySecret resolves a client-presented API key secret to its Key row.
// Callers must separately check Key.Active and the owning user's Enabled
// flag (spec.md §4.11).
func (s *Store) GetKeyBySecret(ctx context.Context, secret string) (catalog.Key, error) {
	var k catalog.Key
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, secret, display_name, enabled, expires_at,
		       budget_5h_usd, budget_weekly_usd, budget_monthly_usd,
		       concurrent_sessions, web_login_capable, deleted_at, created_at, updated_at
		FROM keys WHERE secret = $1`, secret,
	).Scan(&k.ID, &k.UserID, &k.Secret, &k.DisplayName, &k.Enabled, &k.ExpiresAt,
		&k.Budget.FiveHourUSD, &k.Budget.WeeklyUSD, &k.Budget.MonthlyUSD,
		&k.ConcurrentSessions, &k.WebLoginCapable, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return catalog.Key{}, fmt.Errorf("store: get key by secret: %w", err)
	}
	return k, nil
}

// ListEnabledProviders returns every non-soft-deleted provider, for the
// selector's candidate pool (spec.md §4.8 step 0).
func (s *Store) ListEnabledProviders(ctx context.Context) ([]catalog.Provider, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, display_name, base_url, secret, type, enabled, priority, weight,
		       cost_multiplier, skip_cost_check, group_tag,
		       budget_5h_usd, budget_weekly_usd, budget_monthly_usd,
		       concurrent_sessions, deleted_at, created_at, updated_at
		FROM providers WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []catalog.Provider
	for rows.Next() {
		var p catalog.Provider
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.BaseURL, &p.Secret, &p.Type, &p.Enabled, &p.Priority, &p.Weight,
			&p.CostMultiplier, &p.SkipCostCheck, &p.GroupTag,
			&p.Budget.FiveHourUSD, &p.Budget.WeeklyUSD, &p.Budget.MonthlyUSD,
			&p.ConcurrentSessions, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan provider: %w", err)
		}
		redirect, whitelist, err := s.loadProviderModelRules(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.ModelRedirect = redirect
		p.ModelWhitelist = whitelist
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate providers: %w", err)
	}
	return out, nil
}

func (s *Store) loadProviderModelRules(ctx context.Context, providerID uuid.UUID) (map[string]string, []string, error) {
	redirect := make(map[string]string)
	rows, err := s.pool.Query(ctx, `SELECT source_model, target_model FROM provider_model_redirects WHERE provider_id = $1`, providerID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load model redirects: %w", err)
	}
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("store: scan model redirect: %w", err)
		}
		redirect[src] = dst
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate model redirects: %w", err)
	}

	var whitelist []string
	wrows, err := s.pool.Query(ctx, `SELECT model_name FROM provider_model_whitelist WHERE provider_id = $1`, providerID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: load model whitelist: %w", err)
	}
	defer wrows.Close()
	for wrows.Next() {
		var m string
		if err := wrows.Scan(&m); err != nil {
			return nil, nil, fmt.Errorf("store: scan whitelist entry: %w", err)
		}
		whitelist = append(whitelist, m)
	}
	if err := wrows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate whitelist: %w", err)
	}
	return redirect, whitelist, nil
}

// ListLatestPrices returns the latest observed price per model, for the
// price registry's startup load and refresh (internal/pricing).
func (s *Store) ListLatestPrices(ctx context.Context) ([]catalog.ModelPrice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (model_name) model_name, input_cost_per_token, output_cost_per_token,
		       cache_create_cost_per_token, cache_read_cost_per_token, observed_at
		FROM model_prices
		ORDER BY model_name, observed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list latest prices: %w", err)
	}
	defer rows.Close()

	var out []catalog.ModelPrice
	for rows.Next() {
		var mp catalog.ModelPrice
		if err := rows.Scan(&mp.ModelName, &mp.Price.InputCostPerToken, &mp.Price.OutputCostPerToken,
			&mp.Price.CacheCreateCostPerToken, &mp.Price.CacheReadCostPerToken, &mp.ObservedAt); err != nil {
			return nil, fmt.Errorf("store: scan price row: %w", err)
		}
		out = append(out, mp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate prices: %w", err)
	}
	return out, nil
}

// ListSensitiveWords returns the full configured sensitive-word list, for
// internal/sensitive.Compile.
func (s *Store) ListSensitiveWords(ctx context.Context) ([]SensitiveWordRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT pattern, kind FROM sensitive_words`)
	if err != nil {
		return nil, fmt.Errorf("store: list sensitive words: %w", err)
	}
	defer rows.Close()

	var out []SensitiveWordRow
	for rows.Next() {
		var r SensitiveWordRow
		if err := rows.Scan(&r.Pattern, &r.Kind); err != nil {
			return nil, fmt.Errorf("store: scan sensitive word: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SensitiveWordRow is a row of the sensitive_words table.
type SensitiveWordRow struct {
	Pattern string
	Kind    string
}

// InsertMessageRequest persists one usage record (spec.md §4.10).
func (s *Store) InsertMessageRequest(ctx context.Context, m catalog.MessageRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_requests
			(id, user_id, key_id, provider_id, model, original_model, session_id,
			 status_code, duration_ms, input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
			 cost_usd, cost_multiplier, block_reason, error_message, user_agent, message_count, price_missing, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		m.ID, m.UserID, m.KeyID, m.ProviderID, m.Model, m.OriginalModel, m.SessionID,
		m.StatusCode, m.Duration.Milliseconds(), m.Usage.InputTokens, m.Usage.OutputTokens, m.Usage.CacheCreateTokens, m.Usage.CacheReadTokens,
		m.CostUSD, m.CostMultiplier, m.BlockReason, m.ErrorMessage, m.UserAgent, m.MessageCount, m.PriceMissing, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message request: %w", err)
	}
	return nil
}
