// Package catalog holds the data model shared by the selector, cost
// calculator, usage recorder, and auth components: Users, Keys, Providers,
// ModelPrice history, and the MessageRequest usage record (spec.md §3).
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's role in the system.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ProviderType is the upstream dialect a Provider speaks.
type ProviderType string

const (
	ProviderClaude ProviderType = "claude"
	ProviderCodex  ProviderType = "codex"
)

// CostBudget bundles the three rolling cost-window caps spec.md's data
// model attaches to both Keys and Providers.
type CostBudget struct {
	FiveHourUSD  float64
	WeeklyUSD    float64
	MonthlyUSD   float64
}

// User is an identity in the system (spec.md §3 "User").
type User struct {
	ID              uuid.UUID
	Name            string
	Role            Role
	RPMLimit        int
	DailyQuotaUSD   float64
	ProviderGroup   string // optional provider_group label
	Enabled         bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Key is a client-facing credential belonging to exactly one User
// (spec.md §3 "Key").
type Key struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Secret             string // opaque; never logged
	DisplayName        string
	Enabled            bool
	ExpiresAt          *time.Time
	Budget             CostBudget
	ConcurrentSessions int
	WebLoginCapable    bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Active reports whether the key can currently authenticate a request:
// enabled, not expired, and not soft-deleted (spec.md §4.11).
func (k Key) Active(now time.Time) bool {
	if !k.Enabled || k.DeletedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// Provider is an upstream LLM endpoint account (spec.md §3 "Provider").
type Provider struct {
	ID                 uuid.UUID
	DisplayName        string
	BaseURL            string
	Secret             string
	Type               ProviderType
	Enabled            bool
	Priority           int     // lower = higher precedence
	Weight             int     // [1,100]
	CostMultiplier     float64 // >0
	SkipCostCheck      bool    // only honored when CostMultiplier == 0, per SPEC_FULL §6 Q1
	GroupTag           string
	ModelRedirect      map[string]string // source -> target
	ModelWhitelist     []string          // empty/nil = all models allowed
	Budget             CostBudget
	ConcurrentSessions int
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AllowsModel reports whether model is permitted by the whitelist. An
// empty/nil whitelist allows everything. Per SPEC_FULL §6 Q2, callers must
// pass the requested (pre-redirect) model.
func (p Provider) AllowsModel(model string) bool {
	if len(p.ModelWhitelist) == 0 {
		return true
	}
	for _, m := range p.ModelWhitelist {
		if m == model {
			return true
		}
	}
	return false
}

// RedirectModel returns the outbound model name for model, applying the
// provider's redirect map if one is configured (spec.md §4.8 step 9).
func (p Provider) RedirectModel(model string) string {
	if target, ok := p.ModelRedirect[model]; ok {
		return target
	}
	return model
}

// PriceData is the per-unit USD pricing for one model (spec.md §3
// "Model price"). Costs are decimal strings (not float64) so that
// internal/cost can parse them with shopspring/decimal without precision
// loss; this package stays a plain data model with no decimal dependency.
type PriceData struct {
	InputCostPerToken       string  `json:"input_cost_per_token"`
	OutputCostPerToken      string  `json:"output_cost_per_token"`
	CacheCreateCostPerToken *string `json:"cache_create_cost_per_token,omitempty"`
	CacheReadCostPerToken   *string `json:"cache_read_cost_per_token,omitempty"`
}

// ModelPrice is one row in the append-only price history.
type ModelPrice struct {
	ModelName  string
	Price      PriceData
	ObservedAt time.Time
}

// UsageCounters are the four token counts spec.md's data model tracks.
type UsageCounters struct {
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
}

// DecisionReason is the sum-type tag for one decision-chain entry
// (spec.md §4.9, redesigned per spec.md §9 as typed variants).
type DecisionReason string

const (
	ReasonSessionReuse         DecisionReason = "session_reuse"
	ReasonInitialSelection     DecisionReason = "initial_selection"
	ReasonConcurrentLimitFailed DecisionReason = "concurrent_limit_failed"
	ReasonRetrySuccess         DecisionReason = "retry_success"
	ReasonRetryFailed          DecisionReason = "retry_failed"
)

// DecisionEntry is one attempt in a MessageRequest's decision chain.
type DecisionEntry struct {
	ProviderID      uuid.UUID
	ProviderName    string
	Reason          DecisionReason
	SelectionMethod string
	Priority        int
	Weight          int
	CostMultiplier  float64
	CircuitState    string
	AttemptNumber   int
	Timestamp       time.Time
	ErrorMessage    string
	Context         DecisionContext
}

// DecisionContext captures the selector's view at one attempt. Only the
// fields relevant to Reason are populated — spec.md §9 asks for a sum type
// with "exactly its relevant fields"; Go lacks sum types, so we model this
// as one flat struct whose fields stay empty when not relevant.
type DecisionContext struct {
	PoolSizes     map[string]int // filter name -> surviving pool size, in filter order
	ChosenPriority int
	Candidates    []CandidateView // candidates considered at the chosen priority
	Filtered      []FilteredView  // providers dropped, with reasons
}

// CandidateView is one provider considered in the final weighted draw.
type CandidateView struct {
	ProviderID  uuid.UUID
	Name        string
	Weight      int
	CostMultiplier float64
	Probability float64 // weight / sum(weights) in the chosen priority layer
}

// FilteredView is one provider dropped at some filter stage.
type FilteredView struct {
	ProviderID uuid.UUID
	Name       string
	Filter     string
	Reason     string
}

// MessageRequest is one persisted usage record (spec.md §3 "Message
// request (usage record)").
type MessageRequest struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	KeyID           uuid.UUID
	ProviderID      *uuid.UUID // nullable when blocked pre-dispatch
	Model           string     // observed (post-redirect) model
	OriginalModel   string     // pre-redirect model
	SessionID       string
	StatusCode      int
	Duration        time.Duration
	Usage           UsageCounters
	CostUSD         string // decimal string; see internal/cost
	CostMultiplier  float64
	DecisionChain   []DecisionEntry
	BlockReason     string
	ErrorMessage    string
	UserAgent       string
	MessageCount    int
	PriceMissing    bool
	CreatedAt       time.Time
}
