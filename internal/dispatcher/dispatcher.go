// Package dispatcher implements the dispatcher (spec.md §4.9, component
// C9): the AUTHENTICATING(caller)->FILTERING->SELECTING->FORWARDING->
// ACCOUNTING->DONE state machine that turns one inbound request into a
// forwarded upstream call, a decision chain, and a persisted usage record.
//
// Grounded on the teacher's handler/proxy.go request-handling flow and
// handler/stream.go's disconnect-aware streaming writer (adapted from
// token-count estimation to exact usage extraction via internal/upstream's
// tee'd accountant), composed with the already-built C2/C3/C4/C5/C6/C7/C8
// components rather than re-implementing their state.
package dispatcher

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/apierr"
	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/cost"
	"github.com/nexusgate/gateway/internal/pricing"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/selector"
	"github.com/nexusgate/gateway/internal/sensitive"
	"github.com/nexusgate/gateway/internal/session"
	"github.com/nexusgate/gateway/internal/upstream"
)

// maxAttempts bounds the retry loop (spec.md §4.9 "bounded by a small
// constant like 5").
const maxAttempts = 5

// disconnectGrace is how long the upstream drainer keeps reading after a
// client disconnect, to recover final usage (spec.md §5 "a short hard
// deadline (e.g., 5 s)").
const disconnectGrace = 5 * time.Second

// Recorder is the subset of internal/usage.Recorder the dispatcher needs.
type Recorder interface {
	Record(ctx context.Context, m catalog.MessageRequest) error
}

// ProviderSource supplies the candidate provider list for one api type.
type ProviderSource func(ctx context.Context, apiType catalog.ProviderType) ([]catalog.Provider, error)

// Dispatcher wires together the selector, breaker, rate-limit, session,
// cost, pricing, sensitive-word, and usage components into one request
// pipeline.
type Dispatcher struct {
	providers  ProviderSource
	selector   *selector.Selector
	breakers   *breaker.Registry
	ratelimit  *ratelimit.Service
	sessions   *session.Tracker
	prices     *pricing.Registry
	sensitive  *sensitive.Matcher // nil disables the filter
	recorder   Recorder
	forwarder  *upstream.Forwarder
	logger     zerolog.Logger
}

// New creates a Dispatcher. sensitiveMatcher may be nil to disable
// pre-dispatch content filtering.
func New(
	providers ProviderSource,
	sel *selector.Selector,
	breakers *breaker.Registry,
	rl *ratelimit.Service,
	sessions *session.Tracker,
	prices *pricing.Registry,
	sensitiveMatcher *sensitive.Matcher,
	recorder Recorder,
	forwarder *upstream.Forwarder,
	logger zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		providers: providers, selector: sel, breakers: breakers, ratelimit: rl,
		sessions: sessions, prices: prices, sensitive: sensitiveMatcher,
		recorder: recorder, forwarder: forwarder,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Request is one inbound client call, already authenticated.
type Request struct {
	Principal     catalog.User
	Key           catalog.Key // the resolved credential, for its Budget/ConcurrentSessions
	KeyID         uuid.UUID
	APIType       catalog.ProviderType
	Path          string // upstream path, e.g. "/v1/messages"
	Model         string
	SessionID     string
	Body          []byte // raw, undecoded request body
	DecodedBody   map[string]interface{}
	UserAgent     string
	ClientTimeout time.Duration
}

// Result is what the HTTP layer needs to relay a response to the client
// and, once relaying finishes, complete accounting via FinalizeStreaming.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	BlockedErr *apierr.Error // set when short-circuited before dispatch

	// Fields the HTTP layer must pass back into FinalizeStreaming once it
	// has finished relaying Body to the client.
	Provider      catalog.Provider
	SessionID     string
	Chain         []catalog.DecisionEntry
	Accountant    *upstream.Accountant
	StartedAt     time.Time
	OutboundModel string // post-redirect model actually sent upstream
}

// Dispatch runs the pipeline for req up to the first usable upstream
// response. Blocked and failed requests are recorded before it returns; a
// successful Result is recorded later by FinalizeStreaming.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	now := time.Now()

	// FILTERING (C7): sensitive-word check short-circuits before any
	// upstream traffic (spec.md E6).
	if d.sensitive != nil {
		texts := sensitive.ExtractUserText(req.DecodedBody)
		if match, blocked := d.sensitive.CheckAny(texts); blocked {
			d.recordBlocked(ctx, req, "sensitive_word:"+string(match.Kind), now)
			return Result{BlockedErr: apierr.New(apierr.KindBlockedByPolicy, http.StatusBadRequest, "request blocked by content policy")}, nil
		}
	}

	candidates, err := d.providers(ctx, req.APIType)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.KindAccountingError, http.StatusInternalServerError, "loading providers", err)
	}

	excluded := make(map[string]bool)
	var chain []catalog.DecisionEntry
	var sessionID string
	if req.SessionID != "" {
		sessionID = req.SessionID
	} else {
		sessionID = session.NewSessionID()
	}

	attempt := 0
	seen := 0
	for {
		if attempt >= maxAttempts || seen >= len(candidates) {
			d.recordBlocked(ctx, req, "no_candidate_provider", now)
			return Result{}, apierr.New(apierr.KindNoCandidateProvider, http.StatusServiceUnavailable, "no upstream provider available")
		}

		sel, err := d.selector.Select(ctx, candidates, selector.Request{
			Model: req.Model, SessionID: sessionID, ProviderGroup: req.Principal.ProviderGroup,
			Excluded: excluded, AttemptNumber: attempt,
			KeyID: req.KeyID.String(),
			KeyBudget: ratelimit.Caps{
				FiveHourUSD: req.Key.Budget.FiveHourUSD,
				WeeklyUSD:   req.Key.Budget.WeeklyUSD,
				MonthlyUSD:  req.Key.Budget.MonthlyUSD,
			},
			KeyConcurrencyLimit: req.Key.ConcurrentSessions,
		})
		if err != nil {
			d.recordBlocked(ctx, req, "no_candidate_provider", now)
			return Result{}, apierr.New(apierr.KindNoCandidateProvider, http.StatusServiceUnavailable, "no upstream provider available")
		}
		seen++

		outcome := d.attempt(ctx, req, sel.Provider, sessionID)
		sel.Entry.ErrorMessage = outcome.errMessage
		if outcome.retryable {
			sel.Entry.Reason = catalog.ReasonRetryFailed
			chain = append(chain, sel.Entry)
			excluded[sel.Provider.ID.String()] = true
			attempt++
			continue
		}

		chain = append(chain, sel.Entry)

		if outcome.err != nil {
			d.persistFailure(ctx, req, sel.Provider.ID, sessionID, chain, outcome, now)
			return Result{}, outcome.err
		}

		return Result{
			StatusCode: outcome.statusCode, Header: outcome.header, Body: outcome.body,
			Provider: sel.Provider, SessionID: sessionID, Chain: chain, Accountant: outcome.accountant,
			StartedAt: now, OutboundModel: outcome.outboundModel,
		}, nil
	}
}

type attemptOutcome struct {
	statusCode    int
	header        http.Header
	body          io.ReadCloser
	usage         catalog.UsageCounters
	priceMissing  bool
	accountant    *upstream.Accountant
	retryable     bool
	err           error
	errMessage    string
	outboundModel string // post-redirect model actually sent upstream
}

// attempt performs one FORWARDING pass against provider.
func (d *Dispatcher) attempt(ctx context.Context, req Request, provider catalog.Provider, sessionID string) attemptOutcome {
	dialect := upstream.DialectFor(provider.Type)
	outboundModel := provider.RedirectModel(req.Model)
	body := upstream.RewriteModel(req.Body, outboundModel)

	resp, err := d.forwarder.Forward(ctx, upstream.Request{
		ProviderID: provider.ID.String(), BaseURL: provider.BaseURL, Path: req.Path,
		Secret: provider.Secret, Dialect: dialect, Body: body, Timeout: req.ClientTimeout,
	})
	if err != nil {
		d.breakers.RecordFailure(provider.ID.String(), time.Now())
		return attemptOutcome{retryable: true, err: err, errMessage: err.Error(), outboundModel: outboundModel}
	}

	if isRetryableStatus(resp.StatusCode) {
		resp.Body.Close()
		d.breakers.RecordFailure(provider.ID.String(), time.Now())
		return attemptOutcome{retryable: true, errMessage: "upstream status " + http.StatusText(resp.StatusCode), outboundModel: outboundModel}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Provider misconfiguration: increments the breaker but is not
		// retried against another provider (spec.md §4.9).
		d.breakers.RecordFailure(provider.ID.String(), time.Now())
	} else {
		d.breakers.RecordSuccess(provider.ID.String(), time.Now())
	}

	acc := upstream.NewAccountant(dialect)
	tee := upstream.NewTeeReader(resp.Body, acc)

	_ = d.sessions.Heartbeat(ctx, sessionID, req.KeyID.String(), provider.ID.String(), time.Now())
	_ = d.sessions.PutInfo(ctx, session.Info{
		SessionID: sessionID, UserID: req.Principal.ID.String(), KeyID: req.KeyID.String(),
		Model: req.Model, APIType: string(req.APIType), StartedAt: time.Now(),
	})

	return attemptOutcome{
		statusCode: resp.StatusCode, header: resp.Header, body: tee, accountant: acc,
		outboundModel: outboundModel,
	}
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// FinalizeStreaming is called by the HTTP layer once it has finished
// relaying result.Body to the client (normally or via disconnect), so
// ACCOUNTING can run with the accountant's final usage. The caller must
// have stopped reading result.Body (or it disconnected) before calling
// this; FinalizeStreaming closes it.
func (d *Dispatcher) FinalizeStreaming(ctx context.Context, req Request, result Result, clientDisconnected bool) {
	if clientDisconnected {
		// Keep draining the upstream body long enough to recover final
		// usage, bounded by a short grace period (spec.md §5).
		drainCtx, cancel := context.WithTimeout(context.Background(), disconnectGrace)
		defer cancel()
		upstream.DrainForAccounting(drainCtx, result.Body, disconnectGrace)
	}
	_ = result.Body.Close()

	usageCounters, found := result.Accountant.Usage()
	outcome := attemptOutcome{statusCode: result.StatusCode, usage: usageCounters, priceMissing: !found, outboundModel: result.OutboundModel}
	d.accountAndPersist(ctx, req, result.Provider, result.SessionID, result.Chain, outcome, result.StartedAt)
}

func (d *Dispatcher) accountAndPersist(ctx context.Context, req Request, provider catalog.Provider, sessionID string, chain []catalog.DecisionEntry, outcome attemptOutcome, start time.Time) {
	if outcome.accountant != nil {
		usageCounters, found := outcome.accountant.Usage()
		outcome.usage = usageCounters
		outcome.priceMissing = !found
	}

	price, err := d.prices.Lookup(req.Model)
	priceMissing := outcome.priceMissing
	var costUSD string
	if err != nil {
		priceMissing = true
		costUSD = "0"
	} else {
		costUSD, err = cost.Calculate(outcome.usage, price, provider.CostMultiplier)
		if err != nil {
			priceMissing = true
			costUSD = "0"
		}
	}

	if f, err := cost.ToFloat64(costUSD); err == nil {
		if trackErr := d.ratelimit.TrackCost(ctx, req.KeyID.String(), provider.ID.String(), f); trackErr != nil {
			d.logger.Warn().Err(trackErr).Msg("track_cost failed")
		}
	}

	outboundModel := outcome.outboundModel
	if outboundModel == "" {
		outboundModel = req.Model
	}

	providerID := provider.ID
	rec := catalog.MessageRequest{
		ID: uuid.New(), UserID: req.Principal.ID, KeyID: req.KeyID, ProviderID: &providerID,
		Model: outboundModel, OriginalModel: req.Model, SessionID: sessionID,
		StatusCode: outcome.statusCode, Duration: time.Since(start), Usage: outcome.usage,
		CostUSD: costUSD, CostMultiplier: provider.CostMultiplier, DecisionChain: chain,
		UserAgent: req.UserAgent, MessageCount: 1, PriceMissing: priceMissing, CreatedAt: start,
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Error().Err(err).Msg("failed to persist usage record")
	}
}

func (d *Dispatcher) persistFailure(ctx context.Context, req Request, providerID uuid.UUID, sessionID string, chain []catalog.DecisionEntry, outcome attemptOutcome, start time.Time) {
	outboundModel := outcome.outboundModel
	if outboundModel == "" {
		outboundModel = req.Model
	}

	rec := catalog.MessageRequest{
		ID: uuid.New(), UserID: req.Principal.ID, KeyID: req.KeyID, ProviderID: &providerID,
		Model: outboundModel, OriginalModel: req.Model, SessionID: sessionID,
		StatusCode: outcome.statusCode, Duration: time.Since(start), DecisionChain: chain,
		ErrorMessage: outcome.errMessage, UserAgent: req.UserAgent, MessageCount: 1, CreatedAt: start,
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Error().Err(err).Msg("failed to persist failed-attempt usage record")
	}
}

func (d *Dispatcher) recordBlocked(ctx context.Context, req Request, reason string, now time.Time) {
	rec := catalog.MessageRequest{
		ID: uuid.New(), UserID: req.Principal.ID, KeyID: req.KeyID,
		Model: req.Model, OriginalModel: req.Model, SessionID: req.SessionID,
		BlockReason: reason, UserAgent: req.UserAgent, MessageCount: 1, CreatedAt: now,
	}
	if err := d.recorder.Record(ctx, rec); err != nil {
		d.logger.Error().Err(err).Msg("failed to persist blocked usage record")
	}
}
