package dispatcher_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/dispatcher"
	"github.com/nexusgate/gateway/internal/kvstore"
	"github.com/nexusgate/gateway/internal/pricing"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/selector"
	"github.com/nexusgate/gateway/internal/sensitive"
	"github.com/nexusgate/gateway/internal/session"
	"github.com/nexusgate/gateway/internal/upstream"
)

type fakeRecorder struct {
	records []catalog.MessageRequest
}

func (f *fakeRecorder) Record(ctx context.Context, m catalog.MessageRequest) error {
	f.records = append(f.records, m)
	return nil
}

func testProvider(baseURL string, priority int) catalog.Provider {
	return catalog.Provider{
		ID: uuid.New(), DisplayName: "p", BaseURL: baseURL, Secret: "sk-test",
		Type: catalog.ProviderClaude, Enabled: true, Priority: priority, Weight: 1,
		CostMultiplier: 1.0,
	}
}

func newHarness(t *testing.T, providers []catalog.Provider, sensitiveMatcher *sensitive.Matcher) (*dispatcher.Dispatcher, *fakeRecorder) {
	t.Helper()
	store := kvstore.NewMemory()
	breakers := breaker.NewRegistry()
	rl := ratelimit.New(store, zerolog.Nop())
	sessions := session.New(store)
	sel := selector.New(breakers, rl, sessions, zerolog.Nop())
	prices := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) {
		return []catalog.ModelPrice{
			{ModelName: "claude-3-opus", Price: catalog.PriceData{
				InputCostPerToken: "0.000003", OutputCostPerToken: "0.000015",
			}},
		}, nil
	}, zerolog.Nop())
	require.NoError(t, prices.Refresh(context.Background()))

	pool := upstream.NewPool(upstream.DefaultPoolConfig())
	forwarder := upstream.NewForwarder(pool)
	rec := &fakeRecorder{}

	providerSource := func(ctx context.Context, apiType catalog.ProviderType) ([]catalog.Provider, error) {
		return providers, nil
	}

	d := dispatcher.New(providerSource, sel, breakers, rl, sessions, prices, sensitiveMatcher, rec, forwarder, zerolog.Nop())
	return d, rec
}

func baseRequest(keyID, userID uuid.UUID) dispatcher.Request {
	return dispatcher.Request{
		Principal:     catalog.User{ID: userID, Enabled: true},
		KeyID:         keyID,
		APIType:       catalog.ProviderClaude,
		Path:          "/v1/messages",
		Model:         "claude-3-opus",
		Body:          []byte(`{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`),
		DecodedBody:   map[string]interface{}{"messages": []interface{}{map[string]interface{}{"role": "user", "content": "hi"}}},
		ClientTimeout: 5 * time.Second,
	}
}

func TestDispatchSuccessRecordsUsageAndCost(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":1000,"output_tokens":500}}`))
	}))
	defer upstreamSrv.Close()

	providers := []catalog.Provider{testProvider(upstreamSrv.URL, 0)}
	d, rec := newHarness(t, providers, nil)

	req := baseRequest(uuid.New(), uuid.New())
	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, result.BlockedErr)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	body, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "msg_1")

	d.FinalizeStreaming(context.Background(), req, result, false)

	require.Len(t, rec.records, 1)
	got := rec.records[0]
	assert.Equal(t, int64(1000), got.Usage.InputTokens)
	assert.Equal(t, int64(500), got.Usage.OutputTokens)
	assert.Equal(t, "0.010500000000000", got.CostUSD)
	assert.False(t, got.PriceMissing)
}

func TestDispatchRetriesPastFailingProvider(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer healthy.Close()

	providers := []catalog.Provider{testProvider(failing.URL, 0), testProvider(healthy.URL, 1)}
	d, rec := newHarness(t, providers, nil)

	req := baseRequest(uuid.New(), uuid.New())
	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Len(t, result.Chain, 2)
	assert.Equal(t, catalog.ReasonRetryFailed, result.Chain[0].Reason)

	d.FinalizeStreaming(context.Background(), req, result, false)
	require.Len(t, rec.records, 1)
}

func TestDispatchNoCandidateWhenAllProvidersFail(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	providers := []catalog.Provider{testProvider(failing.URL, 0)}
	d, rec := newHarness(t, providers, nil)

	req := baseRequest(uuid.New(), uuid.New())
	_, err := d.Dispatch(context.Background(), req)
	require.Error(t, err)
	require.Len(t, rec.records, 1)
	assert.Equal(t, "no_candidate_provider", rec.records[0].BlockReason)
}

func TestDispatchPersistsRedirectedModelSeparatelyFromOriginal(t *testing.T) {
	var observedModel string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]interface{}
		_ = json.Unmarshal(body, &decoded)
		observedModel, _ = decoded["model"].(string)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer upstreamSrv.Close()

	p := testProvider(upstreamSrv.URL, 0)
	p.ModelRedirect = map[string]string{"claude-3-opus": "claude-3-5-sonnet"}
	providers := []catalog.Provider{p}
	d, rec := newHarness(t, providers, nil)

	req := baseRequest(uuid.New(), uuid.New())
	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, result.BlockedErr)

	_, _ = io.ReadAll(result.Body)
	d.FinalizeStreaming(context.Background(), req, result, false)

	assert.Equal(t, "claude-3-5-sonnet", observedModel, "upstream must receive the redirected model")

	require.Len(t, rec.records, 1)
	got := rec.records[0]
	assert.Equal(t, "claude-3-5-sonnet", got.Model, "persisted Model must be the observed (post-redirect) name")
	assert.Equal(t, "claude-3-opus", got.OriginalModel, "persisted OriginalModel must be the pre-redirect name the client sent")
}

func TestDispatchBlocksOnSensitiveWord(t *testing.T) {
	matcher := sensitive.Compile([]sensitive.Word{{Pattern: "forbidden", Kind: sensitive.KindContains}})

	providers := []catalog.Provider{testProvider("http://unused.invalid", 0)}
	d, rec := newHarness(t, providers, matcher)

	req := baseRequest(uuid.New(), uuid.New())
	req.DecodedBody = map[string]interface{}{
		"messages": []interface{}{map[string]interface{}{"role": "user", "content": "this is forbidden content"}},
	}

	result, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result.BlockedErr)
	assert.Equal(t, "blocked_by_policy", string(result.BlockedErr.Kind))

	require.Len(t, rec.records, 1)
	assert.Contains(t, rec.records[0].BlockReason, "sensitive_word")
}
