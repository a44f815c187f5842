package httpapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/auth"
	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/dispatcher"
	"github.com/nexusgate/gateway/internal/httpapi"
	"github.com/nexusgate/gateway/internal/kvstore"
	"github.com/nexusgate/gateway/internal/pricing"
	"github.com/nexusgate/gateway/internal/ratelimit"
	"github.com/nexusgate/gateway/internal/selector"
	"github.com/nexusgate/gateway/internal/session"
	"github.com/nexusgate/gateway/internal/upstream"
)

type fakeAuthStore struct {
	keys  map[string]catalog.Key
	users map[uuid.UUID]catalog.User
}

func (f *fakeAuthStore) GetKeyBySecret(ctx context.Context, secret string) (catalog.Key, error) {
	k, ok := f.keys[secret]
	if !ok {
		return catalog.Key{}, assert.AnError
	}
	return k, nil
}

func (f *fakeAuthStore) GetUserByID(ctx context.Context, id uuid.UUID) (catalog.User, error) {
	u, ok := f.users[id]
	if !ok {
		return catalog.User{}, assert.AnError
	}
	return u, nil
}

type noopRecorder struct{}

func (noopRecorder) Record(ctx context.Context, m catalog.MessageRequest) error { return nil }

func testRouter(t *testing.T, upstreamURL string, adminToken string) http.Handler {
	t.Helper()

	userID := uuid.New()
	authStore := &fakeAuthStore{
		keys: map[string]catalog.Key{
			"sk-live-test": {ID: uuid.New(), UserID: userID, Enabled: true, WebLoginCapable: true},
		},
		users: map[uuid.UUID]catalog.User{
			userID: {ID: userID, Enabled: true},
		},
	}
	authenticator := auth.New(authStore, adminToken)

	store := kvstore.NewMemory()
	breakers := breaker.NewRegistry()
	rl := ratelimit.New(store, zerolog.Nop())
	sessions := session.New(store)
	sel := selector.New(breakers, rl, sessions, zerolog.Nop())

	prices := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) {
		return []catalog.ModelPrice{{ModelName: "claude-3-opus", Price: catalog.PriceData{
			InputCostPerToken: "0.000003", OutputCostPerToken: "0.000015",
		}}}, nil
	}, zerolog.Nop())
	require.NoError(t, prices.Refresh(context.Background()))

	pool := upstream.NewPool(upstream.DefaultPoolConfig())
	forwarder := upstream.NewForwarder(pool)

	providerSource := func(ctx context.Context, apiType catalog.ProviderType) ([]catalog.Provider, error) {
		return []catalog.Provider{{
			ID: uuid.New(), BaseURL: upstreamURL, Secret: "sk-up", Type: catalog.ProviderClaude,
			Enabled: true, Weight: 1, CostMultiplier: 1.0,
		}}, nil
	}

	d := dispatcher.New(providerSource, sel, breakers, rl, sessions, prices, nil, noopRecorder{}, forwarder, zerolog.Nop())

	cfg := httpapi.Config{APIKeyHeader: "Authorization", MaxBodyBytes: 1 << 20, RateLimitRPM: 0, Timezone: time.UTC}
	return httpapi.NewRouter(cfg, authenticator, d, breakers, nil, nil, zerolog.Nop())
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	r := testRouter(t, "http://unused.invalid", "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
}

func TestMessagesRequiresAuth(t *testing.T) {
	r := testRouter(t, "http://unused.invalid", "admin-secret")
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestMessagesDispatchesWithValidKey(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":5,"output_tokens":3}}`))
	}))
	defer upstreamSrv.Close()

	r := testRouter(t, upstreamSrv.URL, "admin-secret")
	body := `{"model":"claude-3-opus","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer sk-live-test")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), "input_tokens")
}

func TestAdminCircuitsForbiddenForNonAdmin(t *testing.T) {
	r := testRouter(t, "http://unused.invalid", "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/admin/circuits", nil)
	req.Header.Set("Authorization", "Bearer sk-live-test")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusForbidden, rw.Code)
}

func TestAdminCircuitsAllowedForAdminToken(t *testing.T) {
	r := testRouter(t, "http://unused.invalid", "admin-secret")
	req := httptest.NewRequest(http.MethodGet, "/admin/circuits", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusOK, rw.Code)
}
