// Admin control-plane handlers: circuit-breaker status/reset and the usage
// aggregation views (session, daily/monthly totals, provider-today,
// leaderboard). Gated on the admin surface by AuthMiddleware + RequireAdmin.
// Adapted from the teacher's handler providers/health and analytics query
// handlers, generalized onto this gateway's breaker and usage types.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/apierr"
	"github.com/nexusgate/gateway/internal/breaker"
	"github.com/nexusgate/gateway/internal/usage"
)

// AdminHandler serves the control-plane routes.
type AdminHandler struct {
	breakers *breaker.Registry
	usage    *usage.Recorder
	logger   zerolog.Logger
	loc      *time.Location
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(breakers *breaker.Registry, rec *usage.Recorder, loc *time.Location, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{breakers: breakers, usage: rec, loc: loc, logger: logger.With().Str("component", "admin_handler").Logger()}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RequireAdmin rejects any principal without IsAdmin: the synthesized
// admin-token principal and database users with the admin role pass.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || !p.IsAdmin {
			apierr.WriteJSON(w, apierr.New(apierr.KindAuthFailed, http.StatusForbidden, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CircuitStatus reports every provider's breaker snapshot.
func (h *AdminHandler) CircuitStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.All())
}

// CircuitReset forces one provider's breaker back to closed.
func (h *AdminHandler) CircuitReset(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	if providerID == "" {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, http.StatusBadRequest, "providerID is required"))
		return
	}
	h.breakers.Reset(providerID)
	writeJSON(w, http.StatusOK, map[string]string{"provider_id": providerID, "state": string(breaker.Closed)})
}

// SessionUsage returns one session's aggregate usage.
func (h *AdminHandler) SessionUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	summary, err := h.usage.SessionSummary(r.Context(), sessionID)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindAccountingError, http.StatusInternalServerError, "loading session usage", err))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// UserTotals returns a user's daily and monthly cost roll-ups.
func (h *AdminHandler) UserTotals(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, http.StatusBadRequest, "invalid user id"))
		return
	}
	now := time.Now().In(h.loc)

	daily, err := h.usage.DailyTotals(r.Context(), userID, now)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindAccountingError, http.StatusInternalServerError, "loading daily totals", err))
		return
	}
	monthly, err := h.usage.MonthlyTotals(r.Context(), userID, now)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindAccountingError, http.StatusInternalServerError, "loading monthly totals", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"daily": daily, "monthly": monthly})
}

// ProviderToday returns one provider's today roll-up and last-call status.
func (h *AdminHandler) ProviderToday(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, http.StatusBadRequest, "invalid provider id"))
		return
	}
	totals, err := h.usage.ProviderToday(r.Context(), providerID, time.Now().In(h.loc))
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindAccountingError, http.StatusInternalServerError, "loading provider totals", err))
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

// Leaderboard returns the top keys by cost since the period start.
func (h *AdminHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	since := time.Now().In(h.loc).AddDate(0, 0, -30)
	if v := r.URL.Query().Get("since_days"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			since = time.Now().In(h.loc).AddDate(0, 0, -days)
		}
	}

	rows, err := h.usage.Leaderboard(r.Context(), since, limit)
	if err != nil {
		apierr.WriteJSON(w, apierr.Wrap(apierr.KindAccountingError, http.StatusInternalServerError, "loading leaderboard", err))
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
