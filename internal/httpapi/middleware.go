// Middleware chain adapted from the teacher's gateway/middleware package:
// CORS (rewired onto go-chi/cors instead of the teacher's hand-rolled
// origin check), security headers, auth, and a per-key sliding-window
// local rate limiter kept nearly as-is (spec.md §6's distinct "429 local
// rate limit hit" concern, separate from internal/ratelimit's cost
// windows).
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/apierr"
	"github.com/nexusgate/gateway/internal/auth"
)

type contextKey string

const principalContextKey contextKey = "principal"

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(auth.Principal)
	return p, ok
}

// CORS mirrors the teacher's permissive browser-client CORS policy.
func CORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           3600,
	})
}

// SecurityHeaders adds the standard defensive header set.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per completed request.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MaxBodySize rejects/truncates bodies over maxBytes.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				apierr.WriteJSON(w, apierr.New(apierr.KindBodyTooLarge, http.StatusRequestEntityTooLarge, "request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware resolves the inbound key header into a Principal using
// authenticator, with surface fixed per mount point.
type AuthMiddleware struct {
	authenticator *auth.Authenticator
	headerKey     string
	surface       auth.Surface
}

// NewAuthMiddleware creates an AuthMiddleware for one surface.
func NewAuthMiddleware(a *auth.Authenticator, headerKey string, surface auth.Surface) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{authenticator: a, headerKey: headerKey, surface: surface}
}

func bearerToken(raw string) string {
	const prefix = "Bearer "
	if len(raw) > len(prefix) && raw[:len(prefix)] == prefix {
		return raw[len(prefix):]
	}
	return raw
}

// Handler authenticates the request and injects the resolved Principal.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(m.headerKey)
		key := bearerToken(raw)

		principal, err := m.authenticator.Authenticate(r.Context(), key, m.surface, time.Now())
		if err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.KindAuthFailed, http.StatusUnauthorized, "authentication failed"))
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter is a per-key sliding-window local rate limiter (spec.md §6's
// "429 local rate limit hit", distinct from the provider-facing cost
// windows in internal/ratelimit). Adapted from the teacher's
// middleware/ratelimit.go in-memory limiter.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
}

type slidingWindow struct {
	hits []time.Time
}

// NewRateLimiter creates an empty local rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*slidingWindow)}
}

// Handler enforces rpm requests per rolling minute. Non-admin principals
// are keyed by their key ID, and their user's RPMLimit, when set, replaces
// rpm; admin principals and unauthenticated requests are keyed by remote
// address at rpm.
func (rl *RateLimiter) Handler(rpm int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rpm <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			key := r.RemoteAddr
			effectiveRPM := rpm
			if p, ok := principalFrom(r.Context()); ok && !p.IsAdmin {
				key = p.Key.ID.String()
				if p.User.RPMLimit > 0 {
					effectiveRPM = p.User.RPMLimit
				}
			}

			allowed, remaining, resetAt := rl.allow(key, effectiveRPM)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(effectiveRPM))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
			if !allowed {
				apierr.WriteJSON(w, apierr.New(apierr.KindLocalRateLimited, http.StatusTooManyRequests, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(key string, rpm int) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-time.Minute)
	resetAt := now.Add(time.Minute)

	sw, ok := rl.windows[key]
	if !ok {
		sw = &slidingWindow{}
		rl.windows[key] = sw
	}

	valid := sw.hits[:0]
	for _, t := range sw.hits {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	sw.hits = valid

	if len(sw.hits) >= rpm {
		if len(sw.hits) > 0 {
			resetAt = sw.hits[0].Add(time.Minute)
		}
		return false, 0, resetAt
	}

	sw.hits = append(sw.hits, now)
	return true, rpm - len(sw.hits), resetAt
}
