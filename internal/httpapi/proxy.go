// Client-facing proxy handlers: decode the inbound request just enough to
// drive the dispatcher (model, session id, raw body), then relay the
// dispatcher's response back to the client — streaming it chunk-by-chunk
// when the upstream uses SSE, so the tee'd accountant observes bytes as
// they arrive instead of after a full buffer. Adapted from the teacher's
// handler/proxy.go ChatCompletions entrypoint, generalized from one
// provider family to the claude/codex dialect split.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/apierr"
	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/dispatcher"
)

const sessionIDHeader = "X-Session-ID"

// ProxyHandler serves the client-facing dispatch routes.
type ProxyHandler struct {
	dispatcher *dispatcher.Dispatcher
	logger     zerolog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(d *dispatcher.Dispatcher, logger zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{dispatcher: d, logger: logger.With().Str("component", "proxy_handler").Logger()}
}

func (h *ProxyHandler) dispatch(w http.ResponseWriter, r *http.Request, apiType catalog.ProviderType, upstreamPath string) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		apierr.WriteJSON(w, apierr.New(apierr.KindAuthFailed, http.StatusUnauthorized, "authentication required"))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, http.StatusBadRequest, "could not read request body"))
		return
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, http.StatusBadRequest, "request body must be JSON"))
		return
	}
	model, _ := decoded["model"].(string)
	if model == "" {
		apierr.WriteJSON(w, apierr.New(apierr.KindBadRequest, http.StatusBadRequest, "model is required"))
		return
	}

	req := dispatcher.Request{
		Principal:     principal.User,
		Key:           principal.Key,
		KeyID:         principal.Key.ID,
		APIType:       apiType,
		Path:          upstreamPath,
		Model:         model,
		SessionID:     r.Header.Get(sessionIDHeader),
		Body:          raw,
		DecodedBody:   decoded,
		UserAgent:     r.Header.Get("User-Agent"),
		ClientTimeout: 0,
	}

	result, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		apierr.WriteJSON(w, err)
		return
	}
	if result.BlockedErr != nil {
		apierr.WriteJSON(w, result.BlockedErr)
		return
	}

	h.relay(w, r, result, req)
}

// relay streams result.Body to the client. SSE responses are flushed per
// chunk so partial-disconnect accounting sees bytes as they arrive; other
// content types are copied straight through.
func (h *ProxyHandler) relay(w http.ResponseWriter, r *http.Request, result dispatcher.Result, req dispatcher.Request) {
	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(result.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	isSSE := strings.Contains(result.Header.Get("Content-Type"), "text/event-stream")

	buf := make([]byte, 4096)
	disconnected := false
	for {
		n, readErr := result.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				disconnected = true
				break
			}
			if isSSE && canFlush {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}

	h.dispatcher.FinalizeStreaming(r.Context(), req, result, disconnected)
}

// Claude handles Anthropic-style message requests.
func (h *ProxyHandler) Claude(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, catalog.ProviderClaude, "/v1/messages")
}

// ChatCompletions handles OpenAI chat-completions requests.
func (h *ProxyHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, catalog.ProviderCodex, "/v1/chat/completions")
}

// Responses handles OpenAI responses-API requests.
func (h *ProxyHandler) Responses(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, catalog.ProviderCodex, "/v1/responses")
}
