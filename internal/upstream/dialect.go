package upstream

import (
	"net/http"

	"github.com/nexusgate/gateway/internal/catalog"
)

// Dialect is the per-provider-type byte-stream behavior the gateway needs:
// how to authenticate outbound requests and where to find token usage in a
// response, whether buffered JSON or an SSE event. Per spec.md §1's
// Non-goal, the gateway does not transform request/response content
// between dialects beyond model-name remapping — Dialect exists only to
// authenticate and to locate usage, not to reshape payloads.
type Dialect interface {
	// Name identifies the dialect for logging/metrics.
	Name() string
	// APIType is the catalog.ProviderType this dialect implements.
	APIType() catalog.ProviderType
	// SetAuthHeaders adds the provider's credential to an outbound request.
	SetAuthHeaders(req *http.Request, secret string)
	// ExtractUsageFromJSON parses a non-streaming response body for its
	// final usage block.
	ExtractUsageFromJSON(body []byte) (catalog.UsageCounters, bool)
	// ExtractUsageFromEvent inspects one SSE event and reports the usage it
	// carries, if any. Dialects may emit usage incrementally; the
	// accountant keeps the most recent extraction as authoritative
	// (spec.md §4.9 "accounting uses the final summary").
	ExtractUsageFromEvent(ev Event) (catalog.UsageCounters, bool)
}

// DialectFor returns the Dialect implementation for a provider type.
func DialectFor(t catalog.ProviderType) Dialect {
	switch t {
	case catalog.ProviderClaude:
		return ClaudeDialect{}
	case catalog.ProviderCodex:
		return CodexDialect{}
	default:
		return CodexDialect{}
	}
}
