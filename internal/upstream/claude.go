// Claude dialect support: Anthropic-style auth (x-api-key) and the
// message_start / message_delta usage shape of the Messages API streaming
// format. Grounded on the teacher's provider/anthropic.go for the header
// and response-shape knowledge, trimmed to what billing needs since this
// gateway relays bytes rather than re-encoding requests/responses.
package upstream

import (
	"encoding/json"

	"net/http"

	"github.com/nexusgate/gateway/internal/catalog"
)

const anthropicVersion = "2023-06-01"

// ClaudeDialect implements Dialect for Anthropic-style providers.
type ClaudeDialect struct{}

func (ClaudeDialect) Name() string                     { return "claude" }
func (ClaudeDialect) APIType() catalog.ProviderType     { return catalog.ProviderClaude }

func (ClaudeDialect) SetAuthHeaders(req *http.Request, secret string) {
	req.Header.Set("x-api-key", secret)
	req.Header.Set("anthropic-version", anthropicVersion)
}

type claudeUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

type claudeMessageResponse struct {
	Usage claudeUsage `json:"usage"`
}

func (ClaudeDialect) ExtractUsageFromJSON(body []byte) (catalog.UsageCounters, bool) {
	var resp claudeMessageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return catalog.UsageCounters{}, false
	}
	if resp.Usage.InputTokens == 0 && resp.Usage.OutputTokens == 0 {
		return catalog.UsageCounters{}, false
	}
	return toCounters(resp.Usage), true
}

type claudeStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message"`
	Usage claudeUsage `json:"usage"`
}

// ExtractUsageFromEvent handles both message_start (carries the initial
// input/cache usage nested under "message") and message_delta (carries the
// running output_tokens total at top level) event shapes.
func (ClaudeDialect) ExtractUsageFromEvent(ev Event) (catalog.UsageCounters, bool) {
	var se claudeStreamEvent
	if err := json.Unmarshal(ev.Data, &se); err != nil {
		return catalog.UsageCounters{}, false
	}
	switch se.Type {
	case "message_start":
		return toCounters(se.Message.Usage), true
	case "message_delta":
		return toCounters(se.Usage), true
	default:
		return catalog.UsageCounters{}, false
	}
}

func toCounters(u claudeUsage) catalog.UsageCounters {
	return catalog.UsageCounters{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheCreateTokens: u.CacheCreationInputTokens,
		CacheReadTokens:   u.CacheReadInputTokens,
	}
}
