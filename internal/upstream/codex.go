// Codex dialect support: OpenAI-style bearer auth and the chat-completions
// / responses-API usage shapes, including the `[DONE]` stream terminator.
// Grounded on the teacher's provider/openai.go for header and response
// shape knowledge.
package upstream

import (
	"encoding/json"
	"net/http"

	"github.com/nexusgate/gateway/internal/catalog"
)

// CodexDialect implements Dialect for OpenAI-style providers.
type CodexDialect struct{}

func (CodexDialect) Name() string                 { return "codex" }
func (CodexDialect) APIType() catalog.ProviderType { return catalog.ProviderCodex }

func (CodexDialect) SetAuthHeaders(req *http.Request, secret string) {
	req.Header.Set("Authorization", "Bearer "+secret)
}

type codexUsage struct {
	PromptTokens            int64 `json:"prompt_tokens"`
	CompletionTokens        int64 `json:"completion_tokens"`
	PromptTokensDetails     struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	// Responses-API uses input_tokens/output_tokens instead.
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type codexResponse struct {
	Usage *codexUsage `json:"usage"`
}

func (CodexDialect) ExtractUsageFromJSON(body []byte) (catalog.UsageCounters, bool) {
	var resp codexResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return catalog.UsageCounters{}, false
	}
	return codexCounters(*resp.Usage), true
}

type codexStreamChunk struct {
	Object string      `json:"object"`
	Type   string      `json:"type"` // responses-API events, e.g. "response.completed"
	Usage  *codexUsage `json:"usage"`
	Response struct {
		Usage *codexUsage `json:"usage"`
	} `json:"response"`
}

func (CodexDialect) ExtractUsageFromEvent(ev Event) (catalog.UsageCounters, bool) {
	if IsDoneSentinel(ev.Data) {
		return catalog.UsageCounters{}, false
	}
	var chunk codexStreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return catalog.UsageCounters{}, false
	}
	if chunk.Usage != nil {
		return codexCounters(*chunk.Usage), true
	}
	if chunk.Response.Usage != nil {
		return codexCounters(*chunk.Response.Usage), true
	}
	return catalog.UsageCounters{}, false
}

func codexCounters(u codexUsage) catalog.UsageCounters {
	input := u.PromptTokens
	output := u.CompletionTokens
	if u.InputTokens != 0 || u.OutputTokens != 0 {
		input = u.InputTokens
		output = u.OutputTokens
	}
	return catalog.UsageCounters{
		InputTokens:     input,
		OutputTokens:    output,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}
