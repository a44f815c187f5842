package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Forwarder issues the outbound request to one provider, sharing a
// connection pool across providers (spec.md §4.9's forwarding step).
type Forwarder struct {
	pool *Pool
}

// NewForwarder creates a Forwarder backed by pool.
func NewForwarder(pool *Pool) *Forwarder {
	return &Forwarder{pool: pool}
}

// Request describes one outbound call.
type Request struct {
	ProviderID string
	BaseURL    string
	Path       string
	Secret     string
	Dialect    Dialect
	Body       []byte
	Headers    http.Header
	Timeout    time.Duration
}

// Forward sends req and returns the raw *http.Response for the caller to
// relay (the gateway does not transform response content, only
// model-name remapping on the request per spec.md §1's Non-goal).
func (f *Forwarder) Forward(ctx context.Context, req Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.BaseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("upstream: building request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	req.Dialect.SetAuthHeaders(httpReq, req.Secret)

	client := f.pool.Client(req.ProviderID, req.Timeout)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: request failed: %w", err)
	}
	return resp, nil
}

// RewriteModel patches only the top-level "model" field of a JSON request
// body, leaving everything else byte-identical in structure (spec.md §1's
// Non-goal permits model-name remapping and nothing else). If the body
// cannot be parsed as a JSON object, it is returned unchanged.
func RewriteModel(body []byte, newModel string) []byte {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return body
	}
	quoted, err := json.Marshal(newModel)
	if err != nil {
		return body
	}
	generic["model"] = quoted
	out, err := json.Marshal(generic)
	if err != nil {
		return body
	}
	return out
}

// DrainForAccounting reads r to completion (or until ctx is done) purely to
// let an Accountant observe trailing usage bytes after the client-facing
// writer has stopped reading — the "partial disconnect" grace period of
// spec.md §5/§4.9. The caller must close the underlying response body once
// this returns so the background read goroutine unblocks even if the grace
// period elapses first.
func DrainForAccounting(ctx context.Context, r io.Reader, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			if _, err := r.Read(buf); err != nil {
				return
			}
		}
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
}
