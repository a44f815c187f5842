package upstream

import (
	"io"

	"github.com/nexusgate/gateway/internal/catalog"
)

// Accountant incrementally extracts usage from a streamed upstream
// response as bytes flow through it, merging each extraction into a
// running total field-by-field (spec.md §4.9: "partial usage... is
// tolerated; accounting uses the final summary" — later non-zero fields
// override earlier ones rather than being summed, since each dialect
// reports a running/cumulative count, not a delta).
type Accountant struct {
	dialect Dialect
	parser  eventParser
	usage   catalog.UsageCounters
	found   bool
}

// NewAccountant creates an Accountant for the given provider dialect.
func NewAccountant(d Dialect) *Accountant {
	return &Accountant{dialect: d}
}

// Feed parses newly available bytes and merges any usage they reveal.
func (a *Accountant) Feed(chunk []byte) {
	for _, ev := range a.parser.Feed(chunk) {
		if u, ok := a.dialect.ExtractUsageFromEvent(ev); ok {
			a.merge(u)
		}
	}
}

func (a *Accountant) merge(u catalog.UsageCounters) {
	a.found = true
	if u.InputTokens != 0 {
		a.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens != 0 {
		a.usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreateTokens != 0 {
		a.usage.CacheCreateTokens = u.CacheCreateTokens
	}
	if u.CacheReadTokens != 0 {
		a.usage.CacheReadTokens = u.CacheReadTokens
	}
}

// Usage returns the best-known usage counters and whether any usage was
// ever observed. When no SSE event carried usage (a non-streaming
// response), the bytes still held by the framer are parsed as one JSON
// body through the dialect's ExtractUsageFromJSON.
func (a *Accountant) Usage() (catalog.UsageCounters, bool) {
	if !a.found {
		if u, ok := a.dialect.ExtractUsageFromJSON(a.parser.buf.Bytes()); ok {
			return u, true
		}
	}
	return a.usage, a.found
}

// TeeReader wraps an upstream response body so that every byte read by the
// client-facing writer is also fed to an Accountant — a single read of the
// upstream stream serves both purposes (spec.md §9).
type TeeReader struct {
	r   io.ReadCloser
	acc *Accountant
}

// NewTeeReader wraps r, feeding every Read into acc.
func NewTeeReader(r io.ReadCloser, acc *Accountant) *TeeReader {
	return &TeeReader{r: r, acc: acc}
}

func (t *TeeReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.acc.Feed(p[:n])
	}
	return n, err
}

// Close closes the underlying upstream body.
func (t *TeeReader) Close() error { return t.r.Close() }
