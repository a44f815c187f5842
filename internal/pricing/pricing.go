// Package pricing implements the in-process price registry (spec.md §4.6,
// component C6): a cache of the latest known price per model, loaded at
// startup and refreshed on demand, with a typed "unknown model" sentinel so
// callers can mark a usage record PriceMissing rather than fail the
// request.
//
// Grounded on the teacher's provider/modelsync.go in-memory model cache
// (reload-and-swap under a mutex), adapted here from "list of models a
// provider serves" to "latest observed price per model name."
package pricing

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexusgate/gateway/internal/catalog"
)

// ErrUnknownModel is returned by Lookup when no price has ever been
// observed for a model (spec.md §4.6 "unknown model").
type ErrUnknownModel struct {
	Model string
}

func (e *ErrUnknownModel) Error() string {
	return "pricing: unknown model " + e.Model
}

// Loader fetches the full current price table, typically backed by
// internal/store's model_prices table.
type Loader func(ctx context.Context) ([]catalog.ModelPrice, error)

// Registry is the in-process latest-price-per-model cache.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]catalog.PriceData

	load   Loader
	logger zerolog.Logger

	onceLoaded  sync.Once
	subscribers []chan struct{}
	subMu       sync.Mutex
}

// New creates a price registry backed by load.
func New(load Loader, logger zerolog.Logger) *Registry {
	return &Registry{
		prices: make(map[string]catalog.PriceData),
		load:   load,
		logger: logger.With().Str("component", "pricing").Logger(),
	}
}

// Refresh reloads the full price table from the backing store and swaps it
// in atomically. Subscribers registered via Subscribe are notified the
// first time a non-empty load completes (spec.md §4.6 "notifies waiters on
// first successful non-empty load").
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.load(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("price refresh failed; keeping previous table")
		return err
	}

	next := make(map[string]catalog.PriceData, len(rows))
	for _, row := range rows {
		next[row.ModelName] = row.Price
	}

	r.mu.Lock()
	r.prices = next
	r.mu.Unlock()

	if len(rows) > 0 {
		r.onceLoaded.Do(r.notifySubscribers)
	}
	return nil
}

func (r *Registry) notifySubscribers() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		close(ch)
	}
	r.subscribers = nil
}

// Subscribe returns a channel closed the first time Refresh completes a
// non-empty load. If that has already happened, the returned channel is
// already closed.
func (r *Registry) Subscribe() <-chan struct{} {
	ch := make(chan struct{})
	r.subMu.Lock()
	defer r.subMu.Unlock()

	// onceLoaded.Do has already run iff prices is non-empty and the
	// subscriber slice was drained; detect "already loaded" by checking
	// whether notifySubscribers has run — approximated by prices size.
	r.mu.RLock()
	alreadyLoaded := len(r.prices) > 0
	r.mu.RUnlock()

	if alreadyLoaded {
		close(ch)
		return ch
	}
	r.subscribers = append(r.subscribers, ch)
	return ch
}

// Lookup returns the current price for model, or ErrUnknownModel.
func (r *Registry) Lookup(model string) (catalog.PriceData, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[model]
	if !ok {
		return catalog.PriceData{}, &ErrUnknownModel{Model: model}
	}
	return p, nil
}

// Size returns how many model prices are currently cached (for health/debug
// endpoints).
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.prices)
}
