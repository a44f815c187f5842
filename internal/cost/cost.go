// Package cost implements the streaming cost calculator (spec.md §4.5,
// component C5): a pure function from token usage and model price to a
// billed USD amount, using arbitrary-precision decimal arithmetic so that
// per-token rates with many fractional digits never lose precision the way
// binary floats would.
//
// Grounded on the teacher's provider/pricing.go cost formula (token_count *
// cost_per_token, summed across input/output/cache-create/cache-read) but
// replaces its float64 arithmetic with shopspring/decimal, named directly in
// the pack's other_examples manifests — spec.md §5 forbids binary floats
// for money math.
package cost

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nexusgate/gateway/internal/catalog"
)

// roundingPlaces is how many fractional digits a computed cost is rounded
// to before being persisted (spec.md §4.5 "round half-up to 15 fractional
// digits").
const roundingPlaces = 15

// defaultCacheCreateMultiplier and defaultCacheReadMultiplier are the
// fallback rates used when a ModelPrice omits explicit cache pricing
// (spec.md §4.5 "if unset, cache-create defaults to 1.1x the input rate and
// cache-read defaults to 0.1x the output rate").
const (
	defaultCacheCreateMultiplier = "1.1"
	defaultCacheReadMultiplier   = "0.1"
)

// ErrMissingPrice is returned when input/output rates cannot be parsed;
// callers should treat this like spec.md's "unknown model" case and mark
// the usage record's PriceMissing flag rather than fail the request.
type ErrMissingPrice struct {
	Model string
	Err   error
}

func (e *ErrMissingPrice) Error() string {
	return fmt.Sprintf("cost: missing or invalid price for model %q: %v", e.Model, e.Err)
}

func (e *ErrMissingPrice) Unwrap() error { return e.Err }

// Calculate computes the USD cost of usage against price, applying
// multiplier (a provider's cost_multiplier, spec.md §4.8) to the total.
// Returns the cost as a decimal string suitable for catalog.MessageRequest.CostUSD.
func Calculate(usage catalog.UsageCounters, price catalog.PriceData, multiplier float64) (string, error) {
	inputRate, err := decimal.NewFromString(price.InputCostPerToken)
	if err != nil {
		return "0", &ErrMissingPrice{Err: err}
	}
	outputRate, err := decimal.NewFromString(price.OutputCostPerToken)
	if err != nil {
		return "0", &ErrMissingPrice{Err: err}
	}

	cacheCreateRate := inputRate.Mul(decimal.RequireFromString(defaultCacheCreateMultiplier))
	if price.CacheCreateCostPerToken != nil {
		r, err := decimal.NewFromString(*price.CacheCreateCostPerToken)
		if err != nil {
			return "0", &ErrMissingPrice{Err: err}
		}
		cacheCreateRate = r
	}

	cacheReadRate := outputRate.Mul(decimal.RequireFromString(defaultCacheReadMultiplier))
	if price.CacheReadCostPerToken != nil {
		r, err := decimal.NewFromString(*price.CacheReadCostPerToken)
		if err != nil {
			return "0", &ErrMissingPrice{Err: err}
		}
		cacheReadRate = r
	}

	total := decimal.NewFromInt(usage.InputTokens).Mul(inputRate).
		Add(decimal.NewFromInt(usage.OutputTokens).Mul(outputRate)).
		Add(decimal.NewFromInt(usage.CacheCreateTokens).Mul(cacheCreateRate)).
		Add(decimal.NewFromInt(usage.CacheReadTokens).Mul(cacheReadRate))

	mult := decimal.NewFromFloat(multiplier)
	total = total.Mul(mult)

	return total.Round(roundingPlaces).StringFixed(roundingPlaces), nil
}

// IsZero reports whether a cost string (as produced by Calculate) is zero.
// A string that does not parse as a decimal also counts as zero.
func IsZero(costUSD string) bool {
	d, err := decimal.NewFromString(costUSD)
	if err != nil {
		return true
	}
	return d.IsZero()
}

// ToFloat64 converts a persisted decimal cost string to a float64 for use by
// internal/ratelimit, which tracks running sums as floats in the KV store.
// The precision loss here is bounded and accepted at the rolling-window
// layer (spec.md §5): the authoritative per-request amount stays the
// decimal string recorded on the usage record.
func ToFloat64(costUSD string) (float64, error) {
	d, err := decimal.NewFromString(costUSD)
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}
