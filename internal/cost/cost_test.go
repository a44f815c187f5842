package cost_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/cost"
)

func TestCalculateBasicUsage(t *testing.T) {
	price := catalog.PriceData{
		InputCostPerToken:  "0.000003",
		OutputCostPerToken: "0.000015",
	}
	usage := catalog.UsageCounters{InputTokens: 1000, OutputTokens: 500}

	got, err := cost.Calculate(usage, price, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "0.010500000000000", got)
}

func TestCalculateAppliesCostMultiplier(t *testing.T) {
	price := catalog.PriceData{InputCostPerToken: "0.000003", OutputCostPerToken: "0.000015"}
	usage := catalog.UsageCounters{InputTokens: 1000}

	got, err := cost.Calculate(usage, price, 2.5)
	require.NoError(t, err)
	assert.Equal(t, "0.007500000000000", got)
}

func TestCalculateDefaultsCacheRatesWhenUnset(t *testing.T) {
	price := catalog.PriceData{InputCostPerToken: "0.000010", OutputCostPerToken: "0.000020"}
	usage := catalog.UsageCounters{CacheCreateTokens: 100, CacheReadTokens: 100}

	got, err := cost.Calculate(usage, price, 1.0)
	require.NoError(t, err)
	// cache-create defaults to 1.1x input (0.000011/tok * 100 = 0.0011)
	// cache-read defaults to 0.1x output (0.000002/tok * 100 = 0.0002)
	assert.Equal(t, "0.001300000000000", got)
}

func TestCalculateHonorsExplicitCacheRates(t *testing.T) {
	create := "0.000050"
	read := "0.000001"
	price := catalog.PriceData{
		InputCostPerToken:       "0.000010",
		OutputCostPerToken:      "0.000020",
		CacheCreateCostPerToken: &create,
		CacheReadCostPerToken:   &read,
	}
	usage := catalog.UsageCounters{CacheCreateTokens: 10, CacheReadTokens: 10}

	got, err := cost.Calculate(usage, price, 1.0)
	require.NoError(t, err)
	assert.Equal(t, "0.000510000000000", got)
}

func TestCalculateReturnsMissingPriceError(t *testing.T) {
	price := catalog.PriceData{InputCostPerToken: "not-a-number", OutputCostPerToken: "0.000020"}
	_, err := cost.Calculate(catalog.UsageCounters{InputTokens: 1}, price, 1.0)
	require.Error(t, err)
	var missing *cost.ErrMissingPrice
	assert.ErrorAs(t, err, &missing)
}

func TestIsZero(t *testing.T) {
	assert.True(t, cost.IsZero("0"))
	assert.True(t, cost.IsZero("0.000000000000000"))
	assert.False(t, cost.IsZero("0.000000000000001"))
}

func TestToFloat64RoundTrips(t *testing.T) {
	f, err := cost.ToFloat64("1.500000000000000")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, f, 0.0000001)
}
