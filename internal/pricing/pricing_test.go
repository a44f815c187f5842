package pricing_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/catalog"
	"github.com/nexusgate/gateway/internal/pricing"
)

func TestLookupUnknownModel(t *testing.T) {
	reg := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) {
		return nil, nil
	}, zerolog.Nop())

	_, err := reg.Lookup("gpt-ghost")
	require.Error(t, err)
	var unknown *pricing.ErrUnknownModel
	assert.ErrorAs(t, err, &unknown)
}

func TestRefreshPopulatesLookup(t *testing.T) {
	rows := []catalog.ModelPrice{
		{ModelName: "claude-x", Price: catalog.PriceData{InputCostPerToken: "0.000003", OutputCostPerToken: "0.000015"}, ObservedAt: time.Now()},
	}
	reg := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) { return rows, nil }, zerolog.Nop())

	require.NoError(t, reg.Refresh(context.Background()))
	p, err := reg.Lookup("claude-x")
	require.NoError(t, err)
	assert.Equal(t, "0.000003", p.InputCostPerToken)
	assert.Equal(t, 1, reg.Size())
}

func TestSubscribeNotifiedOnFirstNonEmptyLoad(t *testing.T) {
	loaded := false
	reg := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) {
		if loaded {
			return []catalog.ModelPrice{{ModelName: "m", Price: catalog.PriceData{InputCostPerToken: "1", OutputCostPerToken: "1"}}}, nil
		}
		return nil, nil
	}, zerolog.Nop())

	ch := reg.Subscribe()
	require.NoError(t, reg.Refresh(context.Background()))
	select {
	case <-ch:
		t.Fatal("must not notify on empty load")
	default:
	}

	loaded = true
	require.NoError(t, reg.Refresh(context.Background()))
	select {
	case <-ch:
	default:
		t.Fatal("must notify after first non-empty load")
	}
}

func TestRefreshErrorKeepsPreviousTable(t *testing.T) {
	first := true
	reg := pricing.New(func(ctx context.Context) ([]catalog.ModelPrice, error) {
		if first {
			first = false
			return []catalog.ModelPrice{{ModelName: "m", Price: catalog.PriceData{InputCostPerToken: "1", OutputCostPerToken: "1"}}}, nil
		}
		return nil, assert.AnError
	}, zerolog.Nop())

	require.NoError(t, reg.Refresh(context.Background()))
	require.Error(t, reg.Refresh(context.Background()))

	_, err := reg.Lookup("m")
	assert.NoError(t, err, "a failed refresh must not wipe the previously loaded table")
}
