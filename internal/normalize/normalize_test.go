package normalize

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adaRules() Rules {
	return Rules{
		PriceTick:        decimal.RequireFromString("0.0001"),
		QuantityStep:     decimal.RequireFromString("0.1"),
		MinQuantity:      decimal.RequireFromString("1"),
		MinNotional:      decimal.RequireFromString("1"),
		PriceDecimals:    4,
		QuantityDecimals: 1,
	}
}

func TestPriceDirectionalRounding(t *testing.T) {
	r := adaRules()
	raw := decimal.RequireFromString("0.51505")

	tests := []struct {
		name     string
		mode     RoundMode
		expected string
	}{
		{"take profit rounds up", RoundTakeProfit, "0.5151"},
		{"stop loss rounds down", RoundStopLoss, "0.5150"},
		{"entry rounds to nearest tie up", RoundEntry, "0.5151"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Price(r, raw, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPriceEntryNearest(t *testing.T) {
	r := adaRules()

	got, err := Price(r, decimal.RequireFromString("0.51502"), RoundEntry)
	require.NoError(t, err)
	assert.Equal(t, "0.5150", got)

	got, err = Price(r, decimal.RequireFromString("0.51508"), RoundEntry)
	require.NoError(t, err)
	assert.Equal(t, "0.5151", got)
}

func TestPricePreservesTrailingZeros(t *testing.T) {
	r := adaRules()

	got, err := Price(r, decimal.RequireFromString("0.5"), RoundEntry)
	require.NoError(t, err)
	assert.Equal(t, "0.5000", got)
}

func TestPriceRoundTrip(t *testing.T) {
	// Normalizing an already-normalized price is a no-op for every mode.
	r := adaRules()
	modes := []RoundMode{RoundEntry, RoundStopLoss, RoundTakeProfit}
	raws := []string{"0.51505", "0.4999", "1.23456789", "0.0001"}

	for _, s := range raws {
		for _, mode := range modes {
			once, err := Price(r, decimal.RequireFromString(s), mode)
			require.NoError(t, err)
			twice, err := Price(r, decimal.RequireFromString(once), mode)
			require.NoError(t, err)
			assert.Equal(t, once, twice, "raw %s mode %d", s, mode)
		}
	}
}

func TestPriceZeroTickFallsBackToDecimals(t *testing.T) {
	r := adaRules()
	r.PriceTick = decimal.Zero

	got, err := Price(r, decimal.RequireFromString("0.51506"), RoundStopLoss)
	require.NoError(t, err)
	assert.Equal(t, "0.5150", got)
}

func TestPriceRejectsNegative(t *testing.T) {
	_, err := Price(adaRules(), decimal.RequireFromString("-1"), RoundEntry)
	assert.Error(t, err)
}

func TestQuantityFloorsToStep(t *testing.T) {
	r := adaRules()
	ref := decimal.RequireFromString("0.50")

	got, err := Quantity(r, decimal.RequireFromString("200.27"), ref)
	require.NoError(t, err)
	assert.Equal(t, "200.2", got)
}

func TestQuantityRoundTrip(t *testing.T) {
	r := adaRules()
	ref := decimal.RequireFromString("0.50")

	once, err := Quantity(r, decimal.RequireFromString("15.37"), ref)
	require.NoError(t, err)
	twice, err := Quantity(r, decimal.RequireFromString(once), ref)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestQuantityBelowMinQty(t *testing.T) {
	r := adaRules()
	ref := decimal.RequireFromString("100")

	_, err := Quantity(r, decimal.RequireFromString("0.5"), ref)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinQty))
}

func TestQuantityBelowMinNotional(t *testing.T) {
	r := adaRules()
	// 1.5 units at 0.10 = 0.15 notional, below the 1.00 minimum
	_, err := Quantity(r, decimal.RequireFromString("1.5"), decimal.RequireFromString("0.10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinNotional))
}

func TestTopUp(t *testing.T) {
	r := adaRules()

	tests := []struct {
		name       string
		normalized string
		expected   string
	}{
		{"already above minimum", "2.0", "0"},
		{"exactly at minimum", "1.0", "0"},
		{"needs step-aligned top up", "0.4", "0.6"},
		{"fraction of a step missing", "0.95", "0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TopUp(r, decimal.RequireFromString(tt.normalized))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expected)),
				"got %s want %s", got, tt.expected)
		})
	}
}
