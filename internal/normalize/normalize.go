// Package normalize rounds prices and quantities to exchange-valid values.
// All arithmetic is exact decimal; binary floats never touch the formatting
// step, so small-position and min-notional boundaries stay stable.
package normalize

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrBelowMinQty      = errors.New("quantity below instrument minimum")
	ErrBelowMinNotional = errors.New("notional below instrument minimum")
)

// RoundMode selects the rounding direction for a price. Protective orders
// round away from the position (TP up, SL down) so the exchange never
// rejects a tighter-than-intended level; entries round to nearest.
type RoundMode int

const (
	RoundEntry RoundMode = iota
	RoundStopLoss
	RoundTakeProfit
)

// Rules holds the per-instrument constraints the normalizer applies.
// Produced from exchange instrument metadata.
type Rules struct {
	PriceTick        decimal.Decimal
	QuantityStep     decimal.Decimal
	MinQuantity      decimal.Decimal
	MinNotional      decimal.Decimal
	PriceDecimals    int32
	QuantityDecimals int32
}

// Price rounds raw to the instrument tick using the mode's direction and
// formats it at the instrument's price width, trailing zeros preserved.
func Price(r Rules, raw decimal.Decimal, mode RoundMode) (string, error) {
	if raw.IsNegative() {
		return "", fmt.Errorf("negative price %s", raw)
	}

	tick := r.PriceTick
	if tick.IsZero() {
		// Instruments occasionally omit the tick; the decimal width implies it.
		tick = decimal.New(1, -r.PriceDecimals)
	}

	ticks := raw.Div(tick)
	switch mode {
	case RoundTakeProfit:
		ticks = ticks.Ceil()
	case RoundStopLoss:
		ticks = ticks.Floor()
	default:
		ticks = ticks.Round(0)
	}

	return ticks.Mul(tick).StringFixed(r.PriceDecimals), nil
}

// Floor returns raw floored to the instrument quantity step, without
// minimum validation. Callers that need the floored value even when it is
// too small to place (the top-up calculator) use this directly.
func Floor(r Rules, raw decimal.Decimal) decimal.Decimal {
	step := r.QuantityStep
	if step.IsZero() {
		step = decimal.New(1, -r.QuantityDecimals)
	}
	return raw.Div(step).Floor().Mul(step)
}

// Quantity floors raw to the instrument quantity step and validates it
// against the minimum quantity and, via refPrice, the minimum notional.
// The returned string is zero-padded to the instrument's quantity width.
func Quantity(r Rules, raw, refPrice decimal.Decimal) (string, error) {
	normalized := Floor(r, raw)

	if normalized.LessThan(r.MinQuantity) {
		return "", fmt.Errorf("%w: %s < %s", ErrBelowMinQty, normalized, r.MinQuantity)
	}
	if !r.MinNotional.IsZero() && normalized.Mul(refPrice).LessThan(r.MinNotional) {
		return "", fmt.Errorf("%w: %s x %s < %s", ErrBelowMinNotional,
			normalized, refPrice, r.MinNotional)
	}

	return normalized.StringFixed(r.QuantityDecimals), nil
}

// TopUp computes the smallest step-aligned quantity that, added to
// normalized, reaches the instrument minimum. Used to suggest how much
// to buy when a position is too small to protect.
func TopUp(r Rules, normalized decimal.Decimal) decimal.Decimal {
	step := r.QuantityStep
	if step.IsZero() {
		step = decimal.New(1, -r.QuantityDecimals)
	}

	missing := r.MinQuantity.Sub(normalized)
	if !missing.IsPositive() {
		return decimal.Zero
	}
	return missing.Div(step).Ceil().Mul(step)
}
