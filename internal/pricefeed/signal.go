package pricefeed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the outcome of one signal evaluation.
type Direction string

const (
	SignalBuy  Direction = "BUY"
	SignalSell Direction = "SELL"
	SignalWait Direction = "WAIT"
)

// StrategyProfile selects the threshold set the evaluation runs with. Both
// fields are free-form and consumed only here.
type StrategyProfile struct {
	StrategyType string // "swing" (default) or "momentum"
	RiskApproach string // "conservative" (default) or "aggressive"
}

// EvalInput carries the per-symbol trading state the rules need beyond the
// market snapshot.
type EvalInput struct {
	BuyTarget    decimal.NullDecimal // operator's limit price, from the watchlist
	LastBuyPrice decimal.Decimal     // zero when the symbol has no prior entry
	PositionQty  decimal.Decimal     // current base-currency holding
}

// Signal is the evaluated outcome the monitor consumes.
type Signal struct {
	Direction Direction
	Price     decimal.Decimal
	Reason    string
}

type thresholds struct {
	rsiOversold   float64
	rsiOverbought float64
	volumeRatio   float64 // min current/avg volume behind a breakout
}

func profileThresholds(p StrategyProfile) thresholds {
	if p.RiskApproach == "aggressive" {
		return thresholds{rsiOversold: 40, rsiOverbought: 65, volumeRatio: 1.2}
	}
	return thresholds{rsiOversold: 30, rsiOverbought: 70, volumeRatio: 1.5}
}

// Evaluate derives BUY, SELL or WAIT from an indicator snapshot. Long-only:
// BUY opens or adds, SELL flags an exit condition on an existing position,
// WAIT is everything else. The monitor treats the output as opaque.
//
// Buy rules, first match wins:
//   - price at or under the operator's buy target;
//   - RSI oversold while the price holds above the 200-period average
//     (bounce in an uptrend);
//   - close above the recent resistance on elevated volume with EMA10 over
//     MA50 (momentum breakout; the only rule the "momentum" profile keeps).
//
// Sell rules require an open position:
//   - RSI overbought with the price back under EMA10;
//   - price under the 10-week average (long-term trend broken).
func Evaluate(ind *Indicators, profile StrategyProfile, in EvalInput) *Signal {
	th := profileThresholds(profile)
	price, _ := ind.Price.Float64()
	momentumOnly := profile.StrategyType == "momentum"

	if !momentumOnly {
		if in.BuyTarget.Valid && in.BuyTarget.Decimal.IsPositive() &&
			ind.Price.LessThanOrEqual(in.BuyTarget.Decimal) {
			return &Signal{
				Direction: SignalBuy,
				Price:     ind.Price,
				Reason:    fmt.Sprintf("price %s at buy target %s", ind.Price, in.BuyTarget.Decimal),
			}
		}

		if ind.RSI > 0 && ind.RSI <= th.rsiOversold && ind.MA200 > 0 && price > ind.MA200 {
			return &Signal{
				Direction: SignalBuy,
				Price:     ind.Price,
				Reason:    fmt.Sprintf("RSI %.1f oversold above MA200 %.4f", ind.RSI, ind.MA200),
			}
		}
	}

	if ind.Resistance > 0 && price > ind.Resistance &&
		ind.AvgVolume > 0 && ind.CurrentVolume >= th.volumeRatio*ind.AvgVolume &&
		ind.EMA10 > ind.MA50 && ind.MA50 > 0 {
		return &Signal{
			Direction: SignalBuy,
			Price:     ind.Price,
			Reason:    fmt.Sprintf("breakout above %.4f on %.1fx volume", ind.Resistance, ind.CurrentVolume/ind.AvgVolume),
		}
	}

	if in.PositionQty.IsPositive() {
		if ind.RSI >= th.rsiOverbought && ind.EMA10 > 0 && price < ind.EMA10 {
			return &Signal{
				Direction: SignalSell,
				Price:     ind.Price,
				Reason:    fmt.Sprintf("RSI %.1f overbought, price under EMA10 %.4f", ind.RSI, ind.EMA10),
			}
		}
		if ind.MA10Weekly > 0 && price < ind.MA10Weekly {
			return &Signal{
				Direction: SignalSell,
				Price:     ind.Price,
				Reason:    fmt.Sprintf("price under 10-week average %.4f", ind.MA10Weekly),
			}
		}
	}

	return &Signal{Direction: SignalWait, Price: ind.Price}
}
