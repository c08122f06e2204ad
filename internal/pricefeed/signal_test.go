package pricefeed

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func snapshot(price string, mutate func(*Indicators)) *Indicators {
	ind := &Indicators{
		Symbol:   "ADA_USD",
		Interval: "1h",
		Price:    decimal.RequireFromString(price),
		RSI:      50,
		MA50:     0.50,
		MA200:    0.45,
		EMA10:    0.51,
	}
	if mutate != nil {
		mutate(ind)
	}
	return ind
}

func TestEvaluateSignals(t *testing.T) {
	holding := EvalInput{PositionQty: decimal.NewFromInt(100)}

	tests := []struct {
		name    string
		ind     *Indicators
		profile StrategyProfile
		in      EvalInput
		want    Direction
		reason  string
	}{
		{
			name: "neutral snapshot waits",
			ind:  snapshot("0.5000", nil),
			want: SignalWait,
		},
		{
			name: "buy target hit",
			ind:  snapshot("0.4800", nil),
			in: EvalInput{BuyTarget: decimal.NullDecimal{
				Decimal: decimal.RequireFromString("0.48"), Valid: true}},
			want:   SignalBuy,
			reason: "buy target",
		},
		{
			name:   "oversold above MA200 buys",
			ind:    snapshot("0.5000", func(i *Indicators) { i.RSI = 25 }),
			want:   SignalBuy,
			reason: "oversold",
		},
		{
			name: "oversold below MA200 waits",
			ind:  snapshot("0.4000", func(i *Indicators) { i.RSI = 25 }),
			want: SignalWait,
		},
		{
			name: "aggressive profile buys earlier",
			ind:  snapshot("0.5000", func(i *Indicators) { i.RSI = 38 }),
			profile: StrategyProfile{
				RiskApproach: "aggressive",
			},
			want: SignalBuy,
		},
		{
			name: "breakout on volume buys",
			ind: snapshot("0.5500", func(i *Indicators) {
				i.Resistance = 0.54
				i.CurrentVolume = 2000
				i.AvgVolume = 1000
			}),
			want:   SignalBuy,
			reason: "breakout",
		},
		{
			name: "breakout without volume waits",
			ind: snapshot("0.5500", func(i *Indicators) {
				i.Resistance = 0.54
				i.CurrentVolume = 1100
				i.AvgVolume = 1000
			}),
			want: SignalWait,
		},
		{
			name: "momentum profile ignores oversold",
			ind:  snapshot("0.5000", func(i *Indicators) { i.RSI = 25 }),
			profile: StrategyProfile{
				StrategyType: "momentum",
			},
			want: SignalWait,
		},
		{
			name: "overbought under EMA10 sells a position",
			ind: snapshot("0.5000", func(i *Indicators) {
				i.RSI = 75
				i.EMA10 = 0.52
			}),
			in:     holding,
			want:   SignalSell,
			reason: "overbought",
		},
		{
			name: "overbought without a position waits",
			ind: snapshot("0.5000", func(i *Indicators) {
				i.RSI = 75
				i.EMA10 = 0.52
			}),
			want: SignalWait,
		},
		{
			name: "weekly trend break sells a position",
			ind: snapshot("0.5000", func(i *Indicators) {
				i.MA10Weekly = 0.55
			}),
			in:     holding,
			want:   SignalSell,
			reason: "10-week",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.ind, tt.profile, tt.in)
			if got.Direction != tt.want {
				t.Fatalf("Expected %s, got %s (%s)", tt.want, got.Direction, got.Reason)
			}
			if tt.reason != "" && !strings.Contains(got.Reason, tt.reason) {
				t.Errorf("Expected reason containing %q, got %q", tt.reason, got.Reason)
			}
			if !got.Price.Equal(tt.ind.Price) {
				t.Errorf("Signal price should carry the snapshot price")
			}
		})
	}
}
