package pricefeed

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// indicatorTTL bounds how long an indicator snapshot is reused. The monitor
// ticks every 30 s, so one snapshot serves at most one full cycle.
const indicatorTTL = 30 * time.Second

// Indicators is one market snapshot for a symbol: the current price plus
// the indicator values the signal evaluation consumes. Indicator values are
// plain floats; only the price takes part in money math downstream.
type Indicators struct {
	Symbol        string
	Interval      string
	Price         decimal.Decimal
	RSI           float64
	MA50          float64
	MA200         float64
	EMA10         float64
	MA10Weekly    float64
	ATR           float64
	CurrentVolume float64
	AvgVolume     float64
	Resistance    float64
	Support       float64
	FetchedAt     time.Time
}

// indicatorPayload is the primary indicator service response.
type indicatorPayload struct {
	Symbol        string  `json:"symbol"`
	Price         string  `json:"price"`
	RSI           float64 `json:"rsi"`
	MA50          float64 `json:"ma50"`
	MA200         float64 `json:"ma200"`
	EMA10         float64 `json:"ema10"`
	MA10Weekly    float64 `json:"ma10w"`
	ATR           float64 `json:"atr"`
	CurrentVolume float64 `json:"current_volume"`
	AvgVolume     float64 `json:"avg_volume"`
	Resistance    float64 `json:"resistance"`
	Support       float64 `json:"support"`
}

// candlePayload is one OHLCV row from the public candles endpoint. Numeric
// fields arrive as strings.
type candlePayload struct {
	Time   int64  `json:"t"`
	Open   string `json:"o"`
	High   string `json:"h"`
	Low    string `json:"l"`
	Close  string `json:"c"`
	Volume string `json:"v"`
}

type candlesResponse struct {
	Symbol  string          `json:"symbol"`
	Candles []candlePayload `json:"candles"`
}

// Candle is one parsed OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// GetPriceWithIndicators returns the indicator snapshot for a symbol at the
// given candle interval. The dedicated indicator service is the primary
// source; when it is down, raw candles from the public API are pulled and
// the indicators computed locally. Snapshots are cached for 30 seconds.
func (f *Fetcher) GetPriceWithIndicators(ctx context.Context, symbol, interval string) (*Indicators, error) {
	key := symbol + "|" + interval
	if snap := f.cachedSnapshot(key); snap != nil {
		return snap, nil
	}

	snap, primaryErr := f.fromIndicatorService(ctx, symbol, interval)
	if primaryErr == nil {
		f.storeSnapshot(key, snap)
		return snap, nil
	}

	snap, fallbackErr := f.fromCandles(ctx, symbol, interval)
	if fallbackErr == nil {
		f.logger.Warn().
			Str("symbol", symbol).
			AnErr("indicator_error", primaryErr).
			Msg("indicator service failed, computed from raw candles")
		f.storeSnapshot(key, snap)
		return snap, nil
	}

	return nil, fmt.Errorf("%w: %s indicators (service: %v, candles: %v)",
		ErrPriceUnavailable, symbol, primaryErr, fallbackErr)
}

func (f *Fetcher) cachedSnapshot(key string) *Indicators {
	f.snapMu.Lock()
	defer f.snapMu.Unlock()
	snap, ok := f.snapshots[key]
	if !ok || time.Since(snap.FetchedAt) > indicatorTTL {
		return nil
	}
	return snap
}

func (f *Fetcher) storeSnapshot(key string, snap *Indicators) {
	f.snapMu.Lock()
	defer f.snapMu.Unlock()
	f.snapshots[key] = snap
}

func (f *Fetcher) fromIndicatorService(ctx context.Context, symbol, interval string) (*Indicators, error) {
	if f.indicators == nil {
		return nil, fmt.Errorf("no indicator service configured")
	}

	var out indicatorPayload
	resp, err := f.indicators.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetResult(&out).
		Get("/v1/indicators")
	if err != nil {
		return nil, fmt.Errorf("indicator service %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("indicator service %s: status %d", symbol, resp.StatusCode())
	}

	price, err := decimal.NewFromString(out.Price)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("indicator service %s: bad price %q", symbol, out.Price)
	}

	return &Indicators{
		Symbol:        symbol,
		Interval:      interval,
		Price:         price,
		RSI:           out.RSI,
		MA50:          out.MA50,
		MA200:         out.MA200,
		EMA10:         out.EMA10,
		MA10Weekly:    out.MA10Weekly,
		ATR:           out.ATR,
		CurrentVolume: out.CurrentVolume,
		AvgVolume:     out.AvgVolume,
		Resistance:    out.Resistance,
		Support:       out.Support,
		FetchedAt:     time.Now(),
	}, nil
}

// fromCandles rebuilds the snapshot from raw OHLCV data: enough interval
// candles for MA200 plus a dozen weekly candles for the long-term average.
func (f *Fetcher) fromCandles(ctx context.Context, symbol, interval string) (*Indicators, error) {
	if f.fallback == nil {
		return nil, fmt.Errorf("no candle source configured")
	}

	candles, err := f.fetchCandles(ctx, symbol, interval, 210)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s", symbol)
	}
	weekly, err := f.fetchCandles(ctx, symbol, "1w", 12)
	if err != nil {
		// Weekly history is optional context, not a reason to skip the tick.
		f.logger.Debug().Err(err).Str("symbol", symbol).Msg("weekly candles unavailable")
		weekly = nil
	}

	return computeSnapshot(symbol, interval, candles, weekly), nil
}

func (f *Fetcher) fetchCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var out candlesResponse
	resp, err := f.fallback.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("interval", interval).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&out).
		Get("/v1/candles")
	if err != nil {
		return nil, fmt.Errorf("candles %s %s: %w", symbol, interval, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("candles %s %s: status %d", symbol, interval, resp.StatusCode())
	}

	candles := make([]Candle, 0, len(out.Candles))
	for _, row := range out.Candles {
		c, err := row.parse()
		if err != nil {
			return nil, fmt.Errorf("candles %s %s: %w", symbol, interval, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (p candlePayload) parse() (Candle, error) {
	var (
		c   Candle
		err error
	)
	c.Time = time.UnixMilli(p.Time)
	if c.Open, err = strconv.ParseFloat(p.Open, 64); err != nil {
		return c, fmt.Errorf("bad open %q", p.Open)
	}
	if c.High, err = strconv.ParseFloat(p.High, 64); err != nil {
		return c, fmt.Errorf("bad high %q", p.High)
	}
	if c.Low, err = strconv.ParseFloat(p.Low, 64); err != nil {
		return c, fmt.Errorf("bad low %q", p.Low)
	}
	if c.Close, err = strconv.ParseFloat(p.Close, 64); err != nil {
		return c, fmt.Errorf("bad close %q", p.Close)
	}
	if c.Volume, err = strconv.ParseFloat(p.Volume, 64); err != nil {
		return c, fmt.Errorf("bad volume %q", p.Volume)
	}
	return c, nil
}

func computeSnapshot(symbol, interval string, candles, weekly []Candle) *Indicators {
	last := candles[len(candles)-1]
	support, resistance := findSupportResistance(candles, 50)

	return &Indicators{
		Symbol:        symbol,
		Interval:      interval,
		Price:         decimal.NewFromFloat(last.Close),
		RSI:           calculateRSI(candles, 14),
		MA50:          calculateSMA(candles, 50),
		MA200:         calculateSMA(candles, 200),
		EMA10:         calculateEMA(candles, 10),
		MA10Weekly:    calculateSMA(weekly, 10),
		ATR:           calculateATR(candles, 14),
		CurrentVolume: last.Volume,
		AvgVolume:     calculateAverageVolume(candles, 20),
		Resistance:    resistance,
		Support:       support,
		FetchedAt:     time.Now(),
	}
}

func calculateSMA(candles []Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

func calculateEMA(candles []Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	ema := calculateSMA(candles[:period], period)
	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

func calculateRSI(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50.0 // neutral
	}
	gains := 0.0
	losses := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

func calculateATR(candles []Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		highLow := candles[i].High - candles[i].Low
		highClose := math.Abs(candles[i].High - candles[i-1].Close)
		lowClose := math.Abs(candles[i].Low - candles[i-1].Close)
		sum += math.Max(highLow, math.Max(highClose, lowClose))
	}
	return sum / float64(period)
}

func calculateAverageVolume(candles []Candle, period int) float64 {
	if len(candles) < period || period <= 0 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period)
}

// findSupportResistance scans the lookback window for the extremes the
// breakout and bounce rules compare against.
func findSupportResistance(candles []Candle, lookback int) (support, resistance float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	start := len(candles) - lookback
	if start < 0 {
		start = 0
	}
	support = candles[start].Low
	resistance = candles[start].High
	for _, c := range candles[start:] {
		if c.Low < support {
			support = c.Low
		}
		if c.High > resistance {
			resistance = c.High
		}
	}
	return support, resistance
}
