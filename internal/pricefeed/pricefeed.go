// Package pricefeed resolves current prices for the monitor. The exchange
// ticker is the primary source; a public HTTP quote API is the fallback so
// alerting keeps working through short exchange read outages. A symbol with
// no price from any source is skipped for the cycle, never traded blind.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/exchange"
)

// ErrPriceUnavailable means every configured source failed for the symbol.
var ErrPriceUnavailable = errors.New("price unavailable from all sources")

type tickerAPI interface {
	GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error)
}

// Config configures the external feed sources.
type Config struct {
	// IndicatorURL is the base URL of the indicator service, empty disables it.
	IndicatorURL string
	// FallbackURL is the base URL of a public quote/candle API, empty disables it.
	FallbackURL string
	Timeout     time.Duration
}

// Fetcher resolves quotes through cache, exchange, then fallback, and
// indicator snapshots through the indicator service with a local-compute
// fallback over raw candles.
type Fetcher struct {
	api        tickerAPI
	cache      *cache.PriceCache
	indicators *resty.Client
	fallback   *resty.Client
	logger     zerolog.Logger

	snapMu    sync.Mutex
	snapshots map[string]*Indicators
}

type fallbackQuote struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewFetcher creates a price fetcher. cache may be nil to disable caching.
func NewFetcher(api tickerAPI, priceCache *cache.PriceCache, cfg Config, logger zerolog.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	f := &Fetcher{
		api:       api,
		cache:     priceCache,
		logger:    logger.With().Str("component", "PriceFetcher").Logger(),
		snapshots: make(map[string]*Indicators),
	}
	if cfg.IndicatorURL != "" {
		f.indicators = resty.New().
			SetBaseURL(cfg.IndicatorURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second)
	}
	if cfg.FallbackURL != "" {
		f.fallback = resty.New().
			SetBaseURL(cfg.FallbackURL).
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second)
	}
	return f
}

// GetQuote returns a current quote for the symbol. Quotes younger than the
// cache TTL are reused across loops and the API layer.
func (f *Fetcher) GetQuote(ctx context.Context, symbol string) (*cache.Quote, error) {
	if f.cache != nil {
		if q, ok := f.cache.Get(ctx, symbol); ok {
			return q, nil
		}
	}

	q, primaryErr := f.fromExchange(ctx, symbol)
	if primaryErr == nil {
		f.store(ctx, q)
		return q, nil
	}

	q, fallbackErr := f.fromFallback(ctx, symbol)
	if fallbackErr == nil {
		f.logger.Warn().
			Str("symbol", symbol).
			AnErr("exchange_error", primaryErr).
			Msg("exchange ticker failed, using fallback quote")
		f.store(ctx, q)
		return q, nil
	}

	return nil, fmt.Errorf("%w: %s (exchange: %v, fallback: %v)",
		ErrPriceUnavailable, symbol, primaryErr, fallbackErr)
}

func (f *Fetcher) fromExchange(ctx context.Context, symbol string) (*cache.Quote, error) {
	ticker, err := f.api.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if ticker.Last.IsZero() && ticker.Ask.IsZero() {
		return nil, fmt.Errorf("empty ticker for %s", symbol)
	}

	last := ticker.Last
	if last.IsZero() {
		last = ticker.Ask
	}
	ask := ticker.Ask
	if ask.IsZero() {
		ask = last
	}
	bid := ticker.Bid
	if bid.IsZero() {
		bid = last
	}
	return &cache.Quote{
		Symbol:    symbol,
		Ask:       ask,
		Bid:       bid,
		Last:      last,
		FetchedAt: time.Now(),
	}, nil
}

// fromFallback reads a last-trade price from the public quote API. The
// fallback has no order book depth, so ask and bid are set to the last
// price and downstream logic treats them conservatively.
func (f *Fetcher) fromFallback(ctx context.Context, symbol string) (*cache.Quote, error) {
	if f.fallback == nil {
		return nil, errors.New("no fallback source configured")
	}

	var out fallbackQuote
	resp, err := f.fallback.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/v1/quote")
	if err != nil {
		return nil, fmt.Errorf("fallback quote %s: %w", symbol, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fallback quote %s: status %d", symbol, resp.StatusCode())
	}

	price, err := decimal.NewFromString(out.Price)
	if err != nil || !price.IsPositive() {
		return nil, fmt.Errorf("fallback quote %s: bad price %q", symbol, out.Price)
	}
	return &cache.Quote{
		Symbol:    symbol,
		Ask:       price,
		Bid:       price,
		Last:      price,
		FetchedAt: time.Now(),
	}, nil
}

func (f *Fetcher) store(ctx context.Context, q *cache.Quote) {
	if f.cache != nil {
		f.cache.Set(ctx, q)
	}
}
