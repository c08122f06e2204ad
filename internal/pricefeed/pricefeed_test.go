package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/exchange"
)

type fakeTickerAPI struct {
	ticker *exchange.Ticker
	err    error
	calls  int
}

func (f *fakeTickerAPI) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.ticker, nil
}

func adaTicker() *exchange.Ticker {
	return &exchange.Ticker{
		Symbol: "ADA_USD",
		Ask:    decimal.RequireFromString("0.5152"),
		Bid:    decimal.RequireFromString("0.5150"),
		Last:   decimal.RequireFromString("0.5151"),
	}
}

func TestExchangeIsPrimarySource(t *testing.T) {
	api := &fakeTickerAPI{ticker: adaTicker()}
	f := NewFetcher(api, nil, Config{}, zerolog.Nop())

	q, err := f.GetQuote(context.Background(), "ADA_USD")
	if err != nil {
		t.Fatalf("GetQuote failed: %v", err)
	}
	if !q.Last.Equal(decimal.RequireFromString("0.5151")) {
		t.Errorf("Unexpected quote: %+v", q)
	}
	if !q.Ask.Equal(decimal.RequireFromString("0.5152")) {
		t.Errorf("Ask not taken from ticker: %s", q.Ask)
	}
}

func TestFallbackUsedWhenExchangeFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "ADA_USD" {
			t.Errorf("Expected symbol query param, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"symbol":"ADA_USD","price":"0.5149"}`)
	}))
	defer server.Close()

	api := &fakeTickerAPI{err: errors.New("gateway down")}
	f := NewFetcher(api, nil, Config{FallbackURL: server.URL}, zerolog.Nop())

	q, err := f.GetQuote(context.Background(), "ADA_USD")
	if err != nil {
		t.Fatalf("Expected fallback to serve quote, got %v", err)
	}
	if !q.Last.Equal(decimal.RequireFromString("0.5149")) {
		t.Errorf("Unexpected fallback quote: %+v", q)
	}
	// Fallback carries no book, ask and bid collapse to last.
	if !q.Ask.Equal(q.Last) || !q.Bid.Equal(q.Last) {
		t.Errorf("Fallback ask/bid should equal last: %+v", q)
	}
}

func TestPriceUnavailableWhenAllSourcesFail(t *testing.T) {
	api := &fakeTickerAPI{err: errors.New("gateway down")}
	f := NewFetcher(api, nil, Config{}, zerolog.Nop())

	_, err := f.GetQuote(context.Background(), "ADA_USD")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("Expected ErrPriceUnavailable, got %v", err)
	}
}

func TestCacheShortCircuitsSources(t *testing.T) {
	api := &fakeTickerAPI{ticker: adaTicker()}
	priceCache := cache.NewPriceCache(nil, zerolog.Nop())
	f := NewFetcher(api, priceCache, Config{}, zerolog.Nop())

	if _, err := f.GetQuote(context.Background(), "ADA_USD"); err != nil {
		t.Fatalf("first GetQuote failed: %v", err)
	}
	if _, err := f.GetQuote(context.Background(), "ADA_USD"); err != nil {
		t.Fatalf("second GetQuote failed: %v", err)
	}
	if api.calls != 1 {
		t.Errorf("Expected cached quote to skip the exchange, got %d calls", api.calls)
	}
}

func TestBadFallbackPriceRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"ADA_USD","price":"not-a-number"}`)
	}))
	defer server.Close()

	api := &fakeTickerAPI{err: errors.New("gateway down")}
	f := NewFetcher(api, nil, Config{FallbackURL: server.URL}, zerolog.Nop())

	_, err := f.GetQuote(context.Background(), "ADA_USD")
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("Expected ErrPriceUnavailable on unparsable fallback, got %v", err)
	}
}
