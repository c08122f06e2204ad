package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fakeInstrumentsAPI struct {
	instruments []InstrumentMetadata
	err         error
	calls       int
}

func (f *fakeInstrumentsAPI) GetInstruments(ctx context.Context) ([]InstrumentMetadata, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.instruments, nil
}

func adaInstrument() InstrumentMetadata {
	return InstrumentMetadata{
		Symbol:           "ADA_USD",
		PriceTick:        decimal.RequireFromString("0.0001"),
		QuantityStep:     decimal.RequireFromString("0.1"),
		MinQuantity:      decimal.NewFromInt(1),
		MinNotional:      decimal.NewFromInt(1),
		PriceDecimals:    4,
		QuantityDecimals: 1,
		MaxLeverage:      10,
	}
}

func TestMetadataFetchedOnceWithinTTL(t *testing.T) {
	api := &fakeInstrumentsAPI{instruments: []InstrumentMetadata{adaInstrument()}}
	cache := NewMetadataCache(api, zerolog.Nop())

	for i := 0; i < 3; i++ {
		meta, err := cache.Get(context.Background(), "ADA_USD")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if meta.MaxLeverage != 10 {
			t.Errorf("Unexpected metadata: %+v", meta)
		}
	}
	if api.calls != 1 {
		t.Errorf("Expected 1 fetch within TTL, got %d", api.calls)
	}
}

func TestMetadataRefreshesAfterTTL(t *testing.T) {
	api := &fakeInstrumentsAPI{instruments: []InstrumentMetadata{adaInstrument()}}
	cache := NewMetadataCache(api, zerolog.Nop())

	current := time.Now()
	cache.now = func() time.Time { return current }

	if _, err := cache.Get(context.Background(), "ADA_USD"); err != nil {
		t.Fatalf("first Get failed: %v", err)
	}

	current = current.Add(metadataTTL + time.Minute)
	if _, err := cache.Get(context.Background(), "ADA_USD"); err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if api.calls != 2 {
		t.Errorf("Expected refetch after TTL, got %d calls", api.calls)
	}
}

func TestMetadataServesStaleOnRefreshFailure(t *testing.T) {
	api := &fakeInstrumentsAPI{instruments: []InstrumentMetadata{adaInstrument()}}
	cache := NewMetadataCache(api, zerolog.Nop())

	current := time.Now()
	cache.now = func() time.Time { return current }

	if _, err := cache.Get(context.Background(), "ADA_USD"); err != nil {
		t.Fatalf("first Get failed: %v", err)
	}

	current = current.Add(metadataTTL + time.Minute)
	api.err = errors.New("gateway down")

	meta, err := cache.Get(context.Background(), "ADA_USD")
	if err != nil {
		t.Fatalf("Expected stale metadata to be served, got %v", err)
	}
	if meta.Symbol != "ADA_USD" {
		t.Errorf("Unexpected stale metadata: %+v", meta)
	}
}

func TestMetadataUnavailableWhenNeverFetched(t *testing.T) {
	api := &fakeInstrumentsAPI{err: errors.New("gateway down")}
	cache := NewMetadataCache(api, zerolog.Nop())

	_, err := cache.Get(context.Background(), "ADA_USD")
	if !errors.Is(err, ErrMetadataUnavailable) {
		t.Fatalf("Expected ErrMetadataUnavailable, got %v", err)
	}
}

func TestMetadataUnknownSymbol(t *testing.T) {
	api := &fakeInstrumentsAPI{instruments: []InstrumentMetadata{adaInstrument()}}
	cache := NewMetadataCache(api, zerolog.Nop())

	_, err := cache.Get(context.Background(), "DOGE_USD")
	if !errors.Is(err, ErrMetadataUnavailable) {
		t.Fatalf("Expected ErrMetadataUnavailable for unknown symbol, got %v", err)
	}
}

func TestMetadataRulesConversion(t *testing.T) {
	api := &fakeInstrumentsAPI{instruments: []InstrumentMetadata{adaInstrument()}}
	cache := NewMetadataCache(api, zerolog.Nop())

	rules, err := cache.Rules(context.Background(), "ADA_USD")
	if err != nil {
		t.Fatalf("Rules failed: %v", err)
	}
	if !rules.PriceTick.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("Unexpected tick: %s", rules.PriceTick)
	}
	if rules.PriceDecimals != 4 || rules.QuantityDecimals != 1 {
		t.Errorf("Unexpected decimals: %+v", rules)
	}
}
