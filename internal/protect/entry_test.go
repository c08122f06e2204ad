package protect

import (
	"context"
	"errors"
	"testing"

	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
)

func marginEntryRequest() EntryRequest {
	return EntryRequest{
		Symbol:             "FOO_USDT",
		Side:               orders.SideBuy,
		NotionalUSD:        dec("1000"),
		UseMargin:          true,
		ConfiguredLeverage: 10,
		AvailableUSD:       dec("800"),
		Source:             orders.SourceAuto,
	}
}

func insufficientBalanceAbove(maxLev int) func(exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
	calls := 0
	return func(req exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
		if req.IsMargin && req.Leverage > maxLev {
			return nil, &exchange.APIError{Code: 306, Message: "Insufficient account balance"}
		}
		calls++
		return &exchange.PlaceResult{
			OrderID:            "mkt-ok",
			Status:             orders.StatusFilled,
			AvgPrice:           dec("2.00"),
			CumulativeQuantity: dec("500"),
			CreateTime:         engineTestTime,
		}, nil
	}
}

func marginLeverages(reqs []exchange.MarketOrderRequest) []int {
	var out []int
	for _, r := range reqs {
		if r.IsMargin {
			out = append(out, r.Leverage)
		}
	}
	return out
}

func TestPlaceEntryHalvesLeverageOnInsufficientBalance(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	fx.marketFn = insufficientBalanceAbove(2)

	result, err := engine.PlaceEntry(context.Background(), marginEntryRequest())
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}

	got := marginLeverages(fx.marketReqs)
	want := []int{10, 5, 2}
	if len(got) != len(want) {
		t.Fatalf("Expected leverage attempts %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected leverage attempts %v, got %v", want, got)
		}
	}

	if !result.UsedMargin || result.UsedLeverage != 2 {
		t.Errorf("Expected 2x margin entry, got margin=%v leverage=%d", result.UsedMargin, result.UsedLeverage)
	}
	if w, ok := engine.leverage.Working("FOO_USDT"); !ok || w != 2 {
		t.Errorf("Expected working leverage 2 recorded, got %d (ok=%v)", w, ok)
	}
	// The ladder result seeds the next entry directly.
	if lev := engine.leverage.StartLeverage("FOO_USDT", 10); lev != 2 {
		t.Errorf("Expected next entry to start at 2x, got %d", lev)
	}
}

func TestPlaceEntryLadderExhaustedFallsBackToReducedSpot(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	fx.marketFn = func(req exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
		if req.IsMargin {
			return nil, &exchange.APIError{Code: 306, Message: "Insufficient account balance"}
		}
		return &exchange.PlaceResult{
			OrderID:            "mkt-spot",
			Status:             orders.StatusFilled,
			AvgPrice:           dec("2.00"),
			CumulativeQuantity: dec("380"),
			CreateTime:         engineTestTime,
		}, nil
	}

	result, err := engine.PlaceEntry(context.Background(), marginEntryRequest())
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}

	got := marginLeverages(fx.marketReqs)
	want := []int{10, 5, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("Expected full ladder %v before spot fallback, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected full ladder %v, got %v", want, got)
		}
	}

	spot := fx.marketReqs[len(fx.marketReqs)-1]
	if spot.IsMargin {
		t.Fatalf("Expected final attempt as spot, got margin")
	}
	// 95% of the $800 available, not of the configured notional.
	if spot.NotionalUSD.String() != "760" {
		t.Errorf("Expected reduced notional 760, got %s", spot.NotionalUSD)
	}
	if !result.ReducedNotional || result.UsedMargin {
		t.Errorf("Expected reduced spot result, got %+v", result)
	}

	// 1x failed, so the next margin entry starts at the floor.
	if lev := engine.leverage.StartLeverage("FOO_USDT", 10); lev != 1 {
		t.Errorf("Expected next entry pinned to 1x, got %d", lev)
	}
}

func TestPlaceEntryReducedSpotBelowFloorGivesUp(t *testing.T) {
	engine, fx, capture, _ := newTestEngine(t)
	fx.marketFn = func(req exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
		return nil, &exchange.APIError{Code: 306, Message: "Insufficient account balance"}
	}

	req := marginEntryRequest()
	req.AvailableUSD = dec("100") // 95% = $95, below the floor

	_, err := engine.PlaceEntry(context.Background(), req)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	for _, r := range fx.marketReqs {
		if !r.IsMargin {
			t.Fatalf("Expected no spot attempt below the $100 floor, got %+v", r)
		}
	}
	if got := capture.byType(notification.NotifyError); len(got) != 1 {
		t.Errorf("Expected 1 insufficient-balance notice, got %d", len(got))
	}
}

func TestPlaceEntryInsufficientMarginLocksOutSymbol(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	fx.marketFn = func(req exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
		if req.IsMargin {
			return nil, &exchange.APIError{Code: 609, Message: "Insufficient margin"}
		}
		return &exchange.PlaceResult{
			OrderID:            "mkt-spot",
			Status:             orders.StatusFilled,
			AvgPrice:           dec("2.00"),
			CumulativeQuantity: dec("500"),
			CreateTime:         engineTestTime,
		}, nil
	}

	result, err := engine.PlaceEntry(context.Background(), marginEntryRequest())
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}
	if result.UsedMargin || result.ReducedNotional {
		t.Errorf("Expected plain spot entry after margin rejection, got %+v", result)
	}

	spot := fx.marketReqs[len(fx.marketReqs)-1]
	if spot.NotionalUSD.String() != "1000" {
		t.Errorf("Expected spot retry at the full notional, got %s", spot.NotionalUSD)
	}
	if !engine.marginLockout.Held("FOO_USDT") {
		t.Fatalf("Expected symbol locked out of margin")
	}

	// The next margin entry inside the lockout window skips margin entirely.
	fx.marketReqs = nil
	if _, err := engine.PlaceEntry(context.Background(), marginEntryRequest()); err != nil {
		t.Fatalf("Second PlaceEntry failed: %v", err)
	}
	if got := marginLeverages(fx.marketReqs); len(got) != 0 {
		t.Errorf("Expected no margin attempts under lockout, got %v", got)
	}
}

func TestPlaceEntryUnknownOutcomeAborts(t *testing.T) {
	engine, fx, _, store := newTestEngine(t)
	fx.marketFn = func(req exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
		return nil, exchange.ErrOutcomeUnknown
	}

	_, err := engine.PlaceEntry(context.Background(), marginEntryRequest())
	if !errors.Is(err, exchange.ErrOutcomeUnknown) {
		t.Fatalf("Expected unknown-outcome error surfaced, got %v", err)
	}
	// No step-down, no spot retry: the order may exist on the exchange.
	if len(fx.marketReqs) != 1 {
		t.Errorf("Expected exactly one attempt on an unknown outcome, got %d", len(fx.marketReqs))
	}

	active, err := store.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Expected nothing persisted, got %d orders", len(active))
	}
}

func TestPlaceEntrySpotWhenMarginDisabled(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)

	req := marginEntryRequest()
	req.UseMargin = false

	result, err := engine.PlaceEntry(context.Background(), req)
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}
	if len(fx.marketReqs) != 1 || fx.marketReqs[0].IsMargin {
		t.Fatalf("Expected a single spot attempt, got %+v", fx.marketReqs)
	}
	if result.UsedMargin {
		t.Errorf("Expected spot result")
	}
}

func TestPlaceEntryCapsLeverageAtInstrumentMax(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	engine.rules = &fakeRules{rules: adaRules(), maxLev: 5}

	if _, err := engine.PlaceEntry(context.Background(), marginEntryRequest()); err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}
	if got := marginLeverages(fx.marketReqs); len(got) != 1 || got[0] != 5 {
		t.Errorf("Expected configured 10x capped to instrument max 5x, got %v", got)
	}
}

func TestPlaceEntryPersistsEntryRow(t *testing.T) {
	engine, fx, _, store := newTestEngine(t)
	fx.marketFn = insufficientBalanceAbove(10)

	result, err := engine.PlaceEntry(context.Background(), marginEntryRequest())
	if err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}

	stored, err := store.Get(context.Background(), result.Order.ExchangeOrderID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stored.IsMargin || stored.Leverage != 10 {
		t.Errorf("Expected margin 10x persisted, got margin=%v leverage=%d", stored.IsMargin, stored.Leverage)
	}
	if !stored.ExchangeCreateTime.Equal(engineTestTime) {
		t.Errorf("Expected exchange create time persisted, got %s", stored.ExchangeCreateTime)
	}
	if stored.Source != orders.SourceAuto {
		t.Errorf("Expected auto source, got %s", stored.Source)
	}
}

func TestLeverageCacheLadder(t *testing.T) {
	cache := NewLeverageCache()

	steps := []struct{ failed, next int }{
		{10, 5},
		{5, 2},
		{2, 1},
		{1, 0},
	}
	for _, s := range steps {
		if got := cache.RecordFailure("FOO_USDT", s.failed); got != s.next {
			t.Errorf("RecordFailure(%d): expected next %d, got %d", s.failed, s.next, got)
		}
	}

	// Failing floor survives until a success clears it.
	if got := cache.StartLeverage("FOO_USDT", 10); got != 1 {
		t.Errorf("Expected start at 1x after the ladder bottomed out, got %d", got)
	}
	cache.RecordSuccess("FOO_USDT", 5)
	if got := cache.StartLeverage("FOO_USDT", 10); got != 5 {
		t.Errorf("Expected start at recorded working 5x, got %d", got)
	}
}

func TestLeverageCacheStartsBelowKnownFailing(t *testing.T) {
	cache := NewLeverageCache()
	cache.RecordFailure("BAR_USD", 10)

	if got := cache.StartLeverage("BAR_USD", 10); got != 5 {
		t.Errorf("Expected configured 10x halved below the failing mark, got %d", got)
	}
	// Symbols are tracked independently.
	if got := cache.StartLeverage("BAZ_USD", 10); got != 10 {
		t.Errorf("Expected untouched symbol to start configured, got %d", got)
	}
}
