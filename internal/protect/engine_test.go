package protect

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/normalize"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var engineTestTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeExchange satisfies placementAPI and accountOrdersAPI for the whole
// package's tests.
type fakeExchange struct {
	mu         sync.Mutex
	calls      []string
	slReqs     []exchange.ProtectiveOrderRequest
	tpReqs     []exchange.ProtectiveOrderRequest
	marketReqs []exchange.MarketOrderRequest

	slErr    error
	tpErr    error
	marketFn func(req exchange.MarketOrderRequest) (*exchange.PlaceResult, error)

	ticker    *exchange.Ticker
	tickerErr error

	summary       *exchange.AccountSummary
	openOrders    []*orders.Order
	triggerOrders []*orders.Order

	nextID int
}

func (f *fakeExchange) newID(prefix string) string {
	f.nextID++
	return prefix + "-" + decimal.NewFromInt(int64(f.nextID)).String()
}

func (f *fakeExchange) PlaceStopLossOrder(_ context.Context, req exchange.ProtectiveOrderRequest) (*exchange.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "sl")
	f.slReqs = append(f.slReqs, req)
	if f.slErr != nil {
		return nil, f.slErr
	}
	return &exchange.PlaceResult{OrderID: f.newID("sl"), Status: orders.StatusActive, CreateTime: engineTestTime}, nil
}

func (f *fakeExchange) PlaceTakeProfitOrder(_ context.Context, req exchange.ProtectiveOrderRequest) (*exchange.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "tp")
	f.tpReqs = append(f.tpReqs, req)
	if f.tpErr != nil {
		return nil, f.tpErr
	}
	return &exchange.PlaceResult{OrderID: f.newID("tp"), Status: orders.StatusActive, CreateTime: engineTestTime}, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, req exchange.MarketOrderRequest) (*exchange.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "market")
	f.marketReqs = append(f.marketReqs, req)
	if f.marketFn != nil {
		return f.marketFn(req)
	}
	return &exchange.PlaceResult{
		OrderID:            f.newID("mkt"),
		Status:             orders.StatusFilled,
		AvgPrice:           dec("0.5000"),
		CumulativeQuantity: dec("50"),
		CreateTime:         engineTestTime,
	}, nil
}

func (f *fakeExchange) GetTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	if f.ticker != nil {
		return f.ticker, nil
	}
	return &exchange.Ticker{Symbol: symbol, Ask: dec("0.5005"), Bid: dec("0.4995"), Last: dec("0.5000")}, nil
}

func (f *fakeExchange) GetAccountSummary(_ context.Context) (*exchange.AccountSummary, error) {
	return f.summary, nil
}

func (f *fakeExchange) ListOpenOrders(_ context.Context) ([]*orders.Order, error) {
	return f.openOrders, nil
}

func (f *fakeExchange) ListTriggerOrders(_ context.Context) ([]*orders.Order, error) {
	return f.triggerOrders, nil
}

type fakeRules struct {
	rules  normalize.Rules
	err    error
	maxLev int
}

func (f *fakeRules) Rules(context.Context, string) (normalize.Rules, error) {
	return f.rules, f.err
}

func (f *fakeRules) MaxLeverage(context.Context, string) int { return f.maxLev }

func adaRules() normalize.Rules {
	return normalize.Rules{
		PriceTick:        dec("0.0001"),
		QuantityStep:     dec("0.1"),
		MinQuantity:      dec("1"),
		MinNotional:      dec("1"),
		PriceDecimals:    4,
		QuantityDecimals: 1,
	}
}

// captureNotifier records everything the manager fans out.
type captureNotifier struct {
	mu   sync.Mutex
	sent []*notification.Notification
}

func (c *captureNotifier) Send(_ context.Context, n *notification.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}
func (c *captureNotifier) Name() string    { return "capture" }
func (c *captureNotifier) IsEnabled() bool { return true }

func (c *captureNotifier) byType(t notification.NotificationType) []*notification.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*notification.Notification
	for _, n := range c.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *fakeExchange, *captureNotifier, *orders.Store) {
	t.Helper()

	fx := &fakeExchange{}
	capture := &captureNotifier{}
	manager := notification.NewManager()
	manager.AddNotifier(capture)

	store := orders.NewStore(orders.NewMemoryRepository(), zerolog.Nop())
	engine := NewEngine(fx, &fakeRules{rules: adaRules(), maxLev: 10}, store,
		manager, events.NewEventBus(), zerolog.Nop())
	engine.now = func() time.Time { return engineTestTime }
	return engine, fx, capture, store
}

func filledEntry() *orders.Order {
	return &orders.Order{
		ExchangeOrderID:    "ent-1",
		Symbol:             "ADA_USD",
		Side:               orders.SideBuy,
		Type:               orders.TypeMarket,
		Status:             orders.StatusFilled,
		AvgPrice:           dec("0.5000"),
		Quantity:           dec("50"),
		CumulativeQuantity: dec("50"),
		Source:             orders.SourceAuto,
		ExchangeCreateTime: engineTestTime.Add(-time.Minute),
	}
}

func TestCreateForFilledPlacesOCOPair(t *testing.T) {
	engine, fx, _, store := newTestEngine(t)

	result, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceAuto,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}
	if !result.FullyProtected() {
		t.Fatalf("Expected full protection, got slErr=%v tpErr=%v", result.SLErr, result.TPErr)
	}

	if len(fx.calls) != 2 || fx.calls[0] != "sl" || fx.calls[1] != "tp" {
		t.Errorf("Expected stop-loss placed before take-profit, got %v", fx.calls)
	}

	sl := fx.slReqs[0]
	if sl.Price != "0.4850" || sl.TriggerPrice != "0.4850" {
		t.Errorf("Expected SL at 0.4850, got price=%s trigger=%s", sl.Price, sl.TriggerPrice)
	}
	if sl.Quantity != "50.0" {
		t.Errorf("Expected quantity 50.0, got %s", sl.Quantity)
	}
	if sl.RefPrice != "0.5000" {
		t.Errorf("Expected ref price 0.5000, got %s", sl.RefPrice)
	}
	if sl.Side != orders.SideSell {
		t.Errorf("Expected SELL protective side for a BUY entry, got %s", sl.Side)
	}

	tp := fx.tpReqs[0]
	if tp.Price != "0.5150" {
		t.Errorf("Expected TP at 0.5150, got %s", tp.Price)
	}

	if !strings.HasPrefix(result.OCOGroupID, "oco_ent-1_") {
		t.Errorf("Expected oco_<parent>_<ts> group id, got %s", result.OCOGroupID)
	}

	children, err := store.ActiveProtectiveChildren(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("children lookup failed: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("Expected both children persisted, got %d", len(children))
	}
	for role, child := range children {
		if child.Status != orders.StatusNew {
			t.Errorf("Expected %s persisted as NEW, got %s", role, child.Status)
		}
		if child.OCOGroupID != result.OCOGroupID {
			t.Errorf("Expected shared group %s, got %s", result.OCOGroupID, child.OCOGroupID)
		}
	}
}

func TestCreateForFilledPercentResolution(t *testing.T) {
	aggressive := database.ProtectionAggressive
	five := decimal.NullDecimal{Decimal: decimal.NewFromInt(5), Valid: true}

	tests := []struct {
		name string
		item *database.WatchlistItem
		sl   string
		tp   string
	}{
		{"conservative default", nil, "0.4850", "0.5150"},
		{"aggressive mode", &database.WatchlistItem{Symbol: "ADA_USD", ProtectionMode: aggressive}, "0.4900", "0.5100"},
		{"explicit override beats mode", &database.WatchlistItem{Symbol: "ADA_USD", ProtectionMode: aggressive, SLPercentage: five}, "0.4750", "0.5100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, fx, _, _ := newTestEngine(t)
			_, err := engine.CreateForFilled(context.Background(), Request{
				Entry:  filledEntry(),
				Item:   tt.item,
				Source: orders.SourceManual,
			})
			if err != nil {
				t.Fatalf("CreateForFilled failed: %v", err)
			}
			if got := fx.slReqs[0].Price; got != tt.sl {
				t.Errorf("Expected SL %s, got %s", tt.sl, got)
			}
			if got := fx.tpReqs[0].Price; got != tt.tp {
				t.Errorf("Expected TP %s, got %s", tt.tp, got)
			}
		})
	}
}

func TestCreateForFilledFillsMissingSideOnly(t *testing.T) {
	engine, fx, _, store := newTestEngine(t)

	existing := &orders.Order{
		ExchangeOrderID:    "sl-old",
		Symbol:             "ADA_USD",
		Side:               orders.SideSell,
		Type:               orders.TypeStopLimit,
		Role:               orders.RoleStopLoss,
		Status:             orders.StatusActive,
		Price:              dec("0.4850"),
		Quantity:           dec("50"),
		ParentOrderID:      "ent-1",
		OCOGroupID:         "oco_ent-1_111",
		ExchangeCreateTime: engineTestTime.Add(-time.Minute),
	}
	if err := store.Upsert(context.Background(), existing); err != nil {
		t.Fatalf("seed upsert failed: %v", err)
	}

	result, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceManual,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}

	if len(fx.calls) != 1 || fx.calls[0] != "tp" {
		t.Errorf("Expected only the missing take-profit placed, got %v", fx.calls)
	}
	if result.OCOGroupID != "oco_ent-1_111" {
		t.Errorf("Expected surviving sibling's group reused, got %s", result.OCOGroupID)
	}
	if result.StopLoss != nil {
		t.Errorf("Expected no new stop-loss, got %+v", result.StopLoss)
	}
}

func TestCreateForFilledNoopWhenFullyProtected(t *testing.T) {
	engine, fx, _, store := newTestEngine(t)

	for _, seed := range []struct {
		id   string
		role orders.Role
		typ  orders.Type
	}{
		{"sl-old", orders.RoleStopLoss, orders.TypeStopLimit},
		{"tp-old", orders.RoleTakeProfit, orders.TypeTakeProfitLimit},
	} {
		err := store.Upsert(context.Background(), &orders.Order{
			ExchangeOrderID:    seed.id,
			Symbol:             "ADA_USD",
			Side:               orders.SideSell,
			Type:               seed.typ,
			Role:               seed.role,
			Status:             orders.StatusActive,
			Price:              dec("0.4900"),
			Quantity:           dec("50"),
			ParentOrderID:      "ent-1",
			OCOGroupID:         "oco_ent-1_111",
			ExchangeCreateTime: engineTestTime.Add(-time.Minute),
		})
		if err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
	}

	result, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceAuto,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}
	if !result.SkippedExisting {
		t.Errorf("Expected noop for a fully protected entry")
	}
	if len(fx.calls) != 0 {
		t.Errorf("Expected no exchange calls, got %v", fx.calls)
	}
}

func TestAutoTakeProfitShiftedAboveAsk(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	// Market ran past the target: 3% TP lands below the ask.
	fx.ticker = &exchange.Ticker{Symbol: "ADA_USD", Ask: dec("0.5200"), Bid: dec("0.5190"), Last: dec("0.5195")}

	_, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceAuto,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}

	// 0.5150 x 1.005 = 0.51757..., ceiled to the 0.0001 tick.
	if got := fx.tpReqs[0].Price; got != "0.5176" {
		t.Errorf("Expected shifted TP 0.5176, got %s", got)
	}
	// The stop-loss is not touched by the shift.
	if got := fx.slReqs[0].Price; got != "0.4850" {
		t.Errorf("Expected SL 0.4850, got %s", got)
	}
}

func TestManualTakeProfitNeverShifted(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	fx.ticker = &exchange.Ticker{Symbol: "ADA_USD", Ask: dec("0.5200"), Bid: dec("0.5190"), Last: dec("0.5195")}

	_, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceManual,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}
	if got := fx.tpReqs[0].Price; got != "0.5150" {
		t.Errorf("Expected manual TP kept at 0.5150, got %s", got)
	}
}

func TestPartialFailureRecordsRejection(t *testing.T) {
	engine, fx, capture, store := newTestEngine(t)
	fx.tpErr = &exchange.APIError{Code: 315, Message: "invalid price"}

	result, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceAuto,
	})
	if err != nil {
		t.Fatalf("Expected structured partial result, got error: %v", err)
	}
	if result.SLErr != nil {
		t.Fatalf("Expected stop-loss to succeed, got %v", result.SLErr)
	}
	if result.TPErr == nil {
		t.Fatalf("Expected take-profit error in result")
	}
	if !result.Partial() {
		t.Errorf("Expected partial result")
	}

	children, err := store.FindChildren(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("children lookup failed: %v", err)
	}
	var rejected *orders.Order
	for _, c := range children {
		if c.Status == orders.StatusRejected {
			rejected = c
		}
	}
	if rejected == nil {
		t.Fatalf("Expected a persisted REJECTED record, got %d children", len(children))
	}
	if rejected.StatusReason != "code_315" {
		t.Errorf("Expected status reason code_315, got %s", rejected.StatusReason)
	}
	if !strings.HasPrefix(rejected.ExchangeOrderID, "rej_") {
		t.Errorf("Expected synthetic rejection id, got %s", rejected.ExchangeOrderID)
	}

	if got := capture.byType(notification.NotifyProtection); len(got) != 1 {
		t.Errorf("Expected 1 protection notice, got %d", len(got))
	}
}

func TestSmallPositionSuggestsTopUp(t *testing.T) {
	engine, fx, capture, _ := newTestEngine(t)

	entry := filledEntry()
	entry.Quantity = dec("0.5")
	entry.CumulativeQuantity = dec("0.5")

	_, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  entry,
		Source: orders.SourceAuto,
	})
	if !errors.Is(err, ErrPositionTooSmall) {
		t.Fatalf("Expected ErrPositionTooSmall, got %v", err)
	}
	if len(fx.calls) != 0 {
		t.Errorf("Expected no placements for a too-small position, got %v", fx.calls)
	}

	notices := capture.byType(notification.NotifyUnprotected)
	if len(notices) != 1 {
		t.Fatalf("Expected 1 unprotected notice, got %d", len(notices))
	}
	if !strings.Contains(notices[0].Message, "buy 0.5 more") {
		t.Errorf("Expected top-up suggestion of 0.5 in message, got %q", notices[0].Message)
	}
}

func TestSellEntryProtectionIsSymmetric(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)

	entry := filledEntry()
	entry.Side = orders.SideSell

	_, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  entry,
		Source: orders.SourceManual,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}

	sl := fx.slReqs[0]
	if sl.Side != orders.SideBuy {
		t.Errorf("Expected BUY protective side for a SELL entry, got %s", sl.Side)
	}
	if sl.Price != "0.5150" {
		t.Errorf("Expected short SL above entry at 0.5150, got %s", sl.Price)
	}
	if got := fx.tpReqs[0].Price; got != "0.4850" {
		t.Errorf("Expected short TP below entry at 0.4850, got %s", got)
	}
}

func TestMarginEntryPropagatesToChildren(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)

	entry := filledEntry()
	entry.IsMargin = true
	entry.Leverage = 3

	_, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  entry,
		Source: orders.SourceAuto,
	})
	if err != nil {
		t.Fatalf("CreateForFilled failed: %v", err)
	}
	for _, req := range []exchange.ProtectiveOrderRequest{fx.slReqs[0], fx.tpReqs[0]} {
		if !req.IsMargin || req.Leverage != 3 {
			t.Errorf("Expected margin 3x propagated, got margin=%v leverage=%d", req.IsMargin, req.Leverage)
		}
	}
}

func TestMetadataFailureIsTerminal(t *testing.T) {
	engine, fx, _, _ := newTestEngine(t)
	engine.rules = &fakeRules{err: exchange.ErrMetadataUnavailable}

	_, err := engine.CreateForFilled(context.Background(), Request{
		Entry:  filledEntry(),
		Source: orders.SourceAuto,
	})
	if !errors.Is(err, exchange.ErrMetadataUnavailable) {
		t.Fatalf("Expected metadata error surfaced, got %v", err)
	}
	if len(fx.calls) != 0 {
		t.Errorf("Expected no placements without metadata, got %v", fx.calls)
	}
}
