package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore() *Store {
	return NewStore(NewMemoryRepository(), zerolog.Nop())
}

func buyOrder(id, symbol string, createTime time.Time) *Order {
	return &Order{
		ExchangeOrderID:    id,
		Symbol:             symbol,
		Side:               SideBuy,
		Type:               TypeMarket,
		Status:             StatusFilled,
		AvgPrice:           dec("0.50"),
		Quantity:           dec("200"),
		CumulativeQuantity: dec("200"),
		ExchangeCreateTime: createTime,
	}
}

// ==================== Upsert ====================

func TestUpsertRequiresExchangeOrderID(t *testing.T) {
	s := newTestStore()
	err := s.Upsert(context.Background(), &Order{Symbol: "ADA_USDT"})
	if !errors.Is(err, ErrEmptyOrderID) {
		t.Fatalf("expected ErrEmptyOrderID, got %v", err)
	}
}

func TestRecordIsIdempotentByOrderID(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	o := buyOrder("ord-1", "ADA_USDT", time.Now())

	if err := s.Record(ctx, o); err != nil {
		t.Fatalf("first record: %v", err)
	}
	// Same exchange order id is always accepted, even inside the window.
	o2 := *o
	o2.Status = StatusCancelled
	if err := s.Record(ctx, &o2); err != nil {
		t.Fatalf("second record of same id: %v", err)
	}

	got, err := s.Get(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected status CANCELLED, got %s", got.Status)
	}
}

func TestRecordSuppressesDuplicatePlacementWithinWindow(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	if err := s.Record(ctx, buyOrder("ord-1", "ADA_USDT", now)); err != nil {
		t.Fatalf("first record: %v", err)
	}

	// Different exchange id, identical symbol/side/role/price/quantity.
	dup := buyOrder("ord-2", "ADA_USDT", now)
	err := s.Record(ctx, dup)
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}

	// A different quantity is a different order.
	other := buyOrder("ord-3", "ADA_USDT", now)
	other.Quantity = dec("100")
	other.CumulativeQuantity = dec("100")
	if err := s.Record(ctx, other); err != nil {
		t.Fatalf("distinct order rejected: %v", err)
	}
}

func TestUpsertAcceptsSameShapeFromListings(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	// The reconcile path carries no duplicate suppression: two history
	// rows of identical shape are two real orders.
	if err := s.Upsert(ctx, buyOrder("ord-1", "ADA_USDT", now)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.Upsert(ctx, buyOrder("ord-2", "ADA_USDT", now)); err != nil {
		t.Fatalf("same-shape upsert rejected: %v", err)
	}
}

func TestUpsertPreservesLinkageOnUpdate(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	sl := &Order{
		ExchangeOrderID: "sl-1",
		Symbol:          "ADA_USDT",
		Side:            SideSell,
		Type:            TypeStopLimit,
		Role:            RoleStopLoss,
		Status:          StatusNew,
		Price:           dec("0.485"),
		Quantity:        dec("200"),
		ParentOrderID:   "ord-1",
		OCOGroupID:      "oco_ord-1_1700000000",
	}
	if err := s.Upsert(ctx, sl); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Reconciler update from the exchange carries no linkage fields.
	update := *sl
	update.ParentOrderID = ""
	update.OCOGroupID = ""
	update.Status = StatusActive
	if err := s.Upsert(ctx, &update); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Get(ctx, "sl-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ParentOrderID != "ord-1" {
		t.Errorf("parent_order_id lost on update: %q", got.ParentOrderID)
	}
	if got.OCOGroupID != "oco_ord-1_1700000000" {
		t.Errorf("oco_group_id lost on update: %q", got.OCOGroupID)
	}
	if got.Status != StatusActive {
		t.Errorf("status not updated: %s", got.Status)
	}
}

func TestUpsertAdoptsCumulativeAboveQuantity(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	// Market-by-notional fill: exchange reports executed quantity only.
	o := buyOrder("ord-1", "ADA_USDT", time.Now())
	o.Quantity = decimal.Zero
	o.CumulativeQuantity = dec("199.6")
	if err := s.Upsert(ctx, o); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, _ := s.Get(ctx, "ord-1")
	if !got.Quantity.Equal(dec("199.6")) {
		t.Errorf("quantity = %s, want 199.6", got.Quantity)
	}
	if got.CumulativeQuantity.GreaterThan(got.Quantity) {
		t.Error("cumulative must never exceed quantity")
	}
}

// ==================== Queries ====================

func TestFIFOOrderingAcrossQuoteVariants(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// USD and USDT fills interleaved; FIFO must merge them by create time.
	// Quantities differ so the duplicate-suppression window stays out of
	// the way.
	b1 := buyOrder("b-1", "ADA_USDT", base)
	b2 := buyOrder("b-2", "ADA_USD", base.Add(1*time.Minute))
	b3 := buyOrder("b-3", "ADA_USDT", base.Add(2*time.Minute))
	b2.Quantity, b2.CumulativeQuantity = dec("50"), dec("50")
	b3.Quantity, b3.CumulativeQuantity = dec("120"), dec("120")

	for _, o := range []*Order{b3, b1, b2} {
		if err := s.Upsert(ctx, o); err != nil {
			t.Fatalf("upsert %s: %v", o.ExchangeOrderID, err)
		}
	}

	got, err := s.FilledBuysFIFO(ctx, "ADA_USDT")
	if err != nil {
		t.Fatalf("FilledBuysFIFO: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 buys, got %d", len(got))
	}
	for i, want := range []string{"b-1", "b-2", "b-3"} {
		if got[i].ExchangeOrderID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ExchangeOrderID, want)
		}
	}
}

func TestFindRecentBuysUsesExchangeCreateTime(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	old := buyOrder("b-old", "ADA_USDT", now.Add(-10*time.Minute))
	recent := buyOrder("b-new", "ADA_USD", now.Add(-2*time.Minute))
	recent.Quantity, recent.CumulativeQuantity = dec("75"), dec("75")

	if err := s.Upsert(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, recent); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindRecentBuys(ctx, "ADA_USDT", now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("FindRecentBuys: %v", err)
	}
	if len(got) != 1 || got[0].ExchangeOrderID != "b-new" {
		t.Errorf("expected only b-new, got %v", ids(got))
	}
}

func TestActiveProtectiveChildren(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	entry := buyOrder("e-1", "ADA_USDT", now)
	sl := &Order{
		ExchangeOrderID: "sl-1", Symbol: "ADA_USDT", Side: SideSell,
		Type: TypeStopLimit, Role: RoleStopLoss, Status: StatusActive,
		Price: dec("0.485"), Quantity: dec("200"),
		ParentOrderID: "e-1", OCOGroupID: "g1", ExchangeCreateTime: now,
	}
	tpCancelled := &Order{
		ExchangeOrderID: "tp-1", Symbol: "ADA_USDT", Side: SideSell,
		Type: TypeTakeProfitLimit, Role: RoleTakeProfit, Status: StatusCancelled,
		Price: dec("0.515"), Quantity: dec("200"),
		ParentOrderID: "e-1", OCOGroupID: "g1", ExchangeCreateTime: now,
	}

	for _, o := range []*Order{entry, sl, tpCancelled} {
		if err := s.Upsert(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	active, err := s.ActiveProtectiveChildren(ctx, "e-1")
	if err != nil {
		t.Fatalf("ActiveProtectiveChildren: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active child, got %d", len(active))
	}
	if active[RoleStopLoss] == nil {
		t.Error("stop loss child missing")
	}
	if active[RoleTakeProfit] != nil {
		t.Error("cancelled take profit must not be reported active")
	}
}

func TestMarkCancelledLeavesTerminalOrdersAlone(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	o := buyOrder("ord-1", "ADA_USDT", time.Now())
	o.Status = StatusFilled
	if err := s.Upsert(ctx, o); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkCancelled(ctx, "ord-1", "stale_not_on_exchange"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	got, _ := s.Get(ctx, "ord-1")
	if got.Status != StatusFilled {
		t.Errorf("terminal status mutated to %s", got.Status)
	}

	active := buyOrder("ord-2", "ADA_USDT", time.Now())
	active.Status = StatusActive
	active.Quantity = dec("10")
	active.CumulativeQuantity = decimal.Zero
	if err := s.Upsert(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkCancelled(ctx, "ord-2", "stale_not_on_exchange"); err != nil {
		t.Fatalf("MarkCancelled active: %v", err)
	}
	got, _ = s.Get(ctx, "ord-2")
	if got.Status != StatusCancelled || got.StatusReason != "stale_not_on_exchange" {
		t.Errorf("got %s/%s, want CANCELLED/stale_not_on_exchange", got.Status, got.StatusReason)
	}
}

func TestCountInFlightBuys(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now()

	pending := buyOrder("b-1", "ADA_USDT", now)
	pending.Status = StatusActive
	pending.CumulativeQuantity = decimal.Zero

	filled := buyOrder("b-2", "ADA_USD", now)
	filled.Quantity, filled.CumulativeQuantity = dec("10"), dec("10")

	slChild := &Order{
		ExchangeOrderID: "sl-1", Symbol: "ADA_USDT", Side: SideSell,
		Type: TypeStopLimit, Role: RoleStopLoss, Status: StatusActive,
		Price: dec("0.4"), Quantity: dec("10"), ParentOrderID: "b-2",
		ExchangeCreateTime: now,
	}

	for _, o := range []*Order{pending, filled, slChild} {
		if err := s.Upsert(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CountInFlightBuys(ctx, "ADA_USDT")
	if err != nil {
		t.Fatalf("CountInFlightBuys: %v", err)
	}
	// Only the unfilled BUY entry counts; the filled one and the SELL-side
	// protective child do not.
	if n != 1 {
		t.Errorf("in-flight buys = %d, want 1", n)
	}
}

func ids(os []*Order) []string {
	out := make([]string, len(os))
	for i, o := range os {
		out[i] = o.ExchangeOrderID
	}
	return out
}
