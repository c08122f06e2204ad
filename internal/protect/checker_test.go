package protect

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
)

type fakeQuotes struct {
	quotes map[string]*cache.Quote
	err    error
}

func (f *fakeQuotes) GetQuote(_ context.Context, symbol string) (*cache.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	if q, ok := f.quotes[symbol]; ok {
		return q, nil
	}
	return nil, fmt.Errorf("no quote for %s", symbol)
}

type fakeWatchlist struct {
	items []*database.WatchlistItem
}

func (f *fakeWatchlist) ListWatchlist(context.Context) ([]*database.WatchlistItem, error) {
	return f.items, nil
}

func newTestChecker(t *testing.T) (*Checker, *fakeExchange, *captureNotifier, *orders.Store, *fakeWatchlist) {
	t.Helper()

	fx := &fakeExchange{summary: &exchange.AccountSummary{}}
	capture := &captureNotifier{}
	manager := notification.NewManager()
	manager.AddNotifier(capture)

	store := orders.NewStore(orders.NewMemoryRepository(), zerolog.Nop())
	wl := &fakeWatchlist{}
	quotes := &fakeQuotes{quotes: map[string]*cache.Quote{
		"ADA_USD": {Symbol: "ADA_USD", Ask: dec("0.5005"), Bid: dec("0.4995"), Last: dec("0.5000"), FetchedAt: engineTestTime},
	}}

	checker := NewChecker(fx, &fakeRules{rules: adaRules(), maxLev: 10}, quotes, wl, store, manager, zerolog.Nop())
	checker.now = func() time.Time { return engineTestTime }
	return checker, fx, capture, store, wl
}

func adaBalance(amount float64) *exchange.AccountSummary {
	return &exchange.AccountSummary{Accounts: []exchange.Account{
		{Currency: "ADA", Balance: amount, Available: amount},
		{Currency: "USD", Balance: 1000, Available: 1000},
	}}
}

func activeProtective(id string, typ orders.Type, qty string) *orders.Order {
	o := &orders.Order{
		ExchangeOrderID:    id,
		Symbol:             "ADA_USD",
		Side:               orders.SideSell,
		Type:               typ,
		Status:             orders.StatusActive,
		Quantity:           dec(qty),
		Price:              dec("0.4850"),
		ExchangeCreateTime: engineTestTime.Add(-time.Hour),
	}
	if typ == orders.TypeStopLimit {
		o.TriggerPrice = dec("0.4850")
	}
	return o
}

func TestSweepFlagsUnprotectedBalance(t *testing.T) {
	checker, fx, capture, _, _ := newTestChecker(t)
	fx.summary = adaBalance(50)

	report, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// USD is a quote currency, only ADA counts.
	if report.CheckedBases != 1 {
		t.Errorf("Expected 1 checked base, got %d", report.CheckedBases)
	}
	if len(report.Unprotected) != 1 {
		t.Fatalf("Expected 1 unprotected position, got %d", len(report.Unprotected))
	}

	pos := report.Unprotected[0]
	if pos.Symbol != "ADA_USD" || pos.Base != "ADA" {
		t.Errorf("Expected ADA_USD/ADA, got %s/%s", pos.Symbol, pos.Base)
	}
	if pos.HasSL || pos.HasTP {
		t.Errorf("Expected neither side protected, got SL=%v TP=%v", pos.HasSL, pos.HasTP)
	}
	if pos.SuggestedSL != "0.4850" || pos.SuggestedTP != "0.5150" {
		t.Errorf("Expected conservative suggestions 0.4850/0.5150, got %s/%s", pos.SuggestedSL, pos.SuggestedTP)
	}
	if !pos.Notified {
		t.Errorf("Expected first sighting to notify")
	}

	notices := capture.byType(notification.NotifyUnprotected)
	if len(notices) != 1 {
		t.Fatalf("Expected 1 unprotected notice, got %d", len(notices))
	}
	buttons := notices[0].Buttons
	if len(buttons) != 4 {
		t.Fatalf("Expected 4 action buttons, got %d", len(buttons))
	}
	wantCallbacks := []string{
		"create_sl_tp_ADA_USD",
		"create_sl_ADA_USD",
		"create_tp_ADA_USD",
		"skip_sl_tp_ADA_USD",
	}
	for i, want := range wantCallbacks {
		if buttons[i].CallbackData != want {
			t.Errorf("Button %d: expected callback %q, got %q", i, want, buttons[i].CallbackData)
		}
	}
}

func TestSweepSkipsFullyProtectedBalance(t *testing.T) {
	checker, fx, capture, _, _ := newTestChecker(t)
	fx.summary = adaBalance(50)
	fx.openOrders = []*orders.Order{activeProtective("tp-1", orders.TypeTakeProfitLimit, "50")}
	fx.triggerOrders = []*orders.Order{activeProtective("sl-1", orders.TypeStopLimit, "50")}

	report, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Unprotected) != 0 {
		t.Errorf("Expected no unprotected positions, got %d", len(report.Unprotected))
	}
	if got := capture.byType(notification.NotifyUnprotected); len(got) != 0 {
		t.Errorf("Expected no reminders, got %d", len(got))
	}
}

func TestSweepQuantityTolerance(t *testing.T) {
	tests := []struct {
		name        string
		orderQty    string
		unprotected int
	}{
		{"within five percent", "48", 0},
		{"stale order from older position", "40", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker, fx, _, _, _ := newTestChecker(t)
			fx.summary = adaBalance(50)
			fx.openOrders = []*orders.Order{
				activeProtective("sl-1", orders.TypeStopLimit, tt.orderQty),
				activeProtective("tp-1", orders.TypeTakeProfitLimit, tt.orderQty),
			}

			report, err := checker.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(report.Unprotected) != tt.unprotected {
				t.Errorf("Expected %d unprotected, got %d", tt.unprotected, len(report.Unprotected))
			}
		})
	}
}

func TestSweepReportsMissingSideOnly(t *testing.T) {
	checker, fx, capture, _, _ := newTestChecker(t)
	fx.summary = adaBalance(50)
	fx.triggerOrders = []*orders.Order{activeProtective("sl-1", orders.TypeStopLimit, "50")}

	report, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Unprotected) != 1 {
		t.Fatalf("Expected 1 unprotected position, got %d", len(report.Unprotected))
	}
	pos := report.Unprotected[0]
	if !pos.HasSL || pos.HasTP {
		t.Errorf("Expected SL present and TP missing, got SL=%v TP=%v", pos.HasSL, pos.HasTP)
	}

	notices := capture.byType(notification.NotifyUnprotected)
	if len(notices) != 1 {
		t.Fatalf("Expected 1 notice, got %d", len(notices))
	}
	if !strings.Contains(notices[0].Message, "no TP") {
		t.Errorf("Expected message to name the missing TP, got %q", notices[0].Message)
	}
}

func TestSweepHonorsSkipReminder(t *testing.T) {
	checker, fx, capture, _, wl := newTestChecker(t)
	fx.summary = adaBalance(50)
	wl.items = []*database.WatchlistItem{
		{Symbol: "ADA_USD", SkipProtectionReminder: true},
	}

	report, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Unprotected) != 0 {
		t.Errorf("Expected opted-out symbol excluded, got %d", len(report.Unprotected))
	}
	if got := capture.byType(notification.NotifyUnprotected); len(got) != 0 {
		t.Errorf("Expected no reminder for opted-out symbol, got %d", len(got))
	}
}

func TestSweepRemindersRateLimited(t *testing.T) {
	checker, fx, capture, _, _ := newTestChecker(t)
	fx.summary = adaBalance(50)

	first, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	second, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if !first.Unprotected[0].Notified {
		t.Errorf("Expected first sweep to notify")
	}
	// Still reported, just not re-sent.
	if len(second.Unprotected) != 1 || second.Unprotected[0].Notified {
		t.Errorf("Expected second sweep reported but silent, got %+v", second.Unprotected)
	}
	if got := capture.byType(notification.NotifyUnprotected); len(got) != 1 {
		t.Errorf("Expected exactly 1 reminder across sweeps, got %d", len(got))
	}
}

func TestSweepSuggestsUnformattedPricesWithoutMetadata(t *testing.T) {
	checker, fx, _, _, _ := newTestChecker(t)
	checker.rules = &fakeRules{err: exchange.ErrMetadataUnavailable}
	fx.summary = adaBalance(50)

	report, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	pos := report.Unprotected[0]
	if pos.SuggestedSL == "" || pos.SuggestedTP == "" {
		t.Errorf("Expected raw suggestions without metadata, got %q/%q", pos.SuggestedSL, pos.SuggestedTP)
	}
}

func TestSweepOCOIntegrity(t *testing.T) {
	checker, fx, capture, store, _ := newTestChecker(t)
	fx.summary = &exchange.AccountSummary{}

	orphan := activeProtective("orphan-1", orders.TypeStopLimit, "50")
	orphan.Role = orders.RoleStopLoss

	lonely := activeProtective("sl-2", orders.TypeStopLimit, "25")
	lonely.Role = orders.RoleStopLoss
	lonely.ParentOrderID = "ent-2"
	lonely.OCOGroupID = "oco_ent-2_111"

	for _, o := range []*orders.Order{orphan, lonely} {
		if err := store.Upsert(context.Background(), o); err != nil {
			t.Fatalf("seed upsert failed: %v", err)
		}
	}

	report, err := checker.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	problems := make(map[string]bool)
	for _, issue := range report.Integrity {
		problems[issue.Problem] = true
	}
	for _, want := range []string{
		"missing_parent_order",
		"missing_oco_group",
		"incomplete_oco_group_missing_take_profit",
	} {
		if !problems[want] {
			t.Errorf("Expected integrity issue %q, got %v", want, report.Integrity)
		}
	}

	if got := capture.byType(notification.NotifyError); len(got) != 1 {
		t.Errorf("Expected 1 consolidated integrity alert, got %d", len(got))
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data   string
		action CallbackAction
		symbol string
	}{
		{"create_sl_tp_ADA_USD", ActionCreateBoth, "ADA_USD"},
		{"create_sl_BTC_USD", ActionCreateSL, "BTC_USD"},
		{"create_tp_ETH_USDT", ActionCreateTP, "ETH_USDT"},
		{"skip_sl_tp_ADA_USD", ActionSkipReminder, "ADA_USD"},
		{"something_else", ActionNone, ""},
		{"", ActionNone, ""},
	}

	for _, tt := range tests {
		action, symbol := ParseCallback(tt.data)
		if action != tt.action || symbol != tt.symbol {
			t.Errorf("ParseCallback(%q) = (%v, %q), expected (%v, %q)",
				tt.data, action, symbol, tt.action, tt.symbol)
		}
	}
}

func TestCallbackSelection(t *testing.T) {
	tests := []struct {
		action CallbackAction
		sel    Selection
	}{
		{ActionCreateBoth, SelectBoth},
		{ActionCreateSL, SelectStopLoss},
		{ActionCreateTP, SelectTakeProfit},
		{ActionSkipReminder, SelectBoth},
	}
	for _, tt := range tests {
		if got := tt.action.Selection(); got != tt.sel {
			t.Errorf("Selection for action %v: expected %v, got %v", tt.action, tt.sel, got)
		}
	}
}
