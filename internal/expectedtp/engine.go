package expectedtp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/portfolio"
	"crypto-trading-agent/internal/symbols"
)

// orderQueries is the slice of the order store the engine reads.
type orderQueries interface {
	FilledBuysFIFO(ctx context.Context, symbol string) ([]*orders.Order, error)
	FilledSellsFIFO(ctx context.Context, symbol string) ([]*orders.Order, error)
	ActiveProtectiveOrders(ctx context.Context) ([]*orders.Order, error)
}

type quoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*cache.Quote, error)
}

type balanceSource interface {
	Snapshot(ctx context.Context) (*portfolio.Snapshot, error)
}

// Engine computes expected-TP coverage on demand. Stateless between calls;
// every report reads the store and portfolio fresh.
type Engine struct {
	store    orderQueries
	quotes   quoteSource
	balances balanceSource
	logger   zerolog.Logger
}

func NewEngine(store orderQueries, quotes quoteSource, balances balanceSource, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		quotes:   quotes,
		balances: balances,
		logger:   logger.With().Str("component", "ExpectedTP").Logger(),
	}
}

// LotRow is the per-lot breakdown row in a symbol report.
type LotRow struct {
	BuyOrderID     string          `json:"buy_order_id,omitempty"`
	BuyTime        time.Time       `json:"buy_time"`
	BuyPrice       decimal.Decimal `json:"buy_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	OCOGroupID     string          `json:"oco_group_id,omitempty"`
	Virtual        bool            `json:"virtual,omitempty"`
	CoveredQty     decimal.Decimal `json:"covered_qty"`
	UncoveredQty   decimal.Decimal `json:"uncovered_qty"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	Matches        []TPMatch       `json:"matches,omitempty"`
}

// SymbolReport aggregates one base currency's coverage.
type SymbolReport struct {
	Symbol              string          `json:"symbol"`
	Base                string          `json:"base"`
	NetQty              decimal.Decimal `json:"net_qty"`
	CurrentPrice        decimal.Decimal `json:"current_price"`
	PositionValue       decimal.Decimal `json:"position_value"`
	ActualPositionValue decimal.Decimal `json:"actual_position_value"`
	CoveredQty          decimal.Decimal `json:"covered_qty"`
	UncoveredQty        decimal.Decimal `json:"uncovered_qty"`
	TotalExpectedProfit decimal.Decimal `json:"total_expected_profit"`
	Virtual             bool            `json:"virtual,omitempty"`
	Lots                []LotRow        `json:"lots"`
}

// Report is the full portfolio coverage snapshot.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Symbols     []*SymbolReport `json:"symbols"`
}

// Report walks every tradeable balance in the portfolio and builds the
// per-symbol coverage. A symbol whose market data is unavailable is logged
// and skipped, never aborting the whole report.
func (e *Engine) Report(ctx context.Context) (*Report, error) {
	snap, err := e.balances.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio snapshot: %w", err)
	}

	report := &Report{GeneratedAt: time.Now()}
	for _, acct := range snap.Accounts {
		if !symbols.IsTradeableBase(acct.Currency) || acct.Balance <= 0 {
			continue
		}
		balance := decimal.NewFromFloat(acct.Balance)
		symReport, err := e.reportForBase(ctx, symbols.Pair(acct.Currency, "USD"), balance)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("base", acct.Currency).
				Msg("skipping base in expected-TP report")
			continue
		}
		report.Symbols = append(report.Symbols, symReport)
	}

	sort.Slice(report.Symbols, func(i, j int) bool {
		return report.Symbols[i].Symbol < report.Symbols[j].Symbol
	})
	return report, nil
}

// ReportSymbol builds one symbol's coverage, using the wallet balance for
// its base when a virtual lot has to stand in.
func (e *Engine) ReportSymbol(ctx context.Context, symbol string) (*SymbolReport, error) {
	balance := decimal.Zero
	if snap, err := e.balances.Snapshot(ctx); err == nil {
		base := symbols.BaseOf(symbol)
		for _, acct := range snap.Accounts {
			if acct.Currency == base {
				balance = decimal.NewFromFloat(acct.Balance)
				break
			}
		}
	}
	return e.reportForBase(ctx, symbol, balance)
}

func (e *Engine) reportForBase(ctx context.Context, symbol string, balance decimal.Decimal) (*SymbolReport, error) {
	buys, err := e.store.FilledBuysFIFO(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("filled buys %s: %w", symbol, err)
	}
	sells, err := e.store.FilledSellsFIFO(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("filled sells %s: %w", symbol, err)
	}

	// The report is keyed on the pair actually traded, not the USD default.
	reportSymbol := symbol
	if len(buys) > 0 {
		reportSymbol = buys[len(buys)-1].Symbol
	}

	quote, err := e.quotes.GetQuote(ctx, reportSymbol)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", reportSymbol, err)
	}
	currentPrice := quote.Last

	lots := rebuildOpenLots(buys, sells)
	virtual := false
	if len(lots) == 0 && balance.IsPositive() {
		lots = []OpenLot{virtualLot(reportSymbol, balance, buys, currentPrice)}
		virtual = true
	}

	report := &SymbolReport{
		Symbol:              reportSymbol,
		Base:                symbols.BaseOf(reportSymbol),
		CurrentPrice:        currentPrice,
		NetQty:              decimal.Zero,
		PositionValue:       decimal.Zero,
		ActualPositionValue: decimal.Zero,
		CoveredQty:          decimal.Zero,
		UncoveredQty:        decimal.Zero,
		TotalExpectedProfit: decimal.Zero,
		Virtual:             virtual,
		Lots:                []LotRow{},
	}
	if len(lots) == 0 {
		return report, nil
	}

	tps, groupByParent, err := e.activeTakeProfits(ctx, reportSymbol)
	if err != nil {
		return nil, err
	}
	assignGroups(lots, groupByParent)
	coverage := matchLots(lots, tps)

	for _, lc := range coverage {
		covered := lc.CoveredQty()
		profit := lc.ExpectedProfit()

		report.NetQty = report.NetQty.Add(lc.Lot.Quantity)
		report.ActualPositionValue = report.ActualPositionValue.Add(lc.Lot.BuyPrice.Mul(lc.Lot.Quantity))
		report.CoveredQty = report.CoveredQty.Add(covered)
		report.TotalExpectedProfit = report.TotalExpectedProfit.Add(profit)

		report.Lots = append(report.Lots, LotRow{
			BuyOrderID:     lc.Lot.BuyOrderID,
			BuyTime:        lc.Lot.BuyTime,
			BuyPrice:       lc.Lot.BuyPrice,
			Quantity:       lc.Lot.Quantity,
			OCOGroupID:     lc.Lot.OCOGroupID,
			Virtual:        lc.Lot.Virtual,
			CoveredQty:     covered,
			UncoveredQty:   lc.Lot.Quantity.Sub(covered),
			ExpectedProfit: profit,
			Matches:        lc.Matches,
		})
	}
	report.PositionValue = report.NetQty.Mul(currentPrice)
	report.UncoveredQty = report.NetQty.Sub(report.CoveredQty)
	return report, nil
}

// activeTakeProfits returns the live TPs for the symbol's base plus the
// parent-to-group index the lot assignment uses. Both protective roles
// contribute to the index: an entry whose TP was cancelled still has its
// group discoverable through the surviving stop-loss.
func (e *Engine) activeTakeProfits(ctx context.Context, symbol string) ([]*orders.Order, map[string]string, error) {
	protective, err := e.store.ActiveProtectiveOrders(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("active protective orders: %w", err)
	}

	var tps []*orders.Order
	groupByParent := make(map[string]string)
	for _, o := range protective {
		if !symbols.SameBase(o.Symbol, symbol) {
			continue
		}
		if o.ParentOrderID != "" && o.OCOGroupID != "" {
			if _, ok := groupByParent[o.ParentOrderID]; !ok {
				groupByParent[o.ParentOrderID] = o.OCOGroupID
			}
		}
		if o.Role == orders.RoleTakeProfit {
			tps = append(tps, o)
		}
	}
	return tps, groupByParent, nil
}
