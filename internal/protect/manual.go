package protect

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/symbols"
)

// CreateForSymbol serves the protection-reminder buttons: it resolves the
// entry the new protective pair should hang off and invokes the engine for
// the selected sides, covering the full balance rather than a single lot.
//
// The most recent filled BUY for the base is the natural parent. Holdings
// with no recorded buy (funded externally or predating the agent) get a
// deterministic synthetic parent keyed by base, so repeated button presses
// find the children created the first time.
func (e *Engine) CreateForSymbol(ctx context.Context, symbol string, balance decimal.Decimal,
	item *database.WatchlistItem, sel Selection) (*Result, error) {

	if !balance.IsPositive() {
		return nil, fmt.Errorf("%s: no balance to protect", symbol)
	}

	entry, err := e.resolveParentEntry(ctx, symbol, balance)
	if err != nil {
		return nil, err
	}

	return e.CreateForFilled(ctx, Request{
		Entry:     entry,
		Item:      item,
		Source:    orders.SourceManual,
		Selection: sel,
	})
}

func (e *Engine) resolveParentEntry(ctx context.Context, symbol string, balance decimal.Decimal) (*orders.Order, error) {
	buys, err := e.store.FilledBuysFIFO(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve entry for %s: %w", symbol, err)
	}

	if len(buys) > 0 {
		last := buys[len(buys)-1]
		entry := *last
		// Protect what is actually held, not what the last lot bought.
		entry.Quantity = balance
		entry.CumulativeQuantity = balance
		return &entry, nil
	}

	ticker, err := e.api.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("resolve entry price for %s: %w", symbol, err)
	}

	return &orders.Order{
		ExchangeOrderID:    "manual_" + symbols.BaseOf(symbol),
		Symbol:             symbol,
		Side:               orders.SideBuy,
		Type:               orders.TypeMarket,
		Status:             orders.StatusFilled,
		AvgPrice:           ticker.Last,
		Quantity:           balance,
		CumulativeQuantity: balance,
		Source:             orders.SourceManual,
		ExchangeCreateTime: e.now(),
	}, nil
}
