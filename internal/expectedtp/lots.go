// Package expectedtp rebuilds the open lots behind each position from the
// order history and matches active take-profit orders to them, producing
// the coverage and expected-profit report the dashboard and the operator
// CLI read. Pure read-model: nothing here places or mutates orders.
package expectedtp

import (
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/orders"
)

// OpenLot is the remaining unclosed quantity from one filled BUY after
// applying later SELL fills in FIFO order. A virtual lot is synthesized
// when the wallet holds a balance the order history cannot explain.
type OpenLot struct {
	Symbol     string
	BuyOrderID string
	BuyTime    time.Time
	BuyPrice   decimal.Decimal
	Quantity   decimal.Decimal
	OCOGroupID string
	Virtual    bool
}

// rebuildOpenLots walks filled BUYs and SELLs, both in exchange-create-time
// order, consuming sell quantity against buys FIFO. A sell larger than the
// oldest buy carries its residue into the next buy; a buy with quantity
// left over after all sells becomes one open lot.
func rebuildOpenLots(buys, sells []*orders.Order) []OpenLot {
	sellRemaining := make([]decimal.Decimal, len(sells))
	for i, s := range sells {
		sellRemaining[i] = s.FilledQuantity()
	}
	nextSell := 0

	var lots []OpenLot
	for _, buy := range buys {
		remaining := buy.FilledQuantity()
		for nextSell < len(sells) && remaining.IsPositive() {
			if !sellRemaining[nextSell].IsPositive() {
				nextSell++
				continue
			}
			applied := decimal.Min(remaining, sellRemaining[nextSell])
			remaining = remaining.Sub(applied)
			sellRemaining[nextSell] = sellRemaining[nextSell].Sub(applied)
		}
		if remaining.IsPositive() {
			lots = append(lots, OpenLot{
				Symbol:     buy.Symbol,
				BuyOrderID: buy.ExchangeOrderID,
				BuyTime:    buy.ExchangeCreateTime,
				BuyPrice:   buy.FillPrice(),
				Quantity:   remaining,
			})
		}
	}
	return lots
}

// CountOpenLots reports how many filled entries still carry unsold
// quantity. The monitor's exposure gates treat each such lot as one open
// position, so the count shares the FIFO semantics of the report.
func CountOpenLots(buys, sells []*orders.Order) int {
	return len(rebuildOpenLots(buys, sells))
}

// virtualLot synthesizes an open lot for a wallet balance with no
// reconstructable ancestry. The entry price is the weighted average over
// all historical buys; with no buys at all, the current market price
// stands in (the lot represents the present, not a past order).
func virtualLot(symbol string, balance decimal.Decimal, buys []*orders.Order, marketPrice decimal.Decimal) OpenLot {
	price := weightedAvgBuyPrice(buys)
	if !price.IsPositive() {
		price = marketPrice
	}
	return OpenLot{
		Symbol:   symbol,
		BuyPrice: price,
		Quantity: balance,
		Virtual:  true,
	}
}

func weightedAvgBuyPrice(buys []*orders.Order) decimal.Decimal {
	totalQty := decimal.Zero
	totalValue := decimal.Zero
	for _, b := range buys {
		qty := b.FilledQuantity()
		price := b.FillPrice()
		if !qty.IsPositive() || !price.IsPositive() {
			continue
		}
		totalQty = totalQty.Add(qty)
		totalValue = totalValue.Add(price.Mul(qty))
	}
	if !totalQty.IsPositive() {
		return decimal.Zero
	}
	return totalValue.Div(totalQty)
}

// assignGroups stamps each lot with the OCO group of its buy's protective
// children, the linkage the OCO matching pass keys on.
func assignGroups(lots []OpenLot, groupByParent map[string]string) {
	for i := range lots {
		if g, ok := groupByParent[lots[i].BuyOrderID]; ok {
			lots[i].OCOGroupID = g
		}
	}
}
