package expectedtp

import (
	"sort"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/orders"
)

// MatchOrigin records which pass pinned a take-profit to a lot.
type MatchOrigin string

const (
	MatchOCO  MatchOrigin = "OCO"
	MatchFIFO MatchOrigin = "FIFO"
)

// Matching tolerances. Partial fills and normalization rounding mean the
// quantities rarely line up exactly, so each pass accepts a bounded gap.
var (
	ocoCoverageFloor  = decimal.RequireFromString("0.90") // same-group TPs must cover >= 90% of the lot
	fifoOverageLimit  = decimal.RequireFromString("1.15") // one TP may exceed its lots by <= 15%
	fifoCoverageFloor = decimal.RequireFromString("0.85") // pooled small TPs must cover >= 85% of a lot
)

// TPMatch pins one take-profit portion to a lot.
type TPMatch struct {
	TPOrderID string          `json:"tp_order_id"`
	TPPrice   decimal.Decimal `json:"tp_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Origin    MatchOrigin     `json:"origin"`
}

// LotCoverage is one lot with everything matched against it.
type LotCoverage struct {
	Lot     OpenLot   `json:"lot"`
	Matches []TPMatch `json:"matches,omitempty"`
}

// CoveredQty sums the matched portions.
func (lc *LotCoverage) CoveredQty() decimal.Decimal {
	total := decimal.Zero
	for _, m := range lc.Matches {
		total = total.Add(m.Quantity)
	}
	return total
}

// ExpectedProfit is sum((tp_price - buy_price) * portion) over the matches.
func (lc *LotCoverage) ExpectedProfit() decimal.Decimal {
	total := decimal.Zero
	for _, m := range lc.Matches {
		total = total.Add(m.TPPrice.Sub(lc.Lot.BuyPrice).Mul(m.Quantity))
	}
	return total
}

// tpCandidate tracks how much of an active take-profit is still unclaimed
// while the passes run.
type tpCandidate struct {
	order     *orders.Order
	remaining decimal.Decimal
}

// eligible enforces the entry-before-TP ordering for real lots. Virtual
// lots represent the present and accept any active TP.
func (c *tpCandidate) eligible(lot *OpenLot) bool {
	if !c.remaining.IsPositive() {
		return false
	}
	if lot.Virtual {
		return true
	}
	return c.order.ExchangeCreateTime.After(lot.BuyTime)
}

// matchLots runs the two matching passes and returns per-lot coverage in
// lot order. TPs are consumed at most once across both passes.
func matchLots(lots []OpenLot, tps []*orders.Order) []LotCoverage {
	candidates := make([]*tpCandidate, 0, len(tps))
	for _, tp := range tps {
		qty := tp.Quantity
		if !qty.IsPositive() {
			continue
		}
		candidates = append(candidates, &tpCandidate{order: tp, remaining: qty})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].order.ExchangeCreateTime.Before(candidates[j].order.ExchangeCreateTime)
	})

	coverage := make([]LotCoverage, len(lots))
	for i := range lots {
		coverage[i] = LotCoverage{Lot: lots[i]}
	}

	matchOCOPass(coverage, candidates)
	matchFIFOPass(coverage, candidates)
	return coverage
}

// matchOCOPass matches lots to take-profits sharing their OCO group: an
// exact quantity match first, otherwise same-group TPs accumulated FIFO
// until they cover at least 90% of the lot.
func matchOCOPass(coverage []LotCoverage, candidates []*tpCandidate) {
	for i := range coverage {
		lot := &coverage[i].Lot
		if lot.OCOGroupID == "" {
			continue
		}

		var group []*tpCandidate
		for _, c := range candidates {
			if c.order.OCOGroupID == lot.OCOGroupID && c.eligible(lot) {
				group = append(group, c)
			}
		}
		if len(group) == 0 {
			continue
		}

		// Exact match wins outright.
		exactDone := false
		for _, c := range group {
			if c.remaining.Equal(lot.Quantity) {
				coverage[i].Matches = append(coverage[i].Matches, TPMatch{
					TPOrderID: c.order.ExchangeOrderID,
					TPPrice:   c.order.Price,
					Quantity:  lot.Quantity,
					Origin:    MatchOCO,
				})
				c.remaining = decimal.Zero
				exactDone = true
				break
			}
		}
		if exactDone {
			continue
		}

		// Accumulate the group FIFO; accept only when it clears the floor.
		groupTotal := decimal.Zero
		for _, c := range group {
			groupTotal = groupTotal.Add(c.remaining)
		}
		if groupTotal.LessThan(lot.Quantity.Mul(ocoCoverageFloor)) {
			continue
		}
		need := lot.Quantity
		for _, c := range group {
			if !need.IsPositive() {
				break
			}
			portion := decimal.Min(c.remaining, need)
			coverage[i].Matches = append(coverage[i].Matches, TPMatch{
				TPOrderID: c.order.ExchangeOrderID,
				TPPrice:   c.order.Price,
				Quantity:  portion,
				Origin:    MatchOCO,
			})
			c.remaining = c.remaining.Sub(portion)
			need = need.Sub(portion)
		}
	}
}

// matchFIFOPass pairs whatever the OCO pass left over: first one large TP
// against sequential uncovered lots (up to 15% overage), then pooled small
// TPs against one lot (at least 85% coverage).
func matchFIFOPass(coverage []LotCoverage, candidates []*tpCandidate) {
	// Phase 1: a TP spanning one or more whole lots.
	for _, c := range candidates {
		if !c.remaining.IsPositive() {
			continue
		}

		var span []int
		total := decimal.Zero
		for i := range coverage {
			if len(coverage[i].Matches) > 0 {
				continue
			}
			lot := &coverage[i].Lot
			if !c.eligible(lot) {
				continue
			}
			if total.Add(lot.Quantity).GreaterThan(c.remaining) {
				break
			}
			span = append(span, i)
			total = total.Add(lot.Quantity)
		}
		if len(span) == 0 || !total.IsPositive() {
			continue
		}
		if c.remaining.GreaterThan(total.Mul(fifoOverageLimit)) {
			continue
		}

		for _, i := range span {
			lot := &coverage[i].Lot
			coverage[i].Matches = append(coverage[i].Matches, TPMatch{
				TPOrderID: c.order.ExchangeOrderID,
				TPPrice:   c.order.Price,
				Quantity:  lot.Quantity,
				Origin:    MatchFIFO,
			})
		}
		c.remaining = decimal.Zero
	}

	// Phase 2: pooled small TPs covering one big lot. A TP larger than the
	// lot belongs to phase 1; if it failed the overage cap there, pooling it
	// here would just hide a stale order.
	for i := range coverage {
		if len(coverage[i].Matches) > 0 {
			continue
		}
		lot := &coverage[i].Lot

		var pool []*tpCandidate
		poolTotal := decimal.Zero
		for _, c := range candidates {
			if !c.eligible(lot) || c.remaining.GreaterThan(lot.Quantity) {
				continue
			}
			pool = append(pool, c)
			poolTotal = poolTotal.Add(c.remaining)
			if poolTotal.GreaterThanOrEqual(lot.Quantity) {
				break
			}
		}
		if poolTotal.LessThan(lot.Quantity.Mul(fifoCoverageFloor)) {
			continue
		}

		need := lot.Quantity
		for _, c := range pool {
			if !need.IsPositive() {
				break
			}
			portion := decimal.Min(c.remaining, need)
			coverage[i].Matches = append(coverage[i].Matches, TPMatch{
				TPOrderID: c.order.ExchangeOrderID,
				TPPrice:   c.order.Price,
				Quantity:  portion,
				Origin:    MatchFIFO,
			})
			c.remaining = c.remaining.Sub(portion)
			need = need.Sub(portion)
		}
	}
}
