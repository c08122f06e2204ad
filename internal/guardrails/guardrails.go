// Package guardrails evaluates whether an order intent may proceed. The
// evaluator is a pure function over a snapshot the caller assembles, so
// every gate is unit-testable and the decision is reproducible from logs.
package guardrails

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/orders"
)

// Mode is the placement mode the evaluator suggests for an allowed order.
type Mode string

const (
	ModeSpot   Mode = "SPOT"
	ModeMargin Mode = "MARGIN"
)

// Block reasons, stable identifiers recorded in signal events and logs.
const (
	ReasonCreationLock        = "CREATION_LOCK_HELD"
	ReasonRecentBuy           = "RECENT_BUY_COOLDOWN"
	ReasonPerBaseCap          = "MAX_OPEN_PER_SYMBOL"
	ReasonGlobalCap           = "MAX_OPEN_GLOBAL"
	ReasonPriceChange         = "MIN_PRICE_CHANGE"
	ReasonPortfolioCap        = "PORTFOLIO_VALUE_CAP"
	ReasonMissingAmount       = "CONFIG_MISSING_AMOUNT"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
)

// RecentBuyWindow is the lookback for the recent-order cooldown. The count
// is resolved from the order store, not from process memory, so a restart
// cannot double-buy inside the window.
const RecentBuyWindow = 5 * time.Minute

// Request is the order intent under evaluation.
type Request struct {
	Symbol         string
	Side           orders.Side
	Protective     bool // stop-loss/take-profit placement guarding an existing lot
	CurrentPrice   decimal.Decimal
	TradeAmountUSD decimal.Decimal
	WantMargin     bool
}

// Snapshot carries the state the gates read. The caller fetches everything
// up front; Evaluate itself performs no I/O.
type Snapshot struct {
	Now                    time.Time
	CreationLockHeld       bool
	RecentBuyCount         int
	OpenPositionsForBase   int
	GlobalOpenPositions    int
	LastOrderPrice         decimal.Decimal
	PortfolioValueForBase  decimal.Decimal
	AvailableQuoteUSD      decimal.Decimal
	MarginLockoutRemaining time.Duration
}

// Limits holds the configurable gate thresholds.
type Limits struct {
	MaxOpenPerSymbol     int
	MaxOpenGlobal        int
	EnforceGlobalCap     bool
	MinPriceChangePct    decimal.Decimal
	PortfolioCapMultiple decimal.Decimal
	BalanceReserveRatio  decimal.Decimal
}

// DefaultLimits returns the stock thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxOpenPerSymbol:     3,
		MaxOpenGlobal:        0,
		EnforceGlobalCap:     false,
		MinPriceChangePct:    decimal.NewFromInt(1),
		PortfolioCapMultiple: decimal.NewFromInt(3),
		BalanceReserveRatio:  decimal.RequireFromString("1.10"),
	}
}

// Decision is the evaluator's verdict.
type Decision struct {
	Allowed       bool
	Reason        string
	Detail        string
	SuggestedMode Mode
	Warnings      []string
}

// Evaluate runs the gates in order and short-circuits on the first failure.
// Protective placements only respect the creation lock: they reduce risk,
// so cooldowns, caps and balance checks do not apply to them.
func (l Limits) Evaluate(req Request, snap Snapshot) Decision {
	mode := l.suggestMode(req, snap)

	if snap.CreationLockHeld {
		return blocked(ReasonCreationLock,
			fmt.Sprintf("order creation lock still held for %s", req.Symbol), mode)
	}

	if req.Protective {
		return allowed(mode, nil)
	}

	if snap.RecentBuyCount > 0 {
		return blocked(ReasonRecentBuy,
			fmt.Sprintf("%d BUY order(s) within the last %s", snap.RecentBuyCount, RecentBuyWindow), mode)
	}

	if l.PerBaseCapReached(snap.OpenPositionsForBase) {
		return blocked(ReasonPerBaseCap,
			fmt.Sprintf("%d open positions for base, cap %d", snap.OpenPositionsForBase, l.MaxOpenPerSymbol), mode)
	}

	var warnings []string
	if l.MaxOpenGlobal > 0 && snap.GlobalOpenPositions >= l.MaxOpenGlobal {
		note := fmt.Sprintf("global open positions %d at or above cap %d", snap.GlobalOpenPositions, l.MaxOpenGlobal)
		if l.EnforceGlobalCap {
			return blocked(ReasonGlobalCap, note, mode)
		}
		warnings = append(warnings, note)
	}

	if snap.LastOrderPrice.IsPositive() {
		change := req.CurrentPrice.Sub(snap.LastOrderPrice).Abs().
			Div(snap.LastOrderPrice).Mul(decimal.NewFromInt(100))
		if change.LessThan(l.MinPriceChangePct) {
			return blocked(ReasonPriceChange,
				fmt.Sprintf("price moved %s%% since last order, need >= %s%%",
					change.StringFixed(3), l.MinPriceChangePct), mode)
		}
	}

	if l.PortfolioCapExceeded(snap.PortfolioValueForBase, req.TradeAmountUSD) {
		return blocked(ReasonPortfolioCap,
			fmt.Sprintf("holdings worth %s exceed %s x trade amount %s",
				snap.PortfolioValueForBase, l.PortfolioCapMultiple, req.TradeAmountUSD), mode)
	}

	if !req.TradeAmountUSD.IsPositive() {
		return blocked(ReasonMissingAmount, "trade_amount_usd is not configured", mode)
	}

	// Margin entries skip the balance pre-check: the exchange computes
	// cross-collateral margin itself.
	if mode == ModeSpot {
		required := req.TradeAmountUSD.Mul(l.BalanceReserveRatio)
		if snap.AvailableQuoteUSD.LessThan(required) {
			return blocked(ReasonInsufficientBalance,
				fmt.Sprintf("available %s below required %s", snap.AvailableQuoteUSD, required), mode)
		}
	}

	return allowed(mode, warnings)
}

// PerBaseCapReached reports whether the per-base open position cap blocks a
// new entry. The monitor also calls this ahead of alert throttling so a
// capped symbol produces a cap notice instead of a buy alert.
func (l Limits) PerBaseCapReached(openForBase int) bool {
	return l.MaxOpenPerSymbol > 0 && openForBase >= l.MaxOpenPerSymbol
}

// PortfolioCapExceeded reports whether current holdings already exceed the
// allowed multiple of the per-trade amount. The monitor checks this before
// alerting: a capped position is skipped silently.
func (l Limits) PortfolioCapExceeded(portfolioValue, tradeAmount decimal.Decimal) bool {
	return portfolioValue.GreaterThan(tradeAmount.Mul(l.PortfolioCapMultiple))
}

// suggestMode downgrades a margin request to spot while the symbol sits in
// its insufficient-margin lockout window.
func (l Limits) suggestMode(req Request, snap Snapshot) Mode {
	if req.WantMargin && snap.MarginLockoutRemaining <= 0 {
		return ModeMargin
	}
	return ModeSpot
}

func blocked(reason, detail string, mode Mode) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail, SuggestedMode: mode}
}

func allowed(mode Mode, warnings []string) Decision {
	return Decision{Allowed: true, SuggestedMode: mode, Warnings: warnings}
}
