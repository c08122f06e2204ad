package protect

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/orders"
)

// Reduced-notional spot fallback bounds, applied when the leverage ladder
// bottoms out at 1x and the full amount still does not fit.
var (
	reducedNotionalFactor = decimal.RequireFromString("0.95")
	minReducedNotionalUSD = decimal.NewFromInt(100)
)

// ErrInsufficientBalance is returned when every placement path, including
// the reduced-notional spot fallback, was rejected for lack of funds.
var ErrInsufficientBalance = errors.New("insufficient balance for entry")

// EntryRequest describes a market entry with its fallback inputs.
type EntryRequest struct {
	Symbol             string
	Side               orders.Side
	NotionalUSD        decimal.Decimal
	UseMargin          bool
	ConfiguredLeverage int
	AvailableUSD       decimal.Decimal // funds the reduced-notional fallback sizes against
	Source             string
}

// EntryResult reports how the entry finally went through.
type EntryResult struct {
	Order           *orders.Order
	UsedMargin      bool
	UsedLeverage    int
	ReducedNotional bool
}

// PlaceEntry places a market entry, walking the margin fallback ladder:
//
//   - insufficient margin locks the symbol out of margin for 30 minutes and
//     retries the same notional as spot;
//   - insufficient balance on a margin attempt halves the leverage and
//     retries (10x, 5x, 2x, 1x), and below 1x falls back to a spot entry
//     sized at 95% of available funds (minimum $100);
//   - an unknown-outcome timeout aborts immediately so the reconciler can
//     settle what, if anything, the exchange did.
func (e *Engine) PlaceEntry(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	if req.UseMargin && !e.marginLockout.Held(req.Symbol) {
		result, err := e.placeMarginLadder(ctx, req)
		if err == nil || !errors.Is(err, errFallThroughToSpot) {
			return result, err
		}
	} else if req.UseMargin {
		e.logger.Info().
			Str("symbol", req.Symbol).
			Dur("remaining", e.marginLockout.Remaining(req.Symbol)).
			Msg("Symbol in margin lockout, entering as spot")
	}

	return e.placeSpot(ctx, req, req.NotionalUSD, false)
}

// errFallThroughToSpot is an internal marker: the margin path is exhausted
// and the spot path should take over. Never returned to callers.
var errFallThroughToSpot = errors.New("fall through to spot")

func (e *Engine) placeMarginLadder(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	lev := e.leverage.StartLeverage(req.Symbol, req.ConfiguredLeverage)
	if maxLev := e.rules.MaxLeverage(ctx, req.Symbol); maxLev > 0 && lev > maxLev {
		lev = maxLev
	}

	for {
		res, err := e.api.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
			Symbol:      req.Symbol,
			Side:        req.Side,
			NotionalUSD: req.NotionalUSD,
			IsMargin:    true,
			Leverage:    lev,
			Source:      req.Source,
		})
		if err == nil {
			e.leverage.RecordSuccess(req.Symbol, lev)
			order := e.persistEntry(ctx, req, res, req.NotionalUSD, true, lev)
			return &EntryResult{Order: order, UsedMargin: true, UsedLeverage: lev}, nil
		}

		if errors.Is(err, exchange.ErrOutcomeUnknown) {
			return nil, err
		}

		if exchange.IsInsufficientMargin(err) {
			e.marginLockout.Mark(req.Symbol)
			e.logger.Warn().
				Str("symbol", req.Symbol).
				Int("leverage", lev).
				Msg("Insufficient margin, locking symbol out of margin and retrying as spot")
			return nil, errFallThroughToSpot
		}

		if exchange.IsInsufficientBalance(err) {
			next := e.leverage.RecordFailure(req.Symbol, lev)
			if next == 0 {
				e.logger.Warn().
					Str("symbol", req.Symbol).
					Msg("Leverage ladder exhausted at 1x, falling back to reduced spot entry")
				return e.placeReducedSpot(ctx, req)
			}
			e.logger.Info().
				Str("symbol", req.Symbol).
				Int("failed_leverage", lev).
				Int("next_leverage", next).
				Msg("Insufficient balance at this leverage, stepping down")
			lev = next
			continue
		}

		return nil, fmt.Errorf("margin entry %s: %w", req.Symbol, err)
	}
}

// placeReducedSpot sizes a spot entry at 95% of available funds. Below the
// $100 floor there is nothing sensible to place.
func (e *Engine) placeReducedSpot(ctx context.Context, req EntryRequest) (*EntryResult, error) {
	reduced := req.AvailableUSD.Mul(reducedNotionalFactor).RoundDown(2)
	if reduced.LessThan(minReducedNotionalUSD) {
		e.emitInsufficientBalance(ctx, req, reduced)
		return nil, fmt.Errorf("%s: reduced notional %s below $%s floor: %w",
			req.Symbol, reduced, minReducedNotionalUSD, ErrInsufficientBalance)
	}
	return e.placeSpot(ctx, req, reduced, true)
}

func (e *Engine) placeSpot(ctx context.Context, req EntryRequest, notional decimal.Decimal, reduced bool) (*EntryResult, error) {
	res, err := e.api.PlaceMarketOrder(ctx, exchange.MarketOrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		NotionalUSD: notional,
		Source:      req.Source,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrOutcomeUnknown) {
			return nil, err
		}
		if exchange.IsInsufficientBalance(err) || exchange.IsInsufficientMargin(err) {
			e.emitInsufficientBalance(ctx, req, notional)
			return nil, fmt.Errorf("spot entry %s for %s: %w", req.Symbol, notional, ErrInsufficientBalance)
		}
		return nil, fmt.Errorf("spot entry %s: %w", req.Symbol, err)
	}

	order := e.persistEntry(ctx, req, res, notional, false, 0)
	return &EntryResult{Order: order, ReducedNotional: reduced}, nil
}

// persistEntry writes the entry row immediately after placement. The
// exchange-assigned create time is the record the recent-order cooldown
// keys on, so it must land in the store before the creation lock releases.
func (e *Engine) persistEntry(ctx context.Context, req EntryRequest, res *exchange.PlaceResult,
	notional decimal.Decimal, isMargin bool, leverage int) *orders.Order {

	status := res.Status
	if status == "" {
		status = orders.StatusNew
	}

	order := &orders.Order{
		ExchangeOrderID:    res.OrderID,
		ClientOID:          res.ClientOID,
		Symbol:             req.Symbol,
		Side:               req.Side,
		Type:               orders.TypeMarket,
		Status:             status,
		AvgPrice:           res.AvgPrice,
		Quantity:           res.CumulativeQuantity,
		CumulativeQuantity: res.CumulativeQuantity,
		CumulativeValue:    notional,
		Source:             req.Source,
		IsMargin:           isMargin,
		Leverage:           leverage,
		ExchangeCreateTime: placeTime(res, e.now()),
	}
	if err := e.store.Record(ctx, order); err != nil {
		e.logger.Error().Err(err).
			Str("order_id", order.ExchangeOrderID).
			Msg("Failed to persist entry, reconciler will adopt it")
	}

	e.bus.PublishOrderPlaced(req.Symbol, string(req.Side), res.AvgPrice.String(),
		res.CumulativeQuantity.String(), res.OrderID, res.DryRun)
	return order
}

func (e *Engine) emitInsufficientBalance(ctx context.Context, req EntryRequest, notional decimal.Decimal) {
	e.bus.Publish(events.Event{
		Type: events.EventError,
		Data: map[string]interface{}{
			"symbol":   req.Symbol,
			"reason":   "INSUFFICIENT_BALANCE",
			"notional": notional.String(),
		},
	})
	detail := fmt.Sprintf("Entry for %s stopped: no balance for a %s USD order (available %s).",
		req.Symbol, notional, req.AvailableUSD)
	if err := e.notifier.SendError(ctx, "Insufficient balance", detail); err != nil {
		e.logger.Error().Err(err).Str("symbol", req.Symbol).Msg("Failed to send balance notice")
	}
}
