// Package protect creates and supervises the stop-loss/take-profit pairs
// that guard filled entries: the OCO engine invoked on every discovered
// fill, the margin fallback ladder for entry placement, and the periodic
// checker that sweeps balances for unprotected positions.
package protect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/locks"
	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/normalize"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
)

// Strategy default percentages applied when the watchlist row carries no
// explicit sl_percentage/tp_percentage.
var (
	conservativePct = decimal.NewFromInt(3)
	aggressivePct   = decimal.NewFromInt(2)

	// Multiplier applied when an automatic take-profit would land on the
	// wrong side of the current market.
	tpShiftUp   = decimal.RequireFromString("1.005")
	tpShiftDown = decimal.RequireFromString("0.995")

	oneHundred = decimal.NewFromInt(100)
)

var (
	ErrNoFilledQuantity = errors.New("entry has no filled quantity")
	ErrNoEntryPrice     = errors.New("entry has no usable fill price")
	ErrPositionTooSmall = errors.New("position below minimum protectable quantity")
)

// Selection picks which protective sides a call should ensure. The checker's
// Telegram buttons map onto these.
type Selection int

const (
	SelectBoth Selection = iota
	SelectStopLoss
	SelectTakeProfit
)

func (s Selection) wantsSL() bool { return s == SelectBoth || s == SelectStopLoss }
func (s Selection) wantsTP() bool { return s == SelectBoth || s == SelectTakeProfit }

// placementAPI is the slice of the exchange client the engine drives.
type placementAPI interface {
	PlaceMarketOrder(ctx context.Context, req exchange.MarketOrderRequest) (*exchange.PlaceResult, error)
	PlaceStopLossOrder(ctx context.Context, req exchange.ProtectiveOrderRequest) (*exchange.PlaceResult, error)
	PlaceTakeProfitOrder(ctx context.Context, req exchange.ProtectiveOrderRequest) (*exchange.PlaceResult, error)
	GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error)
}

// instrumentRules resolves normalization rules and leverage bounds per
// symbol. Satisfied by the instrument metadata cache.
type instrumentRules interface {
	Rules(ctx context.Context, symbol string) (normalize.Rules, error)
	MaxLeverage(ctx context.Context, symbol string) int
}

// Engine places protective OCO pairs for filled entries. Creation per
// parent order is idempotent: existing active children are never duplicated,
// a missing side is filled in on retry.
type Engine struct {
	api      placementAPI
	rules    instrumentRules
	store    *orders.Store
	notifier *notification.Manager
	bus      *events.EventBus
	logger   zerolog.Logger

	marginLockout *locks.Set
	leverage      *LeverageCache

	now func() time.Time
}

// NewEngine wires the protective order engine.
func NewEngine(api placementAPI, rules instrumentRules, store *orders.Store,
	notifier *notification.Manager, bus *events.EventBus, logger zerolog.Logger) *Engine {
	return &Engine{
		api:           api,
		rules:         rules,
		store:         store,
		notifier:      notifier,
		bus:           bus,
		logger:        logger.With().Str("component", "ProtectiveEngine").Logger(),
		marginLockout: locks.NewSet(locks.MarginLockoutTTL),
		leverage:      NewLeverageCache(),
		now:           time.Now,
	}
}

// MarginLockout exposes the shared insufficient-margin lockout set so the
// guardrail snapshot and the entry placer read the same state.
func (e *Engine) MarginLockout() *locks.Set { return e.marginLockout }

// Leverage exposes the shared leverage-learning cache.
func (e *Engine) Leverage() *LeverageCache { return e.leverage }

// Request describes one protective-creation call.
type Request struct {
	Entry     *orders.Order
	Item      *database.WatchlistItem // nil applies conservative defaults
	Source    string                  // orders.SourceAuto or orders.SourceManual
	Selection Selection

	// Per-call overrides. When unset the watchlist row, then the strategy
	// defaults, decide.
	SLPercent decimal.NullDecimal
	TPPercent decimal.NullDecimal
}

// Result reports what one call created. Side errors are recorded per side;
// a call that placed one of two requested orders is a partial result, not
// an error return.
type Result struct {
	Symbol          string
	ParentOrderID   string
	OCOGroupID      string
	StopLoss        *orders.Order
	TakeProfit      *orders.Order
	SLErr           error
	TPErr           error
	SkippedExisting bool
}

// FullyProtected reports whether no requested side failed.
func (r *Result) FullyProtected() bool { return r.SLErr == nil && r.TPErr == nil }

// Partial reports whether exactly one requested side failed.
func (r *Result) Partial() bool {
	return (r.SLErr == nil) != (r.TPErr == nil)
}

// CreateForFilled ensures the entry's protective orders exist. It returns an
// error only when nothing could be attempted (no fill, metadata missing,
// position too small); placement failures come back inside the Result.
func (e *Engine) CreateForFilled(ctx context.Context, req Request) (*Result, error) {
	entry := req.Entry
	symbol := entry.Symbol
	result := &Result{Symbol: symbol, ParentOrderID: entry.ExchangeOrderID}

	qty := entry.FilledQuantity()
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%s order %s: %w", symbol, entry.ExchangeOrderID, ErrNoFilledQuantity)
	}
	entryPrice := entry.FillPrice()
	if !entryPrice.IsPositive() {
		return nil, fmt.Errorf("%s order %s: %w", symbol, entry.ExchangeOrderID, ErrNoEntryPrice)
	}

	active, err := e.store.ActiveProtectiveChildren(ctx, entry.ExchangeOrderID)
	if err != nil {
		return nil, fmt.Errorf("protective children lookup for %s: %w", entry.ExchangeOrderID, err)
	}
	needSL := req.Selection.wantsSL() && active[orders.RoleStopLoss] == nil
	needTP := req.Selection.wantsTP() && active[orders.RoleTakeProfit] == nil
	if !needSL && !needTP {
		e.logger.Debug().
			Str("symbol", symbol).
			Str("parent", entry.ExchangeOrderID).
			Msg("Protective orders already active, nothing to create")
		result.SkippedExisting = true
		return result, nil
	}

	rules, err := e.rules.Rules(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("protective placement for %s: %w", symbol, err)
	}

	qtyStr, err := normalize.Quantity(rules, qty, entryPrice)
	if err != nil {
		if errors.Is(err, normalize.ErrBelowMinQty) {
			floored := normalize.Floor(rules, qty)
			e.emitSmallPosition(ctx, symbol, floored, rules)
			return nil, fmt.Errorf("%s qty %s: %w", symbol, qty, ErrPositionTooSmall)
		}
		return nil, fmt.Errorf("normalize %s quantity: %w", symbol, err)
	}

	slPct, tpPct := resolvePercents(req)
	slTarget, tpTarget := targetPrices(entry.Side, entryPrice, slPct, tpPct)
	protectSide := oppositeSide(entry.Side)

	if needTP && req.Source == orders.SourceAuto {
		tpTarget = e.guardAutoTP(ctx, symbol, protectSide, tpTarget)
	}

	slStr, err := normalize.Price(rules, slTarget, normalize.RoundStopLoss)
	if err != nil {
		return nil, fmt.Errorf("normalize %s stop price: %w", symbol, err)
	}
	tpStr, err := normalize.Price(rules, tpTarget, normalize.RoundTakeProfit)
	if err != nil {
		return nil, fmt.Errorf("normalize %s target price: %w", symbol, err)
	}
	refStr, err := normalize.Price(rules, entryPrice, normalize.RoundEntry)
	if err != nil {
		return nil, fmt.Errorf("normalize %s reference price: %w", symbol, err)
	}

	result.OCOGroupID = e.ocoGroupID(entry.ExchangeOrderID, active)

	e.logger.Info().
		Str("symbol", symbol).
		Str("parent", entry.ExchangeOrderID).
		Str("oco_group", result.OCOGroupID).
		Str("sl", slStr).
		Str("tp", tpStr).
		Str("quantity", qtyStr).
		Bool("need_sl", needSL).
		Bool("need_tp", needTP).
		Str("source", req.Source).
		Msg("Creating protective orders")

	// Stop-loss first: if only one side survives a partial failure, it is
	// the one that limits the loss.
	if needSL {
		result.StopLoss, result.SLErr = e.placeSide(ctx, entry, orders.RoleStopLoss,
			protectSide, slStr, qtyStr, refStr, result.OCOGroupID, req.Source)
	}
	if needTP {
		result.TakeProfit, result.TPErr = e.placeSide(ctx, entry, orders.RoleTakeProfit,
			protectSide, tpStr, qtyStr, refStr, result.OCOGroupID, req.Source)
	}

	e.report(ctx, result, slStr, tpStr)
	return result, nil
}

// placeSide places one protective order and persists it as NEW immediately,
// before the exchange confirms it ACTIVE. A rejected placement is persisted
// too, under a synthetic id, so the audit trail holds the failure.
func (e *Engine) placeSide(ctx context.Context, entry *orders.Order, role orders.Role,
	side orders.Side, price, qty, refPrice, ocoGroupID, source string) (*orders.Order, error) {

	clientOID := fmt.Sprintf("%s_%s_%d", rolePrefix(role), entry.ExchangeOrderID, e.now().UnixMilli())
	preq := exchange.ProtectiveOrderRequest{
		Symbol:       entry.Symbol,
		Side:         side,
		Price:        price,
		Quantity:     qty,
		TriggerPrice: price,
		RefPrice:     refPrice,
		IsMargin:     entry.IsMargin,
		Leverage:     entry.Leverage,
		ClientOID:    clientOID,
	}

	var (
		res *exchange.PlaceResult
		err error
	)
	if role == orders.RoleStopLoss {
		res, err = e.api.PlaceStopLossOrder(ctx, preq)
	} else {
		res, err = e.api.PlaceTakeProfitOrder(ctx, preq)
	}
	if err != nil {
		e.logger.Error().Err(err).
			Str("symbol", entry.Symbol).
			Str("role", string(role)).
			Str("parent", entry.ExchangeOrderID).
			Msg("Protective order placement failed")
		e.recordRejection(ctx, entry, role, side, price, qty, ocoGroupID, clientOID, source, err)
		return nil, err
	}

	child := &orders.Order{
		ExchangeOrderID:    res.OrderID,
		ClientOID:          clientOID,
		Symbol:             entry.Symbol,
		Side:               side,
		Type:               roleType(role),
		Role:               role,
		Status:             orders.StatusNew,
		Price:              decimal.RequireFromString(price),
		TriggerPrice:       decimal.RequireFromString(price),
		Quantity:           decimal.RequireFromString(qty),
		ParentOrderID:      entry.ExchangeOrderID,
		OCOGroupID:         ocoGroupID,
		Source:             source,
		IsMargin:           entry.IsMargin,
		Leverage:           entry.Leverage,
		ExchangeCreateTime: placeTime(res, e.now()),
	}
	if err := e.store.Record(ctx, child); err != nil {
		// The order is live on the exchange; the reconciler will adopt it.
		e.logger.Error().Err(err).
			Str("order_id", child.ExchangeOrderID).
			Msg("Failed to persist protective order, reconciler will adopt it")
	}

	metrics.ProtectiveOrdersCreated.WithLabelValues(string(role)).Inc()
	return child, nil
}

// recordRejection persists a REJECTED row under a synthetic id so a failed
// side stays visible to the checker and the dashboard.
func (e *Engine) recordRejection(ctx context.Context, entry *orders.Order, role orders.Role,
	side orders.Side, price, qty, ocoGroupID, clientOID, source string, cause error) {

	reason := cause.Error()
	if apiErr, ok := exchange.AsAPIError(cause); ok {
		reason = fmt.Sprintf("code_%d", apiErr.Code)
	}
	if len(reason) > 64 {
		reason = reason[:64]
	}

	rejected := &orders.Order{
		ExchangeOrderID:    "rej_" + clientOID,
		ClientOID:          clientOID,
		Symbol:             entry.Symbol,
		Side:               side,
		Type:               roleType(role),
		Role:               role,
		Status:             orders.StatusRejected,
		Price:              decimal.RequireFromString(price),
		TriggerPrice:       decimal.RequireFromString(price),
		Quantity:           decimal.RequireFromString(qty),
		ParentOrderID:      entry.ExchangeOrderID,
		OCOGroupID:         ocoGroupID,
		Source:             source,
		StatusReason:       reason,
		IsMargin:           entry.IsMargin,
		Leverage:           entry.Leverage,
		ExchangeCreateTime: e.now(),
	}
	if err := e.store.Upsert(ctx, rejected); err != nil {
		e.logger.Error().Err(err).
			Str("client_oid", clientOID).
			Msg("Failed to persist protective rejection record")
	}
}

// guardAutoTP keeps an automatic take-profit on the executable side of the
// market. A SELL TP at or below the current ask (or a BUY TP at or above
// the bid) would fill immediately; shift it half a percent away. Manual
// placements are taken literally and never adjusted.
func (e *Engine) guardAutoTP(ctx context.Context, symbol string, protectSide orders.Side, tp decimal.Decimal) decimal.Decimal {
	ticker, err := e.api.GetTicker(ctx, symbol)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("symbol", symbol).
			Msg("Ticker unavailable, placing take-profit without market check")
		return tp
	}

	switch {
	case protectSide == orders.SideSell && ticker.Ask.IsPositive() && tp.LessThanOrEqual(ticker.Ask):
		shifted := tp.Mul(tpShiftUp)
		e.logger.Info().
			Str("symbol", symbol).
			Str("tp", tp.String()).
			Str("ask", ticker.Ask.String()).
			Str("shifted", shifted.String()).
			Msg("Take-profit at or below ask, shifting up 0.5%")
		return shifted
	case protectSide == orders.SideBuy && ticker.Bid.IsPositive() && tp.GreaterThanOrEqual(ticker.Bid):
		shifted := tp.Mul(tpShiftDown)
		e.logger.Info().
			Str("symbol", symbol).
			Str("tp", tp.String()).
			Str("bid", ticker.Bid.String()).
			Str("shifted", shifted.String()).
			Msg("Take-profit at or above bid, shifting down 0.5%")
		return shifted
	}
	return tp
}

// ocoGroupID reuses the group of a surviving sibling so a repaired side
// joins the original pair; otherwise it mints a fresh group.
func (e *Engine) ocoGroupID(parentID string, active map[orders.Role]*orders.Order) string {
	for _, child := range active {
		if child.OCOGroupID != "" {
			return child.OCOGroupID
		}
	}
	return fmt.Sprintf("oco_%s_%d", parentID, e.now().Unix())
}

// emitSmallPosition surfaces a position too small to protect, with the
// step-aligned top-up that would make it protectable.
func (e *Engine) emitSmallPosition(ctx context.Context, symbol string, floored decimal.Decimal, rules normalize.Rules) {
	topup := normalize.TopUp(rules, floored)

	e.logger.Warn().
		Str("symbol", symbol).
		Str("quantity", floored.String()).
		Str("min_quantity", rules.MinQuantity.String()).
		Str("topup", topup.String()).
		Msg("Position below minimum protectable quantity")

	e.bus.Publish(events.Event{
		Type: events.EventUnprotectedLot,
		Data: map[string]interface{}{
			"symbol":       symbol,
			"reason":       "UNPROTECTED_SMALL_POSITION",
			"quantity":     floored.String(),
			"min_quantity": rules.MinQuantity.String(),
			"topup":        topup.String(),
		},
	})

	detail := fmt.Sprintf("Position %s %s is below the minimum %s; buy %s more to protect it.",
		floored, symbol, rules.MinQuantity, topup)
	if err := e.notifier.SendUnprotected(ctx, symbol, detail, nil); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to send small-position notice")
	}
}

// report logs, notifies and publishes the outcome of one creation call.
func (e *Engine) report(ctx context.Context, r *Result, slStr, tpStr string) {
	switch {
	case r.FullyProtected():
		e.bus.PublishProtectionCreated(r.Symbol, r.ParentOrderID, r.OCOGroupID, slStr, tpStr)
		detail := fmt.Sprintf("SL %s / TP %s (group %s)", slStr, tpStr, r.OCOGroupID)
		if err := e.notifier.SendProtection(ctx, r.Symbol, detail, true); err != nil {
			e.logger.Error().Err(err).Str("symbol", r.Symbol).Msg("Failed to send protection notice")
		}
	default:
		e.bus.Publish(events.Event{
			Type: events.EventProtectionFailed,
			Data: map[string]interface{}{
				"symbol":    r.Symbol,
				"parent_id": r.ParentOrderID,
				"oco_group": r.OCOGroupID,
				"sl_error":  errString(r.SLErr),
				"tp_error":  errString(r.TPErr),
				"partial":   r.Partial(),
			},
		})
		detail := fmt.Sprintf("sl_error=%s tp_error=%s", errString(r.SLErr), errString(r.TPErr))
		if r.Partial() {
			detail = "partially protected: " + detail
		}
		if err := e.notifier.SendProtection(ctx, r.Symbol, detail, false); err != nil {
			e.logger.Error().Err(err).Str("symbol", r.Symbol).Msg("Failed to send protection notice")
		}
	}
}

// resolvePercents applies the precedence: per-call override, watchlist row,
// strategy default.
func resolvePercents(req Request) (sl, tp decimal.Decimal) {
	sl, tp = modeDefaults(req.Item)

	if req.Item != nil {
		if req.Item.SLPercentage.Valid && req.Item.SLPercentage.Decimal.IsPositive() {
			sl = req.Item.SLPercentage.Decimal
		}
		if req.Item.TPPercentage.Valid && req.Item.TPPercentage.Decimal.IsPositive() {
			tp = req.Item.TPPercentage.Decimal
		}
	}
	if req.SLPercent.Valid && req.SLPercent.Decimal.IsPositive() {
		sl = req.SLPercent.Decimal
	}
	if req.TPPercent.Valid && req.TPPercent.Decimal.IsPositive() {
		tp = req.TPPercent.Decimal
	}
	return sl, tp
}

func modeDefaults(item *database.WatchlistItem) (sl, tp decimal.Decimal) {
	if item != nil && item.ProtectionMode == database.ProtectionAggressive {
		return aggressivePct, aggressivePct
	}
	return conservativePct, conservativePct
}

// targetPrices computes raw SL/TP targets from the entry side and price.
func targetPrices(entrySide orders.Side, entryPrice, slPct, tpPct decimal.Decimal) (sl, tp decimal.Decimal) {
	slFrac := slPct.Div(oneHundred)
	tpFrac := tpPct.Div(oneHundred)

	if entrySide == orders.SideBuy {
		sl = entryPrice.Mul(decimal.NewFromInt(1).Sub(slFrac))
		tp = entryPrice.Mul(decimal.NewFromInt(1).Add(tpFrac))
		return sl, tp
	}
	sl = entryPrice.Mul(decimal.NewFromInt(1).Add(slFrac))
	tp = entryPrice.Mul(decimal.NewFromInt(1).Sub(tpFrac))
	return sl, tp
}

func oppositeSide(s orders.Side) orders.Side {
	if s == orders.SideBuy {
		return orders.SideSell
	}
	return orders.SideBuy
}

func roleType(role orders.Role) orders.Type {
	if role == orders.RoleStopLoss {
		return orders.TypeStopLimit
	}
	return orders.TypeTakeProfitLimit
}

func rolePrefix(role orders.Role) string {
	if role == orders.RoleStopLoss {
		return "sl"
	}
	return "tp"
}

func placeTime(res *exchange.PlaceResult, fallback time.Time) time.Time {
	if !res.CreateTime.IsZero() {
		return res.CreateTime
	}
	return fallback
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
