package protect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/locks"
	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/normalize"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/symbols"
)

// Telegram callback prefixes for the protection-reminder buttons. The API
// webhook parses these back into engine calls.
const (
	CallbackCreateBoth = "create_sl_tp_"
	CallbackCreateSL   = "create_sl_"
	CallbackCreateTP   = "create_tp_"
	CallbackSkip       = "skip_sl_tp_"
)

// Quantity tolerance when matching a protective order against the balance
// it should cover. Wider gaps mean the order belongs to an older position.
var qtyTolerance = decimal.RequireFromString("0.05")

// CallbackAction is a parsed protection-reminder button press.
type CallbackAction int

const (
	ActionNone CallbackAction = iota
	ActionCreateBoth
	ActionCreateSL
	ActionCreateTP
	ActionSkipReminder
)

// ParseCallback maps Telegram callback data to an action and symbol.
// The both-sides prefix is tested before the stop-loss prefix, which it
// contains.
func ParseCallback(data string) (CallbackAction, string) {
	switch {
	case strings.HasPrefix(data, CallbackCreateBoth):
		return ActionCreateBoth, strings.TrimPrefix(data, CallbackCreateBoth)
	case strings.HasPrefix(data, CallbackSkip):
		return ActionSkipReminder, strings.TrimPrefix(data, CallbackSkip)
	case strings.HasPrefix(data, CallbackCreateSL):
		return ActionCreateSL, strings.TrimPrefix(data, CallbackCreateSL)
	case strings.HasPrefix(data, CallbackCreateTP):
		return ActionCreateTP, strings.TrimPrefix(data, CallbackCreateTP)
	}
	return ActionNone, ""
}

// Selection converts a button action to the engine's side selection.
func (a CallbackAction) Selection() Selection {
	switch a {
	case ActionCreateSL:
		return SelectStopLoss
	case ActionCreateTP:
		return SelectTakeProfit
	default:
		return SelectBoth
	}
}

// accountOrdersAPI is the exchange surface the checker sweeps.
type accountOrdersAPI interface {
	GetAccountSummary(ctx context.Context) (*exchange.AccountSummary, error)
	ListOpenOrders(ctx context.Context) ([]*orders.Order, error)
	ListTriggerOrders(ctx context.Context) ([]*orders.Order, error)
}

// quoteSource resolves the current market price for suggestions.
type quoteSource interface {
	GetQuote(ctx context.Context, symbol string) (*cache.Quote, error)
}

// watchlistSource lists the per-symbol protection settings.
type watchlistSource interface {
	ListWatchlist(ctx context.Context) ([]*database.WatchlistItem, error)
}

// PositionReport is one balance the sweep found insufficiently protected.
type PositionReport struct {
	Symbol       string          `json:"symbol"`
	Base         string          `json:"base"`
	Balance      decimal.Decimal `json:"balance"`
	HasSL        bool            `json:"has_sl"`
	HasTP        bool            `json:"has_tp"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	SuggestedSL  string          `json:"suggested_sl,omitempty"`
	SuggestedTP  string          `json:"suggested_tp,omitempty"`
	Notified     bool            `json:"notified"`
}

// IntegrityIssue is one OCO bookkeeping defect.
type IntegrityIssue struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Problem string `json:"problem"`
}

// CheckReport is the outcome of one sweep.
type CheckReport struct {
	At           time.Time        `json:"at"`
	CheckedBases int              `json:"checked_bases"`
	Unprotected  []PositionReport `json:"unprotected"`
	Integrity    []IntegrityIssue `json:"integrity"`
}

// Checker sweeps exchange balances for positions without active stop-loss
// or take-profit coverage and nags the operator with actionable buttons.
type Checker struct {
	api       accountOrdersAPI
	rules     instrumentRules
	quotes    quoteSource
	watchlist watchlistSource
	store     *orders.Store
	notifier  *notification.Manager
	logger    zerolog.Logger

	// Per-symbol reminder limiter: one nag per six hours.
	reminderLimit *locks.Set

	now func() time.Time
}

// NewChecker wires the protection sweep.
func NewChecker(api accountOrdersAPI, rules instrumentRules, quotes quoteSource,
	watchlist watchlistSource, store *orders.Store, notifier *notification.Manager,
	logger zerolog.Logger) *Checker {
	return &Checker{
		api:           api,
		rules:         rules,
		quotes:        quotes,
		watchlist:     watchlist,
		store:         store,
		notifier:      notifier,
		logger:        logger.With().Str("component", "SLTPChecker").Logger(),
		reminderLimit: locks.NewSet(locks.UnprotectedAlertTTL),
		now:           time.Now,
	}
}

// Run executes one sweep. The exchange's open and trigger orders are the
// authority on what protection exists; the local store only drives the OCO
// integrity checks.
func (c *Checker) Run(ctx context.Context) (*CheckReport, error) {
	report := &CheckReport{At: c.now()}

	summary, err := c.api.GetAccountSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("protection sweep account summary: %w", err)
	}
	open, err := c.api.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("protection sweep open orders: %w", err)
	}
	trigger, err := c.api.ListTriggerOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("protection sweep trigger orders: %w", err)
	}
	exchangeOrders := append(open, trigger...)

	items, err := c.watchlistBySymbol(ctx)
	if err != nil {
		return nil, err
	}

	for _, acct := range summary.Accounts {
		if !symbols.IsTradeableBase(acct.Currency) {
			continue
		}
		balance := decimal.NewFromFloat(acct.Balance)
		if !balance.IsPositive() {
			continue
		}
		report.CheckedBases++

		base := strings.ToUpper(acct.Currency)
		hasSL, hasTP := classifyProtection(exchangeOrders, base, balance)
		if hasSL && hasTP {
			continue
		}

		item := items[symbols.Canonical(base)]
		if item != nil && item.SkipProtectionReminder {
			continue
		}

		pos := c.buildPositionReport(ctx, base, balance, hasSL, hasTP, item)
		pos.Notified = c.notifyUnprotected(ctx, &pos)
		report.Unprotected = append(report.Unprotected, pos)
	}

	report.Integrity = c.checkOCOIntegrity(ctx)
	if len(report.Integrity) > 0 {
		c.notifyIntegrity(ctx, report.Integrity)
	}

	metrics.UnprotectedPositions.Set(float64(len(report.Unprotected)))
	c.logger.Info().
		Int("checked_bases", report.CheckedBases).
		Int("unprotected", len(report.Unprotected)).
		Int("integrity_issues", len(report.Integrity)).
		Msg("Protection sweep completed")
	return report, nil
}

func (c *Checker) watchlistBySymbol(ctx context.Context) (map[string]*database.WatchlistItem, error) {
	list, err := c.watchlist.ListWatchlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("protection sweep watchlist: %w", err)
	}
	items := make(map[string]*database.WatchlistItem, len(list))
	for _, item := range list {
		items[symbols.Canonical(item.Symbol)] = item
	}
	return items, nil
}

// classifyProtection decides whether the base currency's balance has an
// active stop-loss and take-profit among the exchange's orders. An order
// counts only when its quantity matches the balance within tolerance;
// leftovers from closed positions are ignored.
func classifyProtection(exchangeOrders []*orders.Order, base string, balance decimal.Decimal) (hasSL, hasTP bool) {
	for _, o := range exchangeOrders {
		if symbols.BaseOf(o.Symbol) != base || !o.Status.IsActive() || o.Side != orders.SideSell {
			continue
		}
		if !quantityMatches(o.Quantity, balance) {
			continue
		}
		switch protectiveRole(o) {
		case orders.RoleStopLoss:
			hasSL = true
		case orders.RoleTakeProfit:
			hasTP = true
		}
	}
	return hasSL, hasTP
}

// protectiveRole classifies an order by its recorded role, falling back to
// its type. A plain LIMIT sell with a trigger price is a stop-loss in
// everything but name.
func protectiveRole(o *orders.Order) orders.Role {
	if o.Role != orders.RoleNone {
		return o.Role
	}
	switch {
	case o.Type == orders.TypeStopLimit:
		return orders.RoleStopLoss
	case o.Type == orders.TypeTakeProfitLimit:
		return orders.RoleTakeProfit
	case o.Type == orders.TypeLimit && o.Side == orders.SideSell && o.TriggerPrice.IsPositive():
		return orders.RoleStopLoss
	}
	return orders.RoleNone
}

func quantityMatches(qty, balance decimal.Decimal) bool {
	if !balance.IsPositive() {
		return false
	}
	diff := qty.Sub(balance).Abs().Div(balance)
	return diff.LessThanOrEqual(qtyTolerance)
}

// buildPositionReport fills the per-position suggestion block: current
// price and SL/TP targets computed from the watchlist settings, formatted
// at instrument precision when metadata is available.
func (c *Checker) buildPositionReport(ctx context.Context, base string, balance decimal.Decimal,
	hasSL, hasTP bool, item *database.WatchlistItem) PositionReport {

	symbol := symbols.Pair(base, "USD")
	if item != nil {
		symbol = item.Symbol
	}

	pos := PositionReport{
		Symbol:  symbol,
		Base:    base,
		Balance: balance,
		HasSL:   hasSL,
		HasTP:   hasTP,
	}

	quote, err := c.quotes.GetQuote(ctx, symbol)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("No price for protection suggestion")
		return pos
	}
	pos.CurrentPrice = quote.Last

	slPct, tpPct := resolvePercents(Request{Item: item})
	slTarget, tpTarget := targetPrices(orders.SideBuy, quote.Last, slPct, tpPct)

	rules, err := c.rules.Rules(ctx, symbol)
	if err != nil {
		// Unformatted suggestions still beat none.
		pos.SuggestedSL = slTarget.String()
		pos.SuggestedTP = tpTarget.String()
		return pos
	}
	if s, err := normalize.Price(rules, slTarget, normalize.RoundStopLoss); err == nil {
		pos.SuggestedSL = s
	}
	if s, err := normalize.Price(rules, tpTarget, normalize.RoundTakeProfit); err == nil {
		pos.SuggestedTP = s
	}
	return pos
}

// notifyUnprotected sends the per-position reminder with action buttons,
// at most once per symbol per six hours.
func (c *Checker) notifyUnprotected(ctx context.Context, pos *PositionReport) bool {
	if !c.reminderLimit.TryAcquire(symbols.Canonical(pos.Symbol)) {
		c.logger.Debug().Str("symbol", pos.Symbol).Msg("Protection reminder rate-limited")
		return false
	}

	var missing []string
	if !pos.HasSL {
		missing = append(missing, "SL")
	}
	if !pos.HasTP {
		missing = append(missing, "TP")
	}

	detail := fmt.Sprintf("%s %s has no %s. Price %s, suggested SL %s / TP %s.",
		pos.Balance, pos.Base, strings.Join(missing, " or "),
		pos.CurrentPrice, orDash(pos.SuggestedSL), orDash(pos.SuggestedTP))

	buttons := []notification.Button{
		{Text: "Create SL & TP", CallbackData: CallbackCreateBoth + pos.Symbol},
		{Text: "SL only", CallbackData: CallbackCreateSL + pos.Symbol},
		{Text: "TP only", CallbackData: CallbackCreateTP + pos.Symbol},
		{Text: "Don't ask again", CallbackData: CallbackSkip + pos.Symbol},
	}
	if err := c.notifier.SendUnprotected(ctx, pos.Symbol, detail, buttons); err != nil {
		c.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Failed to send protection reminder")
		return false
	}
	return true
}

// checkOCOIntegrity walks the locally tracked active orders for protective
// records without linkage and OCO groups running on one leg.
func (c *Checker) checkOCOIntegrity(ctx context.Context) []IntegrityIssue {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("OCO integrity scan failed to list active orders")
		return nil
	}

	var issues []IntegrityIssue
	groups := make(map[string]map[orders.Role]bool)

	for _, o := range active {
		role := protectiveRole(o)
		if role == orders.RoleNone {
			continue
		}
		if o.ParentOrderID == "" {
			issues = append(issues, IntegrityIssue{OrderID: o.ExchangeOrderID, Symbol: o.Symbol, Problem: "missing_parent_order"})
		}
		if o.OCOGroupID == "" {
			issues = append(issues, IntegrityIssue{OrderID: o.ExchangeOrderID, Symbol: o.Symbol, Problem: "missing_oco_group"})
			continue
		}
		if groups[o.OCOGroupID] == nil {
			groups[o.OCOGroupID] = make(map[orders.Role]bool)
		}
		groups[o.OCOGroupID][role] = true
	}

	for groupID, roles := range groups {
		if roles[orders.RoleStopLoss] && roles[orders.RoleTakeProfit] {
			continue
		}
		leg := "TAKE_PROFIT"
		if roles[orders.RoleTakeProfit] {
			leg = "STOP_LOSS"
		}
		issues = append(issues, IntegrityIssue{
			OrderID: groupID,
			Problem: "incomplete_oco_group_missing_" + strings.ToLower(leg),
		})
	}
	return issues
}

// notifyIntegrity sends one consolidated alert for all integrity findings,
// rate-limited like the position reminders.
func (c *Checker) notifyIntegrity(ctx context.Context, issues []IntegrityIssue) {
	if !c.reminderLimit.TryAcquire("oco_integrity") {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d OCO bookkeeping issue(s):\n", len(issues))
	for i, issue := range issues {
		if i == 10 {
			fmt.Fprintf(&b, "… and %d more\n", len(issues)-i)
			break
		}
		fmt.Fprintf(&b, "- %s %s (%s)\n", issue.Problem, issue.OrderID, issue.Symbol)
	}
	if err := c.notifier.SendError(ctx, "OCO integrity", b.String()); err != nil {
		c.logger.Error().Err(err).Msg("Failed to send OCO integrity alert")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
