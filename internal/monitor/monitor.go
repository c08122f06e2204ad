// Package monitor runs the signal loop: every cycle it re-reads the
// watchlist, evaluates each symbol's indicator snapshot into BUY, SELL or
// WAIT, and walks BUY signals through alert throttling and the order
// guardrails to an actual market entry. It is the only component that
// opens new positions.
package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/alerts"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/expectedtp"
	"crypto-trading-agent/internal/guardrails"
	"crypto-trading-agent/internal/locks"
	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/portfolio"
	"crypto-trading-agent/internal/pricefeed"
	"crypto-trading-agent/internal/protect"
	"crypto-trading-agent/internal/symbols"
)

const (
	// DefaultInterval between monitor cycles.
	DefaultInterval = 30 * time.Second

	// DefaultCandleInterval is the bar size the indicator snapshot is
	// computed on.
	DefaultCandleInterval = "1h"

	// LiveTradingKey is the runtime setting that gates real placements.
	// Re-read every cycle so the dashboard can flip it without a restart.
	LiveTradingKey = "LIVE_TRADING"
)

// Config tunes the monitor. Zero values take the defaults.
type Config struct {
	Interval       time.Duration
	CandleInterval string
	Limits         guardrails.Limits

	// DefaultLeverage starts the margin ladder when the watchlist row does
	// not configure one.
	DefaultLeverage int

	// LiveTrading is the fallback when the runtime setting is absent.
	LiveTrading bool
}

// repository is the persistence surface the monitor reads and audits to.
type repository interface {
	ListMonitoredWatchlist(ctx context.Context) ([]*database.WatchlistItem, error)
	InsertSignalEvent(ctx context.Context, ev *database.SignalEvent) error
	GetSetting(ctx context.Context, key string) (string, bool, error)
}

// indicatorFeed resolves the per-symbol market snapshot.
type indicatorFeed interface {
	GetPriceWithIndicators(ctx context.Context, symbol, interval string) (*pricefeed.Indicators, error)
}

// entryPlacer executes market entries with the margin fallback ladder.
type entryPlacer interface {
	PlaceEntry(ctx context.Context, req protect.EntryRequest) (*protect.EntryResult, error)
	MarginLockout() *locks.Set
}

// accountSource reads balances for the exposure and balance gates.
type accountSource interface {
	Snapshot(ctx context.Context) (*portfolio.Snapshot, error)
	AuthHalted() bool
}

// liveSwitch toggles the exchange client's dry-run gate.
type liveSwitch interface {
	SetLive(live bool)
}

// SignalState is the per-symbol memory the monitor keeps between cycles.
// LastOrderPrice survives direction changes: the price-change gate compares
// against the last actual entry, not the last signal.
type SignalState struct {
	State          pricefeed.Direction `json:"state"`
	LastOrderPrice decimal.Decimal     `json:"last_order_price"`
	OrdersCount    int                 `json:"orders_count"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Monitor is the periodic signal evaluator and entry placer.
type Monitor struct {
	repo      repository
	feed      indicatorFeed
	store     *orders.Store
	throttler *alerts.Throttler
	placer    entryPlacer
	accounts  accountSource
	notifier  *notification.Manager
	bus       *events.EventBus
	liveGate  liveSwitch
	logger    zerolog.Logger

	limits          guardrails.Limits
	interval        time.Duration
	candleInterval  string
	defaultLeverage int
	liveDefault     bool

	creationLock *locks.Set
	alertLock    *locks.Set

	stateMu   sync.Mutex
	states    map[string]SignalState
	lastBlock map[string]string

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewMonitor wires the signal monitor. liveGate may be nil when the
// placement gate is fixed for the process lifetime.
func NewMonitor(repo repository, feed indicatorFeed, store *orders.Store,
	throttler *alerts.Throttler, placer entryPlacer, accounts accountSource,
	notifier *notification.Manager, bus *events.EventBus, liveGate liveSwitch,
	cfg Config, logger zerolog.Logger) *Monitor {

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.CandleInterval == "" {
		cfg.CandleInterval = DefaultCandleInterval
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 10
	}

	return &Monitor{
		repo:            repo,
		feed:            feed,
		store:           store,
		throttler:       throttler,
		placer:          placer,
		accounts:        accounts,
		notifier:        notifier,
		bus:             bus,
		liveGate:        liveGate,
		logger:          logger.With().Str("component", "SignalMonitor").Logger(),
		limits:          cfg.Limits,
		interval:        cfg.Interval,
		candleInterval:  cfg.CandleInterval,
		defaultLeverage: cfg.DefaultLeverage,
		liveDefault:     cfg.LiveTrading,
		creationLock:    locks.NewSet(locks.OrderCreationTTL),
		alertLock:       locks.NewSet(locks.AlertSendTTL),
		states:          make(map[string]SignalState),
		lastBlock:       make(map[string]string),
		now:             time.Now,
	}
}

// Start launches the monitor loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("signal monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runMainLoop()

	m.logger.Info().Dur("interval", m.interval).Msg("Signal monitor started")
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to drain.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("signal monitor not running")
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info().Msg("Signal monitor stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) runMainLoop() {
	defer m.wg.Done()

	m.cycle()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.cycle()
		}
	}
}

// cycle runs one pass with a deadline of one interval, so a stuck feed or
// exchange call can never stack cycles.
func (m *Monitor) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	if err := m.RunOnce(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Monitor cycle failed")
	}
}

// RunOnce executes a single monitor pass over the current watchlist. The
// watchlist is re-read every pass so dashboard edits apply on the next tick.
func (m *Monitor) RunOnce(ctx context.Context) error {
	m.applyLiveSetting(ctx)

	items, err := m.repo.ListMonitoredWatchlist(ctx)
	if err != nil {
		return fmt.Errorf("list watchlist: %w", err)
	}
	metrics.WatchlistSize.Set(float64(len(items)))
	if len(items) == 0 {
		return nil
	}

	snap := m.accountSnapshot(ctx)
	lots := m.openLotCounts(ctx, items)

	for _, item := range items {
		m.processSymbol(ctx, item, snap, lots)
	}

	metrics.MonitorCycles.Inc()
	return nil
}

// applyLiveSetting re-reads the LIVE_TRADING runtime setting. An absent key
// keeps the configured default; a read error keeps the current gate.
func (m *Monitor) applyLiveSetting(ctx context.Context) {
	if m.liveGate == nil {
		return
	}

	raw, found, err := m.repo.GetSetting(ctx, LiveTradingKey)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Could not read live-trading setting")
		return
	}

	live := m.liveDefault
	if found {
		v, perr := strconv.ParseBool(strings.TrimSpace(raw))
		if perr != nil {
			m.logger.Warn().Str("value", raw).Msg("Unparseable live-trading setting, keeping default")
		} else {
			live = v
		}
	}
	m.liveGate.SetLive(live)
}

// accountSnapshot reads balances once per cycle. A failed read degrades the
// cycle to alert-only: signals still flow, entries are skipped because the
// funds cannot be verified.
func (m *Monitor) accountSnapshot(ctx context.Context) *portfolio.Snapshot {
	snap, err := m.accounts.Snapshot(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Account snapshot failed, cycle is alert-only")
		return nil
	}
	return snap
}

// openLotCounts rebuilds the open-position count per monitored base once
// per cycle. The per-base and global exposure gates both read it. A base
// whose count could not be derived is absent from the map, which blocks
// its entries rather than letting them through unchecked.
func (m *Monitor) openLotCounts(ctx context.Context, items []*database.WatchlistItem) map[string]int {
	counts := make(map[string]int)
	for _, item := range items {
		base := symbols.BaseOf(item.Symbol)
		if _, done := counts[base]; done {
			continue
		}
		buys, err := m.store.FilledBuysFIFO(ctx, item.Symbol)
		if err == nil {
			var sells []*orders.Order
			sells, err = m.store.FilledSellsFIFO(ctx, item.Symbol)
			if err == nil {
				counts[base] = expectedtp.CountOpenLots(buys, sells)
				continue
			}
		}
		m.logger.Warn().Err(err).Str("symbol", item.Symbol).Msg("Open-position count unavailable")
	}
	return counts
}

// processSymbol evaluates one watchlist row. A panic in one symbol's
// pipeline is contained so the rest of the cycle still runs.
func (m *Monitor) processSymbol(ctx context.Context, item *database.WatchlistItem,
	snap *portfolio.Snapshot, lots map[string]int) {

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("symbol", item.Symbol).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Symbol processing panicked, cycle continues")
			metrics.SignalsProcessed.WithLabelValues("panic").Inc()
		}
	}()

	ind, err := m.feed.GetPriceWithIndicators(ctx, item.Symbol, m.candleInterval)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", item.Symbol).Msg("No market data, symbol skipped this cycle")
		metrics.SignalsProcessed.WithLabelValues("skipped").Inc()
		return
	}

	prior := m.State(item.Symbol)

	baseBalance := decimal.Zero
	if snap != nil {
		baseBalance = decimal.NewFromFloat(snap.BaseBalance(symbols.BaseOf(item.Symbol)))
	}

	sig := pricefeed.Evaluate(ind, pricefeed.StrategyProfile{
		StrategyType: item.StrategyType,
		RiskApproach: item.RiskApproach,
	}, pricefeed.EvalInput{
		BuyTarget:    item.BuyTarget,
		LastBuyPrice: prior.LastOrderPrice,
		PositionQty:  baseBalance,
	})

	switch sig.Direction {
	case pricefeed.SignalBuy:
		m.handleBuy(ctx, item, sig, prior, snap, baseBalance, lots)
	case pricefeed.SignalSell:
		m.handleSell(ctx, item, sig, prior)
	default:
		m.setState(item.Symbol, pricefeed.SignalWait, prior)
	}
}

// handleBuy walks the BUY pipeline: send lock, silent portfolio cap,
// per-base cap notice, alert throttle, then the full guardrail evaluation
// and the entry placement.
func (m *Monitor) handleBuy(ctx context.Context, item *database.WatchlistItem, sig *pricefeed.Signal,
	prior SignalState, snap *portfolio.Snapshot, baseBalance decimal.Decimal, lots map[string]int) {

	newTransition := prior.State != pricefeed.SignalBuy

	// The send lock covers the throttle decision, its state write and the
	// dispatch. A concurrent tick that loses the race skips the symbol
	// rather than double-sending.
	sendKey := locks.AlertKey(symbols.Canonical(item.Symbol), string(orders.SideBuy))
	if !m.alertLock.TryAcquire(sendKey) {
		m.logger.Debug().Str("symbol", item.Symbol).Msg("Alert send lock busy, skipping")
		return
	}
	defer m.alertLock.Release(sendKey)

	// Portfolio-value cap: a holding already worth more than the allowed
	// multiple produces no alert and no order. Steady state for a position
	// we simply keep, not an anomaly worth a message.
	holdingsValue := baseBalance.Mul(sig.Price)
	if m.limits.PortfolioCapExceeded(holdingsValue, item.TradeAmountUSD) {
		m.setState(item.Symbol, pricefeed.SignalBuy, prior)
		metrics.GuardrailBlocks.WithLabelValues(guardrails.ReasonPortfolioCap).Inc()
		metrics.SignalsProcessed.WithLabelValues(database.SignalActionSuppressed).Inc()
		if newTransition {
			m.insertEvent(ctx, item.Symbol, sig, database.SignalActionSuppressed,
				fmt.Sprintf("holdings worth %s exceed the portfolio cap, signal muted",
					holdingsValue.StringFixed(2)))
		}
		return
	}

	// Per-base cap, still ahead of the throttler: a capped symbol gets a
	// cap notice on the BUY transition instead of a buy alert, and the
	// alert baseline stays untouched.
	base := symbols.BaseOf(item.Symbol)
	openForBase, capKnown := lots[base]
	if capKnown && m.limits.PerBaseCapReached(openForBase) {
		m.setState(item.Symbol, pricefeed.SignalBuy, prior)
		metrics.GuardrailBlocks.WithLabelValues(guardrails.ReasonPerBaseCap).Inc()
		metrics.SignalsProcessed.WithLabelValues(database.SignalActionBlocked).Inc()
		if newTransition {
			m.insertEvent(ctx, item.Symbol, sig, database.SignalActionBlocked,
				fmt.Sprintf("%d open positions for %s at cap, entry suppressed", openForBase, base))
			if err := m.notifier.SendPositionCap(ctx, item.Symbol, openForBase, m.limits.MaxOpenPerSymbol); err != nil {
				m.logger.Error().Err(err).Str("symbol", item.Symbol).Msg("Failed to send cap notice")
			}
		}
		return
	}

	minChange := m.limits.MinPriceChangePct
	if item.MinPriceChangePct.Valid {
		minChange = item.MinPriceChangePct.Decimal
	}
	verdict := m.throttler.Approve(item.Symbol, orders.SideBuy, sig.Price, item.Enabled, minChange)
	if verdict.Send {
		m.dispatchAlert(ctx, item, sig, verdict)
	} else {
		m.logger.Debug().
			Str("symbol", item.Symbol).
			Str("reason", verdict.Reason).
			Msg("Buy alert suppressed")
	}

	if !item.Enabled {
		// Alert-only symbol, the signal is still tracked.
		m.setState(item.Symbol, pricefeed.SignalBuy, prior)
		action := database.SignalActionAlerted
		if !verdict.Send {
			action = database.SignalActionSuppressed
		}
		metrics.SignalsProcessed.WithLabelValues(action).Inc()
		return
	}

	m.placeBuy(ctx, item, sig, prior, snap, holdingsValue, openForBase, capKnown, lots)
}

// dispatchAlert sends the buy alert after the throttler committed its
// state. A failed send is logged, never rolled back: one missed message
// beats a re-send loop paging the operator on every tick.
func (m *Monitor) dispatchAlert(ctx context.Context, item *database.WatchlistItem,
	sig *pricefeed.Signal, verdict alerts.Verdict) {

	if err := m.notifier.SendSignal(ctx, item.Symbol, string(sig.Direction), sig.Price.String(), sig.Reason); err != nil {
		m.logger.Error().Err(err).Str("symbol", item.Symbol).Msg("Alert send failed, baseline kept")
	}

	detail := sig.Reason
	if verdict.Reason != "" {
		detail = fmt.Sprintf("%s (%s)", sig.Reason, verdict.Reason)
	}
	m.insertEvent(ctx, item.Symbol, sig, database.SignalActionAlerted, detail)
}

// placeBuy runs the guardrails and places the market entry. Alerting has
// already happened; everything here decides and reports the order only.
func (m *Monitor) placeBuy(ctx context.Context, item *database.WatchlistItem, sig *pricefeed.Signal,
	prior SignalState, snap *portfolio.Snapshot, holdingsValue decimal.Decimal,
	openForBase int, capKnown bool, lots map[string]int) {

	if snap == nil || m.accounts.AuthHalted() {
		m.skipEntry(ctx, item, sig, prior, "account state unavailable, entry skipped")
		return
	}
	if !capKnown {
		m.skipEntry(ctx, item, sig, prior, "open-position count unavailable, entry skipped")
		return
	}

	canonical := symbols.Canonical(item.Symbol)
	creationHeld := !m.creationLock.TryAcquire(canonical)

	recent, err := m.store.FindRecentBuys(ctx, item.Symbol, m.now().Add(-guardrails.RecentBuyWindow))
	if err != nil {
		if !creationHeld {
			m.creationLock.Release(canonical)
		}
		m.skipEntry(ctx, item, sig, prior, fmt.Sprintf("cooldown state unavailable: %v", err))
		return
	}
	inFlight, err := m.store.CountInFlightBuys(ctx, item.Symbol)
	if err != nil {
		if !creationHeld {
			m.creationLock.Release(canonical)
		}
		m.skipEntry(ctx, item, sig, prior, fmt.Sprintf("in-flight count unavailable: %v", err))
		return
	}

	globalOpen := 0
	for _, n := range lots {
		globalOpen += n
	}

	gsnap := guardrails.Snapshot{
		Now:                    m.now(),
		CreationLockHeld:       creationHeld,
		RecentBuyCount:         len(recent),
		OpenPositionsForBase:   openForBase + inFlight,
		GlobalOpenPositions:    globalOpen,
		LastOrderPrice:         prior.LastOrderPrice,
		PortfolioValueForBase:  holdingsValue,
		AvailableQuoteUSD:      decimal.NewFromFloat(snap.AvailableQuote(symbols.QuoteOf(item.Symbol))),
		MarginLockoutRemaining: m.placer.MarginLockout().Remaining(item.Symbol),
	}
	dec := m.limits.Evaluate(guardrails.Request{
		Symbol:         item.Symbol,
		Side:           orders.SideBuy,
		CurrentPrice:   sig.Price,
		TradeAmountUSD: item.TradeAmountUSD,
		WantMargin:     item.UseMargin,
	}, gsnap)

	for _, w := range dec.Warnings {
		m.logger.Warn().Str("symbol", item.Symbol).Msg(w)
	}

	if !dec.Allowed {
		if !creationHeld {
			m.creationLock.Release(canonical)
		}
		m.setState(item.Symbol, pricefeed.SignalBuy, prior)
		metrics.GuardrailBlocks.WithLabelValues(dec.Reason).Inc()
		metrics.SignalsProcessed.WithLabelValues(database.SignalActionBlocked).Inc()
		m.bus.PublishGuardrailBlocked(item.Symbol, dec.Reason, dec.Detail)
		// The same block repeating every tick collapses to one event row;
		// metrics and the bus still see every occurrence.
		if m.recordBlock(item.Symbol, dec.Reason) {
			m.insertEvent(ctx, item.Symbol, sig, database.SignalActionBlocked, dec.Reason+": "+dec.Detail)
			m.logger.Info().
				Str("symbol", item.Symbol).
				Str("rule", dec.Reason).
				Str("detail", dec.Detail).
				Msg("Entry blocked")
		} else {
			m.logger.Debug().
				Str("symbol", item.Symbol).
				Str("rule", dec.Reason).
				Msg("Entry still blocked")
		}
		return
	}

	leverage := item.Leverage
	if leverage <= 0 {
		leverage = m.defaultLeverage
	}

	res, err := m.placer.PlaceEntry(ctx, protect.EntryRequest{
		Symbol:             item.Symbol,
		Side:               orders.SideBuy,
		NotionalUSD:        item.TradeAmountUSD,
		UseMargin:          dec.SuggestedMode == guardrails.ModeMargin,
		ConfiguredLeverage: leverage,
		AvailableUSD:       gsnap.AvailableQuoteUSD,
		Source:             orders.SourceAuto,
	})
	if err != nil {
		// Clear only the creation lock. The alert baseline stays, so the
		// retry on the next tick does not re-page the operator.
		m.creationLock.Release(canonical)
		m.setState(item.Symbol, pricefeed.SignalBuy, prior)
		metrics.SignalsProcessed.WithLabelValues(database.SignalActionError).Inc()
		m.bus.PublishError("SignalMonitor", err)
		m.insertEvent(ctx, item.Symbol, sig, database.SignalActionError, err.Error())
		m.logger.Error().Err(err).Str("symbol", item.Symbol).Msg("Entry placement failed")
		return
	}

	// The creation lock stays held: its TTL is the per-symbol cooldown
	// after a placement.
	fillPrice := res.Order.FillPrice()
	if !fillPrice.IsPositive() {
		fillPrice = sig.Price
	}
	m.recordOrder(item.Symbol, fillPrice, prior)
	metrics.SignalsProcessed.WithLabelValues(database.SignalActionOrdered).Inc()

	detail := fmt.Sprintf("order %s", res.Order.ExchangeOrderID)
	if res.UsedMargin {
		detail += fmt.Sprintf(", margin %dx", res.UsedLeverage)
	}
	if res.ReducedNotional {
		detail += ", reduced notional"
	}
	m.insertEvent(ctx, item.Symbol, sig, database.SignalActionOrdered, detail)

	if err := m.notifier.SendOrderPlaced(ctx, item.Symbol, string(orders.SideBuy),
		fillPrice.String(), res.Order.CumulativeQuantity.String(), res.Order.ExchangeOrderID); err != nil {
		m.logger.Error().Err(err).Str("symbol", item.Symbol).Msg("Order notification failed")
	}

	m.logger.Info().
		Str("symbol", item.Symbol).
		Str("order_id", res.Order.ExchangeOrderID).
		Str("price", fillPrice.String()).
		Bool("margin", res.UsedMargin).
		Msg("Entry placed")
}

// skipEntry records an entry that could not even be attempted because the
// supporting state was unreadable. The same failure repeating across ticks
// writes one event row, like a repeating guardrail block.
func (m *Monitor) skipEntry(ctx context.Context, item *database.WatchlistItem,
	sig *pricefeed.Signal, prior SignalState, detail string) {

	m.setState(item.Symbol, pricefeed.SignalBuy, prior)
	metrics.SignalsProcessed.WithLabelValues(database.SignalActionError).Inc()
	if m.recordBlock(item.Symbol, detail) {
		m.insertEvent(ctx, item.Symbol, sig, database.SignalActionError, detail)
	}
	m.logger.Warn().Str("symbol", item.Symbol).Msg(detail)
}

// handleSell tracks the transition only. No SELL alert and no automatic
// exit order exist in the current ruleset; exits stay operator-driven.
func (m *Monitor) handleSell(ctx context.Context, item *database.WatchlistItem,
	sig *pricefeed.Signal, prior SignalState) {

	transition := prior.State != pricefeed.SignalSell
	m.setState(item.Symbol, pricefeed.SignalSell, prior)
	metrics.SignalsProcessed.WithLabelValues(database.SignalActionStateOnly).Inc()
	if !transition {
		return
	}

	m.logger.Info().
		Str("symbol", item.Symbol).
		Str("price", sig.Price.String()).
		Str("reason", sig.Reason).
		Msg("SELL signal, state tracked")
	m.insertEvent(ctx, item.Symbol, sig, database.SignalActionStateOnly, sig.Reason)
}

func (m *Monitor) insertEvent(ctx context.Context, symbol string, sig *pricefeed.Signal, action, detail string) {
	ev := &database.SignalEvent{
		Symbol:    symbol,
		Direction: string(sig.Direction),
		Price:     sig.Price,
		Action:    action,
	}
	if detail != "" {
		ev.Detail = &detail
	}
	if err := m.repo.InsertSignalEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to record signal event")
	}
}

// State returns the remembered signal state for a symbol, zero-valued on
// first sight. USD/USDT variants share one state.
func (m *Monitor) State(symbol string) SignalState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.states[symbols.Canonical(symbol)]
}

// States copies every symbol's signal state for the dashboard.
func (m *Monitor) States() map[string]SignalState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	out := make(map[string]SignalState, len(m.states))
	for sym, st := range m.states {
		out[sym] = st
	}
	return out
}

// setState transitions the direction while preserving the order memory.
// Leaving BUY resets the block dedupe so the next BUY episode records its
// first block again.
func (m *Monitor) setState(symbol string, dir pricefeed.Direction, prior SignalState) {
	key := symbols.Canonical(symbol)
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.states[key] = SignalState{
		State:          dir,
		LastOrderPrice: prior.LastOrderPrice,
		OrdersCount:    prior.OrdersCount,
		Timestamp:      m.now(),
	}
	if dir != pricefeed.SignalBuy {
		delete(m.lastBlock, key)
	}
}

// recordOrder advances the state after a successful placement. The fill
// price becomes the reference the price-change gate compares against.
func (m *Monitor) recordOrder(symbol string, price decimal.Decimal, prior SignalState) {
	key := symbols.Canonical(symbol)
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.states[key] = SignalState{
		State:          pricefeed.SignalBuy,
		LastOrderPrice: price,
		OrdersCount:    prior.OrdersCount + 1,
		Timestamp:      m.now(),
	}
	delete(m.lastBlock, key)
}

// recordBlock reports whether this block differs from the previous one for
// the symbol and remembers it. Identical repeats stay out of the event
// table; an order or a direction change resets the memory.
func (m *Monitor) recordBlock(symbol, reason string) bool {
	key := symbols.Canonical(symbol)
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.lastBlock[key] == reason {
		return false
	}
	m.lastBlock[key] = reason
	return true
}
