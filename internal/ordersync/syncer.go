// Package ordersync keeps the local order store consistent with the
// exchange. It is the only component that moves orders between statuses on
// the exchange's word: placements write optimistic NEW/ACTIVE rows, and this
// loop settles them against what the exchange actually reports, including
// fills that arrive while the agent is down.
package ordersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/protect"
)

const (
	// DefaultInterval between reconcile cycles.
	DefaultInterval = 30 * time.Second

	// An active order must be missing from the exchange listings this many
	// consecutive cycles before it is cancelled locally. One miss can be a
	// listing race with a just-placed order.
	staleMissThreshold = 2

	// StaleReason marks orders cancelled because the exchange stopped
	// reporting them.
	StaleReason = "stale_not_on_exchange"

	// siblingReason marks the surviving OCO leg cancelled after its
	// counterpart filled.
	siblingReason = "oco_sibling_filled"

	defaultHistoryPageSize = 100
	defaultHistoryMaxPages = 3
)

// Config tunes the sync loop. Zero values take the defaults.
type Config struct {
	Interval        time.Duration
	HistoryPageSize int
	HistoryMaxPages int
}

// exchangeOrders is the exchange surface the syncer consumes.
type exchangeOrders interface {
	ListOpenOrders(ctx context.Context) ([]*orders.Order, error)
	ListTriggerOrders(ctx context.Context) ([]*orders.Order, error)
	ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]*orders.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// protectiveEngine creates SL/TP children for discovered fills.
type protectiveEngine interface {
	CreateForFilled(ctx context.Context, req protect.Request) (*protect.Result, error)
}

// watchlistSource resolves per-symbol protection settings.
type watchlistSource interface {
	GetWatchlistItem(ctx context.Context, symbol string) (*database.WatchlistItem, error)
}

// Stats summarizes one reconcile cycle.
type Stats struct {
	At              time.Time `json:"at"`
	Observed        int       `json:"observed"`
	StaleCancelled  int       `json:"stale_cancelled"`
	FillsDiscovered int       `json:"fills_discovered"`
	Protected       int       `json:"protected"`
}

// Syncer is the periodic exchange reconciler.
type Syncer struct {
	api       exchangeOrders
	store     *orders.Store
	protector protectiveEngine
	watchlist watchlistSource
	bus       *events.EventBus
	logger    zerolog.Logger

	interval time.Duration
	pageSize int
	maxPages int

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	// Consecutive unseen-cycle counts for locally active orders. In-memory
	// on purpose: a restart re-derives staleness within two cycles.
	misses map[string]int

	now func() time.Time
}

// NewSyncer wires the reconciler. The watchlist source may be nil; fills on
// symbols without settings then get the conservative protection defaults.
func NewSyncer(api exchangeOrders, store *orders.Store, protector protectiveEngine,
	watchlist watchlistSource, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Syncer {

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultHistoryPageSize
	}
	if cfg.HistoryMaxPages <= 0 {
		cfg.HistoryMaxPages = defaultHistoryMaxPages
	}

	return &Syncer{
		api:       api,
		store:     store,
		protector: protector,
		watchlist: watchlist,
		bus:       bus,
		logger:    logger.With().Str("component", "ExchangeSync").Logger(),
		interval:  cfg.Interval,
		pageSize:  cfg.HistoryPageSize,
		maxPages:  cfg.HistoryMaxPages,
		misses:    make(map[string]int),
		now:       time.Now,
	}
}

// Start launches the reconcile loop.
func (s *Syncer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("exchange sync already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runMainLoop()

	s.logger.Info().Dur("interval", s.interval).Msg("Exchange sync started")
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to drain.
func (s *Syncer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("exchange sync not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Exchange sync stopped")
	return nil
}

// IsRunning reports whether the loop is active.
func (s *Syncer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Syncer) runMainLoop() {
	defer s.wg.Done()

	// First cycle immediately so a restart converges without waiting out
	// an interval.
	s.cycle()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cycle()
		}
	}
}

// cycle runs one reconcile pass with a deadline of one interval, so slow
// exchange responses can never stack cycles.
func (s *Syncer) cycle() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Reconcile cycle failed")
	}
}

// RunOnce executes a single reconcile pass: upsert the exchange's open and
// trigger orders, cancel local orders the exchange stopped reporting, pull
// terminal states from order history, and react to newly observed fills.
func (s *Syncer) RunOnce(ctx context.Context) (*Stats, error) {
	start := s.now()
	stats := &Stats{At: start}

	open, err := s.api.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync open orders: %w", err)
	}
	trigger, err := s.api.ListTriggerOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync trigger orders: %w", err)
	}

	seen := make(map[string]bool, len(open)+len(trigger))
	var filled []*orders.Order

	for _, o := range append(open, trigger...) {
		seen[o.ExchangeOrderID] = true
		stats.Observed++
		if f := s.observe(ctx, o); f != nil {
			filled = append(filled, f)
		}
	}

	stats.StaleCancelled = s.cancelStale(ctx, seen)

	// History failures degrade the cycle instead of aborting it: the live
	// listings were already reconciled, and the next cycle re-pages anyway.
	history, err := s.api.ListOrderHistory(ctx, s.pageSize, s.maxPages)
	if err != nil {
		s.logger.Error().Err(err).Msg("Order history fetch failed, skipping terminal sync this cycle")
	}
	for _, o := range history {
		stats.Observed++
		if f := s.observe(ctx, o); f != nil {
			filled = append(filled, f)
		}
	}

	stats.FillsDiscovered = len(filled)
	for _, o := range filled {
		metrics.SyncFillsDiscovered.Inc()
		s.bus.PublishOrderFilled(o.Symbol, string(o.Side),
			o.FillPrice().String(), o.FilledQuantity().String(), o.ExchangeOrderID)

		if o.IsProtective() {
			s.cancelOCOSibling(ctx, o)
			continue
		}
		if s.ensureProtected(ctx, o) {
			stats.Protected++
		}
	}

	metrics.SyncCycles.Inc()
	s.bus.Publish(events.Event{
		Type: events.EventReconcileCompleted,
		Data: map[string]interface{}{
			"observed":         stats.Observed,
			"stale_cancelled":  stats.StaleCancelled,
			"fills_discovered": stats.FillsDiscovered,
		},
	})

	evt := s.logger.Debug()
	if stats.StaleCancelled > 0 || stats.FillsDiscovered > 0 {
		evt = s.logger.Info()
	}
	evt.Int("observed", stats.Observed).
		Int("stale_cancelled", stats.StaleCancelled).
		Int("fills_discovered", stats.FillsDiscovered).
		Int("protected", stats.Protected).
		Dur("took", s.now().Sub(start)).
		Msg("Reconcile cycle completed")
	return stats, nil
}

// observe merges one exchange-reported order into the store. It returns the
// order when this upsert is the first to see it FILLED while the local
// record was still active; unknown orders and repeat sightings return nil.
func (s *Syncer) observe(ctx context.Context, o *orders.Order) *orders.Order {
	prev, err := s.store.Get(ctx, o.ExchangeOrderID)
	if err != nil && !errors.Is(err, orders.ErrOrderNotFound) {
		s.logger.Error().Err(err).Str("order_id", o.ExchangeOrderID).Msg("Order lookup failed")
		return nil
	}

	// Terminal statuses never transition. A lagging listing cannot
	// resurrect a settled order.
	if prev != nil && prev.Status.IsTerminal() && o.Status != prev.Status {
		s.logger.Debug().
			Str("order_id", o.ExchangeOrderID).
			Str("local", string(prev.Status)).
			Str("reported", string(o.Status)).
			Msg("Ignoring status regression from lagging listing")
		return nil
	}

	if err := s.store.Upsert(ctx, o); err != nil {
		s.logger.Error().Err(err).Str("order_id", o.ExchangeOrderID).Msg("Order upsert failed")
		return nil
	}

	if prev != nil && prev.Status.IsActive() && o.Status == orders.StatusFilled {
		// The listing lacks role, linkage and margin facts; hand back the
		// merged row so the fill handler sees them.
		merged, err := s.store.Get(ctx, o.ExchangeOrderID)
		if err != nil {
			return o
		}
		return merged
	}
	return nil
}

// cancelStale marks local active orders CANCELLED once the exchange has
// failed to report them for staleMissThreshold consecutive cycles.
func (s *Syncer) cancelStale(ctx context.Context, seen map[string]bool) int {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Active order listing failed, skipping stale detection")
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rebuilding the map drops counters for orders that reappeared or went
	// terminal since the last cycle.
	next := make(map[string]int)
	cancelled := 0
	for _, o := range active {
		if seen[o.ExchangeOrderID] {
			continue
		}
		n := s.misses[o.ExchangeOrderID] + 1
		if n < staleMissThreshold {
			next[o.ExchangeOrderID] = n
			continue
		}
		if err := s.store.MarkCancelled(ctx, o.ExchangeOrderID, StaleReason); err != nil {
			s.logger.Error().Err(err).Str("order_id", o.ExchangeOrderID).Msg("Stale cancel failed")
			next[o.ExchangeOrderID] = n
			continue
		}
		cancelled++
		metrics.SyncStaleCancelled.Inc()
		s.logger.Warn().
			Str("order_id", o.ExchangeOrderID).
			Str("symbol", o.Symbol).
			Int("missed_cycles", n).
			Msg("Order missing on exchange, cancelled locally")
	}
	s.misses = next
	return cancelled
}

// ensureProtected creates the missing SL/TP children for an entry the
// exchange reported filled. The engine's idempotency check makes repeat
// calls safe; reasons like a too-small position come back as errors here
// and are surfaced through the engine's own notifications.
func (s *Syncer) ensureProtected(ctx context.Context, entry *orders.Order) bool {
	if s.protector == nil {
		return false
	}

	var item *database.WatchlistItem
	if s.watchlist != nil {
		if it, err := s.watchlist.GetWatchlistItem(ctx, entry.Symbol); err == nil {
			item = it
		}
	}

	source := entry.Source
	if source == "" {
		source = orders.SourceAuto
	}

	res, err := s.protector.CreateForFilled(ctx, protect.Request{
		Entry:     entry,
		Item:      item,
		Source:    source,
		Selection: protect.SelectBoth,
	})
	if err != nil {
		s.logger.Error().Err(err).
			Str("symbol", entry.Symbol).
			Str("order_id", entry.ExchangeOrderID).
			Msg("Protective creation for discovered fill failed")
		return false
	}

	switch {
	case res.SkippedExisting:
		return false
	case res.FullyProtected():
		s.logger.Info().
			Str("symbol", entry.Symbol).
			Str("order_id", entry.ExchangeOrderID).
			Str("oco_group", res.OCOGroupID).
			Msg("Discovered fill protected")
	default:
		s.logger.Warn().
			Str("symbol", entry.Symbol).
			Str("order_id", entry.ExchangeOrderID).
			AnErr("sl_err", res.SLErr).
			AnErr("tp_err", res.TPErr).
			Msg("Discovered fill only partially protected")
	}
	return true
}

// cancelOCOSibling enforces one-cancels-other after a protective leg fills:
// the surviving leg is cancelled on the exchange, or just locally when the
// exchange already dropped it.
func (s *Syncer) cancelOCOSibling(ctx context.Context, filledLeg *orders.Order) {
	if filledLeg.OCOGroupID == "" {
		return
	}
	siblings, err := s.store.FindSiblingsInOCO(ctx, filledLeg.OCOGroupID)
	if err != nil {
		s.logger.Error().Err(err).Str("oco_group", filledLeg.OCOGroupID).Msg("OCO sibling lookup failed")
		return
	}

	for _, sib := range siblings {
		if sib.ExchangeOrderID == filledLeg.ExchangeOrderID || !sib.Status.IsActive() {
			continue
		}
		if err := s.api.CancelOrder(ctx, sib.ExchangeOrderID); err != nil {
			if _, definitive := exchange.AsAPIError(err); !definitive {
				// Timeout or transport failure: the cancel may or may not
				// have landed. The next cycle settles it.
				s.logger.Error().Err(err).
					Str("order_id", sib.ExchangeOrderID).
					Msg("Sibling cancel outcome unknown, leaving for next cycle")
				continue
			}
			// Definitive rejection means the exchange no longer has the
			// order; fall through and record the cancel locally.
		}
		if err := s.store.MarkCancelled(ctx, sib.ExchangeOrderID, siblingReason); err != nil {
			s.logger.Error().Err(err).Str("order_id", sib.ExchangeOrderID).Msg("Sibling cancel write failed")
			continue
		}
		s.logger.Info().
			Str("symbol", sib.Symbol).
			Str("order_id", sib.ExchangeOrderID).
			Str("filled_leg", filledLeg.ExchangeOrderID).
			Msg("OCO sibling cancelled after fill")
	}
}
