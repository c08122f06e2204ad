package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-agent/internal/symbols"
)

// Recording a semantically identical placement under a new exchange id
// within this window is rejected. Makes a double-placement bug loud at the
// persistence step instead of leaving silent twin orders on the book.
const duplicateWindow = 5 * time.Second

var (
	ErrEmptyOrderID   = errors.New("order has no exchange order id")
	ErrDuplicateOrder = errors.New("duplicate order within suppression window")
	ErrOrderNotFound  = errors.New("order not found")
)

// Repository is the persistence contract the store delegates to. The
// Postgres implementation lives in internal/database. Upserts must be
// atomic per row and must never overwrite parent/OCO linkage with blanks.
type Repository interface {
	UpsertOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, exchangeOrderID string) (*Order, error)
	ListOrdersByStatus(ctx context.Context, syms []string, statuses []Status) ([]*Order, error)
	ListOrdersBySideSince(ctx context.Context, syms []string, side Side, since time.Time) ([]*Order, error)
	ListFilledOrdersFIFO(ctx context.Context, syms []string, side Side) ([]*Order, error)
	ListOrdersByOCOGroup(ctx context.Context, ocoGroupID string) ([]*Order, error)
	ListOrdersByParent(ctx context.Context, parentOrderID string) ([]*Order, error)
	ListActiveOrders(ctx context.Context) ([]*Order, error)
	ListProtectiveOrders(ctx context.Context, statuses []Status) ([]*Order, error)
}

// Store is the single write path for orders. It expands USD/USDT symbol
// variants, suppresses near-duplicate placements, and keeps the linkage
// and fill invariants that the reconciler and the protective engine rely on.
type Store struct {
	repo   Repository
	logger zerolog.Logger

	mu     sync.Mutex
	recent map[string]recentUpsert // fingerprint -> last accepted upsert
}

type recentUpsert struct {
	exchangeOrderID string
	at              time.Time
}

// NewStore creates a Store over the given repository.
func NewStore(repo Repository, logger zerolog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.With().Str("component", "OrderStore").Logger(),
		recent: make(map[string]recentUpsert),
	}
}

// Record persists a freshly placed order. On top of the plain upsert it
// rejects a second placement of identical shape under a different exchange
// id within the suppression window, so a double-placement bug surfaces at
// the write instead of leaving silent twin orders on the book.
func (s *Store) Record(ctx context.Context, o *Order) error {
	if o.ExchangeOrderID == "" {
		return ErrEmptyOrderID
	}
	if err := s.checkDuplicate(o); err != nil {
		return err
	}
	return s.Upsert(ctx, o)
}

// Upsert writes an order keyed by its exchange order id. This is the
// reconcile path: exchange listings legitimately contain distinct orders of
// identical shape, so no duplicate suppression applies here. The row write
// is atomic and linkage fields survive updates that omit them.
func (s *Store) Upsert(ctx context.Context, o *Order) error {
	if o.ExchangeOrderID == "" {
		return ErrEmptyOrderID
	}

	// A cumulative above the ordered quantity means the exchange filled a
	// notional-sized market order; adopt the executed quantity as ordered.
	if o.CumulativeQuantity.GreaterThan(o.Quantity) {
		if o.Quantity.IsPositive() {
			s.logger.Warn().
				Str("order_id", o.ExchangeOrderID).
				Str("quantity", o.Quantity.String()).
				Str("cumulative", o.CumulativeQuantity.String()).
				Msg("Cumulative quantity exceeds ordered quantity, adopting cumulative")
		}
		o.Quantity = o.CumulativeQuantity
	}

	if err := s.repo.UpsertOrder(ctx, o); err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ExchangeOrderID, err)
	}
	return nil
}

// checkDuplicate rejects a second upsert of a semantically identical order
// under a different exchange id within the suppression window.
func (s *Store) checkDuplicate(o *Order) error {
	fp := fmt.Sprintf("%s|%s|%s|%s|%s",
		o.Symbol, o.Side, o.Role, o.Price.String(), o.Quantity.String())

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if prev, ok := s.recent[fp]; ok {
		if prev.exchangeOrderID != o.ExchangeOrderID && now.Sub(prev.at) < duplicateWindow {
			return fmt.Errorf("%w: %s matches %s placed %s ago",
				ErrDuplicateOrder, o.ExchangeOrderID, prev.exchangeOrderID,
				now.Sub(prev.at).Round(time.Millisecond))
		}
	}
	s.recent[fp] = recentUpsert{exchangeOrderID: o.ExchangeOrderID, at: now}

	// Opportunistic prune keeps the map bounded across long uptimes.
	if len(s.recent) > 1024 {
		for k, v := range s.recent {
			if now.Sub(v.at) >= duplicateWindow {
				delete(s.recent, k)
			}
		}
	}
	return nil
}

// Get returns an order by exchange order id.
func (s *Store) Get(ctx context.Context, exchangeOrderID string) (*Order, error) {
	o, err := s.repo.GetOrder(ctx, exchangeOrderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// MarkCancelled moves an order to CANCELLED with an audit reason. Terminal
// orders are left untouched.
func (s *Store) MarkCancelled(ctx context.Context, exchangeOrderID, reason string) error {
	o, err := s.Get(ctx, exchangeOrderID)
	if err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return nil
	}
	o.Status = StatusCancelled
	o.StatusReason = reason
	return s.Upsert(ctx, o)
}

// FindByStatus returns orders for the symbol (USD/USDT variants included)
// in any of the given statuses.
func (s *Store) FindByStatus(ctx context.Context, symbol string, statuses []Status) ([]*Order, error) {
	return s.repo.ListOrdersByStatus(ctx, symbols.Variants(symbol), statuses)
}

// FindRecentBuys returns BUY orders for the symbol's base placed at or
// after since, resolved from storage rather than memory so cooldowns
// survive restarts.
func (s *Store) FindRecentBuys(ctx context.Context, symbol string, since time.Time) ([]*Order, error) {
	return s.repo.ListOrdersBySideSince(ctx, symbols.Variants(symbol), SideBuy, since)
}

// FilledBuysFIFO returns filled BUY orders for the base currency in
// exchange-create-time order, oldest first.
func (s *Store) FilledBuysFIFO(ctx context.Context, symbol string) ([]*Order, error) {
	return s.repo.ListFilledOrdersFIFO(ctx, symbols.Variants(symbol), SideBuy)
}

// FilledSellsFIFO returns filled SELL orders for the base currency in
// exchange-create-time order, oldest first.
func (s *Store) FilledSellsFIFO(ctx context.Context, symbol string) ([]*Order, error) {
	return s.repo.ListFilledOrdersFIFO(ctx, symbols.Variants(symbol), SideSell)
}

// FindSiblingsInOCO returns all orders sharing an OCO group.
func (s *Store) FindSiblingsInOCO(ctx context.Context, ocoGroupID string) ([]*Order, error) {
	return s.repo.ListOrdersByOCOGroup(ctx, ocoGroupID)
}

// FindChildren returns the protective orders attached to an entry.
func (s *Store) FindChildren(ctx context.Context, parentOrderID string) ([]*Order, error) {
	return s.repo.ListOrdersByParent(ctx, parentOrderID)
}

// ActiveProtectiveChildren returns the entry's children that can still
// execute, keyed by role. The protective engine's idempotency check.
func (s *Store) ActiveProtectiveChildren(ctx context.Context, parentOrderID string) (map[Role]*Order, error) {
	children, err := s.FindChildren(ctx, parentOrderID)
	if err != nil {
		return nil, err
	}
	active := make(map[Role]*Order)
	for _, c := range children {
		if c.IsProtective() && c.Status.IsActive() {
			active[c.Role] = c
		}
	}
	return active, nil
}

// ListActive returns every order in an active status across all symbols.
// The reconciler walks this to find records the exchange no longer reports.
func (s *Store) ListActive(ctx context.Context) ([]*Order, error) {
	return s.repo.ListActiveOrders(ctx)
}

// ActiveProtectiveOrders returns every SL/TP order that can still execute.
func (s *Store) ActiveProtectiveOrders(ctx context.Context) ([]*Order, error) {
	return s.repo.ListProtectiveOrders(ctx, ActiveStatuses)
}

// CountInFlightBuys counts BUY entries for the symbol's base that are
// placed but not yet terminal. These count toward the per-base cap so two
// ticks cannot stack entries while fills are pending.
func (s *Store) CountInFlightBuys(ctx context.Context, symbol string) (int, error) {
	active, err := s.repo.ListOrdersByStatus(ctx, symbols.Variants(symbol), ActiveStatuses)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range active {
		if o.Side == SideBuy && o.IsEntry() {
			n++
		}
	}
	return n, nil
}
