package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository. Package tests and the
// one-shot report utilities use it where a database is unavailable or
// unwanted; the daemon always runs on the Postgres implementation.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]*Order
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*Order)}
}

func (m *MemoryRepository) UpsertOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cp := *o
	if existing, ok := m.orders[o.ExchangeOrderID]; ok {
		// Linkage survives updates that omit it.
		if cp.ParentOrderID == "" {
			cp.ParentOrderID = existing.ParentOrderID
		}
		if cp.OCOGroupID == "" {
			cp.OCOGroupID = existing.OCOGroupID
		}
		if cp.Role == RoleNone {
			cp.Role = existing.Role
		}
		if cp.Source == "" {
			cp.Source = existing.Source
		}
		if cp.ClientOID == "" {
			cp.ClientOID = existing.ClientOID
		}
		if cp.StatusReason == "" {
			cp.StatusReason = existing.StatusReason
		}
		// Margin facts come from placement; reconciler rows lack them.
		if !cp.IsMargin {
			cp.IsMargin = existing.IsMargin
		}
		if cp.Leverage == 0 {
			cp.Leverage = existing.Leverage
		}
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.orders[o.ExchangeOrderID] = &cp
	return nil
}

func (m *MemoryRepository) GetOrder(_ context.Context, exchangeOrderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryRepository) ListOrdersByStatus(_ context.Context, syms []string, statuses []Status) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return matchSymbol(o, syms) && matchStatus(o, statuses)
	}), nil
}

func (m *MemoryRepository) ListOrdersBySideSince(_ context.Context, syms []string, side Side, since time.Time) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return matchSymbol(o, syms) && o.Side == side && !o.ExchangeCreateTime.Before(since)
	}), nil
}

func (m *MemoryRepository) ListFilledOrdersFIFO(_ context.Context, syms []string, side Side) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return matchSymbol(o, syms) && o.Side == side && o.Status == StatusFilled
	}), nil
}

func (m *MemoryRepository) ListOrdersByOCOGroup(_ context.Context, ocoGroupID string) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return ocoGroupID != "" && o.OCOGroupID == ocoGroupID
	}), nil
}

func (m *MemoryRepository) ListOrdersByParent(_ context.Context, parentOrderID string) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return parentOrderID != "" && o.ParentOrderID == parentOrderID
	}), nil
}

func (m *MemoryRepository) ListActiveOrders(_ context.Context) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return o.Status.IsActive()
	}), nil
}

func (m *MemoryRepository) ListProtectiveOrders(_ context.Context, statuses []Status) ([]*Order, error) {
	return m.filter(func(o *Order) bool {
		return o.IsProtective() && matchStatus(o, statuses)
	}), nil
}

// filter returns copies of matching orders in exchange-create-time order,
// the same ordering the SQL queries promise.
func (m *MemoryRepository) filter(match func(*Order) bool) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Order
	for _, o := range m.orders {
		if match(o) {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExchangeCreateTime.Equal(out[j].ExchangeCreateTime) {
			return out[i].ExchangeCreateTime.Before(out[j].ExchangeCreateTime)
		}
		return out[i].ExchangeOrderID < out[j].ExchangeOrderID
	})
	return out
}

func matchSymbol(o *Order, syms []string) bool {
	if len(syms) == 0 {
		return true
	}
	for _, s := range syms {
		if o.Symbol == s {
			return true
		}
	}
	return false
}

func matchStatus(o *Order, statuses []Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if o.Status == st {
			return true
		}
	}
	return false
}
