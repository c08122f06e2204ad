// Package alerts decides whether a trading alert for a (symbol, side,
// price) triple should reach the operator or be suppressed as noise.
package alerts

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/symbols"
)

// DefaultCooldown separates consecutive same-side alerts when the symbol
// has trading enabled.
const DefaultCooldown = 5 * time.Minute

// Verdict reasons. Allowed and suppressed reasons share one namespace so
// signal events can record either.
const (
	ReasonFirstAlert      = "first_alert"
	ReasonDirectionChange = "direction_change"
	ReasonPriceMoved      = "price_moved"
	ReasonCooldownElapsed = "cooldown_elapsed"
	ReasonCooldownActive  = "cooldown_active"
	ReasonPriceUnchanged  = "price_unchanged"
)

// Verdict is the throttle decision for one alert attempt.
type Verdict struct {
	Send   bool
	Reason string

	// PriceChangePct is the absolute move since the last sent alert,
	// zero when there is no prior alert to compare against.
	PriceChangePct decimal.Decimal
}

// lastAlert is the most recent alert actually sent for a symbol. Only
// sent alerts update it; suppressed attempts must not shift the baseline
// the next comparison runs against.
type lastAlert struct {
	Side   orders.Side
	Price  decimal.Decimal
	SentAt time.Time
}

// Throttler holds per-symbol alert state in memory. It resets on restart,
// which at worst re-sends one alert per symbol; order-safety cooldowns
// live in the order store, not here.
//
// Callers serialize decision and state write against concurrent scheduler
// ticks with the per-(symbol, side) send lock; the internal mutex only
// guards the map itself.
type Throttler struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]lastAlert

	now func() time.Time
}

// NewThrottler creates a throttler with the given same-side cooldown.
// A non-positive cooldown falls back to the default.
func NewThrottler(cooldown time.Duration) *Throttler {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Throttler{
		cooldown: cooldown,
		last:     make(map[string]lastAlert),
		now:      time.Now,
	}
}

// Approve decides whether to send and, when sending, commits the new
// alert state before returning. The caller dispatches the message only
// after Approve returns, so the state write always precedes the send.
func (t *Throttler) Approve(symbol string, side orders.Side, price decimal.Decimal, tradeEnabled bool, minPriceChangePct decimal.Decimal) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := symbols.Canonical(symbol)
	prev, seen := t.last[key]

	if !seen {
		t.commitLocked(key, side, price)
		return Verdict{Send: true, Reason: ReasonFirstAlert}
	}

	change := priceChangePct(price, prev.Price)

	if prev.Side != side {
		t.commitLocked(key, side, price)
		return Verdict{Send: true, Reason: ReasonDirectionChange, PriceChangePct: change}
	}

	moved := change.GreaterThanOrEqual(minPriceChangePct)

	if !tradeEnabled {
		// Alert-only symbols have no order cooldown to piggyback on, so
		// the price threshold is the sole filter.
		if moved {
			t.commitLocked(key, side, price)
			return Verdict{Send: true, Reason: ReasonPriceMoved, PriceChangePct: change}
		}
		metrics.AlertsSuppressed.WithLabelValues(ReasonPriceUnchanged).Inc()
		return Verdict{Send: false, Reason: ReasonPriceUnchanged, PriceChangePct: change}
	}

	if t.now().Sub(prev.SentAt) >= t.cooldown {
		t.commitLocked(key, side, price)
		return Verdict{Send: true, Reason: ReasonCooldownElapsed, PriceChangePct: change}
	}
	if moved {
		t.commitLocked(key, side, price)
		return Verdict{Send: true, Reason: ReasonPriceMoved, PriceChangePct: change}
	}

	metrics.AlertsSuppressed.WithLabelValues(ReasonCooldownActive).Inc()
	return Verdict{Send: false, Reason: ReasonCooldownActive, PriceChangePct: change}
}

// LastSent returns the most recent sent alert for symbol, if any.
func (t *Throttler) LastSent(symbol string) (side orders.Side, price decimal.Decimal, sentAt time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last[symbols.Canonical(symbol)]
	if !seen {
		return "", decimal.Decimal{}, time.Time{}, false
	}
	return prev.Side, prev.Price, prev.SentAt, true
}

// SnapshotEntry is one row of the throttle panel read-model.
type SnapshotEntry struct {
	Symbol string          `json:"symbol"`
	Side   orders.Side     `json:"side"`
	Price  decimal.Decimal `json:"price"`
	SentAt time.Time       `json:"sent_at"`
}

// Snapshot copies the current alert state for dashboard consumption.
func (t *Throttler) Snapshot() []SnapshotEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SnapshotEntry, 0, len(t.last))
	for sym, prev := range t.last {
		out = append(out, SnapshotEntry{Symbol: sym, Side: prev.Side, Price: prev.Price, SentAt: prev.SentAt})
	}
	return out
}

func (t *Throttler) commitLocked(key string, side orders.Side, price decimal.Decimal) {
	t.last[key] = lastAlert{Side: side, Price: price, SentAt: t.now()}
}

func priceChangePct(current, previous decimal.Decimal) decimal.Decimal {
	if !previous.IsPositive() {
		return decimal.Zero
	}
	return current.Sub(previous).Abs().Div(previous).Mul(decimal.NewFromInt(100))
}
