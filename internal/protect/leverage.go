package protect

import (
	"sync"

	"crypto-trading-agent/internal/symbols"
)

// LeverageCache learns per symbol which leverage multiples the exchange
// accepts for margin entries. A leverage rejected with an insufficient
// balance error is recorded so the next attempt starts lower; a leverage
// that went through is recorded so future entries open there directly.
// The cache is process-local and resets on restart.
type LeverageCache struct {
	mu      sync.Mutex
	working map[string]int // leverage that last succeeded
	failing map[string]int // lowest leverage ever rejected
}

// NewLeverageCache creates an empty cache.
func NewLeverageCache() *LeverageCache {
	return &LeverageCache{
		working: make(map[string]int),
		failing: make(map[string]int),
	}
}

// StartLeverage returns the multiple a new margin entry should open with:
// the last known working leverage when recorded, otherwise the configured
// one, always strictly below any known-failing multiple and never below 1.
func (c *LeverageCache) StartLeverage(symbol string, configured int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := symbols.Canonical(symbol)
	lev := configured
	if w, ok := c.working[key]; ok {
		lev = w
	}
	if f, ok := c.failing[key]; ok && lev >= f {
		lev = f / 2
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// RecordFailure notes that leverage was rejected for symbol and returns the
// next multiple to try, halving on each step (10x, 5x, 2x, 1x). Returns 0
// once 1x has failed, meaning margin is exhausted and the caller should
// fall back to a spot entry.
func (c *LeverageCache) RecordFailure(symbol string, leverage int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := symbols.Canonical(symbol)
	if f, ok := c.failing[key]; !ok || leverage < f {
		c.failing[key] = leverage
	}
	if w, ok := c.working[key]; ok && w >= leverage {
		delete(c.working, key)
	}
	if leverage <= 1 {
		return 0
	}
	return leverage / 2
}

// RecordSuccess pins the leverage future entries for symbol start at.
func (c *LeverageCache) RecordSuccess(symbol string, leverage int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := symbols.Canonical(symbol)
	c.working[key] = leverage
	if f, ok := c.failing[key]; ok && f <= leverage {
		delete(c.failing, key)
	}
}

// Working returns the recorded working leverage for symbol, if any.
func (c *LeverageCache) Working(symbol string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.working[symbols.Canonical(symbol)]
	return w, ok
}
