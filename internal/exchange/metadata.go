package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-agent/internal/normalize"
)

const metadataTTL = time.Hour

type instrumentsAPI interface {
	GetInstruments(ctx context.Context) ([]InstrumentMetadata, error)
}

// MetadataCache caches instrument trading rules with a one hour TTL. A
// refresh failure keeps serving the previous snapshot; only a symbol with
// no cached rules at all surfaces ErrMetadataUnavailable, which aborts
// order work for that symbol.
type MetadataCache struct {
	api    instrumentsAPI
	logger zerolog.Logger

	ttl time.Duration
	now func() time.Time

	mu        sync.RWMutex
	bySymbol  map[string]InstrumentMetadata
	fetchedAt time.Time

	refreshMu sync.Mutex
}

// NewMetadataCache creates an empty cache. The first Get triggers a fetch.
func NewMetadataCache(api instrumentsAPI, logger zerolog.Logger) *MetadataCache {
	return &MetadataCache{
		api:      api,
		logger:   logger.With().Str("component", "MetadataCache").Logger(),
		ttl:      metadataTTL,
		now:      time.Now,
		bySymbol: map[string]InstrumentMetadata{},
	}
}

// Get returns the trading rules for a symbol, refreshing the snapshot when
// it is older than the TTL.
func (c *MetadataCache) Get(ctx context.Context, symbol string) (*InstrumentMetadata, error) {
	c.mu.RLock()
	if c.freshLocked() {
		meta, ok := c.bySymbol[symbol]
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%s: %w", symbol, ErrMetadataUnavailable)
		}
		return &meta, nil
	}
	c.mu.RUnlock()

	if err := c.refresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	meta, ok := c.bySymbol[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrMetadataUnavailable)
	}
	return &meta, nil
}

// Rules returns the normalizer rules for a symbol.
func (c *MetadataCache) Rules(ctx context.Context, symbol string) (normalize.Rules, error) {
	meta, err := c.Get(ctx, symbol)
	if err != nil {
		return normalize.Rules{}, err
	}
	return meta.Rules(), nil
}

// MaxLeverage returns the exchange-published leverage cap for a symbol,
// zero when unknown.
func (c *MetadataCache) MaxLeverage(ctx context.Context, symbol string) int {
	meta, err := c.Get(ctx, symbol)
	if err != nil {
		return 0
	}
	return meta.MaxLeverage
}

// Invalidate forces the next Get to refetch.
func (c *MetadataCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

// refresh fetches instruments once even under concurrent callers. When the
// fetch fails and a previous snapshot exists, the stale snapshot stays in
// service.
func (c *MetadataCache) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.RLock()
	fresh := c.freshLocked()
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	instruments, err := c.api.GetInstruments(ctx)
	if err != nil {
		c.mu.RLock()
		haveStale := len(c.bySymbol) > 0
		c.mu.RUnlock()
		if haveStale {
			c.logger.Warn().Err(err).Msg("instrument refresh failed, serving stale metadata")
			return nil
		}
		return fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	}

	next := make(map[string]InstrumentMetadata, len(instruments))
	for _, inst := range instruments {
		next[inst.Symbol] = inst
	}

	c.mu.Lock()
	c.bySymbol = next
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Info().Int("instruments", len(next)).Msg("instrument metadata refreshed")
	return nil
}

func (c *MetadataCache) freshLocked() bool {
	return !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl && len(c.bySymbol) > 0
}
