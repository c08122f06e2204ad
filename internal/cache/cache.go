// Package cache provides short-lived price quote caching shared by the
// monitor loop and the read API. Quotes live in Redis so a dashboard
// instance can reuse the monitor's reads; when Redis is unavailable the
// cache falls back to an in-process map so trading continues without it.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	quoteKeyPrefix = "prices:quote"

	// QuoteTTL bounds how stale a served price may be.
	QuoteTTL = 30 * time.Second

	redisProbeInterval = 30 * time.Second
)

// Quote is one cached top-of-book reading.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Ask       decimal.Decimal `json:"ask"`
	Bid       decimal.Decimal `json:"bid"`
	Last      decimal.Decimal `json:"last"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// PriceCache stores quotes with a short TTL. A nil Redis client puts the
// cache in memory-only mode.
type PriceCache struct {
	client *redis.Client
	logger zerolog.Logger

	ttl time.Duration
	now func() time.Time

	memMu sync.RWMutex
	mem   map[string]*Quote

	redisAvailable atomic.Bool
	probeMu        sync.Mutex
	lastProbe      time.Time
}

// NewPriceCache creates a price cache. If client is nil the cache operates
// in memory-only mode.
func NewPriceCache(client *redis.Client, logger zerolog.Logger) *PriceCache {
	c := &PriceCache{
		client: client,
		logger: logger.With().Str("component", "PriceCache").Logger(),
		ttl:    QuoteTTL,
		now:    time.Now,
		mem:    make(map[string]*Quote),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			c.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
		} else {
			c.redisAvailable.Store(true)
			c.logger.Info().Msg("Redis connected")
		}
	} else {
		c.logger.Info().Msg("no Redis client configured, using in-memory cache only")
	}
	return c
}

// Get returns a quote younger than the TTL, or found=false.
func (c *PriceCache) Get(ctx context.Context, symbol string) (*Quote, bool) {
	if c.redisUsable() {
		data, err := c.client.Get(ctx, quoteKey(symbol)).Bytes()
		switch {
		case err == redis.Nil:
			return nil, false
		case err != nil:
			c.markRedisDown(err)
		default:
			var q Quote
			if jsonErr := json.Unmarshal(data, &q); jsonErr == nil && c.fresh(&q) {
				return &q, true
			}
			return nil, false
		}
	}

	c.memMu.RLock()
	q, ok := c.mem[symbol]
	c.memMu.RUnlock()
	if !ok || !c.fresh(q) {
		return nil, false
	}
	copied := *q
	return &copied, true
}

// Set stores a quote under the configured TTL. The in-memory copy is always
// written so a Redis outage never loses the freshest read.
func (c *PriceCache) Set(ctx context.Context, q *Quote) {
	if q.FetchedAt.IsZero() {
		q.FetchedAt = c.now()
	}

	copied := *q
	c.memMu.Lock()
	c.mem[q.Symbol] = &copied
	if len(c.mem) > 4096 {
		c.pruneLocked()
	}
	c.memMu.Unlock()

	if !c.redisUsable() {
		return
	}
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, quoteKey(q.Symbol), data, c.ttl).Err(); err != nil {
		c.markRedisDown(err)
	}
}

func (c *PriceCache) fresh(q *Quote) bool {
	return c.now().Sub(q.FetchedAt) < c.ttl
}

// redisUsable reports whether Redis should be tried, re-probing a downed
// connection at most once per probe interval.
func (c *PriceCache) redisUsable() bool {
	if c.client == nil {
		return false
	}
	if c.redisAvailable.Load() {
		return true
	}

	c.probeMu.Lock()
	defer c.probeMu.Unlock()
	if c.now().Sub(c.lastProbe) < redisProbeInterval {
		return false
	}
	c.lastProbe = c.now()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return false
	}
	c.redisAvailable.Store(true)
	c.logger.Info().Msg("Redis connection restored")
	return true
}

func (c *PriceCache) markRedisDown(err error) {
	if c.redisAvailable.CompareAndSwap(true, false) {
		c.logger.Warn().Err(err).Msg("Redis error, falling back to in-memory cache")
	}
}

func (c *PriceCache) pruneLocked() {
	for symbol, q := range c.mem {
		if !c.fresh(q) {
			delete(c.mem, symbol)
		}
	}
}

func quoteKey(symbol string) string {
	return fmt.Sprintf("%s:%s", quoteKeyPrefix, symbol)
}
