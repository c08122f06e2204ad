// Package portfolio reads account equity and balances for the exposure
// guardrails. Gateways report equity under different field names depending
// on account type, so the reader scans a fixed priority list and lets an
// operator pin a field explicitly when the account is unusual.
package portfolio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/symbols"
)

// equityFieldPriority is scanned in order; the first present numeric field
// wins. Haircut-adjusted balance is the most conservative number the
// gateway offers, so it goes first.
var equityFieldPriority = []string{
	"wallet_balance_after_haircut",
	"wallet_balance",
	"equity",
	"margin_equity",
}

type accountAPI interface {
	GetAccountSummary(ctx context.Context) (*exchange.AccountSummary, error)
}

// Snapshot is one consistent read of the account.
type Snapshot struct {
	EquityUSD   float64
	EquityField string
	EquityKnown bool
	Accounts    []exchange.Account
	FetchedAt   time.Time
}

// AvailableQuote sums the available balance across all accounts whose
// currency is interchangeable with the given quote (USD and USDT pool).
func (s *Snapshot) AvailableQuote(quote string) float64 {
	var total float64
	for _, acct := range s.Accounts {
		if acct.Currency == quote || (symbols.IsEquivalentQuote(acct.Currency) && symbols.IsEquivalentQuote(quote)) {
			total += acct.Available
		}
	}
	return total
}

// BaseBalance returns the total holding in the given base currency, zero
// when the account does not appear in the snapshot.
func (s *Snapshot) BaseBalance(base string) float64 {
	for _, acct := range s.Accounts {
		if acct.Currency == base {
			return acct.Balance
		}
	}
	return 0
}

// Reader fetches account snapshots and tracks auth health. Repeated auth
// failures latch the reader halted so order placement stops until the
// gateway accepts our credentials again.
type Reader struct {
	api           accountAPI
	logger        zerolog.Logger
	overrideField string

	authHalted atomic.Bool

	mu   sync.RWMutex
	last *Snapshot
}

// NewReader creates an equity reader. overrideField pins the equity source
// field, empty uses the priority scan.
func NewReader(api accountAPI, overrideField string, logger zerolog.Logger) *Reader {
	return &Reader{
		api:           api,
		logger:        logger.With().Str("component", "PortfolioReader").Logger(),
		overrideField: overrideField,
	}
}

// Snapshot fetches a fresh account summary and resolves equity.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	summary, err := r.api.GetAccountSummary(ctx)
	if err != nil {
		if exchange.IsAuthError(err) {
			if r.authHalted.CompareAndSwap(false, true) {
				r.logger.Error().Err(err).Msg("authentication failed, halting order placement")
			}
		}
		return nil, err
	}

	if r.authHalted.CompareAndSwap(true, false) {
		r.logger.Info().Msg("authentication recovered, resuming order placement")
	}

	snap := &Snapshot{
		Accounts:  summary.Accounts,
		FetchedAt: time.Now(),
	}
	snap.EquityUSD, snap.EquityField, snap.EquityKnown = r.resolveEquity(summary.EquityFields)
	if snap.EquityKnown {
		metrics.PortfolioEquityUSD.Set(snap.EquityUSD)
	}

	r.mu.Lock()
	r.last = snap
	r.mu.Unlock()
	return snap, nil
}

// Last returns the most recent snapshot, nil before the first success.
func (r *Reader) Last() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// AuthHalted reports whether order placement should be suspended because
// the gateway is rejecting our credentials.
func (r *Reader) AuthHalted() bool {
	return r.authHalted.Load()
}

func (r *Reader) resolveEquity(fields map[string]float64) (float64, string, bool) {
	if r.overrideField != "" {
		if v, ok := fields[r.overrideField]; ok {
			return v, r.overrideField, true
		}
		r.logger.Warn().
			Str("override", r.overrideField).
			Msg("configured equity field missing from account summary, falling back to scan")
	}

	for _, field := range equityFieldPriority {
		if v, ok := fields[field]; ok {
			return v, field, true
		}
	}

	r.logger.Warn().Msg("no recognized equity field in account summary, portfolio cap checks will be skipped")
	return 0, "", false
}
