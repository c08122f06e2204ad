package expectedtp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/portfolio"
	"crypto-trading-agent/internal/symbols"
)

type fakeOrderQueries struct {
	buys       []*orders.Order
	sells      []*orders.Order
	protective []*orders.Order
	err        error
}

func filterBase(list []*orders.Order, symbol string) []*orders.Order {
	var out []*orders.Order
	for _, o := range list {
		if symbols.SameBase(o.Symbol, symbol) {
			out = append(out, o)
		}
	}
	return out
}

func (f *fakeOrderQueries) FilledBuysFIFO(_ context.Context, symbol string) ([]*orders.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return filterBase(f.buys, symbol), nil
}

func (f *fakeOrderQueries) FilledSellsFIFO(_ context.Context, symbol string) ([]*orders.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return filterBase(f.sells, symbol), nil
}

func (f *fakeOrderQueries) ActiveProtectiveOrders(_ context.Context) ([]*orders.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.protective, nil
}

type fakeQuotes struct {
	prices  map[string]decimal.Decimal
	failing map[string]bool
}

func (f *fakeQuotes) GetQuote(_ context.Context, symbol string) (*cache.Quote, error) {
	if f.failing[symbol] {
		return nil, errors.New("quote unavailable")
	}
	price, ok := f.prices[symbol]
	if !ok {
		return nil, errors.New("no such symbol")
	}
	return &cache.Quote{Symbol: symbol, Last: price, FetchedAt: lotTestTime}, nil
}

type fakeBalances struct {
	snap *portfolio.Snapshot
	err  error
}

func (f *fakeBalances) Snapshot(_ context.Context) (*portfolio.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func reportEngine(store *fakeOrderQueries, quotes *fakeQuotes, balances *fakeBalances) *Engine {
	return NewEngine(store, quotes, balances, zerolog.Nop())
}

func snapWith(accounts ...exchange.Account) *portfolio.Snapshot {
	return &portfolio.Snapshot{
		EquityUSD:   10000,
		EquityKnown: true,
		Accounts:    accounts,
		FetchedAt:   lotTestTime,
	}
}

func TestReportFullCoverage(t *testing.T) {
	store := &fakeOrderQueries{
		buys: []*orders.Order{
			filledBuy("b1", "SOL_USDT", "25", "10", lotTestTime),
			filledBuy("b2", "SOL_USDT", "30", "5", lotTestTime.Add(time.Hour)),
		},
		protective: []*orders.Order{
			activeTP("tp1", "SOL_USDT", "28", "10", "b1", "G1", lotTestTime.Add(2*time.Hour)),
			activeTP("tp2", "SOL_USDT", "33", "5", "", "", lotTestTime.Add(3*time.Hour)),
			{
				ExchangeOrderID:    "sl1",
				Symbol:             "SOL_USDT",
				Side:               orders.SideSell,
				Type:               orders.TypeStopLimit,
				Role:               orders.RoleStopLoss,
				Status:             orders.StatusActive,
				Price:              dec("22"),
				Quantity:           dec("10"),
				ParentOrderID:      "b1",
				OCOGroupID:         "G1",
				ExchangeCreateTime: lotTestTime.Add(2 * time.Hour),
			},
		},
	}
	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{"SOL_USDT": dec("32")}}
	balances := &fakeBalances{snap: snapWith(
		exchange.Account{Currency: "SOL", Balance: 15, Available: 15},
		exchange.Account{Currency: "USD", Balance: 5000, Available: 5000},
	)}

	report, err := reportEngine(store, quotes, balances).Report(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Symbols, 1)

	sr := report.Symbols[0]
	// Keyed on the pair actually traded, not the USD walk default.
	assert.Equal(t, "SOL_USDT", sr.Symbol)
	assert.Equal(t, "SOL", sr.Base)
	assert.False(t, sr.Virtual)
	assert.True(t, sr.NetQty.Equal(dec("15")))
	assert.True(t, sr.CurrentPrice.Equal(dec("32")))
	assert.True(t, sr.PositionValue.Equal(dec("480")))
	// 10*25 + 5*30
	assert.True(t, sr.ActualPositionValue.Equal(dec("400")))
	assert.True(t, sr.CoveredQty.Equal(dec("15")))
	assert.True(t, sr.UncoveredQty.IsZero())
	// (28-25)*10 + (33-30)*5
	assert.True(t, sr.TotalExpectedProfit.Equal(dec("45")), "got %s", sr.TotalExpectedProfit)

	require.Len(t, sr.Lots, 2)
	require.Len(t, sr.Lots[0].Matches, 1)
	require.Len(t, sr.Lots[1].Matches, 1)
	assert.Equal(t, MatchOCO, sr.Lots[0].Matches[0].Origin)
	assert.Equal(t, "G1", sr.Lots[0].OCOGroupID)
	assert.Equal(t, MatchFIFO, sr.Lots[1].Matches[0].Origin)
}

// A wallet balance with no recorded trade history still shows up, as a
// single virtual lot priced at the market.
func TestReportVirtualLotFromBalance(t *testing.T) {
	store := &fakeOrderQueries{}
	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{"ADA_USD": dec("0.70")}}
	balances := &fakeBalances{snap: snapWith(
		exchange.Account{Currency: "ADA", Balance: 100, Available: 100},
	)}

	report, err := reportEngine(store, quotes, balances).Report(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Symbols, 1)

	sr := report.Symbols[0]
	assert.Equal(t, "ADA_USD", sr.Symbol)
	assert.True(t, sr.Virtual)
	require.Len(t, sr.Lots, 1)
	assert.True(t, sr.Lots[0].Virtual)
	assert.True(t, sr.Lots[0].Quantity.Equal(dec("100")))
	assert.True(t, sr.Lots[0].BuyPrice.Equal(dec("0.70")))
	assert.True(t, sr.NetQty.Equal(dec("100")))
	assert.True(t, sr.UncoveredQty.Equal(dec("100")))
	assert.True(t, sr.TotalExpectedProfit.IsZero())
}

// One base failing its market-data lookup must not take down the report
// for every other base.
func TestReportSkipsBaseWithoutQuote(t *testing.T) {
	store := &fakeOrderQueries{
		buys: []*orders.Order{
			filledBuy("b1", "SOL_USDT", "25", "10", lotTestTime),
			filledBuy("b2", "ADA_USD", "0.50", "100", lotTestTime),
		},
	}
	quotes := &fakeQuotes{
		prices:  map[string]decimal.Decimal{"SOL_USDT": dec("32")},
		failing: map[string]bool{"ADA_USD": true},
	}
	balances := &fakeBalances{snap: snapWith(
		exchange.Account{Currency: "ADA", Balance: 100},
		exchange.Account{Currency: "SOL", Balance: 10},
	)}

	report, err := reportEngine(store, quotes, balances).Report(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Symbols, 1)
	assert.Equal(t, "SOL_USDT", report.Symbols[0].Symbol)
}

func TestReportIgnoresStablecoinsAndZeroBalances(t *testing.T) {
	store := &fakeOrderQueries{}
	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{}}
	balances := &fakeBalances{snap: snapWith(
		exchange.Account{Currency: "USD", Balance: 5000},
		exchange.Account{Currency: "USDT", Balance: 2000},
		exchange.Account{Currency: "SOL", Balance: 0},
	)}

	report, err := reportEngine(store, quotes, balances).Report(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Symbols)
}

func TestReportSymbolsSortedAlphabetically(t *testing.T) {
	store := &fakeOrderQueries{}
	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{
		"ADA_USD": dec("0.70"),
		"SOL_USD": dec("32"),
	}}
	balances := &fakeBalances{snap: snapWith(
		exchange.Account{Currency: "SOL", Balance: 10},
		exchange.Account{Currency: "ADA", Balance: 100},
	)}

	report, err := reportEngine(store, quotes, balances).Report(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Symbols, 2)
	assert.Equal(t, "ADA_USD", report.Symbols[0].Symbol)
	assert.Equal(t, "SOL_USD", report.Symbols[1].Symbol)
}

func TestReportSymbolResolvesWalletBalance(t *testing.T) {
	store := &fakeOrderQueries{}
	quotes := &fakeQuotes{prices: map[string]decimal.Decimal{"ADA_USD": dec("0.70")}}
	balances := &fakeBalances{snap: snapWith(
		exchange.Account{Currency: "ADA", Balance: 50},
	)}

	sr, err := reportEngine(store, quotes, balances).ReportSymbol(context.Background(), "ADA_USD")
	require.NoError(t, err)
	assert.True(t, sr.Virtual)
	require.Len(t, sr.Lots, 1)
	assert.True(t, sr.Lots[0].Quantity.Equal(dec("50")))
}

func TestReportSnapshotFailure(t *testing.T) {
	engine := reportEngine(&fakeOrderQueries{}, &fakeQuotes{}, &fakeBalances{err: errors.New("exchange down")})

	_, err := engine.Report(context.Background())
	require.Error(t, err)
}
