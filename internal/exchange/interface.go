package exchange

import (
	"context"

	"crypto-trading-agent/internal/orders"
)

// API is the exchange surface the control plane consumes. The concrete
// Client implements it against the REST gateway; tests substitute fakes.
type API interface {
	// Account and market data.
	GetAccountSummary(ctx context.Context) (*AccountSummary, error)
	GetInstruments(ctx context.Context) ([]InstrumentMetadata, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// Order placement and cancellation.
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlaceResult, error)
	PlaceStopLossOrder(ctx context.Context, req ProtectiveOrderRequest) (*PlaceResult, error)
	PlaceTakeProfitOrder(ctx context.Context, req ProtectiveOrderRequest) (*PlaceResult, error)
	CancelOrder(ctx context.Context, orderID string) error

	// Order listings, normalized to the store schema.
	ListOpenOrders(ctx context.Context) ([]*orders.Order, error)
	ListTriggerOrders(ctx context.Context) ([]*orders.Order, error)
	ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]*orders.Order, error)
}

// Compile-time check that Client satisfies API.
var _ API = (*Client)(nil)
