// Package orders holds the authoritative local view of exchange orders:
// the Order model, the Store that every component reads and writes through,
// and the FIFO queries the lot rebuilder and guardrails depend on.
package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Type is the exchange order type.
type Type string

const (
	TypeMarket          Type = "MARKET"
	TypeLimit           Type = "LIMIT"
	TypeStopLimit       Type = "STOP_LIMIT"
	TypeTakeProfitLimit Type = "TAKE_PROFIT_LIMIT"
)

// Role distinguishes protective orders from entries. Entries carry RoleNone.
type Role string

const (
	RoleNone       Role = ""
	RoleStopLoss   Role = "STOP_LOSS"
	RoleTakeProfit Role = "TAKE_PROFIT"
)

// Status of an order. Terminal statuses never transition.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusActive          Status = "ACTIVE"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// ActiveStatuses are the statuses an order can still execute from.
var ActiveStatuses = []Status{StatusNew, StatusActive, StatusPartiallyFilled}

// IsActive reports whether the status can still execute.
func (s Status) IsActive() bool {
	return s == StatusNew || s == StatusActive || s == StatusPartiallyFilled
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected || s == StatusExpired
}

// Source of an outbound order.
const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

// Order is the atomic unit tracked by the store, keyed by the id the
// exchange assigned at placement.
type Order struct {
	ExchangeOrderID    string          `json:"exchange_order_id"`
	ClientOID          string          `json:"client_oid"`
	Symbol             string          `json:"symbol"`
	Side               Side            `json:"side"`
	Type               Type            `json:"order_type"`
	Role               Role            `json:"order_role,omitempty"`
	Status             Status          `json:"status"`
	Price              decimal.Decimal `json:"price"`
	TriggerPrice       decimal.Decimal `json:"trigger_price"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	Quantity           decimal.Decimal `json:"quantity"`
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
	CumulativeValue    decimal.Decimal `json:"cumulative_value"`
	ParentOrderID      string          `json:"parent_order_id,omitempty"`
	OCOGroupID         string          `json:"oco_group_id,omitempty"`
	Source             string          `json:"source,omitempty"`
	StatusReason       string          `json:"status_reason,omitempty"`
	IsMargin           bool            `json:"is_margin,omitempty"`
	Leverage           int             `json:"leverage,omitempty"`
	ExchangeCreateTime time.Time       `json:"exchange_create_time"`
	ExchangeUpdateTime time.Time       `json:"exchange_update_time"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsEntry reports whether the order opened a position rather than
// protecting one.
func (o *Order) IsEntry() bool {
	return o.Role == RoleNone
}

// IsProtective reports whether the order is an SL or TP.
func (o *Order) IsProtective() bool {
	return o.Role == RoleStopLoss || o.Role == RoleTakeProfit
}

// FillPrice returns the best-known execution price: average fill price when
// present, limit price otherwise.
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// FilledQuantity returns the executed quantity, falling back to the ordered
// quantity for FILLED orders the exchange reported without a cumulative.
func (o *Order) FilledQuantity() decimal.Decimal {
	if o.CumulativeQuantity.IsPositive() {
		return o.CumulativeQuantity
	}
	if o.Status == StatusFilled {
		return o.Quantity
	}
	return decimal.Zero
}
