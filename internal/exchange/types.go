package exchange

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/normalize"
	"crypto-trading-agent/internal/orders"
)

// Account is one currency row of the account summary.
type Account struct {
	Currency       string  `json:"currency"`
	Balance        float64 `json:"balance"`
	Available      float64 `json:"available"`
	Reserved       float64 `json:"reserved"`
	MarketValueUSD float64 `json:"market_value_usd"`
	Haircut        float64 `json:"haircut"`
}

// AccountSummary is the normalized portfolio snapshot. EquityFields holds
// every numeric wallet/margin field the exchange returned, scanned into a
// flat map so the equity selector can pick by priority.
type AccountSummary struct {
	Accounts     []Account
	EquityFields map[string]float64
}

// InstrumentMetadata holds per-symbol trading rules as reported by the
// exchange.
type InstrumentMetadata struct {
	Symbol           string
	PriceTick        decimal.Decimal
	QuantityStep     decimal.Decimal
	MinQuantity      decimal.Decimal
	MinNotional      decimal.Decimal
	PriceDecimals    int32
	QuantityDecimals int32
	MaxLeverage      int
}

// Rules converts the metadata into normalizer constraints.
func (m InstrumentMetadata) Rules() normalize.Rules {
	return normalize.Rules{
		PriceTick:        m.PriceTick,
		QuantityStep:     m.QuantityStep,
		MinQuantity:      m.MinQuantity,
		MinNotional:      m.MinNotional,
		PriceDecimals:    m.PriceDecimals,
		QuantityDecimals: m.QuantityDecimals,
	}
}

// Ticker is the current top of book for a symbol.
type Ticker struct {
	Symbol string
	Ask    decimal.Decimal
	Bid    decimal.Decimal
	Last   decimal.Decimal
}

// MarketOrderRequest places an entry by notional or by quantity.
type MarketOrderRequest struct {
	Symbol      string
	Side        orders.Side
	NotionalUSD decimal.Decimal // used when Quantity is zero
	Quantity    decimal.Decimal
	IsMargin    bool
	Leverage    int
	ClientOID   string
	Source      string
}

// ProtectiveOrderRequest places an SL or TP. Price fields are canonical
// decimal strings straight from the normalizer so tick alignment and
// width survive the wire.
type ProtectiveOrderRequest struct {
	Symbol       string
	Side         orders.Side
	Price        string
	Quantity     string
	TriggerPrice string
	RefPrice     string
	IsMargin     bool
	Leverage     int
	ClientOID    string
}

// PlaceResult is the normalized outcome of a placement.
type PlaceResult struct {
	OrderID            string
	ClientOID          string
	Status             orders.Status
	AvgPrice           decimal.Decimal
	CumulativeQuantity decimal.Decimal
	CreateTime         time.Time
	DryRun             bool
}

// ==================== wire types ====================

// apiRequest is the signed JSON-RPC envelope every private call posts.
type apiRequest struct {
	ID        int64             `json:"id"`
	Method    string            `json:"method"`
	APIKey    string            `json:"api_key,omitempty"`
	Params    map[string]string `json:"params"`
	Nonce     int64             `json:"nonce"`
	Signature string            `json:"sig,omitempty"`
}

// apiResponse is the envelope the exchange answers with. Code zero means
// success; Result is decoded per call.
type apiResponse struct {
	ID         int64           `json:"id"`
	Method     string          `json:"method"`
	Code       int             `json:"code"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	httpStatus int
}

type wireAccountSummary struct {
	Accounts []Account                  `json:"accounts"`
	Margin   map[string]json.RawMessage `json:"margin,omitempty"`
}

type wireInstrument struct {
	InstrumentName   string `json:"instrument_name"`
	PriceTickSize    string `json:"price_tick_size"`
	QtyTickSize      string `json:"qty_tick_size"`
	MinQuantity      string `json:"min_quantity"`
	MinNotional      string `json:"min_notional"`
	PriceDecimals    int32  `json:"price_decimals"`
	QuantityDecimals int32  `json:"quantity_decimals"`
	MaxLeverage      int    `json:"max_leverage"`
}

type wireTicker struct {
	InstrumentName string `json:"i"`
	Ask            string `json:"a"`
	Bid            string `json:"b"`
	Last           string `json:"k"`
}

// Prices and quantities arrive as decimal strings and are parsed exactly;
// they feed tick alignment and FIFO math where binary floats drift.
type wireOrder struct {
	OrderID            string `json:"order_id"`
	ClientOID          string `json:"client_oid"`
	InstrumentName     string `json:"instrument_name"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	Price              string `json:"price"`
	TriggerPrice       string `json:"trigger_price"`
	AvgPrice           string `json:"avg_price"`
	Quantity           string `json:"quantity"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	CumulativeValue    string `json:"cumulative_value"`
	CreateTime         int64  `json:"create_time"`
	UpdateTime         int64  `json:"update_time"`
}

type wireOrderList struct {
	OrderList []wireOrder `json:"order_list"`
}

type wireCreateOrder struct {
	OrderID            string `json:"order_id"`
	ClientOID          string `json:"client_oid"`
	Status             string `json:"status"`
	AvgPrice           string `json:"avg_price"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	CreateTime         int64  `json:"create_time"`
}

// parseDec parses a wire decimal; empty and malformed values become zero.
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toOrder normalizes a wire order into the store schema. Role and linkage
// are local concepts; the store preserves them across upserts.
func (w wireOrder) toOrder() *orders.Order {
	return &orders.Order{
		ExchangeOrderID:    w.OrderID,
		ClientOID:          w.ClientOID,
		Symbol:             w.InstrumentName,
		Side:               orders.Side(w.Side),
		Type:               orders.Type(w.Type),
		Status:             orders.Status(w.Status),
		Price:              parseDec(w.Price),
		TriggerPrice:       parseDec(w.TriggerPrice),
		AvgPrice:           parseDec(w.AvgPrice),
		Quantity:           parseDec(w.Quantity),
		CumulativeQuantity: parseDec(w.CumulativeQuantity),
		CumulativeValue:    parseDec(w.CumulativeValue),
		ExchangeCreateTime: time.UnixMilli(w.CreateTime),
		ExchangeUpdateTime: time.UnixMilli(w.UpdateTime),
	}
}
