package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/metrics"
	"crypto-trading-agent/internal/orders"
)

// REST methods of the exchange gateway.
const (
	methodGetAccountSummary = "private/get-account-summary"
	methodCreateOrder       = "private/create-order"
	methodCancelOrder       = "private/cancel-order"
	methodGetOpenOrders     = "private/get-open-orders"
	methodGetTriggerOrders  = "private/get-trigger-orders"
	methodGetOrderHistory   = "private/get-order-history"
	methodGetInstruments    = "public/get-instruments"
	methodGetTicker         = "public/get-ticker"
)

const defaultTimeout = 10 * time.Second

// Config configures the REST client.
type Config struct {
	BaseURL     string
	APIKey      string
	SecretKey   string
	Timeout     time.Duration
	LiveTrading bool
}

// Client talks to the exchange REST gateway. Reads retry transient
// failures including timeouts; writes retry only definitive code-500
// responses, because a timed-out placement may have executed.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *RateLimiter
	reads      failsafe.Executor[*apiResponse]
	writes     failsafe.Executor[*apiResponse]
	logger     zerolog.Logger
	reqID      atomic.Int64
	live       atomic.Bool
}

// NewClient creates a REST client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	readRetry := retrypolicy.NewBuilder[*apiResponse]().
		HandleIf(func(resp *apiResponse, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return resp.Code == CodeInternal || resp.httpStatus >= 500
		}).
		WithDelay(500 * time.Millisecond).
		WithMaxRetries(2).
		Build()

	writeRetry := retrypolicy.NewBuilder[*apiResponse]().
		HandleIf(func(resp *apiResponse, err error) bool {
			// A response in hand means the request did not execute.
			// Network errors stay un-retried: the outcome is unknown.
			if err != nil || resp == nil {
				return false
			}
			return resp.Code == CodeInternal || resp.httpStatus >= 500
		}).
		WithDelay(500 * time.Millisecond).
		WithMaxRetries(2).
		Build()

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    NewRateLimiter(),
		reads:      failsafe.With[*apiResponse](readRetry),
		writes:     failsafe.With[*apiResponse](writeRetry),
		logger:     logger.With().Str("component", "ExchangeClient").Logger(),
	}
	c.live.Store(cfg.LiveTrading)
	return c
}

// Live reports whether write calls reach the exchange.
func (c *Client) Live() bool {
	return c.live.Load()
}

// SetLive flips the dry-run gate at runtime. The monitor re-reads the
// LIVE_TRADING setting every cycle so the flag can change without a restart.
func (c *Client) SetLive(live bool) {
	if c.live.Swap(live) != live {
		c.logger.Warn().Bool("live", live).Msg("Live trading switched")
	}
}

// GetAccountSummary fetches balances plus the raw wallet/margin numeric
// fields for the equity selector.
func (c *Client) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	resp, err := c.call(ctx, c.reads, methodGetAccountSummary, nil, PriorityHigh)
	if err != nil {
		return nil, err
	}

	var ws wireAccountSummary
	if err := json.Unmarshal(resp.Result, &ws); err != nil {
		return nil, fmt.Errorf("decode account summary: %w", err)
	}

	summary := &AccountSummary{
		Accounts:     ws.Accounts,
		EquityFields: make(map[string]float64, len(ws.Margin)),
	}
	for field, raw := range ws.Margin {
		if v, ok := numericField(raw); ok {
			summary.EquityFields[field] = v
		}
	}
	return summary, nil
}

// GetInstruments fetches the trading rules for every listed symbol.
func (c *Client) GetInstruments(ctx context.Context) ([]InstrumentMetadata, error) {
	resp, err := c.call(ctx, c.reads, methodGetInstruments, nil, PriorityLow)
	if err != nil {
		return nil, err
	}

	var wi struct {
		Instruments []wireInstrument `json:"instruments"`
	}
	if err := json.Unmarshal(resp.Result, &wi); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	out := make([]InstrumentMetadata, 0, len(wi.Instruments))
	for _, w := range wi.Instruments {
		out = append(out, InstrumentMetadata{
			Symbol:           w.InstrumentName,
			PriceTick:        parseDec(w.PriceTickSize),
			QuantityStep:     parseDec(w.QtyTickSize),
			MinQuantity:      parseDec(w.MinQuantity),
			MinNotional:      parseDec(w.MinNotional),
			PriceDecimals:    w.PriceDecimals,
			QuantityDecimals: w.QuantityDecimals,
			MaxLeverage:      w.MaxLeverage,
		})
	}
	return out, nil
}

// GetTicker fetches the current top of book for a symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{"instrument_name": symbol}
	resp, err := c.call(ctx, c.reads, methodGetTicker, params, PriorityNormal)
	if err != nil {
		return nil, err
	}

	var wt struct {
		Data wireTicker `json:"data"`
	}
	if err := json.Unmarshal(resp.Result, &wt); err != nil {
		return nil, fmt.Errorf("decode ticker %s: %w", symbol, err)
	}
	return &Ticker{
		Symbol: symbol,
		Ask:    parseDec(wt.Data.Ask),
		Bid:    parseDec(wt.Data.Bid),
		Last:   parseDec(wt.Data.Last),
	}, nil
}

// PlaceMarketOrder places an entry by notional or quantity. With live
// trading off it returns a synthetic dry-run result without touching the
// exchange.
func (c *Client) PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (*PlaceResult, error) {
	params := map[string]string{
		"instrument_name": req.Symbol,
		"side":            string(req.Side),
		"type":            string(orders.TypeMarket),
	}
	if req.Quantity.IsPositive() {
		params["quantity"] = req.Quantity.String()
	} else {
		params["notional"] = req.NotionalUSD.String()
	}
	applyMargin(params, req.IsMargin, req.Leverage)
	if req.ClientOID != "" {
		params["client_oid"] = req.ClientOID
	}

	if !c.Live() {
		return c.dryRun(req.Symbol, string(req.Side), params), nil
	}
	return c.placeOrder(ctx, params)
}

// PlaceStopLossOrder places a stop-limit order guarding an entry.
func (c *Client) PlaceStopLossOrder(ctx context.Context, req ProtectiveOrderRequest) (*PlaceResult, error) {
	return c.placeProtective(ctx, orders.TypeStopLimit, req)
}

// PlaceTakeProfitOrder places a take-profit-limit order guarding an entry.
func (c *Client) PlaceTakeProfitOrder(ctx context.Context, req ProtectiveOrderRequest) (*PlaceResult, error) {
	return c.placeProtective(ctx, orders.TypeTakeProfitLimit, req)
}

func (c *Client) placeProtective(ctx context.Context, typ orders.Type, req ProtectiveOrderRequest) (*PlaceResult, error) {
	params := map[string]string{
		"instrument_name": req.Symbol,
		"side":            string(req.Side),
		"type":            string(typ),
		"price":           req.Price,
		"quantity":        req.Quantity,
		"trigger_price":   req.TriggerPrice,
	}
	if req.RefPrice != "" {
		params["ref_price"] = req.RefPrice
	}
	applyMargin(params, req.IsMargin, req.Leverage)
	if req.ClientOID != "" {
		params["client_oid"] = req.ClientOID
	}

	if !c.Live() {
		return c.dryRun(req.Symbol, string(req.Side), params), nil
	}
	return c.placeOrder(ctx, params)
}

func (c *Client) placeOrder(ctx context.Context, params map[string]string) (*PlaceResult, error) {
	resp, err := c.call(ctx, c.writes, methodCreateOrder, params, PriorityCritical)
	if err != nil {
		return nil, err
	}

	var wc wireCreateOrder
	if err := json.Unmarshal(resp.Result, &wc); err != nil {
		return nil, fmt.Errorf("decode create-order: %w", err)
	}

	status := orders.Status(wc.Status)
	if status == "" {
		status = orders.StatusNew
	}
	createTime := time.Now()
	if wc.CreateTime > 0 {
		createTime = time.UnixMilli(wc.CreateTime)
	}

	metrics.ExchangeOrdersPlaced.WithLabelValues(params["type"], params["side"]).Inc()
	return &PlaceResult{
		OrderID:            wc.OrderID,
		ClientOID:          wc.ClientOID,
		Status:             status,
		AvgPrice:           parseDec(wc.AvgPrice),
		CumulativeQuantity: parseDec(wc.CumulativeQuantity),
		CreateTime:         createTime,
	}, nil
}

// CancelOrder cancels an order by exchange order id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if !c.Live() {
		c.logger.Info().Str("order_id", orderID).Msg("DRY RUN cancel order")
		return nil
	}
	params := map[string]string{"order_id": orderID}
	_, err := c.call(ctx, c.writes, methodCancelOrder, params, PriorityCritical)
	return err
}

// ListOpenOrders returns currently working orders, normalized.
func (c *Client) ListOpenOrders(ctx context.Context) ([]*orders.Order, error) {
	return c.listOrders(ctx, methodGetOpenOrders, nil)
}

// ListTriggerOrders returns stop and take-profit orders that have not
// triggered yet, normalized.
func (c *Client) ListTriggerOrders(ctx context.Context) ([]*orders.Order, error) {
	return c.listOrders(ctx, methodGetTriggerOrders, nil)
}

// ListOrderHistory pages through terminal orders, newest page first, up to
// maxPages of pageSize rows.
func (c *Client) ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]*orders.Order, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxPages <= 0 {
		maxPages = 1
	}

	var all []*orders.Order
	for page := 0; page < maxPages; page++ {
		params := map[string]string{
			"page_size": strconv.Itoa(pageSize),
			"page":      strconv.Itoa(page),
		}
		batch, err := c.listOrders(ctx, methodGetOrderHistory, params)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	return all, nil
}

func (c *Client) listOrders(ctx context.Context, method string, params map[string]string) ([]*orders.Order, error) {
	resp, err := c.call(ctx, c.reads, method, params, PriorityHigh)
	if err != nil {
		return nil, err
	}

	var wl wireOrderList
	if err := json.Unmarshal(resp.Result, &wl); err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}

	out := make([]*orders.Order, 0, len(wl.OrderList))
	for _, w := range wl.OrderList {
		out = append(out, w.toOrder())
	}
	return out, nil
}

// ==================== transport ====================

// call signs, posts and decodes one RPC through the given resilience
// pipeline. Local throttling surfaces as a rate-limit APIError so loop
// code handles exchange and local limits the same way.
func (c *Client) call(ctx context.Context, pipeline failsafe.Executor[*apiResponse],
	method string, params map[string]string, priority RequestPriority) (*apiResponse, error) {

	if acquire := c.limiter.TryAcquire(method, priority); !acquire.Acquired {
		metrics.ExchangeRateLimited.WithLabelValues(method, "local").Inc()
		return nil, &APIError{
			Code:    CodeRateLimited,
			Message: fmt.Sprintf("local limiter: %s (retry in %s)", acquire.Reason, acquire.WaitTime),
		}
	}
	if params == nil {
		params = map[string]string{}
	}

	req := apiRequest{
		ID:     c.reqID.Add(1),
		Method: method,
		Params: params,
		Nonce:  time.Now().UnixMilli(),
	}
	if isPrivate(method) {
		req.APIKey = c.cfg.APIKey
		req.Signature = c.sign(req)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	start := time.Now()
	resp, err := pipeline.GetWithExecution(func(_ failsafe.Execution[*apiResponse]) (*apiResponse, error) {
		return c.doHTTP(ctx, method, body)
	})
	metrics.ExchangeRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		if isWritePipeline := pipeline == c.writes; isWritePipeline && isTimeout(err) {
			return nil, fmt.Errorf("%s: %w: %v", method, ErrOutcomeUnknown, err)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	if resp.httpStatus == http.StatusTooManyRequests || resp.Code == CodeRateLimited {
		c.limiter.RecordRateLimited(method)
		metrics.ExchangeRateLimited.WithLabelValues(method, "exchange").Inc()
		return nil, &APIError{Code: CodeRateLimited, Message: resp.Message, HTTPStatus: resp.httpStatus}
	}
	if resp.Code != 0 {
		metrics.ExchangeErrors.WithLabelValues(method, strconv.Itoa(resp.Code)).Inc()
		return nil, &APIError{Code: resp.Code, Message: resp.Message, HTTPStatus: resp.httpStatus}
	}
	if resp.httpStatus < 200 || resp.httpStatus >= 300 {
		metrics.ExchangeErrors.WithLabelValues(method, strconv.Itoa(resp.httpStatus)).Inc()
		return nil, &APIError{Code: CodeInternal, Message: "unexpected http status", HTTPStatus: resp.httpStatus}
	}
	return resp, nil
}

func (c *Client) doHTTP(ctx context.Context, method string, body []byte) (*apiResponse, error) {
	url := fmt.Sprintf("%s/%s", c.cfg.BaseURL, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	resp := &apiResponse{httpStatus: httpResp.StatusCode}
	if len(data) > 0 {
		if err := json.Unmarshal(data, resp); err != nil {
			return nil, fmt.Errorf("decode envelope (http %d): %w", httpResp.StatusCode, err)
		}
	}
	return resp, nil
}

// sign computes the request signature: HMAC-SHA256 over method, id,
// api key, the concatenated sorted params and the nonce.
func (c *Client) sign(req apiRequest) string {
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteString(strconv.FormatInt(req.ID, 10))
	buf.WriteString(req.APIKey)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(req.Params[k])
	}
	buf.WriteString(strconv.FormatInt(req.Nonce, 10))

	mac := hmac.New(sha256.New, []byte(c.cfg.SecretKey))
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) dryRun(symbol, side string, params map[string]string) *PlaceResult {
	id := "dry_" + uuid.New().String()
	c.logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Str("type", params["type"]).
		Str("order_id", id).
		Msg("DRY RUN order placement, exchange not called")
	metrics.ExchangeOrdersPlaced.WithLabelValues(params["type"], side+"_dry_run").Inc()

	return &PlaceResult{
		OrderID:    id,
		ClientOID:  params["client_oid"],
		Status:     orders.StatusNew,
		AvgPrice:   decimal.Zero,
		CreateTime: time.Now(),
		DryRun:     true,
	}
}

func applyMargin(params map[string]string, isMargin bool, leverage int) {
	if !isMargin {
		return
	}
	params["exec_inst"] = "MARGIN_CALL"
	if leverage > 0 {
		params["leverage"] = strconv.Itoa(leverage)
	}
}

func isPrivate(method string) bool {
	return len(method) > 8 && method[:8] == "private/"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// numericField extracts a float from a raw JSON value that may be a
// number or a numeric string. Everything else is skipped.
func numericField(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
