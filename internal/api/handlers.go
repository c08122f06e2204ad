package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/internal/alerts"
	"crypto-trading-agent/internal/auth"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/monitor"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/protect"
	"crypto-trading-agent/internal/symbols"
)

// handleLogin authenticates the operator and returns a bearer token.
func (s *Server) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "username and password are required")
		return
	}

	resp, err := s.deps.AuthService.Login(req)
	if err != nil {
		authErr, ok := err.(auth.AuthError)
		if !ok {
			authErr = auth.ErrInvalidCredentials
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   authErr.Code,
			"message": authErr.Message,
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleStatus reports the run state of every background component.
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"live_trading":    s.deps.Exchange.Live(),
		"monitor_running": s.deps.Monitor.IsRunning(),
		"sync_running":    s.deps.Syncer.IsRunning(),
		"auth_halted":     s.deps.Portfolio.AuthHalted(),
		"ws_clients":      s.hub.GetClientCount(),
		"started_at":      s.startedAt,
		"uptime":          time.Since(s.startedAt).Round(time.Second).String(),
	}

	if snap := s.deps.Portfolio.Last(); snap != nil {
		equity := gin.H{
			"fetched_at":   snap.FetchedAt,
			"equity_known": snap.EquityKnown,
		}
		if snap.EquityKnown {
			equity["equity_usd"] = snap.EquityUSD
			equity["equity_field"] = snap.EquityField
		}
		status["portfolio"] = equity
	}

	c.JSON(http.StatusOK, status)
}

// alertRow is one line of the alerts panel: the watchlist entry joined with
// the monitor's signal state and the throttler's last-sent record.
type alertRow struct {
	Symbol            string               `json:"symbol"`
	Enabled           bool                 `json:"enabled"`
	AlertsEnabled     bool                 `json:"alerts_enabled"`
	TradeAmountUSD    decimal.Decimal      `json:"trade_amount_usd"`
	BuyTarget         decimal.NullDecimal  `json:"buy_target"`
	UseMargin         bool                 `json:"use_margin"`
	Signal            *monitor.SignalState `json:"signal,omitempty"`
	LastAlertSide     string               `json:"last_alert_side,omitempty"`
	LastAlertPrice    decimal.Decimal      `json:"last_alert_price,omitempty"`
	LastAlertAt       *time.Time           `json:"last_alert_at,omitempty"`
	OrdersPlacedTotal int                  `json:"orders_placed_total"`
}

// handleAlerts returns the alerts panel rows.
func (s *Server) handleAlerts(c *gin.Context) {
	items, err := s.deps.Repo.ListWatchlist(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load watchlist")
		return
	}

	states := s.deps.Monitor.States()

	sent := make(map[string]alerts.SnapshotEntry)
	for _, entry := range s.deps.Throttler.Snapshot() {
		sent[symbols.Canonical(entry.Symbol)] = entry
	}

	rows := make([]alertRow, 0, len(items))
	for _, item := range items {
		key := symbols.Canonical(item.Symbol)
		row := alertRow{
			Symbol:         item.Symbol,
			Enabled:        item.Enabled,
			AlertsEnabled:  item.AlertsEnabled,
			TradeAmountUSD: item.TradeAmountUSD,
			BuyTarget:      item.BuyTarget,
			UseMargin:      item.UseMargin,
		}
		if st, ok := states[key]; ok {
			stCopy := st
			row.Signal = &stCopy
			row.OrdersPlacedTotal = st.OrdersCount
		}
		if last, ok := sent[key]; ok {
			row.LastAlertSide = string(last.Side)
			row.LastAlertPrice = last.Price
			at := last.SentAt
			row.LastAlertAt = &at
		}
		rows = append(rows, row)
	}

	successResponse(c, rows)
}

// handleSignalEvents returns the most recent monitor decisions.
func (s *Server) handleSignalEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	list, err := s.deps.Repo.ListRecentSignalEvents(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load signal events")
		return
	}

	successResponse(c, list)
}

// handleGetOrders lists orders. Filters: symbol, status (comma separated),
// active=true for the open set. Without filters it returns active orders.
func (s *Server) handleGetOrders(c *gin.Context) {
	ctx := c.Request.Context()

	symbol := strings.TrimSpace(c.Query("symbol"))
	statusParam := strings.TrimSpace(c.Query("status"))

	var (
		list []*orders.Order
		err  error
	)

	switch {
	case symbol == "" && statusParam == "":
		list, err = s.deps.Repo.ListActiveOrders(ctx)
	default:
		statuses := parseStatuses(statusParam)
		if len(statuses) == 0 {
			statuses = orders.ActiveStatuses
		}
		var syms []string
		if symbol != "" {
			syms = symbols.Variants(symbol)
		}
		list, err = s.deps.Repo.ListOrdersByStatus(ctx, syms, statuses)
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load orders")
		return
	}

	successResponse(c, list)
}

func parseStatuses(raw string) []orders.Status {
	if raw == "" {
		return nil
	}
	var out []orders.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, orders.Status(part))
		}
	}
	return out
}

// handleGetOrder returns a single order by exchange order ID.
func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.deps.Repo.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "order not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to load order")
		return
	}
	successResponse(c, o)
}

// handleExpectedTP returns the portfolio-wide expected take-profit report.
func (s *Server) handleExpectedTP(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	report, err := s.deps.Expected.Report(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "expected-TP report failed: "+err.Error())
		return
	}
	successResponse(c, report)
}

// handleExpectedTPSymbol returns the coverage report for one symbol.
func (s *Server) handleExpectedTPSymbol(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	symbol := symbols.Canonical(c.Param("symbol"))
	report, err := s.deps.Expected.ReportSymbol(ctx, symbol)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "expected-TP report failed: "+err.Error())
		return
	}
	successResponse(c, report)
}

// handleGetWatchlist lists all non-deleted watchlist rows.
func (s *Server) handleGetWatchlist(c *gin.Context) {
	items, err := s.deps.Repo.ListWatchlist(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load watchlist")
		return
	}
	successResponse(c, items)
}

// handleUpsertWatchlistItem creates a watchlist row (or revives a deleted
// one, since symbols are unique).
func (s *Server) handleUpsertWatchlistItem(c *gin.Context) {
	item := database.WatchlistItem{
		ProtectionMode: database.ProtectionConservative,
		StrategyType:   "swing",
		RiskApproach:   "conservative",
	}
	if err := c.ShouldBindJSON(&item); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid watchlist item: "+err.Error())
		return
	}

	item.Symbol = strings.ToUpper(strings.TrimSpace(item.Symbol))
	if item.Symbol == "" {
		errorResponse(c, http.StatusBadRequest, "symbol is required")
		return
	}
	if !item.TradeAmountUSD.IsPositive() && item.Enabled {
		errorResponse(c, http.StatusBadRequest, "trade_amount_usd must be positive for enabled symbols")
		return
	}
	item.IsDeleted = false

	if err := s.deps.Repo.UpsertWatchlistItem(c.Request.Context(), &item); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to save watchlist item")
		return
	}

	s.publishWatchlistChanged(item.Symbol, "upserted")
	successResponse(c, item)
}

// handleUpdateWatchlistItem applies a partial update: only fields present
// in the request body overwrite the stored row.
func (s *Server) handleUpdateWatchlistItem(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))

	item, err := s.deps.Repo.GetWatchlistItem(c.Request.Context(), symbol)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			errorResponse(c, http.StatusNotFound, "watchlist item not found")
			return
		}
		errorResponse(c, http.StatusInternalServerError, "failed to load watchlist item")
		return
	}

	if err := c.ShouldBindJSON(item); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid watchlist item: "+err.Error())
		return
	}
	item.Symbol = symbol

	if err := s.deps.Repo.UpsertWatchlistItem(c.Request.Context(), item); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to save watchlist item")
		return
	}

	s.publishWatchlistChanged(symbol, "updated")
	successResponse(c, item)
}

// handleRemoveWatchlistItem soft-deletes a row; order history survives.
func (s *Server) handleRemoveWatchlistItem(c *gin.Context) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))

	if err := s.deps.Repo.RemoveWatchlistItem(c.Request.Context(), symbol); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to remove watchlist item")
		return
	}

	s.publishWatchlistChanged(symbol, "removed")
	successResponse(c, gin.H{"symbol": symbol, "removed": true})
}

func (s *Server) publishWatchlistChanged(symbol, change string) {
	s.deps.EventBus.Publish(events.Event{
		Type:      events.EventWatchlistChanged,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"symbol": symbol,
			"change": change,
		},
	})
}

// handleGetSettings returns all runtime settings.
func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.deps.Repo.GetAllSettings(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to load settings")
		return
	}
	successResponse(c, settings)
}

// handleSetSetting writes one runtime setting. The monitor re-reads
// LIVE_TRADING at the start of its next cycle, so flipping it here takes
// effect without a restart.
func (s *Server) handleSetSetting(c *gin.Context) {
	key := strings.ToUpper(strings.TrimSpace(c.Param("key")))
	if key == "" {
		errorResponse(c, http.StatusBadRequest, "setting key is required")
		return
	}

	var body struct {
		Value string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "value is required")
		return
	}

	if err := s.deps.Repo.UpsertSetting(c.Request.Context(), key, body.Value); err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to save setting")
		return
	}

	successResponse(c, gin.H{"key": key, "value": body.Value})
}

// handleRunSLTPCheck triggers a protection sweep outside the hourly
// schedule and returns its report.
func (s *Server) handleRunSLTPCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	report, err := s.deps.Checker.Run(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "protection check failed: "+err.Error())
		return
	}
	successResponse(c, report)
}

// handleRunSync triggers an exchange reconcile outside the schedule.
func (s *Server) handleRunSync(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	stats, err := s.deps.Syncer.RunOnce(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, "sync failed: "+err.Error())
		return
	}
	successResponse(c, stats)
}

// telegramUpdate is the slice of Telegram's webhook payload we act on.
type telegramUpdate struct {
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// handleTelegramCallback serves the protection-reminder inline buttons.
// Telegram retries non-200 responses, so unknown payloads are acknowledged
// rather than rejected.
func (s *Server) handleTelegramCallback(c *gin.Context) {
	var update telegramUpdate
	if err := c.ShouldBindJSON(&update); err != nil || update.CallbackQuery == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	action, symbol := protect.ParseCallback(update.CallbackQuery.Data)
	if action == protect.ActionNone || symbol == "" {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if action == protect.ActionSkipReminder {
		if err := s.deps.Repo.SetSkipProtectionReminder(ctx, symbol, true); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to set skip flag")
			c.JSON(http.StatusOK, gin.H{"ok": false, "error": "failed to save"})
			return
		}
		s.logger.Info().Str("symbol", symbol).Msg("Protection reminders disabled via button")
		c.JSON(http.StatusOK, gin.H{"ok": true, "action": "skip", "symbol": symbol})
		return
	}

	result, err := s.createProtectionFromCallback(ctx, symbol, action)
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Callback protection failed")
		c.JSON(http.StatusOK, gin.H{"ok": false, "symbol": symbol, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"symbol":          symbol,
		"fully_protected": result.FullyProtected(),
	})
}

// createProtectionFromCallback resolves the current balance and watchlist
// settings, then asks the protective engine to cover the position.
func (s *Server) createProtectionFromCallback(ctx context.Context, symbol string,
	action protect.CallbackAction) (*protect.Result, error) {

	snap, err := s.deps.Portfolio.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	balance := decimal.NewFromFloat(snap.BaseBalance(symbols.BaseOf(symbol)))

	item, err := s.deps.Repo.GetWatchlistItem(ctx, symbol)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		item = nil // defaults apply
	}

	return s.deps.Protector.CreateForSymbol(ctx, symbol, balance, item, action.Selection())
}
