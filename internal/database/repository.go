package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"crypto-trading-agent/internal/orders"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// Repository satisfies the order store's persistence interface.
var _ orders.Repository = (*Repository)(nil)

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `
	exchange_order_id, client_oid, symbol, side, order_type, role, status,
	price, trigger_price, avg_price, quantity, cumulative_quantity, cumulative_value,
	parent_order_id, oco_group_id, source, status_reason, is_margin, leverage,
	exchange_create_time, exchange_update_time, created_at, updated_at
`

// UpsertOrder inserts or refreshes an order row keyed by exchange order id.
// Linkage and classification fields (role, parent_order_id, oco_group_id,
// source, status_reason) only move from empty to set: a bare exchange row
// arriving later must not strip what the engine recorded at placement.
func (r *Repository) UpsertOrder(ctx context.Context, o *orders.Order) error {
	query := `
		INSERT INTO orders (
			exchange_order_id, client_oid, symbol, side, order_type, role, status,
			price, trigger_price, avg_price, quantity, cumulative_quantity, cumulative_value,
			parent_order_id, oco_group_id, source, status_reason, is_margin, leverage,
			exchange_create_time, exchange_update_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (exchange_order_id) DO UPDATE SET
			client_oid = CASE WHEN EXCLUDED.client_oid <> '' THEN EXCLUDED.client_oid ELSE orders.client_oid END,
			order_type = EXCLUDED.order_type,
			role = CASE WHEN EXCLUDED.role <> '' THEN EXCLUDED.role ELSE orders.role END,
			status = EXCLUDED.status,
			price = EXCLUDED.price,
			trigger_price = EXCLUDED.trigger_price,
			avg_price = EXCLUDED.avg_price,
			quantity = EXCLUDED.quantity,
			cumulative_quantity = EXCLUDED.cumulative_quantity,
			cumulative_value = EXCLUDED.cumulative_value,
			parent_order_id = CASE WHEN EXCLUDED.parent_order_id <> '' THEN EXCLUDED.parent_order_id ELSE orders.parent_order_id END,
			oco_group_id = CASE WHEN EXCLUDED.oco_group_id <> '' THEN EXCLUDED.oco_group_id ELSE orders.oco_group_id END,
			source = CASE WHEN EXCLUDED.source <> '' THEN EXCLUDED.source ELSE orders.source END,
			status_reason = CASE WHEN EXCLUDED.status_reason <> '' THEN EXCLUDED.status_reason ELSE orders.status_reason END,
			is_margin = orders.is_margin OR EXCLUDED.is_margin,
			leverage = CASE WHEN EXCLUDED.leverage <> 0 THEN EXCLUDED.leverage ELSE orders.leverage END,
			exchange_update_time = EXCLUDED.exchange_update_time
	`
	updateTime := o.ExchangeUpdateTime
	if updateTime.IsZero() {
		updateTime = o.ExchangeCreateTime
	}
	_, err := r.db.Pool.Exec(
		ctx, query,
		o.ExchangeOrderID, o.ClientOID, o.Symbol, o.Side, o.Type, o.Role, o.Status,
		o.Price, o.TriggerPrice, o.AvgPrice, o.Quantity, o.CumulativeQuantity, o.CumulativeValue,
		o.ParentOrderID, o.OCOGroupID, o.Source, o.StatusReason, o.IsMargin, o.Leverage,
		o.ExchangeCreateTime, updateTime,
	)
	return err
}

// GetOrder retrieves an order by exchange order id.
func (r *Repository) GetOrder(ctx context.Context, exchangeOrderID string) (*orders.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE exchange_order_id = $1`
	o, err := r.scanOrderRow(r.db.Pool.QueryRow(ctx, query, exchangeOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, orders.ErrOrderNotFound
	}
	return o, err
}

// ListOrdersByStatus returns orders for the given symbols in any of the
// given statuses, oldest first.
func (r *Repository) ListOrdersByStatus(ctx context.Context, syms []string, statuses []orders.Status) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = ANY($1) AND status = ANY($2)
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, syms, statusStrings(statuses))
}

// ListOrdersBySideSince returns orders on one side created at or after the
// cutoff, oldest first.
func (r *Repository) ListOrdersBySideSince(ctx context.Context, syms []string, side orders.Side, since time.Time) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = ANY($1) AND side = $2 AND exchange_create_time >= $3
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, syms, side, since)
}

// ListFilledOrdersFIFO returns filled orders on one side in strict
// first-in-first-out order, which the lot matcher depends on.
func (r *Repository) ListFilledOrdersFIFO(ctx context.Context, syms []string, side orders.Side) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE symbol = ANY($1) AND side = $2 AND status = 'FILLED'
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, syms, side)
}

// ListOrdersByOCOGroup returns all orders sharing one OCO group id.
func (r *Repository) ListOrdersByOCOGroup(ctx context.Context, ocoGroupID string) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE oco_group_id = $1 AND oco_group_id <> ''
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, ocoGroupID)
}

// ListOrdersByParent returns the protective children of an entry order.
func (r *Repository) ListOrdersByParent(ctx context.Context, parentOrderID string) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE parent_order_id = $1 AND parent_order_id <> ''
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, parentOrderID)
}

// ListActiveOrders returns every order in a non-terminal status.
func (r *Repository) ListActiveOrders(ctx context.Context) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = ANY($1)
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, statusStrings(orders.ActiveStatuses))
}

// ListProtectiveOrders returns stop-loss and take-profit orders in any of
// the given statuses.
func (r *Repository) ListProtectiveOrders(ctx context.Context, statuses []orders.Status) ([]*orders.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE role IN ($1, $2) AND status = ANY($3)
		ORDER BY exchange_create_time ASC, exchange_order_id ASC
	`
	return r.queryOrders(ctx, query, orders.RoleStopLoss, orders.RoleTakeProfit, statusStrings(statuses))
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*orders.Order, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*orders.Order
	for rows.Next() {
		o, err := r.scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (r *Repository) scanOrderRow(row pgx.Row) (*orders.Order, error) {
	o := &orders.Order{}
	err := row.Scan(
		&o.ExchangeOrderID, &o.ClientOID, &o.Symbol, &o.Side, &o.Type, &o.Role, &o.Status,
		&o.Price, &o.TriggerPrice, &o.AvgPrice, &o.Quantity, &o.CumulativeQuantity, &o.CumulativeValue,
		&o.ParentOrderID, &o.OCOGroupID, &o.Source, &o.StatusReason, &o.IsMargin, &o.Leverage,
		&o.ExchangeCreateTime, &o.ExchangeUpdateTime, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func statusStrings(statuses []orders.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// ============================================================================
// WATCHLIST
// ============================================================================

const watchlistColumns = `
	id, symbol, enabled, trade_amount_usd, protection_mode, sl_percentage, tp_percentage,
	min_price_change_pct, buy_target, purchase_price, strategy_type, risk_approach,
	use_margin, leverage, alerts_enabled, skip_protection_reminder, is_deleted, notes,
	added_at, updated_at
`

// ListWatchlist returns every non-deleted watchlist row ordered by symbol.
func (r *Repository) ListWatchlist(ctx context.Context) ([]*WatchlistItem, error) {
	query := `SELECT ` + watchlistColumns + ` FROM watchlist_items WHERE NOT is_deleted ORDER BY symbol`
	return r.queryWatchlist(ctx, query)
}

// ListMonitoredWatchlist returns the rows the monitor processes this cycle:
// alerts on and not soft-deleted. Re-queried every tick so dashboard edits
// take effect immediately.
func (r *Repository) ListMonitoredWatchlist(ctx context.Context) ([]*WatchlistItem, error) {
	query := `SELECT ` + watchlistColumns + ` FROM watchlist_items WHERE alerts_enabled AND NOT is_deleted ORDER BY symbol`
	return r.queryWatchlist(ctx, query)
}

// GetWatchlistItem retrieves one watchlist row by symbol.
func (r *Repository) GetWatchlistItem(ctx context.Context, symbol string) (*WatchlistItem, error) {
	query := `SELECT ` + watchlistColumns + ` FROM watchlist_items WHERE symbol = $1`
	item := &WatchlistItem{}
	err := r.db.Pool.QueryRow(ctx, query, symbol).Scan(
		&item.ID, &item.Symbol, &item.Enabled, &item.TradeAmountUSD, &item.ProtectionMode,
		&item.SLPercentage, &item.TPPercentage, &item.MinPriceChangePct, &item.BuyTarget,
		&item.PurchasePrice, &item.StrategyType, &item.RiskApproach, &item.UseMargin,
		&item.Leverage, &item.AlertsEnabled, &item.SkipProtectionReminder, &item.IsDeleted,
		&item.Notes, &item.AddedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpsertWatchlistItem creates or updates a watchlist row by symbol.
func (r *Repository) UpsertWatchlistItem(ctx context.Context, item *WatchlistItem) error {
	query := `
		INSERT INTO watchlist_items (
			symbol, enabled, trade_amount_usd, protection_mode, sl_percentage, tp_percentage,
			min_price_change_pct, buy_target, purchase_price, strategy_type, risk_approach,
			use_margin, leverage, alerts_enabled, skip_protection_reminder, is_deleted, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (symbol) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			trade_amount_usd = EXCLUDED.trade_amount_usd,
			protection_mode = EXCLUDED.protection_mode,
			sl_percentage = EXCLUDED.sl_percentage,
			tp_percentage = EXCLUDED.tp_percentage,
			min_price_change_pct = EXCLUDED.min_price_change_pct,
			buy_target = EXCLUDED.buy_target,
			purchase_price = EXCLUDED.purchase_price,
			strategy_type = EXCLUDED.strategy_type,
			risk_approach = EXCLUDED.risk_approach,
			use_margin = EXCLUDED.use_margin,
			leverage = EXCLUDED.leverage,
			alerts_enabled = EXCLUDED.alerts_enabled,
			skip_protection_reminder = EXCLUDED.skip_protection_reminder,
			is_deleted = EXCLUDED.is_deleted,
			notes = EXCLUDED.notes
		RETURNING id, added_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		item.Symbol, item.Enabled, item.TradeAmountUSD, item.ProtectionMode,
		item.SLPercentage, item.TPPercentage, item.MinPriceChangePct, item.BuyTarget,
		item.PurchasePrice, item.StrategyType, item.RiskApproach, item.UseMargin,
		item.Leverage, item.AlertsEnabled, item.SkipProtectionReminder, item.IsDeleted, item.Notes,
	).Scan(&item.ID, &item.AddedAt, &item.UpdatedAt)
}

// SetSkipProtectionReminder flips the per-symbol opt-out used by the
// protection checker's Telegram buttons.
func (r *Repository) SetSkipProtectionReminder(ctx context.Context, symbol string, skip bool) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE watchlist_items SET skip_protection_reminder = $2 WHERE symbol = $1`, symbol, skip)
	return err
}

// RemoveWatchlistItem soft-deletes a watchlist row. History queries and
// protection settings survive; the monitor stops processing the symbol.
func (r *Repository) RemoveWatchlistItem(ctx context.Context, symbol string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE watchlist_items SET is_deleted = TRUE, enabled = FALSE, alerts_enabled = FALSE WHERE symbol = $1`,
		symbol)
	return err
}

func (r *Repository) queryWatchlist(ctx context.Context, query string, args ...interface{}) ([]*WatchlistItem, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*WatchlistItem
	for rows.Next() {
		item := &WatchlistItem{}
		err := rows.Scan(
			&item.ID, &item.Symbol, &item.Enabled, &item.TradeAmountUSD, &item.ProtectionMode,
			&item.SLPercentage, &item.TPPercentage, &item.MinPriceChangePct, &item.BuyTarget,
			&item.PurchasePrice, &item.StrategyType, &item.RiskApproach, &item.UseMargin,
			&item.Leverage, &item.AlertsEnabled, &item.SkipProtectionReminder, &item.IsDeleted,
			&item.Notes, &item.AddedAt, &item.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ============================================================================
// SIGNAL EVENTS
// ============================================================================

// InsertSignalEvent appends one row to the decision audit trail.
func (r *Repository) InsertSignalEvent(ctx context.Context, ev *SignalEvent) error {
	query := `
		INSERT INTO signal_events (symbol, direction, price, action, detail)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		ev.Symbol, ev.Direction, ev.Price, ev.Action, ev.Detail,
	).Scan(&ev.ID, &ev.CreatedAt)
}

// ListRecentSignalEvents returns the newest events first.
func (r *Repository) ListRecentSignalEvents(ctx context.Context, limit int) ([]*SignalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, symbol, direction, price, action, detail, created_at
		FROM signal_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SignalEvent
	for rows.Next() {
		ev := &SignalEvent{}
		if err := rows.Scan(&ev.ID, &ev.Symbol, &ev.Direction, &ev.Price, &ev.Action, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ============================================================================
// TELEGRAM MESSAGES
// ============================================================================

// InsertTelegramMessage logs an outbound notification before delivery.
func (r *Repository) InsertTelegramMessage(ctx context.Context, msg *TelegramMessage) error {
	var buttons interface{}
	if len(msg.Buttons) > 0 {
		buttons = json.RawMessage(msg.Buttons)
	}
	query := `
		INSERT INTO telegram_messages (chat_id, kind, body, buttons, delivered, error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		msg.ChatID, msg.Kind, msg.Body, buttons, msg.Delivered, msg.Error,
	).Scan(&msg.ID, &msg.CreatedAt)
}

// MarkTelegramDelivered records the delivery outcome of a logged message.
func (r *Repository) MarkTelegramDelivered(ctx context.Context, id int64, delivered bool, errText string) error {
	var errVal *string
	if errText != "" {
		errVal = &errText
	}
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE telegram_messages SET delivered = $2, error = $3 WHERE id = $1`,
		id, delivered, errVal)
	return err
}

// ListRecentTelegramMessages returns the newest messages first.
func (r *Repository) ListRecentTelegramMessages(ctx context.Context, limit int) ([]*TelegramMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, chat_id, kind, body, buttons, delivered, error, created_at
		FROM telegram_messages
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*TelegramMessage
	for rows.Next() {
		msg := &TelegramMessage{}
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Kind, &msg.Body, &msg.Buttons, &msg.Delivered, &msg.Error, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ============================================================================
// TRADING SETTINGS
// ============================================================================

// GetSetting retrieves a single runtime setting. Missing keys return an
// empty value and found=false rather than an error.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx,
		`SELECT value FROM trading_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// GetAllSettings retrieves every runtime setting as a map.
func (r *Repository) GetAllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT key, value FROM trading_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// UpsertSetting creates or updates a runtime setting.
func (r *Repository) UpsertSetting(ctx context.Context, key, value string) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO trading_settings (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		key, value, time.Now())
	return err
}

// DeleteSetting removes a runtime setting.
func (r *Repository) DeleteSetting(ctx context.Context, key string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM trading_settings WHERE key = $1`, key)
	return err
}
