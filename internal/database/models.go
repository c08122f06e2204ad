package database

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Protection mode constants for watchlist items. Explicit sl_percentage /
// tp_percentage overrides take precedence over the mode defaults.
const (
	ProtectionConservative = "conservative" // 3% SL / 3% TP
	ProtectionAggressive   = "aggressive"   // 2% SL / 2% TP
)

// WatchlistItem is one monitored symbol. The monitor re-reads all enabled
// rows at the start of every cycle, so edits take effect without a restart.
type WatchlistItem struct {
	ID                     int                 `json:"id"`
	Symbol                 string              `json:"symbol"`
	Enabled                bool                `json:"enabled"`
	TradeAmountUSD         decimal.Decimal     `json:"trade_amount_usd"`
	ProtectionMode         string              `json:"protection_mode"`
	SLPercentage           decimal.NullDecimal `json:"sl_percentage"`
	TPPercentage           decimal.NullDecimal `json:"tp_percentage"`
	MinPriceChangePct      decimal.NullDecimal `json:"min_price_change_pct"`
	BuyTarget              decimal.NullDecimal `json:"buy_target"`
	PurchasePrice          decimal.NullDecimal `json:"purchase_price"`
	StrategyType           string              `json:"strategy_type"`
	RiskApproach           string              `json:"risk_approach"`
	UseMargin              bool                `json:"use_margin"`
	Leverage               int                 `json:"leverage"`
	AlertsEnabled          bool                `json:"alerts_enabled"`
	SkipProtectionReminder bool                `json:"skip_protection_reminder"`
	IsDeleted              bool                `json:"is_deleted"`
	Notes                  *string             `json:"notes,omitempty"`
	AddedAt                time.Time           `json:"added_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// Signal event actions
const (
	SignalActionOrdered    = "ordered"
	SignalActionBlocked    = "blocked"
	SignalActionAlerted    = "alerted"
	SignalActionSuppressed = "suppressed"
	SignalActionStateOnly  = "state_only"
	SignalActionError      = "error"
)

// SignalEvent is one row of the monitor's decision audit trail.
type SignalEvent struct {
	ID        int64           `json:"id"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"`
	Price     decimal.Decimal `json:"price"`
	Action    string          `json:"action"`
	Detail    *string         `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TelegramMessage is a persisted copy of an outbound notification.
type TelegramMessage struct {
	ID        int64           `json:"id"`
	ChatID    string          `json:"chat_id"`
	Kind      string          `json:"kind"`
	Body      string          `json:"body"`
	Buttons   json.RawMessage `json:"buttons,omitempty"`
	Delivered bool            `json:"delivered"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Setting is one key/value runtime setting.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
