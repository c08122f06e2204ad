package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"crypto-trading-agent/internal/metrics"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifySignal      NotificationType = "signal"
	NotifyOrderPlaced NotificationType = "order_placed"
	NotifyProtection  NotificationType = "protection"
	NotifyUnprotected NotificationType = "unprotected"
	NotifyReconcile   NotificationType = "reconcile"
	NotifyError       NotificationType = "error"
	NotifyInfo        NotificationType = "info"
)

// Button is one inline keyboard button. CallbackData round-trips through
// the Telegram callback webhook.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Price     string
	Buttons   []Button
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to all enabled providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(ctx context.Context, notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(ctx, notification); err != nil {
				lastErr = err
			}
		}
	}
	if lastErr == nil {
		metrics.AlertsSent.WithLabelValues(string(notification.Type)).Inc()
	}
	return lastErr
}

// SendSignal sends a trading signal alert.
func (m *Manager) SendSignal(ctx context.Context, symbol, direction, price, note string) error {
	emoji := "🟢"
	if direction == "SELL" {
		emoji = "🔴"
	}
	msg := fmt.Sprintf("%s %s @ %s", direction, symbol, price)
	if note != "" {
		msg += "\n" + note
	}
	return m.Send(ctx, &Notification{
		Type:    NotifySignal,
		Title:   fmt.Sprintf("%s Signal: %s", emoji, symbol),
		Message: msg,
		Symbol:  symbol,
		Price:   price,
	})
}

// SendOrderPlaced reports a submitted entry order.
func (m *Manager) SendOrderPlaced(ctx context.Context, symbol, side, price, quantity, orderID string) error {
	return m.Send(ctx, &Notification{
		Type:  NotifyOrderPlaced,
		Title: fmt.Sprintf("📈 Order Placed: %s", symbol),
		Message: fmt.Sprintf("%s %s\nPrice: %s\nQuantity: %s\nOrder: %s",
			side, symbol, price, quantity, orderID),
		Symbol: symbol,
		Price:  price,
	})
}

// SendProtection reports the outcome of protective order placement. detail
// carries the SL/TP prices or the partial-failure description.
func (m *Manager) SendProtection(ctx context.Context, symbol, detail string, ok bool) error {
	emoji := "🛡️"
	if !ok {
		emoji = "⚠️"
	}
	return m.Send(ctx, &Notification{
		Type:    NotifyProtection,
		Title:   fmt.Sprintf("%s Protection: %s", emoji, symbol),
		Message: detail,
		Symbol:  symbol,
	})
}

// SendPositionCap tells the operator a BUY signal was suppressed because
// the symbol already holds the maximum number of open positions.
func (m *Manager) SendPositionCap(ctx context.Context, symbol string, open, max int) error {
	return m.Send(ctx, &Notification{
		Type:  NotifyInfo,
		Title: fmt.Sprintf("⛔ Position Cap: %s", symbol),
		Message: fmt.Sprintf("BUY signal suppressed: %d of %d positions already open.\nExisting protection stays active.",
			open, max),
		Symbol: symbol,
	})
}

// SendUnprotected alerts about an open lot with missing protection and
// offers one-tap repair buttons.
func (m *Manager) SendUnprotected(ctx context.Context, symbol, detail string, buttons []Button) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyUnprotected,
		Title:   fmt.Sprintf("🚨 Unprotected Position: %s", symbol),
		Message: detail,
		Symbol:  symbol,
		Buttons: buttons,
	})
}

// SendError sends an error notification
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Type:    NotifyError,
		Title:   fmt.Sprintf("⚠️ %s", title),
		Message: message,
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// MessageLog persists outbound messages before delivery so the dashboard
// can show what was sent even when Telegram is down.
type MessageLog interface {
	LogOutbound(ctx context.Context, chatID, kind, body string, buttons []Button) (int64, error)
	MarkDelivered(ctx context.Context, id int64, delivered bool, errText string) error
}

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
	baseURL  string
	log      MessageLog
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
	// BaseURL overrides the Telegram API endpoint, used by tests.
	BaseURL string
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
	}
}

// SetMessageLog enables write-ahead persistence of outbound messages.
func (t *TelegramNotifier) SetMessageLog(log MessageLog) {
	t.log = log
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(ctx context.Context, notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	var logID int64
	if t.log != nil {
		id, err := t.log.LogOutbound(ctx, t.chatID, string(notification.Type), message, notification.Buttons)
		if err == nil {
			logID = id
		}
	}

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}
	if len(notification.Buttons) > 0 {
		keyboard, err := json.Marshal(map[string]interface{}{
			"inline_keyboard": [][]Button{notification.Buttons},
		})
		if err == nil {
			payload["reply_markup"] = string(keyboard)
		}
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.markDelivered(ctx, logID, false, err.Error())
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.markDelivered(ctx, logID, false, fmt.Sprintf("status %d", resp.StatusCode))
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	t.markDelivered(ctx, logID, true, "")
	return nil
}

func (t *TelegramNotifier) markDelivered(ctx context.Context, logID int64, ok bool, errText string) {
	if t.log == nil || logID == 0 {
		return
	}
	_ = t.log.MarkDelivered(ctx, logID, ok, errText)
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(ctx context.Context, notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00
	if notification.Type == NotifyError || notification.Type == NotifyUnprotected {
		color = 0xFF0000
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.Symbol != "" {
		fields := []map[string]interface{}{
			{"name": "Symbol", "value": notification.Symbol, "inline": true},
		}
		if notification.Price != "" {
			fields = append(fields, map[string]interface{}{
				"name": "Price", "value": notification.Price, "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to build discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
