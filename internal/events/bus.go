package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalProcessed    EventType = "SIGNAL_PROCESSED"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventOrderCancelled     EventType = "ORDER_CANCELLED"
	EventProtectionCreated  EventType = "PROTECTION_CREATED"
	EventProtectionFailed   EventType = "PROTECTION_FAILED"
	EventUnprotectedLot     EventType = "UNPROTECTED_LOT"
	EventGuardrailBlocked   EventType = "GUARDRAIL_BLOCKED"
	EventReconcileCompleted EventType = "RECONCILE_COMPLETED"
	EventEquityUpdate       EventType = "EQUITY_UPDATE"
	EventWatchlistChanged   EventType = "WATCHLIST_CHANGED"
	EventAgentStarted       EventType = "AGENT_STARTED"
	EventAgentStopped       EventType = "AGENT_STOPPED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run on their own
// goroutines so a slow consumer cannot stall a trading loop.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderPlaced publishes an entry order placement.
func (eb *EventBus) PublishOrderPlaced(symbol, side, price, quantity, orderID string, dryRun bool) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"price":    price,
			"quantity": quantity,
			"order_id": orderID,
			"dry_run":  dryRun,
		},
	})
}

// PublishOrderFilled publishes a fill observed on the exchange.
func (eb *EventBus) PublishOrderFilled(symbol, side, avgPrice, quantity, orderID string) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"side":      side,
			"avg_price": avgPrice,
			"quantity":  quantity,
			"order_id":  orderID,
		},
	})
}

// PublishProtectionCreated publishes a completed protective order pair.
func (eb *EventBus) PublishProtectionCreated(symbol, parentOrderID, ocoGroupID, slPrice, tpPrice string) {
	eb.Publish(Event{
		Type: EventProtectionCreated,
		Data: map[string]interface{}{
			"symbol":       symbol,
			"parent_id":    parentOrderID,
			"oco_group_id": ocoGroupID,
			"sl_price":     slPrice,
			"tp_price":     tpPrice,
		},
	})
}

// PublishGuardrailBlocked publishes a rejected order intent.
func (eb *EventBus) PublishGuardrailBlocked(symbol, rule, detail string) {
	eb.Publish(Event{
		Type: EventGuardrailBlocked,
		Data: map[string]interface{}{
			"symbol": symbol,
			"rule":   rule,
			"detail": detail,
		},
	})
}

// PublishError publishes a component error.
func (eb *EventBus) PublishError(source string, err error) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source": source,
			"error":  err.Error(),
		},
	})
}
