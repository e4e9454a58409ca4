package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system.
type EventType string

const (
	EventBarClosed         EventType = "BAR_CLOSED"
	EventPriceUpdate       EventType = "PRICE_UPDATE"
	EventStateChanged      EventType = "STATE_CHANGED"
	EventTradeExecuted     EventType = "TRADE_EXECUTED"
	EventEngineStarted     EventType = "ENGINE_STARTED"
	EventEngineStopped     EventType = "ENGINE_STOPPED"
	EventStreamConnected   EventType = "STREAM_CONNECTED"
	EventStreamReconnected EventType = "STREAM_RECONNECTED"
	EventError             EventType = "ERROR"
)

// Event represents a system event.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type.
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Dispatch runs on fresh
// goroutines so a slow subscriber never blocks the engine.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishBarClosed publishes a finalized bar event.
func (b *Bus) PublishBarClosed(symbol string, openTime int64, close float64) {
	b.Publish(Event{
		Type: EventBarClosed,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"open_time": openTime,
			"close":     close,
		},
	})
}

// PublishPriceUpdate publishes the latest streamed price.
func (b *Bus) PublishPriceUpdate(symbol string, price float64) {
	b.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}

// PublishStateChanged publishes an engine transition.
func (b *Bus) PublishStateChanged(from, to string, close float64) {
	b.Publish(Event{
		Type: EventStateChanged,
		Data: map[string]interface{}{
			"from":  from,
			"to":    to,
			"close": close,
		},
	})
}

// PublishTradeExecuted publishes one fill.
func (b *Bus) PublishTradeExecuted(symbol, side string, qty, price, fee, pnl float64) {
	b.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"symbol": symbol,
			"side":   side,
			"qty":    qty,
			"price":  price,
			"fee":    fee,
			"pnl":    pnl,
		},
	})
}

// PublishEngineState publishes an engine start or stop.
func (b *Bus) PublishEngineState(eventType EventType, state string) {
	b.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishStream publishes a stream connect or reconnect.
func (b *Bus) PublishStream(eventType EventType, symbol string) {
	b.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"symbol": symbol,
		},
	})
}

// PublishError publishes an error event.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
