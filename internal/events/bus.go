// Package events carries the engine's outbound lifecycle events. The core
// publishes structured messages; consumers (notification, metrics) decide
// formatting and delivery.
package events

import (
	"sync"
	"time"
)

// EventType represents the lifecycle events the engine emits.
type EventType string

const (
	EventSignalReceived   EventType = "SIGNAL_RECEIVED"
	EventSignalRejected   EventType = "SIGNAL_REJECTED"
	EventSignalSkipped    EventType = "SIGNAL_SKIPPED"
	EventGateVeto         EventType = "GATE_VETO"
	EventEntryPlaced      EventType = "ENTRY_PLACED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventOrderUnknown     EventType = "ORDER_UNKNOWN"
	EventOrderClosed      EventType = "ORDER_CLOSED"
	EventStopTrailed      EventType = "STOP_TRAILED"
	EventRecoveryStarted  EventType = "RECOVERY_STARTED"
	EventChainCompleted   EventType = "CHAIN_COMPLETED"
	EventChainAborted     EventType = "CHAIN_ABORTED"
	EventContinuationSet  EventType = "CONTINUATION_SET"
	EventPyramidEscalated EventType = "PYRAMID_ESCALATED"
	EventBranchPruned     EventType = "BRANCH_PRUNED"
	EventSafetyDenied     EventType = "SAFETY_DENIED"
	EventSafetyLockout    EventType = "SAFETY_LOCKOUT"
	EventEngineStarted    EventType = "ENGINE_STARTED"
	EventEngineStopped    EventType = "ENGINE_STOPPED"
	EventError            EventType = "ERROR"
)

// Event is a system event with free-form structured data.
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

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
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

// Publish sends an event to all subscribers. Handlers run in their own
// goroutines so publishers never block.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishEntryPlaced reports a new entry order.
func (b *Bus) PublishEntryPlaced(orderID, symbol, direction, role string, entry, sl, tp, lot float64) {
	b.Publish(Event{
		Type: EventEntryPlaced,
		Data: map[string]interface{}{
			"order_id":  orderID,
			"symbol":    symbol,
			"direction": direction,
			"role":      role,
			"entry":     entry,
			"sl":        sl,
			"tp":        tp,
			"lot":       lot,
		},
	})
}

// PublishOrderClosed reports a terminal order close.
func (b *Bus) PublishOrderClosed(orderID, symbol, reason string, pnl float64) {
	b.Publish(Event{
		Type: EventOrderClosed,
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"reason":   reason,
			"pnl":      pnl,
		},
	})
}

// PublishRecoveryStarted reports an SL-hunt recovery order.
func (b *Bus) PublishRecoveryStarted(chainID, orderID, symbol string, level int) {
	b.Publish(Event{
		Type: EventRecoveryStarted,
		Data: map[string]interface{}{
			"chain_id": chainID,
			"order_id": orderID,
			"symbol":   symbol,
			"level":    level,
		},
	})
}

// PublishPyramidEscalated reports a profit-booking level escalation.
func (b *Bus) PublishPyramidEscalated(chainID, symbol string, level, orders int) {
	b.Publish(Event{
		Type: EventPyramidEscalated,
		Data: map[string]interface{}{
			"chain_id": chainID,
			"symbol":   symbol,
			"level":    level,
			"orders":   orders,
		},
	})
}

// PublishSafetyDenied reports a governor denial.
func (b *Bus) PublishSafetyDenied(family, reason string) {
	b.Publish(Event{
		Type: EventSafetyDenied,
		Data: map[string]interface{}{
			"family": family,
			"reason": reason,
		},
	})
}

// PublishError reports a failure with its source.
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
