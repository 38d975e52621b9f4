// internal/handler/event_bus.go
package handler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Gateway event types published on the bus
const (
	EventRFReceive    = "rf_receive"
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventLost         = "lost"

	// EventAll subscribes to every event type
	EventAll = "*"
)

// Event represents one gateway happening
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventBus fans gateway events out to subscribers. Publishing never
// blocks; slow subscribers miss events rather than stalling the
// dispatch goroutine.
type EventBus struct {
	subscribers map[string][]chan Event
	events      chan Event
	mutex       sync.RWMutex
	logger      *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan Event),
		events:      make(chan Event, 1000),
		logger:      logger.With(zap.String("component", "event_bus")),
		stopped:     make(chan struct{}),
	}
}

// Start launches the distribution loop
func (eb *EventBus) Start() {
	go eb.run()
}

// Stop shuts the bus down; events published afterwards are dropped
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() { close(eb.stopped) })
}

func (eb *EventBus) run() {
	for {
		select {
		case <-eb.stopped:
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// Publish publishes an event
func (eb *EventBus) Publish(eventType, source string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case <-eb.stopped:
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", eventType),
		)
	}
}

// Subscribe subscribes to events of a specific type, or EventAll for
// everything
func (eb *EventBus) Subscribe(eventType string) <-chan Event {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan Event, 100)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// Unsubscribe removes a channel previously returned by Subscribe, so a
// departed client no longer holds a slot in the fan-out list
func (eb *EventBus) Unsubscribe(eventType string, subscriber <-chan Event) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	channels := eb.subscribers[eventType]
	for i, channel := range channels {
		if channel == subscriber {
			eb.subscribers[eventType] = append(channels[:i], channels[i+1:]...)
			return
		}
	}
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event Event) {
	eb.mutex.RLock()
	subscribers := append([]chan Event{}, eb.subscribers[event.Type]...)
	subscribers = append(subscribers, eb.subscribers[EventAll]...)
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
