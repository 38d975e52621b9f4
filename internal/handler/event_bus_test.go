package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) *EventBus {
	t.Helper()
	bus := NewEventBus(zap.NewNop())
	bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func receiveEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestEventBus_TypedSubscription(t *testing.T) {
	bus := newTestBus(t)
	rf := bus.Subscribe(EventRFReceive)

	bus.Publish(EventRFReceive, "gateway", map[string]interface{}{"protocol": "switch1"})

	event := receiveEvent(t, rf)
	assert.Equal(t, EventRFReceive, event.Type)
	assert.Equal(t, "gateway", event.Source)
	assert.Equal(t, "switch1", event.Data["protocol"])
	assert.False(t, event.Timestamp.IsZero())
}

func TestEventBus_SubscriberOnlySeesItsType(t *testing.T) {
	bus := newTestBus(t)
	rf := bus.Subscribe(EventRFReceive)

	bus.Publish(EventConnected, "gateway", nil)

	select {
	case event := <-rf:
		t.Fatalf("unexpected event: %v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBus_WildcardSubscription(t *testing.T) {
	bus := newTestBus(t)
	all := bus.Subscribe(EventAll)

	bus.Publish(EventConnected, "gateway", nil)
	bus.Publish(EventRFReceive, "gateway", nil)

	assert.Equal(t, EventConnected, receiveEvent(t, all).Type)
	assert.Equal(t, EventRFReceive, receiveEvent(t, all).Type)
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := newTestBus(t)
	gone := bus.Subscribe(EventRFReceive)
	kept := bus.Subscribe(EventRFReceive)

	bus.Unsubscribe(EventRFReceive, gone)
	bus.Publish(EventRFReceive, "gateway", nil)

	assert.Equal(t, EventRFReceive, receiveEvent(t, kept).Type)
	select {
	case event := <-gone:
		t.Fatalf("unexpected event after unsubscribe: %v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBus_PublishAfterStopIsDropped(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	bus.Start()
	bus.Stop()

	// Must not panic or block
	bus.Publish(EventConnected, "gateway", nil)
}
