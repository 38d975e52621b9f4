// internal/gateway/callbacks.go
package gateway

import (
	"sync"

	"go.uber.org/zap"

	"homeduino-service/internal/rfcodec"
)

// RFReceiveCallback observes decoded RF matches for one protocol
type RFReceiveCallback func(match rfcodec.Match)

// DigitalCallback observes digital pin level changes
type DigitalCallback func(pin int, value bool)

// AnalogCallback observes analog pin value changes
type AnalogCallback func(pin int, value int)

// DHTCallback observes DHT sensor reading changes
type DHTCallback func(pin int, temperature, humidity float64)

// callbackRegistry is an ordered, per-key collection of observers.
// Registration order is preserved and duplicates are allowed; every
// registered callback for a key is invoked on dispatch.
type callbackRegistry[K comparable, F any] struct {
	mutex   sync.RWMutex
	entries map[K][]F
}

func newCallbackRegistry[K comparable, F any]() *callbackRegistry[K, F] {
	return &callbackRegistry[K, F]{
		entries: make(map[K][]F),
	}
}

// add appends a callback for the key
func (r *callbackRegistry[K, F]) add(key K, callback F) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.entries[key] = append(r.entries[key], callback)
}

// get returns a snapshot of the callbacks for the key, in registration order
func (r *callbackRegistry[K, F]) get(key K) []F {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	callbacks := r.entries[key]
	if len(callbacks) == 0 {
		return nil
	}
	snapshot := make([]F, len(callbacks))
	copy(snapshot, callbacks)
	return snapshot
}

// keys returns every key with at least one registered callback
func (r *callbackRegistry[K, F]) keys() []K {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	keys := make([]K, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return keys
}

// empty reports whether nothing is registered at all
func (r *callbackRegistry[K, F]) empty() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.entries) == 0
}

// safeInvoke shields dispatch from a panicking observer so one failing
// callback does not block the others
func safeInvoke(logger *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
