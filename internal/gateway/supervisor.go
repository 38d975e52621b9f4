// internal/gateway/supervisor.go
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"homeduino-service/internal/protocol"
)

// supervisor is the background liveness loop: it reconnects a dropped
// link, polls registered digital/analog/DHT inputs with change
// detection, and pings the device when the line has been idle past the
// ping interval. Every iteration is shielded against unexpected errors
// so the loop self-heals; cancellation is observed within one sleep
// granularity.
type supervisor struct {
	client *Client
	logger *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// last observed values, mutated only by the polling loop
	digitalState map[int]bool
	analogState  map[int]int
	dhtState     map[int]dhtReading

	lastDHTRead  time.Time
	pingFailures int
}

func newSupervisor(client *Client, logger *zap.Logger) *supervisor {
	return &supervisor{
		client:       client,
		logger:       logger.With(zap.String("component", "supervisor")),
		done:         make(chan struct{}),
		digitalState: make(map[int]bool),
		analogState:  make(map[int]int),
		dhtState:     make(map[int]dhtReading),
	}
}

// start launches the loop
func (s *supervisor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// stop cancels the loop and waits for it to exit, up to wait. It reports
// whether the loop acknowledged the cancellation in time.
func (s *supervisor) stop(wait time.Duration) bool {
	s.cancel()
	select {
	case <-s.done:
		return true
	case <-time.After(wait):
		return false
	}
}

func (s *supervisor) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("Liveness supervisor started",
		zap.Duration("ping_interval", s.client.config.Gateway.PingInterval),
	)

	for {
		polled := s.iterate(ctx)
		if ctx.Err() != nil {
			s.logger.Info("Liveness supervisor stopped")
			return
		}

		sleep := s.client.config.Polling.IdleSleep
		if polled {
			sleep = s.client.config.Polling.BusySleep
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Liveness supervisor stopped")
			return
		case <-time.After(sleep):
		}
	}
}

// iterate runs one supervision pass and reports whether any input was
// polled (which selects the shorter sleep)
func (s *supervisor) iterate(ctx context.Context) (polled bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Supervisor iteration panicked", zap.Any("panic", r))
		}
	}()

	if !s.client.Connected() {
		if _, err := s.client.reconnect(ctx); err != nil {
			s.logger.Warn("Reconnect attempt failed", zap.Error(err))
		}
		return false
	}

	polled = s.pollDigital(ctx) || polled
	polled = s.pollAnalog(ctx) || polled
	polled = s.pollDHT(ctx) || polled

	s.checkLiveness(ctx)
	return polled
}

// pollDigital reads every registered digital input pin and dispatches on
// level change
func (s *supervisor) pollDigital(ctx context.Context) bool {
	pins := s.client.digitalCallbacks.keys()
	for _, pin := range pins {
		value, err := s.client.DigitalRead(ctx, pin)
		if err != nil {
			s.countError("digital read", pin, err)
			continue
		}

		previous, known := s.digitalState[pin]
		if known && previous == value {
			continue
		}
		s.digitalState[pin] = value

		for _, callback := range s.client.digitalCallbacks.get(pin) {
			cb := callback
			safeInvoke(s.logger, func() { cb(pin, value) })
		}
	}
	return len(pins) > 0
}

// pollAnalog reads every registered analog input pin and dispatches on
// value change
func (s *supervisor) pollAnalog(ctx context.Context) bool {
	pins := s.client.analogCallbacks.keys()
	for _, pin := range pins {
		value, err := s.client.AnalogRead(ctx, pin)
		if err != nil {
			s.countError("analog read", pin, err)
			continue
		}

		previous, known := s.analogState[pin]
		if known && previous == value {
			continue
		}
		s.analogState[pin] = value

		for _, callback := range s.client.analogCallbacks.get(pin) {
			cb := callback
			safeInvoke(s.logger, func() { cb(pin, value) })
		}
	}
	return len(pins) > 0
}

// pollDHT reads every registered DHT pin at most once per DHT read
// interval, dispatching only valid readings that changed
func (s *supervisor) pollDHT(ctx context.Context) bool {
	pins := s.client.dhtCallbacks.keys()
	if len(pins) == 0 {
		return false
	}
	if time.Since(s.lastDHTRead) < s.client.config.Polling.DHTReadInterval {
		return false
	}
	s.lastDHTRead = time.Now()

	for _, pin := range pins {
		s.client.mutex.Lock()
		sensorType := s.client.dhtTypes[pin]
		s.client.mutex.Unlock()

		temperature, humidity, err := s.client.ReadDHT(ctx, sensorType, pin)
		if err != nil {
			s.countError("DHT read", pin, err)
			continue
		}

		reading := dhtReading{temperature: temperature, humidity: humidity}
		if previous, known := s.dhtState[pin]; known && previous == reading {
			continue
		}
		s.dhtState[pin] = reading

		for _, callback := range s.client.dhtCallbacks.get(pin) {
			cb := callback
			safeInvoke(s.logger, func() { cb(pin, temperature, humidity) })
		}
	}
	return true
}

// checkLiveness pings the device when nothing has been heard for a full
// ping interval. Crossing the failure threshold is logged, not acted on;
// reconnecting stays the job of the connectivity check at the top of the
// next iteration.
func (s *supervisor) checkLiveness(ctx context.Context) {
	interval := s.client.config.Gateway.PingInterval
	last := s.client.LastMessageAt()
	if !last.IsZero() && time.Since(last) <= interval {
		return
	}

	if err := s.client.Ping(ctx); err != nil {
		s.pingFailures++
		s.logger.Warn("Gateway ping failed",
			zap.Int("failures", s.pingFailures),
			zap.Error(err),
		)
		if s.pingFailures > s.client.config.Gateway.AllowedPingFailures {
			s.logger.Error("Gateway unresponsive past failure threshold",
				zap.Int("failures", s.pingFailures),
			)
		}
		return
	}
	s.pingFailures = 0
}

// countError folds a polling error into the failure counter when it is a
// response timeout; anything else is logged and the loop continues
func (s *supervisor) countError(operation string, pin int, err error) {
	if errors.Is(err, protocol.ErrResponseTimeout) {
		s.pingFailures++
		s.logger.Warn("Polling timed out",
			zap.String("operation", operation),
			zap.Int("pin", pin),
			zap.Int("failures", s.pingFailures),
		)
		return
	}
	s.logger.Warn("Polling failed",
		zap.String("operation", operation),
		zap.Int("pin", pin),
		zap.Error(err),
	)
}
