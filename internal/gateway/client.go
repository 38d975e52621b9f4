// internal/gateway/client.go
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"homeduino-service/internal/config"
	"homeduino-service/internal/protocol"
	"homeduino-service/internal/rfcodec"
	"homeduino-service/internal/transport"
	"homeduino-service/internal/utils"
)

// PinMode is the Arduino pin mode written with the PM command
type PinMode int

const (
	PinModeInput       PinMode = 0
	PinModeOutput      PinMode = 1
	PinModeInputPullup PinMode = 2
)

// DHTType selects the sensor family for DHT reads
type DHTType int

const (
	DHT11 DHTType = 11
	DHT22 DHTType = 22
)

// dhtReading is the cached (temperature, humidity) pair for one DHT pin
type dhtReading struct {
	temperature float64
	humidity    float64
}

// Client is the driver for one Homeduino gateway. It owns the transport,
// the protocol engine, the callback registries and the liveness
// supervisor; exactly one live connection exists per client, and
// reconnection destroys and recreates it.
//
// Callbacks are dispatched on the reader goroutine in line order and must
// not issue gateway commands synchronously, or they will starve the
// response router.
type Client struct {
	config  *config.Config
	codec   rfcodec.Codec
	factory transport.Factory
	logger  *zap.Logger
	glog    *utils.GatewayLogger

	mutex  sync.Mutex
	engine *protocol.Engine

	rfCallbacks      *callbackRegistry[string, RFReceiveCallback]
	digitalCallbacks *callbackRegistry[int, DigitalCallback]
	analogCallbacks  *callbackRegistry[int, AnalogCallback]
	dhtCallbacks     *callbackRegistry[int, DHTCallback]

	// pinModes holds the mode every registered digital/DHT pin needs on
	// the device. Registration while disconnected defers the PM command;
	// Connect replays the whole map after the ready handshake.
	pinModes map[int]PinMode
	dhtTypes map[int]DHTType

	// pacer state for RF transmit commands
	rfLastSend time.Time
	rfSendLock sync.Mutex

	supervisor *supervisor

	// eventSink, when set, observes connection lifecycle events
	eventSink func(eventType string, data map[string]any)
}

// Connection lifecycle event types reported to the event sink
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventLost         = "lost"
)

// NewClient creates a gateway client. The factory defaults to the serial
// transport; tests substitute an in-memory stream.
func NewClient(cfg *config.Config, codec rfcodec.Codec, logger *zap.Logger, factory transport.Factory) *Client {
	if factory == nil {
		factory = transport.Open
	}
	return &Client{
		config:           cfg,
		codec:            codec,
		factory:          factory,
		logger:           logger.With(zap.String("component", "gateway")),
		glog:             utils.NewGatewayLogger(logger, cfg.Serial.Port),
		rfCallbacks:      newCallbackRegistry[string, RFReceiveCallback](),
		digitalCallbacks: newCallbackRegistry[int, DigitalCallback](),
		analogCallbacks:  newCallbackRegistry[int, AnalogCallback](),
		dhtCallbacks:     newCallbackRegistry[int, DHTCallback](),
		pinModes:         make(map[int]PinMode),
		dhtTypes:         make(map[int]DHTType),
	}
}

// Connect opens the transport and performs the ready handshake. It
// returns true when a fresh connection was established, false as a no-op
// when already connected, and false with a nil error when the transport
// could not be opened (callers treat that as "not connected", not fatal).
// A device that never signals ready and never answers the ping probe
// yields ErrResponseTimeout.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	c.mutex.Lock()
	if c.engine != nil {
		c.mutex.Unlock()
		return false, nil
	}

	stream, err := c.factory(ctx, &c.config.Serial, c.logger)
	if err != nil {
		c.mutex.Unlock()
		c.glog.LogConnection("connect", false, err)
		return false, nil
	}

	engine := protocol.NewEngine(stream, protocol.Config{
		ResponseTimeout: c.config.Gateway.ResponseTimeout,
		BusyTimeout:     c.config.Gateway.BusyTimeout,
	}, protocol.Events{
		OnRFReceive: c.handleRFReceive,
		OnClosed: func(err error) {
			if err != nil {
				c.glog.LogConnection("lost", false, err)
				c.notify(EventLost, map[string]any{"error": err.Error()})
			}
		},
	}, c.logger)

	c.engine = engine
	c.mutex.Unlock()

	engine.Start()

	if err := c.awaitReady(ctx, engine); err != nil {
		c.teardown(engine)
		return false, err
	}

	if err := c.configureReceiveInterrupt(ctx, engine); err != nil {
		c.teardown(engine)
		return false, err
	}

	c.applyStoredPinModes(ctx, engine)

	if c.config.Gateway.PingInterval > 0 {
		c.startSupervisor()
	}

	c.glog.LogConnection("connect", true, nil)
	c.notify(EventConnected, nil)
	return true, nil
}

// SetEventSink registers an observer for connection lifecycle events.
// Set it before Connect; the sink runs on driver goroutines and must not
// block.
func (c *Client) SetEventSink(sink func(eventType string, data map[string]any)) {
	c.eventSink = sink
}

func (c *Client) notify(eventType string, data map[string]any) {
	if c.eventSink != nil {
		c.eventSink(eventType, data)
	}
}

// awaitReady waits for the passive "ready" line, falling back to an
// active ping probe. The firmware only prints "ready" once at boot, so a
// device that was already up when we attached answers the probe instead.
func (c *Client) awaitReady(ctx context.Context, engine *protocol.Engine) error {
	readyCtx, cancel := context.WithTimeout(ctx, c.config.Gateway.ReadyTimeout)
	defer cancel()

	if err := engine.WaitReady(readyCtx); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	message := "PING " + uuid.NewString()
	response, err := engine.Probe(ctx, message)
	if err != nil || response != message {
		c.logger.Warn("Ready signal missing and ping probe failed",
			zap.String("response", response),
			zap.Error(err),
		)
		return protocol.ErrResponseTimeout
	}

	engine.MarkReady()
	return nil
}

// configureReceiveInterrupt arms the firmware's RF receiver on the
// configured interrupt, when a receive pin is set
func (c *Client) configureReceiveInterrupt(ctx context.Context, engine *protocol.Engine) error {
	if c.config.Gateway.ReceivePin <= 0 {
		return nil
	}

	command := fmt.Sprintf("RF receive %d", c.config.Gateway.ReceiveInterrupt())
	response, err := engine.Send(ctx, command)
	if err != nil {
		return fmt.Errorf("failed to configure receive interrupt: %w", err)
	}
	if response != "ACK" {
		return fmt.Errorf("unexpected response to %q: %q", command, response)
	}
	return nil
}

// applyStoredPinModes replays the pin modes recorded by callback
// registrations, including those deferred while disconnected
func (c *Client) applyStoredPinModes(ctx context.Context, engine *protocol.Engine) {
	c.mutex.Lock()
	modes := make(map[int]PinMode, len(c.pinModes))
	for pin, mode := range c.pinModes {
		modes[pin] = mode
	}
	c.mutex.Unlock()

	for pin, mode := range modes {
		if err := c.sendPinMode(ctx, engine, pin, mode); err != nil {
			c.logger.Warn("Failed to apply stored pin mode",
				zap.Int("pin", pin),
				zap.Int("mode", int(mode)),
				zap.Error(err),
			)
		}
	}
}

// teardown is the best-effort rollback for a half-finished connect
func (c *Client) teardown(engine *protocol.Engine) {
	engine.Close()

	c.mutex.Lock()
	if c.engine == engine {
		c.engine = nil
	}
	c.mutex.Unlock()
}

// Disconnect stops the supervisor, closes the transport and waits for
// the engine to wind down. It returns ErrResponseTimeout when the reader
// loop fails to exit within the ready timeout.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stopSupervisor()

	c.mutex.Lock()
	hadEngine := c.engine != nil
	c.mutex.Unlock()

	if err := c.closeConnection(ctx); err != nil {
		return err
	}

	if hadEngine {
		c.glog.LogConnection("disconnect", true, nil)
		c.notify(EventDisconnected, nil)
	}
	return nil
}

// closeConnection tears down the transport and engine without touching
// the supervisor, so the supervisor itself can use it to reconnect
func (c *Client) closeConnection(ctx context.Context) error {
	c.mutex.Lock()
	engine := c.engine
	c.engine = nil
	c.mutex.Unlock()

	if engine == nil {
		return nil
	}

	engine.Close()

	select {
	case <-engine.Done():
	case <-time.After(c.config.Gateway.ReadyTimeout):
		return protocol.ErrResponseTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Reconnect tears the current connection down best-effort and connects
// again
func (c *Client) Reconnect(ctx context.Context) (bool, error) {
	if err := c.Disconnect(ctx); err != nil {
		c.logger.Warn("Disconnect before reconnect failed", zap.Error(err))
	}
	return c.Connect(ctx)
}

// reconnect is Reconnect for the supervisor: it leaves the running
// supervisor in place instead of cancelling it
func (c *Client) reconnect(ctx context.Context) (bool, error) {
	if err := c.closeConnection(ctx); err != nil {
		c.logger.Warn("Teardown before reconnect failed", zap.Error(err))
	}
	return c.Connect(ctx)
}

// Connected reports whether a transport is attached and its reader loop
// is still alive
func (c *Client) Connected() bool {
	engine := c.currentEngine()
	if engine == nil {
		return false
	}
	select {
	case <-engine.Done():
		return false
	default:
		return true
	}
}

// Ready reports whether the device completed its ready handshake
func (c *Client) Ready() bool {
	engine := c.currentEngine()
	return engine != nil && engine.Ready()
}

// LastMessageAt returns when the last line arrived from the device
func (c *Client) LastMessageAt() time.Time {
	engine := c.currentEngine()
	if engine == nil {
		return time.Time{}
	}
	return engine.LastMessageAt()
}

// Stats returns protocol counters for the current connection
func (c *Client) Stats() protocol.Stats {
	engine := c.currentEngine()
	if engine == nil {
		return protocol.Stats{}
	}
	return engine.GetStats()
}

// Codec exposes the RF codec in use
func (c *Client) Codec() rfcodec.Codec {
	return c.codec
}

func (c *Client) currentEngine() *protocol.Engine {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.engine
}

// Send transmits a raw command line and returns the trimmed response
func (c *Client) Send(ctx context.Context, command string) (string, error) {
	engine := c.currentEngine()
	if engine == nil {
		return "", protocol.ErrDisconnected
	}

	start := time.Now()
	response, err := engine.Send(ctx, command)
	c.glog.LogCommand(command, response, time.Since(start), err)
	return response, err
}

// Ping sends a tokenized PING and verifies the device echoes it back
func (c *Client) Ping(ctx context.Context) error {
	message := "PING " + uuid.NewString()
	response, err := c.Send(ctx, message)
	if err != nil {
		return err
	}
	if response != message {
		return fmt.Errorf("ping echo mismatch: sent %q, got %q", message, response)
	}
	return nil
}

// RFSend encodes the protocol values with the codec and transmits them on
// the configured send pin. Consecutive RF transmissions are paced at
// least the configured interval apart; the pacing clock advances even
// when the send fails, so retries cannot flood the radio.
func (c *Client) RFSend(ctx context.Context, protocolName string, values map[string]any) error {
	if c.config.Gateway.SendPin <= 0 {
		return fmt.Errorf("no RF send pin configured")
	}

	pulseLengths, err := c.codec.PulseLengths(protocolName)
	if err != nil {
		return err
	}
	pulseSequence, err := c.codec.Encode(protocolName, values)
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "RF send %d %d", c.config.Gateway.SendPin, c.config.Gateway.RFRepeats)
	for i := 0; i < 8; i++ {
		length := 0
		if i < len(pulseLengths) {
			length = pulseLengths[i]
		}
		fmt.Fprintf(&sb, " %d", length)
	}
	sb.WriteString(" ")
	sb.WriteString(pulseSequence)

	c.rfSendLock.Lock()
	defer c.rfSendLock.Unlock()

	if wait := c.config.Gateway.RFSendInterval - time.Since(c.rfLastSend); wait > 0 {
		c.logger.Debug("Pacing RF transmission", zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer func() { c.rfLastSend = time.Now() }()

	response, err := c.Send(ctx, sb.String())
	if err != nil {
		return err
	}
	if response != "ACK" {
		return fmt.Errorf("unexpected response to RF send: %q", response)
	}
	return nil
}

// PinMode sets a pin's mode on the device
func (c *Client) PinMode(ctx context.Context, pin int, mode PinMode) error {
	engine := c.currentEngine()
	if engine == nil {
		return protocol.ErrDisconnected
	}
	return c.sendPinMode(ctx, engine, pin, mode)
}

func (c *Client) sendPinMode(ctx context.Context, engine *protocol.Engine, pin int, mode PinMode) error {
	command := fmt.Sprintf("PM %d %d", pin, mode)
	response, err := engine.Send(ctx, command)
	if err != nil {
		return err
	}
	if response != "ACK" {
		return fmt.Errorf("unexpected response to %q: %q", command, response)
	}
	return nil
}

// DigitalWrite drives a digital pin
func (c *Client) DigitalWrite(ctx context.Context, pin int, value bool) error {
	level := 0
	if value {
		level = 1
	}
	response, err := c.Send(ctx, fmt.Sprintf("DW %d %d", pin, level))
	if err != nil {
		return err
	}
	if response != "ACK" {
		return fmt.Errorf("unexpected response to digital write: %q", response)
	}
	return nil
}

// DigitalRead reads a digital pin level
func (c *Client) DigitalRead(ctx context.Context, pin int) (bool, error) {
	response, err := c.Send(ctx, fmt.Sprintf("DR %d", pin))
	if err != nil {
		return false, err
	}
	args, err := parseAck(response)
	if err != nil {
		return false, err
	}
	switch args {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("unexpected digital read value: %q", args)
	}
}

// AnalogRead reads an analog pin value
func (c *Client) AnalogRead(ctx context.Context, pin int) (int, error) {
	response, err := c.Send(ctx, fmt.Sprintf("AR %d", pin))
	if err != nil {
		return 0, err
	}
	args, err := parseAck(response)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(args)
	if err != nil {
		return 0, fmt.Errorf("unexpected analog read value: %q", args)
	}
	return value, nil
}

// ReadDHT reads a DHT sensor, returning temperature and humidity
func (c *Client) ReadDHT(ctx context.Context, sensorType DHTType, pin int) (float64, float64, error) {
	if sensorType != DHT11 && sensorType != DHT22 {
		return 0, 0, fmt.Errorf("unsupported DHT type %d", sensorType)
	}

	response, err := c.Send(ctx, fmt.Sprintf("DHT %d %d", sensorType, pin))
	if err != nil {
		return 0, 0, err
	}
	args, err := parseAck(response)
	if err != nil {
		return 0, 0, err
	}

	fields := strings.Fields(args)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected DHT reading: %q", args)
	}
	temperature, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected DHT temperature: %q", fields[0])
	}
	humidity, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unexpected DHT humidity: %q", fields[1])
	}
	return temperature, humidity, nil
}

// parseAck splits an "ACK[ args]" response, turning "ERR <message>" into
// an error
func parseAck(response string) (string, error) {
	if response == "ACK" {
		return "", nil
	}
	if strings.HasPrefix(response, "ACK ") {
		return strings.TrimSpace(response[4:]), nil
	}
	if strings.HasPrefix(response, "ERR") {
		return "", fmt.Errorf("gateway error: %s", strings.TrimSpace(strings.TrimPrefix(response, "ERR")))
	}
	return "", fmt.Errorf("unexpected gateway response: %q", response)
}

// AddRFReceiveCallback registers an observer for decoded matches of one
// RF protocol
func (c *Client) AddRFReceiveCallback(protocolName string, callback RFReceiveCallback) {
	c.rfCallbacks.add(protocolName, callback)
}

// AddDigitalCallback registers a change observer for a digital input pin.
// The pin is configured as an input (with pullup when requested) on the
// device; while disconnected the configuration is deferred and replayed
// by the next Connect.
func (c *Client) AddDigitalCallback(ctx context.Context, pin int, pullup bool, callback DigitalCallback) error {
	mode := PinModeInput
	if pullup {
		mode = PinModeInputPullup
	}

	c.mutex.Lock()
	c.pinModes[pin] = mode
	engine := c.engine
	c.mutex.Unlock()

	c.digitalCallbacks.add(pin, callback)

	if engine == nil {
		c.logger.Debug("Deferring pin mode until connect", zap.Int("pin", pin))
		return nil
	}
	return c.sendPinMode(ctx, engine, pin, mode)
}

// AddAnalogCallback registers a change observer for an analog input pin
func (c *Client) AddAnalogCallback(pin int, callback AnalogCallback) {
	c.analogCallbacks.add(pin, callback)
}

// AddDHTCallback registers a change observer for a DHT sensor pin
func (c *Client) AddDHTCallback(ctx context.Context, sensorType DHTType, pin int, callback DHTCallback) error {
	if sensorType != DHT11 && sensorType != DHT22 {
		return fmt.Errorf("unsupported DHT type %d", sensorType)
	}

	c.mutex.Lock()
	c.pinModes[pin] = PinModeInput
	c.dhtTypes[pin] = sensorType
	engine := c.engine
	c.mutex.Unlock()

	c.dhtCallbacks.add(pin, callback)

	if engine == nil {
		c.logger.Debug("Deferring pin mode until connect", zap.Int("pin", pin))
		return nil
	}
	return c.sendPinMode(ctx, engine, pin, PinModeInput)
}

// handleRFReceive decodes a framed pulse train and fans each protocol
// match out to that protocol's registered callbacks, in order
func (c *Client) handleRFReceive(pulseLengths []int, pulseSequence string) {
	matches := c.codec.Decode(pulseLengths, pulseSequence)
	if len(matches) == 0 {
		c.logger.Warn("No protocol matched pulse train",
			zap.Ints("pulse_lengths", pulseLengths),
			zap.String("pulse_sequence", pulseSequence),
		)
		return
	}
	if c.rfCallbacks.empty() {
		c.logger.Debug("No RF receive callbacks registered")
		return
	}

	for _, match := range matches {
		for _, callback := range c.rfCallbacks.get(match.Protocol) {
			cb := callback
			m := match
			safeInvoke(c.logger, func() { cb(m) })
		}
	}
}

// startSupervisor launches the liveness supervisor once
func (c *Client) startSupervisor() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.supervisor != nil {
		return
	}
	c.supervisor = newSupervisor(c, c.logger)
	c.supervisor.start()
}

// stopSupervisor cancels the supervisor and waits, bounded, for it to
// observe the cancellation
func (c *Client) stopSupervisor() {
	c.mutex.Lock()
	sup := c.supervisor
	c.supervisor = nil
	c.mutex.Unlock()

	if sup == nil {
		return
	}
	if !sup.stop(c.config.Polling.CancelWait) {
		c.logger.Error("Liveness supervisor did not stop in time")
	}
}
