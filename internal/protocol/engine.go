// internal/protocol/engine.go
package protocol

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	rfReceivePrefix = "RF receive "
	keyPressPrefix  = "KP "

	// pulseFieldCount is how many pulse-length fields the firmware emits
	pulseFieldCount = 8

	readBufferSize = 256
)

// Config holds the protocol engine timeouts
type Config struct {
	// ResponseTimeout bounds the wait for a response line after a command
	ResponseTimeout time.Duration

	// BusyTimeout bounds the wait for the exclusive send slot
	BusyTimeout time.Duration
}

// Events receives the unsolicited traffic decoded by the line router.
// Handlers run on the reader goroutine and must not block; anything slow
// belongs behind a channel or the event bus.
type Events struct {
	// OnReady fires once when the device announces it finished booting
	OnReady func()

	// OnRFReceive fires for every framed "RF receive" line
	OnRFReceive func(pulseLengths []int, pulseSequence string)

	// OnKeyPress fires for every framed "KP" line
	OnKeyPress func(code string)

	// OnClosed fires when the reader loop exits, with the read error if any
	OnClosed func(err error)
}

// Stats provides engine-level counters for diagnostics
type Stats struct {
	BytesRead    int64     `json:"bytes_read"`
	LinesRouted  int64     `json:"lines_routed"`
	CommandsSent int64     `json:"commands_sent"`
	Timeouts     int64     `json:"timeouts"`
	LastActivity time.Time `json:"last_activity"`
}

// Engine gives strict meaning to the shared, half-duplex command channel:
// one reader goroutine frames and routes incoming lines, and an exclusive
// send slot serializes outgoing commands so that at most one request is
// outstanding at any instant. The device answers commands strictly in
// order and never pipelines unsolicited lines as responses, which is what
// lets the router attribute an arbitrary non-event line to "the" pending
// request without any sequence number on the wire.
type Engine struct {
	stream io.ReadWriteCloser
	config Config
	events Events
	framer *LineFramer
	logger *zap.Logger

	// sendSlot has capacity one; holding the token is holding the slot
	sendSlot chan struct{}
	// respCh carries at most the one response line for the pending request
	respCh   chan string
	awaiting atomic.Bool

	ready     atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	lastMessageNanos atomic.Int64

	bytesRead    atomic.Int64
	linesRouted  atomic.Int64
	commandsSent atomic.Int64
	timeouts     atomic.Int64
}

// NewEngine creates a protocol engine on an open stream. Call Start to
// begin framing and routing.
func NewEngine(stream io.ReadWriteCloser, config Config, events Events, logger *zap.Logger) *Engine {
	return &Engine{
		stream:   stream,
		config:   config,
		events:   events,
		framer:   NewLineFramer(logger),
		logger:   logger.With(zap.String("component", "protocol")),
		sendSlot: make(chan struct{}, 1),
		respCh:   make(chan string, 1),
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the reader loop
func (e *Engine) Start() {
	go e.readLoop()
}

// Close detaches the engine from its stream. The reader loop observes the
// closed stream and exits; Done is closed when it has.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		err = e.stream.Close()
	})
	return err
}

// Done is closed once the reader loop has exited
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Ready reports whether the device completed its ready handshake
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// WaitReady blocks until the passive ready signal arrives or ctx expires
func (e *Engine) WaitReady(ctx context.Context) error {
	select {
	case <-e.readyCh:
		return nil
	case <-e.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkReady forces the ready state. Used by the connection lifecycle when
// a ping probe proves the device is already up even though the passive
// "ready" line was missed (the device only emits it once, at boot).
func (e *Engine) MarkReady() {
	e.markReady()
}

// LastMessageAt returns when the last line arrived from the device
func (e *Engine) LastMessageAt() time.Time {
	nanos := e.lastMessageNanos.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// GetStats returns a snapshot of the engine counters
func (e *Engine) GetStats() Stats {
	return Stats{
		BytesRead:    e.bytesRead.Load(),
		LinesRouted:  e.linesRouted.Load(),
		CommandsSent: e.commandsSent.Load(),
		Timeouts:     e.timeouts.Load(),
		LastActivity: e.LastMessageAt(),
	}
}

// Send transmits one command line and returns the single response line,
// trimmed. It blocks for the exclusive send slot up to the busy timeout
// and for the response up to the response timeout.
func (e *Engine) Send(ctx context.Context, command string) (string, error) {
	return e.send(ctx, command, true)
}

// Probe is Send without the ready gate, for handshake-probing pings
func (e *Engine) Probe(ctx context.Context, command string) (string, error) {
	return e.send(ctx, command, false)
}

func (e *Engine) send(ctx context.Context, command string, requireReady bool) (string, error) {
	if e.closed.Load() {
		return "", ErrDisconnected
	}
	if requireReady && !e.ready.Load() {
		return "", ErrNotReady
	}

	// Acquire the exclusive send slot; a second caller waits here rather
	// than erroring, up to the busy timeout.
	busyTimer := time.NewTimer(e.config.BusyTimeout)
	defer busyTimer.Stop()

	select {
	case e.sendSlot <- struct{}{}:
	case <-busyTimer.C:
		e.logger.Warn("Send slot unavailable", zap.String("command", command))
		return "", ErrTooBusy
	case <-e.done:
		return "", ErrDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-e.sendSlot }()

	// Discard any stale line left over from an earlier timed-out request
	select {
	case stale := <-e.respCh:
		e.logger.Debug("Discarding stale response line", zap.String("line", stale))
	default:
	}

	e.awaiting.Store(true)
	defer e.awaiting.Store(false)

	e.logger.Debug("Writing command", zap.String("command", command))
	if _, err := e.stream.Write([]byte(command + "\n")); err != nil {
		if e.closed.Load() {
			return "", ErrDisconnected
		}
		return "", fmt.Errorf("failed to write command: %w", err)
	}
	e.commandsSent.Add(1)

	respTimer := time.NewTimer(e.config.ResponseTimeout)
	defer respTimer.Stop()

	select {
	case line := <-e.respCh:
		return strings.TrimSpace(line), nil
	case <-respTimer.C:
		e.timeouts.Add(1)
		e.logger.Warn("No response from gateway", zap.String("command", command))
		return "", ErrResponseTimeout
	case <-e.done:
		return "", ErrDisconnected
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// readLoop services the stream until it closes, feeding every chunk
// through the framer and routing each complete line.
func (e *Engine) readLoop() {
	var readErr error
	buffer := make([]byte, readBufferSize)

	for {
		n, err := e.stream.Read(buffer)
		if n > 0 {
			e.bytesRead.Add(int64(n))
			for _, line := range e.framer.Feed(buffer[:n]) {
				e.route(line)
			}
		}
		if err != nil {
			if !e.closed.Load() && err != io.EOF {
				readErr = err
			}
			break
		}
	}

	e.ready.Store(false)
	e.closed.Store(true)

	if readErr != nil {
		e.logger.Info("Gateway connection lost", zap.Error(readErr))
	} else {
		e.logger.Debug("Reader loop finished")
	}

	close(e.done)

	if e.events.OnClosed != nil {
		e.events.OnClosed(readErr)
	}
}

// route classifies one framed line. Rules are checked in order and the
// first match wins.
func (e *Engine) route(line string) {
	e.linesRouted.Add(1)
	e.lastMessageNanos.Store(time.Now().UnixNano())
	e.logger.Debug("Received line", zap.String("line", line))

	switch {
	case line == "ready":
		e.markReady()

	case strings.HasPrefix(line, rfReceivePrefix):
		e.handleRFReceive(line)

	case strings.HasPrefix(line, keyPressPrefix):
		// Reserved by the firmware for keypad input; not dispatched yet
		e.logger.Debug("Key press", zap.String("line", line))
		if e.events.OnKeyPress != nil {
			e.events.OnKeyPress(strings.TrimSpace(strings.TrimPrefix(line, keyPressPrefix)))
		}

	case e.awaiting.Load():
		select {
		case e.respCh <- line:
		default:
			e.logger.Warn("Response queue full, dropping line", zap.String("line", line))
		}

	default:
		// Typically a late echo of a timed-out ping
		e.logger.Debug("Unhandled line", zap.String("line", line))
	}
}

func (e *Engine) markReady() {
	e.ready.Store(true)
	e.readyOnce.Do(func() {
		e.logger.Info("Gateway is ready")
		close(e.readyCh)
		if e.events.OnReady != nil {
			e.events.OnReady()
		}
	})
}

// handleRFReceive parses the fixed field layout of an "RF receive" event:
// fields 2..9 are the eight pulse lengths and field 10 the pulse sequence.
func (e *Engine) handleRFReceive(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2+pulseFieldCount+1 {
		e.logger.Warn("Malformed RF receive line", zap.String("line", line))
		return
	}

	pulseLengths := make([]int, pulseFieldCount)
	for i := 0; i < pulseFieldCount; i++ {
		length, err := strconv.Atoi(fields[2+i])
		if err != nil {
			e.logger.Warn("Malformed pulse length",
				zap.String("line", line),
				zap.String("field", fields[2+i]),
			)
			return
		}
		pulseLengths[i] = length
	}
	pulseSequence := fields[2+pulseFieldCount]

	if e.events.OnRFReceive != nil {
		e.events.OnRFReceive(pulseLengths, pulseSequence)
	}
}
