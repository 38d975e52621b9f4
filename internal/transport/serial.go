// internal/transport/serial.go
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"homeduino-service/internal/config"
)

// Stream is the byte stream the protocol engine runs on. The serial
// connection below is the production implementation; tests substitute an
// in-memory pipe.
type Stream interface {
	io.ReadWriteCloser
}

// Factory opens a Stream for the given serial configuration.
type Factory func(ctx context.Context, cfg *config.SerialConfig, logger *zap.Logger) (Stream, error)

// Connection represents a serial port connection to the gateway
type Connection struct {
	config *config.SerialConfig
	port   serial.Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
}

// Open opens a serial connection to the gateway. It is the default Factory.
func Open(ctx context.Context, cfg *config.SerialConfig, logger *zap.Logger) (Stream, error) {
	c := &Connection{
		config: cfg,
		logger: logger.With(
			zap.String("component", "transport"),
			zap.String("port", cfg.Port),
		),
	}
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// open opens the serial port with the configured mode
func (c *Connection) open(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isOpen {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Configure serial port mode
	mode := &serial.Mode{
		BaudRate: c.config.BaudRate,
		DataBits: c.config.DataBits,
		StopBits: serial.StopBits(c.config.StopBits),
	}

	// Set parity
	switch c.config.Parity {
	case "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(c.config.Port, mode)
	if err != nil {
		c.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("failed to open serial port: %w", err)
	}

	// A finite read timeout keeps the reader loop responsive to Close.
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	c.port = port
	c.isOpen = true

	c.logger.Info("Serial port opened",
		zap.Int("baud_rate", c.config.BaudRate),
	)
	return nil
}

// Close closes the serial connection
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isOpen || c.port == nil {
		return nil
	}

	if err := c.port.Close(); err != nil {
		c.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	c.port = nil
	c.isOpen = false

	c.logger.Info("Serial port closed")
	return nil
}

// Read reads from the serial port. On read timeout it returns (0, nil);
// callers must treat a zero-byte read as "no data yet", not EOF.
func (c *Connection) Read(p []byte) (int, error) {
	c.mutex.RLock()
	port := c.port
	open := c.isOpen
	c.mutex.RUnlock()

	if !open || port == nil {
		return 0, io.ErrClosedPipe
	}

	return port.Read(p)
}

// Write writes to the serial port
func (c *Connection) Write(p []byte) (int, error) {
	c.mutex.RLock()
	port := c.port
	open := c.isOpen
	c.mutex.RUnlock()

	if !open || port == nil {
		return 0, io.ErrClosedPipe
	}

	n, err := port.Write(p)
	if err != nil {
		c.logger.Error("Serial write failed", zap.Error(err))
		return n, fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(p) {
		return n, fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(p))
	}

	return n, nil
}

// IsOpen returns whether the connection is open
func (c *Connection) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.isOpen && c.port != nil
}
