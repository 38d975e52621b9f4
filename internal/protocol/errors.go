// internal/protocol/errors.go
package protocol

import "errors"

// Sentinel errors returned by the protocol engine. Callers are expected to
// match these with errors.Is; the liveness supervisor in particular treats
// ErrResponseTimeout as a countable failure rather than a fatal one.
var (
	// ErrDisconnected is returned when no transport is attached
	ErrDisconnected = errors.New("gateway is not connected")

	// ErrNotReady is returned when the device has not completed its ready handshake
	ErrNotReady = errors.New("gateway is not ready")

	// ErrTooBusy is returned when the send slot stayed occupied past the busy timeout
	ErrTooBusy = errors.New("gateway is too busy")

	// ErrResponseTimeout is returned when no response line arrived within the window
	ErrResponseTimeout = errors.New("timeout waiting for gateway response")
)
