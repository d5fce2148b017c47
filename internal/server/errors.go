// Package server defines the error kinds shared by connections, the client
// registry, the dispatcher, and the listening server.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrBind is returned when the listening endpoint cannot be created.
	ErrBind = errors.New("bind error")

	// ErrNameTaken is returned when a display name is already held by a
	// registered client.
	ErrNameTaken = errors.New("name taken")

	// ErrInvalidName is returned for empty, oversized, or reserved names.
	ErrInvalidName = errors.New("invalid name")

	// ErrDisconnected is returned by Send and Receive once the peer has gone
	// away or the underlying I/O failed.
	ErrDisconnected = errors.New("disconnected")

	// ErrFrameTooLarge is wrapped by ErrDisconnected when a peer sends a
	// frame larger than the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrOutboxFull is returned when a recipient's delivery queue has no room.
	ErrOutboxFull = errors.New("outbox full")

	// ErrServerClosed is returned by Start and Serve after Shutdown.
	ErrServerClosed = errors.New("chat server closed")

	// ErrServerFull is returned when the connection cap has been reached.
	ErrServerFull = errors.New("chat server full")
)

// disconnected wraps cause so that errors.Is(err, ErrDisconnected) holds
// while the original I/O error is still reachable.
func disconnected(cause error) error {
	if cause == nil || errors.Is(cause, ErrDisconnected) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrDisconnected, cause)
}

// PartialBroadcastError reports the recipients that could not be reached
// during one fan-out. Delivery to every other recipient went ahead.
type PartialBroadcastError struct {
	Failed map[string]error
}

func (e *PartialBroadcastError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	return fmt.Sprintf("broadcast failed for %d recipient(s): %s", len(ids), strings.Join(ids, ", "))
}

// Unwrap exposes the per-recipient causes to errors.Is and errors.As.
func (e *PartialBroadcastError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || err == ErrDisconnected {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "io: read/write on closed pipe") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
