// Package server wraps client stream sockets in Connection values that speak
// newline-delimited text frames.
package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle stage of a Connection.
type Phase int32

const (
	// PhaseHandshaking covers the period before the client's name is accepted.
	PhaseHandshaking Phase = iota
	// PhaseActive means the client is registered and chatting.
	PhaseActive
	// PhaseClosed means the underlying handle has been released.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshaking:
		return "handshaking"
	case PhaseActive:
		return "active"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one client's transport. Send and Receive may be used from
// different goroutines, but each must only have one caller at a time.
type Connection interface {
	// ID returns the opaque connection identity.
	ID() string
	// RemoteAddr returns the peer address for logging.
	RemoteAddr() string
	// Send writes one frame. It fails with ErrDisconnected once the peer is gone.
	Send(text string) error
	// Receive blocks until one complete frame arrives and returns it without
	// its delimiter, or fails with ErrDisconnected.
	Receive() (string, error)
	// Close releases the handle. Calling it more than once is safe.
	Close() error
	// Phase reports the current lifecycle stage.
	Phase() Phase
	// SetPhase records a lifecycle transition. Closed is terminal.
	SetPhase(Phase)
}

// connState holds the bookkeeping shared by every Connection implementation.
type connState struct {
	id        string
	phase     atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

func newConnState() connState {
	return connState{id: uuid.NewString()}
}

func (s *connState) ID() string { return s.id }

func (s *connState) Phase() Phase { return Phase(s.phase.Load()) }

func (s *connState) SetPhase(p Phase) {
	for {
		cur := s.phase.Load()
		if Phase(cur) == PhaseClosed {
			return
		}
		if s.phase.CompareAndSwap(cur, int32(p)) {
			return
		}
	}
}

// release runs closeFn exactly once and marks the connection closed.
func (s *connState) release(closeFn func() error) error {
	s.closeOnce.Do(func() {
		s.phase.Store(int32(PhaseClosed))
		s.closeErr = closeFn()
	})
	return s.closeErr
}

// StreamOptions tunes a stream Connection.
type StreamOptions struct {
	// MaxFrameSize bounds a single inbound frame in bytes, delimiter excluded.
	MaxFrameSize int
	// IdleTimeout disconnects a client that sends nothing for this long. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds every Send. Zero disables it.
	WriteTimeout time.Duration
}

type tcpConn struct {
	connState
	conn    net.Conn
	scanner *bufio.Scanner
	opts    StreamOptions

	writeMu sync.Mutex
}

// NewStreamConnection wraps a stream socket. Frames are lines terminated by
// '\n'; a trailing '\r' is stripped on receipt.
func NewStreamConnection(conn net.Conn, opts StreamOptions) Connection {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = defaultMaxFrameSize
	}
	scanner := bufio.NewScanner(conn)
	// room for the frame plus "\r\n"
	scanner.Buffer(make([]byte, 0, min(opts.MaxFrameSize+2, 4096)), opts.MaxFrameSize+2)
	scanner.Split(bufio.ScanLines)

	return &tcpConn{
		connState: newConnState(),
		conn:      conn,
		scanner:   scanner,
		opts:      opts,
	}
}

func (c *tcpConn) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *tcpConn) Send(text string) error {
	if c.Phase() == PhaseClosed {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
			return disconnected(err)
		}
	}
	if _, err := c.conn.Write(encodeFrame(text)); err != nil {
		return disconnected(err)
	}
	return nil
}

func (c *tcpConn) Receive() (string, error) {
	if c.Phase() == PhaseClosed {
		return "", ErrDisconnected
	}
	if c.opts.IdleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return "", disconnected(err)
		}
	}

	if c.scanner.Scan() {
		// the buffer also holds "\r\n", so a frame may overshoot by up to two bytes
		if len(c.scanner.Bytes()) > c.opts.MaxFrameSize {
			return "", disconnected(ErrFrameTooLarge)
		}
		return c.scanner.Text(), nil
	}

	err := c.scanner.Err()
	switch {
	case err == nil:
		return "", disconnected(io.EOF)
	case errors.Is(err, bufio.ErrTooLong):
		return "", disconnected(ErrFrameTooLarge)
	default:
		return "", disconnected(err)
	}
}

func (c *tcpConn) Close() error {
	return c.release(c.conn.Close)
}
