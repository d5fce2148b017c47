// Package server runs the per-connection handling unit: handshake, receive
// loop, outbound queue, and teardown for a single chat client.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// State is the handling unit's position in its lifecycle.
type State int32

const (
	// StateHandshaking waits for the client's display name.
	StateHandshaking State = iota
	// StateActive relays chat frames.
	StateActive
	// StateClosing deregisters and releases the connection.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the handling unit for one Connection. It is the only owner of
// the connection; other units reach it through Deliver.
type session struct {
	d       *Dispatcher
	conn    Connection
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	outbox  chan string
	limiter *rateLimiter
	state   atomic.Int32
	name    string

	writerDone chan struct{}
}

func newSession(ctx context.Context, d *Dispatcher, conn Connection) *session {
	ctx, cancel := context.WithCancel(ctx)
	rl := d.cfg.RateLimit()
	return &session{
		d:      d,
		conn:   conn,
		log:    d.log.With().Str("conn_id", conn.ID()).Str("remote", d.cfg.logAddr(conn.RemoteAddr())).Logger(),
		ctx:    ctx,
		cancel: cancel,
		outbox: make(chan string, d.cfg.OutboxSize),
		// one limiter per connection
		limiter: newRateLimiter(rl.Burst, rl.RefillInterval),
	}
}

// ID returns the identity of the owned connection.
func (s *session) ID() string { return s.conn.ID() }

// State reports the current lifecycle state.
func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Trace().Str("state", st.String()).Msg("Session state changed")
}

// Deliver queues text for this client without blocking. It fails once the
// session is closing or when the queue is full.
func (s *session) Deliver(text string) error {
	if s.ctx.Err() != nil || s.State() >= StateClosing {
		return ErrDisconnected
	}
	select {
	case s.outbox <- text:
		return nil
	default:
		return ErrOutboxFull
	}
}

// run drives the session from handshake to Closed.
func (s *session) run() {
	// Cancellation must unblock Receive and Send, so it closes the connection.
	stop := context.AfterFunc(s.ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	s.setState(StateHandshaking)
	registered := s.handshake()
	if registered {
		s.setState(StateActive)
		s.conn.SetPhase(PhaseActive)
		s.log.Info().Int("clients", s.d.registry.Len()).Msg("Client registered")
		if s.d.cfg.AnnouncePresence {
			s.d.broadcast(s.ID(), noticeLine(s.name+" joined"))
		}
		s.receiveLoop()
	}
	s.teardown(registered)
}

// handshake sends the handshake frame, reads and registers the client's
// name, and reports whether the client was registered. Rejected names get
// one error frame.
func (s *session) handshake() bool {
	if err := s.conn.Send(HandshakeFrame); err != nil {
		s.log.Debug().Err(err).Msg("Handshake frame not delivered")
		return false
	}

	raw, err := s.conn.Receive()
	if err != nil {
		s.log.Debug().Err(err).Msg("Client left before sending a name")
		return false
	}

	name, err := s.d.validateName(raw)
	if err != nil {
		s.log.Info().Str("proposed", raw).Msg("Rejected invalid name")
		s.reject(errorLine("invalid name"))
		return false
	}

	if _, err := s.d.registry.Register(s, name); err != nil {
		s.log.Info().Err(err).Str("proposed", name).Msg("Rejected name")
		if errors.Is(err, ErrNameTaken) {
			s.reject(errorLine(fmt.Sprintf("name %q is already taken", name)))
		}
		return false
	}

	s.name = name
	s.log = s.log.With().Str("name", name).Logger()

	// Frames queued since Register wait in the buffered outbox.
	s.writerDone = make(chan struct{})
	go s.writePump()
	return true
}

// reject writes a rejection frame straight to the connection. Unregistered
// sessions receive nothing through the outbox, so this cannot interleave.
func (s *session) reject(frame string) {
	if err := s.conn.Send(frame); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("Rejection frame not delivered")
	}
}

func (s *session) receiveLoop() {
	for {
		raw, err := s.conn.Receive()
		if err != nil {
			s.logReceiveError(err)
			return
		}

		text := NormalizeFrame(raw)
		if text == QuitFrame {
			s.log.Info().Msg("Client quit")
			return
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		if !s.limiter.allow() {
			rl := s.d.cfg.RateLimit()
			s.log.Warn().
				Int("burst", rl.Burst).
				Dur("refill_interval", rl.RefillInterval).
				Msg("Rate limit exceeded; discarding message")
			_ = s.Deliver(errorLine("rate limit exceeded"))
			continue
		}

		s.d.broadcast(s.ID(), chatLine(s.name, text))
	}
}

// logReceiveError logs a receive failure at a level that matches its cause.
func (s *session) logReceiveError(err error) {
	switch {
	case s.ctx.Err() != nil:
		s.log.Debug().Msg("Receive aborted by cancellation")
	case errors.Is(err, io.EOF):
		s.log.Info().Msg("Client closed connection")
	case errors.Is(err, ErrFrameTooLarge):
		s.log.Warn().Int("max_frame_size", s.d.cfg.MaxFrameSize).Msg("Frame exceeded maximum size")
	case isExpectedCloseError(err):
		s.log.Info().Err(err).Msg("Client disconnected")
	default:
		s.log.Warn().Err(err).Msg("Read error")
	}
}

// writePump is the only writer after the handshake, so frames reach the
// client in the order they were queued.
func (s *session) writePump() {
	defer close(s.writerDone)
	for {
		select {
		case frame := <-s.outbox:
			if err := s.conn.Send(frame); err != nil {
				if !isExpectedCloseError(err) {
					s.log.Warn().Err(err).Msg("Write error")
				}
				s.cancel()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// teardown deregisters, stops the writer, releases the connection, and
// tells the remaining clients. It is safe against a concurrent forced
// disconnect because Deregister and Close are idempotent.
func (s *session) teardown(registered bool) {
	s.setState(StateClosing)

	_, removed := s.d.registry.Deregister(s.ID())
	s.cancel()
	if s.writerDone != nil {
		<-s.writerDone
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Debug().Err(err).Msg("Error closing connection")
	}

	if registered && removed && s.d.cfg.AnnouncePresence && !s.d.stopping() {
		s.d.broadcast(s.ID(), noticeLine(s.name+" left"))
	}

	s.setState(StateClosed)
	s.log.Info().Int("clients", s.d.registry.Len()).Msg("Client session closed")
}
