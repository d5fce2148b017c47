// Package server binds the chat listening endpoint and runs the accept loop
// that feeds connections to the Dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	tcpKeepAlive     = 30 * time.Second
)

// ChatServer owns the listening endpoint, the client registry, and the
// dispatcher, and runs until Shutdown.
type ChatServer struct {
	cfg        Config
	log        zerolog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	startedAt  time.Time

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	acceptWG sync.WaitGroup
}

// NewChatServer creates a server from cfg. A nil cfg uses defaults.
func NewChatServer(cfg *Config, log zerolog.Logger) *ChatServer {
	sanitized := sanitizeConfig(cfg)
	registry := NewRegistry()
	return &ChatServer{
		cfg:        sanitized,
		log:        withComponent(log, "chat_server"),
		registry:   registry,
		dispatcher: NewDispatcher(registry, &sanitized, log),
	}
}

// Registry returns the shared client registry.
func (s *ChatServer) Registry() *Registry { return s.registry }

// Dispatcher returns the dispatcher serving this server's connections.
func (s *ChatServer) Dispatcher() *Dispatcher { return s.dispatcher }

// Config returns the effective configuration.
func (s *ChatServer) Config() Config { return s.cfg }

// Addr returns the bound address, or nil before Start.
func (s *ChatServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds addr (the configured address when empty) and accepts
// connections in the background. Bind failures wrap ErrBind.
func (s *ChatServer) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Address
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %w", ErrBind, addr, err)
	}

	if err := s.attach(listener); err != nil {
		_ = listener.Close()
		return err
	}

	go func() {
		defer s.acceptWG.Done()
		_ = s.acceptLoop(listener)
	}()
	return nil
}

// Serve accepts connections on listener until Shutdown, blocking the caller.
// It always returns a non-nil error; after Shutdown that is ErrServerClosed.
func (s *ChatServer) Serve(listener net.Listener) error {
	if err := s.attach(listener); err != nil {
		return err
	}
	defer s.acceptWG.Done()
	return s.acceptLoop(listener)
}

// attach records listener and counts its accept loop in acceptWG. The caller
// must run the loop and call acceptWG.Done when attach succeeds.
func (s *ChatServer) attach(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrServerClosed
	case s.listener != nil:
		return errors.New("chat server already listening")
	}
	s.listener = listener
	s.startedAt = time.Now()
	s.acceptWG.Add(1)
	s.log.Info().Str("address", listener.Addr().String()).Msg("Chat server listening")
	return nil
}

func (s *ChatServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ChatServer) acceptLoop(listener net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			backoff = nextBackoff(backoff)
			s.log.Error().Err(err).Dur("retry_in", backoff).Msg("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		tuneTCP(conn)
		s.log.Debug().Str("remote", s.cfg.logAddr(conn.RemoteAddr().String())).Msg("Accepted connection")

		// Serve never blocks on the client, so the loop keeps accepting.
		if err := s.dispatcher.Serve(NewStreamConnection(conn, s.cfg.StreamOptions())); err != nil &&
			!errors.Is(err, ErrServerFull) {
			s.log.Debug().Err(err).Msg("Connection not served")
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return minAcceptBackoff
	}
	return min(cur*2, maxAcceptBackoff)
}

func tuneTCP(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(tcpKeepAlive)
		_ = tcpConn.SetNoDelay(true)
	}
}

// Stats is a point-in-time view of the server.
type Stats struct {
	ActiveClients int      `json:"active_clients"`
	Sessions      int      `json:"sessions"`
	Names         []string `json:"names"`
	UptimeSeconds float64  `json:"uptime_seconds"`
}

// Stats reports registered clients and open sessions.
func (s *ChatServer) Stats() Stats {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()

	var uptime float64
	if !started.IsZero() {
		uptime = time.Since(started).Seconds()
	}
	return Stats{
		ActiveClients: s.registry.Len(),
		Sessions:      s.dispatcher.Active(),
		Names:         s.registry.Names(),
		UptimeSeconds: uptime,
	}
}

// Shutdown stops accepting, cancels every handling unit, waits for them to
// reach Closed or ctx to expire, and releases the listener. Calling it again
// is a no-op.
func (s *ChatServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	s.log.Info().Msg("Initiating chat server shutdown...")

	var errs []error
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
	}
	s.acceptWG.Wait()

	if err := s.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop sessions: %w", err))
	}

	if leftover := s.registry.Clear(); len(leftover) > 0 {
		s.log.Warn().Int("records", len(leftover)).Msg("Registry still held records after shutdown")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Info().Msg("Chat server shutdown completed")
	return nil
}
