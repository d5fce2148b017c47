// Package server coordinates handling units, message fan-out, and
// cancellation for every connected chat client via the Dispatcher type.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Dispatcher spawns one handling unit per Connection and relays frames
// between them through the shared Registry.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	log      zerolog.Logger
	validate *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewDispatcher creates a Dispatcher over registry. A nil cfg uses defaults.
func NewDispatcher(registry *Registry, cfg *Config, log zerolog.Logger) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry: registry,
		cfg:      sanitizeConfig(cfg),
		log:      withComponent(log, "dispatcher"),
		validate: validator.New(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Registry returns the registry the dispatcher routes through.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Serve starts an independent handling unit for conn and returns at once.
// The dispatcher owns conn from here on, including on error.
func (d *Dispatcher) Serve(conn Connection) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		_ = conn.Close()
		return ErrServerClosed
	case len(d.sessions) >= d.cfg.MaxConnections:
		d.mu.Unlock()
		d.log.Warn().Str("remote", d.cfg.logAddr(conn.RemoteAddr())).Int("max_connections", d.cfg.MaxConnections).
			Msg("Connection limit reached; rejecting client")
		_ = conn.Send(errorLine("server is full"))
		_ = conn.Close()
		return ErrServerFull
	}

	s := newSession(d.ctx, d, conn)
	d.sessions[conn.ID()] = s
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer d.forget(s)
		s.run()
	}()
	return nil
}

func (d *Dispatcher) forget(s *session) {
	d.mu.Lock()
	delete(d.sessions, s.ID())
	d.mu.Unlock()
}

// Active returns the number of handling units that have not reached Closed.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// SessionState reports the state of the unit owning connection id.
func (d *Dispatcher) SessionState(id string) (State, bool) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return StateClosed, false
	}
	return s.State(), true
}

// Broadcast sends text to every registered client except the one with
// senderID (pass "" to reach everyone). A recipient that cannot take the
// frame is disconnected; the others still receive it. The returned
// *PartialBroadcastError lists the recipients that failed.
func (d *Dispatcher) Broadcast(senderID, text string) error {
	records := lo.Filter(d.registry.Snapshot(), func(record ClientRecord, _ int) bool {
		return record.ID != senderID
	})

	var failed map[string]error
	for _, record := range records {
		if err := record.Peer.Deliver(text); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[record.ID] = fmt.Errorf("deliver to %s (%s): %w", record.Name, record.ID, err)
			d.disconnect(record.ID)
		}
	}

	if len(failed) == 0 {
		return nil
	}
	return &PartialBroadcastError{Failed: failed}
}

// broadcast is Broadcast with the failure logged instead of returned.
func (d *Dispatcher) broadcast(senderID, text string) {
	err := d.Broadcast(senderID, text)
	var partial *PartialBroadcastError
	if errors.As(err, &partial) {
		level := zerolog.WarnLevel
		if d.stopping() {
			level = zerolog.DebugLevel
		}
		d.log.WithLevel(level).
			Strs("recipients", lo.Keys(partial.Failed)).
			Err(err).
			Msg("Broadcast partially failed")
	}
}

// disconnect forces the unit owning id into Closing.
func (d *Dispatcher) disconnect(id string) {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// Disconnect forces the client with connection id out of the chat.
func (d *Dispatcher) Disconnect(id string) bool {
	d.mu.Lock()
	_, ok := d.sessions[id]
	d.mu.Unlock()
	d.disconnect(id)
	return ok
}

// validateName trims a proposed display name and checks it against the
// configured length and the reserved names. Control characters are dropped.
func (d *Dispatcher) validateName(raw string) (string, error) {
	name := strings.TrimSpace(NormalizeFrame(raw))
	rule := fmt.Sprintf("required,max=%d", d.cfg.MaxNameLength)
	if err := d.validate.Var(name, rule); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidName, err)
	}
	if isReservedName(name) {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return name, nil
}

// reservedNames could pass for server frames or the quit command.
var reservedNames = []string{QuitFrame, "error", "server"}

func isReservedName(name string) bool {
	if strings.HasPrefix(name, noticePrefix) {
		return true
	}
	return lo.ContainsBy(reservedNames, func(reserved string) bool {
		return strings.EqualFold(name, reserved)
	})
}

func (d *Dispatcher) stopping() bool {
	return d.ctx.Err() != nil
}

// Shutdown refuses new connections, cancels every handling unit, and waits
// until all of them reach Closed or ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	count := len(d.sessions)
	d.mu.Unlock()

	d.log.Info().Int("sessions", count).Msg("Shutting down all client sessions...")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info().Int("sessions", count).Msg("All client sessions closed")
		return nil
	case <-ctx.Done():
		d.log.Warn().Int("remaining", d.Active()).Msg("Shutdown deadline reached, some sessions may still be running")
		return ctx.Err()
	}
}
