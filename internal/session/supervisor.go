// ABOUTME: Lifecycle supervisor: tracks live connections, sweeps idle ones,
// ABOUTME: and runs the ordered teardown of queue, writer, and transport.

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// CloseHook runs after a connection reaches the closed state. The hub wires
// registry removal, correlation cleanup, presence, and audit through hooks
// so this package stays below all of them.
type CloseHook func(conn *Connection, reason string)

// Supervisor owns the set of live connections and enforces liveness.
type Supervisor struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	livenessTimeout time.Duration
	sweepInterval   time.Duration
	drainTimeout    time.Duration

	hooks   []CloseHook
	hooksMu sync.RWMutex

	clk    clock.Clock
	logger *slog.Logger
}

// NewSupervisor creates a supervisor with the given liveness settings.
func NewSupervisor(livenessTimeout, sweepInterval, drainTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		conns:           make(map[string]*Connection),
		livenessTimeout: livenessTimeout,
		sweepInterval:   sweepInterval,
		drainTimeout:    drainTimeout,
		clk:             clk,
		logger:          logger.With("component", "supervisor"),
	}
}

// OnClose registers a hook invoked after every connection teardown.
func (s *Supervisor) OnClose(hook CloseHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Track adds a connection to the supervised set.
func (s *Supervisor) Track(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
}

// Count returns the number of tracked connections.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run sweeps for idle connections until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}

// sweep closes connections that have been silent past the liveness timeout.
func (s *Supervisor) sweep() {
	s.mu.RLock()
	var idle []*Connection
	for _, conn := range s.conns {
		if conn.State() == StateActive && conn.IdleFor() > s.livenessTimeout {
			idle = append(idle, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range idle {
		s.logger.Info("closing idle connection",
			"conn_id", conn.ID,
			"idle_for", conn.IdleFor())
		s.Close(conn, "liveness-timeout")
	}
}

// Close tears a connection down in order: stop accepting new envelopes, let
// the writer drain up to the drain timeout, close the transport, then fire
// the close hooks. Concurrent and repeated calls are safe; only the first
// performs the teardown.
func (s *Supervisor) Close(conn *Connection, reason string) {
	if !conn.beginDraining() {
		return
	}

	conn.Queue.Close()

	timer := s.clk.Timer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-conn.WriterDone():
	case <-timer.C:
		s.logger.Warn("drain timeout, forcing transport close",
			"conn_id", conn.ID)
	}

	if err := conn.Transport.Close(); err != nil {
		s.logger.Debug("transport close", "conn_id", conn.ID, "error", err)
	}
	conn.markClosed()

	s.mu.Lock()
	delete(s.conns, conn.ID)
	s.mu.Unlock()

	ident := conn.Identity()
	identityID := ""
	if ident != nil {
		identityID = ident.ID
	}
	s.logger.Info("connection closed",
		"conn_id", conn.ID,
		"identity_id", identityID,
		"reason", reason,
		"duration", s.clk.Now().Sub(conn.ConnectedAt()))

	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(conn, reason)
	}
}

// Shutdown closes every tracked connection and waits for the teardowns.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			s.Close(c, "server-shutdown")
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with teardowns in flight")
	}
}
