// ABOUTME: Hub orchestrator wiring auth, registry, router, and supervision.
// ABOUTME: Owns the HTTP server, background sweeps, and graceful shutdown.

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"tailscale.com/tsnet"

	"github.com/relayops/switchboard/internal/auth"
	"github.com/relayops/switchboard/internal/config"
	"github.com/relayops/switchboard/internal/correlate"
	"github.com/relayops/switchboard/internal/dedupe"
	"github.com/relayops/switchboard/internal/delivery"
	"github.com/relayops/switchboard/internal/metrics"
	"github.com/relayops/switchboard/internal/registry"
	"github.com/relayops/switchboard/internal/router"
	"github.com/relayops/switchboard/internal/session"
	"github.com/relayops/switchboard/internal/store"
	"github.com/relayops/switchboard/internal/wire"
)

// dedupeTTL bounds how long a tool-call correlation id is remembered for
// at-most-once routing. Comfortably longer than any correlation deadline.
const dedupeTTL = 5 * time.Minute

const dedupeCacheSize = 100000

// Hub is the assembled message router process.
type Hub struct {
	config      *config.Config
	registry    *registry.Registry
	supervisor  *session.Supervisor
	correlator  *correlate.Correlator
	router      *router.Router
	resolver    *auth.Resolver
	sshVerifier *auth.SSHVerifier
	seen        *dedupe.Cache
	audit       store.AuditStore
	metrics     *metrics.Metrics
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	clk         clock.Clock
	logger      *slog.Logger
}

// New wires the hub from configuration. The caller owns the returned hub
// and must call Run.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	return NewWithClock(cfg, logger, clock.New())
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*Hub, error) {
	audit, err := store.NewSQLiteStore(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}

	jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		audit.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	sshVerifier := auth.NewSSHVerifier()

	var dir auth.Directory
	if cfg.Auth.DirectoryURL != "" {
		dir = auth.NewHTTPDirectory(cfg.Auth.DirectoryURL, cfg.Auth.DirectoryTimeout)
	}
	resolver := auth.NewResolver(jwtVerifier, sshVerifier, dir, logger)

	reg := registry.New()
	sup := session.NewSupervisor(
		cfg.Sessions.LivenessTimeout,
		cfg.Sessions.LivenessSweep,
		cfg.Sessions.DrainTimeout,
		clk, logger)
	corr := correlate.New(
		cfg.Sessions.CorrelationDeadline,
		cfg.Sessions.CorrelationSweep,
		clk, logger)
	seen := dedupe.NewWithClock(dedupeTTL, dedupeCacheSize, clk)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	rt := router.New(reg, corr, seen, policiesFromConfig(cfg), audit, m, clk, logger)

	h := &Hub{
		config:      cfg,
		registry:    reg,
		supervisor:  sup,
		correlator:  corr,
		router:      rt,
		resolver:    resolver,
		sshVerifier: sshVerifier,
		seen:        seen,
		audit:       audit,
		metrics:     m,
		clk:         clk,
		logger:      logger.With("component", "hub"),
	}

	sup.OnClose(h.onConnectionClosed)

	mux := http.NewServeMux()
	h.registerRoutes(mux)
	h.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// policiesFromConfig merges configured backpressure overrides onto the
// defaults.
func policiesFromConfig(cfg *config.Config) map[wire.Kind]delivery.Policy {
	policies := router.DefaultPolicies()
	for kind, policy := range cfg.Delivery.Policies {
		policies[wire.Kind(kind)] = delivery.Policy(policy)
	}
	return policies
}

// registerRoutes attaches the websocket endpoint and the HTTP API.
func (h *Hub) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc(h.config.Server.WSPath, h.handleWS)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/api/online", h.handleOnlineList)
	mux.HandleFunc("/api/online/", h.handleOnlineQuery)
	if h.metrics != nil {
		mux.Handle(h.config.Metrics.Path, h.metrics.Handler())
	}
}

// onConnectionClosed unhooks a dead connection from routing state. Runs
// after every teardown, whatever triggered it.
func (h *Hub) onConnectionClosed(conn *session.Connection, reason string) {
	h.registry.Unregister(conn)
	h.correlator.RequesterGone(conn)

	ident := conn.Identity()
	if ident == nil {
		return
	}

	if h.metrics != nil {
		h.metrics.ActiveConnections.WithLabelValues(string(ident.Kind)).Dec()
		h.metrics.PendingRequests.Set(float64(h.correlator.PendingCount()))
	}

	if !h.registry.IsOnline(ident.ID) {
		h.router.BroadcastPresence(ident.ID, false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev := &store.ConnectionEvent{
		ConnID:     conn.ID,
		IdentityID: ident.ID,
		Kind:       string(ident.Kind),
		Event:      "closed",
		Reason:     reason,
		OccurredAt: h.clk.Now(),
	}
	if err := h.audit.RecordConnectionEvent(ctx, ev); err != nil {
		h.logger.Warn("audit write failed", "error", err)
	}
}

// Run starts the hub and blocks until the context is cancelled or a server
// error occurs. Returns nil on graceful shutdown.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := h.setupListener(ctx)
	if err != nil {
		return err
	}

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	defer cancelSweeps()
	go h.supervisor.Run(sweepCtx)
	go h.correlator.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("listening", "addr", ln.Addr().String(), "ws_path", h.config.Server.WSPath)
		if err := h.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := h.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the TCP or tsnet listener per configuration.
func (h *Hub) setupListener(ctx context.Context) (net.Listener, error) {
	if h.config.Tailscale.Enabled {
		return h.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", h.config.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", h.config.Server.ListenAddr, err)
	}
	return ln, nil
}

// Shutdown stops accepting connections, drains the live ones, and releases
// resources.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down")

	if err := h.httpServer.Shutdown(ctx); err != nil {
		h.logger.Warn("http shutdown", "error", err)
	}

	h.supervisor.Shutdown(ctx)

	h.seen.Close()
	h.sshVerifier.Close()
	if h.tsnetServer != nil {
		if err := h.tsnetServer.Close(); err != nil {
			h.logger.Warn("tsnet close", "error", err)
		}
	}
	if err := h.audit.Close(); err != nil {
		return fmt.Errorf("closing audit store: %w", err)
	}

	h.logger.Info("shutdown complete")
	return nil
}
