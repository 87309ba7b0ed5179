// ABOUTME: Websocket transport: upgrade, handshake, and per-connection loops.
// ABOUTME: One reader and one writer goroutine per connection.

package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayops/switchboard/internal/auth"
	"github.com/relayops/switchboard/internal/delivery"
	"github.com/relayops/switchboard/internal/identity"
	"github.com/relayops/switchboard/internal/router"
	"github.com/relayops/switchboard/internal/session"
	"github.com/relayops/switchboard/internal/store"
	"github.com/relayops/switchboard/internal/wire"
)

// Handshake rejection codes carried in the error frame before close.
const (
	codeAuthRejected    = "auth-rejected"
	codeAuthUnavailable = "auth-unavailable"
	codeHandshakeFailed = "handshake-failed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTransport adapts a websocket connection to session.Transport. The write
// mutex serializes control frames with envelope writes; envelope ordering
// itself comes from the single writer goroutine.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) WriteEnvelope(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadEnvelope() (*wire.Envelope, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Parse(data)
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()
	return t.conn.Close()
}

// handleWS accepts a websocket connection, runs the handshake, and drives
// the read loop until the peer goes away.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	tr := &wsTransport{conn: ws}
	queue := delivery.NewWithClock(
		h.config.Sessions.QueueCapacity,
		delivery.BlockWithTimeout,
		h.config.Sessions.EnqueueTimeout,
		h.clk)
	conn := session.NewConnection(tr, queue, h.clk)

	ident, err := h.handshake(r.Context(), tr, conn)
	if err != nil {
		h.logger.Info("handshake failed", "remote", r.RemoteAddr, "error", err)
		queue.Close()
		_ = tr.Close()
		return
	}

	logger := h.logger.With("conn_id", conn.ID, "identity_id", ident.ID, "kind", ident.Kind)
	logger.Info("connection established")

	wasOnline := h.registry.IsOnline(ident.ID)
	if err := h.registry.Register(ident.ID, conn); err != nil {
		logger.Error("registry insert failed", "error", err)
		queue.Close()
		_ = tr.Close()
		return
	}
	if err := conn.Activate(); err != nil {
		logger.Error("activate failed", "error", err)
		h.registry.Unregister(conn)
		queue.Close()
		_ = tr.Close()
		return
	}
	h.supervisor.Track(conn)

	if h.metrics != nil {
		h.metrics.ActiveConnections.WithLabelValues(string(ident.Kind)).Inc()
	}
	h.recordConnectionEvent(conn, ident.ID, string(ident.Kind), "connected", "")
	if !wasOnline {
		h.router.BroadcastPresence(ident.ID, true)
	}

	// Single writer per connection: envelopes leave in enqueue order.
	go func() {
		_ = queue.Run(context.Background(), tr.WriteEnvelope)
		conn.FinishWriter()
	}()

	h.ack(conn, ident.ID)
	h.readLoop(conn, tr, logger)
}

// handshake reads the auth frame and resolves the peer's identity. The
// deadline covers the whole exchange; a silent peer is cut off.
func (h *Hub) handshake(ctx context.Context, tr *wsTransport, conn *session.Connection) (*identity.Identity, error) {
	if err := tr.conn.SetReadDeadline(h.clk.Now().Add(h.config.Sessions.HandshakeTimeout)); err != nil {
		return nil, err
	}

	env, err := tr.ReadEnvelope()
	if err != nil {
		return nil, err
	}
	if env.Type != wire.KindAuth {
		h.refuse(tr, codeHandshakeFailed, "first frame must be auth", env.Nonce)
		return nil, errors.New("first frame was not auth")
	}

	payload, err := wire.DecodeAuth(env)
	if err != nil {
		h.refuse(tr, codeHandshakeFailed, "malformed auth payload", env.Nonce)
		return nil, err
	}

	authCtx, cancel := context.WithTimeout(ctx, h.config.Sessions.HandshakeTimeout)
	defer cancel()
	resolved, err := h.resolver.Resolve(authCtx, payload)
	if err != nil {
		code := codeAuthRejected
		class := "rejected"
		if errors.Is(err, auth.ErrAuthServiceUnavailable) {
			code = codeAuthUnavailable
			class = "unavailable"
		}
		if h.metrics != nil {
			h.metrics.AuthFailures.WithLabelValues(class).Inc()
		}
		h.recordConnectionEvent(conn, payload.IdentityID, "", "auth-rejected", code)
		h.refuse(tr, code, "authentication failed", env.Nonce)
		return nil, err
	}

	if err := conn.Authenticate(resolved, payload.Subscriptions); err != nil {
		return nil, err
	}

	// Liveness is enforced by the supervisor sweep from here on.
	if err := tr.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return resolved, nil
}

// refuse writes a terminal error frame during the handshake, best effort.
func (h *Hub) refuse(tr *wsTransport, code, message, nonce string) {
	frame := wire.NewError(code, message, nonce, h.clk.Now())
	if err := tr.WriteEnvelope(frame); err != nil {
		h.logger.Debug("could not write refusal", "error", err)
	}
}

// ack confirms the handshake to the peer over the normal delivery path.
func (h *Hub) ack(conn *session.Connection, identityID string) {
	frame := &wire.Envelope{
		Type:        wire.KindStatus,
		RecipientID: identityID,
		Payload:     []byte(`{"authenticated":true}`),
		Timestamp:   h.clk.Now(),
	}
	if err := conn.Deliver(frame); err != nil {
		h.logger.Debug("ack undeliverable", "conn_id", conn.ID, "error", err)
	}
}

// readLoop decodes inbound frames and hands them to the router until the
// transport errors out.
func (h *Hub) readLoop(conn *session.Connection, tr *wsTransport, logger *slog.Logger) {
	for {
		env, err := tr.ReadEnvelope()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				// The frame did not decode; the connection stays open.
				h.answerRouteError(conn, &wire.Envelope{}, err)
				continue
			}
			logger.Debug("read loop ended", "error", err)
			h.supervisor.Close(conn, "peer-disconnect")
			return
		}

		conn.Touch()

		if env.Type == wire.KindAuth {
			logger.Debug("ignoring auth frame after handshake")
			continue
		}

		if err := h.route(conn, env); err != nil {
			h.answerRouteError(conn, env, err)
		}
	}
}

// route passes one envelope to the router with a bounded context for audit
// writes.
func (h *Hub) route(conn *session.Connection, env *wire.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.router.Route(ctx, conn, env)
	if err == nil && h.metrics != nil {
		h.metrics.PendingRequests.Set(float64(h.correlator.PendingCount()))
	}
	return err
}

// answerRouteError reports a routing failure back to the sender. Rejections
// without a code (stale correlations) are logged only.
func (h *Hub) answerRouteError(conn *session.Connection, env *wire.Envelope, err error) {
	code := router.ErrorCode(err)
	if code == "" {
		h.logger.Debug("dropping frame without error reply",
			"conn_id", conn.ID, "type", env.Type, "error", err)
		return
	}

	frame := wire.NewError(code, err.Error(), env.Nonce, h.clk.Now())
	frame.CorrelationID = env.CorrelationID
	if deliverErr := conn.Deliver(frame); deliverErr != nil {
		h.logger.Debug("error frame undeliverable", "conn_id", conn.ID, "error", deliverErr)
	}
}

// recordConnectionEvent appends to the audit trail with a bounded context.
func (h *Hub) recordConnectionEvent(conn *session.Connection, identityID, kind, event, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ev := &store.ConnectionEvent{
		ConnID:     conn.ID,
		IdentityID: identityID,
		Kind:       kind,
		Event:      event,
		Reason:     reason,
		OccurredAt: h.clk.Now(),
	}
	if err := h.audit.RecordConnectionEvent(ctx, ev); err != nil {
		h.logger.Warn("audit write failed", "error", err)
	}
}
