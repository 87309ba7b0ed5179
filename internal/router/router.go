// ABOUTME: Validates inbound envelopes and moves them to recipient queues.
// ABOUTME: Owns capability checks, offline policy, fan-out, and correlation hand-off.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/relayops/switchboard/internal/correlate"
	"github.com/relayops/switchboard/internal/dedupe"
	"github.com/relayops/switchboard/internal/delivery"
	"github.com/relayops/switchboard/internal/identity"
	"github.com/relayops/switchboard/internal/metrics"
	"github.com/relayops/switchboard/internal/registry"
	"github.com/relayops/switchboard/internal/session"
	"github.com/relayops/switchboard/internal/store"
	"github.com/relayops/switchboard/internal/wire"
)

// Router errors
var (
	// ErrUnauthorized means the sender's capability set does not permit the
	// message kind, or the sender_id does not match the authenticated
	// identity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnknownRecipient means the recipient identity has no live
	// connection. The router does not persist undeliverable messages.
	ErrUnknownRecipient = errors.New("unknown recipient")
)

// Rejection codes carried in synthesized error frames.
const (
	CodeMalformed           = "malformed-envelope"
	CodeUnauthorized        = "unauthorized"
	CodeUnknownRecipient    = "unknown-recipient"
	CodeBackpressureTimeout = "backpressure-timeout"
	CodeDuplicateDelivery   = "duplicate-correlation"
)

// requiredCapability maps each routable kind to the capability a sender
// needs. Error frames carry no requirement: any peer may report a failure.
var requiredCapability = map[wire.Kind]identity.Capability{
	wire.KindChat:         identity.CapChat,
	wire.KindToolCall:     identity.CapToolInvoke,
	wire.KindToolResponse: identity.CapToolRespond,
	wire.KindStatus:       identity.CapStatusBroadcast,
}

// Router resolves recipients and enqueues envelopes. It holds no lock of
// its own; the registry's critical sections are short and delivery happens
// after lookup, so a slow recipient never blocks an unrelated route.
type Router struct {
	registry   *registry.Registry
	correlator *correlate.Correlator
	seen       *dedupe.Cache
	policies   map[wire.Kind]delivery.Policy
	audit      store.AuditStore
	metrics    *metrics.Metrics
	clk        clock.Clock
	logger     *slog.Logger
}

// New creates a router. audit and m may be nil.
func New(
	reg *registry.Registry,
	correlator *correlate.Correlator,
	seen *dedupe.Cache,
	policies map[wire.Kind]delivery.Policy,
	audit store.AuditStore,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *slog.Logger,
) *Router {
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Router{
		registry:   reg,
		correlator: correlator,
		seen:       seen,
		policies:   policies,
		audit:      audit,
		metrics:    m,
		clk:        clk,
		logger:     logger.With("component", "router"),
	}
}

// DefaultPolicies returns the per-kind backpressure policies: status
// traffic tolerates staleness, everything else must not be silently lost.
func DefaultPolicies() map[wire.Kind]delivery.Policy {
	return map[wire.Kind]delivery.Policy{
		wire.KindChat:         delivery.BlockWithTimeout,
		wire.KindToolCall:     delivery.BlockWithTimeout,
		wire.KindToolResponse: delivery.BlockWithTimeout,
		wire.KindError:        delivery.BlockWithTimeout,
		wire.KindStatus:       delivery.DropOldest,
	}
}

// Route validates an inbound envelope from an authenticated connection and
// delivers it. The returned error classifies the rejection; the transport
// layer decides whether to answer with an error frame.
func (r *Router) Route(ctx context.Context, sender *session.Connection, env *wire.Envelope) error {
	if err := env.Validate(); err != nil {
		r.reject(ctx, env, CodeMalformed)
		return err
	}

	ident := sender.Identity()
	if ident == nil {
		return fmt.Errorf("%w: connection not authenticated", ErrUnauthorized)
	}

	// The sender field is authoritative from the handshake, never from the
	// frame. An empty sender_id is filled in; a mismatched one is spoofing.
	if env.SenderID == "" {
		env.SenderID = ident.ID
	} else if env.SenderID != ident.ID {
		r.reject(ctx, env, CodeUnauthorized)
		return fmt.Errorf("%w: sender_id %q does not match identity %q", ErrUnauthorized, env.SenderID, ident.ID)
	}

	if needed, ok := requiredCapability[env.Type]; ok && !ident.Can(needed) {
		r.reject(ctx, env, CodeUnauthorized)
		return fmt.Errorf("%w: %s lacks capability %s", ErrUnauthorized, ident.ID, needed)
	}

	var err error
	switch env.Type {
	case wire.KindToolCall:
		err = r.routeToolCall(ctx, sender, env)
	case wire.KindToolResponse:
		err = r.routeToolResponse(env)
	case wire.KindError:
		err = r.routeError(ctx, env)
	case wire.KindStatus:
		err = r.routeStatus(env)
	default:
		err = r.routeDirected(ctx, env)
	}

	if err == nil && r.metrics != nil {
		r.metrics.EnvelopesRouted.WithLabelValues(string(env.Type)).Inc()
	}
	return err
}

// routeToolCall registers the pending request, then fans the call out to
// the recipient's connections. Duplicate correlation ids within the dedupe
// window are refused so a retried frame cannot invoke a tool twice. A call
// that fails outright leaves no mark behind; the sender may retry with the
// same correlation id after observing the failure.
func (r *Router) routeToolCall(ctx context.Context, sender *session.Connection, env *wire.Envelope) error {
	targets := r.registry.Lookup(env.RecipientID)
	if len(targets) == 0 {
		r.reject(ctx, env, CodeUnknownRecipient)
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, env.RecipientID)
	}

	dedupeKey := env.SenderID + ":" + env.CorrelationID
	if r.seen.CheckAndMark(dedupeKey) {
		r.reject(ctx, env, CodeDuplicateDelivery)
		return fmt.Errorf("%w: %s", correlate.ErrDuplicateCorrelation, env.CorrelationID)
	}

	if err := r.correlator.Track(env.CorrelationID, sender); err != nil {
		r.seen.Forget(dedupeKey)
		r.reject(ctx, env, CodeDuplicateDelivery)
		return err
	}

	if err := r.fanOut(ctx, env, targets); err != nil {
		// Nothing was delivered; the pending request will never resolve.
		r.correlator.Cancel(env.CorrelationID)
		r.seen.Forget(dedupeKey)
		return err
	}
	return nil
}

// routeToolResponse hands the response to the correlator, which delivers it
// to the requester connection.
func (r *Router) routeToolResponse(env *wire.Envelope) error {
	return r.correlator.Resolve(env)
}

// routeError resolves correlated errors as responses; uncorrelated ones
// route like chat.
func (r *Router) routeError(ctx context.Context, env *wire.Envelope) error {
	if env.CorrelationID != "" {
		return r.correlator.Resolve(env)
	}
	return r.routeDirected(ctx, env)
}

// routeStatus handles best-effort presence traffic. Broadcasts fan out to
// every connection subscribed to the sender; directed status to an offline
// identity is silently discarded.
func (r *Router) routeStatus(env *wire.Envelope) error {
	if env.Broadcast() {
		senderID := env.SenderID
		targets := r.registry.BroadcastTargets(func(c *session.Connection) bool {
			return c.SubscribedTo(senderID)
		})
		r.deliverBestEffort(env, targets)
		return nil
	}

	targets := r.registry.Lookup(env.RecipientID)
	r.deliverBestEffort(env, targets)
	return nil
}

// routeDirected delivers chat-kind traffic to every live connection of the
// recipient identity, failing fast when there are none.
func (r *Router) routeDirected(ctx context.Context, env *wire.Envelope) error {
	targets := r.registry.Lookup(env.RecipientID)
	if len(targets) == 0 {
		r.reject(ctx, env, CodeUnknownRecipient)
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, env.RecipientID)
	}
	return r.fanOut(ctx, env, targets)
}

// fanOut enqueues onto every target. Delivery succeeds if at least one
// connection accepted the envelope; it fails only when all of them refused,
// so a single multi-device laggard does not fail the send.
func (r *Router) fanOut(ctx context.Context, env *wire.Envelope, targets []*session.Connection) error {
	policy := r.policyFor(env.Type)
	var lastErr error
	delivered := 0
	for _, conn := range targets {
		if err := conn.DeliverWith(env, policy); err != nil {
			lastErr = err
			r.logger.Debug("enqueue failed",
				"conn_id", conn.ID,
				"type", env.Type,
				"error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if errors.Is(lastErr, delivery.ErrBackpressureTimeout) {
			r.reject(ctx, env, CodeBackpressureTimeout)
		}
		return lastErr
	}
	return nil
}

// deliverBestEffort enqueues status traffic, counting drops but never
// failing the route.
func (r *Router) deliverBestEffort(env *wire.Envelope, targets []*session.Connection) {
	for _, conn := range targets {
		before := conn.Queue.Dropped()
		if err := conn.DeliverWith(env, delivery.DropOldest); err != nil {
			r.logger.Debug("status undeliverable", "conn_id", conn.ID, "error", err)
			continue
		}
		if r.metrics != nil {
			if evicted := conn.Queue.Dropped() - before; evicted > 0 {
				r.metrics.QueueDrops.Add(float64(evicted))
			}
		}
	}
}

// BroadcastPresence synthesizes a status broadcast about an identity coming
// online or going offline and fans it out to subscribers.
func (r *Router) BroadcastPresence(identityID string, online bool) {
	payload := []byte(fmt.Sprintf(`{"identity_id":%q,"online":%t}`, identityID, online))
	env := &wire.Envelope{
		Type:      wire.KindStatus,
		SenderID:  identityID,
		Payload:   payload,
		Timestamp: r.clk.Now(),
	}
	targets := r.registry.BroadcastTargets(func(c *session.Connection) bool {
		return c.SubscribedTo(identityID)
	})
	r.deliverBestEffort(env, targets)
}

// policyFor returns the configured backpressure policy for a kind.
func (r *Router) policyFor(kind wire.Kind) delivery.Policy {
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return delivery.BlockWithTimeout
}

// reject records a refusal in metrics and the audit trail.
func (r *Router) reject(ctx context.Context, env *wire.Envelope, code string) {
	if r.metrics != nil {
		r.metrics.EnvelopesRejected.WithLabelValues(code).Inc()
	}
	if r.audit != nil {
		rej := &store.RejectedEnvelope{
			SenderID:      env.SenderID,
			RecipientID:   env.RecipientID,
			MessageType:   string(env.Type),
			CorrelationID: env.CorrelationID,
			Code:          code,
			OccurredAt:    r.clk.Now(),
		}
		if err := r.audit.RecordRejectedEnvelope(ctx, rej); err != nil {
			r.logger.Warn("audit write failed", "error", err)
		}
	}
}

// ErrorCode maps a routing error to the code carried in the error frame
// sent back to the peer. Unknown-correlation failures return an empty code:
// stale responses are logged, not answered.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, wire.ErrMalformed):
		return CodeMalformed
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrUnknownRecipient):
		return CodeUnknownRecipient
	case errors.Is(err, delivery.ErrBackpressureTimeout):
		return CodeBackpressureTimeout
	case errors.Is(err, correlate.ErrDuplicateCorrelation):
		return CodeDuplicateDelivery
	default:
		return ""
	}
}
