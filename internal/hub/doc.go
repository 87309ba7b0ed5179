// Package hub wires the switchboard components together and serves them.
//
// # Overview
//
// The Hub owns every long-lived component: the connection registry, the
// session supervisor, the request correlator, the router, the auth
// resolver, the audit store, and the HTTP server. It is the only package
// that knows how they fit together.
//
// # Connection Lifecycle
//
// A websocket connection moves through:
//
//  1. Upgrade (handleWS)
//  2. Handshake: first frame must be auth; the resolver verifies the
//     credential and classifies the identity
//  3. Registration: the connection is added to the registry and tracked by
//     the supervisor; a presence broadcast fires if the identity just came
//     online
//  4. Read loop: each frame is routed; routing failures are answered with
//     an error frame on the same connection
//  5. Teardown: on read error or liveness expiry the supervisor drains the
//     outbound queue, closes the transport, and runs the close hooks
//     (unregister, correlator cleanup, offline broadcast, audit)
//
// # HTTP API
//
//   - GET /ws - websocket endpoint (path configurable)
//   - GET /health - liveness
//   - GET /health/ready - readiness
//   - GET /api/online - list connected identities
//   - GET /api/online/{id} - presence for one identity
//   - GET /metrics - Prometheus metrics (when enabled)
//
// # Listeners
//
// The hub serves on a plain TCP listener by default, or directly on a
// tailnet via tsnet when tailscale.enabled is set.
//
// # Lifecycle
//
//	h, err := hub.New(cfg, logger)
//	err = h.Run(ctx) // blocks until ctx is done, then drains
package hub
