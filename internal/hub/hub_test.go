// ABOUTME: Integration tests for the hub over real websocket connections.
// ABOUTME: Exercises handshake, routing, presence, and the HTTP API end to end.

package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayops/switchboard/internal/auth"
	"github.com/relayops/switchboard/internal/config"
	"github.com/relayops/switchboard/internal/identity"
	"github.com/relayops/switchboard/internal/wire"
)

const testSecret = "hub-test-secret"

type testHub struct {
	hub    *Hub
	server *httptest.Server
	tokens *auth.JWTVerifier
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.WSPath = "/ws"
	cfg.Auth.JWTSecret = testSecret
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	cfg.Sessions.QueueCapacity = 16
	cfg.Sessions.HandshakeTimeout = 2 * time.Second
	cfg.Sessions.LivenessTimeout = time.Minute
	cfg.Sessions.LivenessSweep = time.Second
	cfg.Sessions.DrainTimeout = time.Second
	cfg.Sessions.CorrelationDeadline = 30 * time.Second
	cfg.Sessions.CorrelationSweep = time.Second
	cfg.Sessions.EnqueueTimeout = 200 * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := New(cfg, logger)
	require.NoError(t, err)

	server := httptest.NewServer(h.httpServer.Handler)
	t.Cleanup(server.Close)

	tokens, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	return &testHub{hub: h, server: server, tokens: tokens}
}

func (th *testHub) wsURL() string {
	return "ws" + strings.TrimPrefix(th.server.URL, "http") + "/ws"
}

// dial opens a websocket and completes the handshake for an identity.
func (th *testHub) dial(t *testing.T, identityID string, kind identity.Kind, subs []string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(th.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	token, err := th.tokens.Generate(identityID, kind, nil, time.Hour)
	require.NoError(t, err)

	sendEnvelope(t, ws, &wire.Envelope{
		Type:      wire.KindAuth,
		Payload:   mustMarshal(t, wire.AuthPayload{Token: token, Subscriptions: subs}),
		Timestamp: time.Now(),
	})

	ack := readEnvelope(t, ws)
	require.Equal(t, wire.KindStatus, ack.Type)
	require.JSONEq(t, `{"authenticated":true}`, string(ack.Payload))
	return ws
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, env *wire.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Parse(data)
	require.NoError(t, err)
	return env
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestHandshakeAndPresenceQuery(t *testing.T) {
	th := newTestHub(t)
	th.dial(t, "user-7", identity.KindUserSession, nil)

	resp, err := http.Get(th.server.URL + "/api/online/user-7")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		IdentityID  string `json:"identity_id"`
		Online      bool   `json:"online"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Online)
	assert.Equal(t, 1, body.Connections)

	offline, err := http.Get(th.server.URL + "/api/online/nobody")
	require.NoError(t, err)
	defer offline.Body.Close()
	require.NoError(t, json.NewDecoder(offline.Body).Decode(&body))
	assert.False(t, body.Online)
}

func TestHandshakeRejected(t *testing.T) {
	th := newTestHub(t)

	ws, _, err := websocket.DefaultDialer.Dial(th.wsURL(), nil)
	require.NoError(t, err)
	defer ws.Close()

	sendEnvelope(t, ws, &wire.Envelope{
		Type:      wire.KindAuth,
		Payload:   mustMarshal(t, wire.AuthPayload{Token: "garbage"}),
		Timestamp: time.Now(),
		Nonce:     "n-1",
	})

	env := readEnvelope(t, ws)
	assert.Equal(t, wire.KindError, env.Type)
	assert.Equal(t, "n-1", env.Nonce)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "auth-rejected", payload.Code)

	// The hub closes the transport after a refused handshake.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeRequiresAuthFrame(t *testing.T) {
	th := newTestHub(t)

	ws, _, err := websocket.DefaultDialer.Dial(th.wsURL(), nil)
	require.NoError(t, err)
	defer ws.Close()

	sendEnvelope(t, ws, &wire.Envelope{
		Type:        wire.KindChat,
		RecipientID: "agent-1",
		Payload:     json.RawMessage(`"hi"`),
		Timestamp:   time.Now(),
	})

	env := readEnvelope(t, ws)
	assert.Equal(t, wire.KindError, env.Type)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "handshake-failed", payload.Code)
}

func TestChatBetweenPeers(t *testing.T) {
	th := newTestHub(t)
	userWS := th.dial(t, "user-7", identity.KindUserSession, nil)
	agentWS := th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	sendEnvelope(t, userWS, &wire.Envelope{
		Type:        wire.KindChat,
		RecipientID: "agent-1",
		Payload:     json.RawMessage(`"hi"`),
		Timestamp:   time.Now(),
	})

	got := readEnvelope(t, agentWS)
	assert.Equal(t, wire.KindChat, got.Type)
	assert.Equal(t, "user-7", got.SenderID, "sender filled from the handshake identity")
	assert.JSONEq(t, `"hi"`, string(got.Payload))
}

func TestUnknownRecipientErrorFrame(t *testing.T) {
	th := newTestHub(t)
	userWS := th.dial(t, "user-7", identity.KindUserSession, nil)

	sendEnvelope(t, userWS, &wire.Envelope{
		Type:        wire.KindChat,
		RecipientID: "nobody",
		Payload:     json.RawMessage(`"hi"`),
		Timestamp:   time.Now(),
		Nonce:       "n-42",
	})

	env := readEnvelope(t, userWS)
	assert.Equal(t, wire.KindError, env.Type)
	assert.Equal(t, "n-42", env.Nonce)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "unknown-recipient", payload.Code)
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	th := newTestHub(t)
	userWS := th.dial(t, "user-7", identity.KindUserSession, nil)
	agentWS := th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	require.NoError(t, userWS.WriteMessage(websocket.TextMessage, []byte("not json")))

	env := readEnvelope(t, userWS)
	assert.Equal(t, wire.KindError, env.Type)

	// The connection survives and keeps routing.
	sendEnvelope(t, userWS, &wire.Envelope{
		Type:        wire.KindChat,
		RecipientID: "agent-1",
		Payload:     json.RawMessage(`"still here"`),
		Timestamp:   time.Now(),
	})
	got := readEnvelope(t, agentWS)
	assert.JSONEq(t, `"still here"`, string(got.Payload))
}

func TestToolCallRoundTripOverWire(t *testing.T) {
	th := newTestHub(t)
	userWS := th.dial(t, "user-7", identity.KindUserSession, nil)
	agentWS := th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	sendEnvelope(t, userWS, &wire.Envelope{
		Type:          wire.KindToolCall,
		CorrelationID: "call-1",
		RecipientID:   "agent-1",
		Payload:       json.RawMessage(`{"tool":"search","args":{"q":"weather"}}`),
		Timestamp:     time.Now(),
	})

	call := readEnvelope(t, agentWS)
	require.Equal(t, wire.KindToolCall, call.Type)
	require.Equal(t, "call-1", call.CorrelationID)

	sendEnvelope(t, agentWS, &wire.Envelope{
		Type:          wire.KindToolResponse,
		CorrelationID: "call-1",
		Payload:       json.RawMessage(`{"result":"sunny"}`),
		Timestamp:     time.Now(),
	})

	resp := readEnvelope(t, userWS)
	assert.Equal(t, wire.KindToolResponse, resp.Type)
	assert.Equal(t, "call-1", resp.CorrelationID)
	assert.JSONEq(t, `{"result":"sunny"}`, string(resp.Payload))
}

func TestPresenceBroadcastOnConnect(t *testing.T) {
	th := newTestHub(t)
	userWS := th.dial(t, "user-7", identity.KindUserSession, []string{"agent-1"})

	th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	env := readEnvelope(t, userWS)
	assert.Equal(t, wire.KindStatus, env.Type)
	assert.Equal(t, "agent-1", env.SenderID)

	var payload struct {
		IdentityID string `json:"identity_id"`
		Online     bool   `json:"online"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "agent-1", payload.IdentityID)
	assert.True(t, payload.Online)
}

func TestHealthEndpoints(t *testing.T) {
	th := newTestHub(t)
	th.dial(t, "user-7", identity.KindUserSession, nil)

	resp, err := http.Get(th.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)

	ready, err := http.Get(th.server.URL + "/health/ready")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestOnlineList(t *testing.T) {
	th := newTestHub(t)
	th.dial(t, "user-7", identity.KindUserSession, nil)
	th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	resp, err := http.Get(th.server.URL + "/api/online")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Online []string `json:"online"`
		Count  int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.ElementsMatch(t, []string{"user-7", "agent-1"}, body.Online)
}

func TestCapabilityRejectionOverWire(t *testing.T) {
	th := newTestHub(t)
	userWS := th.dial(t, "user-7", identity.KindUserSession, nil)
	th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	// user-session identities may not send tool-responses.
	sendEnvelope(t, userWS, &wire.Envelope{
		Type:          wire.KindToolResponse,
		CorrelationID: "call-9",
		Payload:       json.RawMessage(`{}`),
		Timestamp:     time.Now(),
		Nonce:         "n-cap",
	})

	env := readEnvelope(t, userWS)
	assert.Equal(t, wire.KindError, env.Type)
	assert.Equal(t, "n-cap", env.Nonce)

	var payload wire.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "unauthorized", payload.Code)
}

func TestDisconnectCleansUpPresence(t *testing.T) {
	th := newTestHub(t)
	subWS := th.dial(t, "user-7", identity.KindUserSession, []string{"agent-1"})
	agentWS := th.dial(t, "agent-1", identity.KindNativeAgent, nil)

	// Swallow the online broadcast.
	online := readEnvelope(t, subWS)
	require.Equal(t, wire.KindStatus, online.Type)

	agentWS.Close()

	offline := readEnvelope(t, subWS)
	assert.Equal(t, wire.KindStatus, offline.Type)
	var payload struct {
		Online bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(offline.Payload, &payload))
	assert.False(t, payload.Online)

	assert.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("%s/api/online/%s", th.server.URL, "agent-1"))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		return !body.Online
	}, 2*time.Second, 20*time.Millisecond)
}
