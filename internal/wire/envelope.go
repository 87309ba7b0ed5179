// ABOUTME: Envelope is the unit of routing between connected identities.
// ABOUTME: Defines the JSON frame format, message kinds, and schema validation.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed indicates a frame that fails schema validation. Malformed
// frames are answered with an error frame echoing the client nonce; the
// connection stays open.
var ErrMalformed = errors.New("malformed envelope")

// Kind identifies the type of an envelope.
type Kind string

const (
	// KindAuth is the first frame on a new connection, carrying credentials.
	KindAuth Kind = "auth"

	// KindChat is a directed application message with an opaque payload.
	KindChat Kind = "chat"

	// KindToolCall is a correlated request expecting a KindToolResponse.
	KindToolCall Kind = "tool-call"

	// KindToolResponse answers an outstanding KindToolCall.
	KindToolResponse Kind = "tool-response"

	// KindStatus is best-effort presence/status traffic. A status envelope
	// without a recipient is a broadcast.
	KindStatus Kind = "status"

	// KindError reports a failure. With a correlation id it resolves the
	// matching pending tool-call; otherwise it is routed like chat.
	KindError Kind = "error"
)

// knownKinds is the set of kinds accepted on the wire.
var knownKinds = map[Kind]bool{
	KindAuth:         true,
	KindChat:         true,
	KindToolCall:     true,
	KindToolResponse: true,
	KindStatus:       true,
	KindError:        true,
}

// Envelope is the routed frame. The payload is opaque to the router;
// interpretation belongs to the identity that owns the message kind.
type Envelope struct {
	Type          Kind            `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SenderID      string          `json:"sender_id,omitempty"`
	RecipientID   string          `json:"recipient_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Nonce         string          `json:"nonce,omitempty"`
}

// Broadcast reports whether the envelope fans out to subscribers rather
// than routing to a single recipient identity.
func (e *Envelope) Broadcast() bool {
	return e.Type == KindStatus && e.RecipientID == ""
}

// Validate checks the envelope schema. It does not check authorization or
// recipient liveness; those are routing concerns.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !knownKinds[e.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Type)
	}

	switch e.Type {
	case KindToolCall, KindToolResponse:
		if e.CorrelationID == "" {
			return fmt.Errorf("%w: %s requires correlation_id", ErrMalformed, e.Type)
		}
		if e.RecipientID == "" && e.Type == KindToolCall {
			return fmt.Errorf("%w: tool-call requires recipient_id", ErrMalformed)
		}
	case KindChat:
		if e.RecipientID == "" {
			return fmt.Errorf("%w: chat requires recipient_id", ErrMalformed)
		}
	case KindError:
		if e.CorrelationID == "" && e.RecipientID == "" {
			return fmt.Errorf("%w: error requires correlation_id or recipient_id", ErrMalformed)
		}
	}

	return nil
}

// Parse decodes a raw text frame into an Envelope. Unparseable frames are
// malformed.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// Encode serializes an envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ErrorPayload is the payload of router-synthesized error frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error frame addressed to the originator of a rejected
// envelope. The client-assigned nonce is echoed so the sender can match the
// failure to the frame it sent.
func NewError(code, message, nonce string, now time.Time) *Envelope {
	payload, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return &Envelope{
		Type:      KindError,
		Payload:   payload,
		Timestamp: now,
		Nonce:     nonce,
	}
}

// AuthPayload is the payload of the handshake auth frame. Exactly one
// credential form is expected: a bearer token, or an SSH signature for
// native agents.
type AuthPayload struct {
	Token string `json:"token,omitempty"`

	// SSH signature credentials (native agents).
	IdentityID string `json:"identity_id,omitempty"`
	Pubkey     string `json:"pubkey,omitempty"`
	Signature  string `json:"signature,omitempty"`
	SignedAt   int64  `json:"signed_at,omitempty"`
	AuthNonce  string `json:"auth_nonce,omitempty"`

	// Subscriptions lists identity ids whose presence changes this
	// connection wants to receive.
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// DecodeAuth extracts the AuthPayload from an auth envelope.
func DecodeAuth(e *Envelope) (*AuthPayload, error) {
	if e.Type != KindAuth {
		return nil, fmt.Errorf("%w: first frame must be auth, got %q", ErrMalformed, e.Type)
	}
	var p AuthPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: auth payload: %v", ErrMalformed, err)
	}
	return &p, nil
}
