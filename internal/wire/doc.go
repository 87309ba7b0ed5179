// Package wire defines the JSON envelope exchanged over websocket
// connections.
//
// # Envelope Format
//
// Every frame is a single JSON object:
//
//	{
//	  "type": "chat",
//	  "correlation_id": "req-42",
//	  "sender_id": "user-1",
//	  "recipient_id": "agent-7",
//	  "payload": {"text": "hello"},
//	  "timestamp": "2025-06-01T12:00:00Z",
//	  "nonce": "client-chosen"
//	}
//
// The payload is opaque to the router; it is carried as raw JSON and never
// inspected.
//
// # Message Types
//
//   - auth: handshake frame, first frame on every connection
//   - chat: ordered conversational traffic between identities
//   - tool-call: request half of a correlated exchange
//   - tool-response: response half, matched by correlation_id
//   - status: ephemeral presence/progress traffic, droppable
//   - error: rejection or failure report
//
// A status frame with no recipient_id is a broadcast.
//
// # Malformed Frames
//
// Parse returns ErrMalformed (wrapped) for anything that is not a valid
// envelope: undecodable JSON, an unknown type, or a missing required field.
// Callers answer those with an error frame and keep the connection open.
package wire
