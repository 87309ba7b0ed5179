// Package router moves envelopes between connections.
//
// # Routing Rules
//
//   - chat: fanned out to every connection of the recipient identity;
//     fails fast with unknown-recipient when nobody is online
//   - tool-call: deduplicated by (sender, correlation id), tracked by the
//     correlator, then fanned out; a failed route clears the dedupe mark
//     so the sender can retry
//   - tool-response: resolved against the pending request; stale responses
//     are dropped without an error frame
//   - status: broadcast to subscribers when no recipient is named;
//     directed status to an offline identity is silently discarded
//   - error: forwarded to the pending requester when correlated, otherwise
//     to the named recipient
//
// Senders may omit sender_id; the router fills it from the authenticated
// identity and rejects any mismatch. Capability checks run before routing.
package router
