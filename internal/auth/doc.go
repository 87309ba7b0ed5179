// Package auth verifies connection credentials and classifies identities.
//
// # Authentication Methods
//
//   - JWT tokens: user sessions and bridges authenticate with HS256 tokens
//     signed with the configured jwt_secret. Claims carry the identity id,
//     kind, and capability overrides.
//
//   - SSH signatures: native agents sign "timestamp|nonce" with their SSH
//     key. The resolver checks the signature against fingerprints from the
//     identity directory and rejects replayed nonces.
//
// # Resolution
//
// Resolver.Resolve dispatches on the credential present in the auth
// payload and returns a classified identity with its capability set. Two
// failure classes matter to callers:
//
//   - ErrAuthRejected: the credential is bad; the peer should not retry
//     with the same credential
//   - ErrAuthServiceUnavailable: the identity directory could not be
//     reached after a retry; the peer may retry later
//
// # Identity Directory
//
// When configured, an external directory answers identity lookups over
// HTTP (GET /identities/{id}). A 404 means the identity does not exist,
// which is a rejection, not an outage.
package auth
