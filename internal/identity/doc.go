// Package identity defines the classified peer kinds and their
// capability sets.
//
// Kinds: user-session, native-agent, mcp-bridge, a2a-bridge. Capabilities
// gate which message types a connection may send; each kind carries a
// default set that token claims can override.
package identity
