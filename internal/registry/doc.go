// Package registry maps identities to their live connections.
//
// An identity may hold several connections at once; each connection
// belongs to at most one identity. Lookups return copies, so callers can
// iterate without holding registry locks.
package registry
