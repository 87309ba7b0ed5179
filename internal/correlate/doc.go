// Package correlate matches tool responses to their pending requests.
//
// Each tracked request resolves exactly once: a response, the deadline
// sweep, or the requester disconnecting. Whichever happens first wins a
// single compare-and-swap; the losers become no-ops. Expired requests are
// answered with a synthesized correlation-timeout error frame.
package correlate
