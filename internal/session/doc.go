// Package session models a single duplex connection and supervises the
// set of live ones.
//
// A Connection moves through Connecting, Authenticated, Active, Draining,
// and Closed; transitions are one-way. The Supervisor sweeps for idle
// connections, drives the drain-then-close teardown, and runs close hooks
// exactly once per connection.
package session
