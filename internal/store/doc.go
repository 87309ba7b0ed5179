// Package store persists the audit trail using SQLite.
//
// Two tables back the trail: connection_events records lifecycle changes
// (connected, closed, auth-rejected) and rejected_envelopes records every
// routing rejection with its code. The database runs in WAL mode; all
// methods accept a context.
package store
