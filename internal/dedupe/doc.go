// Package dedupe provides tool-call deduplication using a time-based cache
// to drop repeated correlation ids within a configurable window.
package dedupe
