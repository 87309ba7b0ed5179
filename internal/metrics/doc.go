// Package metrics registers the Prometheus instruments for the hub on a
// private registry.
package metrics
