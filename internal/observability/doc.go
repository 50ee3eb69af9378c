// Package observability holds the registry's event log, metrics snapshots,
// Prometheus collectors, alert evaluation and structured logging. Events
// and snapshots are persisted as JSON Lines next to the registry file.
package observability
