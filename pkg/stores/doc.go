// Package stores provides the persistence layer for lattice.
// It holds resource records, dependency edges, operation records, step
// records, operation logs, cache metadata and the audit trail in a single
// SQLite database running in WAL mode. Schema changes are applied through
// embedded golang-migrate migrations.
//
// Resource deletion is always soft. Operation status changes are conditional
// updates keyed by execution id, so concurrent executions never need
// row-level locking.
package stores
