// Package stores provides SQLite-backed persistence for operational records:
// sync conflicts awaiting resolution, rollback reports, and the audit trail.
// Deployment state itself lives in JSON documents (pkg/state); this database
// holds the records about operations on that state.
package stores
