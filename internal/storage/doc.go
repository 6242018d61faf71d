// Package storage provides the persistence layer behind the readiness store
// and the idempotency ledger.
//
// Drivers:
//   - "memory":   process-local maps (tests, dev)
//   - "sqlite":   SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
package storage
