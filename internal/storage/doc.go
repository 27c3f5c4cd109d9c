// Package storage persists users, their accounts, the global schedule state
// and the audit trail.
//
// All mutation goes through read-modify-write functions (UpdateUser,
// UpdateGlobal) so callers never depend on field-level atomicity. Drivers:
//   - memory: process-local, for tests and dry runs
//   - file: one JSON document written atomically, audit as JSON Lines
//   - sqlite: modernc.org/sqlite (pure Go), WAL
//   - postgres: pgx pool, JSONB documents, SELECT ... FOR UPDATE
package storage
