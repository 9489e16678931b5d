// Package storage persists tasks and runs.
//
// Drivers:
//   - "memory": process-local maps (tests, single-shot runs)
//   - "file": memory plus a JSON Lines journal and periodic snapshot
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via pgx
//
// Every driver gives the same guarantees: CreateRun stores the run and bumps
// the owning task's run counter in one step, and external ids are unique.
package storage
