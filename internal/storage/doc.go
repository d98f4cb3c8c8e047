// Package storage persists the pipeline's "last delivered" cursor.
//
// The cursor is a single slot, not a history: Load returns the current value
// and Save overwrites it. Drivers:
//   - "file":   JSON document {"last": "..."} replaced via temp file + rename
//   - "sqlite": one-row table in a SQLite database (modernc.org/sqlite, no cgo)
//   - "memory": process-local, for tests and dry runs
package storage
