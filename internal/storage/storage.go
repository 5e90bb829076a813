// Package storage opens the single SQLite database shared by the
// outbound queue, the persistent agent state (enabled flag, last-known
// endpoint) and the operator table, mirroring the teacher's preference
// for durable small-state-via-storage over purely in-memory state.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (creating if necessary) the database at path. Pass
// ":memory:" for a non-durable database suitable for tests.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; serialize through one connection.
	return db, nil
}
