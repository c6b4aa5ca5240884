// Package collector implements the bounded-concurrency asynchronous
// diagnostic collector: for each anomaly action it runs a configured set of
// quick actions, archives their outputs, and tracks the action's lifecycle
// in a durable action store.
package collector

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// ActionState is the lifecycle state of one action store row.
type ActionState string

const (
	StatePending   ActionState = "pending"
	StateArchiving ActionState = "archiving"
	StateDone      ActionState = "done"
	StateFailed    ActionState = "failed"
)

// ActionRecord is one row of the action store: a single anomaly action's
// current lifecycle state, independent of the raw ring events that caused
// it. The store never holds raw events, only this derived, low-rate signal.
type ActionRecord struct {
	ID          int64
	Kind        string
	TimestampNs int64
	State       ActionState
	CreatedAt   string
	UpdatedAt   string
}

// Store is a WAL-mode SQLite-backed action store. It is safe for concurrent
// use; SQLite permits only one writer at a time, so the connection pool is
// capped at one connection.
type Store struct {
	db *sql.DB
}

const ddl = `
CREATE TABLE IF NOT EXISTS actions (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    kind         TEXT    NOT NULL,
    timestamp_ns INTEGER NOT NULL,
    state        TEXT    NOT NULL,
    created_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_actions_recent ON actions (timestamp_ns DESC);
`

// OpenStore opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("collector: open action store %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("collector: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("collector: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("collector: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Create inserts a new pending row for the given action and returns its ID.
func (s *Store) Create(ctx context.Context, kind string, timestampNs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (kind, timestamp_ns, state) VALUES (?, ?, ?)`,
		kind, timestampNs, StatePending)
	if err != nil {
		return 0, fmt.Errorf("collector: create action: %w", err)
	}
	return res.LastInsertId()
}

// SetState transitions the action identified by id to state.
func (s *Store) SetState(ctx context.Context, id int64, state ActionState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE actions SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		state, id)
	if err != nil {
		return fmt.Errorf("collector: set state for action %d: %w", id, err)
	}
	return nil
}

// Recent returns up to n action records with the largest timestamp_ns,
// highest timestamp_ns first. Creation order does not affect the result.
func (s *Store) Recent(ctx context.Context, n int) ([]ActionRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, timestamp_ns, state, created_at, updated_at
		 FROM   actions
		 ORDER  BY timestamp_ns DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("collector: query recent actions: %w", err)
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		var r ActionRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.TimestampNs, &r.State, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("collector: scan action row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
