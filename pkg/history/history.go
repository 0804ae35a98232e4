// Package history is an append-only journal of worker lifecycle events,
// backed by a project-local SQLite database. It supplements the Spawner's
// in-memory worker table (which only reflects currently active workers)
// with a durable record a dashboard or postmortem can query after a worker
// has been released or has crashed.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// EventKind is the kind of lifecycle transition recorded.
type EventKind string

const (
	EventSpawned      EventKind = "spawned"
	EventRegistered   EventKind = "registered"
	EventTaskInjected EventKind = "task_injected"
	EventReleased     EventKind = "released"
	EventExited       EventKind = "exited"
	EventSpawnFailed  EventKind = "spawn_failed"
)

// Record is one journal row.
type Record struct {
	ID     int64     `json:"id"`
	Worker string    `json:"worker"`
	CLI    string    `json:"cli"`
	Kind   EventKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Journal wraps the sqlite-backed store.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS worker_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker TEXT NOT NULL,
	cli TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_history_worker ON worker_history(worker);
`

// Open opens (creating if necessary) the history database at path and
// ensures its schema exists.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: serialize writers, avoid SQLITE_BUSY churn.
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure history schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one lifecycle event. It is best-effort from the caller's
// perspective: callers log and continue on error rather than let a journal
// write failure affect worker supervision.
func (j *Journal) Record(ctx context.Context, worker, cli string, kind EventKind, detail string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO worker_history (worker, cli, kind, detail, at) VALUES (?, ?, ?, ?, ?)`,
		worker, cli, string(kind), detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record history event: %w", err)
	}
	return nil
}

// ForWorker returns every recorded event for a worker, oldest first.
func (j *Journal) ForWorker(ctx context.Context, worker string) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, worker, cli, kind, detail, at FROM worker_history WHERE worker = ? ORDER BY id ASC`,
		worker,
	)
	if err != nil {
		return nil, fmt.Errorf("query worker history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&r.ID, &r.Worker, &r.CLI, &kind, &r.Detail, &r.At); err != nil {
			return nil, fmt.Errorf("scan worker history row: %w", err)
		}
		r.Kind = EventKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Recent returns the most recent limit events across all workers, newest
// first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, worker, cli, kind, detail, at FROM worker_history ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&r.ID, &r.Worker, &r.CLI, &kind, &r.Detail, &r.At); err != nil {
			return nil, fmt.Errorf("scan recent history row: %w", err)
		}
		r.Kind = EventKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}
