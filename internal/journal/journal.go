// Package journal persists a row per completed agent run to a local
// SQLite database, queryable from the control plane.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/ticketd/internal/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_key  TEXT NOT NULL,
	worker_id   TEXT NOT NULL,
	pool        TEXT NOT NULL,
	model       TEXT NOT NULL,
	status      TEXT NOT NULL,
	response    TEXT NOT NULL DEFAULT '',
	merged      INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_ticket ON runs(ticket_key);
CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
`

// Run is one completed agent session.
type Run struct {
	ID         int64     `json:"id"`
	TicketKey  string    `json:"ticket_key"`
	WorkerID   string    `json:"worker_id"`
	Pool       string    `json:"pool"`
	Model      string    `json:"model"`
	Status     string    `json:"status"`
	Response   string    `json:"response"`
	Merged     bool      `json:"merged"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall-clock length of the run.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Journal is a SQLite-backed run log. All methods are safe for
// concurrent use; database/sql serializes access.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal at path. The parent
// directory is created with 0700. Use ":memory:" for an ephemeral
// journal in tests.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}

	log.Info(log.CatJournal, "Run journal opened", "path", path)
	return &Journal{db: db}, nil
}

// Record appends one completed run.
func (j *Journal) Record(ctx context.Context, r Run) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (ticket_key, worker_id, pool, model, status, response, merged, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TicketKey, r.WorkerID, r.Pool, r.Model, r.Status, r.Response,
		boolToInt(r.Merged), r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ticket_key, worker_id, pool, model, status, response, merged, started_at, finished_at
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var merged int
		if err := rows.Scan(&r.ID, &r.TicketKey, &r.WorkerID, &r.Pool, &r.Model,
			&r.Status, &r.Response, &merged, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Merged = merged != 0
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountByTicket returns how many runs have been recorded for a ticket.
func (j *Journal) CountByTicket(ctx context.Context, key string) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE ticket_key = ?`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
