// Package jobindex keeps a local SQLite convenience index of terminal job
// manifests so `skillpilot list`/`skillpilot history` can answer queries
// without walking every run directory under .skillpilot/runs. The index is
// a cache, never a source of truth: job_manifest.json on disk always wins.
package jobindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skillpilot/skillpilot/internal/protocol"
)

// Index wraps a SQLite database recording one row per job.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the index database at path and
// migrates its schema.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobindex: open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobindex: wal mode: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		job_id      TEXT PRIMARY KEY,
		run_dir     TEXT NOT NULL,
		cwd         TEXT NOT NULL,
		skill       TEXT NOT NULL DEFAULT '',
		query       TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL,
		error_type  TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		recorded_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("jobindex: migrate: %w", err)
	}
	_, err = idx.db.Exec(`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)`)
	if err != nil {
		return fmt.Errorf("jobindex: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Record upserts one job's terminal state into the index. Callers invoke
// this after a job reaches PASS or FAIL; it is never called mid-run.
func (idx *Index) Record(ctx context.Context, m *protocol.Manifest) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, run_dir, cwd, skill, query, status, error_type, created_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			error_type = excluded.error_type,
			recorded_at = excluded.recorded_at
	`, m.JobID, m.Runtime.RunDir, m.Runtime.CWD, m.Skill.Name, m.Design.Query,
		string(m.Status), string(m.ErrorType), m.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("jobindex: record %s: %w", m.JobID, err)
	}
	return nil
}

// Entry is one row returned by List.
type Entry struct {
	JobID      string
	RunDir     string
	CWD        string
	Skill      string
	Query      string
	Status     protocol.JobStatus
	ErrorType  protocol.ErrorType
	CreatedAt  time.Time
	RecordedAt time.Time
}

// ListFilter narrows List results; zero-value fields are unfiltered.
type ListFilter struct {
	Status protocol.JobStatus
	Skill  string
	Limit  int
}

// List returns jobs matching filter, most recently created first.
func (idx *Index) List(ctx context.Context, filter ListFilter) ([]Entry, error) {
	query := `SELECT job_id, run_dir, cwd, skill, query, status, error_type, created_at, recorded_at FROM jobs WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Skill != "" {
		query += ` AND skill = ?`
		args = append(args, filter.Skill)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobindex: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status, errType string
		if err := rows.Scan(&e.JobID, &e.RunDir, &e.CWD, &e.Skill, &e.Query, &status, &errType, &e.CreatedAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("jobindex: scan: %w", err)
		}
		e.Status = protocol.JobStatus(status)
		e.ErrorType = protocol.ErrorType(errType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
