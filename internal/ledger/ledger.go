// Package ledger is an auxiliary Postgres-backed index of run
// metadata, used for operational queries ("show me every failed run
// this week") without scanning every run's JSONL files. It is never
// authoritative — the per-run events.jsonl and report files remain the
// source of truth; the ledger only mirrors their status.
//
// Queries here are hand-written against pgx/v5 rather than generated
// by a codegen layer (see the design notes for why).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the closed set of run lifecycle states tracked in the
// ledger.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one row of run metadata.
type Run struct {
	ID        string
	Query     string
	Status    Status
	StartedAt time.Time
	EndedAt   *time.Time
	Error     string
}

// ErrNotFound is returned by Get when no run with the given id exists.
var ErrNotFound = errors.New("ledger: run not found")

// Ledger wraps a pgxpool.Pool for run-metadata CRUD.
type Ledger struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn and pings it. It does not check
// for the runs table; Migrate creates it.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connecting: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

// Migrate creates the runs table if it doesn't already exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	status     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	error      TEXT
)`
	_, err := l.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Create inserts a new run row in the running state.
func (l *Ledger) Create(ctx context.Context, id, query string, startedAt time.Time) error {
	const q = `INSERT INTO runs (id, query, status, started_at) VALUES ($1, $2, $3, $4)`
	_, err := l.pool.Exec(ctx, q, id, query, StatusRunning, startedAt)
	if err != nil {
		return fmt.Errorf("ledger: create: %w", err)
	}
	return nil
}

// UpdateStatus transitions a run to a terminal status, recording the
// end time and an optional error message.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status Status, endedAt time.Time, runErr string) error {
	const q = `UPDATE runs SET status = $2, ended_at = $3, error = $4 WHERE id = $1`
	tag, err := l.pool.Exec(ctx, q, id, status, endedAt, runErr)
	if err != nil {
		return fmt.Errorf("ledger: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get fetches one run by id.
func (l *Ledger) Get(ctx context.Context, id string) (Run, error) {
	const q = `SELECT id, query, status, started_at, ended_at, error FROM runs WHERE id = $1`
	row := l.pool.QueryRow(ctx, q, id)

	var r Run
	var status string
	var runErr *string
	if err := row.Scan(&r.ID, &r.Query, &status, &r.StartedAt, &r.EndedAt, &runErr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Run{}, fmt.Errorf("ledger: get: %w", err)
	}
	r.Status = Status(status)
	if runErr != nil {
		r.Error = *runErr
	}
	return r, nil
}

// List returns the most recent limit runs, newest first, optionally
// filtered by status (pass "" for no filter).
func (l *Ledger) List(ctx context.Context, status Status, limit int) ([]Run, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = l.pool.Query(ctx, `SELECT id, query, status, started_at, ended_at, error FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	} else {
		rows, err = l.pool.Query(ctx, `SELECT id, query, status, started_at, ended_at, error FROM runs WHERE status = $1 ORDER BY started_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var st string
		var runErr *string
		if err := rows.Scan(&r.ID, &r.Query, &st, &r.StartedAt, &r.EndedAt, &runErr); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		r.Status = Status(st)
		if runErr != nil {
			r.Error = *runErr
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
