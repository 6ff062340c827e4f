// Package history keeps a SQLite record of completed load runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("history store closed")

// Run is one completed load run
type Run struct {
	ID             string
	Profile        string
	Sink           string
	Seed           int64
	StartedAt      time.Time
	FinishedAt     time.Time
	ReadingsSent   int64
	ReadingsFailed int64
	EntriesSent    int64
	EntriesFailed  int64
	SuccessRate    float64
	AvgLatencyMs   float64
	P95LatencyMs   *float64 // nil when there were too few samples
	Cancelled      bool
}

// Duration is the wall time of the run
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Store persists runs in a SQLite database
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the database at path
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		profile TEXT NOT NULL,
		sink TEXT NOT NULL,
		seed INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		readings_sent INTEGER NOT NULL,
		readings_failed INTEGER NOT NULL,
		entries_sent INTEGER NOT NULL,
		entries_failed INTEGER NOT NULL,
		success_rate REAL NOT NULL,
		avg_latency_ms REAL NOT NULL,
		p95_latency_ms REAL,
		cancelled INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores r, assigning an ID when it has none
func (s *Store) Record(ctx context.Context, r *Run) error {
	if s.db == nil {
		return ErrClosed
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}

	var p95 sql.NullFloat64
	if r.P95LatencyMs != nil {
		p95 = sql.NullFloat64{Float64: *r.P95LatencyMs, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, profile, sink, seed, started_at, finished_at,
			readings_sent, readings_failed, entries_sent, entries_failed,
			success_rate, avg_latency_ms, p95_latency_ms, cancelled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Profile, r.Sink, r.Seed,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.ReadingsSent, r.ReadingsFailed, r.EntriesSent, r.EntriesFailed,
		r.SuccessRate, r.AvgLatencyMs, p95, r.Cancelled,
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	s.logger.Debug().Str("run_id", r.ID).Msg("Run recorded")
	return nil
}

// List returns up to limit runs, newest first
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile, sink, seed, started_at, finished_at,
			readings_sent, readings_failed, entries_sent, entries_failed,
			success_rate, avg_latency_ms, p95_latency_ms, cancelled
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
			p95               sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Profile, &r.Sink, &r.Seed, &started, &finished,
			&r.ReadingsSent, &r.ReadingsFailed, &r.EntriesSent, &r.EntriesFailed,
			&r.SuccessRate, &r.AvgLatencyMs, &p95, &r.Cancelled); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		if p95.Valid {
			v := p95.Float64
			r.P95LatencyMs = &v
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
