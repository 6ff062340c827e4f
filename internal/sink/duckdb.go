package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/pkg/models"
)

// DuckDBConfig configures the embedded DuckDB sink
type DuckDBConfig struct {
	Path            string // empty for an in-memory database
	TenantID        string
	MemoryLimit     string
	Threads         int
	InsertBatchSize int
}

// DuckDBWriter stores readings in an embedded DuckDB database
type DuckDBWriter struct {
	db     *sql.DB
	cfg    DuckDBConfig
	logger zerolog.Logger
}

const (
	duckReadingsDDL = `CREATE TABLE IF NOT EXISTS scada_readings (
	tenant_id VARCHAR NOT NULL,
	well_id VARCHAR NOT NULL,
	tag_node_id VARCHAR NOT NULL,
	ts TIMESTAMP NOT NULL,
	value DOUBLE NOT NULL,
	quality VARCHAR NOT NULL
)`
	duckEntriesDDL = `CREATE TABLE IF NOT EXISTS field_entries (
	tenant_id VARCHAR NOT NULL,
	well_id VARCHAR NOT NULL,
	entry_type VARCHAR NOT NULL,
	ts TIMESTAMP NOT NULL,
	data VARCHAR NOT NULL
)`
)

// NewDuckDBWriter opens the database, applies resource limits and creates
// the tables when missing
func NewDuckDBWriter(ctx context.Context, cfg DuckDBConfig, logger zerolog.Logger) (*DuckDBWriter, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	if err := configureDuckDB(ctx, db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}

	for _, ddl := range []string{duckReadingsDDL, duckEntriesDDL} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create duckdb table: %w", err)
		}
	}

	w := &DuckDBWriter{
		db:     db,
		cfg:    cfg,
		logger: logger.With().Str("sink", "duckdb").Logger(),
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	w.logger.Info().
		Str("path", path).
		Str("memory_limit", cfg.MemoryLimit).
		Int("threads", cfg.Threads).
		Msg("DuckDB sink initialized")

	return w, nil
}

// configureDuckDB applies settings that DuckDB only accepts via SET
func configureDuckDB(ctx context.Context, db *sql.DB, cfg DuckDBConfig) error {
	if cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", strings.ReplaceAll(cfg.MemoryLimit, "'", ""))); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads=%d", cfg.Threads)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	return nil
}

// WriteReadings inserts rows in multi-row INSERT chunks inside one transaction
func (w *DuckDBWriter) WriteReadings(ctx context.Context, rows []models.Reading) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return duckError(err)
	}
	defer tx.Rollback()

	for _, c := range chunks(len(rows), w.cfg.InsertBatchSize) {
		query, args := duckInsertReadings(w.cfg.TenantID, rows[c[0]:c[1]])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return duckError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return duckError(err)
	}
	return nil
}

func duckInsertReadings(tenant string, rows []models.Reading) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO scada_readings (tenant_id, well_id, tag_node_id, ts, value, quality) VALUES ")

	args := make([]interface{}, 0, len(rows)*6)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")
		args = append(args, tenant, r.WellID, r.TagNodeID, r.Timestamp.UTC(), r.Value, string(r.Quality))
	}
	return sb.String(), args
}

// WriteEntry inserts one field entry with its data as JSON text
func (w *DuckDBWriter) WriteEntry(ctx context.Context, e models.MobileEntry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("%w: encode entry data: %v", ingest.ErrRejected, err)
	}

	_, err = w.db.ExecContext(ctx,
		"INSERT INTO field_entries (tenant_id, well_id, entry_type, ts, data) VALUES (?, ?, ?, ?, ?)",
		w.cfg.TenantID, e.WellID, string(e.Category), e.Timestamp.UTC(), string(data))
	if err != nil {
		return duckError(err)
	}
	return nil
}

// CountReadings returns the number of stored readings
func (w *DuckDBWriter) CountReadings(ctx context.Context) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, "SELECT count(*) FROM scada_readings").Scan(&n)
	return n, err
}

// CountEntries returns the number of stored field entries
func (w *DuckDBWriter) CountEntries(ctx context.Context) (int64, error) {
	var n int64
	err := w.db.QueryRowContext(ctx, "SELECT count(*) FROM field_entries").Scan(&n)
	return n, err
}

func (w *DuckDBWriter) Close() error {
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("failed to close duckdb: %w", err)
	}
	w.logger.Info().Msg("DuckDB sink closed")
	return nil
}

func (w *DuckDBWriter) Name() string { return "duckdb" }

// duckError keeps context errors as they are and marks everything else as
// the store failing to accept the write
func duckError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch ingest.Classify(err) {
	case ingest.ReasonTimeout, ingest.ReasonConnection:
		return err
	}
	return fmt.Errorf("%w: %v", ingest.ErrUnavailable, err)
}
