package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/pkg/models"
)

// PostgresConfig configures the Postgres / TimescaleDB sink
type PostgresConfig struct {
	DSN             string
	TenantID        string
	MaxConns        int32
	InsertBatchSize int
	UseCopy         bool
	ReadingsTable   string
	EntriesTable    string
	CreateTables    bool
}

// PostgresWriter bulk-inserts readings through a pgx pool
type PostgresWriter struct {
	pool   *pgxpool.Pool
	cfg    PostgresConfig
	logger zerolog.Logger

	insertReadings string
	insertEntry    string
}

var readingColumns = []string{"tenant_id", "ts", "well_id", "tag_node_id", "value", "quality"}

// NewPostgresWriter connects, pings and optionally creates the tables
func NewPostgresWriter(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresWriter, error) {
	if cfg.ReadingsTable == "" {
		cfg.ReadingsTable = "scada_readings"
	}
	if cfg.EntriesTable == "" {
		cfg.EntriesTable = "field_entries"
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	w := &PostgresWriter{
		pool:           pool,
		cfg:            cfg,
		logger:         logger.With().Str("sink", "postgres").Logger(),
		insertReadings: unnestInsertStmt(cfg.ReadingsTable),
		insertEntry: fmt.Sprintf(
			"INSERT INTO %s (tenant_id, ts, well_id, entry_type, data) VALUES ($1, $2, $3, $4, $5)",
			quoteTable(cfg.EntriesTable)),
	}

	if cfg.CreateTables {
		if err := w.createTables(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	w.logger.Info().
		Str("readings_table", cfg.ReadingsTable).
		Str("entries_table", cfg.EntriesTable).
		Int32("max_conns", poolCfg.MaxConns).
		Bool("copy", cfg.UseCopy).
		Msg("Postgres sink initialized")

	return w, nil
}

func (w *PostgresWriter) createTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	tenant_id text NOT NULL,
	ts timestamptz NOT NULL,
	well_id uuid NOT NULL,
	tag_node_id text NOT NULL,
	value double precision NOT NULL,
	quality text NOT NULL
)`, quoteTable(w.cfg.ReadingsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	tenant_id text NOT NULL,
	ts timestamptz NOT NULL,
	well_id uuid NOT NULL,
	entry_type text NOT NULL,
	data jsonb NOT NULL
)`, quoteTable(w.cfg.EntriesTable)),
	}
	for _, stmt := range stmts {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// unnestInsertStmt builds the array insert used for each chunk of readings
func unnestInsertStmt(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (%s)
	SELECT $6::text, u.* FROM UNNEST($1::timestamptz[], $2::uuid[], $3::text[], $4::float8[], $5::text[])
	AS u(ts, well_id, tag_node_id, value, quality)`,
		quoteTable(table), strings.Join(readingColumns, ", "))
}

// quoteTable quotes a possibly schema-qualified table name
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// unnestArgs converts rows into the column arrays bound to the UNNEST insert
func unnestArgs(tenant string, rows []models.Reading) ([]interface{}, error) {
	ts := make([]time.Time, len(rows))
	wells := make([]pgtype.UUID, len(rows))
	tags := make([]string, len(rows))
	values := make([]float64, len(rows))
	quality := make([]string, len(rows))

	for i, r := range rows {
		id, err := uuid.Parse(r.WellID)
		if err != nil {
			return nil, fmt.Errorf("%w: well id %q: %v", ingest.ErrRejected, r.WellID, err)
		}
		ts[i] = r.Timestamp.UTC()
		wells[i] = pgtype.UUID{Bytes: id, Valid: true}
		tags[i] = r.TagNodeID
		values[i] = r.Value
		quality[i] = string(r.Quality)
	}
	return []interface{}{ts, wells, tags, values, quality, tenant}, nil
}

// WriteReadings writes every row in one transaction, either as a batch of
// UNNEST inserts or through COPY
func (w *PostgresWriter) WriteReadings(ctx context.Context, rows []models.Reading) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return pgError(err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if w.cfg.UseCopy {
		err = w.copyReadings(ctx, tx, rows)
	} else {
		err = w.batchReadings(ctx, tx, rows)
	}
	if err != nil {
		return pgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return pgError(err)
	}
	return nil
}

func (w *PostgresWriter) batchReadings(ctx context.Context, tx pgx.Tx, rows []models.Reading) error {
	batch := &pgx.Batch{}
	for _, c := range chunks(len(rows), w.cfg.InsertBatchSize) {
		args, err := unnestArgs(w.cfg.TenantID, rows[c[0]:c[1]])
		if err != nil {
			return err
		}
		batch.Queue(w.insertReadings, args...)
	}
	return execBatch(ctx, tx, batch)
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	result := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := result.Exec(); err != nil {
			result.Close()
			return err
		}
	}
	return result.Close()
}

func (w *PostgresWriter) copyReadings(ctx context.Context, tx pgx.Tx, rows []models.Reading) error {
	wells := make([]pgtype.UUID, len(rows))
	for i, r := range rows {
		id, err := uuid.Parse(r.WellID)
		if err != nil {
			return fmt.Errorf("%w: well id %q: %v", ingest.ErrRejected, r.WellID, err)
		}
		wells[i] = pgtype.UUID{Bytes: id, Valid: true}
	}

	_, err := tx.CopyFrom(ctx,
		pgx.Identifier(strings.Split(w.cfg.ReadingsTable, ".")),
		readingColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			r := rows[i]
			return []interface{}{w.cfg.TenantID, r.Timestamp.UTC(), wells[i], r.TagNodeID, r.Value, string(r.Quality)}, nil
		}))
	return err
}

// WriteEntry inserts one field entry with its data as JSONB
func (w *PostgresWriter) WriteEntry(ctx context.Context, e models.MobileEntry) error {
	id, err := uuid.Parse(e.WellID)
	if err != nil {
		return fmt.Errorf("%w: well id %q: %v", ingest.ErrRejected, e.WellID, err)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("%w: encode entry data: %v", ingest.ErrRejected, err)
	}

	_, err = w.pool.Exec(ctx, w.insertEntry,
		w.cfg.TenantID, e.Timestamp.UTC(), pgtype.UUID{Bytes: id, Valid: true}, string(e.Category), data)
	if err != nil {
		return pgError(err)
	}
	return nil
}

func (w *PostgresWriter) Close() error {
	w.pool.Close()
	w.logger.Info().Msg("Postgres sink closed")
	return nil
}

func (w *PostgresWriter) Name() string { return "postgres" }

// pgError maps driver errors onto ingest reasons. Data and constraint
// errors (SQLSTATE class 22 and 23) mean the rows themselves were refused.
func pgError(err error) error {
	if err == nil || errors.Is(err, ingest.ErrRejected) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "23"):
			return fmt.Errorf("%w: %v", ingest.ErrRejected, err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%w: %v", ingest.ErrConnection, err)
		}
		return fmt.Errorf("%w: %v", ingest.ErrUnavailable, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %v", ingest.ErrConnection, err)
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}
