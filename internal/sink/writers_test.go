package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/storage"
	"github.com/wellpulse/loadsim/pkg/models"
)

func TestDuckDBWriter_ChunkedInsert(t *testing.T) {
	ctx := context.Background()
	w, err := NewDuckDBWriter(ctx, DuckDBConfig{TenantID: testTenant, MemoryLimit: "256MB", Threads: 2, InsertBatchSize: 100}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	rows := make([]models.Reading, 250)
	for i := range rows {
		rows[i] = testReading(i)
	}
	require.NoError(t, w.WriteReadings(ctx, rows))
	require.NoError(t, w.WriteReadings(ctx, nil))
	require.NoError(t, w.WriteEntry(ctx, testEntry()))

	n, err := w.CountReadings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(250), n)

	n, err = w.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDuckDBInsertStatement(t *testing.T) {
	query, args := duckInsertReadings(testTenant, []models.Reading{testReading(0), testReading(1)})
	assert.Equal(t, 2, strings.Count(query, "(?, ?, ?, ?, ?, ?)"))
	assert.Len(t, args, 12)
	assert.Equal(t, testTenant, args[0])
	assert.Equal(t, "Good", args[5])
}

func TestParquetWriter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := storage.NewLocalBackend(dir, zerolog.Nop())
	require.NoError(t, err)

	w := NewParquetWriter(backend, ParquetConfig{TenantID: testTenant, Compression: "snappy"}, zerolog.Nop())
	fixed := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	rows := []models.Reading{testReading(0), testReading(1), testReading(2)}
	require.NoError(t, w.WriteReadings(ctx, rows))
	require.NoError(t, w.WriteEntry(ctx, testEntry()))

	files, err := backend.List(ctx, "scada_readings/")
	require.NoError(t, err)
	require.Len(t, files, 1)
	want := fmt.Sprintf("scada_readings/%s/2026/03/01/14/readings_%d.parquet", testTenant, fixed.UnixNano())
	assert.Equal(t, want, files[0])

	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(files[0])))
	require.NoError(t, err)

	mem := memory.NewGoAllocator()
	table, err := pqarrow.ReadTable(ctx, bytes.NewReader(data), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	require.NoError(t, err)
	defer table.Release()
	assert.Equal(t, int64(3), table.NumRows())
	assert.Equal(t, int64(5), table.NumCols())

	entries, err := backend.List(ctx, "field_entries/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0], "field_entries/"+testTenant+"/2026/03/01/14/entry_"))

	raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(entries[0])))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, testTenant, doc["tenantId"])
	assert.Equal(t, "production", doc["entryType"])
}

func TestParquetCodec(t *testing.T) {
	assert.Equal(t, compress.Codecs.Snappy, parquetCodec(""))
	assert.Equal(t, compress.Codecs.Zstd, parquetCodec("zstd"))
	assert.Equal(t, compress.Codecs.Gzip, parquetCodec("gzip"))
	assert.Equal(t, compress.Codecs.Uncompressed, parquetCodec("none"))
}

func TestMQTTTopic(t *testing.T) {
	assert.Equal(t, "wellpulse/t1/w1/readings", mqttTopic("wellpulse", "t1", "w1", "readings"))
	assert.Equal(t, "a/b/t1/w1/field-data", mqttTopic("/a/b/", "t1", "w1", "field-data"))
	assert.Equal(t, "t1/w1/readings", mqttTopic("", "t1", "w1", "readings"))
}

func TestUnnestArgs(t *testing.T) {
	rows := []models.Reading{testReading(0), testReading(1)}
	args, err := unnestArgs(testTenant, rows)
	require.NoError(t, err)
	require.Len(t, args, 6)

	wells := args[1].([]pgtype.UUID)
	assert.Len(t, wells, 2)
	assert.True(t, wells[0].Valid)
	assert.Equal(t, []float64{0, 1}, args[3])
	assert.Equal(t, testTenant, args[5])

	rows[1].WellID = "not-a-uuid"
	_, err = unnestArgs(testTenant, rows)
	assert.Equal(t, ingest.ReasonRejected, ingest.Classify(err))
}

func TestUnnestInsertStmt(t *testing.T) {
	stmt := unnestInsertStmt("public.scada_readings")
	assert.Contains(t, stmt, `INSERT INTO "public"."scada_readings"`)
	assert.Contains(t, stmt, "UNNEST($1::timestamptz[], $2::uuid[], $3::text[], $4::float8[], $5::text[])")
}

func TestPgError(t *testing.T) {
	tests := []struct {
		code string
		want ingest.Reason
	}{
		{"23505", ingest.ReasonRejected},
		{"22P02", ingest.ReasonRejected},
		{"08006", ingest.ReasonConnection},
		{"53300", ingest.ReasonUnavailable},
		{"40P01", ingest.ReasonUnavailable},
	}
	for _, tt := range tests {
		err := pgError(&pgconn.PgError{Code: tt.code, Message: "boom"})
		assert.Equal(t, tt.want, ingest.Classify(err), tt.code)
	}
	assert.Nil(t, pgError(nil))
}

func TestChError(t *testing.T) {
	assert.Equal(t, ingest.ReasonRejected, ingest.Classify(chError(&clickhouse.Exception{Code: 53, Message: "type mismatch"})))
	assert.Equal(t, ingest.ReasonUnavailable, ingest.Classify(chError(&clickhouse.Exception{Code: 241, Message: "memory limit"})))
	assert.Equal(t, "INSERT INTO scada_readings (tenant_id, well_id, tag_node_id, ts, value, quality)", readingsInsert("scada_readings"))
}
