package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/storage"
	"github.com/wellpulse/loadsim/pkg/models"
)

// sharedArrowAllocator is safe for concurrent use
var sharedArrowAllocator = memory.NewGoAllocator()

var readingsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "well_id", Type: arrow.BinaryTypes.String},
	{Name: "tag_node_id", Type: arrow.BinaryTypes.String},
	{Name: "ts", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
	{Name: "quality", Type: arrow.BinaryTypes.String},
}, nil)

// ParquetConfig configures the Parquet data-lake sink
type ParquetConfig struct {
	TenantID    string
	Compression string // snappy, zstd, gzip, none
}

// ParquetWriter encodes every flush as one Parquet file and uploads it
// through a storage backend
type ParquetWriter struct {
	backend     storage.Backend
	cfg         ParquetConfig
	compression compress.Compression
	logger      zerolog.Logger
	now         func() time.Time
	seq         atomic.Uint64
}

// NewParquetWriter writes objects through backend
func NewParquetWriter(backend storage.Backend, cfg ParquetConfig, logger zerolog.Logger) *ParquetWriter {
	w := &ParquetWriter{
		backend:     backend,
		cfg:         cfg,
		compression: parquetCodec(cfg.Compression),
		logger:      logger.With().Str("sink", "parquet").Str("storage", backend.Type()).Logger(),
		now:         time.Now,
	}
	w.logger.Info().Str("compression", cfg.Compression).Msg("Parquet sink initialized")
	return w
}

func parquetCodec(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "none":
		return compress.Codecs.Uncompressed
	}
	return compress.Codecs.Snappy
}

// partitionPath returns the hour partition prefix for kind under the tenant
func partitionPath(kind, tenant string, t time.Time) string {
	t = t.UTC()
	return path.Join(kind, tenant,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%02d", t.Hour()))
}

// WriteReadings uploads all rows as a single Parquet object, so a flush is
// stored whole or not at all
func (w *ParquetWriter) WriteReadings(ctx context.Context, rows []models.Reading) error {
	if len(rows) == 0 {
		return nil
	}

	data, err := w.encodeReadings(rows)
	if err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrRejected, err)
	}

	now := w.now()
	key := path.Join(partitionPath("scada_readings", w.cfg.TenantID, now),
		fmt.Sprintf("readings_%d.parquet", now.UnixNano()))

	if err := w.backend.Write(ctx, key, data); err != nil {
		return storageError(err)
	}

	w.logger.Debug().Str("path", key).Int("rows", len(rows)).Int("size", len(data)).Msg("Wrote Parquet file")
	return nil
}

func (w *ParquetWriter) encodeReadings(rows []models.Reading) ([]byte, error) {
	mem := sharedArrowAllocator

	wells := array.NewStringBuilder(mem)
	defer wells.Release()
	tags := array.NewStringBuilder(mem)
	defer tags.Release()
	ts := array.NewTimestampBuilder(mem, readingsSchema.Field(2).Type.(*arrow.TimestampType))
	defer ts.Release()
	values := array.NewFloat64Builder(mem)
	defer values.Release()
	quality := array.NewStringBuilder(mem)
	defer quality.Release()

	for _, b := range []array.Builder{wells, tags, ts, values, quality} {
		b.Reserve(len(rows))
	}
	for _, r := range rows {
		wells.Append(r.WellID)
		tags.Append(r.TagNodeID)
		ts.Append(arrow.Timestamp(r.Timestamp.UnixMicro()))
		values.Append(r.Value)
		quality.Append(string(r.Quality))
	}

	arrays := []arrow.Array{wells.NewArray(), tags.NewArray(), ts.NewArray(), values.NewArray(), quality.NewArray()}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	record := array.NewRecord(readingsSchema, arrays, int64(len(rows)))
	defer record.Release()

	var buf bytes.Buffer
	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(w.compression),
		parquet.WithDictionaryDefault(true),
		parquet.WithStats(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(readingsSchema, &buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}
	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

type entryDocument struct {
	TenantID string `json:"tenantId"`
	models.MobileEntry
}

// WriteEntry stores one entry as a JSON object
func (w *ParquetWriter) WriteEntry(ctx context.Context, e models.MobileEntry) error {
	data, err := json.Marshal(entryDocument{TenantID: w.cfg.TenantID, MobileEntry: e})
	if err != nil {
		return fmt.Errorf("%w: encode entry: %v", ingest.ErrRejected, err)
	}

	now := w.now()
	key := path.Join(partitionPath("field_entries", w.cfg.TenantID, now),
		fmt.Sprintf("entry_%d_%d.json", now.UnixNano(), w.seq.Add(1)))

	if err := w.backend.Write(ctx, key, data); err != nil {
		return storageError(err)
	}
	return nil
}

func (w *ParquetWriter) Close() error {
	return w.backend.Close()
}

func (w *ParquetWriter) Name() string { return "parquet" }

func storageError(err error) error {
	switch ingest.Classify(err) {
	case ingest.ReasonTimeout, ingest.ReasonConnection:
		return err
	}
	return fmt.Errorf("%w: %v", ingest.ErrUnavailable, err)
}
