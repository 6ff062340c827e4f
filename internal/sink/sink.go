// Package sink builds the ingest client for the configured target system.
//
// Direct-write sinks (postgres, clickhouse, duckdb, parquet, memory) implement
// ingest.BatchWriter and are wrapped in an ingest.BufferedClient. Remote-call
// sinks (http, mqtt) implement ingest.Transport and are wrapped in an
// ingest.RemoteClient guarded by a circuit breaker.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/circuitbreaker"
	"github.com/wellpulse/loadsim/internal/config"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/storage"
)

// ErrSetup marks failures to build or reach a sink before the run starts
var ErrSetup = errors.New("sink setup failed")

// Deps are the shared run resources a sink may use
type Deps struct {
	HTTPClient *http.Client
	Observer   ingest.Observer
	Logger     zerolog.Logger
	// Memory, when set, is used instead of a fresh writer for the memory sink
	Memory *MemoryWriter
}

// Open builds the client for cfg.Sink.Type and verifies connectivity.
// Every error wraps ErrSetup.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (ingest.Client, error) {
	logger := deps.Logger.With().Str("component", "sink").Logger()

	switch cfg.Sink.Type {
	case config.SinkHTTP, config.SinkMQTT:
		t, err := openTransport(ctx, cfg, deps, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSetup, cfg.Sink.Type, err)
		}
		return ingest.NewRemoteClient(t, newBreaker(cfg, logger), deps.Observer, logger), nil
	}

	w, err := openWriter(ctx, cfg, deps, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSetup, cfg.Sink.Type, err)
	}
	return ingest.NewBufferedClient(w, ingest.BufferConfig{
		MaxRows:      cfg.Buffer.MaxRows,
		MaxAge:       cfg.Buffer.MaxAge,
		WriteTimeout: cfg.Buffer.WriteTimeout,
	}, deps.Observer, logger), nil
}

func openTransport(ctx context.Context, cfg *config.Config, deps Deps, logger zerolog.Logger) (ingest.Transport, error) {
	switch cfg.Sink.Type {
	case config.SinkHTTP:
		return NewHTTPTransport(ctx, HTTPConfig{
			BaseURL:     cfg.Sink.Endpoint,
			TenantID:    cfg.Sink.TenantID,
			Encoding:    cfg.HTTP.Encoding,
			Compression: cfg.HTTP.Compression,
			Timeout:     cfg.Sink.Timeout,
		}, deps.HTTPClient, logger)
	case config.SinkMQTT:
		return NewMQTTTransport(MQTTConfig{
			Broker:         cfg.Sink.Endpoint,
			ClientID:       cfg.MQTT.ClientID,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			TenantID:       cfg.Sink.TenantID,
			QoS:            byte(cfg.MQTT.QoS),
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			PublishTimeout: cfg.Sink.Timeout,
		}, logger)
	}
	return nil, fmt.Errorf("unknown remote sink %q", cfg.Sink.Type)
}

func openWriter(ctx context.Context, cfg *config.Config, deps Deps, logger zerolog.Logger) (ingest.BatchWriter, error) {
	switch cfg.Sink.Type {
	case config.SinkPostgres:
		return NewPostgresWriter(ctx, PostgresConfig{
			DSN:             cfg.Sink.Endpoint,
			TenantID:        cfg.Sink.TenantID,
			MaxConns:        int32(cfg.Postgres.MaxConns),
			InsertBatchSize: cfg.Buffer.InsertBatchSize,
			UseCopy:         cfg.Postgres.UseCopy,
			ReadingsTable:   cfg.Postgres.ReadingsTable,
			EntriesTable:    cfg.Postgres.EntriesTable,
			CreateTables:    cfg.Postgres.CreateTables,
		}, logger)
	case config.SinkClickHouse:
		return NewClickHouseWriter(ctx, ClickHouseConfig{
			DSN:           cfg.Sink.Endpoint,
			Database:      cfg.ClickHouse.Database,
			TenantID:      cfg.Sink.TenantID,
			ReadingsTable: cfg.ClickHouse.ReadingsTable,
			EntriesTable:  cfg.ClickHouse.EntriesTable,
			CreateTables:  cfg.ClickHouse.CreateTables,
		}, logger)
	case config.SinkDuckDB:
		return NewDuckDBWriter(ctx, DuckDBConfig{
			Path:            cfg.DuckDB.Path,
			TenantID:        cfg.Sink.TenantID,
			MemoryLimit:     cfg.DuckDB.MemoryLimit,
			Threads:         cfg.DuckDB.Threads,
			InsertBatchSize: cfg.Buffer.InsertBatchSize,
		}, logger)
	case config.SinkParquet:
		backend, err := storage.New(ctx, storageConfig(cfg.Storage), logger)
		if err != nil {
			return nil, err
		}
		return NewParquetWriter(backend, ParquetConfig{
			TenantID:    cfg.Sink.TenantID,
			Compression: cfg.Parquet.Compression,
		}, logger), nil
	case config.SinkMemory:
		if deps.Memory != nil {
			return deps.Memory, nil
		}
		return NewMemoryWriter(cfg.Buffer.InsertBatchSize), nil
	}
	return nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
}

func newBreaker(cfg *config.Config, logger zerolog.Logger) *circuitbreaker.CircuitBreaker {
	if !cfg.Breaker.Enabled {
		return nil
	}
	bc := circuitbreaker.DefaultConfig(cfg.Sink.Type)
	if cfg.Breaker.MaxFailures > 0 {
		bc.MaxFailures = cfg.Breaker.MaxFailures
	}
	if cfg.Breaker.OpenTimeout > 0 {
		bc.OpenTimeout = cfg.Breaker.OpenTimeout
	}
	if cfg.Breaker.HalfOpenProbes > 0 {
		bc.HalfOpenProbes = cfg.Breaker.HalfOpenProbes
	}
	bc.IsFailure = ingest.CountsAgainstSink
	return circuitbreaker.New(bc, logger)
}

func storageConfig(s config.StorageConfig) storage.Config {
	return storage.Config{
		Backend:   s.Backend,
		LocalPath: s.LocalPath,
		S3: storage.S3Config{
			Bucket:    s.S3Bucket,
			Prefix:    s.S3Prefix,
			Region:    s.S3Region,
			Endpoint:  s.S3Endpoint,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			UseSSL:    s.S3UseSSL,
			PathStyle: s.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   s.AzureConnectionString,
			AccountName:        s.AzureAccountName,
			AccountKey:         s.AzureAccountKey,
			UseManagedIdentity: s.AzureUseManagedIdentity,
			ContainerName:      s.AzureContainer,
			Endpoint:           s.AzureEndpoint,
		},
	}
}

// chunks splits n rows into [start, end) ranges of at most size rows
func chunks(n, size int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 || size > n {
		size = n
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
