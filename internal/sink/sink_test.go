package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellpulse/loadsim/internal/config"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/metrics"
	"github.com/wellpulse/loadsim/pkg/models"
)

const testTenant = "00000000-0000-0000-0000-000000000001"

func testReading(i int) models.Reading {
	return models.Reading{
		WellID:    fmt.Sprintf("6f1c2a0e-0000-4000-8000-%012d", i%50),
		TagNodeID: fmt.Sprintf("ns=2;s=Tubing_Pressure.%d", i%4),
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Millisecond),
		Value:     float64(i),
		Quality:   models.QualityGood,
	}
}

func testEntry() models.MobileEntry {
	return models.MobileEntry{
		WellID:    "6f1c2a0e-0000-4000-8000-000000000001",
		Category:  models.EntryProduction,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Data:      map[string]interface{}{"oilVolume": 120.5},
	}
}

func testConfig(sinkType string) *config.Config {
	cfg := &config.Config{}
	cfg.Sink.Type = sinkType
	cfg.Sink.TenantID = testTenant
	cfg.Sink.Timeout = 2 * time.Second
	cfg.Buffer.MaxRows = 10000
	cfg.Buffer.MaxAge = time.Hour
	cfg.Buffer.WriteTimeout = 5 * time.Second
	cfg.Buffer.InsertBatchSize = 100
	cfg.HTTP.Encoding = "json"
	cfg.HTTP.Compression = "none"
	return cfg
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks(0, 100))
	assert.Equal(t, [][2]int{{0, 100}, {100, 200}, {200, 250}}, chunks(250, 100))
	assert.Equal(t, [][2]int{{0, 7}}, chunks(7, 0), "non-positive size means one chunk")
	assert.Equal(t, [][2]int{{0, 7}}, chunks(7, 100))
}

func TestOpen_MemorySizeFlushThenManual(t *testing.T) {
	stats := metrics.NewRunStats(1000)
	mem := NewMemoryWriter(100)
	client, err := Open(context.Background(), testConfig(config.SinkMemory), Deps{
		Observer: stats,
		Logger:   zerolog.Nop(),
		Memory:   mem,
	})
	require.NoError(t, err)
	assert.Equal(t, "memory", client.Name())

	for i := 0; i < 15000; i++ {
		require.NoError(t, client.SubmitReading(context.Background(), testReading(i)))
	}
	require.NoError(t, client.Flush(context.Background()))

	rows, writes, chunkCount := mem.Counts()
	assert.Equal(t, 15000, rows)
	assert.Equal(t, 2, writes)
	assert.Equal(t, 150, chunkCount)

	c := stats.Counters()
	assert.Equal(t, int64(1), c.Flushes[ingest.TriggerSize])
	assert.Equal(t, int64(1), c.Flushes[ingest.TriggerManual])
	assert.Equal(t, int64(15000), c.ReadingsSent)
	assert.Zero(t, c.ReadingsFailed)

	require.NoError(t, client.Close())
	err = client.SubmitReading(context.Background(), testReading(0))
	assert.Equal(t, ingest.ReasonClosed, ingest.Classify(err))
}

func TestOpen_MemoryFailedFlushSettlesRows(t *testing.T) {
	stats := metrics.NewRunStats(1000)
	mem := NewMemoryWriter(100)
	client, err := Open(context.Background(), testConfig(config.SinkMemory), Deps{Observer: stats, Logger: zerolog.Nop(), Memory: mem})
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 300; i++ {
		require.NoError(t, client.SubmitReading(context.Background(), testReading(i)))
	}
	mem.FailNext(1)
	err = client.Flush(context.Background())
	require.Error(t, err)

	c := stats.Counters()
	assert.Equal(t, int64(300), c.ReadingsFailed)
	assert.Equal(t, int64(300), c.Failures[ingest.ReasonUnavailable])
	assert.Equal(t, int64(1), c.FlushFailures)

	rows, _, _ := mem.Counts()
	assert.Zero(t, rows, "a failed flush must not store a partial batch")
}

func TestMemoryWriter_Down(t *testing.T) {
	mem := NewMemoryWriter(10)
	mem.SetDown(ingest.ErrConnection)

	err := mem.WriteReadings(context.Background(), []models.Reading{testReading(1)})
	assert.True(t, errors.Is(err, ingest.ErrConnection))
	assert.Equal(t, ingest.ReasonConnection, ingest.Classify(mem.WriteEntry(context.Background(), testEntry())))

	mem.SetDown(nil)
	require.NoError(t, mem.WriteEntry(context.Background(), testEntry()))
	assert.Len(t, mem.Entries(), 1)
}

func TestOpen_UnknownSink(t *testing.T) {
	_, err := Open(context.Background(), testConfig("kafka"), Deps{Observer: ingest.NopObserver{}, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSetup))
}

func TestOpen_UnreachableHTTPIsSetupFailure(t *testing.T) {
	cfg := testConfig(config.SinkHTTP)
	cfg.Sink.Endpoint = "http://127.0.0.1:1"
	cfg.Sink.Timeout = 500 * time.Millisecond

	_, err := Open(context.Background(), cfg, Deps{Observer: ingest.NopObserver{}, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSetup))
	assert.True(t, errors.Is(err, ingest.ErrConnection))
}

func TestNewBreaker(t *testing.T) {
	cfg := testConfig(config.SinkHTTP)
	assert.Nil(t, newBreaker(cfg, zerolog.Nop()), "disabled breaker means direct calls")

	cfg.Breaker.Enabled = true
	cfg.Breaker.MaxFailures = 2
	assert.NotNil(t, newBreaker(cfg, zerolog.Nop()))
}
