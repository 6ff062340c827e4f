package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wellpulse/loadsim/internal/config"
	"github.com/wellpulse/loadsim/internal/history"
	"github.com/wellpulse/loadsim/internal/sink"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	cfg.Profile.Name = "quick"
	cfg.Profile.Wells = 2
	cfg.Profile.TagsPerWell = 3
	cfg.Profile.Interval = 50 * time.Millisecond
	cfg.Profile.EntriesPerMinute = 600
	cfg.Profile.Duration = 400 * time.Millisecond
	cfg.Sink.Type = config.SinkMemory
	cfg.Stats.ReportInterval = 100 * time.Millisecond
	cfg.Seed = 42
	return cfg
}

func testRunContext(t *testing.T, cfg *config.Config) (*RunContext, *bytes.Buffer) {
	t.Helper()
	rc, err := NewRunContext(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	var out bytes.Buffer
	rc.Out = &out
	rc.Logger = zerolog.Nop()
	rc.Memory = sink.NewMemoryWriter(cfg.Buffer.InsertBatchSize)
	return rc, &out
}

func TestRand_StreamsAreDeterministic(t *testing.T) {
	rc := &RunContext{Seed: 7}

	a := rc.Rand("signal")
	b := rc.Rand("signal")
	c := rc.Rand("entries")

	same, different := true, false
	for i := 0; i < 10; i++ {
		x, y, z := a.Int63(), b.Int63(), c.Int63()
		if x != y {
			same = false
		}
		if x != z {
			different = true
		}
	}
	assert.True(t, same, "same stream must repeat")
	assert.True(t, different, "streams must differ")
}

func TestNewRunContext_SeedFromClock(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seed = 0

	rc, err := NewRunContext(cfg)
	require.NoError(t, err)
	defer rc.Close()

	assert.NotZero(t, rc.Seed)
	assert.NotNil(t, rc.HTTPClient)
	assert.NotNil(t, rc.Stats)
}

func TestRun_MemorySink(t *testing.T) {
	cfg := testConfig(t)
	rc, out := testRunContext(t, cfg)

	res, err := Run(context.Background(), rc, cfg)
	require.NoError(t, err)

	s := res.Snapshot
	assert.False(t, res.Cancelled)
	assert.Equal(t, "quick", res.Profile)
	assert.Equal(t, "memory", res.Sink)
	assert.Equal(t, int64(42), res.Seed)
	assert.Positive(t, s.ReadingsSent)
	assert.Equal(t, s.ReadingsAttempted, s.ReadingsSent)
	assert.Zero(t, s.ReadingsFailed)
	assert.Zero(t, s.Pending)
	assert.Equal(t, 100.0, s.SuccessRate)
	assert.Len(t, rc.Memory.Readings(), int(s.ReadingsSent))
	assert.Len(t, rc.Memory.Entries(), int(s.EntriesSent))
	assert.True(t, res.FinishedAt.After(res.StartedAt))
	assert.Contains(t, out.String(), "RESULTS")
}

func TestRun_CancelledByContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile.Duration = time.Minute
	rc, _ := testRunContext(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := Run(ctx, rc, cfg)
	require.NoError(t, err)

	assert.True(t, res.Cancelled)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, res.Snapshot.ReadingsAttempted, res.Snapshot.ReadingsSent)
}

func TestRun_SinkSetupFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sink.Type = config.SinkHTTP
	cfg.Sink.Endpoint = "http://127.0.0.1:1"
	rc, out := testRunContext(t, cfg)

	res, err := Run(context.Background(), rc, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSetup))
	assert.Nil(t, res)
	assert.Empty(t, out.String())
}

func TestRun_UnknownProfile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile.Name = "gigantic"
	rc, _ := testRunContext(t, cfg)

	_, err := Run(context.Background(), rc, cfg)
	assert.ErrorIs(t, err, ErrSetup)
}

func TestRun_RecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	rc, _ := testRunContext(t, cfg)

	res, err := Run(context.Background(), rc, cfg)
	require.NoError(t, err)

	store, err := history.Open(cfg.History.Path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.ID, runs[0].ID)
	assert.Equal(t, res.Snapshot.ReadingsSent, runs[0].ReadingsSent)
	assert.Equal(t, "memory", runs[0].Sink)
	assert.Equal(t, int64(42), runs[0].Seed)
	assert.WithinDuration(t, res.FinishedAt, runs[0].FinishedAt, time.Second)
	assert.False(t, runs[0].Cancelled)
}

func TestRun_RecordsCancelledHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Profile.Duration = time.Minute
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	rc, _ := testRunContext(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, rc, cfg)
	require.NoError(t, err)
	require.True(t, res.Cancelled)

	store, err := history.Open(cfg.History.Path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Cancelled)
	assert.Equal(t, res.Snapshot.ReadingsSent, runs[0].ReadingsSent)
}

func TestRun_ClockStartsAfterSetup(t *testing.T) {
	var healthDone atomic.Pointer[time.Time]
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		time.Sleep(300 * time.Millisecond)
		now := time.Now()
		healthDone.Store(&now)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ML.URL = srv.URL
	cfg.ML.Timeout = time.Second
	cfg.ML.ProbeInterval = 0
	rc, _ := testRunContext(t, cfg)

	created := rc.Stats.StartTime()
	wallStart := time.Now()
	res, err := Run(context.Background(), rc, cfg)
	require.NoError(t, err)

	done := healthDone.Load()
	require.NotNil(t, done)
	assert.True(t, rc.Stats.StartTime().After(*done), "run clock must start after the preflight")
	assert.GreaterOrEqual(t, rc.Stats.StartTime().Sub(created), 300*time.Millisecond)
	assert.Less(t, res.Snapshot.ElapsedSeconds, (time.Since(wallStart) - 300*time.Millisecond).Seconds())
}

func TestRun_MLProbe(t *testing.T) {
	var health, anomaly atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			health.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
		case "/predict/anomaly":
			anomaly.Add(1)
			var req map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"well_id":            req["well_id"],
				"anomalies_detected": []interface{}{},
				"severity":           "low",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ML.URL = srv.URL
	cfg.ML.Timeout = time.Second
	cfg.ML.ProbeInterval = 50 * time.Millisecond
	rc, _ := testRunContext(t, cfg)

	res, err := Run(context.Background(), rc, cfg)
	require.NoError(t, err)

	assert.Equal(t, int64(1), health.Load())
	assert.Positive(t, res.Snapshot.MLCalls)
	assert.Zero(t, res.Snapshot.MLFailures)
	assert.Positive(t, anomaly.Load())
	assert.GreaterOrEqual(t, res.Snapshot.MLCalls, anomaly.Load())
}
