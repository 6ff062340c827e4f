// Package runner wires a complete load run: sink, fleet, producers, reporter,
// optional status server and ML probe, history.
package runner

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/api"
	"github.com/wellpulse/loadsim/internal/config"
	"github.com/wellpulse/loadsim/internal/history"
	"github.com/wellpulse/loadsim/internal/logger"
	"github.com/wellpulse/loadsim/internal/metrics"
	"github.com/wellpulse/loadsim/internal/mlclient"
	"github.com/wellpulse/loadsim/internal/producer"
	"github.com/wellpulse/loadsim/internal/report"
	"github.com/wellpulse/loadsim/internal/shutdown"
	"github.com/wellpulse/loadsim/internal/signal"
	"github.com/wellpulse/loadsim/internal/sink"
	"github.com/wellpulse/loadsim/internal/topology"
	"golang.org/x/sync/errgroup"
)

// ErrSetup marks failures that happen before any load is generated
var ErrSetup = sink.ErrSetup

const (
	defaultShutdownTimeout = 30 * time.Second
	mlPreflightTimeout     = 5 * time.Second
)

// RunContext holds everything one run shares between its components
type RunContext struct {
	Seed       int64
	HTTPClient *http.Client
	Stats      *metrics.RunStats
	Logger     zerolog.Logger

	// Out receives progress lines and the final summary
	Out io.Writer
	// Memory replaces the memory sink's writer when set
	Memory *sink.MemoryWriter
	// ShutdownTimeout bounds the teardown of a run
	ShutdownTimeout time.Duration
}

// NewRunContext builds a run context from cfg. A zero seed picks one from
// the clock.
func NewRunContext(cfg *config.Config) (*RunContext, error) {
	if cfg == nil {
		return nil, errors.New("runner: nil config")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.HTTP.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.HTTP.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.HTTP.MaxIdleConns
	}
	if cfg.HTTP.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.HTTP.IdleConnTimeout
	}
	transport.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &RunContext{
		Seed:            seed,
		HTTPClient:      &http.Client{Transport: transport},
		Stats:           metrics.NewRunStats(cfg.Stats.WindowSize),
		Logger:          logger.Get("runner"),
		Out:             os.Stdout,
		ShutdownTimeout: defaultShutdownTimeout,
	}, nil
}

// Rand returns a generator for one named stream. The same seed and stream
// name always produce the same sequence; streams are independent of each
// other. The result is not safe for concurrent use.
func (rc *RunContext) Rand(stream string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(stream))
	return rand.New(rand.NewSource(rc.Seed ^ int64(h.Sum64())))
}

// Close releases idle connections held by the shared HTTP client
func (rc *RunContext) Close() error {
	if rc.HTTPClient != nil {
		rc.HTTPClient.CloseIdleConnections()
	}
	return nil
}

// Result describes a finished run
type Result struct {
	ID         string
	Profile    string
	Sink       string
	Seed       int64
	StartedAt  time.Time
	FinishedAt time.Time
	Snapshot   report.Snapshot
	Cancelled  bool
}

// Run executes one load run. It returns once the profile duration has
// elapsed or ctx is cancelled and every component has been torn down.
// Errors before load generation starts wrap ErrSetup.
func Run(ctx context.Context, rc *RunContext, cfg *config.Config) (*Result, error) {
	log := rc.Logger

	prof, err := cfg.ResolveProfile()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	dist, err := signal.ParseDistribution(cfg.Signal.Distribution)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	var ml *mlclient.Client
	if cfg.ML.URL != "" {
		ml = mlclient.New(cfg.ML.URL, &http.Client{Transport: rc.HTTPClient.Transport, Timeout: cfg.ML.Timeout})
		preflightML(ctx, ml, log)
	}

	client, err := sink.Open(ctx, cfg, sink.Deps{
		HTTPClient: rc.HTTPClient,
		Observer:   rc.Stats,
		Logger:     logger.Get("sink"),
		Memory:     rc.Memory,
	})
	if err != nil {
		return nil, err
	}

	wells, err := topology.Generate(topology.Spec{
		WellCount:   prof.WellCount,
		TagsPerWell: prof.TagsPerWell,
		Box: topology.BoundingBox{
			MinLat: cfg.Topology.MinLat,
			MaxLat: cfg.Topology.MaxLat,
			MinLon: cfg.Topology.MinLon,
			MaxLon: cfg.Topology.MaxLon,
		},
	}, rc.Seed)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: topology: %w", ErrSetup, err)
	}

	model := signal.New(rc.Rand("signal"), signal.Options{
		Distribution:         dist,
		UncertainProbability: cfg.Signal.UncertainProbability,
	})

	reporter := report.New(rc.Stats, report.Config{
		Interval:             cfg.Stats.ReportInterval,
		MinPercentileSamples: cfg.Stats.MinPercentileSamples,
	}, rc.Out, logger.Get("report"))

	pool := producer.New(producer.Config{
		Profile:     prof,
		MaxInFlight: cfg.Profile.MaxInFlight,
	}, wells, client, rc.Stats, model, rc.Rand("entries"), logger.Get("producer"))

	res := &Result{
		ID:        uuid.NewString(),
		Profile:   prof.Name,
		Sink:      client.Name(),
		Seed:      rc.Seed,
		StartedAt: time.Now().UTC(),
	}

	coord := shutdown.New(rc.ShutdownTimeout, log)
	coord.RegisterHook("producers", func(context.Context) error {
		pool.StopReadings()
		pool.StopEntries()
		return nil
	}, shutdown.PriorityProducers)

	if cfg.Status.Enabled {
		status := api.NewStatusServer(cfg.Status.Port, reporter,
			metrics.NewRegistry(rc.Stats, prometheus.Labels{"profile": prof.Name, "sink": client.Name()}),
			map[string]string{
				"id":      res.ID,
				"profile": prof.Name,
				"sink":    client.Name(),
				"seed":    strconv.FormatInt(rc.Seed, 10),
			}, logger.Get("status"))
		if err := status.Start(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("%w: status server: %w", ErrSetup, err)
		}
		coord.RegisterHook("status server", status.Shutdown, shutdown.PriorityStatusServer)
	}

	coord.Register("ingest client", client, shutdown.PriorityIngest)

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path, logger.Get("history"))
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.History.Path).Msg("History disabled for this run")
		}
	}

	log.Info().
		Str("run_id", res.ID).
		Str("profile", prof.String()).
		Str("sink", client.Name()).
		Int64("seed", rc.Seed).
		Int("wells", len(wells)).
		Int("tags", topology.TagCount(wells)).
		Msg("Run starting")

	runCtx, stop := coord.NotifyContext(ctx)
	defer stop()

	auxCtx, auxCancel := context.WithCancel(context.Background())
	defer auxCancel()
	g, gctx := errgroup.WithContext(auxCtx)
	coord.RegisterHook("ml probe", func(context.Context) error {
		auxCancel()
		return nil
	}, shutdown.PriorityMLProbe)

	var summarize sync.Once
	finish := func() {
		summarize.Do(func() {
			auxCancel()
			_ = g.Wait()
			res.FinishedAt = time.Now().UTC()
			res.Snapshot = reporter.Final(rc.Out)
		})
	}
	coord.RegisterHook("summary", func(context.Context) error {
		finish()
		return nil
	}, shutdown.PrioritySummary)

	if store != nil {
		coord.RegisterHook("history", func(ctx context.Context) error {
			return recordHistory(ctx, store, res)
		}, shutdown.PriorityHistory)
	}

	rc.Stats.Start()
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	if ml != nil && cfg.ML.ProbeInterval > 0 {
		g.Go(func() error {
			probeML(gctx, ml, wells, rc.Rand("ml-probe"), rc.Stats, cfg.ML.ProbeInterval, log)
			return nil
		})
	}

	runErr := pool.Run(runCtx)
	res.Cancelled = ctx.Err() != nil || isTriggered(coord)

	if err := coord.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Shutdown did not complete cleanly")
	}
	// steps cut off by the shutdown timeout still owe a summary and a closed store
	finish()
	if store != nil {
		_ = store.Close()
	}

	log.Info().
		Str("run_id", res.ID).
		Bool("cancelled", res.Cancelled).
		Int64("readings_sent", res.Snapshot.ReadingsSent).
		Int64("readings_failed", res.Snapshot.ReadingsFailed).
		Float64("success_rate", res.Snapshot.SuccessRate).
		Msg("Run finished")

	if runErr != nil {
		return res, fmt.Errorf("%w: %w", ErrSetup, runErr)
	}
	return res, nil
}

// isTriggered reports whether shutdown was requested before the run ended on
// its own. Shutdown itself triggers, so this must be read before it.
func isTriggered(c *shutdown.Coordinator) bool {
	select {
	case <-c.Triggered():
		return true
	default:
		return false
	}
}

func preflightML(ctx context.Context, ml *mlclient.Client, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, mlPreflightTimeout)
	defer cancel()

	h, err := ml.Health(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("ML service health check failed, continuing")
		return
	}
	log.Info().Str("status", h.Status).Msg("ML service reachable")
}

// probeML asks the ML service about one random well per interval
func probeML(ctx context.Context, ml *mlclient.Client, wells []*topology.Well, rng *rand.Rand,
	stats *metrics.RunStats, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			well := wells[rng.Intn(len(wells))]
			stats.IncMLCalls()
			if _, err := ml.DetectAnomalies(ctx, mlclient.AnomalyRequest{WellID: well.ID}); err != nil {
				if ctx.Err() != nil {
					return
				}
				stats.IncMLFailures()
				log.Debug().Err(err).Str("well_id", well.ID).Msg("ML probe failed")
			}
		}
	}
}

// recordHistory stores the finished run and closes the store
func recordHistory(ctx context.Context, store *history.Store, res *Result) error {
	defer store.Close()

	s := res.Snapshot
	run := &history.Run{
		ID:             res.ID,
		Profile:        res.Profile,
		Sink:           res.Sink,
		Seed:           res.Seed,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
		ReadingsSent:   s.ReadingsSent,
		ReadingsFailed: s.ReadingsFailed,
		EntriesSent:    s.EntriesSent,
		EntriesFailed:  s.EntriesFailed,
		SuccessRate:    s.SuccessRate,
		AvgLatencyMs:   s.Latency.AvgMs,
		Cancelled:      res.Cancelled,
	}
	if s.Latency.Sufficient {
		p95 := s.Latency.P95Ms
		run.P95LatencyMs = &p95
	}

	if err := store.Record(ctx, run); err != nil {
		return fmt.Errorf("failed to record run history: %w", err)
	}
	return nil
}
