package api

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/logger"
	"github.com/wellpulse/loadsim/internal/report"
)

// StatusServer exposes live run statistics while a run is in progress
type StatusServer struct {
	server
	reporter *report.Reporter
	recorder *logger.Recorder
	info     map[string]string
	started  time.Time
}

// NewStatusServer serves the reporter's snapshot and the registry's metrics
// on port. info is echoed by /health (profile, sink, seed).
func NewStatusServer(port int, reporter *report.Reporter, registry *prometheus.Registry, info map[string]string, log zerolog.Logger) *StatusServer {
	log = log.With().Str("component", "status-server").Logger()
	s := &StatusServer{
		server: server{
			app:    newApp("loadsim status", DefaultServerConfig(), log),
			logger: log,
			addr:   fmt.Sprintf(":%d", port),
		},
		reporter: reporter,
		recorder: logger.GetRecorder(),
		info:     info,
		started:  time.Now(),
	}

	s.app.Get("/health", s.healthHandler)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	s.app.Get("/api/v1/stats", s.statsHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)
	s.app.Get("/api/v1/runtime", s.runtimeHandler)
	return s
}

// WithRecorder replaces the log recorder served by /api/v1/logs
func (s *StatusServer) WithRecorder(r *logger.Recorder) *StatusServer {
	s.recorder = r
	return s
}

func (s *StatusServer) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.String(),
		"uptime_sec": uptime.Seconds(),
		"run":        s.info,
	})
}

func (s *StatusServer) statsHandler(c *fiber.Ctx) error {
	return c.JSON(s.reporter.Snapshot())
}

func (s *StatusServer) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	entries := s.recorder.Recent(limit)
	return c.JSON(fiber.Map{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"count":     len(entries),
		"limit":     limit,
		"logs":      entries,
	})
}

func (s *StatusServer) runtimeHandler(c *fiber.Ctx) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return c.JSON(fiber.Map{
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"goroutines":       runtime.NumGoroutine(),
		"num_cpu":          runtime.NumCPU(),
		"gomaxprocs":       runtime.GOMAXPROCS(0),
		"go_version":       runtime.Version(),
		"heap_alloc_bytes": mem.HeapAlloc,
		"heap_objects":     mem.HeapObjects,
		"gc_cycles":        mem.NumGC,
	})
}
