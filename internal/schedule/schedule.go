// Package schedule runs load runs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrEmptyExpression is returned when no cron expression is configured
var ErrEmptyExpression = errors.New("cron expression is empty")

// Job is one scheduled invocation
type Job func(ctx context.Context) error

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler fires a job on a cron schedule. A firing that arrives while the
// previous invocation is still running is skipped.
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	job      Job
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	busy    atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// New validates expr (standard five-field syntax or a descriptor such as
// "@hourly" or "@every 30m")
func New(expr string, job Job, logger zerolog.Logger) (*Scheduler, error) {
	if expr == "" {
		return nil, ErrEmptyExpression
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	return &Scheduler{
		expr:     expr,
		schedule: sched,
		job:      job,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start begins firing. Jobs receive a context that Stop cancels.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Scheduler already running")
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(parser))
	s.cron.Schedule(s.schedule, cron.FuncJob(s.fire))
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.expr).
		Time("next_run", s.schedule.Next(time.Now())).
		Msg("Scheduler started")

	return nil
}

// Stop cancels the running job, stops firing and returns a context that is
// done once the in-progress invocation has returned
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.cancel()
	done := s.cron.Stop()
	s.running = false
	s.logger.Info().
		Int64("runs", s.runs.Load()).
		Int64("skipped", s.skipped.Load()).
		Msg("Scheduler stopped")
	return done
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Str("schedule", s.expr).Msg("Previous run still in progress, skipping firing")
		return
	}
	defer s.busy.Store(false)

	if ctx.Err() != nil {
		return
	}

	n := s.runs.Add(1)
	start := time.Now()
	s.logger.Info().Int64("run", n).Msg("Starting scheduled run")

	if err := s.job(ctx); err != nil {
		s.failed.Add(1)
		s.logger.Error().Err(err).Int64("run", n).Dur("took", time.Since(start)).Msg("Scheduled run failed")
		return
	}
	s.logger.Info().
		Int64("run", n).
		Dur("took", time.Since(start)).
		Time("next_run", s.schedule.Next(time.Now())).
		Msg("Scheduled run completed")
}

// Next returns the next firing time after t
func (s *Scheduler) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Runs returns how many invocations started
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// Skipped returns how many firings were dropped because a run was in progress
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// Failed returns how many invocations returned an error
func (s *Scheduler) Failed() int64 { return s.failed.Load() }
