// Package producer drives readings and field entries into an ingest client
// at the rates of a load profile.
package producer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/internal/metrics"
	"github.com/wellpulse/loadsim/internal/profile"
	"github.com/wellpulse/loadsim/internal/signal"
	"github.com/wellpulse/loadsim/internal/topology"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight bounds concurrent reading submissions
const DefaultMaxInFlight = 256

var ErrNoWells = errors.New("producer pool needs at least one well")

// Config configures a Pool
type Config struct {
	Profile     profile.Profile
	MaxInFlight int
}

// Pool runs two independent cadences: one round of readings for every tag per
// reading interval, and one field entry per entry interval.
type Pool struct {
	cfg    Config
	wells  []*topology.Well
	tags   []*topology.Tag
	client ingest.Client
	stats  *metrics.RunStats
	model  *signal.Model
	rng    *rand.Rand
	logger zerolog.Logger

	sem      *semaphore.Weighted
	inflight sync.WaitGroup

	mu           sync.Mutex
	stopReadings context.CancelFunc
	stopEntries  context.CancelFunc

	ticks    atomic.Int64
	overruns atomic.Int64
}

// New creates a pool. model is only used from the reading cadence and
// entryRand only from the entry cadence.
func New(cfg Config, wells []*topology.Well, client ingest.Client, stats *metrics.RunStats,
	model *signal.Model, entryRand *rand.Rand, logger zerolog.Logger) *Pool {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}

	tags := make([]*topology.Tag, 0, topology.TagCount(wells))
	for _, w := range wells {
		tags = append(tags, w.Tags...)
	}

	return &Pool{
		cfg:    cfg,
		wells:  wells,
		tags:   tags,
		client: client,
		stats:  stats,
		model:  model,
		rng:    entryRand,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// Run drives both cadences until ctx is cancelled or the profile duration
// elapses, waits for in-flight submissions, then flushes the client.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.wells) == 0 {
		return ErrNoWells
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Profile.Duration)
	defer cancel()

	readCtx, readCancel := context.WithCancel(runCtx)
	entryCtx, entryCancel := context.WithCancel(runCtx)
	defer readCancel()
	defer entryCancel()

	p.mu.Lock()
	p.stopReadings = readCancel
	p.stopEntries = entryCancel
	p.mu.Unlock()

	// submissions already issued settle on their own timeouts rather than
	// being cut off by the stop signal
	submitCtx := context.WithoutCancel(ctx)

	p.logger.Info().
		Int("wells", len(p.wells)).
		Int("tags", len(p.tags)).
		Dur("reading_interval", p.cfg.Profile.ReadingInterval).
		Float64("entries_per_minute", p.cfg.Profile.EntriesPerMinute).
		Dur("duration", p.cfg.Profile.Duration).
		Msg("Producer pool started")

	var g errgroup.Group
	g.Go(func() error {
		p.runReadings(readCtx, submitCtx)
		return nil
	})
	g.Go(func() error {
		p.runEntries(entryCtx, submitCtx)
		return nil
	})
	_ = g.Wait()

	p.inflight.Wait()

	if err := p.client.Flush(submitCtx); err != nil {
		p.logger.Warn().Err(err).Msg("Final flush failed")
	}

	p.logger.Info().
		Int64("ticks", p.ticks.Load()).
		Int64("overruns", p.overruns.Load()).
		Msg("Producer pool stopped")
	return nil
}

// StopReadings ends the reading cadence; the entry cadence keeps running
func (p *Pool) StopReadings() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopReadings != nil {
		p.stopReadings()
	}
}

// StopEntries ends the entry cadence; the reading cadence keeps running
func (p *Pool) StopEntries() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopEntries != nil {
		p.stopEntries()
	}
}

// Ticks returns how many reading rounds were started
func (p *Pool) Ticks() int64 { return p.ticks.Load() }

// Overruns returns how many rounds were still in flight when the next tick began
func (p *Pool) Overruns() int64 { return p.overruns.Load() }

func (p *Pool) runReadings(ctx, submitCtx context.Context) {
	interval := p.cfg.Profile.ReadingInterval

	for {
		tickStart := time.Now()
		done, ok := p.dispatchRound(ctx, submitCtx, tickStart)
		if !ok {
			return
		}
		p.ticks.Add(1)

		// wait for the round or the interval, whichever ends first, then
		// sleep out the remainder of the interval
		timer := time.NewTimer(interval - time.Since(tickStart))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-done:
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		case <-timer.C:
			p.overruns.Add(1)
			p.logger.Debug().Dur("interval", interval).Msg("Reading round exceeded the interval")
		}
	}
}

// dispatchRound issues one reading per tag. It returns false when ctx ended
// during the round.
func (p *Pool) dispatchRound(ctx, submitCtx context.Context, now time.Time) (<-chan struct{}, bool) {
	var round sync.WaitGroup

	for _, tag := range p.tags {
		// Acquire succeeds on a cancelled ctx when a slot is free
		if ctx.Err() != nil {
			break
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		r := p.model.Reading(tag, now)
		p.stats.IncReadingsAttempted()

		round.Add(1)
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			defer round.Done()
			defer p.sem.Release(1)

			start := time.Now()
			if err := p.client.SubmitReading(submitCtx, r); err == nil {
				p.stats.ObserveLatency(time.Since(start))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		round.Wait()
		close(done)
	}()

	return done, ctx.Err() == nil
}

func (p *Pool) runEntries(ctx, submitCtx context.Context) {
	if p.cfg.Profile.EntriesPerMinute <= 0 {
		return
	}
	interval := p.cfg.Profile.EntryInterval()
	if interval <= 0 {
		interval = time.Nanosecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e := NewEntry(p.rng, p.wells, now)
			p.stats.IncEntriesAttempted()

			start := time.Now()
			if err := p.client.SubmitEntry(submitCtx, e); err == nil {
				p.stats.ObserveLatency(time.Since(start))
			}
		}
	}
}
