package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/pkg/models"
)

// BufferConfig controls when a BufferedClient flushes
type BufferConfig struct {
	MaxRows      int           // size trigger
	MaxAge       time.Duration // time trigger, measured from the previous flush
	WriteTimeout time.Duration // per bulk write and per entry write
}

// DefaultBufferConfig returns the standard 10k rows / 5s policy
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		MaxRows:      10000,
		MaxAge:       5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

type flushTask struct {
	rows    []models.Reading
	trigger Trigger
	done    chan error
}

// BufferedClient accumulates readings and bulk-writes them through a
// BatchWriter. Every write happens on a single flusher goroutine, and each
// batch is taken out of the buffer under the mutex, so a buffered row is
// written by exactly one flush.
type BufferedClient struct {
	writer BatchWriter
	cfg    BufferConfig
	obs    Observer
	logger zerolog.Logger
	warn   zerolog.Logger

	mu        sync.Mutex
	buf       []models.Reading
	lastFlush time.Time
	closed    bool

	// batches extracted from buf but not yet queued
	handoff sync.WaitGroup
	tasks   chan flushTask
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	totalBuffered atomic.Int64
	totalWritten  atomic.Int64
	totalFailed   atomic.Int64
	totalFlushes  atomic.Int64
	flushErrors   atomic.Int64
	flushes       map[Trigger]*atomic.Int64
}

// NewBufferedClient starts the flusher goroutine. Close must be called to
// write the tail of the buffer.
func NewBufferedClient(w BatchWriter, cfg BufferConfig, obs Observer, logger zerolog.Logger) *BufferedClient {
	def := DefaultBufferConfig()
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if obs == nil {
		obs = NopObserver{}
	}

	logger = logger.With().Str("sink", w.Name()).Logger()
	c := &BufferedClient{
		writer:    w,
		cfg:       cfg,
		obs:       obs,
		logger:    logger,
		warn:      logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}),
		buf:       make([]models.Reading, 0, cfg.MaxRows),
		lastFlush: time.Now(),
		tasks:     make(chan flushTask, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		flushes:   make(map[Trigger]*atomic.Int64, len(Triggers)),
	}
	for _, t := range Triggers {
		c.flushes[t] = new(atomic.Int64)
	}

	go c.run()

	c.logger.Info().
		Int("max_rows", cfg.MaxRows).
		Dur("max_age", cfg.MaxAge).
		Msg("Buffered ingest client started")

	return c
}

// Name returns the writer name
func (c *BufferedClient) Name() string { return c.writer.Name() }

// SubmitReading appends r to the buffer. The append that reaches MaxRows
// hands the full batch to the flusher and waits until it is queued.
func (c *BufferedClient) SubmitReading(ctx context.Context, r models.Reading) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.obs.ReadingsFailed(1, ReasonClosed)
		return &SubmitError{Reason: ReasonClosed, Err: ErrClientClosed}
	}

	c.buf = append(c.buf, r)
	c.totalBuffered.Add(1)

	var batch []models.Reading
	if len(c.buf) >= c.cfg.MaxRows {
		batch = c.extractLocked()
		c.handoff.Add(1)
	}
	c.mu.Unlock()

	if batch != nil {
		c.logger.Debug().Int("rows", len(batch)).Msg("Buffer reached max rows, queueing flush")
		c.tasks <- flushTask{rows: batch, trigger: TriggerSize}
		c.handoff.Done()
	}
	return nil
}

// SubmitEntry writes e immediately; entries are not buffered
func (c *BufferedClient) SubmitEntry(ctx context.Context, e models.MobileEntry) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.obs.EntriesFailed(1, ReasonClosed)
		return &SubmitError{Reason: ReasonClosed, Err: ErrClientClosed}
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	if err := c.writer.WriteEntry(wctx, e); err != nil {
		se := submitError(err)
		c.obs.EntriesFailed(1, se.Reason)
		c.warn.Warn().Err(se.Err).Str("reason", string(se.Reason)).Str("well_id", e.WellID).Msg("Field entry write failed")
		return se
	}
	c.obs.EntriesSent(1)
	return nil
}

// Flush writes whatever is buffered and waits until every batch queued
// before it has settled.
func (c *BufferedClient) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	batch := c.extractLocked()
	c.handoff.Add(1)
	c.mu.Unlock()

	done := make(chan error, 1)
	c.tasks <- flushTask{rows: batch, trigger: TriggerManual, done: done}
	c.handoff.Done()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further submissions, writes everything still buffered and
// closes the writer. Safe to call more than once.
func (c *BufferedClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.handoff.Wait()
		close(c.stop)
		<-c.done

		c.closeErr = c.writer.Close()

		c.logger.Info().
			Int64("rows_written", c.totalWritten.Load()).
			Int64("rows_failed", c.totalFailed.Load()).
			Int64("flushes", c.totalFlushes.Load()).
			Msg("Buffered ingest client closed")
	})
	return c.closeErr
}

// extractLocked must be called with mu held
func (c *BufferedClient) extractLocked() []models.Reading {
	batch := c.buf
	c.buf = make([]models.Reading, 0, c.cfg.MaxRows)
	c.lastFlush = time.Now()
	return batch
}

func (c *BufferedClient) untilDue() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.cfg.MaxAge - time.Since(c.lastFlush)
	switch {
	case d > 0:
		return d
	case len(c.buf) > 0:
		return 0
	}
	// window elapsed with nothing buffered; start a new one
	c.lastFlush = time.Now()
	return c.cfg.MaxAge
}

func (c *BufferedClient) run() {
	defer close(c.done)

	timer := time.NewTimer(c.cfg.MaxAge)
	defer timer.Stop()

	for {
		select {
		case task := <-c.tasks:
			c.write(task)
			timer.Reset(c.untilDue())

		case <-timer.C:
			c.mu.Lock()
			var batch []models.Reading
			if len(c.buf) > 0 && time.Since(c.lastFlush) >= c.cfg.MaxAge {
				batch = c.extractLocked()
			}
			c.mu.Unlock()

			if batch != nil {
				c.write(flushTask{rows: batch, trigger: TriggerTime})
			}
			timer.Reset(c.untilDue())

		case <-c.stop:
			c.drain()
			return
		}
	}
}

func (c *BufferedClient) drain() {
	for {
		select {
		case task := <-c.tasks:
			c.write(task)
		default:
			c.mu.Lock()
			batch := c.extractLocked()
			c.mu.Unlock()
			c.write(flushTask{rows: batch, trigger: TriggerShutdown})
			return
		}
	}
}

func (c *BufferedClient) write(task flushTask) {
	n := len(task.rows)
	if n == 0 {
		if task.done != nil {
			task.done <- nil
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	start := time.Now()
	err := c.writer.WriteReadings(ctx, task.rows)
	took := time.Since(start)
	cancel()

	c.totalFlushes.Add(1)
	c.flushes[task.trigger].Add(1)

	if err != nil {
		reason := Classify(err)
		c.totalFailed.Add(int64(n))
		c.flushErrors.Add(1)
		c.obs.ReadingsFailed(n, reason)
		c.logger.Error().
			Err(err).
			Str("trigger", string(task.trigger)).
			Str("reason", string(reason)).
			Int("rows", n).
			Dur("took", took).
			Msg("Bulk write failed, batch discarded")
		err = &SubmitError{Reason: reason, Err: err}
	} else {
		c.totalWritten.Add(int64(n))
		c.obs.ReadingsSent(n)
		c.logger.Debug().
			Str("trigger", string(task.trigger)).
			Int("rows", n).
			Dur("took", took).
			Msg("Flushed readings")
	}
	c.obs.FlushCompleted(task.trigger, n, took, err)

	if task.done != nil {
		task.done <- err
	}
}

// Buffered returns the number of rows waiting for the next flush
func (c *BufferedClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Stats returns buffer statistics
func (c *BufferedClient) Stats() map[string]interface{} {
	return map[string]interface{}{
		"sink":                c.writer.Name(),
		"rows_buffered_total": c.totalBuffered.Load(),
		"rows_written_total":  c.totalWritten.Load(),
		"rows_failed_total":   c.totalFailed.Load(),
		"flushes_total":       c.totalFlushes.Load(),
		"flush_errors_total":  c.flushErrors.Load(),
		"flushes_size":        c.flushes[TriggerSize].Load(),
		"flushes_time":        c.flushes[TriggerTime].Load(),
		"flushes_manual":      c.flushes[TriggerManual].Load(),
		"flushes_shutdown":    c.flushes[TriggerShutdown].Load(),
		"buffered_rows":       c.Buffered(),
	}
}
