// Package shutdown runs teardown steps in priority order when a run ends or
// the process is interrupted.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Closer is anything with a Close method
type Closer interface {
	Close() error
}

// Func is one teardown step
type Func func(ctx context.Context) error

// Priorities; lower runs first
const (
	PriorityProducers    = 10 // stop generating
	PriorityStatusServer = 20
	PriorityIngest       = 30 // flush and close the sink client
	PriorityMLProbe      = 40
	PrioritySummary      = 80 // final report once the client has settled
	PriorityHistory      = 90
)

type step struct {
	name     string
	fn       Func
	priority int
	seq      int
}

// Coordinator collects teardown steps and runs each exactly once
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	shutdownErr  error
	triggerOnce  sync.Once
	triggered    chan struct{}
}

// New creates a coordinator whose Shutdown gives up after timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// RegisterHook adds a teardown step
func (c *Coordinator) RegisterHook(name string, fn Func, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, step{name: name, fn: fn, priority: priority, seq: len(c.steps)})
	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown hook")
}

// Register adds a step that closes component
func (c *Coordinator) Register(name string, component Closer, priority int) {
	c.RegisterHook(name, func(context.Context) error { return component.Close() }, priority)
}

// Trigger requests shutdown; safe to call from any goroutine, any number of times
func (c *Coordinator) Trigger() {
	c.triggerOnce.Do(func() {
		close(c.triggered)
	})
}

// Triggered is closed once Trigger has been called
func (c *Coordinator) Triggered() <-chan struct{} { return c.triggered }

// NotifyContext returns a child of parent that is cancelled on SIGINT,
// SIGTERM or Trigger. stop releases the signal handler.
func (c *Coordinator) NotifyContext(parent context.Context) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			c.Trigger()
		case <-c.triggered:
		case <-ctx.Done():
		}
		cancel()
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// Shutdown runs every registered step once, lowest priority first. Steps
// registered with equal priority run in registration order. It returns the
// first step error, or the context error when the timeout cut steps off.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.Trigger()

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()

		sort.Slice(steps, func(i, j int) bool {
			if steps[i].priority != steps[j].priority {
				return steps[i].priority < steps[j].priority
			}
			return steps[i].seq < steps[j].seq
		})

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		c.logger.Debug().Int("steps", len(steps)).Dur("timeout", c.timeout).Msg("Starting shutdown")

		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().Str("step", s.name).Msg("Shutdown timeout reached, skipping remaining steps")
				c.shutdownErr = ctx.Err()
				return
			}
			if err := s.fn(ctx); err != nil {
				c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
				if c.shutdownErr == nil {
					c.shutdownErr = err
				}
			}
		}

		c.logger.Debug().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	})
	return c.shutdownErr
}
