// Package circuitbreaker stops hammering a sink that keeps failing.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // submissions flow normally
	StateOpen                  // submissions fail fast
	StateHalfOpen              // probing whether the sink recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the sink while the breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Name string

	// MaxFailures consecutive counted failures open the circuit
	MaxFailures int

	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration

	// HalfOpenProbes is both the number of probe calls admitted while half-open
	// and the number of successes needed to close again
	HalfOpenProbes int

	// IsFailure decides whether an error counts against the sink.
	// Nil counts every non-nil error.
	IsFailure func(error) bool

	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:           name,
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 3,
	}
}

// CircuitBreaker guards one sink
type CircuitBreaker struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	openedAt    time.Time
	probes      atomic.Int32
	rejected    atomic.Int64
	transitions atomic.Int64
}

// New creates a new circuit breaker
func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("sink")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}

	return &CircuitBreaker{
		config: cfg,
		logger: logger.With().Str("breaker", cfg.Name).Logger(),
		state:  StateClosed,
	}
}

// Do runs fn unless the circuit is open. The error from fn is returned unchanged.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.rejected.Add(1)
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.RLock()
	state := cb.state
	openedAt := cb.openedAt
	cb.mu.RUnlock()

	switch state {
	case StateOpen:
		if time.Since(openedAt) < cb.config.OpenTimeout {
			return false
		}
		cb.mu.Lock()
		if cb.state == StateOpen {
			cb.transition(StateHalfOpen)
			cb.probes.Store(0)
		}
		cb.mu.Unlock()
		return cb.probes.Add(1) <= int32(cb.config.HalfOpenProbes)

	case StateHalfOpen:
		return cb.probes.Add(1) <= int32(cb.config.HalfOpenProbes)

	default:
		return true
	}
}

func (cb *CircuitBreaker) counts(err error) bool {
	if err == nil {
		return false
	}
	if cb.config.IsFailure == nil {
		return true
	}
	return cb.config.IsFailure(err)
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.counts(err) {
		cb.failures++
		cb.successes = 0
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				cb.transition(StateOpen)
			}
		case StateHalfOpen:
			cb.transition(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.HalfOpenProbes {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	cb.transitions.Add(1)

	ev := cb.logger.Info()
	if to == StateOpen {
		ev = cb.logger.Warn()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("Sink circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Rejected returns how many calls failed fast because the circuit was open
func (cb *CircuitBreaker) Rejected() int64 {
	return cb.rejected.Load()
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.state.String(),
		"failures":             cb.failures,
		"successes":            cb.successes,
		"max_failures":         cb.config.MaxFailures,
		"open_timeout_seconds": cb.config.OpenTimeout.Seconds(),
		"rejected_total":       cb.rejected.Load(),
		"transitions_total":    cb.transitions.Load(),
	}
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}
