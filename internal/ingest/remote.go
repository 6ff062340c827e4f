package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wellpulse/loadsim/internal/circuitbreaker"
	"github.com/wellpulse/loadsim/pkg/models"
)

// RemoteClient sends every submission straight to a Transport. Nothing is
// buffered beyond the call in flight.
type RemoteClient struct {
	transport Transport
	breaker   *circuitbreaker.CircuitBreaker
	obs       Observer
	logger    zerolog.Logger
	warn      zerolog.Logger

	closed atomic.Bool
	calls  atomic.Int64
	errors atomic.Int64
}

// NewRemoteClient wraps t. A nil breaker calls the transport directly.
func NewRemoteClient(t Transport, breaker *circuitbreaker.CircuitBreaker, obs Observer, logger zerolog.Logger) *RemoteClient {
	if obs == nil {
		obs = NopObserver{}
	}
	logger = logger.With().Str("sink", t.Name()).Logger()
	return &RemoteClient{
		transport: t,
		breaker:   breaker,
		obs:       obs,
		logger:    logger,
		warn:      logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second}),
	}
}

// Name returns the transport name
func (c *RemoteClient) Name() string { return c.transport.Name() }

// SubmitReading sends r and reports the outcome
func (c *RemoteClient) SubmitReading(ctx context.Context, r models.Reading) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.transport.SendReading(ctx, r)
	})
	if err != nil {
		c.obs.ReadingsFailed(1, err.Reason)
		c.warn.Warn().Err(err.Err).Str("reason", string(err.Reason)).Str("tag_node_id", r.TagNodeID).Msg("Reading submission failed")
		return err
	}
	c.obs.ReadingsSent(1)
	return nil
}

// SubmitEntry sends e and reports the outcome
func (c *RemoteClient) SubmitEntry(ctx context.Context, e models.MobileEntry) error {
	err := c.call(ctx, func(ctx context.Context) error {
		return c.transport.SendEntry(ctx, e)
	})
	if err != nil {
		c.obs.EntriesFailed(1, err.Reason)
		c.warn.Warn().Err(err.Err).Str("reason", string(err.Reason)).Str("well_id", e.WellID).Msg("Field entry submission failed")
		return err
	}
	c.obs.EntriesSent(1)
	return nil
}

func (c *RemoteClient) call(ctx context.Context, fn func(context.Context) error) *SubmitError {
	if c.closed.Load() {
		return &SubmitError{Reason: ReasonClosed, Err: ErrClientClosed}
	}

	c.calls.Add(1)
	var err error
	if c.breaker != nil {
		err = c.breaker.Do(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if err != nil {
		c.errors.Add(1)
		return submitError(err)
	}
	return nil
}

// Flush is a no-op; nothing is buffered
func (c *RemoteClient) Flush(ctx context.Context) error { return nil }

// Close closes the transport. Later submissions fail with ReasonClosed.
func (c *RemoteClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.logger.Info().
		Int64("calls", c.calls.Load()).
		Int64("errors", c.errors.Load()).
		Msg("Remote ingest client closed")
	return c.transport.Close()
}

// Stats returns call statistics
func (c *RemoteClient) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"sink":         c.transport.Name(),
		"calls_total":  c.calls.Load(),
		"errors_total": c.errors.Load(),
	}
	if c.breaker != nil {
		stats["breaker"] = c.breaker.Stats()
	}
	return stats
}
