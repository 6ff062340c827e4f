// Package ingest defines how the generator hands readings and field entries to
// a sink, and the two delivery strategies: buffered bulk writes and one remote
// call per submission.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/wellpulse/loadsim/internal/circuitbreaker"
	"github.com/wellpulse/loadsim/pkg/models"
)

// Client accepts readings and entries for one sink.
// A nil error from a Submit method means the item was accepted (buffered or
// transmitted); otherwise the error is a *SubmitError.
type Client interface {
	SubmitReading(ctx context.Context, r models.Reading) error
	SubmitEntry(ctx context.Context, e models.MobileEntry) error
	// Flush forces buffered readings out; a no-op for unbuffered clients
	Flush(ctx context.Context) error
	Close() error
	Name() string
}

// BatchWriter performs atomic bulk writes against a store
type BatchWriter interface {
	// WriteReadings stores every row or none of them
	WriteReadings(ctx context.Context, rows []models.Reading) error
	WriteEntry(ctx context.Context, e models.MobileEntry) error
	Close() error
	Name() string
}

// Transport delivers single items to a remote sink
type Transport interface {
	SendReading(ctx context.Context, r models.Reading) error
	SendEntry(ctx context.Context, e models.MobileEntry) error
	Close() error
	Name() string
}

// Reason classifies why a submission failed
type Reason string

const (
	ReasonConnection  Reason = "connection"
	ReasonTimeout     Reason = "timeout"
	ReasonRejected    Reason = "rejected"
	ReasonUnavailable Reason = "unavailable"
	ReasonCircuitOpen Reason = "circuit_open"
	ReasonClosed      Reason = "closed"
	ReasonUnknown     Reason = "unknown"
)

// Reasons lists every failure reason in reporting order
var Reasons = []Reason{
	ReasonConnection, ReasonTimeout, ReasonRejected, ReasonUnavailable,
	ReasonCircuitOpen, ReasonClosed, ReasonUnknown,
}

// Trigger names what caused a buffer flush
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerTime     Trigger = "time"
	TriggerManual   Trigger = "manual"
	TriggerShutdown Trigger = "shutdown"
)

// Triggers lists every flush trigger in reporting order
var Triggers = []Trigger{TriggerSize, TriggerTime, TriggerManual, TriggerShutdown}

var (
	// ErrClientClosed is returned for submissions after Close
	ErrClientClosed = errors.New("ingest client closed")

	// ErrRejected marks errors where the sink refused the payload itself
	ErrRejected = errors.New("sink rejected payload")

	// ErrUnavailable marks errors where the sink answered but could not store the data
	ErrUnavailable = errors.New("sink unavailable")

	// ErrConnection marks errors where the sink could not be reached
	ErrConnection = errors.New("sink connection failed")
)

// SubmitError is the error type returned by Client submissions
type SubmitError struct {
	Reason Reason
	Err    error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

func submitError(err error) *SubmitError {
	var se *SubmitError
	if errors.As(err, &se) {
		return se
	}
	return &SubmitError{Reason: Classify(err), Err: err}
}

// Classify maps an error from a writer or transport to a Reason
func Classify(err error) Reason {
	if err == nil {
		return ""
	}

	var se *SubmitError
	if errors.As(err, &se) {
		return se.Reason
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return ReasonCircuitOpen
	case errors.Is(err, ErrClientClosed):
		return ReasonClosed
	case errors.Is(err, ErrRejected):
		return ReasonRejected
	case errors.Is(err, ErrUnavailable):
		return ReasonUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, ErrConnection), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ReasonConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonConnection
	}

	return ReasonUnknown
}

// CountsAgainstSink reports whether err says something about sink health.
// Payload rejections and local shutdown do not.
func CountsAgainstSink(err error) bool {
	switch Classify(err) {
	case ReasonRejected, ReasonClosed, ReasonCircuitOpen, "":
		return false
	}
	return true
}

// Observer receives settled outcomes. A buffered reading settles when its
// flush completes, a remote one when the call returns.
type Observer interface {
	ReadingsSent(n int)
	ReadingsFailed(n int, reason Reason)
	EntriesSent(n int)
	EntriesFailed(n int, reason Reason)
	FlushCompleted(trigger Trigger, rows int, took time.Duration, err error)
}

// NopObserver discards every outcome
type NopObserver struct{}

func (NopObserver) ReadingsSent(int)                                  {}
func (NopObserver) ReadingsFailed(int, Reason)                        {}
func (NopObserver) EntriesSent(int)                                   {}
func (NopObserver) EntriesFailed(int, Reason)                         {}
func (NopObserver) FlushCompleted(Trigger, int, time.Duration, error) {}
