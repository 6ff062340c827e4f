package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/wellpulse/loadsim/internal/circuitbreaker"
	"github.com/wellpulse/loadsim/pkg/models"
)

// fakeWriter stores rows in memory and fails on demand
type fakeWriter struct {
	mu       sync.Mutex
	rows     []models.Reading
	entries  []models.MobileEntry
	batches  []int
	failNext int
	failErr  error
	closed   bool
}

func (w *fakeWriter) WriteReadings(ctx context.Context, rows []models.Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return w.failErr
	}
	w.rows = append(w.rows, rows...)
	w.batches = append(w.batches, len(rows))
	return nil
}

func (w *fakeWriter) WriteEntry(ctx context.Context, e models.MobileEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failNext > 0 {
		w.failNext--
		return w.failErr
	}
	w.entries = append(w.entries, e)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) Name() string { return "fake" }

func (w *fakeWriter) stored() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

type flushRecord struct {
	trigger Trigger
	rows    int
	err     error
}

// outcomes is what a recorder has seen so far
type outcomes struct {
	sent, failed  int
	entriesSent   int
	entriesFailed int
	reasons       map[Reason]int
	flushes       []flushRecord
}

// recorder is an Observer that keeps every outcome
type recorder struct {
	mu sync.Mutex
	o  outcomes
}

func newRecorder() *recorder { return &recorder{o: outcomes{reasons: make(map[Reason]int)}} }

func (r *recorder) ReadingsSent(n int) {
	r.mu.Lock()
	r.o.sent += n
	r.mu.Unlock()
}

func (r *recorder) ReadingsFailed(n int, reason Reason) {
	r.mu.Lock()
	r.o.failed += n
	r.o.reasons[reason] += n
	r.mu.Unlock()
}

func (r *recorder) EntriesSent(n int) {
	r.mu.Lock()
	r.o.entriesSent += n
	r.mu.Unlock()
}

func (r *recorder) EntriesFailed(n int, reason Reason) {
	r.mu.Lock()
	r.o.entriesFailed += n
	r.o.reasons[reason] += n
	r.mu.Unlock()
}

func (r *recorder) FlushCompleted(trigger Trigger, rows int, took time.Duration, err error) {
	r.mu.Lock()
	r.o.flushes = append(r.o.flushes, flushRecord{trigger: trigger, rows: rows, err: err})
	r.mu.Unlock()
}

func (r *recorder) flushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.o.flushes)
}

func (r *recorder) snapshot() outcomes {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.o
	cp.flushes = append([]flushRecord(nil), r.o.flushes...)
	cp.reasons = make(map[Reason]int, len(r.o.reasons))
	for k, v := range r.o.reasons {
		cp.reasons[k] = v
	}
	return cp
}

func reading(i int) models.Reading {
	return models.Reading{
		WellID:    "well",
		TagNodeID: fmt.Sprintf("ns=2;s=T.%d", i),
		Timestamp: time.Now().UTC(),
		Value:     float64(i),
		Quality:   models.QualityGood,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBufferedClient_SizeThenTimeFlush(t *testing.T) {
	w := &fakeWriter{}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 10000, MaxAge: 300 * time.Millisecond}, rec, nopLogger())

	for i := 0; i < 15000; i++ {
		if err := c.SubmitReading(context.Background(), reading(i)); err != nil {
			t.Fatalf("SubmitReading(%d) failed: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return rec.flushCount() >= 2 })

	snap := rec.snapshot()
	if len(snap.flushes) != 2 {
		t.Fatalf("flushes = %+v, want exactly 2", snap.flushes)
	}
	if snap.flushes[0].trigger != TriggerSize || snap.flushes[0].rows != 10000 {
		t.Errorf("first flush = %+v, want size/10000", snap.flushes[0])
	}
	if snap.flushes[1].trigger != TriggerTime || snap.flushes[1].rows != 5000 {
		t.Errorf("second flush = %+v, want time/5000", snap.flushes[1])
	}
	if w.stored() != 15000 {
		t.Errorf("stored rows = %d, want 15000", w.stored())
	}
	if snap.sent != 15000 || snap.failed != 0 {
		t.Errorf("sent/failed = %d/%d, want 15000/0", snap.sent, snap.failed)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if rec.flushCount() != 2 {
		t.Errorf("Close on an empty buffer must not write, flushes = %d", rec.flushCount())
	}
}

func TestBufferedClient_NoTimeFlushWhenEmpty(t *testing.T) {
	w := &fakeWriter{}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 100, MaxAge: 20 * time.Millisecond}, rec, nopLogger())
	defer c.Close()

	time.Sleep(120 * time.Millisecond)
	if rec.flushCount() != 0 {
		t.Errorf("flushes = %d, want 0 for an empty buffer", rec.flushCount())
	}
}

func TestBufferedClient_TimeFlushPerWindow(t *testing.T) {
	w := &fakeWriter{}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 1000, MaxAge: 50 * time.Millisecond}, rec, nopLogger())
	defer c.Close()

	for i := 0; i < 10; i++ {
		_ = c.SubmitReading(context.Background(), reading(i))
	}
	waitFor(t, time.Second, func() bool { return rec.flushCount() == 1 })

	time.Sleep(150 * time.Millisecond)
	snap := rec.snapshot()
	if len(snap.flushes) != 1 || snap.flushes[0].trigger != TriggerTime || snap.flushes[0].rows != 10 {
		t.Errorf("flushes = %+v, want one time flush of 10 rows", snap.flushes)
	}
}

func TestBufferedClient_FlushFailureDiscardsBatch(t *testing.T) {
	w := &fakeWriter{failNext: 1, failErr: fmt.Errorf("%w: dimension mismatch", ErrRejected)}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 10, MaxAge: time.Hour}, rec, nopLogger())

	for i := 0; i < 10; i++ {
		_ = c.SubmitReading(context.Background(), reading(i))
	}
	for i := 0; i < 5; i++ {
		_ = c.SubmitReading(context.Background(), reading(100+i))
	}

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	snap := rec.snapshot()
	if snap.failed != 10 || snap.reasons[ReasonRejected] != 10 {
		t.Errorf("failed = %d (rejected %d), want 10", snap.failed, snap.reasons[ReasonRejected])
	}
	if snap.sent != 5 {
		t.Errorf("sent = %d, want 5", snap.sent)
	}
	if w.stored() != 5 {
		t.Errorf("stored = %d, want 5 (failed batch is not retried)", w.stored())
	}
	if c.Buffered() != 0 {
		t.Errorf("buffer holds %d rows after flush", c.Buffered())
	}
	_ = c.Close()
}

func TestBufferedClient_ManualFlushReturnsWriteError(t *testing.T) {
	w := &fakeWriter{failNext: 1, failErr: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 100, MaxAge: time.Hour}, rec, nopLogger())
	defer c.Close()

	_ = c.SubmitReading(context.Background(), reading(1))
	err := c.Flush(context.Background())

	var se *SubmitError
	if !errors.As(err, &se) || se.Reason != ReasonConnection {
		t.Fatalf("Flush error = %v, want connection SubmitError", err)
	}
}

func TestBufferedClient_CloseFlushesTail(t *testing.T) {
	w := &fakeWriter{}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 1000, MaxAge: time.Hour}, rec, nopLogger())

	for i := 0; i < 42; i++ {
		_ = c.SubmitReading(context.Background(), reading(i))
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	snap := rec.snapshot()
	if len(snap.flushes) != 1 || snap.flushes[0].trigger != TriggerShutdown || snap.flushes[0].rows != 42 {
		t.Errorf("flushes = %+v, want one shutdown flush of 42", snap.flushes)
	}
	if !w.closed {
		t.Error("writer not closed")
	}

	err := c.SubmitReading(context.Background(), reading(99))
	var se *SubmitError
	if !errors.As(err, &se) || se.Reason != ReasonClosed {
		t.Errorf("submit after close = %v, want closed", err)
	}
	if !errors.Is(c.Flush(context.Background()), ErrClientClosed) {
		t.Error("Flush after Close should return ErrClientClosed")
	}
	if rec.snapshot().failed != 1 {
		t.Errorf("rejected submission should count as failed")
	}
}

func TestBufferedClient_ConcurrentSubmitsExactlyOnce(t *testing.T) {
	w := &fakeWriter{}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{MaxRows: 997, MaxAge: 5 * time.Millisecond}, rec, nopLogger())

	const producers = 8
	const perProducer = 5000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = c.SubmitReading(context.Background(), reading(p*perProducer+i))
			}
		}(p)
	}
	wg.Wait()
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	total := producers * perProducer
	if w.stored() != total {
		t.Fatalf("stored = %d, want %d", w.stored(), total)
	}

	seen := make(map[float64]bool, total)
	for _, r := range w.rows {
		if seen[r.Value] {
			t.Fatalf("row %v written twice", r.Value)
		}
		seen[r.Value] = true
	}

	flushed := 0
	for _, f := range rec.snapshot().flushes {
		if f.rows > 997 {
			t.Errorf("flush of %d rows exceeds max rows", f.rows)
		}
		flushed += f.rows
	}
	if flushed != total {
		t.Errorf("sum of flush sizes = %d, want %d", flushed, total)
	}
}

func TestBufferedClient_Entries(t *testing.T) {
	w := &fakeWriter{}
	rec := newRecorder()
	c := NewBufferedClient(w, BufferConfig{}, rec, nopLogger())
	defer c.Close()

	e := models.MobileEntry{WellID: "w", Category: models.EntryMaintenance, Timestamp: time.Now()}
	if err := c.SubmitEntry(context.Background(), e); err != nil {
		t.Fatalf("SubmitEntry failed: %v", err)
	}

	w.mu.Lock()
	w.failNext, w.failErr = 1, context.DeadlineExceeded
	w.mu.Unlock()

	err := c.SubmitEntry(context.Background(), e)
	var se *SubmitError
	if !errors.As(err, &se) || se.Reason != ReasonTimeout {
		t.Errorf("SubmitEntry error = %v, want timeout", err)
	}

	snap := rec.snapshot()
	if snap.entriesSent != 1 || snap.entriesFailed != 1 {
		t.Errorf("entries sent/failed = %d/%d, want 1/1", snap.entriesSent, snap.entriesFailed)
	}
}

func TestBufferedClient_Stats(t *testing.T) {
	w := &fakeWriter{}
	c := NewBufferedClient(w, BufferConfig{MaxRows: 5, MaxAge: time.Hour}, nil, nopLogger())
	for i := 0; i < 7; i++ {
		_ = c.SubmitReading(context.Background(), reading(i))
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = c.Close()

	stats := c.Stats()
	if stats["rows_written_total"].(int64) != 7 {
		t.Errorf("rows_written_total = %v, want 7", stats["rows_written_total"])
	}
	if stats["flushes_size"].(int64) != 1 || stats["flushes_manual"].(int64) != 1 {
		t.Errorf("unexpected flush counts %v", stats)
	}
}

// fakeTransport answers every call with err
type fakeTransport struct {
	mu      sync.Mutex
	err     error
	calls   int
	entries int
	closed  bool
}

func (f *fakeTransport) SendReading(ctx context.Context, r models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeTransport) SendEntry(ctx context.Context, e models.MobileEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries++
	return f.err
}

func (f *fakeTransport) Close() error { f.closed = true; return nil }
func (f *fakeTransport) Name() string { return "fake-remote" }

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestRemoteClient_Outcomes(t *testing.T) {
	tr := &fakeTransport{}
	rec := newRecorder()
	c := NewRemoteClient(tr, nil, rec, nopLogger())

	for i := 0; i < 3; i++ {
		if err := c.SubmitReading(context.Background(), reading(i)); err != nil {
			t.Fatalf("SubmitReading failed: %v", err)
		}
	}

	tr.setErr(fmt.Errorf("%w: status 400", ErrRejected))
	err := c.SubmitReading(context.Background(), reading(3))
	var se *SubmitError
	if !errors.As(err, &se) || se.Reason != ReasonRejected {
		t.Fatalf("error = %v, want rejected", err)
	}

	if err := c.SubmitEntry(context.Background(), models.MobileEntry{WellID: "w"}); err == nil {
		t.Fatal("expected entry failure")
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Errorf("Flush = %v, want nil", err)
	}

	snap := rec.snapshot()
	if snap.sent != 3 || snap.failed != 1 || snap.entriesFailed != 1 {
		t.Errorf("sent/failed/entriesFailed = %d/%d/%d", snap.sent, snap.failed, snap.entriesFailed)
	}
	if len(snap.flushes) != 0 {
		t.Error("remote client never flushes")
	}
}

func TestRemoteClient_BreakerFailsFast(t *testing.T) {
	tr := &fakeTransport{err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	rec := newRecorder()
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:           "test",
		MaxFailures:    3,
		OpenTimeout:    time.Hour,
		HalfOpenProbes: 1,
		IsFailure:      CountsAgainstSink,
	}, nopLogger())
	c := NewRemoteClient(tr, cb, rec, nopLogger())

	for i := 0; i < 10; i++ {
		_ = c.SubmitReading(context.Background(), reading(i))
	}

	if tr.calls != 3 {
		t.Errorf("transport calls = %d, want 3 before the circuit opened", tr.calls)
	}
	snap := rec.snapshot()
	if snap.failed != 10 {
		t.Errorf("failed = %d, want 10", snap.failed)
	}
	if snap.reasons[ReasonConnection] != 3 || snap.reasons[ReasonCircuitOpen] != 7 {
		t.Errorf("reasons = %v", snap.reasons)
	}
}

func TestRemoteClient_Close(t *testing.T) {
	tr := &fakeTransport{}
	c := NewRemoteClient(tr, nil, nil, nopLogger())
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !tr.closed {
		t.Error("transport not closed")
	}
	if Classify(c.SubmitReading(context.Background(), reading(0))) != ReasonClosed {
		t.Error("submission after Close should fail with closed")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ""},
		{"circuit", circuitbreaker.ErrCircuitOpen, ReasonCircuitOpen},
		{"closed", ErrClientClosed, ReasonClosed},
		{"rejected", fmt.Errorf("insert: %w", ErrRejected), ReasonRejected},
		{"unavailable", fmt.Errorf("%w: 503", ErrUnavailable), ReasonUnavailable},
		{"deadline", fmt.Errorf("write: %w", context.DeadlineExceeded), ReasonTimeout},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, ReasonTimeout},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ReasonConnection},
		{"connection sentinel", fmt.Errorf("%w: broker gone", ErrConnection), ReasonConnection},
		{"submit error", &SubmitError{Reason: ReasonRejected, Err: errors.New("x")}, ReasonRejected},
		{"other", errors.New("boom"), ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestCountsAgainstSink(t *testing.T) {
	if CountsAgainstSink(fmt.Errorf("%w", ErrRejected)) {
		t.Error("rejections must not count against the sink")
	}
	if !CountsAgainstSink(fmt.Errorf("%w", ErrUnavailable)) {
		t.Error("unavailable should count against the sink")
	}
	if !CountsAgainstSink(context.DeadlineExceeded) {
		t.Error("timeouts should count against the sink")
	}
}
