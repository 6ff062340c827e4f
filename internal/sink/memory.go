package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/wellpulse/loadsim/internal/ingest"
	"github.com/wellpulse/loadsim/pkg/models"
)

// MemoryWriter stores rows in process. It splits each flush into insert
// chunks like the database sinks do and can be told to fail, which makes it
// the sink used for dry runs and tests.
type MemoryWriter struct {
	insertBatchSize int

	mu       sync.Mutex
	readings []models.Reading
	entries  []models.MobileEntry
	writes   int
	chunks   int
	failNext int
	down     error
	closed   bool
}

// NewMemoryWriter creates a writer that records rows in insertBatchSize chunks
func NewMemoryWriter(insertBatchSize int) *MemoryWriter {
	return &MemoryWriter{insertBatchSize: insertBatchSize}
}

// WriteReadings stores every row or none of them
func (m *MemoryWriter) WriteReadings(ctx context.Context, rows []models.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(); err != nil {
		return err
	}
	m.writes++
	m.chunks += len(chunks(len(rows), m.insertBatchSize))
	m.readings = append(m.readings, rows...)
	return nil
}

// WriteEntry stores one field entry
func (m *MemoryWriter) WriteEntry(ctx context.Context, e models.MobileEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure(); err != nil {
		return err
	}
	m.entries = append(m.entries, e)
	return nil
}

// failure must be called with m.mu held
func (m *MemoryWriter) failure() error {
	if m.closed {
		return ingest.ErrClientClosed
	}
	if m.down != nil {
		return m.down
	}
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("%w: injected write failure", ingest.ErrUnavailable)
	}
	return nil
}

// FailNext makes the next n writes fail as unavailable
func (m *MemoryWriter) FailNext(n int) {
	m.mu.Lock()
	m.failNext = n
	m.mu.Unlock()
}

// SetDown makes every write fail with err until called with nil
func (m *MemoryWriter) SetDown(err error) {
	m.mu.Lock()
	m.down = err
	m.mu.Unlock()
}

// Readings returns a copy of the stored readings
func (m *MemoryWriter) Readings() []models.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Reading(nil), m.readings...)
}

// Entries returns a copy of the stored entries
func (m *MemoryWriter) Entries() []models.MobileEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.MobileEntry(nil), m.entries...)
}

// Counts returns stored rows, successful bulk writes and insert chunks
func (m *MemoryWriter) Counts() (rows, writes, chunks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.readings), m.writes, m.chunks
}

func (m *MemoryWriter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryWriter) Name() string { return "memory" }
