package logger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Sink      string    `json:"sink,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// Recorder keeps the most recent log entries at or above a minimum level in a
// ring buffer. It receives zerolog's JSON before console formatting.
type Recorder struct {
	mu       sync.RWMutex
	entries  []Entry
	size     int
	writePos int
	count    int
	minLevel zerolog.Level
}

var (
	globalRecorder *Recorder
	recorderOnce   sync.Once
)

// GetRecorder returns the process-wide recorder, keeping the last 500
// warnings and errors
func GetRecorder() *Recorder {
	recorderOnce.Do(func() {
		globalRecorder = NewRecorder(500, zerolog.WarnLevel)
	})
	return globalRecorder
}

// NewRecorder creates a recorder holding at most size entries
func NewRecorder(size int, minLevel zerolog.Level) *Recorder {
	if size <= 0 {
		size = 500
	}
	return &Recorder{
		entries:  make([]Entry, size),
		size:     size,
		minLevel: minLevel,
	}
}

// Write implements io.Writer for callers that bypass WriteLevel
func (r *Recorder) Write(p []byte) (int, error) {
	r.record(p)
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter
func (r *Recorder) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < r.minLevel {
		return len(p), nil
	}
	r.record(p)
	return len(p), nil
}

func (r *Recorder) record(p []byte) {
	var raw struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		Sink      string    `json:"sink"`
		Message   string    `json:"message"`
		Error     string    `json:"error"`
	}
	if err := json.Unmarshal(p, &raw); err != nil {
		return
	}
	if lvl, err := zerolog.ParseLevel(raw.Level); err == nil && lvl < r.minLevel {
		return
	}
	if raw.Time.IsZero() {
		raw.Time = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.writePos] = Entry{
		Timestamp: raw.Time,
		Level:     raw.Level,
		Component: raw.Component,
		Sink:      raw.Sink,
		Message:   raw.Message,
		Error:     raw.Error,
	}
	r.writePos = (r.writePos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Recent returns up to limit entries, newest first
func (r *Recorder) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, r.entries[(r.writePos-1-i+r.size)%r.size])
	}
	return out
}

// Count returns the number of entries held
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
