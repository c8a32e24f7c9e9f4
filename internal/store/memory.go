package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process memory. Used for dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
	clock   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{clock: time.Now}
}

func (m *Memory) Insert(_ context.Context, rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.clock()
	}
	m.records = append(m.records, rec)
	return rec.ID, nil
}

func (m *Memory) Redact(_ context.Context, cutoff time.Time, marker string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.records {
		r := &m.records[i]
		if !r.Redacted && r.CreatedAt.Before(cutoff) {
			r.Text = marker
			r.Redacted = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := make([]Record, 0, min(limit, len(m.records)))
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
