// Package storage provides the journal storage extensions: a bounded
// in-memory ring and append-only CSV files rolled per day.
package storage

import (
	"context"
	"errors"
	"sync"

	"msr/pkg/hook"
)

// DefaultMemoryCapacity is the number of records kept by the memory storage.
const DefaultMemoryCapacity = 1024

// ErrClosed is returned by operations on a closed storage.
var ErrClosed = errors.New("storage is closed")

func init() {
	hook.Storages.MustRegister(hook.Extension[hook.Storage]{
		Name:        "memory",
		Description: "Bounded in-memory ring; the oldest records are evicted first",
		Priority:    hook.PriorityDefault,
		Factory: func(s hook.Settings) (hook.Storage, error) {
			return NewMemory(s.Int("capacity", DefaultMemoryCapacity)), nil
		},
	})
}

// Memory keeps the most recent records in a ring buffer.
type Memory struct {
	mu      sync.RWMutex
	records []hook.Record
	start   int
	count   int
	evicted uint64
	closed  bool
}

// NewMemory creates a memory storage holding at most capacity records.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &Memory{records: make([]hook.Record, capacity)}
}

// Append stores a record, evicting the oldest one when full.
func (m *Memory) Append(ctx context.Context, r hook.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	size := len(m.records)
	if m.count == size {
		m.records[m.start] = r
		m.start = (m.start + 1) % size
		m.evicted++
		return nil
	}
	m.records[(m.start+m.count)%size] = r
	m.count++
	return nil
}

// at returns the i-th oldest record. Callers hold the lock.
func (m *Memory) at(i int) hook.Record {
	return m.records[(m.start+i)%len(m.records)]
}

// Recent returns up to limit records, newest first.
func (m *Memory) Recent(ctx context.Context, limit int) ([]hook.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > m.count {
		limit = m.count
	}
	out := make([]hook.Record, 0, limit)
	for i := m.count - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.at(i))
	}
	return out, nil
}

// Filter returns up to limit matching records, oldest first.
func (m *Memory) Filter(ctx context.Context, limit int, f hook.Filter) ([]hook.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]hook.Record, 0)
	for i := 0; i < m.count; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		if r := m.at(i); f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// Evicted returns how many records were overwritten.
func (m *Memory) Evicted() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evicted
}

// Close releases the records.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.records = nil
	m.count = 0
	return nil
}
