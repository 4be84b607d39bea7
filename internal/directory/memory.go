package directory

import (
	"context"
	"sync"
	"time"
)

// Memory is a UserDirectory held in process memory.
// All methods are safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

// FindByIdentity implements UserDirectory.
func (m *Memory) FindByIdentity(ctx context.Context, identity string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[identity]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &rec, nil
}

// Upsert implements UserDirectory.
func (m *Memory) Upsert(ctx context.Context, identity string, fields Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[identity]
	if !ok {
		rec = Record{Identity: identity}
	}
	fields.Apply(&rec)
	rec.LastSeen = m.now()
	m.records[identity] = rec
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

var _ UserDirectory = (*Memory)(nil)
