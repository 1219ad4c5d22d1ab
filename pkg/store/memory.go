package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It is the default for tests
// and for `tel serve` without a configured backend.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][][]byte
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][][]byte)}
}

func (m *MemoryStore) Append(ctx context.Context, member string, seq uint64, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	have := uint64(len(m.records[member]))
	if seq != have {
		return fmt.Errorf("%w: %s has %d records, append at %d", ErrConflict, member, have, seq)
	}
	m.records[member] = append(m.records[member], append([]byte(nil), record...))
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, member string) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	stored := m.records[member]
	out := make([][]byte, len(stored))
	for i, r := range stored {
		out[i] = append([]byte(nil), r...)
	}
	return out, nil
}

func (m *MemoryStore) Members(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.records))
	for member := range m.records {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
