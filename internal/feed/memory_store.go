package feed

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory feed store for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	byEID   map[string]*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory feed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEID:  make(map[string]*Entry),
		nextID: 1,
	}
}

func (m *MemoryStore) CreateIfAbsent(ctx context.Context, e *Entry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEID[e.EscrowID]; ok {
		return false, nil
	}
	e.ID = m.nextID
	m.nextID++
	if e.Currency == "" {
		e.Currency = Currency
	}
	e.CreatedAt = time.Now().UTC()
	cp := *e
	m.entries = append(m.entries, &cp)
	m.byEID[e.EscrowID] = &cp
	return true, nil
}

func (m *MemoryStore) GetByEscrowID(ctx context.Context, escrowID string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byEID[escrowID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Entry, 0, limit)
	// entries is append-ordered, so walk backwards for newest-first.
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if afterID > 0 && e.ID >= afterID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
