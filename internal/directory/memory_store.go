package directory

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory directory store for demo/development mode.
type MemoryStore struct {
	schools    map[int64]*School
	caterings  map[int64]*Catering
	deliveries map[int64]*Delivery
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory directory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schools:    make(map[int64]*School),
		caterings:  make(map[int64]*Catering),
		deliveries: make(map[int64]*Delivery),
	}
}

func (m *MemoryStore) GetSchool(ctx context.Context, id int64) (*School, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schools[id]
	if !ok {
		return nil, ErrSchoolNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetCatering(ctx context.Context, id int64) (*Catering, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.caterings[id]
	if !ok {
		return nil, ErrCateringNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) PutSchool(ctx context.Context, s *School) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schools[s.ID] = &cp
	return nil
}

func (m *MemoryStore) PutCatering(ctx context.Context, c *Catering) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.caterings[c.ID] = &cp
	return nil
}

func (m *MemoryStore) PutDelivery(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
