package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode. It
// applies the same conditional-transition rules as the PostgreSQL store.
type MemoryStore struct {
	records map[int64]*Record
	byEID   map[string]int64
	nextID  int64
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[int64]*Record),
		byEID:   make(map[string]int64),
		nextID:  1,
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = m.nextID
	m.nextID++
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = StatusPending
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryStore) BindEscrowID(ctx context.Context, id int64, escrowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrEscrowNotFound
	}
	r.EscrowID = escrowID
	r.UpdatedAt = time.Now().UTC()
	m.byEID[escrowID] = id
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByEscrowID(ctx context.Context, escrowID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEID[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrEscrowNotFound
	}
	if r.Status != StatusPending {
		return nil
	}
	r.Status = StatusFailed
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ConfirmLocked(ctx context.Context, escrowID, txHash string, blockNumber uint64, lockedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(escrowID)
	if err != nil {
		return false, err
	}
	if r.Status != StatusPending && r.Status != StatusLocked {
		return false, nil
	}
	r.Status = StatusLocked
	r.TxHashLock = txHash
	r.BlockNumberLock = blockNumber
	if r.LockedAt == nil {
		t := lockedAt
		r.LockedAt = &t
	}
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) MarkConfirmed(ctx context.Context, escrowID string, confirmedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(escrowID)
	if err != nil {
		return err
	}
	if r.ConfirmedAt == nil {
		t := confirmedAt
		r.ConfirmedAt = &t
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *MemoryStore) TransitionToReleased(ctx context.Context, escrowID, txHash string, blockNumber uint64, releasedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(escrowID)
	if err != nil {
		return false, err
	}
	if r.Status != StatusLocked {
		return false, nil
	}
	r.Status = StatusReleased
	r.TxHashRelease = txHash
	r.BlockNumberRelease = blockNumber
	t := releasedAt
	r.ReleasedAt = &t
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) TransitionToCancelled(ctx context.Context, escrowID, reason, txHash string, blockNumber uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(escrowID)
	if err != nil {
		return false, err
	}
	if r.Status != StatusLocked {
		return false, nil
	}
	r.Status = StatusCancelled
	r.CancelReason = reason
	r.TxHashRelease = txHash
	r.BlockNumberRelease = blockNumber
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) ListUnconfirmed(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.Status == StatusLocked && r.ConfirmedAt == nil &&
			r.LockedAt != nil && r.LockedAt.Before(before) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.records {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lookup must be called with the mutex held.
func (m *MemoryStore) lookup(escrowID string) (*Record, error) {
	id, ok := m.byEID[escrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.records[id], nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
