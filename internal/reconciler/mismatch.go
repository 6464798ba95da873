package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Mismatch kinds.
const (
	MismatchUnknownEscrow      = "unknown_escrow"
	MismatchAmount             = "amount"
	MismatchDoubleRelease      = "double_release"
	MismatchReleaseAfterCancel = "release_after_cancel"
	MismatchOrphanedLock       = "orphaned_lock"
	MismatchApplyFailed        = "apply_failed"
)

// Mismatch is one recorded disagreement between the ledger and the mirror.
// Mismatches are append-only evidence for operators; nothing consumes them
// automatically.
type Mismatch struct {
	ID        int64     `json:"id"`
	EscrowID  string    `json:"escrowId"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	EventKey  string    `json:"eventKey,omitempty"` // dedupe key of the triggering event
	CreatedAt time.Time `json:"createdAt"`
}

// MismatchStore persists mismatch records.
type MismatchStore interface {
	Create(ctx context.Context, m *Mismatch) error
	// List returns mismatches newest-first.
	List(ctx context.Context, limit int) ([]*Mismatch, error)
}

// MemoryMismatchStore is an in-memory mismatch store for demo mode.
type MemoryMismatchStore struct {
	mismatches []*Mismatch
	nextID     int64
	mu         sync.RWMutex
}

// NewMemoryMismatchStore creates an empty in-memory mismatch store.
func NewMemoryMismatchStore() *MemoryMismatchStore {
	return &MemoryMismatchStore{nextID: 1}
}

func (m *MemoryMismatchStore) Create(ctx context.Context, mm *Mismatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mm.ID = m.nextID
	m.nextID++
	mm.CreatedAt = time.Now().UTC()
	cp := *mm
	m.mismatches = append(m.mismatches, &cp)
	return nil
}

func (m *MemoryMismatchStore) List(ctx context.Context, limit int) ([]*Mismatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Mismatch, 0, limit)
	for i := len(m.mismatches) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.mismatches[i]
		out = append(out, &cp)
	}
	return out, nil
}

// PostgresMismatchStore persists mismatches in PostgreSQL.
type PostgresMismatchStore struct {
	db *sql.DB
}

// NewPostgresMismatchStore creates a PostgreSQL-backed mismatch store.
func NewPostgresMismatchStore(db *sql.DB) *PostgresMismatchStore {
	return &PostgresMismatchStore{db: db}
}

func (p *PostgresMismatchStore) Create(ctx context.Context, m *Mismatch) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO mismatches (escrow_id, kind, detail, event_key)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		m.EscrowID, m.Kind, m.Detail, m.EventKey).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert mismatch: %w", err)
	}
	return nil
}

func (p *PostgresMismatchStore) List(ctx context.Context, limit int) ([]*Mismatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, kind, detail, COALESCE(event_key, ''), created_at
		FROM mismatches
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mismatches: %w", err)
	}
	defer rows.Close()

	var out []*Mismatch
	for rows.Next() {
		m := &Mismatch{}
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Kind, &m.Detail, &m.EventKey, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Compile-time assertions.
var (
	_ MismatchStore = (*MemoryMismatchStore)(nil)
	_ MismatchStore = (*PostgresMismatchStore)(nil)
)
