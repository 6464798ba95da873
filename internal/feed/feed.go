// Package feed is the public transparency projection: one entry per released
// escrow, joined with school and catering display data. Entries are created
// exactly once per escrow and never mutated afterwards.
package feed

import (
	"context"
	"errors"
	"time"
)

// ErrEntryNotFound is returned when no feed entry exists for an escrow.
var ErrEntryNotFound = errors.New("feed entry not found")

// Currency is the display currency for all feed amounts.
const Currency = "IDR"

// Entry is one published payment in the transparency feed.
type Entry struct {
	ID           int64     `json:"id"`
	EscrowID     string    `json:"escrowId"`
	DeliveryID   int64     `json:"deliveryId"`
	SchoolName   string    `json:"schoolName"`
	SchoolRegion string    `json:"schoolRegion,omitempty"`
	CateringName string    `json:"cateringName"`
	Portions     int       `json:"portions"`
	MenuName     string    `json:"menuName,omitempty"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	LockedAt     time.Time `json:"lockedAt"`
	ReleasedAt   time.Time `json:"releasedAt"`
	LedgerRef    string    `json:"ledgerRef"` // Release transaction hash
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists feed entries.
type Store interface {
	// CreateIfAbsent inserts the entry unless one already exists for its
	// escrow. Returns true if the entry was created.
	CreateIfAbsent(ctx context.Context, e *Entry) (bool, error)

	GetByEscrowID(ctx context.Context, escrowID string) (*Entry, error)

	// List returns entries newest-first, starting after the given entry ID.
	// afterID 0 starts from the newest entry.
	List(ctx context.Context, afterID int64, limit int) ([]*Entry, error)
}
