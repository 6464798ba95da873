// Package escrow manages conditional payments for meal deliveries.
//
// Flow:
//  1. Admin locks funds for a delivery → contract escrow + PENDING mirror record
//  2. Lock transaction accepted → record LOCKED (submission bookkeeping)
//  3. Verification passes → admin submits release; funds move on-chain
//  4. Reconciler observes the confirmed PaymentReleased event → record RELEASED
//  5. Problem found → admin cancels; funds refunded on-chain
//
// The mirror never claims funds moved before the ledger agrees: release and
// cancel only become terminal through confirmed chain activity or an
// accepted cancellation transaction.
package escrow

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mealtrust/mealtrust/internal/chain"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidStatus      = errors.New("invalid escrow status for this operation")
	ErrDuplicateOperation = errors.New("operation already performed for this escrow")
	ErrChainSubmission    = errors.New("ledger submission failed")
	ErrDeliveryMismatch   = errors.New("delivery does not belong to the given school and catering")
)

// Status represents the state of an escrow record.
//
// Transitions are monotonic and one-way:
//
//	pending → locked → released | cancelled
//	pending → failed
//
// released, cancelled, and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"   // Created, lock not yet accepted on-chain
	StatusLocked    Status = "locked"    // Lock transaction accepted
	StatusReleased  Status = "released"  // Confirmed PaymentReleased event applied
	StatusCancelled Status = "cancelled" // Cancellation accepted, funds refunded
	StatusFailed    Status = "failed"    // Lock submission rejected or timed out
)

// Record is the mirror row for one delivery-fund-lock attempt.
type Record struct {
	ID         int64  `json:"id"`
	EscrowID   string `json:"escrowId"` // Derived 32-byte identifier, immutable once set
	DeliveryID int64  `json:"deliveryId"`
	SchoolID   int64  `json:"schoolId"`
	CateringID int64  `json:"cateringId"`
	Amount     int64  `json:"amount"` // Whole currency units (IDR)
	Status     Status `json:"status"`

	TxHashLock         string `json:"txHashLock,omitempty"`
	TxHashRelease      string `json:"txHashRelease,omitempty"`
	BlockNumberLock    uint64 `json:"blockNumberLock,omitempty"`
	BlockNumberRelease uint64 `json:"blockNumberRelease,omitempty"`

	// CancelReason is persisted for audit; it never drives state-machine logic.
	CancelReason string `json:"cancelReason,omitempty"`

	LockedAt    *time.Time `json:"lockedAt,omitempty"`
	ReleasedAt  *time.Time `json:"releasedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"` // FundLocked event applied by the reconciler
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	switch r.Status {
	case StatusReleased, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Store persists escrow records. Mutations are narrow, single-purpose write
// paths: conditional transitions return whether they applied, so both the
// command handler and the reconciler can race safely on the same record.
type Store interface {
	// Create inserts a PENDING record and assigns its internal ID.
	Create(ctx context.Context, r *Record) error

	// BindEscrowID sets the derived identifier on a freshly created record.
	BindEscrowID(ctx context.Context, id int64, escrowID string) error

	Get(ctx context.Context, id int64) (*Record, error)
	GetByEscrowID(ctx context.Context, escrowID string) (*Record, error)

	// MarkFailed moves pending → failed. No-op if the record left pending.
	MarkFailed(ctx context.Context, id int64) error

	// ConfirmLocked moves pending → locked (or refreshes a locked record's
	// ledger reference) and preserves an existing lockedAt timestamp.
	// Returns false if the record is already terminal.
	ConfirmLocked(ctx context.Context, escrowID, txHash string, blockNumber uint64, lockedAt time.Time) (bool, error)

	// MarkConfirmed stamps the FundLocked confirmation time on a locked record.
	MarkConfirmed(ctx context.Context, escrowID string, confirmedAt time.Time) error

	// TransitionToReleased moves locked → released. Returns false otherwise.
	TransitionToReleased(ctx context.Context, escrowID, txHash string, blockNumber uint64, releasedAt time.Time) (bool, error)

	// TransitionToCancelled moves locked → cancelled. Returns false otherwise.
	TransitionToCancelled(ctx context.Context, escrowID, reason, txHash string, blockNumber uint64) (bool, error)

	// ListUnconfirmed returns locked records whose lock submission was never
	// matched by a FundLocked event, older than the given cutoff.
	ListUnconfirmed(ctx context.Context, before time.Time, limit int) ([]*Record, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
}

// Ledger abstracts the contract client so escrow doesn't depend on a live RPC.
type Ledger interface {
	LockFund(ctx context.Context, escrowID common.Hash, payee common.Address, metadata string, amount *big.Int) (*chain.Receipt, error)
	ReleaseFund(ctx context.Context, escrowID common.Hash) (*chain.Receipt, error)
	CancelFund(ctx context.Context, escrowID common.Hash, reason string) (*chain.Receipt, error)
	GetEscrow(ctx context.Context, escrowID common.Hash) (*chain.EscrowState, error)
}
