package reconciler

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/escrow"
	"github.com/mealtrust/mealtrust/internal/escrowid"
)

// stubLedger serves canned contract state for sweeps.
type stubLedger struct {
	states map[common.Hash]*chain.EscrowState
}

func (s *stubLedger) LockFund(context.Context, common.Hash, common.Address, string, *big.Int) (*chain.Receipt, error) {
	return nil, chain.ErrRPCConnection
}
func (s *stubLedger) ReleaseFund(context.Context, common.Hash) (*chain.Receipt, error) {
	return nil, chain.ErrRPCConnection
}
func (s *stubLedger) CancelFund(context.Context, common.Hash, string) (*chain.Receipt, error) {
	return nil, chain.ErrRPCConnection
}
func (s *stubLedger) GetEscrow(_ context.Context, id common.Hash) (*chain.EscrowState, error) {
	if st, ok := s.states[id]; ok {
		return st, nil
	}
	return &chain.EscrowState{}, nil
}

func seedStaleLock(t *testing.T, store *escrow.MemoryStore) *escrow.Record {
	t.Helper()
	ctx := context.Background()

	rec := &escrow.Record{DeliveryID: 3, SchoolID: 1, CateringID: 2, Amount: 1_000, Status: escrow.StatusPending}
	require.NoError(t, store.Create(ctx, rec))
	rec.EscrowID = escrowid.DeriveHex(rec.DeliveryID, rec.ID)
	require.NoError(t, store.BindEscrowID(ctx, rec.ID, rec.EscrowID))

	applied, err := store.ConfirmLocked(ctx, rec.EscrowID, "0xlocktx", 90, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, applied)
	return rec
}

func TestSweepHealsMissedConfirmation(t *testing.T) {
	store := escrow.NewMemoryStore()
	rec := seedStaleLock(t, store)
	id, err := escrowid.Parse(rec.EscrowID)
	require.NoError(t, err)

	ledger := &stubLedger{states: map[common.Hash]*chain.EscrowState{
		id: {Amount: big.NewInt(1_000), Locked: true},
	}}
	mismatches := NewMemoryMismatchStore()
	s := NewSweeper(store, ledger, mismatches, slog.New(slog.DiscardHandler))

	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Confirmed)
	assert.Zero(t, result.Orphaned)

	after, err := store.GetByEscrowID(context.Background(), rec.EscrowID)
	require.NoError(t, err)
	assert.NotNil(t, after.ConfirmedAt)

	list, err := mismatches.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSweepFlagsOrphanedLock(t *testing.T) {
	store := escrow.NewMemoryStore()
	rec := seedStaleLock(t, store)

	// Contract has no escrow under this identifier.
	ledger := &stubLedger{states: map[common.Hash]*chain.EscrowState{}}
	mismatches := NewMemoryMismatchStore()
	s := NewSweeper(store, ledger, mismatches, slog.New(slog.DiscardHandler))

	result, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Orphaned)

	list, err := mismatches.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, MismatchOrphanedLock, list[0].Kind)
	assert.Equal(t, rec.EscrowID, list[0].EscrowID)
}

func TestSweepSkipsFreshLocks(t *testing.T) {
	store := escrow.NewMemoryStore()
	ctx := context.Background()

	rec := &escrow.Record{DeliveryID: 3, SchoolID: 1, CateringID: 2, Amount: 1_000, Status: escrow.StatusPending}
	require.NoError(t, store.Create(ctx, rec))
	rec.EscrowID = escrowid.DeriveHex(rec.DeliveryID, rec.ID)
	require.NoError(t, store.BindEscrowID(ctx, rec.ID, rec.EscrowID))
	_, err := store.ConfirmLocked(ctx, rec.EscrowID, "0xlocktx", 90, time.Now())
	require.NoError(t, err)

	s := NewSweeper(store, &stubLedger{}, NewMemoryMismatchStore(), slog.New(slog.DiscardHandler))

	result, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Checked)
}
