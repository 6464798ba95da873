package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/directory"
	"github.com/mealtrust/mealtrust/internal/escrow"
	"github.com/mealtrust/mealtrust/internal/escrowid"
	"github.com/mealtrust/mealtrust/internal/feed"
	"github.com/mealtrust/mealtrust/internal/ingest"
)

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	notifications []Notification
	mu            sync.Mutex
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recordingNotifier) byType(t string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.notifications {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type fixture struct {
	reconciler *Reconciler
	queue      *ingest.Queue
	events     *ingest.MemoryEventStore
	escrows    *escrow.MemoryStore
	feed       *feed.MemoryStore
	mismatches *MemoryMismatchStore
	notifier   *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := directory.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, dir.PutSchool(ctx, &directory.School{ID: 1, Name: "SDN 01 Menteng", Region: "Jakarta"}))
	require.NoError(t, dir.PutCatering(ctx, &directory.Catering{
		ID: 2, Name: "Dapur Sehat", PayeeAddr: "0x1111111111111111111111111111111111111111",
	}))
	require.NoError(t, dir.PutDelivery(ctx, &directory.Delivery{
		ID: 3, SchoolID: 1, CateringID: 2, Portions: 250, MenuName: "Nasi Ayam", Date: time.Now(),
	}))

	f := &fixture{
		queue:      ingest.NewQueue(16),
		events:     ingest.NewMemoryEventStore(),
		escrows:    escrow.NewMemoryStore(),
		feed:       feed.NewMemoryStore(),
		mismatches: NewMemoryMismatchStore(),
		notifier:   &recordingNotifier{},
	}
	f.reconciler = New(f.queue, f.events, f.escrows, dir, f.feed, f.mismatches, f.notifier,
		Config{MaxApplyAttempts: 3, RetryBaseDelay: time.Millisecond},
		slog.New(slog.DiscardHandler))
	return f
}

// seedLocked creates a LOCKED mirror record the way a completed lock command would.
func (f *fixture) seedLocked(t *testing.T) *escrow.Record {
	t.Helper()
	ctx := context.Background()

	rec := &escrow.Record{DeliveryID: 3, SchoolID: 1, CateringID: 2, Amount: 1_250_000, Status: escrow.StatusPending}
	require.NoError(t, f.escrows.Create(ctx, rec))
	rec.EscrowID = escrowid.DeriveHex(rec.DeliveryID, rec.ID)
	require.NoError(t, f.escrows.BindEscrowID(ctx, rec.ID, rec.EscrowID))

	applied, err := f.escrows.ConfirmLocked(ctx, rec.EscrowID, "0xlocktx", 100, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, applied)

	got, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	return got
}

func lockedEnv(rec *escrow.Record) ingest.Envelope {
	return ingest.Envelope{
		Type:        chain.EventFundLocked,
		EscrowID:    rec.EscrowID,
		Amount:      rec.Amount,
		LedgerTime:  time.Unix(1_700_000_000, 0).UTC(),
		TxHash:      "0xlocktx",
		BlockNumber: 100,
		LogIndex:    0,
	}
}

func releasedEnv(rec *escrow.Record, txHash string) ingest.Envelope {
	return ingest.Envelope{
		Type:        chain.EventPaymentReleased,
		EscrowID:    rec.EscrowID,
		Amount:      rec.Amount,
		LedgerTime:  time.Unix(1_700_003_600, 0).UTC(),
		ReleaseRef:  "verification-42",
		TxHash:      txHash,
		BlockNumber: 110,
		LogIndex:    0,
	}
}

func TestFundLockedConfirmsRecord(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	f.reconciler.process(ctx, lockedEnv(rec))

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusLocked, after.Status)
	assert.NotNil(t, after.ConfirmedAt)
	assert.Len(t, f.notifier.byType(NotifyLocked), 1)
}

func TestFundLockedKeepsOriginalLockTime(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()
	original := *rec.LockedAt

	f.reconciler.process(ctx, lockedEnv(rec))

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, original, *after.LockedAt)
}

func TestReleaseTransitionsAndPublishesFeed(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	f.reconciler.process(ctx, releasedEnv(rec, "0xreltx"))

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, after.Status)
	assert.Equal(t, "0xreltx", after.TxHashRelease)
	require.NotNil(t, after.ReleasedAt)

	entry, err := f.feed.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, "SDN 01 Menteng", entry.SchoolName)
	assert.Equal(t, "Dapur Sehat", entry.CateringName)
	assert.Equal(t, 250, entry.Portions)
	assert.Equal(t, rec.Amount, entry.Amount)
	assert.Equal(t, feed.Currency, entry.Currency)
	assert.Equal(t, "0xreltx", entry.LedgerRef)
	assert.Equal(t, *rec.LockedAt, entry.LockedAt)

	assert.Len(t, f.notifier.byType(NotifyReleased), 1)
}

func TestDuplicateEventIsDedupedEndToEnd(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	env := releasedEnv(rec, "0xreltx")
	f.reconciler.process(ctx, env)
	f.reconciler.process(ctx, env)
	f.reconciler.process(ctx, env)

	entries, err := f.feed.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, f.notifier.byType(NotifyReleased), 1)
	assert.Empty(t, f.mismatchKinds(t))
}

func TestReplayedReleaseWithNewLogIndexStaysExactlyOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	// A re-org style replay: same tx, different position in the scan.
	env := releasedEnv(rec, "0xreltx")
	f.reconciler.process(ctx, env)
	env.LogIndex = 1
	f.reconciler.process(ctx, env)

	entries, err := f.feed.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Empty(t, f.mismatchKinds(t))
}

func TestSecondReleaseWithDifferentTxIsMismatch(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	f.reconciler.process(ctx, releasedEnv(rec, "0xreltx"))
	second := releasedEnv(rec, "0xothertx")
	second.LogIndex = 1
	f.reconciler.process(ctx, second)

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, "0xreltx", after.TxHashRelease)

	assert.Contains(t, f.mismatchKinds(t), MismatchDoubleRelease)
	entries, err := f.feed.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReleaseAfterCancelIsMismatch(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	applied, err := f.escrows.TransitionToCancelled(ctx, rec.EscrowID, "spoiled", "0xcancel", 105)
	require.NoError(t, err)
	require.True(t, applied)

	f.reconciler.process(ctx, releasedEnv(rec, "0xreltx"))

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, after.Status)
	assert.Contains(t, f.mismatchKinds(t), MismatchReleaseAfterCancel)

	_, err = f.feed.GetByEscrowID(ctx, rec.EscrowID)
	assert.ErrorIs(t, err, feed.ErrEntryNotFound)
	assert.Len(t, f.notifier.byType(NotifyMismatch), 1)
}

func TestEventForUnknownEscrowIsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := ingest.Envelope{
		Type:        chain.EventFundLocked,
		EscrowID:    "0x" + fmt.Sprintf("%064x", 999),
		Amount:      500,
		LedgerTime:  time.Now(),
		TxHash:      "0xstray",
		BlockNumber: 50,
	}
	f.reconciler.process(ctx, env)

	assert.Contains(t, f.mismatchKinds(t), MismatchUnknownEscrow)

	processed, err := f.events.IsProcessed(ctx, env.DedupeKey())
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestAmountMismatchIsFlaggedButLockStillConfirmed(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	env := lockedEnv(rec)
	env.Amount = rec.Amount + 1
	f.reconciler.process(ctx, env)

	assert.Contains(t, f.mismatchKinds(t), MismatchAmount)
	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.NotNil(t, after.ConfirmedAt)
}

func TestReleaseBeforeLockConfirmationStillApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Record still PENDING: the lock submission raced the event scan.
	rec := &escrow.Record{DeliveryID: 3, SchoolID: 1, CateringID: 2, Amount: 1_250_000, Status: escrow.StatusPending}
	require.NoError(t, f.escrows.Create(ctx, rec))
	rec.EscrowID = escrowid.DeriveHex(rec.DeliveryID, rec.ID)
	require.NoError(t, f.escrows.BindEscrowID(ctx, rec.ID, rec.EscrowID))

	f.reconciler.process(ctx, releasedEnv(rec, "0xreltx"))

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, after.Status)

	_, err = f.feed.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
}

func TestLateLockEventAfterReleaseIsStale(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	f.reconciler.process(ctx, releasedEnv(rec, "0xreltx"))
	f.reconciler.process(ctx, lockedEnv(rec))

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, after.Status)
}

func TestUnknownEventTypeIsPoison(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	env := lockedEnv(rec)
	env.Type = "SomethingElse"
	f.reconciler.process(ctx, env)

	assert.Contains(t, f.mismatchKinds(t), MismatchApplyFailed)
	processed, err := f.events.IsProcessed(ctx, env.DedupeKey())
	require.NoError(t, err)
	assert.True(t, processed)

	// A poison envelope never blocks the next one.
	f.reconciler.process(ctx, lockedEnv(rec))
	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.NotNil(t, after.ConfirmedAt)
}

func TestRunDrainsQueueUntilClosed(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, lockedEnv(rec)))
	require.NoError(t, f.queue.Enqueue(ctx, releasedEnv(rec, "0xreltx")))

	f.reconciler.Start(ctx)
	f.queue.Close()
	f.reconciler.Wait()

	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, after.Status)

	entries, err := f.feed.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func (f *fixture) mismatchKinds(t *testing.T) []string {
	t.Helper()
	mismatches, err := f.mismatches.List(context.Background(), 100)
	require.NoError(t, err)
	kinds := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

// errOnce fails the first N calls to one store method, then succeeds.
type flakyEscrowStore struct {
	escrow.Store
	failures int
	calls    int
}

func (s *flakyEscrowStore) ConfirmLocked(ctx context.Context, escrowID, txHash string, blockNumber uint64, lockedAt time.Time) (bool, error) {
	s.calls++
	if s.calls <= s.failures {
		return false, errors.New("deadlock detected")
	}
	return s.Store.ConfirmLocked(ctx, escrowID, txHash, blockNumber, lockedAt)
}

func TestTransientStoreErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	rec := f.seedLocked(t)
	ctx := context.Background()

	flaky := &flakyEscrowStore{Store: f.escrows, failures: 2}
	f.reconciler.escrows = flaky

	f.reconciler.process(ctx, lockedEnv(rec))

	assert.Equal(t, 3, flaky.calls)
	after, err := f.escrows.GetByEscrowID(ctx, rec.EscrowID)
	require.NoError(t, err)
	assert.NotNil(t, after.ConfirmedAt)
	assert.NotContains(t, f.mismatchKinds(t), MismatchApplyFailed)
}
