//go:build integration

package escrow

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// setupTestDB starts a throwaway PostgreSQL container and applies all
// migrations. Run with: go test -tags integration ./internal/escrow/
func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("mealtrust_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(ctr)
	})

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Up(db, "../../migrations"))

	return NewPostgresStore(db)
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := &Record{DeliveryID: 1, SchoolID: 2, CateringID: 3, Amount: 1_250_000}
	require.NoError(t, store.Create(ctx, rec))
	require.NotZero(t, rec.ID)
	require.Equal(t, StatusPending, rec.Status)

	escrowID := "0x1111111111111111111111111111111111111111111111111111111111111111"
	require.NoError(t, store.BindEscrowID(ctx, rec.ID, escrowID))

	lockedAt := time.Now().UTC().Truncate(time.Microsecond)
	ok, err := store.ConfirmLocked(ctx, escrowID, "0xlock", 100, lockedAt)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetByEscrowID(ctx, escrowID)
	require.NoError(t, err)
	require.Equal(t, StatusLocked, got.Status)
	require.Equal(t, "0xlock", got.TxHashLock)
	require.NotNil(t, got.LockedAt)
	require.WithinDuration(t, lockedAt, *got.LockedAt, time.Millisecond)

	// Confirming again must keep the original lock time.
	later := lockedAt.Add(time.Hour)
	ok, err = store.ConfirmLocked(ctx, escrowID, "0xlock", 100, later)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = store.GetByEscrowID(ctx, escrowID)
	require.NoError(t, err)
	require.WithinDuration(t, lockedAt, *got.LockedAt, time.Millisecond)

	releasedAt := time.Now().UTC()
	ok, err = store.TransitionToReleased(ctx, escrowID, "0xrelease", 110, releasedAt)
	require.NoError(t, err)
	require.True(t, ok)

	// Terminal states reject further transitions.
	ok, err = store.TransitionToCancelled(ctx, escrowID, "late cancel", "0xcancel", 111)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.TransitionToReleased(ctx, escrowID, "0xother", 112, releasedAt)
	require.NoError(t, err)
	require.False(t, ok)

	got, err = store.GetByEscrowID(ctx, escrowID)
	require.NoError(t, err)
	require.Equal(t, StatusReleased, got.Status)
	require.Equal(t, "0xrelease", got.TxHashRelease)
}

func TestPostgresStoreBindIsOneShot(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := &Record{DeliveryID: 7, SchoolID: 1, CateringID: 1, Amount: 500_000}
	require.NoError(t, store.Create(ctx, rec))

	first := "0x2222222222222222222222222222222222222222222222222222222222222222"
	require.NoError(t, store.BindEscrowID(ctx, rec.ID, first))
	require.Error(t, store.BindEscrowID(ctx, rec.ID, "0xreplaced"))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, first, got.EscrowID)
}

func TestPostgresStoreListUnconfirmed(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	stale := &Record{DeliveryID: 1, SchoolID: 1, CateringID: 1, Amount: 100}
	require.NoError(t, store.Create(ctx, stale))
	staleID := "0x3333333333333333333333333333333333333333333333333333333333333333"
	require.NoError(t, store.BindEscrowID(ctx, stale.ID, staleID))
	_, err := store.ConfirmLocked(ctx, staleID, "0xa", 1, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	confirmed := &Record{DeliveryID: 2, SchoolID: 1, CateringID: 1, Amount: 200}
	require.NoError(t, store.Create(ctx, confirmed))
	confirmedID := "0x4444444444444444444444444444444444444444444444444444444444444444"
	require.NoError(t, store.BindEscrowID(ctx, confirmed.ID, confirmedID))
	_, err = store.ConfirmLocked(ctx, confirmedID, "0xb", 2, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.MarkConfirmed(ctx, confirmedID, time.Now().UTC()))

	out, err := store.ListUnconfirmed(ctx, time.Now().UTC().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, staleID, out[0].EscrowID)
}
