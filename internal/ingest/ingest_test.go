package ingest

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mealtrust/mealtrust/internal/chain"
)

func sampleRaw() chain.RawEvent {
	return chain.RawEvent{
		Type:        chain.EventFundLocked,
		EscrowID:    common.HexToHash("0xabc1"),
		Payer:       common.HexToAddress("0x01"),
		Payee:       common.HexToAddress("0x02"),
		Amount:      big.NewInt(1_250_000),
		Timestamp:   1_700_000_000,
		Metadata:    "delivery:3 portions:250",
		TxHash:      common.HexToHash("0xdead"),
		BlockNumber: 42,
		LogIndex:    7,
	}
}

func TestFromRaw(t *testing.T) {
	env, err := FromRaw(sampleRaw())
	require.NoError(t, err)

	assert.Equal(t, chain.EventFundLocked, env.Type)
	assert.Equal(t, int64(1_250_000), env.Amount)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), env.LedgerTime)
	assert.Equal(t, uint64(42), env.BlockNumber)
	assert.Equal(t, env.TxHash+":7", env.DedupeKey())
}

func TestFromRawRejectsOverflow(t *testing.T) {
	ev := sampleRaw()
	ev.Amount = new(big.Int).Lsh(big.NewInt(1), 70)

	_, err := FromRaw(ev)
	require.ErrorIs(t, err, ErrAmountOverflow)
}

func TestDedupeKeyDistinguishesLogsInOneTx(t *testing.T) {
	a, err := FromRaw(sampleRaw())
	require.NoError(t, err)

	raw := sampleRaw()
	raw.LogIndex = 8
	b, err := FromRaw(raw)
	require.NoError(t, err)

	assert.NotEqual(t, a.DedupeKey(), b.DedupeKey())
}

func TestQueueDeliversInOrder(t *testing.T) {
	q := NewQueue(8)
	ctx := context.Background()

	for i := uint(0); i < 3; i++ {
		env, err := FromRaw(sampleRaw())
		require.NoError(t, err)
		env.LogIndex = i
		require.NoError(t, q.Enqueue(ctx, env))
	}
	assert.Equal(t, 3, q.Len())

	for i := uint(0); i < 3; i++ {
		env := <-q.Dequeue()
		assert.Equal(t, i, env.LogIndex)
	}
}

func TestQueueBackpressure(t *testing.T) {
	q := NewQueue(1)
	env, err := FromRaw(sampleRaw())
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(context.Background(), env))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = q.Enqueue(ctx, env)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueClosed(t *testing.T) {
	q := NewQueue(1)
	q.Close()

	env, err := FromRaw(sampleRaw())
	require.NoError(t, err)
	err = q.Enqueue(context.Background(), env)
	require.ErrorIs(t, err, ErrQueueClosed)

	_, open := <-q.Dequeue()
	assert.False(t, open)
}

func TestMemoryEventStoreDedupe(t *testing.T) {
	store := NewMemoryEventStore()
	ctx := context.Background()
	env, err := FromRaw(sampleRaw())
	require.NoError(t, err)

	inserted, err := store.InsertIfAbsent(ctx, &env)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertIfAbsent(ctx, &env)
	require.NoError(t, err)
	assert.False(t, inserted)

	processed, err := store.IsProcessed(ctx, env.DedupeKey())
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, env.DedupeKey(), "applied"))
	processed, err = store.IsProcessed(ctx, env.DedupeKey())
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestMemoryCursorIsMonotonic(t *testing.T) {
	cur := NewMemoryCursorStore()
	ctx := context.Background()

	require.NoError(t, cur.Put(ctx, 100))
	require.NoError(t, cur.Put(ctx, 90))

	block, err := cur.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), block)
}
