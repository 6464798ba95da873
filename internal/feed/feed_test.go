package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(n int) *Entry {
	return &Entry{
		EscrowID:     fmt.Sprintf("0x%064x", n),
		DeliveryID:   int64(n),
		SchoolName:   "SDN 01 Menteng",
		SchoolRegion: "Jakarta",
		CateringName: "Dapur Sehat",
		Portions:     250,
		MenuName:     "Nasi Ayam",
		Amount:       1_250_000,
		LockedAt:     time.Now().Add(-time.Hour),
		ReleasedAt:   time.Now(),
		LedgerRef:    fmt.Sprintf("0xrel%d", n),
	}
}

func TestCreateIfAbsentIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.CreateIfAbsent(ctx, sampleEntry(1))
	require.NoError(t, err)
	assert.True(t, created)

	// Replaying the same release must not publish a second entry.
	dup := sampleEntry(1)
	dup.Amount = 999
	created, err = store.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetByEscrowID(ctx, sampleEntry(1).EscrowID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_250_000), got.Amount)
	assert.Equal(t, Currency, got.Currency)
}

func TestListNewestFirstWithCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := store.CreateIfAbsent(ctx, sampleEntry(i))
		require.NoError(t, err)
	}

	page, err := store.List(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(5), page[0].ID)
	assert.Equal(t, int64(4), page[1].ID)

	page, err = store.List(ctx, page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].ID)
	assert.Equal(t, int64(2), page[1].ID)
}

func newFeedRouter(store Store) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestListEndpoint(t *testing.T) {
	store := NewMemoryStore()
	for i := 1; i <= 3; i++ {
		_, err := store.CreateIfAbsent(context.Background(), sampleEntry(i))
		require.NoError(t, err)
	}
	router := newFeedRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/feed?limit=2", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries   []Entry `json:"entries"`
		Count     int     `json:"count"`
		NextAfter int64   `json:"nextAfter"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, int64(2), resp.NextAfter)
	assert.Equal(t, "SDN 01 Menteng", resp.Entries[0].SchoolName)
}

func TestGetEndpoint(t *testing.T) {
	store := NewMemoryStore()
	entry := sampleEntry(1)
	_, err := store.CreateIfAbsent(context.Background(), entry)
	require.NoError(t, err)
	router := newFeedRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/feed/"+entry.EscrowID, nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/feed/"+sampleEntry(9).EscrowID, nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/feed/not-hex", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
