package ingest

import (
	"context"
	"sync"
	"time"
)

// MemoryCursorStore keeps the listener cursor in memory for demo mode.
type MemoryCursorStore struct {
	block uint64
	mu    sync.RWMutex
}

// NewMemoryCursorStore creates an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{}
}

func (m *MemoryCursorStore) Get(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.block, nil
}

func (m *MemoryCursorStore) Put(ctx context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if block > m.block {
		m.block = block
	}
	return nil
}

// storedEvent is one ingested event with its processing outcome.
type storedEvent struct {
	envelope    Envelope
	processed   bool
	result      string
	ingestedAt  time.Time
	processedAt time.Time
}

// MemoryEventStore keeps the dedupe ledger in memory for demo mode.
type MemoryEventStore struct {
	events map[string]*storedEvent
	mu     sync.Mutex
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*storedEvent)}
}

func (m *MemoryEventStore) InsertIfAbsent(ctx context.Context, e *Envelope) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.DedupeKey()
	if _, ok := m.events[key]; ok {
		return false, nil
	}
	m.events[key] = &storedEvent{envelope: *e, ingestedAt: time.Now().UTC()}
	return true, nil
}

func (m *MemoryEventStore) MarkProcessed(ctx context.Context, dedupeKey, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[dedupeKey]
	if !ok {
		return nil
	}
	ev.processed = true
	ev.result = result
	ev.processedAt = time.Now().UTC()
	return nil
}

func (m *MemoryEventStore) IsProcessed(ctx context.Context, dedupeKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[dedupeKey]
	return ok && ev.processed, nil
}

// Compile-time assertions.
var (
	_ CursorStore = (*MemoryCursorStore)(nil)
	_ EventStore  = (*MemoryEventStore)(nil)
)
