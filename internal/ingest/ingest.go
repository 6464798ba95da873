// Package ingest moves confirmed ledger events from the chain into the
// reconciler. The listener polls for new logs, normalizes them into
// envelopes, and enqueues them; a durable block cursor and a per-event
// dedupe table make the whole pipeline restartable without loss or
// double-application.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mealtrust/mealtrust/internal/chain"
)

var (
	// ErrQueueClosed is returned when enqueueing after shutdown.
	ErrQueueClosed = errors.New("event queue closed")
	// ErrAmountOverflow is returned when a ledger amount exceeds int64.
	ErrAmountOverflow = errors.New("ledger amount exceeds representable range")
)

// Envelope is one normalized ledger event on its way to the reconciler.
type Envelope struct {
	Type        string    `json:"type"` // chain.EventFundLocked or chain.EventPaymentReleased
	EscrowID    string    `json:"escrowId"`
	Payer       string    `json:"payer"`
	Payee       string    `json:"payee"`
	Amount      int64     `json:"amount"`
	LedgerTime  time.Time `json:"ledgerTime"` // Block timestamp carried in the event
	Metadata    string    `json:"metadata,omitempty"`
	ReleaseRef  string    `json:"releaseRef,omitempty"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
	LogIndex    uint      `json:"logIndex"`

	// Attempts counts reconciler applies of this envelope, for poison handling.
	Attempts int `json:"attempts"`
}

// DedupeKey identifies the event uniquely across restarts and re-scans. A
// transaction can emit several logs, so the log index is part of the key.
func (e *Envelope) DedupeKey() string {
	return fmt.Sprintf("%s:%d", e.TxHash, e.LogIndex)
}

// FromRaw converts a decoded contract log into an envelope.
func FromRaw(ev chain.RawEvent) (Envelope, error) {
	if ev.Amount == nil || !ev.Amount.IsInt64() {
		return Envelope{}, fmt.Errorf("%w: %s", ErrAmountOverflow, ev.Amount)
	}
	return Envelope{
		Type:        ev.Type,
		EscrowID:    ev.EscrowID.Hex(),
		Payer:       ev.Payer.Hex(),
		Payee:       ev.Payee.Hex(),
		Amount:      ev.Amount.Int64(),
		LedgerTime:  time.Unix(int64(ev.Timestamp), 0).UTC(),
		Metadata:    ev.Metadata,
		ReleaseRef:  ev.ReleaseRef,
		TxHash:      ev.TxHash.Hex(),
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
	}, nil
}

// CursorStore persists the last fully handed-off block. The listener resumes
// from cursor+1 after a restart, so events between the cursor and the chain
// head are re-scanned rather than skipped.
type CursorStore interface {
	Get(ctx context.Context) (uint64, error)
	Put(ctx context.Context, block uint64) error
}

// EventStore records which ledger events have been seen and applied. The
// dedupe key is unique, so re-scanned events insert exactly once.
type EventStore interface {
	// InsertIfAbsent records the envelope and returns true if it was new.
	InsertIfAbsent(ctx context.Context, e *Envelope) (bool, error)
	// MarkProcessed stamps the outcome of the reconciler apply.
	MarkProcessed(ctx context.Context, dedupeKey, result string) error
	// IsProcessed reports whether the event was already applied.
	IsProcessed(ctx context.Context, dedupeKey string) (bool, error)
}
