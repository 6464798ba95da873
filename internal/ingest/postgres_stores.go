package ingest

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresCursorStore persists the listener cursor as a single keyed row.
type PostgresCursorStore struct {
	db   *sql.DB
	name string
}

// NewPostgresCursorStore creates a cursor store under the given cursor name.
func NewPostgresCursorStore(db *sql.DB, name string) *PostgresCursorStore {
	if name == "" {
		name = "escrow-events"
	}
	return &PostgresCursorStore{db: db, name: name}
}

func (p *PostgresCursorStore) Get(ctx context.Context) (uint64, error) {
	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_block FROM listener_cursor WHERE name = $1`, p.name).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	return uint64(block), nil
}

func (p *PostgresCursorStore) Put(ctx context.Context, block uint64) error {
	// GREATEST keeps the cursor monotonic even under a concurrent writer.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listener_cursor (name, last_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET
			last_block = GREATEST(listener_cursor.last_block, $2),
			updated_at = NOW()`,
		p.name, int64(block))
	if err != nil {
		return fmt.Errorf("write cursor: %w", err)
	}
	return nil
}

// PostgresEventStore persists ingested events keyed by dedupe key.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) InsertIfAbsent(ctx context.Context, e *Envelope) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO ingested_events
			(dedupe_key, event_type, escrow_id, payer, payee, amount,
			 ledger_time, metadata, release_ref, tx_hash, block_number, log_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		e.DedupeKey(), e.Type, e.EscrowID, e.Payer, e.Payee, e.Amount,
		e.LedgerTime, e.Metadata, e.ReleaseRef, e.TxHash, int64(e.BlockNumber), int64(e.LogIndex))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresEventStore) MarkProcessed(ctx context.Context, dedupeKey, result string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ingested_events
		SET processed = TRUE, result = $1, processed_at = NOW()
		WHERE dedupe_key = $2`, result, dedupeKey)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (p *PostgresEventStore) IsProcessed(ctx context.Context, dedupeKey string) (bool, error) {
	var processed bool
	err := p.db.QueryRowContext(ctx,
		`SELECT processed FROM ingested_events WHERE dedupe_key = $1`, dedupeKey).Scan(&processed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read event: %w", err)
	}
	return processed, nil
}

// Compile-time assertions.
var (
	_ CursorStore = (*PostgresCursorStore)(nil)
	_ EventStore  = (*PostgresEventStore)(nil)
)
