package feed

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists feed entries in PostgreSQL. The unique index on
// escrow_id makes entry creation idempotent under event replay.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed feed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `
	id, escrow_id, delivery_id, school_name, school_region, catering_name,
	portions, menu_name, amount, currency, locked_at, released_at, ledger_ref, created_at`

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, e *Entry) (bool, error) {
	if e.Currency == "" {
		e.Currency = Currency
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO feed_entries
			(escrow_id, delivery_id, school_name, school_region, catering_name,
			 portions, menu_name, amount, currency, locked_at, released_at, ledger_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (escrow_id) DO NOTHING`,
		e.EscrowID, e.DeliveryID, e.SchoolName, nullString(e.SchoolRegion), e.CateringName,
		e.Portions, nullString(e.MenuName), e.Amount, e.Currency,
		e.LockedAt, e.ReleasedAt, e.LedgerRef)
	if err != nil {
		return false, fmt.Errorf("insert feed entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) GetByEscrowID(ctx context.Context, escrowID string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM feed_entries WHERE escrow_id = $1`, escrowID)
	return scanEntry(row)
}

func (p *PostgresStore) List(ctx context.Context, afterID int64, limit int) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM feed_entries`
	args := []interface{}{}
	if afterID > 0 {
		query += ` WHERE id < $1 ORDER BY id DESC LIMIT $2`
		args = append(args, afterID, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feed entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*Entry, error) {
	e := &Entry{}
	var region, menu sql.NullString
	err := s.Scan(
		&e.ID, &e.EscrowID, &e.DeliveryID, &e.SchoolName, &region, &e.CateringName,
		&e.Portions, &menu, &e.Amount, &e.Currency,
		&e.LockedAt, &e.ReleasedAt, &e.LedgerRef, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan feed entry: %w", err)
	}
	e.SchoolRegion = region.String
	e.MenuName = menu.String
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
