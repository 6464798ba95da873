package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists escrow records in PostgreSQL. All status transitions
// are conditional UPDATEs guarded on the current status, so concurrent writers
// (command handler and reconciler) can never move a record backwards.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `
	id, escrow_id, delivery_id, school_id, catering_id, amount, status,
	tx_hash_lock, tx_hash_release, block_number_lock, block_number_release,
	cancel_reason, locked_at, released_at, confirmed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	if r.Status == "" {
		r.Status = StatusPending
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (delivery_id, school_id, catering_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		r.DeliveryID, r.SchoolID, r.CateringID, r.Amount, r.Status).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) BindEscrowID(ctx context.Context, id int64, escrowID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET escrow_id = $1, updated_at = NOW()
		WHERE id = $2 AND escrow_id IS NULL`, escrowID, id)
	if err != nil {
		return fmt.Errorf("bind escrow id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id)
	return scanRecord(row)
}

func (p *PostgresStore) GetByEscrowID(ctx context.Context, escrowID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM escrows WHERE escrow_id = $1`, escrowID)
	return scanRecord(row)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, StatusFailed, id, StatusPending)
	return err
}

func (p *PostgresStore) ConfirmLocked(ctx context.Context, escrowID, txHash string, blockNumber uint64, lockedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1,
			tx_hash_lock = $2,
			block_number_lock = $3,
			locked_at = COALESCE(locked_at, $4),
			updated_at = NOW()
		WHERE escrow_id = $5 AND status IN ($6, $1)`,
		StatusLocked, txHash, blockNumber, lockedAt, escrowID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("confirm locked: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) MarkConfirmed(ctx context.Context, escrowID string, confirmedAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET confirmed_at = COALESCE(confirmed_at, $1), updated_at = NOW()
		WHERE escrow_id = $2`, confirmedAt, escrowID)
	return err
}

func (p *PostgresStore) TransitionToReleased(ctx context.Context, escrowID, txHash string, blockNumber uint64, releasedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1,
			tx_hash_release = $2,
			block_number_release = $3,
			released_at = $4,
			updated_at = NOW()
		WHERE escrow_id = $5 AND status = $6`,
		StatusReleased, txHash, blockNumber, releasedAt, escrowID, StatusLocked)
	if err != nil {
		return false, fmt.Errorf("transition to released: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) TransitionToCancelled(ctx context.Context, escrowID, reason, txHash string, blockNumber uint64) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1,
			cancel_reason = $2,
			tx_hash_release = $3,
			block_number_release = $4,
			updated_at = NOW()
		WHERE escrow_id = $5 AND status = $6`,
		StatusCancelled, reason, txHash, blockNumber, escrowID, StatusLocked)
	if err != nil {
		return false, fmt.Errorf("transition to cancelled: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) ListUnconfirmed(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM escrows
		WHERE status = $1 AND confirmed_at IS NULL AND locked_at < $2
		ORDER BY id
		LIMIT $3`, StatusLocked, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM escrows
		WHERE status = $1
		ORDER BY id
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// scanner abstracts sql.Row and sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		escrowID      sql.NullString
		txLock, txRel sql.NullString
		blockLock     sql.NullInt64
		blockRel      sql.NullInt64
		reason        sql.NullString
		lockedAt      sql.NullTime
		releasedAt    sql.NullTime
		confirmedAt   sql.NullTime
	)
	err := s.Scan(
		&r.ID, &escrowID, &r.DeliveryID, &r.SchoolID, &r.CateringID, &r.Amount, &r.Status,
		&txLock, &txRel, &blockLock, &blockRel,
		&reason, &lockedAt, &releasedAt, &confirmedAt, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escrow: %w", err)
	}
	r.EscrowID = escrowID.String
	r.TxHashLock = txLock.String
	r.TxHashRelease = txRel.String
	r.BlockNumberLock = uint64(blockLock.Int64)
	r.BlockNumberRelease = uint64(blockRel.Int64)
	r.CancelReason = reason.String
	if lockedAt.Valid {
		t := lockedAt.Time
		r.LockedAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		r.ReleasedAt = &t
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		r.ConfirmedAt = &t
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
