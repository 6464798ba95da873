package directory

import (
	"context"
	"database/sql"
)

// PostgresStore persists directory data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed directory store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetSchool(ctx context.Context, id int64) (*School, error) {
	s := &School{}
	var region sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, region FROM schools WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &region)
	if err == sql.ErrNoRows {
		return nil, ErrSchoolNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Region = region.String
	return s, nil
}

func (p *PostgresStore) GetCatering(ctx context.Context, id int64) (*Catering, error) {
	c := &Catering{}
	var contact sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, payee_addr, contact_name FROM caterings WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.PayeeAddr, &contact)
	if err == sql.ErrNoRows {
		return nil, ErrCateringNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ContactName = contact.String
	return c, nil
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	d := &Delivery{}
	var menu sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, school_id, catering_id, portions, menu_name, delivery_date
		FROM deliveries WHERE id = $1`, id).
		Scan(&d.ID, &d.SchoolID, &d.CateringID, &d.Portions, &menu, &d.Date)
	if err == sql.ErrNoRows {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, err
	}
	d.MenuName = menu.String
	return d, nil
}

func (p *PostgresStore) PutSchool(ctx context.Context, s *School) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schools (id, name, region)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = $2, region = $3`,
		s.ID, s.Name, nullString(s.Region))
	return err
}

func (p *PostgresStore) PutCatering(ctx context.Context, c *Catering) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO caterings (id, name, payee_addr, contact_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, payee_addr = $3, contact_name = $4`,
		c.ID, c.Name, c.PayeeAddr, nullString(c.ContactName))
	return err
}

func (p *PostgresStore) PutDelivery(ctx context.Context, d *Delivery) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, school_id, catering_id, portions, menu_name, delivery_date)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			school_id = $2, catering_id = $3, portions = $4, menu_name = $5, delivery_date = $6`,
		d.ID, d.SchoolID, d.CateringID, d.Portions, nullString(d.MenuName), d.Date)
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
