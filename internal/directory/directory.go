// Package directory holds the mirror records for schools, caterings, and
// deliveries that escrow commands validate against and the public feed
// joins display data from.
package directory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSchoolNotFound   = errors.New("school not found")
	ErrCateringNotFound = errors.New("catering not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
)

// School is a participating school.
type School struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region,omitempty"`
}

// Catering is a registered meal provider.
type Catering struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PayeeAddr   string `json:"payeeAddr"` // On-chain address funds are released to
	ContactName string `json:"contactName,omitempty"`
}

// Delivery is one scheduled meal delivery from a catering to a school.
type Delivery struct {
	ID         int64     `json:"id"`
	SchoolID   int64     `json:"schoolId"`
	CateringID int64     `json:"cateringId"`
	Portions   int       `json:"portions"`
	MenuName   string    `json:"menuName,omitempty"`
	Date       time.Time `json:"date"`
}

// Store reads and writes directory records.
type Store interface {
	GetSchool(ctx context.Context, id int64) (*School, error)
	GetCatering(ctx context.Context, id int64) (*Catering, error)
	GetDelivery(ctx context.Context, id int64) (*Delivery, error)
	PutSchool(ctx context.Context, s *School) error
	PutCatering(ctx context.Context, c *Catering) error
	PutDelivery(ctx context.Context, d *Delivery) error
}
