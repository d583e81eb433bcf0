package model

import (
	"database/sql"
	"time"
)

// ReservationStatus mirrors the booking subsystem's reservation states
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Reservation is a booking record as stored by the booking subsystem.
// Services and Packages hold the raw serialized payloads; they are parsed
// into a Payload before classification.
type Reservation struct {
	ID            string            `db:"id" json:"id"`
	UserID        string            `db:"user_id" json:"user_id"`
	Status        ReservationStatus `db:"status" json:"status"`
	Services      sql.NullString    `db:"services" json:"-"`
	Packages      sql.NullString    `db:"packages" json:"-"`
	PaymentAmount sql.NullFloat64   `db:"payment_amount" json:"-"`
	Date          time.Time         `db:"date" json:"date"`
}

// IsCompleted reports whether the reservation counts towards loyalty
func (r *Reservation) IsCompleted() bool {
	return r.Status == ReservationCompleted
}
