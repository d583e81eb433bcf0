package model

import (
	"database/sql"
	"time"
)

// DiscountType identifies what earned a discount
type DiscountType string

const (
	DiscountService5  DiscountType = "service_5"
	DiscountPackage3  DiscountType = "package_3"
	DiscountBirthday  DiscountType = "birthday"
	DiscountReferral  DiscountType = "referral"
	DiscountPostponed DiscountType = "postponed"
)

// DiscountStatus is the lifecycle state of a discount
type DiscountStatus string

const (
	StatusAvailable DiscountStatus = "available"
	StatusUsed      DiscountStatus = "used"
	StatusExpired   DiscountStatus = "expired"
	StatusPostponed DiscountStatus = "postponed"
)

// IsTerminal reports whether no further transition is allowed
func (s DiscountStatus) IsTerminal() bool {
	return s == StatusUsed || s == StatusExpired
}

// Discount represents an issued loyalty discount in the database
type Discount struct {
	ID                 string         `db:"id" json:"id"`
	UserID             string         `db:"user_id" json:"user_id"`
	Type               DiscountType   `db:"type" json:"type"`
	Amount             float64        `db:"amount" json:"amount"`
	Status             DiscountStatus `db:"status" json:"status"`
	OriginalReason     string         `db:"original_reason" json:"original_reason"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UsedAt             sql.NullTime   `db:"used_at" json:"-"`
	ExpiresAt          sql.NullTime   `db:"expires_at" json:"-"`
	PostponedTo        sql.NullTime   `db:"postponed_to" json:"-"`
	PostponedReason    sql.NullString `db:"postponed_reason" json:"-"`
	UsedForReservation sql.NullString `db:"used_for_reservation" json:"-"`
	ReferredClientID   sql.NullString `db:"referred_client_id" json:"-"`
}

// ExpiredAt reports whether the discount's expiry lies strictly before now
func (d *Discount) ExpiredAt(now time.Time) bool {
	return d.ExpiresAt.Valid && d.ExpiresAt.Time.Before(now)
}

// DeferredAt reports whether a postponement still holds at now. A postponed
// discount without a target date stays deferred until activated.
func (d *Discount) DeferredAt(now time.Time) bool {
	if d.Status != StatusPostponed {
		return false
	}
	return !d.PostponedTo.Valid || d.PostponedTo.Time.After(now)
}

// AwaitingReferee reports whether this is a referral reward still waiting
// for the referred client's first completed visit
func (d *Discount) AwaitingReferee() bool {
	return d.Status == StatusPostponed && !d.PostponedTo.Valid && d.ReferredClientID.Valid
}
