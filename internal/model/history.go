package model

import (
	"database/sql"
	"time"
)

// HistoryAction names an audited mutation
type HistoryAction string

const (
	ActionProfileCreated      HistoryAction = "PROFILE_CREATED"
	ActionSyncCorrection      HistoryAction = "SYNC_CORRECTION"
	ActionReservationFlagged  HistoryAction = "RESERVATION_FLAGGED"
	ActionDiscountIssued      HistoryAction = "DISCOUNT_ISSUED"
	ActionDiscountRedeemed    HistoryAction = "DISCOUNT_REDEEMED"
	ActionDiscountPostponed   HistoryAction = "DISCOUNT_POSTPONED"
	ActionDiscountReactivated HistoryAction = "DISCOUNT_REACTIVATED"
	ActionDiscountActivated   HistoryAction = "DISCOUNT_ACTIVATED"
	ActionDiscountExpired     HistoryAction = "DISCOUNT_EXPIRED"
)

// HistoryEntry is an immutable loyalty audit record
type HistoryEntry struct {
	ID            int64          `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	Action        HistoryAction  `db:"action" json:"action"`
	Points        int            `db:"points" json:"points"`
	Description   string         `db:"description" json:"description"`
	ReservationID sql.NullString `db:"reservation_id" json:"-"`
	DiscountID    sql.NullString `db:"discount_id" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}
