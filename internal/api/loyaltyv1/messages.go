// Package loyaltyv1 defines the loyalty.v1.LoyaltyService wire messages and
// the connect handler and client for it. Messages travel as JSON.
package loyaltyv1

import "time"

type Counters struct {
	IndividualServices int        `json:"individualServices"`
	Packages           int        `json:"packages"`
	TotalSpent         float64    `json:"totalSpent"`
	LastVisit          *time.Time `json:"lastVisit,omitempty"`
}

type Discount struct {
	ID                 string     `json:"id"`
	ClientID           string     `json:"clientId"`
	Type               string     `json:"type"`
	Amount             float64    `json:"amount"`
	Status             string     `json:"status"`
	Reason             string     `json:"reason"`
	CreatedAt          time.Time  `json:"createdAt"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	UsedAt             *time.Time `json:"usedAt,omitempty"`
	UsedForReservation string     `json:"usedForReservation,omitempty"`
	PostponedTo        *time.Time `json:"postponedTo,omitempty"`
	PostponedReason    string     `json:"postponedReason,omitempty"`
	ReferredClientID   string     `json:"referredClientId,omitempty"`
}

type Profile struct {
	ClientID           string     `json:"clientId"`
	IndividualServices int        `json:"individualServices"`
	Packages           int        `json:"packages"`
	TotalSpent         float64    `json:"totalSpent"`
	LoyaltyPoints      int        `json:"loyaltyPoints"`
	LastVisit          *time.Time `json:"lastVisit,omitempty"`
	Version            int64      `json:"version"`
	AvailableDiscounts []Discount `json:"availableDiscounts"`
	Discounts          []Discount `json:"discounts"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type HistoryEntry struct {
	ID            int64     `json:"id"`
	ClientID      string    `json:"clientId"`
	Action        string    `json:"action"`
	Points        int       `json:"points"`
	Description   string    `json:"description"`
	ReservationID string    `json:"reservationId,omitempty"`
	DiscountID    string    `json:"discountId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type ReconcileClientRequest struct {
	ClientID string `json:"clientId"`
}

type ReconcileClientResponse struct {
	Created   bool       `json:"created"`
	Corrected bool       `json:"corrected"`
	Previous  Counters   `json:"previous"`
	Current   Counters   `json:"current"`
	Issued    []Discount `json:"issued"`
	Activated []Discount `json:"activated,omitempty"`
	Flagged   []string   `json:"flagged"`
}

type RunFullSyncRequest struct{}

type SyncFailure struct {
	ClientID string `json:"clientId"`
	Error    string `json:"error"`
}

type RunFullSyncResponse struct {
	Processed  int           `json:"processed"`
	Created    int           `json:"created"`
	Corrected  int           `json:"corrected"`
	Unchanged  int           `json:"unchanged"`
	Issued     int           `json:"issued"`
	Flagged    int           `json:"flagged"`
	Failures   []SyncFailure `json:"failures"`
	DurationMs int64         `json:"durationMs"`
}

type RequestDiscountForPaymentRequest struct {
	ClientID      string `json:"clientId"`
	ReservationID string `json:"reservationId"`
}

// RequestDiscountForPaymentResponse carries no discount when none applies
type RequestDiscountForPaymentResponse struct {
	Discount *Discount `json:"discount,omitempty"`
}

type RedeemDiscountRequest struct {
	DiscountID    string `json:"discountId"`
	ReservationID string `json:"reservationId"`
}

type RedeemDiscountResponse struct {
	Discount Discount `json:"discount"`
}

type PostponeDiscountRequest struct {
	DiscountID string    `json:"discountId"`
	NewDate    time.Time `json:"newDate"`
	Reason     string    `json:"reason"`
}

type PostponeDiscountResponse struct {
	Discount Discount `json:"discount"`
}

// ExpireSweepRequest sweeps at Now, or at server time when omitted
type ExpireSweepRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

type ExpireSweepResponse struct {
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ReactivatePostponedRequest reactivates at Now, or at server time when omitted
type ReactivatePostponedRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

type ReactivatePostponedResponse struct {
	Reactivated int `json:"reactivated"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

type GetHistoryRequest struct {
	ClientID string `json:"clientId"`
}

type GetHistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}

type GetProfileRequest struct {
	ClientID string `json:"clientId"`
}

type GetProfileResponse struct {
	Profile Profile `json:"profile"`
}

type GrantDiscountRequest struct {
	ClientID         string `json:"clientId"`
	Type             string `json:"type"`
	Reason           string `json:"reason,omitempty"`
	ReferredClientID string `json:"referredClientId,omitempty"`
}

type GrantDiscountResponse struct {
	Discount Discount `json:"discount"`
}
