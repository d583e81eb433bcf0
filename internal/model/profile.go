package model

import (
	"database/sql"
	"math"
	"time"
)

// LoyaltyProfile is the cached per-client loyalty record
type LoyaltyProfile struct {
	UserID                  string       `db:"user_id" json:"user_id"`
	IndividualServicesCount int          `db:"individual_services_count" json:"individual_services_count"`
	PackagesCount           int          `db:"packages_count" json:"packages_count"`
	TotalSpent              float64      `db:"total_spent" json:"total_spent"`
	LastVisit               sql.NullTime `db:"last_visit" json:"-"`
	Version                 int64        `db:"version" json:"version"`
	CreatedAt               time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time    `db:"updated_at" json:"updated_at"`

	// AvailableDiscounts is loaded from the discounts table, oldest first
	AvailableDiscounts []Discount `db:"-" json:"available_discounts"`
}

// LoyaltyPoints is one point per 10 currency units spent
func (p *LoyaltyProfile) LoyaltyPoints() int {
	return LoyaltyPoints(p.TotalSpent)
}

// LoyaltyPoints converts a spend total into loyalty points
func LoyaltyPoints(totalSpent float64) int {
	if totalSpent <= 0 {
		return 0
	}
	return int(math.Floor(totalSpent / 10))
}
