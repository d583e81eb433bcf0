package loyalty

import (
	"math"
	"time"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// Counters is the ground truth derived from a client's completed reservations
type Counters struct {
	IndividualCount int
	PackageCount    int
	TotalSpent      float64
	LastVisit       *time.Time
}

// Aggregate is the output of walking a reservation history
type Aggregate struct {
	Counters
	// Flagged lists reservations whose payload could not be parsed
	Flagged []FlaggedReservation
}

// FlaggedReservation identifies a malformed reservation and why
type FlaggedReservation struct {
	ReservationID string
	Cause         error
}

// AggregateReservations counts completed reservations by class. Reservations
// in any other status are ignored. The result depends only on the input set.
func AggregateReservations(reservations []model.Reservation) Aggregate {
	var agg Aggregate
	for i := range reservations {
		r := &reservations[i]
		if !r.IsCompleted() {
			continue
		}

		c := Classify(r)
		switch c.Class {
		case ClassPackage:
			agg.PackageCount++
		default:
			agg.IndividualCount++
		}
		if c.Flagged {
			agg.Flagged = append(agg.Flagged, FlaggedReservation{ReservationID: r.ID, Cause: c.Payload.Cause})
		}

		if r.PaymentAmount.Valid {
			agg.TotalSpent += r.PaymentAmount.Float64
		}
		if agg.LastVisit == nil || r.Date.After(*agg.LastVisit) {
			d := r.Date
			agg.LastVisit = &d
		}
	}
	agg.TotalSpent = RoundMoney(agg.TotalSpent)
	return agg
}

// Total is the number of completed reservations counted
func (c Counters) Total() int {
	return c.IndividualCount + c.PackageCount
}

// RoundMoney rounds to cents, matching the NUMERIC(12,2) storage columns
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}
