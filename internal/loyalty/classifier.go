package loyalty

import "github.com/kkkkikiki/loyalty/internal/model"

// Class is the loyalty bucket a completed reservation counts towards
type Class string

const (
	ClassIndividual Class = "individual"
	ClassPackage    Class = "package"
)

// Classification is the outcome of classifying one reservation
type Classification struct {
	Class   Class
	Payload Payload
	// Flagged is set for malformed payloads that defaulted to individual
	Flagged bool
}

// Classify assigns a reservation to exactly one bucket. Malformed payloads
// are counted as individual services and flagged.
func Classify(r *model.Reservation) Classification {
	p := ParsePayload(r)
	switch p.Kind {
	case PayloadPackages:
		return Classification{Class: ClassPackage, Payload: p}
	case PayloadServices:
		return Classification{Class: ClassIndividual, Payload: p}
	default:
		return Classification{Class: ClassIndividual, Payload: p, Flagged: true}
	}
}
