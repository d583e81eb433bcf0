package loyalty

import "errors"

// Business outcomes. Callers match these with errors.Is; anything else
// returned by the engine is an infrastructure fault.
var (
	ErrProfileNotFound        = errors.New("loyalty profile not found")
	ErrDiscountNotFound       = errors.New("discount not found")
	ErrInvalidState           = errors.New("discount is not in a redeemable state")
	ErrExpired                = errors.New("discount has expired")
	ErrMalformedReservation   = errors.New("malformed reservation payload")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidArgument        = errors.New("invalid argument")
)

var businessErrors = []error{
	ErrProfileNotFound,
	ErrDiscountNotFound,
	ErrInvalidState,
	ErrExpired,
	ErrMalformedReservation,
	ErrConcurrentModification,
	ErrInvalidArgument,
}

// IsBusinessError reports whether err is an expected business outcome
// rather than a storage or transport fault.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
