package loyalty

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// NewDiscount builds an available discount expiring validMonths after now
func NewDiscount(userID string, discountType model.DiscountType, amount float64, reason string, validMonths int, now time.Time) model.Discount {
	d := model.Discount{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           discountType,
		Amount:         amount,
		Status:         model.StatusAvailable,
		OriginalReason: reason,
		CreatedAt:      now,
	}
	if validMonths > 0 {
		d.ExpiresAt = sql.NullTime{Time: now.AddDate(0, validMonths, 0), Valid: true}
	}
	return d
}

// HoldForReferee turns a freshly built referral discount into a pending one.
// It carries no expiry until Activate starts its validity window.
func HoldForReferee(d *model.Discount, referredClientID string) {
	d.Status = model.StatusPostponed
	d.ExpiresAt = sql.NullTime{}
	d.PostponedTo = sql.NullTime{}
	d.PostponedReason = sql.NullString{String: "awaiting first visit of " + referredClientID, Valid: true}
	d.ReferredClientID = sql.NullString{String: referredClientID, Valid: true}
}

// Activate releases a referral discount held for its referee. The discount
// becomes available and expires validMonths after now.
func Activate(d *model.Discount, validMonths int, now time.Time) (model.DiscountStatus, error) {
	if !d.AwaitingReferee() {
		return "", fmt.Errorf("%w: discount is not awaiting a referee", ErrInvalidState)
	}
	d.Status = model.StatusAvailable
	d.PostponedReason = sql.NullString{}
	d.ExpiresAt = sql.NullTime{}
	if validMonths > 0 {
		d.ExpiresAt = sql.NullTime{Time: now.AddDate(0, validMonths, 0), Valid: true}
	}
	return model.StatusPostponed, nil
}

// spendable reports whether the status allows spending at now, ignoring expiry
func spendable(d *model.Discount, now time.Time) bool {
	switch d.Status {
	case model.StatusAvailable:
		return true
	case model.StatusPostponed:
		return !d.DeferredAt(now)
	}
	return false
}

// CheckRedeemable returns ErrInvalidState for used, expired or still deferred
// discounts and ErrExpired when the expiry date has passed.
func CheckRedeemable(d *model.Discount, now time.Time) error {
	if !spendable(d, now) {
		return fmt.Errorf("%w: status %s", ErrInvalidState, d.Status)
	}
	if d.ExpiredAt(now) {
		return ErrExpired
	}
	return nil
}

// Redeem marks d used for the reservation and returns the status it left
func Redeem(d *model.Discount, reservationID string, now time.Time) (model.DiscountStatus, error) {
	if reservationID == "" {
		return "", fmt.Errorf("%w: reservation id is required", ErrInvalidArgument)
	}
	if err := CheckRedeemable(d, now); err != nil {
		return "", err
	}
	from := d.Status
	d.Status = model.StatusUsed
	d.UsedAt = sql.NullTime{Time: now, Valid: true}
	d.UsedForReservation = sql.NullString{String: reservationID, Valid: true}
	return from, nil
}

// Expire moves a spendable discount whose expiry has passed to expired
func Expire(d *model.Discount, now time.Time) (model.DiscountStatus, error) {
	if !spendable(d, now) {
		return "", fmt.Errorf("%w: status %s", ErrInvalidState, d.Status)
	}
	if !d.ExpiredAt(now) {
		return "", fmt.Errorf("%w: discount has not expired", ErrInvalidState)
	}
	from := d.Status
	d.Status = model.StatusExpired
	return from, nil
}

// Postpone defers an available discount to newDate. The remaining validity
// window is shifted so that it starts at newDate.
func Postpone(d *model.Discount, newDate time.Time, reason string, now time.Time) (model.DiscountStatus, error) {
	if d.Status != model.StatusAvailable {
		return "", fmt.Errorf("%w: status %s", ErrInvalidState, d.Status)
	}
	if d.ExpiredAt(now) {
		return "", ErrExpired
	}
	if !newDate.After(now) {
		return "", fmt.Errorf("%w: postponement date must be in the future", ErrInvalidArgument)
	}
	if d.ExpiresAt.Valid {
		remaining := d.ExpiresAt.Time.Sub(now)
		d.ExpiresAt.Time = newDate.Add(remaining)
	}
	d.Status = model.StatusPostponed
	d.PostponedTo = sql.NullTime{Time: newDate, Valid: true}
	d.PostponedReason = sql.NullString{String: reason, Valid: reason != ""}
	return model.StatusAvailable, nil
}

// Reactivate returns a postponed discount to available once its date is reached
func Reactivate(d *model.Discount, now time.Time) (model.DiscountStatus, error) {
	if d.Status != model.StatusPostponed || d.DeferredAt(now) {
		return "", fmt.Errorf("%w: status %s", ErrInvalidState, d.Status)
	}
	d.Status = model.StatusAvailable
	return model.StatusPostponed, nil
}

// SelectBest picks the discount a payment should use: highest amount, then
// earliest expiry, then oldest. Returns nil when nothing is redeemable.
func SelectBest(discounts []model.Discount, now time.Time) *model.Discount {
	var candidates []model.Discount
	for i := range discounts {
		if CheckRedeemable(&discounts[i], now) == nil {
			candidates = append(candidates, discounts[i])
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		if a.ExpiresAt.Valid != b.ExpiresAt.Valid {
			return a.ExpiresAt.Valid
		}
		if a.ExpiresAt.Valid && !a.ExpiresAt.Time.Equal(b.ExpiresAt.Time) {
			return a.ExpiresAt.Time.Before(b.ExpiresAt.Time)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	best := candidates[0]
	return &best
}
