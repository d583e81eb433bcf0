package loyalty

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/loyalty/internal/model"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestNewDiscount(t *testing.T) {
	d := NewDiscount("c1", model.DiscountService5, 20, "5 services", 12, now)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, model.StatusAvailable, d.Status)
	require.True(t, d.ExpiresAt.Valid)
	assert.Equal(t, now.AddDate(1, 0, 0), d.ExpiresAt.Time)
	assert.False(t, d.UsedForReservation.Valid)
}

func TestRedeem(t *testing.T) {
	d := NewDiscount("c1", model.DiscountService5, 20, "5 services", 12, now)

	from, err := Redeem(&d, "res-1", now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, from)
	assert.Equal(t, model.StatusUsed, d.Status)
	assert.Equal(t, "res-1", d.UsedForReservation.String)
	assert.Equal(t, now, d.UsedAt.Time)

	_, err = Redeem(&d, "res-2", now)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, "res-1", d.UsedForReservation.String)
}

func TestRedeemExpired(t *testing.T) {
	d := NewDiscount("c1", model.DiscountService5, 20, "5 services", 12, now.AddDate(-2, 0, 0))
	_, err := Redeem(&d, "res-1", now)
	assert.True(t, errors.Is(err, ErrExpired))
	assert.Equal(t, model.StatusAvailable, d.Status)

	from, err := Expire(&d, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, from)
	assert.Equal(t, model.StatusExpired, d.Status)

	_, err = Redeem(&d, "res-1", now)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestExpireRequiresPastExpiry(t *testing.T) {
	d := NewDiscount("c1", model.DiscountService5, 20, "r", 12, now)
	_, err := Expire(&d, now)
	assert.True(t, errors.Is(err, ErrInvalidState))

	d.ExpiresAt = sql.NullTime{Time: now, Valid: true}
	_, err = Expire(&d, now)
	assert.True(t, errors.Is(err, ErrInvalidState), "expiresAt == now is still valid")
}

func TestPostponeAndReactivate(t *testing.T) {
	d := NewDiscount("c1", model.DiscountPackage3, 30, "3 packages", 12, now)
	target := now.AddDate(0, 2, 0)

	_, err := Postpone(&d, now.Add(-time.Hour), "holiday", now)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	from, err := Postpone(&d, target, "holiday", now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, from)
	assert.Equal(t, model.StatusPostponed, d.Status)
	assert.Equal(t, target, d.PostponedTo.Time)
	assert.Equal(t, "holiday", d.PostponedReason.String)
	assert.Equal(t, target.AddDate(1, 0, 0), d.ExpiresAt.Time)

	_, err = Redeem(&d, "res-1", now)
	assert.True(t, errors.Is(err, ErrInvalidState), "deferred discount cannot be spent yet")

	_, err = Postpone(&d, target.AddDate(0, 1, 0), "again", now)
	assert.True(t, errors.Is(err, ErrInvalidState))

	_, err = Reactivate(&d, now)
	assert.True(t, errors.Is(err, ErrInvalidState))

	from, err = Reactivate(&d, target)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPostponed, from)
	assert.Equal(t, model.StatusAvailable, d.Status)
}

func TestRedeemPostponedAfterTargetDate(t *testing.T) {
	d := NewDiscount("c1", model.DiscountPackage3, 30, "3 packages", 12, now)
	target := now.AddDate(0, 1, 0)
	_, err := Postpone(&d, target, "", now)
	require.NoError(t, err)
	assert.False(t, d.PostponedReason.Valid)

	from, err := Redeem(&d, "res-9", target.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPostponed, from)
	assert.Equal(t, model.StatusUsed, d.Status)
}

func TestSelectBest(t *testing.T) {
	small := NewDiscount("c1", model.DiscountService5, 20, "a", 12, now.AddDate(0, -1, 0))
	bigLate := NewDiscount("c1", model.DiscountPackage3, 30, "b", 12, now)
	bigEarly := NewDiscount("c1", model.DiscountPackage3, 30, "c", 6, now)
	used := NewDiscount("c1", model.DiscountReferral, 50, "d", 12, now)
	used.Status = model.StatusUsed
	stale := NewDiscount("c1", model.DiscountReferral, 40, "e", 1, now.AddDate(-1, 0, 0))

	best := SelectBest([]model.Discount{small, bigLate, used, stale, bigEarly}, now)
	require.NotNil(t, best)
	assert.Equal(t, bigEarly.ID, best.ID)

	assert.Nil(t, SelectBest([]model.Discount{used, stale}, now))
	assert.Nil(t, SelectBest(nil, now))
}

func TestIsBusinessError(t *testing.T) {
	assert.True(t, IsBusinessError(ErrExpired))
	assert.True(t, IsBusinessError(errors.Join(errors.New("ctx"), ErrInvalidState)))
	assert.False(t, IsBusinessError(errors.New("connection refused")))
}

func TestReferralHeldUntilActivated(t *testing.T) {
	d := NewDiscount("sponsor", model.DiscountReferral, 15, "referral", 12, now)
	HoldForReferee(&d, "friend")

	assert.Equal(t, model.StatusPostponed, d.Status)
	assert.False(t, d.ExpiresAt.Valid)
	assert.True(t, d.AwaitingReferee())
	assert.True(t, d.DeferredAt(now.AddDate(5, 0, 0)), "no target date means deferred indefinitely")

	_, err := Redeem(&d, "res-1", now)
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = Reactivate(&d, now.AddDate(1, 0, 0))
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = Expire(&d, now.AddDate(2, 0, 0))
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Nil(t, SelectBest([]model.Discount{d}, now))

	later := now.AddDate(0, 3, 0)
	from, err := Activate(&d, 12, later)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPostponed, from)
	assert.Equal(t, model.StatusAvailable, d.Status)
	assert.Equal(t, later.AddDate(1, 0, 0), d.ExpiresAt.Time)
	assert.Equal(t, "friend", d.ReferredClientID.String)
	require.NoError(t, CheckRedeemable(&d, later))

	_, err = Activate(&d, 12, later)
	assert.True(t, errors.Is(err, ErrInvalidState), "activation happens once")
}

func TestActivateRejectsDatedPostponement(t *testing.T) {
	d := NewDiscount("c1", model.DiscountPackage3, 30, "3 packages", 12, now)
	_, err := Postpone(&d, now.AddDate(0, 1, 0), "", now)
	require.NoError(t, err)

	_, err = Activate(&d, 12, now)
	assert.True(t, errors.Is(err, ErrInvalidState))
}
