package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkkkikiki/loyalty/internal/events"
	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *repository.MemoryStore
	recorder *events.Recorder
	clock    *testClock
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rules, err := loyalty.DefaultRules()
	require.NoError(t, err)

	f := &fixture{
		store:    repository.NewMemoryStore(),
		recorder: &events.Recorder{},
		clock:    &testClock{now: baseTime},
	}
	f.engine = NewEngine(f.store, rules,
		WithClock(f.clock.Now),
		WithPublisher(f.recorder),
		WithSyncConcurrency(4, 0),
	)
	return f
}

func serviceReservation(id, clientID string, daysAgo int, amount float64) model.Reservation {
	return model.Reservation{
		ID:            id,
		UserID:        clientID,
		Status:        model.ReservationCompleted,
		Services:      sql.NullString{String: `["haircut"]`, Valid: true},
		PaymentAmount: sql.NullFloat64{Float64: amount, Valid: true},
		Date:          baseTime.AddDate(0, 0, -daysAgo),
	}
}

func packageReservation(id, clientID string, daysAgo int, amount float64) model.Reservation {
	return model.Reservation{
		ID:            id,
		UserID:        clientID,
		Status:        model.ReservationCompleted,
		Packages:      sql.NullString{String: `{"pkg-color":1}`, Valid: true},
		PaymentAmount: sql.NullFloat64{Float64: amount, Valid: true},
		Date:          baseTime.AddDate(0, 0, -daysAgo),
	}
}

func (f *fixture) addServices(clientID string, n int) {
	for i := 0; i < n; i++ {
		f.store.AddReservation(serviceReservation(fmt.Sprintf("%s-s%d", clientID, i), clientID, i+1, 50))
	}
}

// seedDiscount stores a profile and an available discount for clientID
func (f *fixture) seedDiscount(clientID string, amount float64, expiresAt time.Time) model.Discount {
	f.store.PutProfile(model.LoyaltyProfile{UserID: clientID, CreatedAt: baseTime, UpdatedAt: baseTime})
	d := loyalty.NewDiscount(clientID, model.DiscountService5, amount, "seeded", 12, baseTime.AddDate(0, -1, 0))
	d.ExpiresAt = sql.NullTime{Time: expiresAt, Valid: true}
	f.store.PutDiscount(d)
	return d
}

func (f *fixture) discount(t *testing.T, clientID, id string) model.Discount {
	t.Helper()
	_, all, err := f.engine.GetProfile(context.Background(), clientID)
	require.NoError(t, err)
	for _, d := range all {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("discount %s not found", id)
	return model.Discount{}
}

func actions(entries []model.HistoryEntry) []model.HistoryAction {
	out := make([]model.HistoryAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestReconcileCreatesProfileAndIssuesServiceMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("client-1", 5)

	result, err := f.engine.Reconcile(ctx, "client-1")
	require.NoError(t, err)

	assert.True(t, result.Created)
	assert.Equal(t, 5, result.Current.IndividualCount)
	assert.Equal(t, 0, result.Current.PackageCount)
	require.Len(t, result.Issued, 1)
	assert.Equal(t, model.DiscountService5, result.Issued[0].Type)
	assert.Equal(t, 20.0, result.Issued[0].Amount)
	assert.Equal(t, model.StatusAvailable, result.Issued[0].Status)

	history, err := f.engine.GetHistory(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, []model.HistoryAction{model.ActionProfileCreated, model.ActionDiscountIssued}, actions(history))
	assert.Equal(t, 25, history[0].Points)
	assert.Equal(t, result.Issued[0].ID, history[1].DiscountID.String)

	profile, _, err := f.engine.GetProfile(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 5, profile.IndividualServicesCount)
	assert.Equal(t, 250.0, profile.TotalSpent)
	require.True(t, profile.LastVisit.Valid)
	assert.True(t, profile.LastVisit.Time.Equal(baseTime.AddDate(0, 0, -1)))
	require.Len(t, profile.AvailableDiscounts, 1)

	published := f.recorder.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.KindDiscountIssued, published[0].Kind)
	assert.Equal(t, "client-1", published[0].ClientID)
}

func TestReconcileCorrectsPackageDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProfile(model.LoyaltyProfile{
		UserID:        "client-2",
		PackagesCount: 2,
		TotalSpent:    300,
		LastVisit:     sql.NullTime{Time: baseTime.AddDate(0, 0, -1), Valid: true},
		CreatedAt:     baseTime.AddDate(-1, 0, 0),
	})
	for i := 0; i < 3; i++ {
		f.store.AddReservation(packageReservation(fmt.Sprintf("p%d", i), "client-2", i+1, 100))
	}

	result, err := f.engine.Reconcile(ctx, "client-2")
	require.NoError(t, err)

	assert.True(t, result.Corrected)
	assert.Equal(t, 2, result.Previous.PackageCount)
	assert.Equal(t, 3, result.Current.PackageCount)
	require.Len(t, result.Issued, 1)
	assert.Equal(t, model.DiscountPackage3, result.Issued[0].Type)
	assert.Equal(t, 30.0, result.Issued[0].Amount)

	history, err := f.engine.GetHistory(ctx, "client-2")
	require.NoError(t, err)
	require.Equal(t, []model.HistoryAction{model.ActionSyncCorrection, model.ActionDiscountIssued}, actions(history))
	assert.Contains(t, history[0].Description, "packages 2 -> 3")
	assert.NotContains(t, history[0].Description, "total spent")

	profile, _, err := f.engine.GetProfile(ctx, "client-2")
	require.NoError(t, err)
	assert.Equal(t, 3, profile.PackagesCount)
	assert.Equal(t, int64(2), profile.Version)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("client-3", 7)
	f.store.AddReservation(packageReservation("pk", "client-3", 9, 120))

	_, err := f.engine.Reconcile(ctx, "client-3")
	require.NoError(t, err)
	before, err := f.engine.GetHistory(ctx, "client-3")
	require.NoError(t, err)

	result, err := f.engine.Reconcile(ctx, "client-3")
	require.NoError(t, err)
	assert.False(t, result.Changed())

	after, err := f.engine.GetHistory(ctx, "client-3")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.recorder.Events(), 1)
}

func TestReconcileWithoutProfileOrReservationsIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.engine.Reconcile(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, result.Changed())

	_, _, err = f.engine.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, loyalty.ErrProfileNotFound)
}

func TestReconcileRequiresClientID(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Reconcile(context.Background(), "")
	assert.ErrorIs(t, err, loyalty.ErrInvalidArgument)
}

func TestReconcileIgnoresUncompletedReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("client-4", 4)
	pending := serviceReservation("pending", "client-4", 0, 50)
	pending.Status = model.ReservationConfirmed
	f.store.AddReservation(pending)

	result, err := f.engine.Reconcile(ctx, "client-4")
	require.NoError(t, err)
	assert.Equal(t, 4, result.Current.IndividualCount)
	assert.Empty(t, result.Issued)
}

func TestReconcileNeverReissuesMilestones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("client-5", 10)

	result, err := f.engine.Reconcile(ctx, "client-5")
	require.NoError(t, err)
	require.Len(t, result.Issued, 2)

	_, err = f.engine.Redeem(ctx, result.Issued[0].ID, "res-x")
	require.NoError(t, err)

	f.clock.Advance(400 * 24 * time.Hour)
	_, err = f.engine.ExpireSweep(ctx, time.Time{})
	require.NoError(t, err)

	again, err := f.engine.Reconcile(ctx, "client-5")
	require.NoError(t, err)
	assert.Empty(t, again.Issued)

	f.store.AddReservation(serviceReservation("extra", "client-5", 0, 50))
	_, err = f.engine.Reconcile(ctx, "client-5")
	require.NoError(t, err)
	_, all, err := f.engine.GetProfile(ctx, "client-5")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReconcileFlagsMalformedReservationOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddReservation(model.Reservation{
		ID:       "broken",
		UserID:   "client-6",
		Status:   model.ReservationCompleted,
		Services: sql.NullString{String: "haircut, color", Valid: true},
		Date:     baseTime,
	})

	result, err := f.engine.Reconcile(ctx, "client-6")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Current.IndividualCount)
	assert.Equal(t, []string{"broken"}, result.Flagged)

	result, err = f.engine.Reconcile(ctx, "client-6")
	require.NoError(t, err)
	assert.Empty(t, result.Flagged)

	history, err := f.engine.GetHistory(ctx, "client-6")
	require.NoError(t, err)
	flagged := 0
	for _, e := range history {
		if e.Action == model.ActionReservationFlagged {
			flagged++
			assert.Equal(t, "broken", e.ReservationID.String)
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestReconcileRollsBackWhenHistoryWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProfile(model.LoyaltyProfile{UserID: "client-7", IndividualServicesCount: 1, CreatedAt: baseTime})
	f.addServices("client-7", 5)
	f.store.FailHistory(model.ActionDiscountIssued, errors.New("disk full"))

	_, err := f.engine.Reconcile(ctx, "client-7")
	require.Error(t, err)

	profile, all, err := f.engine.GetProfile(ctx, "client-7")
	require.NoError(t, err)
	assert.Equal(t, 1, profile.IndividualServicesCount)
	assert.Equal(t, int64(1), profile.Version)
	assert.Empty(t, all)
	history, err := f.engine.GetHistory(ctx, "client-7")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.recorder.Events())

	f.store.FailHistory(model.ActionDiscountIssued, nil)
	result, err := f.engine.Reconcile(ctx, "client-7")
	require.NoError(t, err)
	assert.True(t, result.Corrected)
	assert.Len(t, result.Issued, 1)
}

func TestRedeemExpiredDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seedDiscount("client-8", 20, baseTime.Add(-time.Hour))

	_, err := f.engine.Redeem(ctx, d.ID, "res-1")
	assert.ErrorIs(t, err, loyalty.ErrExpired)

	stored := f.discount(t, "client-8", d.ID)
	assert.Equal(t, model.StatusExpired, stored.Status)
	assert.False(t, stored.UsedForReservation.Valid)

	history, err := f.engine.GetHistory(ctx, "client-8")
	require.NoError(t, err)
	assert.Equal(t, []model.HistoryAction{model.ActionDiscountExpired}, actions(history))

	published := f.recorder.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.KindDiscountExpired, published[0].Kind)

	_, err = f.engine.Redeem(ctx, d.ID, "res-1")
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)
}

func TestRedeemUnknownDiscount(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Redeem(context.Background(), "missing", "res-1")
	assert.ErrorIs(t, err, loyalty.ErrDiscountNotFound)
}

func TestConcurrentRedeemSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seedDiscount("client-9", 20, baseTime.AddDate(0, 6, 0))

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Redeem(ctx, d.ID, fmt.Sprintf("res-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, loyalty.ErrInvalidState):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, rejected)

	stored := f.discount(t, "client-9", d.ID)
	assert.Equal(t, model.StatusUsed, stored.Status)
	assert.True(t, stored.UsedForReservation.Valid)

	history, err := f.engine.GetHistory(ctx, "client-9")
	require.NoError(t, err)
	assert.Equal(t, []model.HistoryAction{model.ActionDiscountRedeemed}, actions(history))
}

func TestExpireSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	overdue := f.seedDiscount("client-10", 20, baseTime.Add(-time.Minute))
	current := f.seedDiscount("client-10", 30, baseTime.AddDate(0, 1, 0))

	used := f.seedDiscount("client-10", 10, baseTime.Add(-time.Hour))
	used.Status = model.StatusUsed
	used.UsedAt = sql.NullTime{Time: baseTime.AddDate(0, 0, -3), Valid: true}
	used.UsedForReservation = sql.NullString{String: "old-res", Valid: true}
	f.store.PutDiscount(used)

	deferred := f.seedDiscount("client-10", 15, baseTime.AddDate(0, 2, 0))
	deferred.Status = model.StatusPostponed
	deferred.PostponedTo = sql.NullTime{Time: baseTime.Add(-time.Hour), Valid: true}
	f.store.PutDiscount(deferred)

	result, err := f.engine.ExpireSweep(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Zero(t, result.Failed)

	assert.Equal(t, model.StatusExpired, f.discount(t, "client-10", overdue.ID).Status)
	assert.Equal(t, model.StatusAvailable, f.discount(t, "client-10", current.ID).Status)
	assert.Equal(t, model.StatusUsed, f.discount(t, "client-10", used.ID).Status)
	assert.Equal(t, model.StatusPostponed, f.discount(t, "client-10", deferred.ID).Status,
		"discounts not yet expired keep their status")

	again, err := f.engine.ExpireSweep(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, again.Expired)

	history, err := f.engine.GetHistory(ctx, "client-10")
	require.NoError(t, err)
	assert.Equal(t, []model.HistoryAction{model.ActionDiscountExpired}, actions(history))
}

func TestExpireSweepExpiresOverduePostponedDiscount(t *testing.T) {
	f := newFixture(t)
	d := f.seedDiscount("client-10b", 20, baseTime.Add(-time.Hour))
	d.Status = model.StatusPostponed
	d.PostponedTo = sql.NullTime{Time: baseTime.AddDate(0, 0, -2), Valid: true}
	f.store.PutDiscount(d)

	result, err := f.engine.ExpireSweep(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, model.StatusExpired, f.discount(t, "client-10b", d.ID).Status)
}

func TestReactivatePostponed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := f.seedDiscount("client-10c", 15, baseTime.AddDate(0, 2, 0))
	due.Status = model.StatusPostponed
	due.PostponedTo = sql.NullTime{Time: baseTime.Add(-time.Hour), Valid: true}
	f.store.PutDiscount(due)

	later := f.seedDiscount("client-10c", 25, baseTime.AddDate(0, 6, 0))
	later.Status = model.StatusPostponed
	later.PostponedTo = sql.NullTime{Time: baseTime.AddDate(0, 1, 0), Valid: true}
	f.store.PutDiscount(later)

	lapsed := f.seedDiscount("client-10c", 5, baseTime.Add(-time.Minute))
	lapsed.Status = model.StatusPostponed
	lapsed.PostponedTo = sql.NullTime{Time: baseTime.AddDate(0, 0, -3), Valid: true}
	f.store.PutDiscount(lapsed)

	result, err := f.engine.ReactivatePostponed(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reactivated)
	assert.Zero(t, result.Failed)

	assert.Equal(t, model.StatusAvailable, f.discount(t, "client-10c", due.ID).Status)
	assert.Equal(t, model.StatusPostponed, f.discount(t, "client-10c", later.ID).Status)
	assert.Equal(t, model.StatusPostponed, f.discount(t, "client-10c", lapsed.ID).Status,
		"expired discounts are left to the expiry sweep")

	again, err := f.engine.ReactivatePostponed(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, again.Reactivated)

	history, err := f.engine.GetHistory(ctx, "client-10c")
	require.NoError(t, err)
	assert.Equal(t, []model.HistoryAction{model.ActionDiscountReactivated}, actions(history))
}

func TestExpireSweepAtExactExpiryKeepsDiscount(t *testing.T) {
	f := newFixture(t)
	d := f.seedDiscount("client-11", 20, baseTime)

	result, err := f.engine.ExpireSweep(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Zero(t, result.Expired)
	assert.Equal(t, model.StatusAvailable, f.discount(t, "client-11", d.ID).Status)
}

func TestPostponeDefersRedemption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expires := baseTime.AddDate(0, 0, 10)
	d := f.seedDiscount("client-12", 20, expires)
	newDate := baseTime.AddDate(0, 0, 30)

	postponed, err := f.engine.Postpone(ctx, d.ID, newDate, "client on vacation")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPostponed, postponed.Status)
	assert.True(t, postponed.PostponedTo.Time.Equal(newDate))
	assert.True(t, postponed.ExpiresAt.Time.Equal(newDate.Add(expires.Sub(baseTime))))

	_, err = f.engine.Redeem(ctx, d.ID, "res-early")
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)

	_, err = f.engine.Postpone(ctx, d.ID, newDate.AddDate(0, 0, 1), "again")
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)

	f.clock.Advance(31 * 24 * time.Hour)
	redeemed, err := f.engine.Redeem(ctx, d.ID, "res-late")
	require.NoError(t, err)
	assert.Equal(t, model.StatusUsed, redeemed.Status)

	history, err := f.engine.GetHistory(ctx, "client-12")
	require.NoError(t, err)
	assert.Equal(t, []model.HistoryAction{model.ActionDiscountPostponed, model.ActionDiscountRedeemed}, actions(history))
	assert.Contains(t, history[0].Description, "client on vacation")
}

func TestPostponeRejectsPastDate(t *testing.T) {
	f := newFixture(t)
	d := f.seedDiscount("client-13", 20, baseTime.AddDate(0, 1, 0))

	_, err := f.engine.Postpone(context.Background(), d.ID, baseTime.Add(-time.Hour), "")
	assert.ErrorIs(t, err, loyalty.ErrInvalidArgument)
	assert.Equal(t, model.StatusAvailable, f.discount(t, "client-13", d.ID).Status)
}

func TestRequestDiscountForPaymentPicksBest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedDiscount("client-14", 20, baseTime.AddDate(0, 1, 0))
	late := f.seedDiscount("client-14", 30, baseTime.AddDate(0, 6, 0))
	soon := f.seedDiscount("client-14", 30, baseTime.AddDate(0, 2, 0))
	f.seedDiscount("client-14", 50, baseTime.Add(-time.Hour))

	best, err := f.engine.RequestDiscountForPayment(ctx, "client-14", "res-1")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, soon.ID, best.ID)

	_, err = f.engine.Redeem(ctx, best.ID, "res-1")
	require.NoError(t, err)

	again, err := f.engine.RequestDiscountForPayment(ctx, "client-14", "res-1")
	require.NoError(t, err)
	assert.Nil(t, again)

	next, err := f.engine.RequestDiscountForPayment(ctx, "client-14", "res-2")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, late.ID, next.ID)
}

func TestRequestDiscountForPaymentWithoutProfile(t *testing.T) {
	f := newFixture(t)
	best, err := f.engine.RequestDiscountForPayment(context.Background(), "stranger", "res-1")
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestGrantBirthdayOncePerYear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("client-15", 1)
	_, err := f.engine.Reconcile(ctx, "client-15")
	require.NoError(t, err)

	birthday := GrantRequest{ClientID: "client-15", Type: model.DiscountBirthday}
	d, err := f.engine.GrantDiscount(ctx, birthday)
	require.NoError(t, err)
	assert.Equal(t, 10.0, d.Amount)
	assert.Equal(t, "Birthday discount", d.OriginalReason)
	assert.True(t, d.ExpiresAt.Time.Equal(baseTime.AddDate(0, 1, 0)))

	_, err = f.engine.GrantDiscount(ctx, birthday)
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)

	f.clock.Advance(365 * 24 * time.Hour)
	_, err = f.engine.GrantDiscount(ctx, birthday)
	assert.NoError(t, err)
}

func TestGrantRejectsMilestoneTypes(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GrantDiscount(context.Background(), GrantRequest{ClientID: "client-16", Type: model.DiscountService5})
	assert.ErrorIs(t, err, loyalty.ErrInvalidArgument)
}

func TestGrantRequiresProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GrantDiscount(context.Background(), GrantRequest{
		ClientID:         "client-17",
		Type:             model.DiscountReferral,
		Reason:           "referred a friend",
		ReferredClientID: "friend-17",
	})
	assert.ErrorIs(t, err, loyalty.ErrProfileNotFound)
}

func TestGrantReferralOncePerReferee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("sponsor", 1)
	_, err := f.engine.Reconcile(ctx, "sponsor")
	require.NoError(t, err)

	alice := GrantRequest{ClientID: "sponsor", Type: model.DiscountReferral, Reason: "referred alice", ReferredClientID: "alice"}
	first, err := f.engine.GrantDiscount(ctx, alice)
	require.NoError(t, err)
	assert.True(t, first.AwaitingReferee())

	_, err = f.engine.GrantDiscount(ctx, alice)
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)

	_, err = f.engine.GrantDiscount(ctx, GrantRequest{ClientID: "sponsor", Type: model.DiscountReferral, ReferredClientID: "bob"})
	require.NoError(t, err)

	_, all, err := f.engine.GetProfile(ctx, "sponsor")
	require.NoError(t, err)
	referrals := 0
	for _, d := range all {
		if d.Type == model.DiscountReferral {
			referrals++
		}
	}
	assert.Equal(t, 2, referrals)
}

func TestGrantReferralValidatesReferee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.GrantDiscount(ctx, GrantRequest{ClientID: "sponsor", Type: model.DiscountReferral})
	assert.ErrorIs(t, err, loyalty.ErrInvalidArgument)

	_, err = f.engine.GrantDiscount(ctx, GrantRequest{ClientID: "sponsor", Type: model.DiscountReferral, ReferredClientID: "sponsor"})
	assert.ErrorIs(t, err, loyalty.ErrInvalidArgument)
}

func TestReferralActivatesOnRefereeFirstVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("sponsor", 1)
	_, err := f.engine.Reconcile(ctx, "sponsor")
	require.NoError(t, err)
	issuedBefore := len(f.recorder.Events())

	held, err := f.engine.GrantDiscount(ctx, GrantRequest{ClientID: "sponsor", Type: model.DiscountReferral, ReferredClientID: "newbie"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPostponed, held.Status)
	assert.False(t, held.ExpiresAt.Valid)
	assert.Len(t, f.recorder.Events(), issuedBefore, "held referral publishes nothing")

	best, err := f.engine.RequestDiscountForPayment(ctx, "sponsor", "res-s")
	require.NoError(t, err)
	assert.Nil(t, best)
	_, err = f.engine.Redeem(ctx, held.ID, "res-s")
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)

	f.clock.Advance(48 * time.Hour)
	swept, err := f.engine.ExpireSweep(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, swept.Expired)
	reactivated, err := f.engine.ReactivatePostponed(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, reactivated.Reactivated)

	result, err := f.engine.Reconcile(ctx, "newbie")
	require.NoError(t, err)
	assert.Empty(t, result.Activated, "no visit yet")

	f.store.AddReservation(serviceReservation("first-visit", "newbie", 0, 40))
	result, err = f.engine.Reconcile(ctx, "newbie")
	require.NoError(t, err)
	require.Len(t, result.Activated, 1)
	assert.Equal(t, held.ID, result.Activated[0].ID)

	stored := f.discount(t, "sponsor", held.ID)
	assert.Equal(t, model.StatusAvailable, stored.Status)
	assert.True(t, stored.ExpiresAt.Time.Equal(f.clock.Now().AddDate(0, 12, 0)))

	published := f.recorder.Events()
	require.NotEmpty(t, published)
	assert.Equal(t, held.ID, published[len(published)-1].DiscountID)

	again, err := f.engine.Reconcile(ctx, "newbie")
	require.NoError(t, err)
	assert.Empty(t, again.Activated)

	history, err := f.engine.GetHistory(ctx, "sponsor")
	require.NoError(t, err)
	assert.Contains(t, actions(history), model.ActionDiscountActivated)

	best, err = f.engine.RequestDiscountForPayment(ctx, "sponsor", "res-s")
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, held.ID, best.ID)
}

func TestReferralIssuedAvailableWhenRefereeAlreadyVisited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("sponsor", 1)
	f.addServices("regular", 2)
	_, err := f.engine.Reconcile(ctx, "sponsor")
	require.NoError(t, err)

	d, err := f.engine.GrantDiscount(ctx, GrantRequest{ClientID: "sponsor", Type: model.DiscountReferral, ReferredClientID: "regular"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAvailable, d.Status)
	assert.Equal(t, "regular", d.ReferredClientID.String)
	assert.True(t, d.ExpiresAt.Valid)
}

func TestRunFullSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("alice", 5)
	f.addServices("bob", 2)
	f.store.AddReservation(packageReservation("c-p", "carol", 3, 80))
	f.store.AddUser("stylist", "employee")
	f.addServices("stylist", 6)
	f.store.PutProfile(model.LoyaltyProfile{UserID: "dave", IndividualServicesCount: 4, CreatedAt: baseTime})

	summary, err := f.engine.RunFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 1, summary.Corrected)
	assert.Equal(t, 1, summary.Issued)
	assert.Empty(t, summary.Failures)

	_, _, err = f.engine.GetProfile(ctx, "stylist")
	assert.ErrorIs(t, err, loyalty.ErrProfileNotFound)

	dave, _, err := f.engine.GetProfile(ctx, "dave")
	require.NoError(t, err)
	assert.Zero(t, dave.IndividualServicesCount)

	second, err := f.engine.RunFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, second.Unchanged)
}

func TestRunFullSyncRecordsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addServices("alice", 5)
	f.addServices("bob", 1)
	f.store.FailHistory(model.ActionDiscountIssued, errors.New("write failed"))

	summary, err := f.engine.RunFullSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Created)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "alice", summary.Failures[0].ClientID)
}

func TestRunFullSyncHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	f.addServices("alice", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.RunFullSync(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
