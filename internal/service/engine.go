package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/loyalty/internal/events"
	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/metrics"
	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

// Engine runs reconciliation and the discount lifecycle against a store.
// It keeps no profile state between calls; every operation re-reads.
type Engine struct {
	store     repository.Store
	rules     *loyalty.RuleTable
	publisher events.Publisher
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	maxRetries  int
	syncWorkers int
	syncLimiter *rate.Limiter
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithPublisher sets the notification event sink
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithRetries sets how often a ConcurrentModification is retried
func WithRetries(n int) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithSyncConcurrency bounds the full sync: workers in parallel and at most
// rps clients started per second (rps <= 0 means unlimited).
func WithSyncConcurrency(workers int, rps float64) Option {
	return func(e *Engine) {
		if workers > 0 {
			e.syncWorkers = workers
		}
		limit := rate.Inf
		if rps > 0 {
			limit = rate.Limit(rps)
		}
		e.syncLimiter = rate.NewLimiter(limit, e.syncWorkers)
	}
}

// NewEngine creates an engine over store using the given rule table
func NewEngine(store repository.Store, rules *loyalty.RuleTable, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		rules:       rules,
		publisher:   events.NewLogPublisher(zerolog.Nop()),
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("github.com/kkkkikiki/loyalty/internal/service"),
		now:         time.Now,
		maxRetries:  3,
		syncWorkers: 8,
		syncLimiter: rate.NewLimiter(rate.Inf, 8),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReconcileResult describes what one reconciliation run changed
type ReconcileResult struct {
	ClientID  string
	Created   bool
	Corrected bool
	Previous  loyalty.Counters
	Current   loyalty.Counters
	Issued    []model.Discount
	// Activated lists referral discounts of other clients released by this
	// client's first completed visit
	Activated []model.Discount
	// Flagged lists malformed reservations recorded for the first time
	Flagged []string
}

// Changed reports whether the run wrote anything
func (r *ReconcileResult) Changed() bool {
	return r.Created || r.Corrected || len(r.Issued) > 0 || len(r.Activated) > 0 || len(r.Flagged) > 0
}

// Reconcile recomputes a client's counters from completed reservations,
// corrects the stored profile if it drifted, and issues any milestone
// discounts the corrected counters unlock. The whole run is one transaction
// holding the profile lock; running it again without new reservations
// changes nothing.
func (e *Engine) Reconcile(ctx context.Context, clientID string) (result *ReconcileResult, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.Reconcile", trace.WithAttributes(attribute.String("client.id", clientID)))
	defer span.End()
	defer e.observe("reconcile", time.Now(), &err)
	defer recordSpanError(span, &err)

	if clientID == "" {
		return nil, fmt.Errorf("%w: client id is required", loyalty.ErrInvalidArgument)
	}

	var pending []events.Event
	err = e.retry(ctx, func() error {
		pending = nil
		return e.store.InTx(ctx, func(tx repository.Tx) error {
			var txErr error
			result, pending, txErr = e.reconcileTx(tx, clientID, e.now())
			return txErr
		})
	})
	if err != nil {
		return nil, err
	}

	if result.Corrected {
		metrics.SyncCorrections.Inc()
	}
	metrics.MalformedReservations.Add(float64(len(result.Flagged)))
	for _, d := range result.Issued {
		metrics.RecordTransition(string(d.Type), "issued")
	}
	for _, d := range result.Activated {
		metrics.RecordTransition(string(d.Type), "activated")
	}
	e.publish(ctx, pending)

	if result.Changed() {
		e.logger.Info().
			Str("client_id", clientID).
			Bool("created", result.Created).
			Bool("corrected", result.Corrected).
			Int("individual", result.Current.IndividualCount).
			Int("packages", result.Current.PackageCount).
			Int("issued", len(result.Issued)).
			Int("activated", len(result.Activated)).
			Int("flagged", len(result.Flagged)).
			Msg("loyalty profile reconciled")
	}
	return result, nil
}

func (e *Engine) reconcileTx(tx repository.Tx, clientID string, now time.Time) (*ReconcileResult, []events.Event, error) {
	// The profile lock is taken before reservations are read so a run that
	// waited on the lock counts what the previous holder already committed.
	profile, err := tx.LockProfile(clientID)
	if err != nil && !errors.Is(err, loyalty.ErrProfileNotFound) {
		return nil, nil, err
	}
	reservations, rerr := tx.CompletedReservations(clientID)
	if rerr != nil {
		return nil, nil, rerr
	}
	agg := loyalty.AggregateReservations(reservations)
	result := &ReconcileResult{ClientID: clientID, Current: agg.Counters}

	switch {
	case errors.Is(err, loyalty.ErrProfileNotFound):
		if agg.Total() == 0 {
			return result, nil, nil
		}
		profile = &model.LoyaltyProfile{UserID: clientID, CreatedAt: now}
		applyCounters(profile, agg.Counters)
		if err := tx.CreateProfile(profile); err != nil {
			return nil, nil, err
		}
		desc := fmt.Sprintf("Profile created with %d individual services and %d packages",
			agg.IndividualCount, agg.PackageCount)
		if err := tx.AppendHistory(newEntry(clientID, model.ActionProfileCreated, profile.LoyaltyPoints(), desc, now)); err != nil {
			return nil, nil, err
		}
		result.Created = true

	default:
		previous := countersOf(profile)
		result.Previous = previous
		if changes := describeDrift(previous, agg.Counters); len(changes) > 0 {
			oldPoints := profile.LoyaltyPoints()
			applyCounters(profile, agg.Counters)
			if err := tx.UpdateProfile(profile); err != nil {
				return nil, nil, err
			}
			desc := "Counters corrected: " + strings.Join(changes, ", ")
			if err := tx.AppendHistory(newEntry(clientID, model.ActionSyncCorrection, profile.LoyaltyPoints()-oldPoints, desc, now)); err != nil {
				return nil, nil, err
			}
			result.Corrected = true
		}
	}

	for _, f := range agg.Flagged {
		seen, err := tx.HasHistory(clientID, model.ActionReservationFlagged, f.ReservationID)
		if err != nil {
			return nil, nil, err
		}
		if seen {
			continue
		}
		entry := newEntry(clientID, model.ActionReservationFlagged, 0,
			fmt.Sprintf("Reservation counted as individual service: %v", f.Cause), now)
		entry.ReservationID = sql.NullString{String: f.ReservationID, Valid: true}
		if err := tx.AppendHistory(entry); err != nil {
			return nil, nil, err
		}
		result.Flagged = append(result.Flagged, f.ReservationID)
	}

	existing, err := tx.Discounts(clientID)
	if err != nil {
		return nil, nil, err
	}
	grants, err := e.rules.Evaluate(agg.Counters, existing)
	if err != nil {
		return nil, nil, err
	}

	var pending []events.Event
	for _, g := range grants {
		d := loyalty.NewDiscount(clientID, g.Type, g.Amount, g.Reason, g.Rule.ValidMonths, now)
		if err := e.issueTx(tx, &d, now); err != nil {
			return nil, nil, err
		}
		result.Issued = append(result.Issued, d)
		pending = append(pending, events.NewDiscountEvent(events.KindDiscountIssued, &d, now))
	}

	if agg.Total() > 0 {
		activated, err := e.activateReferralsTx(tx, clientID, now)
		if err != nil {
			return nil, nil, err
		}
		for i := range activated {
			result.Activated = append(result.Activated, activated[i])
			pending = append(pending, events.NewDiscountEvent(events.KindDiscountIssued, &activated[i], now))
		}
	}
	return result, pending, nil
}

// activateReferralsTx releases the referral discounts held for clientID
func (e *Engine) activateReferralsTx(tx repository.Tx, clientID string, now time.Time) ([]model.Discount, error) {
	held, err := tx.PendingReferrals(clientID)
	if err != nil {
		return nil, err
	}

	var activated []model.Discount
	for _, d := range held {
		validMonths := 0
		if rule, ok := e.rules.ForType(d.Type); ok {
			validMonths = rule.ValidMonths
		}
		from, err := loyalty.Activate(&d, validMonths, now)
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateDiscount(&d, from); err != nil {
			return nil, err
		}
		entry := newEntry(d.UserID, model.ActionDiscountActivated, 0,
			fmt.Sprintf("Referral discount activated: %s completed a first visit (-%.2f)", clientID, d.Amount), now)
		entry.DiscountID = sql.NullString{String: d.ID, Valid: true}
		if err := tx.AppendHistory(entry); err != nil {
			return nil, err
		}
		activated = append(activated, d)
	}
	return activated, nil
}

// issueTx stores a new discount with its audit entry
func (e *Engine) issueTx(tx repository.Tx, d *model.Discount, now time.Time) error {
	if err := tx.InsertDiscount(d); err != nil {
		return err
	}
	desc := fmt.Sprintf("Discount issued: %s (-%.2f)", d.OriginalReason, d.Amount)
	if d.AwaitingReferee() {
		desc = fmt.Sprintf("Discount held until %s completes a visit: %s (-%.2f)",
			d.ReferredClientID.String, d.OriginalReason, d.Amount)
	}
	entry := newEntry(d.UserID, model.ActionDiscountIssued, 0, desc, now)
	entry.DiscountID = sql.NullString{String: d.ID, Valid: true}
	return tx.AppendHistory(entry)
}

func countersOf(p *model.LoyaltyProfile) loyalty.Counters {
	c := loyalty.Counters{
		IndividualCount: p.IndividualServicesCount,
		PackageCount:    p.PackagesCount,
		TotalSpent:      p.TotalSpent,
	}
	if p.LastVisit.Valid {
		t := p.LastVisit.Time
		c.LastVisit = &t
	}
	return c
}

func applyCounters(p *model.LoyaltyProfile, c loyalty.Counters) {
	p.IndividualServicesCount = c.IndividualCount
	p.PackagesCount = c.PackageCount
	p.TotalSpent = c.TotalSpent
	p.LastVisit = sql.NullTime{}
	if c.LastVisit != nil {
		p.LastVisit = sql.NullTime{Time: *c.LastVisit, Valid: true}
	}
}

// describeDrift lists every field where stored differs from truth
func describeDrift(stored, truth loyalty.Counters) []string {
	var changes []string
	if stored.IndividualCount != truth.IndividualCount {
		changes = append(changes, fmt.Sprintf("individual services %d -> %d", stored.IndividualCount, truth.IndividualCount))
	}
	if stored.PackageCount != truth.PackageCount {
		changes = append(changes, fmt.Sprintf("packages %d -> %d", stored.PackageCount, truth.PackageCount))
	}
	if loyalty.RoundMoney(stored.TotalSpent) != truth.TotalSpent {
		changes = append(changes, fmt.Sprintf("total spent %.2f -> %.2f", stored.TotalSpent, truth.TotalSpent))
	}
	if !sameTime(stored.LastVisit, truth.LastVisit) {
		changes = append(changes, fmt.Sprintf("last visit %s -> %s", formatTime(stored.LastVisit), formatTime(truth.LastVisit)))
	}
	return changes
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.RFC3339)
}

func newEntry(clientID string, action model.HistoryAction, points int, description string, now time.Time) *model.HistoryEntry {
	return &model.HistoryEntry{
		UserID:      clientID,
		Action:      action,
		Points:      points,
		Description: description,
		CreatedAt:   now,
	}
}

// retry reruns fn while it fails with ErrConcurrentModification
func (e *Engine) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, loyalty.ErrConcurrentModification) || attempt >= e.maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		e.logger.Debug().Int("attempt", attempt+1).Msg("concurrent modification, retrying")
	}
}

// publish hands events to the publisher without failing the operation
func (e *Engine) publish(ctx context.Context, pending []events.Event) {
	if len(pending) == 0 {
		return
	}
	if err := e.publisher.Publish(ctx, pending...); err != nil {
		e.logger.Warn().Err(err).Int("events", len(pending)).Msg("failed to publish loyalty events")
	}
}

func (e *Engine) observe(operation string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "failed"
		if loyalty.IsBusinessError(*err) {
			status = "rejected"
		}
	}
	metrics.RecordOperation(operation, status, time.Since(start).Seconds())
}

func recordSpanError(span trace.Span, err *error) {
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
}
