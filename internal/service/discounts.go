package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kkkkikiki/loyalty/internal/events"
	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/metrics"
	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

// Redeem spends an available discount on a reservation. The status change
// is a compare-and-set, so of several concurrent callers exactly one
// succeeds and the others get loyalty.ErrInvalidState. A discount found past
// its expiry is moved to expired (and that change committed) before
// loyalty.ErrExpired is returned.
func (e *Engine) Redeem(ctx context.Context, discountID, reservationID string) (redeemed *model.Discount, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.Redeem", trace.WithAttributes(
		attribute.String("discount.id", discountID),
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()
	defer e.observe("redeem", time.Now(), &err)
	defer recordSpanError(span, &err)

	var (
		outcome error
		pending []events.Event
	)
	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		now := e.now()
		d, err := tx.GetDiscount(discountID)
		if err != nil {
			return err
		}

		from, err := loyalty.Redeem(d, reservationID, now)
		if errors.Is(err, loyalty.ErrExpired) {
			pending, err = e.expireTx(tx, d, now)
			if err != nil {
				return err
			}
			outcome = loyalty.ErrExpired
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateDiscount(d, from); err != nil {
			return err
		}
		entry := newEntry(d.UserID, model.ActionDiscountRedeemed, 0,
			fmt.Sprintf("Discount redeemed: %s (-%.2f)", d.OriginalReason, d.Amount), now)
		entry.DiscountID = sql.NullString{String: d.ID, Valid: true}
		entry.ReservationID = sql.NullString{String: reservationID, Valid: true}
		if err := tx.AppendHistory(entry); err != nil {
			return err
		}
		redeemed = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, pending)
	if outcome != nil {
		return nil, outcome
	}

	metrics.RecordTransition(string(redeemed.Type), "redeemed")
	e.logger.Info().
		Str("discount_id", redeemed.ID).
		Str("client_id", redeemed.UserID).
		Str("reservation_id", reservationID).
		Msg("discount redeemed")
	return redeemed, nil
}

// Postpone defers an available discount to newDate with a reason
func (e *Engine) Postpone(ctx context.Context, discountID string, newDate time.Time, reason string) (postponed *model.Discount, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.Postpone", trace.WithAttributes(attribute.String("discount.id", discountID)))
	defer span.End()
	defer e.observe("postpone", time.Now(), &err)
	defer recordSpanError(span, &err)

	var (
		outcome error
		pending []events.Event
	)
	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		now := e.now()
		d, err := tx.GetDiscount(discountID)
		if err != nil {
			return err
		}

		from, err := loyalty.Postpone(d, newDate, reason, now)
		if errors.Is(err, loyalty.ErrExpired) {
			pending, err = e.expireTx(tx, d, now)
			if err != nil {
				return err
			}
			outcome = loyalty.ErrExpired
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.UpdateDiscount(d, from); err != nil {
			return err
		}
		desc := fmt.Sprintf("Discount postponed to %s", newDate.Format("2006-01-02"))
		if reason != "" {
			desc += ": " + reason
		}
		entry := newEntry(d.UserID, model.ActionDiscountPostponed, 0, desc, now)
		entry.DiscountID = sql.NullString{String: d.ID, Valid: true}
		if err := tx.AppendHistory(entry); err != nil {
			return err
		}
		postponed = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, pending)
	if outcome != nil {
		return nil, outcome
	}
	metrics.RecordTransition(string(postponed.Type), "postponed")
	return postponed, nil
}

// expireTx transitions d to expired inside tx and returns its event
func (e *Engine) expireTx(tx repository.Tx, d *model.Discount, now time.Time) ([]events.Event, error) {
	from, err := loyalty.Expire(d, now)
	if err != nil {
		return nil, err
	}
	if err := tx.UpdateDiscount(d, from); err != nil {
		return nil, err
	}
	entry := newEntry(d.UserID, model.ActionDiscountExpired, 0,
		fmt.Sprintf("Discount expired: %s (-%.2f)", d.OriginalReason, d.Amount), now)
	entry.DiscountID = sql.NullString{String: d.ID, Valid: true}
	if err := tx.AppendHistory(entry); err != nil {
		return nil, err
	}
	metrics.RecordTransition(string(d.Type), "expired")
	return []events.Event{events.NewDiscountEvent(events.KindDiscountExpired, d, now)}, nil
}

// SweepResult summarizes one expiry sweep
type SweepResult struct {
	Expired int
	Skipped int
	Failed  int
}

// ExpireSweep expires every spendable discount whose expiry lies before now.
// Discounts with an expiry at or after now are never touched. Each discount
// is handled in its own transaction; discounts changed by someone else in
// the meantime are skipped, so repeated sweeps are no-ops.
func (e *Engine) ExpireSweep(ctx context.Context, now time.Time) (result *SweepResult, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.ExpireSweep")
	defer span.End()
	defer e.observe("expire_sweep", time.Now(), &err)
	defer recordSpanError(span, &err)

	if now.IsZero() {
		now = e.now()
	}
	candidates, err := e.store.SweepCandidates(ctx, now)
	if err != nil {
		return nil, err
	}

	result = &SweepResult{}
	result.Expired, result.Skipped, result.Failed, err = e.sweep(ctx, "expiry sweep", candidates,
		func(tx repository.Tx, d *model.Discount) ([]events.Event, error) {
			return e.expireTx(tx, d, now)
		})

	if result.Expired > 0 {
		e.logger.Info().
			Int("expired", result.Expired).
			Int("skipped", result.Skipped).
			Msg("expiry sweep finished")
	}
	return result, err
}

// ReactivationResult summarizes one reactivation pass
type ReactivationResult struct {
	Reactivated int
	Skipped     int
	Failed      int
}

// ReactivatePostponed makes postponed discounts available again once their
// target date is reached. Discounts already past their expiry are left to
// ExpireSweep, and referral discounts awaiting a referee are not touched.
func (e *Engine) ReactivatePostponed(ctx context.Context, now time.Time) (result *ReactivationResult, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.ReactivatePostponed")
	defer span.End()
	defer e.observe("reactivate", time.Now(), &err)
	defer recordSpanError(span, &err)

	if now.IsZero() {
		now = e.now()
	}
	candidates, err := e.store.ReactivationCandidates(ctx, now)
	if err != nil {
		return nil, err
	}

	result = &ReactivationResult{}
	result.Reactivated, result.Skipped, result.Failed, err = e.sweep(ctx, "reactivation", candidates,
		func(tx repository.Tx, d *model.Discount) ([]events.Event, error) {
			if d.ExpiredAt(now) {
				return nil, fmt.Errorf("%w: discount has expired", loyalty.ErrInvalidState)
			}
			from, err := loyalty.Reactivate(d, now)
			if err != nil {
				return nil, err
			}
			if err := tx.UpdateDiscount(d, from); err != nil {
				return nil, err
			}
			entry := newEntry(d.UserID, model.ActionDiscountReactivated, 0,
				fmt.Sprintf("Postponed discount available again: %s", d.OriginalReason), now)
			entry.DiscountID = sql.NullString{String: d.ID, Valid: true}
			if err := tx.AppendHistory(entry); err != nil {
				return nil, err
			}
			metrics.RecordTransition(string(d.Type), "reactivated")
			return nil, nil
		})

	if result.Reactivated > 0 {
		e.logger.Info().
			Int("reactivated", result.Reactivated).
			Int("skipped", result.Skipped).
			Msg("postponed discounts reactivated")
	}
	return result, err
}

// sweep applies fn to each candidate in its own transaction. A candidate
// whose state moved on (or that vanished) is counted as skipped; other
// failures are collected and the remaining candidates still run.
func (e *Engine) sweep(
	ctx context.Context,
	name string,
	candidates []model.Discount,
	fn func(tx repository.Tx, d *model.Discount) ([]events.Event, error),
) (changed, skipped, failed int, err error) {
	var faults []error
	for _, c := range candidates {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return changed, skipped, failed, ctxErr
		}

		var pending []events.Event
		txErr := e.store.InTx(ctx, func(tx repository.Tx) error {
			d, err := tx.GetDiscount(c.ID)
			if err != nil {
				return err
			}
			pending, err = fn(tx, d)
			return err
		})

		switch {
		case txErr == nil:
			changed++
			e.publish(ctx, pending)
		case errors.Is(txErr, loyalty.ErrInvalidState) || errors.Is(txErr, loyalty.ErrDiscountNotFound):
			skipped++
		default:
			failed++
			faults = append(faults, fmt.Errorf("discount %s: %w", c.ID, txErr))
			e.logger.Error().Err(txErr).Str("discount_id", c.ID).Msgf("%s failed for discount", name)
		}
	}
	return changed, skipped, failed, errors.Join(faults...)
}

// RequestDiscountForPayment returns the best discount the client could spend
// on the reservation, without redeeming it. It returns nil when the client
// has nothing redeemable or a discount was already used for the reservation.
func (e *Engine) RequestDiscountForPayment(ctx context.Context, clientID, reservationID string) (best *model.Discount, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.RequestDiscountForPayment", trace.WithAttributes(
		attribute.String("client.id", clientID),
		attribute.String("reservation.id", reservationID),
	))
	defer span.End()
	defer e.observe("request_discount", time.Now(), &err)
	defer recordSpanError(span, &err)

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		discounts, err := tx.Discounts(clientID)
		if err != nil {
			return err
		}
		for _, d := range discounts {
			if reservationID != "" && d.UsedForReservation.Valid && d.UsedForReservation.String == reservationID {
				return nil
			}
		}
		best = loyalty.SelectBest(discounts, e.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return best, nil
}

// GrantRequest describes a manually granted discount
type GrantRequest struct {
	ClientID string
	Type     model.DiscountType
	Reason   string
	// ReferredClientID names the referred client for rules that await a
	// referee. Each (client, referee) pair is rewarded at most once.
	ReferredClientID string
}

// GrantDiscount issues a non-milestone discount (birthday, referral) using
// the rule table's amount and validity. Birthday discounts are limited to
// one per calendar year. A referral discount is held until the referred
// client completes a first visit, or issued available right away when that
// visit already happened.
func (e *Engine) GrantDiscount(ctx context.Context, req GrantRequest) (granted *model.Discount, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.GrantDiscount", trace.WithAttributes(
		attribute.String("client.id", req.ClientID),
		attribute.String("discount.type", string(req.Type)),
	))
	defer span.End()
	defer e.observe("grant", time.Now(), &err)
	defer recordSpanError(span, &err)

	rule, ok := e.rules.Manual(req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q cannot be granted manually", loyalty.ErrInvalidArgument, req.Type)
	}
	if rule.AwaitsReferee {
		if req.ReferredClientID == "" {
			return nil, fmt.Errorf("%w: %s discount needs the referred client", loyalty.ErrInvalidArgument, req.Type)
		}
		if req.ReferredClientID == req.ClientID {
			return nil, fmt.Errorf("%w: a client cannot refer themselves", loyalty.ErrInvalidArgument)
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = rule.Reason
	}

	var pending []events.Event
	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		now := e.now()
		if _, err := tx.LockProfile(req.ClientID); err != nil {
			return err
		}

		existing, err := tx.Discounts(req.ClientID)
		if err != nil {
			return err
		}
		for _, d := range existing {
			if rule.OncePerYear && d.Type == req.Type && d.CreatedAt.Year() == now.Year() {
				return fmt.Errorf("%w: %s discount already granted in %d", loyalty.ErrInvalidState, req.Type, now.Year())
			}
			if rule.AwaitsReferee && d.Type == req.Type && d.ReferredClientID.String == req.ReferredClientID {
				return fmt.Errorf("%w: referral for %s already granted", loyalty.ErrInvalidState, req.ReferredClientID)
			}
		}

		d := loyalty.NewDiscount(req.ClientID, req.Type, rule.Amount, reason, rule.ValidMonths, now)
		if rule.AwaitsReferee {
			visits, err := tx.CompletedReservations(req.ReferredClientID)
			if err != nil {
				return err
			}
			d.ReferredClientID = sql.NullString{String: req.ReferredClientID, Valid: true}
			if len(visits) == 0 {
				loyalty.HoldForReferee(&d, req.ReferredClientID)
			}
		}

		if err := e.issueTx(tx, &d, now); err != nil {
			return err
		}
		granted = &d
		if d.Status == model.StatusAvailable {
			pending = []events.Event{events.NewDiscountEvent(events.KindDiscountIssued, &d, now)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	transition := "issued"
	if granted.AwaitingReferee() {
		transition = "held"
	}
	metrics.RecordTransition(string(granted.Type), transition)
	e.publish(ctx, pending)
	return granted, nil
}

// GetHistory returns the client's audit log, oldest first
func (e *Engine) GetHistory(ctx context.Context, clientID string) (entries []model.HistoryEntry, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.GetHistory", trace.WithAttributes(attribute.String("client.id", clientID)))
	defer span.End()
	defer recordSpanError(span, &err)

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.History(clientID)
		return err
	})
	return entries, err
}

// GetProfile returns the client's profile with its open discounts in
// AvailableDiscounts, plus every discount ever issued.
func (e *Engine) GetProfile(ctx context.Context, clientID string) (profile *model.LoyaltyProfile, all []model.Discount, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.GetProfile", trace.WithAttributes(attribute.String("client.id", clientID)))
	defer span.End()
	defer recordSpanError(span, &err)

	err = e.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		profile, err = tx.GetProfile(clientID)
		if err != nil {
			return err
		}
		all, err = tx.Discounts(clientID)
		if err != nil {
			return err
		}
		profile.AvailableDiscounts = nil
		for _, d := range all {
			if !d.Status.IsTerminal() {
				profile.AvailableDiscounts = append(profile.AvailableDiscounts, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return profile, all, nil
}
