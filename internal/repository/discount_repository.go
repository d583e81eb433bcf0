package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/model"
)

// DiscountRepository handles discount data operations
type DiscountRepository struct{}

// NewDiscountRepository creates a new discount repository
func NewDiscountRepository() *DiscountRepository {
	return &DiscountRepository{}
}

const uniqueViolation = "23505"

const discountColumns = `id, user_id, type, amount, status, original_reason, created_at,
	used_at, expires_at, postponed_to, postponed_reason, used_for_reservation, referred_client_id`

// ListByUser returns a client's discounts, oldest first
func (r *DiscountRepository) ListByUser(ctx context.Context, db DBExecutor, userID string) ([]model.Discount, error) {
	query := `SELECT ` + discountColumns + `
		FROM discounts
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC`

	var discounts []model.Discount
	if err := db.SelectContext(ctx, &discounts, query, userID); err != nil {
		return nil, errors.Wrap(err, "failed to list discounts")
	}
	return discounts, nil
}

// Get retrieves a discount by ID
func (r *DiscountRepository) Get(ctx context.Context, db DBExecutor, id string) (*model.Discount, error) {
	query := `SELECT ` + discountColumns + `
		FROM discounts
		WHERE id = $1`

	var d model.Discount
	if err := db.GetContext(ctx, &d, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loyalty.ErrDiscountNotFound
		}
		return nil, errors.Wrap(err, "failed to get discount")
	}
	return &d, nil
}

// Insert stores a newly issued discount
func (r *DiscountRepository) Insert(ctx context.Context, db DBExecutor, d *model.Discount) error {
	query := `
		INSERT INTO discounts (` + discountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := db.ExecContext(ctx, query,
		d.ID, d.UserID, d.Type, d.Amount, d.Status, d.OriginalReason, d.CreatedAt,
		d.UsedAt, d.ExpiresAt, d.PostponedTo, d.PostponedReason, d.UsedForReservation, d.ReferredClientID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.Wrapf(loyalty.ErrInvalidState, "discount %s conflicts with an existing one", d.ID)
		}
		return errors.Wrap(err, "failed to insert discount")
	}
	return nil
}

// UpdateFromStatus persists the mutable fields of d only while the stored
// status still equals from. Concurrent writers racing on the same discount
// serialize on the row lock and all but one see zero affected rows.
func (r *DiscountRepository) UpdateFromStatus(ctx context.Context, db DBExecutor, d *model.Discount, from model.DiscountStatus) error {
	query := `
		UPDATE discounts
		SET status = $1, used_at = $2, expires_at = $3, postponed_to = $4,
			postponed_reason = $5, used_for_reservation = $6
		WHERE id = $7 AND status = $8
	`

	result, err := db.ExecContext(ctx, query,
		d.Status, d.UsedAt, d.ExpiresAt, d.PostponedTo, d.PostponedReason, d.UsedForReservation,
		d.ID, from)
	if err != nil {
		return errors.Wrap(err, "failed to update discount")
	}
	return requireOneRow(result, loyalty.ErrInvalidState)
}

// ListSweepCandidates finds spendable discounts whose expiry lies before
// now. Postponed discounts qualify only once their target date is reached.
func (r *DiscountRepository) ListSweepCandidates(ctx context.Context, db DBExecutor, now time.Time) ([]model.Discount, error) {
	query := `SELECT ` + discountColumns + `
		FROM discounts
		WHERE expires_at < $1
		  AND (status = 'available' OR (status = 'postponed' AND postponed_to <= $1))
		ORDER BY created_at ASC, id ASC`

	var discounts []model.Discount
	if err := db.SelectContext(ctx, &discounts, query, now); err != nil {
		return nil, errors.Wrap(err, "failed to list sweep candidates")
	}
	return discounts, nil
}

// ListReactivationCandidates finds postponed discounts whose target date has
// been reached and which have not expired yet
func (r *DiscountRepository) ListReactivationCandidates(ctx context.Context, db DBExecutor, now time.Time) ([]model.Discount, error) {
	query := `SELECT ` + discountColumns + `
		FROM discounts
		WHERE status = 'postponed' AND postponed_to <= $1
		  AND (expires_at IS NULL OR expires_at >= $1)
		ORDER BY created_at ASC, id ASC`

	var discounts []model.Discount
	if err := db.SelectContext(ctx, &discounts, query, now); err != nil {
		return nil, errors.Wrap(err, "failed to list reactivation candidates")
	}
	return discounts, nil
}

// ListPendingReferrals returns referral discounts held until the given
// client completes a first visit
func (r *DiscountRepository) ListPendingReferrals(ctx context.Context, db DBExecutor, referredClientID string) ([]model.Discount, error) {
	query := `SELECT ` + discountColumns + `
		FROM discounts
		WHERE referred_client_id = $1 AND status = 'postponed' AND postponed_to IS NULL
		ORDER BY created_at ASC, id ASC`

	var discounts []model.Discount
	if err := db.SelectContext(ctx, &discounts, query, referredClientID); err != nil {
		return nil, errors.Wrap(err, "failed to list pending referrals")
	}
	return discounts, nil
}
