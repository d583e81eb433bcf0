package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// HistoryRepository appends to and reads the loyalty audit log. There is no
// update or delete path; the table trigger rejects both.
type HistoryRepository struct{}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{}
}

// Append inserts an entry and fills in its ID
func (r *HistoryRepository) Append(ctx context.Context, db DBExecutor, e *model.HistoryEntry) error {
	query := `
		INSERT INTO loyalty_history (user_id, action, points, description, reservation_id, discount_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	err := db.GetContext(ctx, &e.ID, query,
		e.UserID, e.Action, e.Points, e.Description, e.ReservationID, e.DiscountID, e.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to append loyalty history")
	}
	return nil
}

// ListByUser returns a client's history in chronological order
func (r *HistoryRepository) ListByUser(ctx context.Context, db DBExecutor, userID string) ([]model.HistoryEntry, error) {
	query := `
		SELECT id, user_id, action, points, description, reservation_id, discount_id, created_at
		FROM loyalty_history
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`

	var entries []model.HistoryEntry
	if err := db.SelectContext(ctx, &entries, query, userID); err != nil {
		return nil, errors.Wrap(err, "failed to list loyalty history")
	}
	return entries, nil
}

// Exists reports whether an entry with the action was recorded for the reservation
func (r *HistoryRepository) Exists(ctx context.Context, db DBExecutor, userID string, action model.HistoryAction, reservationID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM loyalty_history
			WHERE user_id = $1 AND action = $2 AND reservation_id = $3
		)
	`

	var exists bool
	if err := db.GetContext(ctx, &exists, query, userID, action, reservationID); err != nil {
		return false, errors.Wrap(err, "failed to check loyalty history")
	}
	return exists, nil
}
