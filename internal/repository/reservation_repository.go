package repository

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// ReservationRepository reads the booking subsystem's reservations. The
// loyalty engine never writes to them.
type ReservationRepository struct{}

// NewReservationRepository creates a new reservation repository
func NewReservationRepository() *ReservationRepository {
	return &ReservationRepository{}
}

// ListCompletedByUser returns a client's completed reservations, newest first
func (r *ReservationRepository) ListCompletedByUser(ctx context.Context, db DBExecutor, userID string) ([]model.Reservation, error) {
	query := `
		SELECT id, user_id, status, services::text AS services, packages::text AS packages, payment_amount, date
		FROM reservations
		WHERE user_id = $1 AND status = 'completed'
		ORDER BY date DESC
	`

	var reservations []model.Reservation
	if err := db.SelectContext(ctx, &reservations, query, userID); err != nil {
		return nil, errors.Wrap(err, "failed to list completed reservations")
	}
	return reservations, nil
}

// ListClientIDsWithCompleted returns clients (role 'client') owning at least
// one completed reservation
func (r *ReservationRepository) ListClientIDsWithCompleted(ctx context.Context, db DBExecutor) ([]string, error) {
	query := `
		SELECT DISTINCT r.user_id
		FROM reservations r
		JOIN users u ON u.id = r.user_id
		WHERE u.role = 'client' AND r.status = 'completed'
		ORDER BY r.user_id
	`

	var ids []string
	if err := db.SelectContext(ctx, &ids, query); err != nil {
		return nil, errors.Wrap(err, "failed to list clients")
	}
	return ids, nil
}
