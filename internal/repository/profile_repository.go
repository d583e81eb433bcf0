package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/model"
)

// DBExecutor interface for database operations (can be *sqlx.DB or *sqlx.Tx)
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// ProfileRepository handles loyalty profile data operations
type ProfileRepository struct{}

// NewProfileRepository creates a new profile repository
func NewProfileRepository() *ProfileRepository {
	return &ProfileRepository{}
}

const profileColumns = `user_id, individual_services_count, packages_count, total_spent, last_visit, version, created_at, updated_at`

// Get loads a profile without locking it
func (r *ProfileRepository) Get(ctx context.Context, db DBExecutor, userID string) (*model.LoyaltyProfile, error) {
	query := `SELECT ` + profileColumns + `
		FROM loyalty_profiles
		WHERE user_id = $1`

	var profile model.LoyaltyProfile
	if err := db.GetContext(ctx, &profile, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loyalty.ErrProfileNotFound
		}
		return nil, errors.Wrap(err, "failed to get loyalty profile")
	}
	return &profile, nil
}

// GetForUpdate loads a profile and locks its row until the transaction ends
func (r *ProfileRepository) GetForUpdate(ctx context.Context, db DBExecutor, userID string) (*model.LoyaltyProfile, error) {
	query := `SELECT ` + profileColumns + `
		FROM loyalty_profiles
		WHERE user_id = $1
		FOR UPDATE`

	var profile model.LoyaltyProfile
	if err := db.GetContext(ctx, &profile, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, loyalty.ErrProfileNotFound
		}
		return nil, errors.Wrap(err, "failed to get loyalty profile")
	}
	return &profile, nil
}

// Create inserts a new profile. Losing a creation race is reported as a
// concurrent modification so the caller retries against the winner's row.
func (r *ProfileRepository) Create(ctx context.Context, db DBExecutor, p *model.LoyaltyProfile) error {
	query := `
		INSERT INTO loyalty_profiles (` + profileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING
	`

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	if p.Version == 0 {
		p.Version = 1
	}

	result, err := db.ExecContext(ctx, query,
		p.UserID, p.IndividualServicesCount, p.PackagesCount, p.TotalSpent, p.LastVisit,
		p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, "failed to create loyalty profile")
	}
	return requireOneRow(result, loyalty.ErrConcurrentModification)
}

// Update writes the derived fields guarded by the profile version
func (r *ProfileRepository) Update(ctx context.Context, db DBExecutor, p *model.LoyaltyProfile) error {
	query := `
		UPDATE loyalty_profiles
		SET individual_services_count = $1, packages_count = $2, total_spent = $3,
			last_visit = $4, version = version + 1, updated_at = $5
		WHERE user_id = $6 AND version = $7
	`

	updatedAt := time.Now()
	result, err := db.ExecContext(ctx, query,
		p.IndividualServicesCount, p.PackagesCount, p.TotalSpent, p.LastVisit,
		updatedAt, p.UserID, p.Version)
	if err != nil {
		return errors.Wrap(err, "failed to update loyalty profile")
	}
	if err := requireOneRow(result, loyalty.ErrConcurrentModification); err != nil {
		return err
	}

	p.Version++
	p.UpdatedAt = updatedAt
	return nil
}

// ListUserIDs returns every client owning a profile
func (r *ProfileRepository) ListUserIDs(ctx context.Context, db DBExecutor) ([]string, error) {
	var ids []string
	if err := db.SelectContext(ctx, &ids, `SELECT user_id FROM loyalty_profiles ORDER BY user_id`); err != nil {
		return nil, errors.Wrap(err, "failed to list loyalty profiles")
	}
	return ids, nil
}

// requireOneRow maps "no row affected" to the given business error
func requireOneRow(result sql.Result, noRows error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return noRows
	}
	return nil
}
