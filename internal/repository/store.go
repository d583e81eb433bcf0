package repository

import (
	"context"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// Store is the transactional record store the engine runs against.
type Store interface {
	// InTx runs fn in a single transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	// ClientIDs lists clients with completed reservations or a profile
	ClientIDs(ctx context.Context) ([]string, error)
	// SweepCandidates lists spendable discounts whose expiry lies before now
	SweepCandidates(ctx context.Context, now time.Time) ([]model.Discount, error)
	// ReactivationCandidates lists unexpired postponed discounts whose
	// target date has been reached
	ReactivationCandidates(ctx context.Context, now time.Time) ([]model.Discount, error)
	// Ping checks the store is reachable
	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside a store transaction
type Tx interface {
	CompletedReservations(clientID string) ([]model.Reservation, error)

	// GetProfile reads the client's profile without locking it
	GetProfile(clientID string) (*model.LoyaltyProfile, error)
	// LockProfile loads and locks the client's profile for the rest of the
	// transaction. Returns loyalty.ErrProfileNotFound when absent.
	LockProfile(clientID string) (*model.LoyaltyProfile, error)
	// CreateProfile inserts a profile. A concurrent insert for the same
	// client yields loyalty.ErrConcurrentModification.
	CreateProfile(p *model.LoyaltyProfile) error
	// UpdateProfile writes counters if p.Version still matches, then bumps
	// p.Version. Returns loyalty.ErrConcurrentModification otherwise.
	UpdateProfile(p *model.LoyaltyProfile) error

	Discounts(clientID string) ([]model.Discount, error)
	GetDiscount(id string) (*model.Discount, error)
	InsertDiscount(d *model.Discount) error
	// UpdateDiscount persists d only if the stored status still equals from.
	// Returns loyalty.ErrInvalidState when another writer got there first.
	UpdateDiscount(d *model.Discount, from model.DiscountStatus) error
	// PendingReferrals lists referral discounts awaiting the given client's
	// first completed visit
	PendingReferrals(referredClientID string) ([]model.Discount, error)

	AppendHistory(e *model.HistoryEntry) error
	History(clientID string) ([]model.HistoryEntry, error)
	HasHistory(clientID string, action model.HistoryAction, reservationID string) (bool, error)
}

// PostgresStore implements Store on top of PostgreSQL
type PostgresStore struct {
	db           *sqlx.DB
	profiles     *ProfileRepository
	discounts    *DiscountRepository
	history      *HistoryRepository
	reservations *ReservationRepository
}

// NewPostgresStore creates a store backed by the given connection pool
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:           db,
		profiles:     NewProfileRepository(),
		discounts:    NewDiscountRepository(),
		history:      NewHistoryRepository(),
		reservations: NewReservationRepository(),
	}
}

// InTx runs fn inside a database transaction
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&pgTx{ctx: ctx, tx: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ClientIDs merges clients with completed reservations and clients with a profile
func (s *PostgresStore) ClientIDs(ctx context.Context) ([]string, error) {
	withReservations, err := s.reservations.ListClientIDsWithCompleted(ctx, s.db)
	if err != nil {
		return nil, err
	}
	withProfile, err := s.profiles.ListUserIDs(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return mergeIDs(withReservations, withProfile), nil
}

// SweepCandidates lists discounts due for expiry
func (s *PostgresStore) SweepCandidates(ctx context.Context, now time.Time) ([]model.Discount, error) {
	return s.discounts.ListSweepCandidates(ctx, s.db, now)
}

// ReactivationCandidates lists postponed discounts due for reactivation
func (s *PostgresStore) ReactivationCandidates(ctx context.Context, now time.Time) ([]model.Discount, error) {
	return s.discounts.ListReactivationCandidates(ctx, s.db, now)
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgTx struct {
	ctx   context.Context
	tx    *sqlx.Tx
	store *PostgresStore
}

func (t *pgTx) CompletedReservations(clientID string) ([]model.Reservation, error) {
	return t.store.reservations.ListCompletedByUser(t.ctx, t.tx, clientID)
}

func (t *pgTx) GetProfile(clientID string) (*model.LoyaltyProfile, error) {
	return t.store.profiles.Get(t.ctx, t.tx, clientID)
}

func (t *pgTx) LockProfile(clientID string) (*model.LoyaltyProfile, error) {
	return t.store.profiles.GetForUpdate(t.ctx, t.tx, clientID)
}

func (t *pgTx) CreateProfile(p *model.LoyaltyProfile) error {
	return t.store.profiles.Create(t.ctx, t.tx, p)
}

func (t *pgTx) UpdateProfile(p *model.LoyaltyProfile) error {
	return t.store.profiles.Update(t.ctx, t.tx, p)
}

func (t *pgTx) Discounts(clientID string) ([]model.Discount, error) {
	return t.store.discounts.ListByUser(t.ctx, t.tx, clientID)
}

func (t *pgTx) GetDiscount(id string) (*model.Discount, error) {
	return t.store.discounts.Get(t.ctx, t.tx, id)
}

func (t *pgTx) InsertDiscount(d *model.Discount) error {
	return t.store.discounts.Insert(t.ctx, t.tx, d)
}

func (t *pgTx) UpdateDiscount(d *model.Discount, from model.DiscountStatus) error {
	return t.store.discounts.UpdateFromStatus(t.ctx, t.tx, d, from)
}

func (t *pgTx) PendingReferrals(referredClientID string) ([]model.Discount, error) {
	return t.store.discounts.ListPendingReferrals(t.ctx, t.tx, referredClientID)
}

func (t *pgTx) AppendHistory(e *model.HistoryEntry) error {
	return t.store.history.Append(t.ctx, t.tx, e)
}

func (t *pgTx) History(clientID string) ([]model.HistoryEntry, error) {
	return t.store.history.ListByUser(t.ctx, t.tx, clientID)
}

func (t *pgTx) HasHistory(clientID string, action model.HistoryAction, reservationID string) (bool, error) {
	return t.store.history.Exists(t.ctx, t.tx, clientID, action, reservationID)
}

// mergeIDs returns the sorted union of two ID lists
func mergeIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
