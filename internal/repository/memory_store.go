package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/model"
)

// MemoryStore is an in-process Store. Transactions are serialized by a
// single mutex and rolled back by restoring a snapshot, which gives the same
// visible semantics as the Postgres store for a single node.
type MemoryStore struct {
	mu           sync.Mutex
	state        memoryState
	historySeq   int64
	historyFault map[model.HistoryAction]error
}

type memoryState struct {
	roles        map[string]string
	reservations map[string][]model.Reservation
	profiles     map[string]model.LoyaltyProfile
	discounts    map[string]model.Discount
	history      []model.HistoryEntry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			roles:        make(map[string]string),
			reservations: make(map[string][]model.Reservation),
			profiles:     make(map[string]model.LoyaltyProfile),
			discounts:    make(map[string]model.Discount),
		},
		historyFault: make(map[model.HistoryAction]error),
	}
}

// AddUser registers a user with a role
func (s *MemoryStore) AddUser(id, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.roles[id] = role
}

// AddReservation records a reservation as the booking subsystem would
func (s *MemoryStore) AddReservation(r model.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.roles[r.UserID]; !ok {
		s.state.roles[r.UserID] = "client"
	}
	s.state.reservations[r.UserID] = append(s.state.reservations[r.UserID], r)
}

// PutProfile overwrites a stored profile, bypassing the audit log
func (s *MemoryStore) PutProfile(p model.LoyaltyProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	p.AvailableDiscounts = nil
	s.state.profiles[p.UserID] = p
}

// PutDiscount overwrites a stored discount, bypassing the audit log
func (s *MemoryStore) PutDiscount(d model.Discount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.discounts[d.ID] = d
}

// FailHistory makes appends of the given action fail with err until cleared
// with a nil err.
func (s *MemoryStore) FailHistory(action model.HistoryAction, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.historyFault, action)
		return
	}
	s.historyFault[action] = err
}

// InTx runs fn while holding the store lock; on error the state is restored
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	seq := s.historySeq
	if err := fn(&memoryTx{store: s}); err != nil {
		s.state = snapshot
		s.historySeq = seq
		return err
	}
	return nil
}

// ClientIDs lists clients with completed reservations or a profile
func (s *MemoryStore) ClientIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var withReservations []string
	for userID, reservations := range s.state.reservations {
		if s.state.roles[userID] != "client" {
			continue
		}
		for _, r := range reservations {
			if r.IsCompleted() {
				withReservations = append(withReservations, userID)
				break
			}
		}
	}
	var withProfile []string
	for userID := range s.state.profiles {
		withProfile = append(withProfile, userID)
	}
	return mergeIDs(withReservations, withProfile), nil
}

// SweepCandidates lists discounts due for expiry
func (s *MemoryStore) SweepCandidates(ctx context.Context, now time.Time) ([]model.Discount, error) {
	return s.selectDiscounts(func(d *model.Discount) bool {
		if !d.ExpiredAt(now) {
			return false
		}
		return d.Status == model.StatusAvailable || (d.Status == model.StatusPostponed && !d.DeferredAt(now))
	}), nil
}

// ReactivationCandidates lists postponed discounts due for reactivation
func (s *MemoryStore) ReactivationCandidates(ctx context.Context, now time.Time) ([]model.Discount, error) {
	return s.selectDiscounts(func(d *model.Discount) bool {
		return d.Status == model.StatusPostponed && d.PostponedTo.Valid &&
			!d.PostponedTo.Time.After(now) && !d.ExpiredAt(now)
	}), nil
}

func (s *MemoryStore) selectDiscounts(match func(d *model.Discount) bool) []model.Discount {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Discount
	for _, d := range s.state.discounts {
		if match(&d) {
			out = append(out, d)
		}
	}
	sortDiscounts(out)
	return out
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (st memoryState) clone() memoryState {
	c := memoryState{
		roles:        make(map[string]string, len(st.roles)),
		reservations: make(map[string][]model.Reservation, len(st.reservations)),
		profiles:     make(map[string]model.LoyaltyProfile, len(st.profiles)),
		discounts:    make(map[string]model.Discount, len(st.discounts)),
		history:      append([]model.HistoryEntry(nil), st.history...),
	}
	for k, v := range st.roles {
		c.roles[k] = v
	}
	for k, v := range st.reservations {
		c.reservations[k] = append([]model.Reservation(nil), v...)
	}
	for k, v := range st.profiles {
		c.profiles[k] = v
	}
	for k, v := range st.discounts {
		c.discounts[k] = v
	}
	return c
}

func sortDiscounts(ds []model.Discount) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// memoryTx operates on the store state; the store mutex is held by InTx
type memoryTx struct {
	store *MemoryStore
}

func (t *memoryTx) CompletedReservations(clientID string) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, r := range t.store.state.reservations[clientID] {
		if r.IsCompleted() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (t *memoryTx) GetProfile(clientID string) (*model.LoyaltyProfile, error) {
	p, ok := t.store.state.profiles[clientID]
	if !ok {
		return nil, loyalty.ErrProfileNotFound
	}
	return &p, nil
}

// LockProfile is a plain read; InTx already holds the store lock
func (t *memoryTx) LockProfile(clientID string) (*model.LoyaltyProfile, error) {
	return t.GetProfile(clientID)
}

func (t *memoryTx) CreateProfile(p *model.LoyaltyProfile) error {
	if _, ok := t.store.state.profiles[p.UserID]; ok {
		return loyalty.ErrConcurrentModification
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	if p.Version == 0 {
		p.Version = 1
	}
	stored := *p
	stored.AvailableDiscounts = nil
	t.store.state.profiles[p.UserID] = stored
	return nil
}

func (t *memoryTx) UpdateProfile(p *model.LoyaltyProfile) error {
	current, ok := t.store.state.profiles[p.UserID]
	if !ok || current.Version != p.Version {
		return loyalty.ErrConcurrentModification
	}
	p.Version++
	p.UpdatedAt = time.Now()
	stored := *p
	stored.AvailableDiscounts = nil
	stored.CreatedAt = current.CreatedAt
	t.store.state.profiles[p.UserID] = stored
	return nil
}

func (t *memoryTx) Discounts(clientID string) ([]model.Discount, error) {
	var out []model.Discount
	for _, d := range t.store.state.discounts {
		if d.UserID == clientID {
			out = append(out, d)
		}
	}
	sortDiscounts(out)
	return out, nil
}

func (t *memoryTx) GetDiscount(id string) (*model.Discount, error) {
	d, ok := t.store.state.discounts[id]
	if !ok {
		return nil, loyalty.ErrDiscountNotFound
	}
	return &d, nil
}

func (t *memoryTx) InsertDiscount(d *model.Discount) error {
	if _, ok := t.store.state.profiles[d.UserID]; !ok {
		return loyalty.ErrProfileNotFound
	}
	if d.ReferredClientID.Valid {
		for _, other := range t.store.state.discounts {
			if other.UserID == d.UserID && other.ReferredClientID == d.ReferredClientID {
				return loyalty.ErrInvalidState
			}
		}
	}
	t.store.state.discounts[d.ID] = *d
	return nil
}

func (t *memoryTx) UpdateDiscount(d *model.Discount, from model.DiscountStatus) error {
	current, ok := t.store.state.discounts[d.ID]
	if !ok || current.Status != from {
		return loyalty.ErrInvalidState
	}
	t.store.state.discounts[d.ID] = *d
	return nil
}

func (t *memoryTx) PendingReferrals(referredClientID string) ([]model.Discount, error) {
	var out []model.Discount
	for _, d := range t.store.state.discounts {
		if d.AwaitingReferee() && d.ReferredClientID.String == referredClientID {
			out = append(out, d)
		}
	}
	sortDiscounts(out)
	return out, nil
}

func (t *memoryTx) AppendHistory(e *model.HistoryEntry) error {
	if err := t.store.historyFault[e.Action]; err != nil {
		return err
	}
	t.store.historySeq++
	e.ID = t.store.historySeq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	t.store.state.history = append(t.store.state.history, *e)
	return nil
}

func (t *memoryTx) History(clientID string) ([]model.HistoryEntry, error) {
	var out []model.HistoryEntry
	for _, e := range t.store.state.history {
		if e.UserID == clientID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memoryTx) HasHistory(clientID string, action model.HistoryAction, reservationID string) (bool, error) {
	for _, e := range t.store.state.history {
		if e.UserID == clientID && e.Action == action && e.ReservationID.Valid && e.ReservationID.String == reservationID {
			return true, nil
		}
	}
	return false, nil
}
