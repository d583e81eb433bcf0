package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"

	loyaltyv1 "github.com/kkkkikiki/loyalty/internal/api/loyaltyv1"
	"github.com/kkkkikiki/loyalty/internal/loyalty"
	"github.com/kkkkikiki/loyalty/internal/model"
)

// LoyaltyServer exposes the engine as loyalty.v1.LoyaltyService
type LoyaltyServer struct {
	engine *Engine
}

var _ loyaltyv1.LoyaltyServiceHandler = (*LoyaltyServer)(nil)

// NewLoyaltyServer creates a new LoyaltyServer instance
func NewLoyaltyServer(engine *Engine) *LoyaltyServer {
	return &LoyaltyServer{engine: engine}
}

// ReconcileClient runs the reconciliation for one client, typically right
// after one of their reservations was completed.
func (s *LoyaltyServer) ReconcileClient(
	ctx context.Context,
	req *connect.Request[loyaltyv1.ReconcileClientRequest],
) (*connect.Response[loyaltyv1.ReconcileClientResponse], error) {
	result, err := s.engine.Reconcile(ctx, req.Msg.ClientID)
	if err != nil {
		return nil, toConnectError("failed to reconcile client", err)
	}

	res := &loyaltyv1.ReconcileClientResponse{
		Created:   result.Created,
		Corrected: result.Corrected,
		Previous:  toProtoCounters(result.Previous),
		Current:   toProtoCounters(result.Current),
		Issued:    toProtoDiscounts(result.Issued),
		Activated: toProtoDiscounts(result.Activated),
		Flagged:   result.Flagged,
	}
	return connect.NewResponse(res), nil
}

// RunFullSync reconciles every known client
func (s *LoyaltyServer) RunFullSync(
	ctx context.Context,
	req *connect.Request[loyaltyv1.RunFullSyncRequest],
) (*connect.Response[loyaltyv1.RunFullSyncResponse], error) {
	summary, err := s.engine.RunFullSync(ctx)
	if err != nil {
		return nil, toConnectError("full sync failed", err)
	}

	res := &loyaltyv1.RunFullSyncResponse{
		Processed:  summary.Processed,
		Created:    summary.Created,
		Corrected:  summary.Corrected,
		Unchanged:  summary.Unchanged,
		Issued:     summary.Issued,
		Flagged:    summary.Flagged,
		DurationMs: summary.Duration.Milliseconds(),
	}
	for _, f := range summary.Failures {
		res.Failures = append(res.Failures, loyaltyv1.SyncFailure{ClientID: f.ClientID, Error: f.Err.Error()})
	}
	return connect.NewResponse(res), nil
}

// RequestDiscountForPayment returns the discount a payment should apply
func (s *LoyaltyServer) RequestDiscountForPayment(
	ctx context.Context,
	req *connect.Request[loyaltyv1.RequestDiscountForPaymentRequest],
) (*connect.Response[loyaltyv1.RequestDiscountForPaymentResponse], error) {
	if req.Msg.ClientID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("client id is required"))
	}

	best, err := s.engine.RequestDiscountForPayment(ctx, req.Msg.ClientID, req.Msg.ReservationID)
	if err != nil {
		return nil, toConnectError("failed to select discount", err)
	}

	res := &loyaltyv1.RequestDiscountForPaymentResponse{}
	if best != nil {
		d := toProtoDiscount(best)
		res.Discount = &d
	}
	return connect.NewResponse(res), nil
}

// RedeemDiscount spends a discount on a reservation
func (s *LoyaltyServer) RedeemDiscount(
	ctx context.Context,
	req *connect.Request[loyaltyv1.RedeemDiscountRequest],
) (*connect.Response[loyaltyv1.RedeemDiscountResponse], error) {
	if req.Msg.DiscountID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("discount id is required"))
	}

	d, err := s.engine.Redeem(ctx, req.Msg.DiscountID, req.Msg.ReservationID)
	if err != nil {
		return nil, toConnectError("failed to redeem discount", err)
	}
	return connect.NewResponse(&loyaltyv1.RedeemDiscountResponse{Discount: toProtoDiscount(d)}), nil
}

// PostponeDiscount defers a discount to a later date
func (s *LoyaltyServer) PostponeDiscount(
	ctx context.Context,
	req *connect.Request[loyaltyv1.PostponeDiscountRequest],
) (*connect.Response[loyaltyv1.PostponeDiscountResponse], error) {
	if req.Msg.DiscountID == "" || req.Msg.NewDate.IsZero() {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("discount id and new date are required"))
	}

	d, err := s.engine.Postpone(ctx, req.Msg.DiscountID, req.Msg.NewDate, req.Msg.Reason)
	if err != nil {
		return nil, toConnectError("failed to postpone discount", err)
	}
	return connect.NewResponse(&loyaltyv1.PostponeDiscountResponse{Discount: toProtoDiscount(d)}), nil
}

// ExpireSweep expires overdue discounts
func (s *LoyaltyServer) ExpireSweep(
	ctx context.Context,
	req *connect.Request[loyaltyv1.ExpireSweepRequest],
) (*connect.Response[loyaltyv1.ExpireSweepResponse], error) {
	var now time.Time
	if req.Msg.Now != nil {
		now = *req.Msg.Now
	}

	result, err := s.engine.ExpireSweep(ctx, now)
	if err != nil && (result == nil || ctx.Err() != nil) {
		return nil, toConnectError("expiry sweep failed", err)
	}
	// per-discount faults are reported through the Failed count
	return connect.NewResponse(&loyaltyv1.ExpireSweepResponse{
		Expired: result.Expired,
		Skipped: result.Skipped,
		Failed:  result.Failed,
	}), nil
}

// ReactivatePostponed makes postponed discounts whose date has come
// available again
func (s *LoyaltyServer) ReactivatePostponed(
	ctx context.Context,
	req *connect.Request[loyaltyv1.ReactivatePostponedRequest],
) (*connect.Response[loyaltyv1.ReactivatePostponedResponse], error) {
	var now time.Time
	if req.Msg.Now != nil {
		now = *req.Msg.Now
	}

	result, err := s.engine.ReactivatePostponed(ctx, now)
	if err != nil && (result == nil || ctx.Err() != nil) {
		return nil, toConnectError("reactivation failed", err)
	}
	return connect.NewResponse(&loyaltyv1.ReactivatePostponedResponse{
		Reactivated: result.Reactivated,
		Skipped:     result.Skipped,
		Failed:      result.Failed,
	}), nil
}

// GetHistory returns the client's audit log
func (s *LoyaltyServer) GetHistory(
	ctx context.Context,
	req *connect.Request[loyaltyv1.GetHistoryRequest],
) (*connect.Response[loyaltyv1.GetHistoryResponse], error) {
	entries, err := s.engine.GetHistory(ctx, req.Msg.ClientID)
	if err != nil {
		return nil, toConnectError("failed to get history", err)
	}

	res := &loyaltyv1.GetHistoryResponse{Entries: make([]loyaltyv1.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		res.Entries = append(res.Entries, loyaltyv1.HistoryEntry{
			ID:            e.ID,
			ClientID:      e.UserID,
			Action:        string(e.Action),
			Points:        e.Points,
			Description:   e.Description,
			ReservationID: e.ReservationID.String,
			DiscountID:    e.DiscountID.String,
			CreatedAt:     e.CreatedAt,
		})
	}
	return connect.NewResponse(res), nil
}

// GetProfile returns the client's counters and discounts
func (s *LoyaltyServer) GetProfile(
	ctx context.Context,
	req *connect.Request[loyaltyv1.GetProfileRequest],
) (*connect.Response[loyaltyv1.GetProfileResponse], error) {
	p, all, err := s.engine.GetProfile(ctx, req.Msg.ClientID)
	if err != nil {
		return nil, toConnectError("failed to get profile", err)
	}

	profile := loyaltyv1.Profile{
		ClientID:           p.UserID,
		IndividualServices: p.IndividualServicesCount,
		Packages:           p.PackagesCount,
		TotalSpent:         p.TotalSpent,
		LoyaltyPoints:      p.LoyaltyPoints(),
		LastVisit:          nullTime(p.LastVisit),
		Version:            p.Version,
		AvailableDiscounts: toProtoDiscounts(p.AvailableDiscounts),
		Discounts:          toProtoDiscounts(all),
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	return connect.NewResponse(&loyaltyv1.GetProfileResponse{Profile: profile}), nil
}

// GrantDiscount issues a birthday or referral discount
func (s *LoyaltyServer) GrantDiscount(
	ctx context.Context,
	req *connect.Request[loyaltyv1.GrantDiscountRequest],
) (*connect.Response[loyaltyv1.GrantDiscountResponse], error) {
	if req.Msg.ClientID == "" || req.Msg.Type == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("client id and type are required"))
	}

	d, err := s.engine.GrantDiscount(ctx, GrantRequest{
		ClientID:         req.Msg.ClientID,
		Type:             model.DiscountType(req.Msg.Type),
		Reason:           req.Msg.Reason,
		ReferredClientID: req.Msg.ReferredClientID,
	})
	if err != nil {
		return nil, toConnectError("failed to grant discount", err)
	}
	return connect.NewResponse(&loyaltyv1.GrantDiscountResponse{Discount: toProtoDiscount(d)}), nil
}

// errDiscountUnavailable is what callers see for used, expired or otherwise
// unspendable discounts
var errDiscountUnavailable = errors.New("this discount is no longer available")

func toConnectError(op string, err error) error {
	switch {
	case errors.Is(err, loyalty.ErrProfileNotFound), errors.Is(err, loyalty.ErrDiscountNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, loyalty.ErrInvalidState), errors.Is(err, loyalty.ErrExpired):
		return connect.NewError(connect.CodeFailedPrecondition, errDiscountUnavailable)
	case errors.Is(err, loyalty.ErrConcurrentModification):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, loyalty.ErrInvalidArgument):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, fmt.Errorf("%s: %w", op, err))
}

func toProtoCounters(c loyalty.Counters) loyaltyv1.Counters {
	return loyaltyv1.Counters{
		IndividualServices: c.IndividualCount,
		Packages:           c.PackageCount,
		TotalSpent:         c.TotalSpent,
		LastVisit:          c.LastVisit,
	}
}

func toProtoDiscount(d *model.Discount) loyaltyv1.Discount {
	return loyaltyv1.Discount{
		ID:                 d.ID,
		ClientID:           d.UserID,
		Type:               string(d.Type),
		Amount:             d.Amount,
		Status:             string(d.Status),
		Reason:             d.OriginalReason,
		CreatedAt:          d.CreatedAt,
		ExpiresAt:          nullTime(d.ExpiresAt),
		UsedAt:             nullTime(d.UsedAt),
		UsedForReservation: d.UsedForReservation.String,
		PostponedTo:        nullTime(d.PostponedTo),
		PostponedReason:    d.PostponedReason.String,
		ReferredClientID:   d.ReferredClientID.String,
	}
}

func toProtoDiscounts(ds []model.Discount) []loyaltyv1.Discount {
	out := make([]loyaltyv1.Discount, 0, len(ds))
	for i := range ds {
		out = append(out, toProtoDiscount(&ds[i]))
	}
	return out
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
