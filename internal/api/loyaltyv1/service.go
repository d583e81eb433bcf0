package loyaltyv1

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// ServiceName is the fully-qualified name of the LoyaltyService service.
const ServiceName = "loyalty.v1.LoyaltyService"

// These constants are the fully-qualified names of the RPCs defined in this
// package. They are the final two segments of each HTTP route.
const (
	LoyaltyServiceReconcileClientProcedure           = "/loyalty.v1.LoyaltyService/ReconcileClient"
	LoyaltyServiceRunFullSyncProcedure               = "/loyalty.v1.LoyaltyService/RunFullSync"
	LoyaltyServiceRequestDiscountForPaymentProcedure = "/loyalty.v1.LoyaltyService/RequestDiscountForPayment"
	LoyaltyServiceRedeemDiscountProcedure            = "/loyalty.v1.LoyaltyService/RedeemDiscount"
	LoyaltyServicePostponeDiscountProcedure          = "/loyalty.v1.LoyaltyService/PostponeDiscount"
	LoyaltyServiceExpireSweepProcedure               = "/loyalty.v1.LoyaltyService/ExpireSweep"
	LoyaltyServiceReactivatePostponedProcedure       = "/loyalty.v1.LoyaltyService/ReactivatePostponed"
	LoyaltyServiceGetHistoryProcedure                = "/loyalty.v1.LoyaltyService/GetHistory"
	LoyaltyServiceGetProfileProcedure                = "/loyalty.v1.LoyaltyService/GetProfile"
	LoyaltyServiceGrantDiscountProcedure             = "/loyalty.v1.LoyaltyService/GrantDiscount"
)

// LoyaltyServiceHandler is implemented by the loyalty server
type LoyaltyServiceHandler interface {
	ReconcileClient(context.Context, *connect.Request[ReconcileClientRequest]) (*connect.Response[ReconcileClientResponse], error)
	RunFullSync(context.Context, *connect.Request[RunFullSyncRequest]) (*connect.Response[RunFullSyncResponse], error)
	RequestDiscountForPayment(context.Context, *connect.Request[RequestDiscountForPaymentRequest]) (*connect.Response[RequestDiscountForPaymentResponse], error)
	RedeemDiscount(context.Context, *connect.Request[RedeemDiscountRequest]) (*connect.Response[RedeemDiscountResponse], error)
	PostponeDiscount(context.Context, *connect.Request[PostponeDiscountRequest]) (*connect.Response[PostponeDiscountResponse], error)
	ExpireSweep(context.Context, *connect.Request[ExpireSweepRequest]) (*connect.Response[ExpireSweepResponse], error)
	ReactivatePostponed(context.Context, *connect.Request[ReactivatePostponedRequest]) (*connect.Response[ReactivatePostponedResponse], error)
	GetHistory(context.Context, *connect.Request[GetHistoryRequest]) (*connect.Response[GetHistoryResponse], error)
	GetProfile(context.Context, *connect.Request[GetProfileRequest]) (*connect.Response[GetProfileResponse], error)
	GrantDiscount(context.Context, *connect.Request[GrantDiscountRequest]) (*connect.Response[GrantDiscountResponse], error)
}

// NewLoyaltyServiceHandler builds an HTTP handler serving svc. It returns
// the path to mount the handler on.
func NewLoyaltyServiceHandler(svc LoyaltyServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	handlers := map[string]http.Handler{
		LoyaltyServiceReconcileClientProcedure:           connect.NewUnaryHandler(LoyaltyServiceReconcileClientProcedure, svc.ReconcileClient, opts...),
		LoyaltyServiceRunFullSyncProcedure:               connect.NewUnaryHandler(LoyaltyServiceRunFullSyncProcedure, svc.RunFullSync, opts...),
		LoyaltyServiceRequestDiscountForPaymentProcedure: connect.NewUnaryHandler(LoyaltyServiceRequestDiscountForPaymentProcedure, svc.RequestDiscountForPayment, opts...),
		LoyaltyServiceRedeemDiscountProcedure:            connect.NewUnaryHandler(LoyaltyServiceRedeemDiscountProcedure, svc.RedeemDiscount, opts...),
		LoyaltyServicePostponeDiscountProcedure:          connect.NewUnaryHandler(LoyaltyServicePostponeDiscountProcedure, svc.PostponeDiscount, opts...),
		LoyaltyServiceExpireSweepProcedure:               connect.NewUnaryHandler(LoyaltyServiceExpireSweepProcedure, svc.ExpireSweep, opts...),
		LoyaltyServiceReactivatePostponedProcedure:       connect.NewUnaryHandler(LoyaltyServiceReactivatePostponedProcedure, svc.ReactivatePostponed, opts...),
		LoyaltyServiceGetHistoryProcedure:                connect.NewUnaryHandler(LoyaltyServiceGetHistoryProcedure, svc.GetHistory, opts...),
		LoyaltyServiceGetProfileProcedure:                connect.NewUnaryHandler(LoyaltyServiceGetProfileProcedure, svc.GetProfile, opts...),
		LoyaltyServiceGrantDiscountProcedure:             connect.NewUnaryHandler(LoyaltyServiceGrantDiscountProcedure, svc.GrantDiscount, opts...),
	}

	return "/" + ServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.URL.Path]; ok {
			h.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// LoyaltyServiceClient calls a remote loyalty server
type LoyaltyServiceClient struct {
	reconcileClient           *connect.Client[ReconcileClientRequest, ReconcileClientResponse]
	runFullSync               *connect.Client[RunFullSyncRequest, RunFullSyncResponse]
	requestDiscountForPayment *connect.Client[RequestDiscountForPaymentRequest, RequestDiscountForPaymentResponse]
	redeemDiscount            *connect.Client[RedeemDiscountRequest, RedeemDiscountResponse]
	postponeDiscount          *connect.Client[PostponeDiscountRequest, PostponeDiscountResponse]
	expireSweep               *connect.Client[ExpireSweepRequest, ExpireSweepResponse]
	reactivatePostponed       *connect.Client[ReactivatePostponedRequest, ReactivatePostponedResponse]
	getHistory                *connect.Client[GetHistoryRequest, GetHistoryResponse]
	getProfile                *connect.Client[GetProfileRequest, GetProfileResponse]
	grantDiscount             *connect.Client[GrantDiscountRequest, GrantDiscountResponse]
}

// NewLoyaltyServiceClient creates a client for the server at baseURL
// (e.g. http://localhost:8080).
func NewLoyaltyServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *LoyaltyServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(JSONCodec{})}, opts...)
	return &LoyaltyServiceClient{
		reconcileClient:           connect.NewClient[ReconcileClientRequest, ReconcileClientResponse](httpClient, baseURL+LoyaltyServiceReconcileClientProcedure, opts...),
		runFullSync:               connect.NewClient[RunFullSyncRequest, RunFullSyncResponse](httpClient, baseURL+LoyaltyServiceRunFullSyncProcedure, opts...),
		requestDiscountForPayment: connect.NewClient[RequestDiscountForPaymentRequest, RequestDiscountForPaymentResponse](httpClient, baseURL+LoyaltyServiceRequestDiscountForPaymentProcedure, opts...),
		redeemDiscount:            connect.NewClient[RedeemDiscountRequest, RedeemDiscountResponse](httpClient, baseURL+LoyaltyServiceRedeemDiscountProcedure, opts...),
		postponeDiscount:          connect.NewClient[PostponeDiscountRequest, PostponeDiscountResponse](httpClient, baseURL+LoyaltyServicePostponeDiscountProcedure, opts...),
		expireSweep:               connect.NewClient[ExpireSweepRequest, ExpireSweepResponse](httpClient, baseURL+LoyaltyServiceExpireSweepProcedure, opts...),
		reactivatePostponed:       connect.NewClient[ReactivatePostponedRequest, ReactivatePostponedResponse](httpClient, baseURL+LoyaltyServiceReactivatePostponedProcedure, opts...),
		getHistory:                connect.NewClient[GetHistoryRequest, GetHistoryResponse](httpClient, baseURL+LoyaltyServiceGetHistoryProcedure, opts...),
		getProfile:                connect.NewClient[GetProfileRequest, GetProfileResponse](httpClient, baseURL+LoyaltyServiceGetProfileProcedure, opts...),
		grantDiscount:             connect.NewClient[GrantDiscountRequest, GrantDiscountResponse](httpClient, baseURL+LoyaltyServiceGrantDiscountProcedure, opts...),
	}
}

func (c *LoyaltyServiceClient) ReconcileClient(ctx context.Context, req *connect.Request[ReconcileClientRequest]) (*connect.Response[ReconcileClientResponse], error) {
	return c.reconcileClient.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) RunFullSync(ctx context.Context, req *connect.Request[RunFullSyncRequest]) (*connect.Response[RunFullSyncResponse], error) {
	return c.runFullSync.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) RequestDiscountForPayment(ctx context.Context, req *connect.Request[RequestDiscountForPaymentRequest]) (*connect.Response[RequestDiscountForPaymentResponse], error) {
	return c.requestDiscountForPayment.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) RedeemDiscount(ctx context.Context, req *connect.Request[RedeemDiscountRequest]) (*connect.Response[RedeemDiscountResponse], error) {
	return c.redeemDiscount.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) PostponeDiscount(ctx context.Context, req *connect.Request[PostponeDiscountRequest]) (*connect.Response[PostponeDiscountResponse], error) {
	return c.postponeDiscount.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) ExpireSweep(ctx context.Context, req *connect.Request[ExpireSweepRequest]) (*connect.Response[ExpireSweepResponse], error) {
	return c.expireSweep.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) ReactivatePostponed(ctx context.Context, req *connect.Request[ReactivatePostponedRequest]) (*connect.Response[ReactivatePostponedResponse], error) {
	return c.reactivatePostponed.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) GetHistory(ctx context.Context, req *connect.Request[GetHistoryRequest]) (*connect.Response[GetHistoryResponse], error) {
	return c.getHistory.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) GetProfile(ctx context.Context, req *connect.Request[GetProfileRequest]) (*connect.Response[GetProfileResponse], error) {
	return c.getProfile.CallUnary(ctx, req)
}

func (c *LoyaltyServiceClient) GrantDiscount(ctx context.Context, req *connect.Request[GrantDiscountRequest]) (*connect.Response[GrantDiscountResponse], error) {
	return c.grantDiscount.CallUnary(ctx, req)
}
