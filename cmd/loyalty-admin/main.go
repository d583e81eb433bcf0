package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/time/rate"

	loyaltyv1 "github.com/kkkkikiki/loyalty/internal/api/loyaltyv1"
)

const defaultTimeout = 30 * time.Second

const usage = `usage: loyalty-admin [flags] <command> [args]

commands:
  sync                                   reconcile every client
  reconcile <client>...                  reconcile the given clients
  sweep                                  expire overdue discounts
  reactivate                             make postponed discounts whose date has come available
  history <client>                       print a client's loyalty history
  profile <client>                       print a client's profile and discounts
  offer <client> <reservation>           show the discount a payment would apply
  redeem <discount> <reservation>        redeem a discount
  postpone <discount> <YYYY-MM-DD> [reason]
  grant <client> birthday [reason]
  grant <client> referral <referred-client> [reason]
  redeem-race <discount>                 redeem one discount from many workers and verify a single success
`

func main() {
	addr := flag.String("addr", "http://localhost:8080", "loyalty service base URL")
	rps := flag.Int("rps", 20, "request rate for multi-request commands")
	workers := flag.Int("workers", 20, "concurrent workers for redeem-race")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// ─── HTTP Client & Transport ─────────────────────────────────
	transport := &http.Transport{
		MaxIdleConns:        *workers * 2,
		MaxIdleConnsPerHost: *workers * 2,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}
	client := loyaltyv1.NewLoyaltyServiceClient(httpClient, *addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, client, args[0], args[1:], *rps, *workers); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *loyaltyv1.LoyaltyServiceClient, cmd string, args []string, rps, workers int) error {
	switch cmd {
	case "sync":
		res, err := client.RunFullSync(ctx, connect.NewRequest(&loyaltyv1.RunFullSyncRequest{}))
		if err != nil {
			return err
		}
		return printJSON(res.Msg)

	case "reconcile":
		if len(args) == 0 {
			return errors.New("at least one client id is required")
		}
		limiter := rate.NewLimiter(rate.Limit(rps), 1)
		for _, clientID := range args {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			res, err := client.ReconcileClient(ctx, connect.NewRequest(&loyaltyv1.ReconcileClientRequest{ClientID: clientID}))
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", clientID, err)
				continue
			}
			fmt.Printf("%s created=%t corrected=%t individual=%d packages=%d issued=%d\n",
				clientID, res.Msg.Created, res.Msg.Corrected,
				res.Msg.Current.IndividualServices, res.Msg.Current.Packages, len(res.Msg.Issued))
		}
		return nil

	case "sweep":
		res, err := client.ExpireSweep(ctx, connect.NewRequest(&loyaltyv1.ExpireSweepRequest{}))
		if err != nil {
			return err
		}
		return printJSON(res.Msg)

	case "reactivate":
		res, err := client.ReactivatePostponed(ctx, connect.NewRequest(&loyaltyv1.ReactivatePostponedRequest{}))
		if err != nil {
			return err
		}
		return printJSON(res.Msg)

	case "history":
		if len(args) != 1 {
			return errors.New("usage: history <client>")
		}
		res, err := client.GetHistory(ctx, connect.NewRequest(&loyaltyv1.GetHistoryRequest{ClientID: args[0]}))
		if err != nil {
			return err
		}
		for _, e := range res.Msg.Entries {
			fmt.Printf("%s  %-20s %+4d  %s\n", e.CreatedAt.Format(time.RFC3339), e.Action, e.Points, e.Description)
		}
		return nil

	case "profile":
		if len(args) != 1 {
			return errors.New("usage: profile <client>")
		}
		res, err := client.GetProfile(ctx, connect.NewRequest(&loyaltyv1.GetProfileRequest{ClientID: args[0]}))
		if err != nil {
			return err
		}
		return printJSON(res.Msg.Profile)

	case "offer":
		if len(args) != 2 {
			return errors.New("usage: offer <client> <reservation>")
		}
		res, err := client.RequestDiscountForPayment(ctx, connect.NewRequest(&loyaltyv1.RequestDiscountForPaymentRequest{
			ClientID:      args[0],
			ReservationID: args[1],
		}))
		if err != nil {
			return err
		}
		if res.Msg.Discount == nil {
			fmt.Println("no discount applies")
			return nil
		}
		return printJSON(res.Msg.Discount)

	case "redeem":
		if len(args) != 2 {
			return errors.New("usage: redeem <discount> <reservation>")
		}
		res, err := client.RedeemDiscount(ctx, connect.NewRequest(&loyaltyv1.RedeemDiscountRequest{
			DiscountID:    args[0],
			ReservationID: args[1],
		}))
		if err != nil {
			return err
		}
		return printJSON(res.Msg.Discount)

	case "postpone":
		if len(args) < 2 {
			return errors.New("usage: postpone <discount> <YYYY-MM-DD> [reason]")
		}
		newDate, err := time.Parse("2006-01-02", args[1])
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", args[1], err)
		}
		req := &loyaltyv1.PostponeDiscountRequest{DiscountID: args[0], NewDate: newDate}
		if len(args) > 2 {
			req.Reason = args[2]
		}
		res, err := client.PostponeDiscount(ctx, connect.NewRequest(req))
		if err != nil {
			return err
		}
		return printJSON(res.Msg.Discount)

	case "grant":
		if len(args) < 2 {
			return errors.New("usage: grant <client> <birthday|referral> [referred-client] [reason]")
		}
		req := &loyaltyv1.GrantDiscountRequest{ClientID: args[0], Type: args[1]}
		rest := args[2:]
		if req.Type == "referral" {
			if len(rest) == 0 {
				return errors.New("usage: grant <client> referral <referred-client> [reason]")
			}
			req.ReferredClientID, rest = rest[0], rest[1:]
		}
		if len(rest) > 0 {
			req.Reason = rest[0]
		}
		res, err := client.GrantDiscount(ctx, connect.NewRequest(req))
		if err != nil {
			return err
		}
		return printJSON(res.Msg.Discount)

	case "redeem-race":
		if len(args) != 1 {
			return errors.New("usage: redeem-race <discount>")
		}
		return redeemRace(ctx, client, args[0], rps, workers)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// RaceResult gathers the outcome of a redeem race.
// Atomic counters are used to avoid lock contention between workers.
type RaceResult struct {
	TotalRequests int64
	SuccessCount  int64
	RejectedCount int64
	ErrorCount    int64
}

// redeemRace fires concurrent redemptions of one discount, each for a
// different reservation, and checks that exactly one went through.
func redeemRace(ctx context.Context, client *loyaltyv1.LoyaltyServiceClient, discountID string, rps, workers int) error {
	burst := rps / workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	var (
		result RaceResult
		wg     sync.WaitGroup
		winner atomic.Value
	)
	start := time.Now()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			atomic.AddInt64(&result.TotalRequests, 1)

			reservationID := fmt.Sprintf("race-%d-%d", start.Unix(), i)
			_, err := client.RedeemDiscount(ctx, connect.NewRequest(&loyaltyv1.RedeemDiscountRequest{
				DiscountID:    discountID,
				ReservationID: reservationID,
			}))
			switch {
			case err == nil:
				atomic.AddInt64(&result.SuccessCount, 1)
				winner.Store(reservationID)
			case connect.CodeOf(err) == connect.CodeFailedPrecondition:
				atomic.AddInt64(&result.RejectedCount, 1)
			default:
				atomic.AddInt64(&result.ErrorCount, 1)
				fmt.Fprintf(os.Stderr, "worker %d: %v\n", i, err)
			}
		}(i)
	}
	wg.Wait()

	fmt.Println("==========================================")
	fmt.Printf("requests : %d\n", result.TotalRequests)
	fmt.Printf("redeemed : %d\n", result.SuccessCount)
	fmt.Printf("rejected : %d\n", result.RejectedCount)
	fmt.Printf("errors   : %d\n", result.ErrorCount)
	fmt.Printf("elapsed  : %v\n", time.Since(start))
	fmt.Println("==========================================")

	if result.SuccessCount > 1 {
		return fmt.Errorf("discount redeemed %d times", result.SuccessCount)
	}
	if w, ok := winner.Load().(string); ok {
		fmt.Printf("redeemed for reservation %s\n", w)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
