package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SyncFailure records a client whose reconciliation failed during a full sync
type SyncFailure struct {
	ClientID string
	Err      error
}

// SyncSummary aggregates one full sync run
type SyncSummary struct {
	Processed int
	Created   int
	Corrected int
	Unchanged int
	Issued    int
	Flagged   int
	Failures  []SyncFailure
	Duration  time.Duration
}

// RunFullSync reconciles every client with completed reservations or a
// profile. A failing client is recorded in the summary and does not stop the
// others; only context cancellation or a failure to list clients aborts.
func (e *Engine) RunFullSync(ctx context.Context) (summary *SyncSummary, err error) {
	ctx, span := e.tracer.Start(ctx, "loyalty.RunFullSync")
	defer span.End()
	defer e.observe("full_sync", time.Now(), &err)
	defer recordSpanError(span, &err)

	start := time.Now()
	clientIDs, err := e.store.ClientIDs(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Info().Int("clients", len(clientIDs)).Msg("starting full loyalty sync")

	var mu sync.Mutex
	summary = &SyncSummary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.syncWorkers)
	for _, clientID := range clientIDs {
		if err := e.syncLimiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			result, err := e.Reconcile(gctx, clientID)

			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				summary.Failures = append(summary.Failures, SyncFailure{ClientID: clientID, Err: err})
				e.logger.Error().Err(err).Str("client_id", clientID).Msg("failed to reconcile client")
				return nil
			}
			switch {
			case result.Created:
				summary.Created++
			case result.Corrected:
				summary.Corrected++
			default:
				summary.Unchanged++
			}
			summary.Issued += len(result.Issued)
			summary.Flagged += len(result.Flagged)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	summary.Duration = time.Since(start)
	e.logger.Info().
		Int("processed", summary.Processed).
		Int("created", summary.Created).
		Int("corrected", summary.Corrected).
		Int("issued", summary.Issued).
		Int("failed", len(summary.Failures)).
		Dur("duration", summary.Duration).
		Msg("full loyalty sync finished")
	return summary, nil
}
