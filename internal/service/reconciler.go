package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
	"github.com/kursadbilgin/campaign-mailer/internal/observability"
	"github.com/kursadbilgin/campaign-mailer/internal/status"
	"go.uber.org/zap"
)

const (
	ReconcilePolicyFail = "fail"
	ReconcilePolicyLog  = "log"

	defaultStaleAfter          = 30 * time.Minute
	defaultReconcileBatchLimit = 100
)

type ReconcileResult struct {
	Scanned int
	Stale   int
	Failed  int
}

// Reconciler finds delivery records left in flight by a crashed worker: pending
// records marked in flight with no update for longer than staleAfter. Pending
// records of jobs still waiting in the queue or the delayed set are never
// touched, however long they wait.
type Reconciler struct {
	statuses   status.Store
	logger     *zap.Logger
	metrics    *observability.Metrics
	staleAfter time.Duration
	policy     string
	batchLimit int
	now        func() time.Time
}

func NewReconciler(
	statuses status.Store,
	staleAfter time.Duration,
	policy string,
	batchLimit int,
	logger *zap.Logger,
) (*Reconciler, error) {
	if statuses == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	policy = strings.ToLower(strings.TrimSpace(policy))
	switch policy {
	case "":
		policy = ReconcilePolicyFail
	case ReconcilePolicyFail, ReconcilePolicyLog:
	default:
		return nil, fmt.Errorf("unknown reconcile policy %q", policy)
	}
	if batchLimit <= 0 {
		batchLimit = defaultReconcileBatchLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reconciler{
		statuses:   statuses,
		logger:     logger,
		staleAfter: staleAfter,
		policy:     policy,
		batchLimit: batchLimit,
		now:        time.Now,
	}, nil
}

func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	batchIDs, err := r.statuses.ListBatchIDs(ctx, r.batchLimit)
	if err != nil {
		return result, fmt.Errorf("failed to list batches: %w", err)
	}

	now := r.now()
	for _, batchID := range batchIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		records, err := r.statuses.ListStatuses(ctx, batchID)
		if err != nil {
			return result, fmt.Errorf("failed to list statuses of batch %s: %w", batchID, err)
		}

		for _, rec := range records {
			result.Scanned++
			if !r.isStale(rec, now) {
				continue
			}
			result.Stale++

			logger := r.logger.With(
				zap.String("batchId", batchID),
				zap.String("recipient", rec.Recipient),
				zap.Int("attempt", rec.Attempts),
				zap.Time("updatedAt", rec.UpdatedAt),
			)

			if r.policy == ReconcilePolicyLog {
				logger.Warn("delivery record has no terminal status")
				continue
			}

			applied, err := r.statuses.RecordStatus(ctx, domain.DeliveryStatus{
				BatchID:   batchID,
				Recipient: rec.Recipient,
				Status:    domain.StatusFailed,
				Error:     "timeout: no terminal status after " + r.staleAfter.String(),
				Attempts:  rec.Attempts,
				UpdatedAt: now.UTC(),
			})
			if err != nil {
				return result, fmt.Errorf("failed to fail stale record %s/%s: %w", batchID, rec.Recipient, err)
			}
			if !applied {
				logger.Debug("stale record changed before reconciliation")
				continue
			}
			result.Failed++
			logger.Warn("stale delivery record marked failed")
		}
	}

	if result.Stale > 0 {
		r.metrics.AddStatusesReconciled(r.policy, result.Stale)
	}
	return result, nil
}

func (r *Reconciler) isStale(rec domain.DeliveryStatus, now time.Time) bool {
	if rec.Status.IsTerminal() || !rec.InFlight {
		return false
	}
	return now.Sub(rec.UpdatedAt) > r.staleAfter
}
