package status

import (
	"context"
	"time"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
)

const (
	statusKeyPrefix = "status:"
	batchKeyPrefix  = "batch:"
	batchIndexKey   = "batches"
)

// Store persists the latest delivery status per (batch, recipient) and the
// metadata of launched batches.
type Store interface {
	// RecordStatus reports whether the write was applied. Stale writes and
	// disallowed transitions are ignored without error.
	RecordStatus(ctx context.Context, st domain.DeliveryStatus) (bool, error)
	ResetStatus(ctx context.Context, batchID, recipient string, at time.Time) (bool, error)
	GetStatus(ctx context.Context, batchID, recipient string) (*domain.DeliveryStatus, error)
	ListStatuses(ctx context.Context, batchID string) ([]domain.DeliveryStatus, error)
	Aggregate(ctx context.Context, batchID string) (domain.BatchSummary, error)

	CreateBatch(ctx context.Context, batch domain.Batch) error
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]domain.Batch, error)
	ListBatchIDs(ctx context.Context, limit int) ([]string, error)
	Ping(ctx context.Context) error
}

func StatusKey(batchID string) string {
	return statusKeyPrefix + domain.StatusKeyBatchID(batchID)
}

func BatchKey(batchID string) string {
	return batchKeyPrefix + batchID
}
