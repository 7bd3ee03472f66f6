package queue

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/campaign-mailer/internal/domain"
)

const DefaultName = "email:queue"

// ErrInvalidJob is returned by DequeueOne when the popped payload cannot be
// decoded. The payload is moved to the dead-letter list.
var ErrInvalidJob = errors.New("invalid queued job")

// Queue is the durable FIFO of pending email jobs.
type Queue interface {
	Enqueue(ctx context.Context, job domain.EmailJob) (string, error)
	// DequeueOne pops the head job. It returns nil, nil when the queue is empty.
	DequeueOne(ctx context.Context) (*domain.EmailJob, error)
	Size(ctx context.Context) (int64, error)
	// Schedule parks a retried job until at; PromoteDue moves it to the tail.
	Schedule(ctx context.Context, job domain.EmailJob, at time.Time) error
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	PushFront(ctx context.Context, job domain.EmailJob) error
	Stats(ctx context.Context) (Stats, error)
}

// Stats reports the sizes of the pending list, the delayed set and the dead-letter list.
type Stats struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	Delayed int64  `json:"delayed"`
	Dead    int64  `json:"dead"`
}

// DelayedKey returns the sorted set holding jobs waiting for their retry time.
func DelayedKey(name string) string {
	return name + ":delayed"
}

// DeadKey returns the dead-letter list for undecodable payloads.
func DeadKey(name string) string {
	return name + ":dead"
}
