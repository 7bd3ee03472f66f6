package domain

import (
	"fmt"
	"strings"
	"time"
)

// UnbatchedID is the status key used for jobs enqueued outside of a batch.
const UnbatchedID = "unbatched"

// EmailJob is one queued send request. Retry state travels with the job so
// it survives worker restarts.
type EmailJob struct {
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	BatchID       string    `json:"batchId,omitempty"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

func (j *EmailJob) Validate() error {
	if strings.TrimSpace(j.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if strings.TrimSpace(j.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	return nil
}

// StatusBatchID returns the batch key the job's delivery status is stored under.
func (j *EmailJob) StatusBatchID() string {
	return StatusKeyBatchID(j.BatchID)
}

// StatusKeyBatchID maps an empty batch id to UnbatchedID.
func StatusKeyBatchID(batchID string) string {
	trimmed := strings.TrimSpace(batchID)
	if trimmed == "" {
		return UnbatchedID
	}
	return trimmed
}
