package domain

import (
	"fmt"
	"strings"
	"time"
)

// Template is the subject and body of a campaign with {placeholder} markers.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Batch groups the email jobs of one campaign launch.
type Batch struct {
	ID         string    `json:"id"`
	Template   Template  `json:"template"`
	TotalCount int       `json:"totalCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (b *Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("%w: batch id is required", ErrValidation)
	}
	if strings.TrimSpace(b.Template.Subject) == "" {
		return fmt.Errorf("%w: template subject is required", ErrValidation)
	}
	return nil
}

// BatchSummary is the per-batch delivery aggregate. Total always equals
// Sent + Failed + Pending.
type BatchSummary struct {
	BatchID string `json:"batchId"`
	Total   int    `json:"total"`
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Pending int    `json:"pending"`
}

// Add counts one record in the bucket of its status. Unknown states count as pending.
func (s *BatchSummary) Add(status Status) {
	s.Total++
	switch status {
	case StatusSent:
		s.Sent++
	case StatusFailed:
		s.Failed++
	default:
		s.Pending++
	}
}
