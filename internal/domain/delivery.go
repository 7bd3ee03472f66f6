package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the delivery state of one (batch, recipient) pair.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// CanTransition reports whether a record in state from may be overwritten by
// a regular status write in state to. It mirrors the status store's record
// script: sent is final and failed -> pending requires an explicit retry.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to.IsValid()
	case StatusFailed:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return false
	}
	// Unknown stored state: let a valid write repair it.
	return to.IsValid()
}

// DeliveryStatus is the latest known result for one recipient of a batch.
type DeliveryStatus struct {
	BatchID   string    `json:"batchId"`
	Recipient string    `json:"recipient"`
	Status    Status    `json:"status"`
	MessageID string    `json:"messageId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	// InFlight marks a pending record written right before a send. Pending
	// records of queued or delayed jobs leave it unset.
	InFlight  bool      `json:"inFlight,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d *DeliveryStatus) Validate() error {
	if strings.TrimSpace(d.Recipient) == "" {
		return fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if !d.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, d.Status)
	}
	if d.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: updatedAt is required", ErrValidation)
	}
	return nil
}
