package provider

import "context"

// Message is one rendered email for a single recipient.
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Response stores provider call metadata for status records.
type Response struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Provider is the outbound email delivery port. Errors are *DeliveryError.
type Provider interface {
	Send(ctx context.Context, msg Message) (*Response, error)
}

// Refresher is implemented by providers whose credentials can be renewed
// after an AuthExpired failure.
type Refresher interface {
	RefreshCredentials(ctx context.Context) error
}

func (m Message) validate() error {
	if m.Recipient == "" {
		return &DeliveryError{Kind: ErrorPermanent, Message: "recipient is required"}
	}
	if m.Subject == "" {
		return &DeliveryError{Kind: ErrorPermanent, Message: "subject is required"}
	}
	return nil
}
