package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

const DefaultResendBaseURL = "https://api.resend.com"

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendResponse struct {
	ID string `json:"id"`
}

// ResendProvider sends through the Resend HTTP API.
type ResendProvider struct {
	api    *httpAPI
	sender string
}

func NewResendProvider(baseURL, apiKey, sender string, client *resty.Client) (*ResendProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultResendBaseURL
	}
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("sender is required")
	}

	api, err := newHTTPAPI(baseURL, apiKey, client)
	if err != nil {
		return nil, fmt.Errorf("resend: %w", err)
	}

	return &ResendProvider{api: api, sender: strings.TrimSpace(sender)}, nil
}

func (p *ResendProvider) Send(ctx context.Context, msg Message) (*Response, error) {
	if p == nil || p.api == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}

	var result resendResponse
	response, err := p.api.post(ctx, "/emails", resendRequest{
		From:    p.sender,
		To:      []string{msg.Recipient},
		Subject: msg.Subject,
		HTML:    msg.Body,
	}, &result)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: response.StatusCode(),
		Body:       strings.TrimSpace(response.String()),
		MessageID:  result.ID,
	}, nil
}
