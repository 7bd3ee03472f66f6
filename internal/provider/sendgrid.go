package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

const DefaultSendGridBaseURL = "https://api.sendgrid.com"

type sendGridAddress struct {
	Email string `json:"email"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
}

// SendGridProvider sends through the SendGrid v3 mail API.
type SendGridProvider struct {
	api    *httpAPI
	sender string
}

func NewSendGridProvider(baseURL, apiKey, sender string, client *resty.Client) (*SendGridProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultSendGridBaseURL
	}
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("sender is required")
	}

	api, err := newHTTPAPI(baseURL, apiKey, client)
	if err != nil {
		return nil, fmt.Errorf("sendgrid: %w", err)
	}

	return &SendGridProvider{api: api, sender: strings.TrimSpace(sender)}, nil
}

func (p *SendGridProvider) Send(ctx context.Context, msg Message) (*Response, error) {
	if p == nil || p.api == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}

	// SendGrid rejects empty content values.
	body := msg.Body
	if body == "" {
		body = " "
	}

	response, err := p.api.post(ctx, "/v3/mail/send", sendGridRequest{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: msg.Recipient}}}},
		From:             sendGridAddress{Email: p.sender},
		Subject:          msg.Subject,
		Content:          []sendGridContent{{Type: "text/html", Value: body}},
	}, nil)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: response.StatusCode(),
		Body:       strings.TrimSpace(response.String()),
		MessageID:  headerMessageID(response, "X-Message-Id", "X-Message-ID"),
	}, nil
}
