package provider

import (
	"context"
	"fmt"
	"strings"
)

// Kind selects the single delivery provider of a deployment.
type Kind string

const (
	KindGmail    Kind = "gmail"
	KindSMTP     Kind = "smtp"
	KindResend   Kind = "resend"
	KindSendGrid Kind = "sendgrid"
)

func (k Kind) String() string { return string(k) }

func ParseKind(s string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case KindGmail, KindSMTP, KindResend, KindSendGrid:
		return kind, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

type HTTPSettings struct {
	BaseURL string
	APIKey  string
}

// Settings carries the configuration of every provider; only the one
// matching the selected Kind is read.
type Settings struct {
	Sender   string
	SMTP     SMTPSettings
	Resend   HTTPSettings
	SendGrid HTTPSettings
	Gmail    GmailSettings
}

func New(ctx context.Context, kind Kind, settings Settings) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch kind {
	case KindGmail:
		p, err = asProvider(NewGmailProvider(ctx, settings.Gmail, settings.Sender))
	case KindSMTP:
		p, err = asProvider(NewSMTPProvider(settings.SMTP, settings.Sender))
	case KindResend:
		p, err = asProvider(NewResendProvider(settings.Resend.BaseURL, settings.Resend.APIKey, settings.Sender, nil))
	case KindSendGrid:
		p, err = asProvider(NewSendGridProvider(settings.SendGrid.BaseURL, settings.SendGrid.APIKey, settings.Sender, nil))
	default:
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// asProvider keeps a nil concrete pointer from becoming a non-nil interface.
func asProvider[T Provider](p T, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
