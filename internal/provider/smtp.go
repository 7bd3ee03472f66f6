package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// smtpDialer is satisfied by *gomail.Dialer.
type smtpDialer interface {
	Dial() (gomail.SendCloser, error)
}

type SMTPSettings struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTPProvider delivers over an authenticated SMTP session, one connection per message.
type SMTPProvider struct {
	dialer smtpDialer
	sender string
}

func NewSMTPProvider(settings SMTPSettings, sender string) (*SMTPProvider, error) {
	if strings.TrimSpace(settings.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if settings.Port <= 0 {
		settings.Port = 587
	}

	dialer := gomail.NewDialer(settings.Host, settings.Port, settings.Username, settings.Password)
	return newSMTPProvider(dialer, sender)
}

func newSMTPProvider(dialer smtpDialer, sender string) (*SMTPProvider, error) {
	if dialer == nil {
		return nil, fmt.Errorf("smtp dialer is required")
	}
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("sender is required")
	}

	return &SMTPProvider{dialer: dialer, sender: strings.TrimSpace(sender)}, nil
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (*Response, error) {
	if p == nil || p.dialer == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newRequestError(err)
	}

	messageID := newMessageID(p.sender)
	m := composeMessage(p.sender, msg, messageID)

	sc, err := p.dialer.Dial()
	if err != nil {
		return nil, classifySMTPError(err)
	}

	// SendCloser.Send keeps the SMTP reply codes that gomail.Send would flatten.
	if err := sc.Send(p.sender, []string{msg.Recipient}, m); err != nil {
		_ = sc.Close()
		return nil, classifySMTPError(err)
	}
	// The message is accepted once DATA succeeds; a failing QUIT changes nothing.
	_ = sc.Close()

	return &Response{MessageID: messageID}, nil
}

func composeMessage(sender string, msg Message, messageID string) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", sender)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	if messageID != "" {
		m.SetHeader("Message-ID", messageID)
	}
	m.SetBody("text/html", msg.Body)
	return m
}

func newMessageID(sender string) string {
	domain := "localhost"
	if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
		domain = strings.Trim(sender[at+1:], "> ")
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
