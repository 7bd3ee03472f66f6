package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type GmailSettings struct {
	CredentialsFile string
	TokenFile       string
}

// GmailProvider sends through the Gmail API as the authorized user.
type GmailProvider struct {
	service *gmail.Service
	sender  string
	tokens  *refreshingTokenSource
	now     func() time.Time
}

func NewGmailProvider(ctx context.Context, settings GmailSettings, sender string) (*GmailProvider, error) {
	creds, err := os.ReadFile(settings.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to read credentials: %w", err)
	}
	config, err := google.ConfigFromJSON(creds, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("gmail: invalid credentials: %w", err)
	}
	token, err := readToken(settings.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("gmail: %w", err)
	}

	tokens := newRefreshingTokenSource(config, token, func(t *oauth2.Token) error {
		return writeToken(settings.TokenFile, t)
	})

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokens))
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create service: %w", err)
	}

	return newGmailProvider(service, sender, tokens)
}

func newGmailProvider(service *gmail.Service, sender string, tokens *refreshingTokenSource) (*GmailProvider, error) {
	if service == nil {
		return nil, fmt.Errorf("gmail service is required")
	}
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("sender is required")
	}

	return &GmailProvider{
		service: service,
		sender:  strings.TrimSpace(sender),
		tokens:  tokens,
		now:     time.Now,
	}, nil
}

func (p *GmailProvider) Send(ctx context.Context, msg Message) (*Response, error) {
	if p == nil || p.service == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := composeMessage(p.sender, msg, "").WriteTo(&buf); err != nil {
		return nil, &DeliveryError{Kind: ErrorPermanent, Message: "failed to encode message", Cause: err}
	}

	sent, err := p.service.Users.Messages.
		Send("me", &gmail.Message{Raw: base64.URLEncoding.EncodeToString(buf.Bytes())}).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyGmailError(err, p.now())
	}

	return &Response{
		StatusCode: sent.HTTPStatusCode,
		MessageID:  sent.Id,
	}, nil
}

// RefreshCredentials forces an OAuth2 refresh-token exchange.
func (p *GmailProvider) RefreshCredentials(ctx context.Context) error {
	if p == nil || p.tokens == nil {
		return fmt.Errorf("gmail credentials cannot be refreshed")
	}
	return p.tokens.ForceRefresh(ctx)
}

func classifyGmailError(err error, now time.Time) *DeliveryError {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		deliveryErr := newHTTPError(apiErr.Code, apiErr.Message, apiErr.Header, now)
		deliveryErr.Cause = err
		return deliveryErr
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &DeliveryError{Kind: ErrorAuthExpired, Message: "token refresh failed", Cause: err}
	}

	return newRequestError(err)
}

// refreshingTokenSource caches the access token and can be forced to
// exchange the refresh token again.
type refreshingTokenSource struct {
	mu      sync.Mutex
	config  *oauth2.Config
	token   *oauth2.Token
	persist func(*oauth2.Token) error
}

func newRefreshingTokenSource(config *oauth2.Config, token *oauth2.Token, persist func(*oauth2.Token) error) *refreshingTokenSource {
	return &refreshingTokenSource{config: config, token: token, persist: persist}
}

func (s *refreshingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Valid() {
		return s.token, nil
	}
	return s.refreshLocked(context.Background())
}

func (s *refreshingTokenSource) ForceRefresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.refreshLocked(ctx)
	return err
}

func (s *refreshingTokenSource) refreshLocked(ctx context.Context) (*oauth2.Token, error) {
	if s.token == nil || s.token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	fresh, err := s.config.TokenSource(ctx, &oauth2.Token{RefreshToken: s.token.RefreshToken}).Token()
	if err != nil {
		return nil, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = s.token.RefreshToken
	}
	s.token = fresh

	if s.persist != nil {
		// A token that fails to persist is still usable for this process.
		_ = s.persist(fresh)
	}
	return fresh, nil
}

func readToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("invalid token file: %w", err)
	}
	return &token, nil
}

func writeToken(path string, token *oauth2.Token) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
