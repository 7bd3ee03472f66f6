package enhancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL           = "https://api.groq.com/openai/v1"
	DefaultModel             = "llama-3.3-70b-versatile"
	defaultRequestsPerMinute = 30
	defaultTimeout           = 30 * time.Second
	defaultMaxTokens         = 2000
	defaultTemperature       = 0.7

	systemPrompt = "You are an expert email writer. Improve the email you are given while keeping its meaning. " +
		"Return only the HTML body. Keep every placeholder exactly as written, including the curly braces."
)

var ErrEmptyReply = errors.New("enhancer returned an empty reply")

// Enhancer rewrites a template body once per batch.
type Enhancer interface {
	Enhance(ctx context.Context, body string, placeholders []string) (string, error)
}

// Noop returns the body unchanged.
type Noop struct{}

func (Noop) Enhance(_ context.Context, body string, _ []string) (string, error) {
	return body, nil
}

type ChatConfig struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestsPerMinute int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// ChatEnhancer calls an OpenAI-compatible chat completions endpoint.
type ChatEnhancer struct {
	client  *resty.Client
	baseURL string
	model   string
	limiter *rate.Limiter
}

func NewChatEnhancer(cfg ChatConfig, client *resty.Client) (*ChatEnhancer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid llm base url: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}

	if client == nil {
		client = resty.New()
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTimeout)
	}
	client.SetAuthToken(strings.TrimSpace(cfg.APIKey))

	return &ChatEnhancer{
		client:  client,
		baseURL: baseURL,
		model:   model,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}, nil
}

func (e *ChatEnhancer) Enhance(ctx context.Context, body string, placeholders []string) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm throttle: %w", err)
	}

	var result chatResponse
	response, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatRequest{
			Model: e.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userPrompt(body, placeholders)},
			},
			Temperature: defaultTemperature,
			MaxTokens:   defaultMaxTokens,
		}).
		SetResult(&result).
		Post(e.baseURL + "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	if response.StatusCode() < http.StatusOK || response.StatusCode() >= http.StatusMultipleChoices {
		return "", fmt.Errorf("llm returned status %d: %s", response.StatusCode(), strings.TrimSpace(response.String()))
	}

	if len(result.Choices) == 0 {
		return "", ErrEmptyReply
	}
	content := stripCodeFence(result.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyReply
	}
	return content, nil
}

func userPrompt(body string, placeholders []string) string {
	var b strings.Builder
	b.WriteString("Rewrite this email body:\n\n")
	b.WriteString(body)
	if len(placeholders) > 0 {
		marked := make([]string, len(placeholders))
		for i, name := range placeholders {
			marked[i] = "{" + name + "}"
		}
		b.WriteString("\n\nKeep these placeholders: ")
		b.WriteString(strings.Join(marked, ", "))
	}
	return b.String()
}

// stripCodeFence removes a surrounding ``` block that chat models like to add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
