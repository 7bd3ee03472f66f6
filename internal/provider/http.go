package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 10 * time.Second

// httpAPI is the resty plumbing shared by the JSON email APIs.
type httpAPI struct {
	client  *resty.Client
	baseURL string
	now     func() time.Time
}

func newHTTPAPI(baseURL, apiKey string, client *resty.Client) (*httpAPI, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if _, err := url.ParseRequestURI(trimmedBase); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if client == nil {
		client = resty.New()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	client.SetRetryCount(0)
	client.SetAuthToken(strings.TrimSpace(apiKey))

	return &httpAPI{
		client:  client,
		baseURL: trimmedBase,
		now:     time.Now,
	}, nil
}

// post sends body as JSON and decodes a 2xx reply into result when given.
func (a *httpAPI) post(ctx context.Context, path string, body, result any) (*resty.Response, error) {
	req := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if result != nil {
		req.SetResult(result)
	}

	response, err := req.Post(a.baseURL + path)
	if err != nil {
		return nil, newRequestError(err)
	}
	if response == nil {
		return nil, &DeliveryError{
			Kind:    ErrorTransient,
			Message: "provider returned empty response",
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return response, nil
	}

	return nil, newHTTPError(statusCode, response.String(), response.Header(), a.now())
}

func headerMessageID(response *resty.Response, keys ...string) string {
	if response == nil {
		return ""
	}

	for _, key := range keys {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
