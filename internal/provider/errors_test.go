package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"testing"
	"time"
)

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		statusCode int
		want       ErrorKind
	}{
		{statusCode: http.StatusUnauthorized, want: ErrorAuthExpired},
		{statusCode: http.StatusForbidden, want: ErrorAuthExpired},
		{statusCode: http.StatusTooManyRequests, want: ErrorRateLimited},
		{statusCode: http.StatusRequestTimeout, want: ErrorTransient},
		{statusCode: http.StatusInternalServerError, want: ErrorTransient},
		{statusCode: http.StatusServiceUnavailable, want: ErrorTransient},
		{statusCode: http.StatusBadRequest, want: ErrorPermanent},
		{statusCode: http.StatusUnprocessableEntity, want: ErrorPermanent},
	}

	for _, tt := range tests {
		if got := classifyHTTPStatus(tt.statusCode); got != tt.want {
			t.Errorf("classifyHTTPStatus(%d) = %s, want %s", tt.statusCode, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "delivery error", err: &DeliveryError{Kind: ErrorAuthExpired}, want: ErrorAuthExpired},
		{name: "wrapped delivery error", err: fmt.Errorf("send: %w", &DeliveryError{Kind: ErrorRateLimited}), want: ErrorRateLimited},
		{name: "canceled", err: context.Canceled, want: ErrorPermanent},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrorTransient},
		{name: "unclassified", err: errors.New("boom"), want: ErrorTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value string
		want  time.Duration
	}{
		{value: "", want: 0},
		{value: "30", want: 30 * time.Second},
		{value: "-4", want: 0},
		{value: now.Add(90 * time.Second).Format(http.TimeFormat), want: 90 * time.Second},
		{value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{value: "soon", want: 0},
	}

	for _, tt := range tests {
		if got := parseRetryAfter(tt.value, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestNewHTTPErrorRetryAfter(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Retry-After", "12")

	err := newHTTPError(http.StatusTooManyRequests, "slow down", header, time.Now())
	if err.Kind != ErrorRateLimited {
		t.Fatalf("Kind = %s, want rate_limited", err.Kind)
	}
	if RetryAfterOf(err) != 12*time.Second {
		t.Fatalf("RetryAfterOf() = %v, want 12s", RetryAfterOf(err))
	}

	unavailable := newHTTPError(http.StatusServiceUnavailable, "", header, time.Now())
	if unavailable.RetryAfter != 0 {
		t.Fatalf("RetryAfter = %v, want 0 for non rate-limited status", unavailable.RetryAfter)
	}
}

func TestClassifySMTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "service unavailable", err: &textproto.Error{Code: 421, Msg: "try later"}, want: ErrorTransient},
		{name: "mailbox busy", err: &textproto.Error{Code: 450, Msg: "busy"}, want: ErrorTransient},
		{name: "auth failed", err: &textproto.Error{Code: 535, Msg: "bad credentials"}, want: ErrorAuthExpired},
		{name: "auth required", err: &textproto.Error{Code: 530, Msg: "auth required"}, want: ErrorAuthExpired},
		{name: "mailbox unknown", err: &textproto.Error{Code: 550, Msg: "no such user"}, want: ErrorPermanent},
		{name: "plain text code", err: errors.New("552 message too large"), want: ErrorPermanent},
		{name: "no code", err: errors.New("connection reset"), want: ErrorTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classifySMTPError(tt.err)
			if got.Kind != tt.want {
				t.Fatalf("classifySMTPError() kind = %s, want %s", got.Kind, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Fatal("classified error should wrap the cause")
			}
		})
	}
}
