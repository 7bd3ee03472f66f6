package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies delivery failures. The worker branches on it.
type ErrorKind int

const (
	ErrorTransient ErrorKind = iota
	ErrorPermanent
	ErrorAuthExpired
	ErrorRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorTransient:
		return "transient"
	case ErrorPermanent:
		return "permanent"
	case ErrorAuthExpired:
		return "auth_expired"
	case ErrorRateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// DeliveryError is a classified provider failure.
type DeliveryError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *DeliveryError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "delivery error ("+e.Kind.String()+")")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *DeliveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf classifies any send error. Unclassified errors are transient;
// a canceled context ends the attempt permanently.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorTransient
	}

	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorPermanent
	}
	return ErrorTransient
}

// RetryAfterOf returns the provider's requested back-off, zero when none.
func RetryAfterOf(err error) time.Duration {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.RetryAfter
	}
	return 0
}

func classifyHTTPStatus(statusCode int) ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return ErrorAuthExpired
	case statusCode == http.StatusTooManyRequests:
		return ErrorRateLimited
	case statusCode == http.StatusRequestTimeout, statusCode >= http.StatusInternalServerError:
		return ErrorTransient
	}
	return ErrorPermanent
}

func newHTTPError(statusCode int, body string, header http.Header, now time.Time) *DeliveryError {
	kind := classifyHTTPStatus(statusCode)
	err := &DeliveryError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, body),
	}
	if kind == ErrorRateLimited && header != nil {
		err.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	}
	return err
}

// newRequestError wraps a transport failure that produced no response.
func newRequestError(err error) *DeliveryError {
	kind := ErrorTransient
	if errors.Is(err, context.Canceled) {
		kind = ErrorPermanent
	}
	return &DeliveryError{
		Kind:    kind,
		Message: "provider request failed",
		Cause:   err,
	}
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	body = strings.TrimSpace(body)
	if body == "" {
		return base
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("%s: %s", base, body)
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func classifySMTPError(err error) *DeliveryError {
	if err == nil {
		return nil
	}

	code := smtpReplyCode(err)
	if code == 0 {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return &DeliveryError{Kind: ErrorTransient, Message: "smtp connection failed", Cause: err}
		}
		return &DeliveryError{Kind: KindOf(err), Message: "smtp send failed", Cause: err}
	}

	kind := ErrorPermanent
	switch {
	case code == 421, code == 450, code == 451, code == 452:
		kind = ErrorTransient
	case code == 454, code == 530, code == 534, code == 535:
		kind = ErrorAuthExpired
	case code >= 400 && code < 500:
		kind = ErrorTransient
	}

	return &DeliveryError{
		Kind:       kind,
		StatusCode: code,
		Message:    "smtp server rejected message",
		Cause:      err,
	}
}

func smtpReplyCode(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}

	msg := strings.TrimSpace(err.Error())
	if len(msg) >= 3 {
		if code, convErr := strconv.Atoi(msg[:3]); convErr == nil && code >= 200 && code < 600 {
			return code
		}
	}
	return 0
}
