package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindProvider            Kind = "provider_error"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindRateLimited         Kind = "rate_limited"
)

// Error is a classified provider failure. Err carries the raw upstream
// error for logs and must never be shown to users.
type Error struct {
	Kind   Kind
	Family Family
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Family, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPError is a non-success HTTP response from a provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("non-success status=%d body=%s", e.StatusCode, e.Body)
}

// Classify wraps err into an *Error. Status codes are consulted first,
// then the error text for billing and rate-limit signals.
func Classify(family Family, err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return &Error{Kind: kindOf(err), Family: family, Err: err}
}

func kindOf(err error) Kind {
	switch statusOf(err) {
	case http.StatusPaymentRequired:
		return KindInsufficientBalance
	case http.StatusTooManyRequests:
		if mentionsBilling(err.Error()) {
			return KindInsufficientBalance
		}
		return KindRateLimited
	}
	msg := err.Error()
	switch {
	case mentionsBilling(msg):
		return KindInsufficientBalance
	case mentionsRateLimit(msg):
		return KindRateLimited
	default:
		return KindProvider
	}
}

func mentionsRateLimit(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"rate limit", "rate_limit", "ratelimit", "rate-limit", "too many requests"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func mentionsBilling(msg string) bool {
	msg = strings.ToLower(msg)
	for _, needle := range []string{"payment", "billing", "insufficient balance", "insufficient_quota"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
