package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies a provider failure for the retry policy.
type ErrorKind string

const (
	// KindRateLimited is the only retryable kind: provider 429 or an error
	// message matching rate/429.
	KindRateLimited ErrorKind = "rate_limited"

	// KindTransientNetwork covers connection-level failures. A single
	// attempt only: retrying a persistent outage multiplies cost.
	KindTransientNetwork ErrorKind = "transient_network"

	// KindInvalidRequest covers 4xx responses other than 429.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindServerError covers 5xx responses.
	KindServerError ErrorKind = "server_error"
)

// Error tags a provider failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, defaulting to transient-network for
// untagged errors.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindTransientNetwork
}

var rateLimitPattern = regexp.MustCompile(`(?i)rate|429`)

// classify maps an error from the OpenAI-compatible client onto a kind.
func classify(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode, apiErr.Message), Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode, reqErr.Error()), Err: err}
	}

	if rateLimitPattern.MatchString(err.Error()) {
		return &Error{Kind: KindRateLimited, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransientNetwork, Err: err}
	}

	return &Error{Kind: KindTransientNetwork, Err: err}
}

func kindForStatus(status int, message string) ErrorKind {
	switch {
	case status == 429 || rateLimitPattern.MatchString(message):
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindServerError
	default:
		return KindTransientNetwork
	}
}
