// Package apierror defines the error taxonomy shared by the SimpliSafe client.
// Use errors.Is() to check for the sentinel errors and errors.As() to
// retrieve a *ProviderError.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned while the rate-limit breaker is active, when
	// the provider blocks a request (HTTP 403), or when the provider cannot be
	// reached at all. The breaker already logged the activation.
	ErrRateLimited = errors.New("simplisafe: rate limited")

	// ErrNotAuthenticated is returned when there is no session and none can be
	// recovered automatically.
	ErrNotAuthenticated = errors.New("simplisafe: not logged in")

	// ErrInvalidCredentials is returned when the provider rejects the username
	// or password. It is terminal and never activates the breaker.
	ErrInvalidCredentials = errors.New("simplisafe: invalid credentials")

	// ErrMFATimeout is returned when a multi-factor challenge is not approved in time.
	ErrMFATimeout = errors.New("simplisafe: multi-factor authentication timed out")

	// ErrNoSubscription is returned when the account has no matching active subscription.
	ErrNoSubscription = errors.New("simplisafe: no matching active subscription")

	// ErrAmbiguousSubscription is returned when several active subscriptions
	// match and no account number was configured.
	ErrAmbiguousSubscription = errors.New("simplisafe: multiple active subscriptions")

	// ErrAccountNumberRequired is returned when an empty account number is set as default.
	ErrAccountNumberRequired = errors.New("simplisafe: account number not defined")

	// ErrMalformedResponse is returned when the provider response has a shape
	// the client cannot interpret.
	ErrMalformedResponse = errors.New("simplisafe: response not understood")

	// ErrInvalidState is returned for an unsupported alarm or lock target state.
	ErrInvalidState = errors.New("simplisafe: invalid target state")
)

// ProviderError is an opaque passthrough of an unclassified provider failure.
type ProviderError struct {
	StatusCode  int
	Code        string // "error" field of the body, if any
	Description string // "error_description" or "message" field, if any
	Body        []byte
}

// NewProviderError builds a ProviderError from an HTTP status and response body.
func NewProviderError(status int, body []byte) *ProviderError {
	pe := &ProviderError{StatusCode: status, Body: body}

	var parsed struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		pe.Code = parsed.Error
		pe.Description = parsed.ErrorDescription
		if pe.Description == "" {
			pe.Description = parsed.Message
		}
	}
	return pe
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("simplisafe: provider error (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("simplisafe: provider error (status %d): %s", e.StatusCode, e.Code)
	case e.Description != "":
		return fmt.Sprintf("simplisafe: provider error (status %d): %s", e.StatusCode, e.Description)
	default:
		return fmt.Sprintf("simplisafe: provider error (status %d): %s", e.StatusCode, string(e.Body))
	}
}

// StatusCode returns the HTTP status carried by err, or 0 when err holds no
// provider response.
func StatusCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}

// RateLimitError is returned while the breaker cooldown is running.
type RateLimitError struct {
	RetryAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: blocking request until %s", ErrRateLimited, e.RetryAt.Format(time.RFC3339))
}

// Is reports RateLimitError as ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RateLimited wraps cause so that it matches ErrRateLimited.
func RateLimited(cause error) error {
	if cause == nil {
		return ErrRateLimited
	}
	return fmt.Errorf("%w: %w", ErrRateLimited, cause)
}
