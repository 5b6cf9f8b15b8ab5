// Package gmail implements the Gmail REST/OAuth2 provider core:
// token lifecycle, the authenticated API gateway, message
// normalization and mutation calls. All provider error bodies are
// decoded here into a small closed taxonomy so callers never inspect
// raw JSON.
package gmail

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrStaleCursor reports a history cursor beyond the provider's
// retention window. Callers must fall back to a full resync.
var ErrStaleCursor = eris.New("history cursor beyond provider retention")

// AuthError means the provider rejected the account's credentials
// (typically a revoked refresh token). The account is deactivated and
// requires user re-consent; callers must not retry automatically.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "mailbox authorization failed: " + e.Reason
}

// RetryableError wraps a transient transport failure (network error,
// timeout, provider 5xx). Safe to retry with backoff; account state is
// never mutated on this path.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string {
	return "transient provider failure: " + e.Cause.Error()
}

func (e *RetryableError) Unwrap() error { return e.Cause }

// ProviderError is a well-formed 4xx from the provider, carrying the
// decoded status and message from its structured error body.
type ProviderError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d %s: %s", e.StatusCode, e.Status, e.Message)
}

// RateLimited reports whether the error is a 429; callers should back
// off rather than treat the account as broken.
func (e *ProviderError) RateLimited() bool { return e.StatusCode == 429 }

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err is (or wraps) a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
