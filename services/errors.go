// services/errors.go
package services

import (
	"errors"
	"fmt"
)

// AuthError is fatal: the refresh token is revoked or rejected and the
// service cannot reach the CRM until someone re-authorizes it. Never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crm auth failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("crm auth failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError wraps a network/5xx/backend-rate-limit failure that survived
// the retry budget. The orchestrator records it as a page-level failure.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is the CRM rejecting a write-back field. Retrying the same
// payload cannot succeed, so it is surfaced to the caller as-is.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("crm rejected field %q: %s (%s)", e.Field, e.Message, e.Code)
	}
	return fmt.Sprintf("crm rejected update: %s (%s)", e.Message, e.Code)
}

// ErrNotAuthenticated is returned by the token store when no token has ever
// been provisioned.
var ErrNotAuthenticated = errors.New("no CRM token on record — authorize the integration first")

// ErrRecordNotFound is returned for write-backs against unknown CRM ids.
var ErrRecordNotFound = errors.New("crm record not found")

// IsAuthError reports whether err is (or wraps) a fatal auth failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) || errors.Is(err, ErrNotAuthenticated)
}

// IsTransient reports whether err is a retried-and-exhausted transient failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
