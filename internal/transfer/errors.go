package transfer

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the remote has no job with the requested ID.
// Callers treat it as the job having vanished rather than as a failure.
var ErrNotFound = errors.New("transfer not found")

// ConfigurationError is returned before any network call when the remote
// URL or credentials are missing.
type ConfigurationError struct {
	Field string // Name of the missing setting
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("download client is not configured: missing %s", e.Field)
}

// AuthenticationError represents a rejected login, i.e. bad credentials or a banned client.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// SessionExpiredError is returned when a call is still rejected as unauthorized
// after one re-authentication and one retry.
type SessionExpiredError struct {
	Operation string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session rejected again after re-authentication during %s", e.Operation)
}

// NetworkError represents network failures and API errors including 5xx responses
// and connection timeouts. These are eligible for retry on the next scheduled pass.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "list_transfers", "pause_transfers")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RejectedError represents a request the remote understood but refused,
// e.g. an add of a source it cannot parse.
type RejectedError struct {
	Operation string
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by download client: %s", e.Operation, e.Reason)
}
