package progress

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidJobID is returned synchronously when tracking or opening a
	// channel for an empty job id. It is never retried.
	ErrInvalidJobID = errors.New("job id is required")
	// ErrDegradedConnection accompanies the hand-off from the live channel to
	// polling. It is a notice, not a failure.
	ErrDegradedConnection = errors.New("live channel degraded; polling for updates")
	// ErrFatalConnection signals that a backend crossed its failure threshold.
	ErrFatalConnection = errors.New("lost connection to the analysis service")
)

// Backend names the transport currently delivering events.
type Backend string

// Supported backends.
const (
	BackendNone Backend = "none"
	BackendLive Backend = "live"
	BackendPoll Backend = "poll"
)

// TransientError wraps a recoverable failure on one backend. These are
// absorbed by the backends and never reach the ViewModel.
type TransientError struct {
	Backend Backend
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s attempt %d failed: %v", e.Backend, e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ServerRejectionError reports that the backend refused the job subscription
// (job not found, forbidden, malformed request). It is fatal and not retried.
type ServerRejectionError struct {
	StatusCode int
	Reason     string
}

func (e *ServerRejectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("server rejected job subscription: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server rejected job subscription: %s", e.Reason)
}

// IsRejection reports whether err carries a ServerRejectionError.
func IsRejection(err error) bool {
	var rej *ServerRejectionError
	return errors.As(err, &rej)
}

// RejectionStatus reports whether an HTTP status code means the server will
// never accept this job subscription.
func RejectionStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

// Failure is reported by a backend after an unsuccessful attempt.
type Failure struct {
	Backend Backend
	// Consecutive counts failed attempts since the last success.
	Consecutive int
	// Fatal is set when the backend gave up; Err then explains why.
	Fatal bool
	Err   error
}

// Rejected reports whether the failure is a server-side rejection.
func (f Failure) Rejected() bool {
	return IsRejection(f.Err)
}
