package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for gateway calls. Callers classify with errors.Is.
var (
	// ErrNotFound covers missing users, channels, and memberships (HTTP 404).
	ErrNotFound = errors.New("chat: not found")

	// ErrUnauthorized covers credential-level failures (HTTP 401/403).
	// There is no automatic remediation; it is surfaced to the caller.
	ErrUnauthorized = errors.New("chat: unauthorized")

	// ErrTransient covers network-level and 5xx failures. One-shot REST calls
	// surface it immediately; the event stream reconnects on it.
	ErrTransient = errors.New("chat: transient failure")
)

// apiError decorates a taxonomy sentinel with the failing operation and status.
type apiError struct {
	op     string
	status int
	kind   error
}

func (e *apiError) Error() string {
	if e.status > 0 {
		return fmt.Sprintf("chat: %s: http %d", e.op, e.status)
	}
	return fmt.Sprintf("chat: %s failed", e.op)
}

func (e *apiError) Unwrap() error { return e.kind }

// statusError maps an HTTP response code to the taxonomy. A nil return means
// the status is a success.
func statusError(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return &apiError{op: op, status: status, kind: ErrNotFound}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &apiError{op: op, status: status, kind: ErrUnauthorized}
	default:
		return &apiError{op: op, status: status, kind: ErrTransient}
	}
}

// transportError wraps a network-level failure as transient.
func transportError(op string, err error) error {
	return fmt.Errorf("chat: %s: %v: %w", op, err, ErrTransient)
}
