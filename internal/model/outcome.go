package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for the server outcomes the sync engine reacts to.
// The catalog client maps HTTP responses onto these; callers classify
// with [errors.Is]. Anything not matching one of them (including
// [ServerError]) is treated as an unclassified failure.
var (
	// ErrUnavailable covers transport failures, timeouts, and 5xx
	// responses. The condition is transient; the engine keeps the item
	// queued and retries on a later sweep.
	ErrUnavailable = errors.New("catalog unavailable")

	// ErrUnauthorized covers 401 and 403. The session token is missing,
	// expired, or rejected.
	ErrUnauthorized = errors.New("catalog rejected session token")

	// ErrNotFound covers 404. The record the mutation targets does not
	// exist on the server.
	ErrNotFound = errors.New("catalog record not found")

	// ErrEventsPruned covers 410 on the events feed. The requested
	// cursor predates the server's retained event window; only a full
	// sync can restore consistency.
	ErrEventsPruned = errors.New("catalog pruned requested events")
)

// ServerError reports a non-2xx response that maps to none of the
// sentinel errors above.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("catalog returned unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("catalog returned unexpected status %d: %s", e.StatusCode, e.Body)
}

// ReasonForError condenses a sync failure into the reason persisted on
// the errored item. Transient outcomes never reach this function; the
// engine requeues them instead of parking the item.
func ReasonForError(err error) ErrorReason {
	var srvErr *ServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return ReasonUnauthorized
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.As(err, &srvErr):
		return ReasonServer
	default:
		return ReasonUnknown
	}
}
