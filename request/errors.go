package request

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no request row exists for the identifier.
	ErrNotFound = errors.New("request: not found")
	// ErrConflict signals the state already advanced past the requested
	// transition (e.g. a double-click on an already completed request).
	ErrConflict = errors.New("request: state conflict")
	// Terminal-state guards, distinguished so clients can render the right path.
	ErrRequestExpired   = errors.New("request: expired")
	ErrRequestCancelled = errors.New("request: cancelled")
	ErrRequestDeclined  = errors.New("request: declined")
)

// ValidationError collects every violation found in an input, not just the first.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request: invalid input: %s", strings.Join(e.Violations, "; "))
}

// TerminalError maps a terminal status to its guard error. Completed maps to
// ErrConflict: the request is done, not failed.
func TerminalError(s Status) error {
	switch s {
	case StatusExpired:
		return ErrRequestExpired
	case StatusCancelled:
		return ErrRequestCancelled
	case StatusDeclined:
		return ErrRequestDeclined
	case StatusCompleted:
		return ErrConflict
	}
	return nil
}
