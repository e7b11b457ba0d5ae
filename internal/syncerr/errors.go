package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks input rejected before any side effect (empty content, malformed ids).
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrRemote marks a network or storage failure during fetch or submit.
	ErrRemote = errors.New("remote error")
	// ErrInvariant marks data that would break a merge invariant.
	ErrInvariant = errors.New("invariant violation")
	// ErrSendInFlight is returned when a conversation already has an outstanding submission.
	ErrSendInFlight = errors.New("send already in flight")
	// ErrClosed is returned by operations on a closed conversation or session.
	ErrClosed = errors.New("closed")
)

// Validation builds an ErrValidation with a detail message
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound for the given kind of record
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Remote wraps a driver or transport error as ErrRemote
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRemote, err)
}

// Invariant builds an ErrInvariant with a detail message
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
