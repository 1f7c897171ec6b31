package stage

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks a stage that could not be reached or did not answer
	// within its timeout.
	ErrTransport = errors.New("stage transport failure")

	// ErrUpstream marks a stage that answered with a failure status or a
	// response that could not be decoded.
	ErrUpstream = errors.New("stage upstream failure")
)

// Error is the single error type returned across the stage client boundary.
// It matches ErrTransport or ErrUpstream via errors.Is.
type Error struct {
	Stage      string
	Kind       error
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("stage %s: %v: status %d: %s", e.Stage, e.Kind, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("stage %s: %v: %v", e.Stage, e.Kind, e.Err)
	default:
		return fmt.Sprintf("stage %s: %v", e.Stage, e.Kind)
	}
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns a short label for err suitable for logs and metric labels.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "unknown"
	}
}
