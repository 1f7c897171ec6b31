package workflow

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for unknown or expired alert ids.
var ErrNotFound = errors.New("workflow not found")

// Error reports a workflow that failed as a whole. Only the mandatory
// triage stage produces one.
type Error struct {
	AlertID string
	Stage   string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workflow %s failed at %s: %v", e.AlertID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
