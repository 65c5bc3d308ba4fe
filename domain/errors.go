package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidItem is returned when a raw record cannot be turned into a node.
	ErrInvalidItem = errors.New("invalid item")
	// ErrInvalidKind is returned for a kind outside the five hierarchy levels.
	ErrInvalidKind = errors.New("invalid kind")
	// ErrInvalidChild is returned when a nil node is attached as a child.
	ErrInvalidChild = errors.New("child must be a hierarchy node")
	// ErrInvalidRange indicates a time-entry query without both bounds.
	ErrInvalidRange = errors.New("time range requires start and end")
)

// TransportError wraps any failure talking to the remote service: network
// errors, timeouts, non-2xx answers and undecodable bodies.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same request may succeed.
func (e *TransportError) Temporary() bool {
	switch {
	case e.Status == 0:
		return true
	case e.Status == http.StatusRequestTimeout, e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

// OrphanSubtaskError describes a subtask whose parent is not part of the
// batch it was delivered in. It is only ever logged.
type OrphanSubtaskError struct {
	TaskID   string
	ParentID string
}

func (e OrphanSubtaskError) Error() string {
	return fmt.Sprintf("subtask %s references parent %s outside of its batch", e.TaskID, e.ParentID)
}
