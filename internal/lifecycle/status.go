// Package lifecycle defines the status set shared by every work-item kind and
// the single definition of an "active" item.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a work item.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Cancelled  Status = "cancelled"
)

// Initial is the status every newly created work item starts in.
const Initial = Pending

// ErrInvalidTransition is returned when a requested status is not one of the
// enumerated values. The entity must be left unchanged.
var ErrInvalidTransition = errors.New("invalid status transition")

var all = []Status{Pending, InProgress, Completed, Cancelled}

// All returns every status in display order.
func All() []Status {
	return append([]Status(nil), all...)
}

// Valid reports whether s is one of the enumerated statuses.
func (s Status) Valid() bool {
	switch s {
	case Pending, InProgress, Completed, Cancelled:
		return true
	}
	return false
}

// IsActive reports whether items in status s count as active. Cancelled is
// always inactive regardless of how it was reached.
func IsActive(s Status) bool {
	return s == Pending || s == InProgress
}

// Active returns the statuses for which IsActive holds, for use as a query filter.
func Active() []Status {
	var out []Status
	for _, s := range all {
		if IsActive(s) {
			out = append(out, s)
		}
	}
	return out
}

// Transition validates a move from current to next. Any enumerated target is
// accepted, including moves out of Completed or Cancelled.
func Transition(current, next Status) (Status, error) {
	if !next.Valid() {
		return current, fmt.Errorf("%w: %s -> %q", ErrInvalidTransition, current, string(next))
	}
	return next, nil
}

// Parse converts user input into a Status. Both "in_progress" and the
// display spelling "In Progress" are accepted.
func Parse(raw string) (Status, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	s := Status(norm)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Label returns the human display name of s.
func (s Status) Label() string {
	switch s {
	case Pending:
		return "Pending"
	case InProgress:
		return "In Progress"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	}
	return string(s)
}
