// ABOUTME: Typed error taxonomy shared by every casewire component.
// ABOUTME: Classifies failures so callers can pick retry, recovery, or backpressure.

package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure by the policy its callers should apply.
type Kind int

const (
	// Communication covers timeouts, refused connections, and protocol
	// violations on the inter-agent boundary. Retried with backoff.
	Communication Kind = iota
	// State covers checksum mismatches, unreadable logs, and partial
	// writes. Recovered locally, never silently discarded.
	State
	// Business covers validation and policy failures. Surfaced to the
	// owning agent's decision logic, never retried mechanically.
	Business
	// Resource covers capacity rejections (queue full, task slots
	// exhausted). Rejected immediately so callers can apply backpressure.
	Resource
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Communication:
		return "communication"
	case State:
		return "state"
	case Business:
		return "business"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error carries the classification plus enough context for both automated
// retry logic and post-hoc audit.
type Error struct {
	Kind     Kind
	EntityID string // conversation, task, or endpoint the failure concerns
	Attempt  int    // 0 when not applicable
	At       time.Time
	Cause    error
	Msg      string
}

// New builds an Error for the given kind and entity.
func New(kind Kind, entityID, msg string) *Error {
	return &Error{Kind: kind, EntityID: entityID, Msg: msg, At: time.Now()}
}

// Wrap builds an Error wrapping an underlying cause.
func Wrap(kind Kind, entityID string, cause error, msg string) *Error {
	return &Error{Kind: kind, EntityID: entityID, Msg: msg, Cause: cause, At: time.Now()}
}

// WithAttempt returns a copy of the error annotated with an attempt number.
func (e *Error) WithAttempt(n int) *Error {
	dup := *e
	dup.Attempt = n
	return &dup
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s error", e.Kind)
	if e.EntityID != "" {
		s += fmt.Sprintf(" [%s]", e.EntityID)
	}
	if e.Attempt > 0 {
		s += fmt.Sprintf(" (attempt %d)", e.Attempt)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf reports the kind of err if it is (or wraps) a fault.Error.
// The second return is false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
