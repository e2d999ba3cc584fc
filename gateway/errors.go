package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of gateway failure classes.
type ErrorKind int

const (
	// KindTimeout covers call timeouts and venue-busy responses. The effect
	// of the call on the venue is unknown.
	KindTimeout ErrorKind = iota
	// KindRejected means the venue explicitly refused the request. The call
	// had no effect.
	KindRejected
	// KindUnreachable means the venue could not be contacted at all.
	KindUnreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindUnreachable:
		return "unreachable"
	}
	return "unknown"
}

// Error is the typed failure returned by every Gateway call.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway %s", e.Kind)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Reason)
}

// Retryable reports whether the failure class is worth retrying.
func (e *Error) Retryable() bool {
	return e.Kind != KindRejected
}

// NewTimeout builds a timeout (unknown effect) error.
func NewTimeout(reason string) *Error {
	return &Error{Kind: KindTimeout, Reason: reason}
}

// NewRejected builds an explicit venue rejection.
func NewRejected(reason string) *Error {
	return &Error{Kind: KindRejected, Reason: reason}
}

// NewUnreachable builds a connectivity failure.
func NewUnreachable(reason string) *Error {
	return &Error{Kind: KindUnreachable, Reason: reason}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
