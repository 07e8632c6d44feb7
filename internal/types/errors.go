// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an unknown session, event, or HITL request id.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyResolved reports a duplicate HITL resolution.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrTimeout reports a bridge call that exceeded its deadline.
	ErrTimeout = errors.New("call timed out")
	// ErrBackendUnavailable reports a persistence driver failure that
	// survived the bounded retry policy.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	// ErrStaleConnection reports a call against a superseded or unknown
	// connection id.
	ErrStaleConnection = errors.New("stale connection")
	// ErrSessionEnded reports an append or resume against a terminal session.
	ErrSessionEnded = errors.New("session ended")
)

// SessionEndedError is returned on resume/append against an ended session.
// It distinguishes a normal end from an end caused by a backend error and
// carries the original exit detail.
type SessionEndedError struct {
	SessionID SessionID
	Reason    EndReason
	Detail    string
}

func (e *SessionEndedError) Error() string {
	if e.Reason == EndError {
		return fmt.Sprintf("session %s ended due to backend error: %s", e.SessionID, e.Detail)
	}
	return fmt.Sprintf("session %s ended (%s)", e.SessionID, e.Reason)
}

func (e *SessionEndedError) Unwrap() error {
	return ErrSessionEnded
}
