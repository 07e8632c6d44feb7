// internal/types/interfaces.go
package types

import (
	"context"
)

// DefaultPageSize is used when a list limit is omitted or invalid.
const DefaultPageSize = 100

// SessionPage is one page of sessions ordered by (created_at, id).
type SessionPage struct {
	Items      []*Session `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// EventPage is one page of events ordered by (event_index, id).
type EventPage struct {
	Items      []*Event `json:"items"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Driver is the persistence contract every storage backend implements.
//
// ListEvents must return a prefix-consistent total order by
// (event_index, id) even under concurrent appends: replay depends on
// resuming from any previously observed event_index without gaps or
// duplicates. AppendEvent is idempotent on the event id: a resubmitted id
// is deduplicated, never stored twice. UpsertSession is idempotent with
// last-writer-wins semantics on repeated ids.
type Driver interface {
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	ListSessions(ctx context.Context, cursor string, limit int) (*SessionPage, error)
	UpsertSession(ctx context.Context, session *Session) error
	ListEvents(ctx context.Context, sessionID SessionID, cursor string, limit int) (*EventPage, error)
	AppendEvent(ctx context.Context, event *Event) error
	Close() error
}
