// internal/store/cursor.go

// Package store holds the pagination helpers shared by every persistence
// driver. The driver contract itself lives in internal/types.
package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/user/switchboard/internal/types"
)

// ClampLimit applies the default page size when a limit is omitted or
// invalid.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return types.DefaultPageSize
	}
	return limit
}

// EventCursor encodes the event_index of the last event in a page. The next
// page starts strictly after it.
func EventCursor(lastIndex int64) string {
	return strconv.FormatInt(lastIndex, 10)
}

// ParseEventCursor decodes an event cursor. An empty cursor means "from the
// beginning".
func ParseEventCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	idx, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse event cursor %q: %w", cursor, err)
	}
	return idx, nil
}

// SessionCursor encodes the (created_at, id) position of the last session in
// a page.
func SessionCursor(createdAt time.Time, id types.SessionID) string {
	return strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + string(id)
}

// ParseSessionCursor decodes a session cursor. An empty cursor means "from
// the beginning".
func ParseSessionCursor(cursor string) (time.Time, types.SessionID, error) {
	if cursor == "" {
		return time.Time{}, "", nil
	}
	nanos, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed session cursor %q", cursor)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parse session cursor %q: %w", cursor, err)
	}
	return time.Unix(0, n), types.SessionID(id), nil
}

// AfterSession reports whether session s sorts strictly after the
// (created_at, id) cursor position.
func AfterSession(s *types.Session, createdAt time.Time, id types.SessionID) bool {
	if s.CreatedAt.After(createdAt) {
		return true
	}
	if s.CreatedAt.Equal(createdAt) {
		return s.ID > id
	}
	return false
}
