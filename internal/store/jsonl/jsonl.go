// internal/store/jsonl/jsonl.go

// Package jsonl is the file-backed persistence driver. Sessions are indexed
// in sessions/sessions.json; each session's events live in an append-only
// sessions/<sessionID>/events.jsonl log.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// Driver implements types.Driver on the local filesystem.
type Driver struct {
	root string

	mu    sync.Mutex
	locks map[types.SessionID]*sessionLock

	indexMu sync.RWMutex
}

// sessionLock serializes access to one session's event file and caches the
// set of appended event ids for idempotency.
type sessionLock struct {
	mu   sync.Mutex
	seen map[types.EventID]struct{}
}

// New creates a file-backed driver rooted at the given directory.
func New(root string) *Driver {
	return &Driver{
		root:  root,
		locks: make(map[types.SessionID]*sessionLock),
	}
}

func (d *Driver) indexPath() string {
	return filepath.Join(d.root, "sessions", "sessions.json")
}

func (d *Driver) eventsPath(id types.SessionID) string {
	return filepath.Join(d.root, "sessions", string(id), "events.jsonl")
}

// getLock returns the per-session lock, creating it (and priming the seen
// set from the existing log) on first use.
func (d *Driver) getLock(id types.SessionID) (*sessionLock, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.locks[id]; ok {
		return l, nil
	}
	l := &sessionLock{seen: make(map[types.EventID]struct{})}

	f, err := os.Open(d.eventsPath(id))
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var ev types.Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil {
				l.seen[ev.ID] = struct{}{}
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("scan events file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open events file: %w", err)
	}

	d.locks[id] = l
	return l, nil
}

// loadIndex reads sessions.json into a map keyed by session id.
func (d *Driver) loadIndex() (map[types.SessionID]*types.Session, error) {
	data, err := os.ReadFile(d.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.Session), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.Session, len(sessions))
	for _, s := range sessions {
		index[s.ID] = s
	}
	return index, nil
}

// saveIndex writes the index atomically: temp file then rename.
func (d *Driver) saveIndex(index map[types.SessionID]*types.Session) error {
	sessions := make([]*types.Session, 0, len(index))
	for _, s := range index {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}

	dir := filepath.Dir(d.indexPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	tmp := d.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session index: %w", err)
	}
	if err := os.Rename(tmp, d.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename session index: %w", err)
	}
	return nil
}

func (d *Driver) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	d.indexMu.RLock()
	defer d.indexMu.RUnlock()

	index, err := d.loadIndex()
	if err != nil {
		return nil, err
	}
	s, ok := index[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return s, nil
}

func (d *Driver) ListSessions(_ context.Context, cursor string, limit int) (*types.SessionPage, error) {
	afterAt, afterID, err := store.ParseSessionCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	d.indexMu.RLock()
	index, err := d.loadIndex()
	d.indexMu.RUnlock()
	if err != nil {
		return nil, err
	}

	all := make([]*types.Session, 0, len(index))
	for _, s := range index {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	page := &types.SessionPage{Items: []*types.Session{}}
	for _, s := range all {
		if cursor != "" && !store.AfterSession(s, afterAt, afterID) {
			continue
		}
		if len(page.Items) == limit {
			last := page.Items[len(page.Items)-1]
			page.NextCursor = store.SessionCursor(last.CreatedAt, last.ID)
			return page, nil
		}
		page.Items = append(page.Items, s)
	}
	return page, nil
}

func (d *Driver) UpsertSession(_ context.Context, session *types.Session) error {
	d.indexMu.Lock()
	defer d.indexMu.Unlock()

	index, err := d.loadIndex()
	if err != nil {
		return err
	}
	clone := *session
	index[session.ID] = &clone
	return d.saveIndex(index)
}

func (d *Driver) AppendEvent(_ context.Context, event *types.Event) error {
	l, err := d.getLock(event.SessionID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[event.ID]; dup {
		return nil
	}

	dir := filepath.Dir(d.eventsPath(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(d.eventsPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	l.seen[event.ID] = struct{}{}
	return nil
}

func (d *Driver) ListEvents(_ context.Context, sessionID types.SessionID, cursor string, limit int) (*types.EventPage, error) {
	after, err := store.ParseEventCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	l, err := d.getLock(sessionID)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	page := &types.EventPage{Items: []*types.Event{}}

	f, err := os.Open(d.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return page, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var all []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev types.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		all = append(all, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Index != all[j].Index {
			return all[i].Index < all[j].Index
		}
		return all[i].ID < all[j].ID
	})

	for _, ev := range all {
		if ev.Index <= after {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = store.EventCursor(page.Items[len(page.Items)-1].Index)
			return page, nil
		}
		page.Items = append(page.Items, ev)
	}
	return page, nil
}

func (d *Driver) Close() error {
	return nil
}
