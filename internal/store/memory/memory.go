// internal/store/memory/memory.go

// Package memory is the reference in-memory persistence driver. Each
// session's event log is a bounded ring: once the cap is reached the oldest
// events are evicted so long-lived sessions cannot grow memory without
// bound when no durable backend is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// DefaultRingCap is the per-session event cap when none is configured.
const DefaultRingCap = 1024

// Driver implements types.Driver entirely in memory.
type Driver struct {
	cap  int
	mu   sync.RWMutex
	sess map[types.SessionID]*types.Session
	logs map[types.SessionID]*ring
}

// ring is one session's bounded event log. Its mutex serializes appends so
// list reads observe a prefix-consistent order.
type ring struct {
	mu     sync.Mutex
	events []*types.Event
	seen   map[types.EventID]struct{}
}

// New creates a memory driver with the given per-session ring capacity.
// A non-positive cap falls back to DefaultRingCap.
func New(ringCap int) *Driver {
	if ringCap <= 0 {
		ringCap = DefaultRingCap
	}
	return &Driver{
		cap:  ringCap,
		sess: make(map[types.SessionID]*types.Session),
		logs: make(map[types.SessionID]*ring),
	}
}

func (d *Driver) GetSession(_ context.Context, id types.SessionID) (*types.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sess[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (d *Driver) ListSessions(_ context.Context, cursor string, limit int) (*types.SessionPage, error) {
	afterAt, afterID, err := store.ParseSessionCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	d.mu.RLock()
	all := make([]*types.Session, 0, len(d.sess))
	for _, s := range d.sess {
		clone := *s
		all = append(all, &clone)
	}
	d.mu.RUnlock()

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
	clone := *session
	d.mu.Lock()
	d.sess[session.ID] = &clone
	d.mu.Unlock()
	return nil
}

func (d *Driver) log(id types.SessionID) *ring {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.logs[id]
	if !ok {
		r = &ring{seen: make(map[types.EventID]struct{})}
		d.logs[id] = r
	}
	return r
}

func (d *Driver) AppendEvent(_ context.Context, event *types.Event) error {
	r := d.log(event.SessionID)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[event.ID]; dup {
		// Idempotent on event id: a resubmission is a no-op.
		return nil
	}
	clone := *event
	r.events = append(r.events, &clone)
	r.seen[event.ID] = struct{}{}

	for len(r.events) > d.cap {
		delete(r.seen, r.events[0].ID)
		r.events = r.events[1:]
	}
	return nil
}

func (d *Driver) ListEvents(_ context.Context, sessionID types.SessionID, cursor string, limit int) (*types.EventPage, error) {
	after, err := store.ParseEventCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = store.ClampLimit(limit)

	r := d.log(sessionID)
	r.mu.Lock()
	snapshot := make([]*types.Event, len(r.events))
	copy(snapshot, r.events)
	r.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Index != snapshot[j].Index {
			return snapshot[i].Index < snapshot[j].Index
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	page := &types.EventPage{Items: []*types.Event{}}
	for _, ev := range snapshot {
		if ev.Index <= after {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = store.EventCursor(page.Items[len(page.Items)-1].Index)
			return page, nil
		}
		clone := *ev
		page.Items = append(page.Items, &clone)
	}
	return page, nil
}

func (d *Driver) Close() error {
	return nil
}
