// internal/hitl/correlator.go

// Package hitl correlates human-in-the-loop requests (permissions and
// questions) with their resolutions. The correlator enforces exactly one
// resolution per request and nothing else; policy lives in Policy hooks
// applied by the caller at the decision boundary.
package hitl

import (
	"sync"
	"time"

	"github.com/user/switchboard/internal/types"
)

// Kind distinguishes the two structurally identical HITL flows.
type Kind string

const (
	KindPermission Kind = "permission"
	KindQuestion   Kind = "question"
)

// Pending is an outstanding HITL request awaiting resolution.
type Pending struct {
	ID        types.RequestID
	SessionID types.SessionID
	Kind      Kind
	Action    string
	Prompt    string
	Options   []string
	CreatedAt time.Time
}

// Decision is a policy's answer to a pending request.
type Decision struct {
	Approve  bool
	Response string
}

// Policy decides a pending request automatically. ok=false passes the
// request through to the client.
type Policy interface {
	Decide(p *Pending) (Decision, bool)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(p *Pending) (Decision, bool)

func (f PolicyFunc) Decide(p *Pending) (Decision, bool) { return f(p) }

// AutoApprove approves every permission and leaves questions to the client.
func AutoApprove() Policy {
	return PolicyFunc(func(p *Pending) (Decision, bool) {
		if p.Kind == KindPermission {
			return Decision{Approve: true}, true
		}
		return Decision{}, false
	})
}

// AutoDeny denies every request.
func AutoDeny() Policy {
	return PolicyFunc(func(p *Pending) (Decision, bool) {
		return Decision{}, true
	})
}

// Correlator holds pending requests keyed by id.
type Correlator struct {
	mu       sync.Mutex
	pending  map[types.RequestID]*Pending
	resolved map[types.RequestID]struct{}
}

// New creates an empty correlator.
func New() *Correlator {
	return &Correlator{
		pending:  make(map[types.RequestID]*Pending),
		resolved: make(map[types.RequestID]struct{}),
	}
}

// Add registers a request on *.requested. Re-adding a known id is a no-op
// so a replayed requested event cannot shadow an existing entry.
func (c *Correlator) Add(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.resolved[p.ID]; done {
		return
	}
	if _, ok := c.pending[p.ID]; ok {
		return
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	c.pending[p.ID] = p
}

// Resolve removes and returns the pending request for id. An unknown id is
// ErrNotFound; an id that was already resolved is ErrAlreadyResolved, never
// a silent overwrite. A reply naming the wrong session is ErrNotFound and
// leaves the request pending, so a corrected retry still succeeds.
func (c *Correlator) Resolve(sessionID types.SessionID, id types.RequestID) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok {
		if p.SessionID != sessionID {
			return nil, types.ErrNotFound
		}
		delete(c.pending, id)
		c.resolved[id] = struct{}{}
		return p, nil
	}
	if _, done := c.resolved[id]; done {
		return nil, types.ErrAlreadyResolved
	}
	return nil, types.ErrNotFound
}

// Restore puts a resolved request back in the pending set. Called when the
// resolution event could not be recorded, so the request stays answerable.
func (c *Correlator) Restore(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resolved, p.ID)
	c.pending[p.ID] = p
}

// Drain removes and returns every pending request for the session, marking
// each resolved. Called on session termination so the caller can
// force-resolve them with default denial/rejection outcomes.
func (c *Correlator) Drain(sessionID types.SessionID) []*Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Pending
	for id, p := range c.pending {
		if p.SessionID != sessionID {
			continue
		}
		delete(c.pending, id)
		c.resolved[id] = struct{}{}
		out = append(out, p)
	}
	return out
}

// PendingCount reports outstanding requests for a session.
func (c *Correlator) PendingCount(sessionID types.SessionID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pending {
		if p.SessionID == sessionID {
			n++
		}
	}
	return n
}
