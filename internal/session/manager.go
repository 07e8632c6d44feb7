// internal/session/manager.go

// Package session owns the session state machine: creation, connection
// binding, serialized event-index assignment, resumption with bounded
// replay injection, and termination. All mutable per-session state lives
// behind each session's single-writer lock; the persistence driver is the
// source of truth for ordering.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/switchboard/internal/gateway"
	"github.com/user/switchboard/internal/hitl"
	"github.com/user/switchboard/internal/normalize"
	"github.com/user/switchboard/internal/stream"
	"github.com/user/switchboard/internal/types"
)

// Manager is the arena of session states, addressed by id.
type Manager struct {
	driver     types.Driver
	hub        *stream.Hub
	correlator *hitl.Correlator
	retry      *gateway.RetryPolicy
	replay     *ReplayBudget

	mu     sync.Mutex
	states map[types.SessionID]*state
}

// state is one session's in-memory record. Its mutex is the per-session
// serialization point: at most one append is in flight at a time, so no two
// events ever receive the same or out-of-order indices.
type state struct {
	mu         sync.Mutex
	sess       *types.Session
	lastIndex  int64
	liveConn   types.ConnectionID
	lastActive time.Time
	cancelTurn context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetryPolicy overrides the append retry policy.
func WithRetryPolicy(p *gateway.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithReplayBudget overrides the resumption replay budget.
func WithReplayBudget(b *ReplayBudget) Option {
	return func(m *Manager) { m.replay = b }
}

// NewManager creates a Manager over the given driver, fan-out hub, and HITL
// correlator.
func NewManager(driver types.Driver, hub *stream.Hub, correlator *hitl.Correlator, opts ...Option) *Manager {
	m := &Manager{
		driver:     driver,
		hub:        hub,
		correlator: correlator,
		retry:      gateway.DefaultRetryPolicy(),
		replay:     DefaultReplayBudget(),
		states:     make(map[types.SessionID]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Correlator exposes the HITL correlator for policy application.
func (m *Manager) Correlator() *hitl.Correlator { return m.correlator }

// Driver exposes the persistence driver for read paths (event listing).
func (m *Manager) Driver() types.Driver { return m.driver }

// Hub exposes the fan-out hub for live subscriptions.
func (m *Manager) Hub() *stream.Hub { return m.hub }

// Create allocates a new session for the given backend and init parameters.
func (m *Manager) Create(ctx context.Context, agent string, init []byte) (*types.Session, error) {
	sess := &types.Session{
		ID:        types.NewSessionID(),
		Agent:     agent,
		CreatedAt: time.Now().UTC(),
		Init:      init,
	}
	if err := m.driver.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	m.mu.Lock()
	m.states[sess.ID] = &state{sess: sess}
	m.mu.Unlock()

	slog.Info("session created", "session_id", string(sess.ID), "agent", agent)
	clone := *sess
	return &clone, nil
}

// load returns the session's state, recovering it from the driver after a
// daemon restart. The last assigned event index is rebuilt by paging to the
// end of the persisted log.
func (m *Manager) load(ctx context.Context, id types.SessionID) (*state, error) {
	m.mu.Lock()
	if st, ok := m.states[id]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	sess, err := m.driver.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	lastIndex, _, err := tailEvents(ctx, m.driver, id, 0)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[id]; ok {
		return st, nil
	}
	st := &state{sess: sess, lastIndex: lastIndex, liveConn: sess.LastConnectionID}
	m.states[id] = st
	return st, nil
}

// Get returns a copy of the session record.
func (m *Manager) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	st, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	clone := *st.sess
	return &clone, nil
}

// endedErrLocked builds the typed terminal-state error. Caller holds st.mu.
func endedErrLocked(st *state) error {
	return &types.SessionEndedError{
		SessionID: st.sess.ID,
		Reason:    st.sess.EndReason,
		Detail:    st.sess.EndDetail,
	}
}

// Bind attaches a new connection to the session, superseding any previous
// one. A fresh connection id is always issued; ids are never reused.
func (m *Manager) Bind(ctx context.Context, id types.SessionID) (types.ConnectionID, error) {
	st, err := m.load(ctx, id)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.Ended() {
		return "", endedErrLocked(st)
	}

	conn := types.NewConnectionID()
	st.liveConn = conn
	st.lastActive = time.Now()
	st.sess.LastConnectionID = conn
	if err := m.driver.UpsertSession(ctx, st.sess); err != nil {
		return "", fmt.Errorf("persist connection binding: %w", err)
	}
	slog.Debug("connection bound", "session_id", string(id), "connection_id", string(conn))
	return conn, nil
}

// ValidateConnection checks that conn is the session's current live
// connection. A superseded or unknown id fails with ErrStaleConnection.
func (m *Manager) ValidateConnection(ctx context.Context, id types.SessionID, conn types.ConnectionID) error {
	st, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if conn == "" || st.liveConn != conn {
		return fmt.Errorf("connection %s for session %s: %w", conn, id, types.ErrStaleConnection)
	}
	st.lastActive = time.Now()
	return nil
}

// Resume rebinds a connection to an existing session and builds the
// one-time replay injection block from the persisted log. Resuming an
// ended session fails with a SessionEndedError distinguishing a normal end
// from a backend error.
func (m *Manager) Resume(ctx context.Context, id types.SessionID) (types.ConnectionID, string, error) {
	st, err := m.load(ctx, id)
	if err != nil {
		return "", "", err
	}
	st.mu.Lock()
	if st.sess.Ended() {
		defer st.mu.Unlock()
		return "", "", endedErrLocked(st)
	}
	st.mu.Unlock()

	block, err := m.ReplayBlock(ctx, id)
	if err != nil {
		return "", "", err
	}

	conn, err := m.Bind(ctx, id)
	if err != nil {
		return "", "", err
	}
	return conn, block, nil
}

// ReplayBlock renders the budgeted replay block from the session's
// persisted tail. Returns "" when there is no conversational history.
func (m *Manager) ReplayBlock(ctx context.Context, id types.SessionID) (string, error) {
	_, tail, err := tailEvents(ctx, m.driver, id, m.replay.MaxEvents)
	if err != nil {
		return "", fmt.Errorf("load replay window: %w", err)
	}
	return m.replay.Build(tail), nil
}

// Append stamps the event with the session's next index and the append
// timestamp, persists it with bounded retry, and fans it out to live
// subscribers. Appends against an ended session fail with SessionEnded.
func (m *Manager) Append(ctx context.Context, ev *types.Event) error {
	st, err := m.load(ctx, ev.SessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.Ended() {
		return endedErrLocked(st)
	}
	return m.appendLocked(ctx, st, ev)
}

// appendLocked does the stamped, retried append. Caller holds st.mu.
func (m *Manager) appendLocked(ctx context.Context, st *state, ev *types.Event) error {
	ev.Index = st.lastIndex + 1
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.NativeSessionID == "" {
		ev.NativeSessionID = st.sess.AgentSessionID
	}

	err := m.retry.Execute(func() error {
		return m.driver.AppendEvent(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("append event %s after retries: %w: %w", ev.ID, types.ErrBackendUnavailable, err)
	}

	st.lastIndex = ev.Index
	m.hub.Publish(ev)
	return nil
}

// AppendAll appends a batch in order, stopping at the first failure.
func (m *Manager) AppendAll(ctx context.Context, events []*types.Event) error {
	for _, ev := range events {
		if err := m.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// SetNativeSession records the backend's native session/thread id once the
// adapter learns it.
func (m *Manager) SetNativeSession(ctx context.Context, id types.SessionID, native string) error {
	st, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.AgentSessionID == native {
		return nil
	}
	st.sess.AgentSessionID = native
	return m.driver.UpsertSession(ctx, st.sess)
}

// SetTurnCancel registers the cancel function of the session's in-flight
// turn so explicit termination can cancel it.
func (m *Manager) SetTurnCancel(ctx context.Context, id types.SessionID, cancel context.CancelFunc) {
	st, err := m.load(ctx, id)
	if err != nil {
		return
	}
	st.mu.Lock()
	st.cancelTurn = cancel
	st.mu.Unlock()
}

// RegisterPending records a HITL request surfaced by the backend so a later
// reply can be correlated to it.
func (m *Manager) RegisterPending(p *hitl.Pending) {
	m.correlator.Add(p)
}

// ResolvePermission resolves a pending permission request and appends the
// permission.resolved event to the request's own session. Unknown ids and
// replies naming the wrong session fail with ErrNotFound; double resolution
// with ErrAlreadyResolved. The request stays pending if the event cannot be
// recorded.
func (m *Manager) ResolvePermission(ctx context.Context, sessionID types.SessionID, id types.RequestID, approved bool) (*hitl.Pending, error) {
	pending, err := m.correlator.Resolve(sessionID, id)
	if err != nil {
		return nil, err
	}
	ev := normalize.PermissionResolvedEvent(pending.SessionID, id, approved)
	if err := m.Append(ctx, ev); err != nil {
		m.correlator.Restore(pending)
		return nil, err
	}
	return pending, nil
}

// ResolveQuestion resolves a pending question and appends the
// question.resolved event carrying the answer.
func (m *Manager) ResolveQuestion(ctx context.Context, sessionID types.SessionID, id types.RequestID, response string) (*hitl.Pending, error) {
	return m.finishQuestion(ctx, sessionID, id, true, response)
}

// RejectQuestion resolves a pending question without an answer.
func (m *Manager) RejectQuestion(ctx context.Context, sessionID types.SessionID, id types.RequestID) (*hitl.Pending, error) {
	return m.finishQuestion(ctx, sessionID, id, false, "")
}

func (m *Manager) finishQuestion(ctx context.Context, sessionID types.SessionID, id types.RequestID, answered bool, response string) (*hitl.Pending, error) {
	pending, err := m.correlator.Resolve(sessionID, id)
	if err != nil {
		return nil, err
	}
	ev := normalize.QuestionResolvedEvent(pending.SessionID, id, answered, response)
	if err := m.Append(ctx, ev); err != nil {
		m.correlator.Restore(pending)
		return nil, err
	}
	return pending, nil
}

// End transitions the session to its terminal state: every pending HITL
// request is force-resolved with a denial/rejection, session.ended is
// appended last, the record is marked destroyed, live subscribers are
// closed, and any in-flight turn is cancelled. Ending an already-ended
// session is a no-op.
func (m *Manager) End(ctx context.Context, id types.SessionID, reason types.EndReason, terminatedBy types.Source, detail string) error {
	st, err := m.load(ctx, id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.sess.Ended() {
		st.mu.Unlock()
		return nil
	}

	for _, pending := range m.correlator.Drain(id) {
		var ev *types.Event
		if pending.Kind == hitl.KindQuestion {
			ev = normalize.QuestionResolvedEvent(id, pending.ID, false, "")
		} else {
			ev = normalize.PermissionResolvedEvent(id, pending.ID, false)
		}
		if err := m.appendLocked(ctx, st, ev); err != nil {
			slog.Warn("force-resolve append failed", "session_id", string(id), "request_id", string(pending.ID), "error", err)
		}
	}

	ended := normalize.SessionEndedEvent(id, reason, terminatedBy, detail)
	if err := m.appendLocked(ctx, st, ended); err != nil {
		st.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	st.sess.DestroyedAt = &now
	st.sess.EndReason = reason
	st.sess.EndDetail = detail
	st.liveConn = ""
	cancel := st.cancelTurn
	st.cancelTurn = nil
	if err := m.driver.UpsertSession(ctx, st.sess); err != nil {
		slog.Warn("persist session end failed", "session_id", string(id), "error", err)
	}
	st.mu.Unlock()

	m.hub.CloseSession(id)
	if cancel != nil {
		cancel()
	}
	slog.Info("session ended", "session_id", string(id), "reason", string(reason), "terminated_by", string(terminatedBy))
	return nil
}

// SweepIdle releases live connections with no activity since the deadline.
// The session itself stays resumable; only the connection binding expires.
func (m *Manager) SweepIdle(ttl time.Duration) int {
	m.mu.Lock()
	states := make([]*state, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(-ttl)
	expired := 0
	for _, st := range states {
		st.mu.Lock()
		if st.liveConn != "" && st.lastActive.Before(deadline) && !st.sess.Ended() {
			slog.Info("expiring idle connection",
				"session_id", string(st.sess.ID), "connection_id", string(st.liveConn))
			st.liveConn = ""
			expired++
		}
		st.mu.Unlock()
	}
	return expired
}

// tailEvents pages through the session's log, returning the last assigned
// index and, when max > 0, the trailing max events.
func tailEvents(ctx context.Context, driver types.Driver, id types.SessionID, max int) (int64, []*types.Event, error) {
	var lastIndex int64
	var tail []*types.Event
	cursor := ""
	for {
		page, err := driver.ListEvents(ctx, id, cursor, types.DefaultPageSize)
		if err != nil {
			return 0, nil, err
		}
		for _, ev := range page.Items {
			lastIndex = ev.Index
			if max > 0 {
				tail = append(tail, ev)
				if len(tail) > max {
					tail = tail[1:]
				}
			}
		}
		if page.NextCursor == "" {
			return lastIndex, tail, nil
		}
		cursor = page.NextCursor
	}
}
