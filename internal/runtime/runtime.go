// internal/runtime/runtime.go

// Package runtime executes turns: it owns the per-session adapter
// instances and pumps their native output through the normalizer into the
// session log, registering HITL requests along the way.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/switchboard/internal/agent"
	"github.com/user/switchboard/internal/gateway"
	"github.com/user/switchboard/internal/hitl"
	"github.com/user/switchboard/internal/normalize"
	"github.com/user/switchboard/internal/session"
	"github.com/user/switchboard/internal/types"
)

// Runtime is the turn processor plugged into the gateway queue.
type Runtime struct {
	manager  *session.Manager
	registry *agent.Registry
	policy   hitl.Policy

	mu       sync.Mutex
	backends map[types.SessionID]*backend
}

// backend is one session's live adapter and its normalizer. The normalizer
// is stateful (open items, lifecycle flags) and lives as long as the
// adapter does.
type backend struct {
	adapter    agent.Adapter
	normalizer *normalize.Normalizer
}

// New creates a Runtime. policy may be nil, in which case every HITL
// request passes through to the client.
func New(manager *session.Manager, registry *agent.Registry, policy hitl.Policy) *Runtime {
	return &Runtime{
		manager:  manager,
		registry: registry,
		policy:   policy,
		backends: make(map[types.SessionID]*backend),
	}
}

// backendFor returns the session's live backend, starting one on first use
// or after a daemon restart.
func (r *Runtime) backendFor(ctx context.Context, sessionID types.SessionID) (*backend, error) {
	r.mu.Lock()
	if b, ok := r.backends[sessionID]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	sess, err := r.manager.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	adapter, err := r.registry.New(sess.Agent, sess.Init)
	if err != nil {
		return nil, fmt.Errorf("start backend %s: %w", sess.Agent, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[sessionID]; ok {
		adapter.Close()
		return b, nil
	}
	b := &backend{
		adapter:    adapter,
		normalizer: normalize.New(sessionID, sess.Agent, adapter.Capabilities()),
	}
	r.backends[sessionID] = b
	return b, nil
}

// Process executes one turn. It is the gateway queue's processor; the
// queue guarantees one turn per session at a time.
func (r *Runtime) Process(turn *gateway.Turn) error {
	ctx := turn.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.manager.SetTurnCancel(ctx, turn.SessionID, cancel)

	b, err := r.backendFor(ctx, turn.SessionID)
	if err != nil {
		return err
	}

	var replay string
	if turn.Resume {
		replay, err = r.manager.ReplayBlock(ctx, turn.SessionID)
		if err != nil {
			return err
		}
	}

	if err := r.manager.AppendAll(ctx, b.normalizer.Begin()); err != nil {
		return err
	}
	if !b.adapter.Capabilities().UserEcho {
		if err := r.manager.AppendAll(ctx, b.normalizer.UserMessage(turn.Prompt)); err != nil {
			return err
		}
	}

	runErr := b.adapter.Run(ctx, turn.Prompt, replay, func(msg *normalize.Native) error {
		return r.ingest(ctx, turn.SessionID, b, msg)
	})
	if runErr != nil {
		return r.failTurn(turn.SessionID, b, runErr)
	}
	return nil
}

// ingest routes one native message through the normalizer into the log,
// handling lifecycle and HITL side effects.
func (r *Runtime) ingest(ctx context.Context, sessionID types.SessionID, b *backend, msg *normalize.Native) error {
	for _, ev := range b.normalizer.Normalize(msg) {
		// A backend-reported end closes the whole session, not just the
		// event log entry.
		if ev.Type == types.EventSessionEnded {
			var data types.SessionEndedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				data = types.SessionEndedData{Reason: types.EndCompleted, TerminatedBy: types.SourceAgent}
			}
			r.shutdownBackend(sessionID)
			return r.manager.End(ctx, sessionID, data.Reason, data.TerminatedBy, data.Detail)
		}

		if err := r.manager.Append(ctx, ev); err != nil {
			return err
		}
		r.registerRequest(ctx, sessionID, ev)
	}
	return nil
}

// registerRequest tracks *.requested events in the correlator and applies
// the auto-resolution policy.
func (r *Runtime) registerRequest(ctx context.Context, sessionID types.SessionID, ev *types.Event) {
	var pending *hitl.Pending
	switch ev.Type {
	case types.EventPermissionRequested:
		var data types.PermissionRequestedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		pending = &hitl.Pending{
			ID:        data.PermissionID,
			SessionID: sessionID,
			Kind:      hitl.KindPermission,
			Action:    data.Action,
			CreatedAt: time.Now(),
		}
	case types.EventQuestionRequested:
		var data types.QuestionRequestedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return
		}
		pending = &hitl.Pending{
			ID:        data.QuestionID,
			SessionID: sessionID,
			Kind:      hitl.KindQuestion,
			Prompt:    data.Prompt,
			Options:   data.Options,
			CreatedAt: time.Now(),
		}
	default:
		return
	}

	r.manager.RegisterPending(pending)
	if r.policy == nil {
		return
	}
	decision, ok := r.policy.Decide(pending)
	if !ok {
		return
	}

	var err error
	if pending.Kind == hitl.KindPermission {
		_, err = r.manager.ResolvePermission(ctx, sessionID, pending.ID, decision.Approve)
	} else {
		_, err = r.manager.ResolveQuestion(ctx, sessionID, pending.ID, decision.Response)
	}
	if err != nil {
		slog.Warn("policy auto-resolution failed",
			"session_id", string(sessionID), "request_id", string(pending.ID), "error", err)
	}
}

// failTurn records the failure in the log and ends the session with the
// error reason. Cancellation is an orderly termination, not a failure.
func (r *Runtime) failTurn(sessionID types.SessionID, b *backend, runErr error) error {
	ctx := context.Background()
	if errors.Is(runErr, context.Canceled) {
		r.shutdownBackend(sessionID)
		return runErr
	}

	errEv := normalize.NewEvent(sessionID, types.EventError, types.SourceDaemon,
		&types.ErrorData{Message: runErr.Error()}, nil)
	if err := r.manager.Append(ctx, errEv); err != nil && !errors.Is(err, types.ErrSessionEnded) {
		slog.Warn("error event append failed", "session_id", string(sessionID), "error", err)
	}

	r.shutdownBackend(sessionID)
	if err := r.manager.End(ctx, sessionID, types.EndError, types.SourceDaemon, runErr.Error()); err != nil {
		slog.Warn("session end after failure failed", "session_id", string(sessionID), "error", err)
	}
	return runErr
}

// EndSession terminates the session on behalf of a client, closing the
// backend first so no further output races the ended event.
func (r *Runtime) EndSession(ctx context.Context, sessionID types.SessionID, reason types.EndReason, detail string) error {
	r.shutdownBackend(sessionID)
	return r.manager.End(ctx, sessionID, reason, types.SourceDaemon, detail)
}

// shutdownBackend closes and forgets the session's adapter.
func (r *Runtime) shutdownBackend(sessionID types.SessionID) {
	r.mu.Lock()
	b, ok := r.backends[sessionID]
	delete(r.backends, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := b.adapter.Close(); err != nil {
		slog.Warn("backend close failed", "session_id", string(sessionID), "error", err)
	}
}

// Alive reports whether the session currently has a live backend.
func (r *Runtime) Alive(sessionID types.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.backends[sessionID]
	return ok
}

// Close shuts down every live backend.
func (r *Runtime) Close() {
	r.mu.Lock()
	backends := r.backends
	r.backends = make(map[types.SessionID]*backend)
	r.mu.Unlock()
	for id, b := range backends {
		if err := b.adapter.Close(); err != nil {
			slog.Warn("backend close failed", "session_id", string(id), "error", err)
		}
	}
}
