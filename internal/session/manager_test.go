// internal/session/manager_test.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/user/switchboard/internal/hitl"
	"github.com/user/switchboard/internal/normalize"
	"github.com/user/switchboard/internal/store/memory"
	"github.com/user/switchboard/internal/stream"
	"github.com/user/switchboard/internal/types"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, types.Driver) {
	t.Helper()
	driver := memory.New(0)
	m := NewManager(driver, stream.New(16), hitl.New(), opts...)
	return m, driver
}

func messageEvent(sessionID types.SessionID, role types.Role, text string) *types.Event {
	return normalize.NewEvent(sessionID, types.EventItemCompleted, types.SourceAgent, &types.ItemData{
		Item: &types.Item{
			ID:      types.NewItemID(),
			Kind:    types.ItemMessage,
			Role:    role,
			Content: []types.ContentPart{{Type: types.PartText, Text: text}},
			Status:  types.StatusCompleted,
		},
	}, nil)
}

func listAll(t *testing.T, driver types.Driver, id types.SessionID) []*types.Event {
	t.Helper()
	var all []*types.Event
	cursor := ""
	for {
		page, err := driver.ListEvents(context.Background(), id, cursor, types.DefaultPageSize)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, page.Items...)
		if page.NextCursor == "" {
			return all
		}
		cursor = page.NextCursor
	}
}

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", json.RawMessage(`{"model":"small"}`))
	if err != nil {
		t.Fatal(err)
	}

	got, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Agent != "mock" {
		t.Errorf("expected agent mock, got %s", got.Agent)
	}
	if got.Ended() {
		t.Error("fresh session must not be ended")
	}

	if _, err := m.Get(ctx, types.NewSessionID()); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestBindIssuesFreshConnectionIDs(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}

	first, err := m.Bind(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Bind(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("rebinding must issue a fresh connection id")
	}

	if err := m.ValidateConnection(ctx, sess.ID, second); err != nil {
		t.Errorf("current connection rejected: %v", err)
	}
	if err := m.ValidateConnection(ctx, sess.ID, first); !errors.Is(err, types.ErrStaleConnection) {
		t.Errorf("superseded connection must be stale, got %v", err)
	}

	stored, err := driver.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastConnectionID != second {
		t.Errorf("last connection not persisted, got %s want %s", stored.LastConnectionID, second)
	}
}

func TestAppendAssignsGaplessIndices(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	errc := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errc <- m.Append(ctx, messageEvent(sess.ID, types.RoleAssistant, fmt.Sprintf("msg %d", i)))
		}(i)
	}
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil {
			t.Fatal(err)
		}
	}

	all := listAll(t, driver, sess.ID)
	if len(all) != n {
		t.Fatalf("expected %d events, got %d", n, len(all))
	}
	for i, ev := range all {
		want := types.FirstEventIndex + int64(i)
		if ev.Index != want {
			t.Fatalf("event %d has index %d, want %d (gapless)", i, ev.Index, want)
		}
		if ev.At.IsZero() {
			t.Fatal("append must stamp the event timestamp")
		}
	}
}

func TestAppendToEndedSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.End(ctx, sess.ID, types.EndCompleted, types.SourceDaemon, ""); err != nil {
		t.Fatal(err)
	}

	err = m.Append(ctx, messageEvent(sess.ID, types.RoleUser, "hello?"))
	var ended *types.SessionEndedError
	if !errors.As(err, &ended) {
		t.Fatalf("expected SessionEndedError, got %v", err)
	}
	if ended.Reason != types.EndCompleted {
		t.Errorf("expected completed reason, got %s", ended.Reason)
	}
}

func TestEndForceResolvesPending(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}

	permID := types.NewRequestID()
	questionID := types.NewRequestID()
	m.RegisterPending(&hitl.Pending{ID: permID, SessionID: sess.ID, Kind: hitl.KindPermission, Action: "write_file"})
	m.RegisterPending(&hitl.Pending{ID: questionID, SessionID: sess.ID, Kind: hitl.KindQuestion, Prompt: "which branch?"})

	if err := m.End(ctx, sess.ID, types.EndTerminated, types.SourceDaemon, "client request"); err != nil {
		t.Fatal(err)
	}

	all := listAll(t, driver, sess.ID)
	var sawDenied, sawRejected bool
	for _, ev := range all {
		switch ev.Type {
		case types.EventPermissionResolved:
			var data types.PermissionResolvedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatal(err)
			}
			if data.PermissionID == permID && data.Status == "denied" {
				sawDenied = true
			}
		case types.EventQuestionResolved:
			var data types.QuestionResolvedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatal(err)
			}
			if data.QuestionID == questionID && data.Status == "rejected" {
				sawRejected = true
			}
		}
	}
	if !sawDenied || !sawRejected {
		t.Errorf("expected forced denial and rejection events, denied=%v rejected=%v", sawDenied, sawRejected)
	}

	last := all[len(all)-1]
	if last.Type != types.EventSessionEnded {
		t.Errorf("session.ended must be the final event, got %s", last.Type)
	}

	if _, err := m.ResolvePermission(ctx, sess.ID, permID, true); !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("force-resolved request must read as already resolved, got %v", err)
	}
	if m.Correlator().PendingCount(sess.ID) != 0 {
		t.Error("no requests may stay pending after session end")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.End(ctx, sess.ID, types.EndCompleted, types.SourceAgent, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.End(ctx, sess.ID, types.EndError, types.SourceDaemon, "late"); err != nil {
		t.Fatal(err)
	}

	all := listAll(t, driver, sess.ID)
	endedCount := 0
	for _, ev := range all {
		if ev.Type == types.EventSessionEnded {
			endedCount++
		}
	}
	if endedCount != 1 {
		t.Errorf("expected exactly one session.ended, got %d", endedCount)
	}

	got, err := m.Get(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.EndReason != types.EndCompleted {
		t.Errorf("second End must not overwrite the reason, got %s", got.EndReason)
	}
}

func TestResumeEndedSessionErrors(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	normal, _ := m.Create(ctx, "mock", nil)
	if err := m.End(ctx, normal.ID, types.EndCompleted, types.SourceAgent, ""); err != nil {
		t.Fatal(err)
	}
	failed, _ := m.Create(ctx, "mock", nil)
	if err := m.End(ctx, failed.ID, types.EndError, types.SourceDaemon, "backend crashed"); err != nil {
		t.Fatal(err)
	}

	_, _, err := m.Resume(ctx, normal.ID)
	var endedErr *types.SessionEndedError
	if !errors.As(err, &endedErr) || endedErr.Reason != types.EndCompleted {
		t.Fatalf("expected completed SessionEndedError, got %v", err)
	}

	_, _, err = m.Resume(ctx, failed.ID)
	var failedErr *types.SessionEndedError
	if !errors.As(err, &failedErr) || failedErr.Reason != types.EndError {
		t.Fatalf("expected error-reason SessionEndedError, got %v", err)
	}
	if failedErr.Error() == endedErr.Error() {
		t.Error("normal end and backend failure must read differently")
	}
}

func TestResumeInjectsBoundedReplay(t *testing.T) {
	m, _ := newTestManager(t, WithReplayBudget(&ReplayBudget{MaxEvents: 3, MaxChars: 16000}))
	ctx := context.Background()

	sess, err := m.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		if err := m.Append(ctx, messageEvent(sess.ID, types.RoleAssistant, fmt.Sprintf("reply %d", i))); err != nil {
			t.Fatal(err)
		}
	}

	conn, block, err := m.Resume(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if conn == "" {
		t.Fatal("resume must bind a connection")
	}
	if !strings.HasPrefix(block, ReplayMarker) {
		t.Fatalf("replay block must open with the marker, got %q", block)
	}
	if strings.Contains(block, "reply 2") {
		t.Error("replay must truncate by recency, old reply survived")
	}
	for i := 3; i < 6; i++ {
		if !strings.Contains(block, fmt.Sprintf("reply %d", i)) {
			t.Errorf("replay missing recent reply %d", i)
		}
	}
}

func TestRecoveryAfterRestart(t *testing.T) {
	driver := memory.New(0)
	ctx := context.Background()

	first := NewManager(driver, stream.New(16), hitl.New())
	sess, err := first.Create(ctx, "mock", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := first.Append(ctx, messageEvent(sess.ID, types.RoleUser, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	// A new manager over the same driver models a daemon restart.
	second := NewManager(driver, stream.New(16), hitl.New())
	if err := second.Append(ctx, messageEvent(sess.ID, types.RoleUser, "after restart")); err != nil {
		t.Fatal(err)
	}

	all := listAll(t, driver, sess.ID)
	if got := all[len(all)-1].Index; got != 6 {
		t.Errorf("restart must continue the index sequence, got %d want 6", got)
	}
}

func TestResolveQuestionAppendsEvent(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.Create(ctx, "mock", nil)
	id := types.NewRequestID()
	m.RegisterPending(&hitl.Pending{ID: id, SessionID: sess.ID, Kind: hitl.KindQuestion, Prompt: "pick one"})

	if _, err := m.ResolveQuestion(ctx, sess.ID, types.NewRequestID(), "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown request must be ErrNotFound, got %v", err)
	}

	pending, err := m.ResolveQuestion(ctx, sess.ID, id, "option-b")
	if err != nil {
		t.Fatal(err)
	}
	if pending.Prompt != "pick one" {
		t.Errorf("unexpected pending returned: %+v", pending)
	}

	if _, err := m.ResolveQuestion(ctx, sess.ID, id, "again"); !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("double resolution must be ErrAlreadyResolved, got %v", err)
	}

	all := listAll(t, driver, sess.ID)
	if len(all) != 1 || all[0].Type != types.EventQuestionResolved {
		t.Fatalf("expected a single question.resolved event, got %v", all)
	}
	var data types.QuestionResolvedData
	if err := json.Unmarshal(all[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Response != "option-b" || data.Status != "answered" {
		t.Errorf("unexpected resolution payload: %+v", data)
	}
}

func TestResolveWithWrongSessionLeavesRequestPending(t *testing.T) {
	m, driver := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.Create(ctx, "mock", nil)
	other, _ := m.Create(ctx, "mock", nil)
	id := types.NewRequestID()
	m.RegisterPending(&hitl.Pending{ID: id, SessionID: sess.ID, Kind: hitl.KindPermission, Action: "write_file"})

	// A reply naming the wrong session must not consume the request or
	// touch that session's log.
	if _, err := m.ResolvePermission(ctx, other.ID, id, true); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("mismatched session must be ErrNotFound, got %v", err)
	}
	if got := listAll(t, driver, other.ID); len(got) != 0 {
		t.Fatalf("wrong session's log must stay untouched, got %v", got)
	}

	// The corrected retry resolves and records in the request's own session.
	pending, err := m.ResolvePermission(ctx, sess.ID, id, true)
	if err != nil {
		t.Fatal(err)
	}
	if pending.Action != "write_file" {
		t.Errorf("unexpected pending returned: %+v", pending)
	}
	all := listAll(t, driver, sess.ID)
	if len(all) != 1 || all[0].Type != types.EventPermissionResolved {
		t.Fatalf("expected one permission.resolved event, got %v", all)
	}
	if all[0].SessionID != sess.ID {
		t.Errorf("resolution recorded against %s, want %s", all[0].SessionID, sess.ID)
	}
	if m.Correlator().PendingCount(sess.ID) != 0 {
		t.Error("request must be gone after the corrected resolve")
	}
}

func TestAppendPublishesToSubscribers(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, _ := m.Create(ctx, "mock", nil)
	sub := m.Hub().Subscribe(sess.ID)
	defer sub.Close()

	if err := m.Append(ctx, messageEvent(sess.ID, types.RoleAssistant, "live")); err != nil {
		t.Fatal(err)
	}

	ev := <-sub.Events()
	if ev.Type != types.EventItemCompleted || ev.Index != types.FirstEventIndex {
		t.Errorf("unexpected live event %s idx %d", ev.Type, ev.Index)
	}
}
