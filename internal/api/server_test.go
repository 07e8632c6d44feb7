// internal/api/server_test.go
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/switchboard/internal/agent"
	"github.com/user/switchboard/internal/agent/mock"
	"github.com/user/switchboard/internal/gateway"
	"github.com/user/switchboard/internal/hitl"
	"github.com/user/switchboard/internal/runtime"
	"github.com/user/switchboard/internal/session"
	"github.com/user/switchboard/internal/store/memory"
	"github.com/user/switchboard/internal/stream"
	"github.com/user/switchboard/internal/types"
)

type fixture struct {
	ts    *httptest.Server
	queue *gateway.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := session.NewManager(memory.New(0), stream.New(16), hitl.New())
	registry := agent.NewRegistry()
	mock.Register(registry)
	rt := runtime.New(manager, registry, nil)

	queue := gateway.NewQueue(2)
	queue.Start(context.Background())
	queue.SetProcessor(rt.Process)
	t.Cleanup(queue.Stop)

	ts := httptest.NewServer(NewServer(manager, rt, queue, registry.Names()))
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, queue: queue}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func (f *fixture) createSession(t *testing.T, init any) string {
	t.Helper()
	body := map[string]any{"agent": mock.Name}
	if init != nil {
		body["session_init"] = init
	}
	resp := f.post(t, "/api/sessions", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session failed with %d", resp.StatusCode)
	}
	sess := decode[types.Session](t, resp)
	return string(sess.ID)
}

func (f *fixture) postMessage(t *testing.T, sessionID, text string) {
	t.Helper()
	resp := f.post(t, "/api/sessions/"+sessionID+"/messages", map[string]string{"text": text})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post message failed with %d", resp.StatusCode)
	}
	// WaitIdle can observe the gap between enqueue and dequeue; give the
	// lane a moment to pick the turn up before waiting it out.
	time.Sleep(50 * time.Millisecond)
	if !f.queue.WaitIdle(5 * time.Second) {
		t.Fatal("turn never finished")
	}
}

func (f *fixture) getEvents(t *testing.T, sessionID, query string) *types.EventPage {
	t.Helper()
	resp, err := http.Get(f.ts.URL + "/api/sessions/" + sessionID + "/events" + query)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("get events failed with %d", resp.StatusCode)
	}
	page := decode[*types.EventPage](t, resp)
	return page
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)
	f.postMessage(t, sessionID, "hello api")

	page := f.getEvents(t, sessionID, "")
	if len(page.Items) == 0 {
		t.Fatal("expected events after a turn")
	}
	if page.Items[0].Type != types.EventSessionStarted {
		t.Errorf("expected session.started first, got %s", page.Items[0].Type)
	}

	var sawReply bool
	for _, ev := range page.Items {
		if ev.Type != types.EventItemCompleted {
			continue
		}
		var data types.ItemData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.Item.Role == types.RoleAssistant && data.Item.Text() == "echo: hello api" {
			sawReply = true
		}
	}
	if !sawReply {
		t.Error("assistant reply missing from the event log")
	}
}

func TestEventsOffsetAndLimit(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)
	f.postMessage(t, sessionID, "one")

	full := f.getEvents(t, sessionID, "")
	if len(full.Items) < 3 {
		t.Fatalf("need a few events for this test, got %d", len(full.Items))
	}

	// offset is the event_index already seen; the page resumes after it.
	resumed := f.getEvents(t, sessionID, "?offset=2")
	if resumed.Items[0].Index != 3 {
		t.Errorf("offset=2 must resume at index 3, got %d", resumed.Items[0].Index)
	}

	limited := f.getEvents(t, sessionID, "?limit=2")
	if len(limited.Items) != 2 {
		t.Errorf("limit=2 must page, got %d items", len(limited.Items))
	}
	if limited.NextCursor == "" {
		t.Error("a truncated page must carry a next cursor")
	}
}

func TestEventsRawNulledByDefault(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)
	f.postMessage(t, sessionID, "raw check")

	resp, err := http.Get(f.ts.URL + "/api/sessions/" + sessionID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var wire struct {
		Items []map[string]json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		t.Fatal(err)
	}
	for _, item := range wire.Items {
		raw, ok := item["raw"]
		if !ok {
			t.Fatal("raw field must be present on the wire")
		}
		if string(raw) != "null" {
			t.Fatalf("raw must be null unless include_raw=true, got %s", raw)
		}
	}
}

func TestPermissionReplyEndpoint(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, map[string]string{"request_permission": "write_file"})
	f.postMessage(t, sessionID, "do the thing")

	var permissionID string
	for _, ev := range f.getEvents(t, sessionID, "").Items {
		if ev.Type == types.EventPermissionRequested {
			var data types.PermissionRequestedData
			if err := json.Unmarshal(ev.Data, &data); err != nil {
				t.Fatal(err)
			}
			permissionID = string(data.PermissionID)
		}
	}
	if permissionID == "" {
		t.Fatal("no permission was requested")
	}

	resp := f.post(t, "/api/permissions/"+permissionID, map[string]any{"session_id": sessionID, "approved": true})
	out := decode[map[string]string](t, resp)
	if out["status"] != "approved" {
		t.Errorf("expected approved, got %s", out["status"])
	}

	again := f.post(t, "/api/permissions/"+permissionID, map[string]any{"session_id": sessionID, "approved": false})
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Errorf("second resolution must 409, got %d", again.StatusCode)
	}

	missing := f.post(t, "/api/permissions/"+string(types.NewRequestID()), map[string]any{"session_id": sessionID, "approved": true})
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown permission must 404, got %d", missing.StatusCode)
	}
}

func TestEndedSessionIsGone(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)
	f.postMessage(t, sessionID, "first")

	req, _ := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/sessions/"+sessionID, strings.NewReader(`{"detail":"done testing"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("end session failed with %d", resp.StatusCode)
	}

	after := f.post(t, "/api/sessions/"+sessionID+"/messages", map[string]string{"text": "too late"})
	defer after.Body.Close()
	if after.StatusCode != http.StatusGone {
		t.Fatalf("posting to an ended session must 410, got %d", after.StatusCode)
	}
	body := decode[map[string]string](t, after)
	if body["reason"] != string(types.EndTerminated) {
		t.Errorf("the gone response must carry the end reason, got %q", body["reason"])
	}

	resumeResp := f.post(t, "/api/sessions/"+sessionID+"/resume", map[string]string{})
	resumeResp.Body.Close()
	if resumeResp.StatusCode != http.StatusGone {
		t.Errorf("resuming an ended session must 410, got %d", resumeResp.StatusCode)
	}
}

func TestResumeEndpoint(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)
	f.postMessage(t, sessionID, "remember me")

	resp := f.post(t, "/api/sessions/"+sessionID+"/resume", map[string]string{})
	out := decode[map[string]string](t, resp)
	if out["connection_id"] == "" {
		t.Fatal("resume must issue a connection id")
	}
	if !strings.HasPrefix(out["replay"], session.ReplayMarker) {
		t.Errorf("resume must return the replay block, got %q", out["replay"])
	}
	if !strings.Contains(out["replay"], "remember me") {
		t.Errorf("replay must include recent history, got %q", out["replay"])
	}

	second := f.post(t, "/api/sessions/"+sessionID+"/resume", map[string]string{})
	out2 := decode[map[string]string](t, second)
	if out2["connection_id"] == out["connection_id"] {
		t.Error("each resume must issue a fresh connection id")
	}
}

func TestStreamCatchupThenLive(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)
	f.postMessage(t, sessionID, "first")

	resp, err := http.Get(f.ts.URL + "/api/sessions/" + sessionID + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE, got %s", ct)
	}

	events := make(chan *types.Event, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err == nil {
				events <- &ev
			}
		}
		close(events)
	}()

	collect := func(until func(ev *types.Event) bool) []*types.Event {
		var got []*types.Event
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatal("stream closed early")
				}
				got = append(got, ev)
				if until(ev) {
					return got
				}
			case <-deadline:
				t.Fatalf("timed out, collected %d events", len(got))
			}
		}
	}

	catchup := collect(func(ev *types.Event) bool {
		if ev.Type != types.EventItemCompleted {
			return false
		}
		var data types.ItemData
		json.Unmarshal(ev.Data, &data)
		return data.Item.Role == types.RoleAssistant
	})
	if catchup[0].Index != types.FirstEventIndex {
		t.Errorf("catch-up must start at the beginning, got index %d", catchup[0].Index)
	}

	// Live phase: post another message while subscribed.
	f.postMessage(t, sessionID, "second")
	live := collect(func(ev *types.Event) bool {
		if ev.Type != types.EventItemCompleted {
			return false
		}
		var data types.ItemData
		json.Unmarshal(ev.Data, &data)
		return data.Item.Role == types.RoleAssistant && data.Item.Text() == "echo: second"
	})

	seen := make(map[int64]bool)
	for _, ev := range append(catchup, live...) {
		if seen[ev.Index] {
			t.Fatalf("event index %d delivered twice across the catch-up boundary", ev.Index)
		}
		seen[ev.Index] = true
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/api/sessions", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing agent must 400, got %d", resp.StatusCode)
	}

	missing, err := http.Get(f.ts.URL + "/api/sessions/" + string(types.NewSessionID()))
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session must 404, got %d", missing.StatusCode)
	}
}

func TestStaleConnectionRejected(t *testing.T) {
	f := newFixture(t)
	sessionID := f.createSession(t, nil)

	first := decode[map[string]string](t, f.post(t, "/api/sessions/"+sessionID+"/resume", map[string]string{}))
	second := decode[map[string]string](t, f.post(t, "/api/sessions/"+sessionID+"/resume", map[string]string{}))
	if first["connection_id"] == second["connection_id"] {
		t.Fatal("rebinding must supersede the old connection id")
	}

	send := func(conn string) int {
		body, _ := json.Marshal(map[string]string{"text": "gated"})
		req, err := http.NewRequest(http.MethodPost,
			f.ts.URL+"/api/sessions/"+sessionID+"/messages", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if conn != "" {
			req.Header.Set(ConnectionHeader, conn)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := send(first["connection_id"]); code != http.StatusConflict {
		t.Errorf("superseded connection id must 409, got %d", code)
	}
	if code := send(second["connection_id"]); code != http.StatusAccepted {
		t.Errorf("current connection id must be accepted, got %d", code)
	}
	time.Sleep(50 * time.Millisecond)
	if !f.queue.WaitIdle(5 * time.Second) {
		t.Fatal("turn never finished")
	}

	// The stream endpoint is gated the same way.
	resp, err := http.Get(f.ts.URL + "/api/sessions/" + sessionID + "/stream?connection_id=" + first["connection_id"])
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stream with superseded connection id must 409, got %d", resp.StatusCode)
	}
}

func TestAgentsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/api/agents")
	if err != nil {
		t.Fatal(err)
	}
	out := decode[map[string][]string](t, resp)
	found := false
	for _, name := range out["agents"] {
		if name == mock.Name {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s registered, got %v", mock.Name, out["agents"])
	}
}
