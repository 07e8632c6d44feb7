// internal/api/server.go

// Package api is the daemon's client-facing HTTP surface: session control,
// event reads, SSE streaming, and HITL replies.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/switchboard/internal/gateway"
	"github.com/user/switchboard/internal/hitl"
	"github.com/user/switchboard/internal/runtime"
	"github.com/user/switchboard/internal/session"
	"github.com/user/switchboard/internal/store"
	"github.com/user/switchboard/internal/types"
)

// ConnectionHeader carries the connection id issued by bind/resume. Clients
// that present one are checked against the session's current binding.
const ConnectionHeader = "X-Connection-ID"

// Server routes client calls to the session manager and the turn queue.
type Server struct {
	manager *session.Manager
	runtime *runtime.Runtime
	queue   *gateway.Queue
	agents  []string
	mux     *http.ServeMux
}

// NewServer creates the API surface. agents lists the registered backend
// names for discovery.
func NewServer(manager *session.Manager, rt *runtime.Runtime, queue *gateway.Queue, agents []string) *Server {
	s := &Server{
		manager: manager,
		runtime: rt,
		queue:   queue,
		agents:  agents,
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/agents", s.handleAgents)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleEndSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handlePostMessage)
	s.mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResume)
	s.mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	s.mux.HandleFunc("POST /api/permissions/{id}", s.handlePermissionReply)
	s.mux.HandleFunc("POST /api/questions/{id}", s.handleQuestionReply)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"agents": s.agents})
}

// writeError maps the error taxonomy onto HTTP statuses. Ended sessions
// answer with the reason and original exit detail so a client can tell a
// normal end from a backend failure.
func writeError(w http.ResponseWriter, err error) {
	var ended *types.SessionEndedError
	switch {
	case errors.As(err, &ended):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  ended.Error(),
			"reason": string(ended.Reason),
			"detail": ended.Detail,
		})
	case errors.Is(err, types.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, types.ErrAlreadyResolved):
		http.Error(w, `{"error":"already resolved"}`, http.StatusConflict)
	case errors.Is(err, types.ErrStaleConnection):
		http.Error(w, `{"error":"stale connection id"}`, http.StatusConflict)
	case errors.Is(err, types.ErrTimeout):
		http.Error(w, `{"error":"backend call timed out"}`, http.StatusGatewayTimeout)
	case errors.Is(err, types.ErrBackendUnavailable):
		http.Error(w, `{"error":"persistence unavailable"}`, http.StatusBadGateway)
	default:
		slog.Error("api internal error", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

// connectionID extracts the caller's connection id from the header or the
// connection_id query parameter. Empty means the caller did not present one.
func connectionID(r *http.Request) types.ConnectionID {
	if v := r.Header.Get(ConnectionHeader); v != "" {
		return types.ConnectionID(v)
	}
	return types.ConnectionID(r.URL.Query().Get("connection_id"))
}

// checkConnection rejects a superseded or unknown connection id. Callers
// that present no id are let through; the id is optional on the client API.
func (s *Server) checkConnection(r *http.Request, id types.SessionID) error {
	conn := connectionID(r)
	if conn == "" {
		return nil
	}
	return s.manager.ValidateConnection(r.Context(), id, conn)
}

// createSessionRequest is the JSON body for POST /api/sessions.
type createSessionRequest struct {
	Agent string          `json:"agent"`
	Init  json.RawMessage `json:"session_init,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Agent == "" {
		http.Error(w, `{"error":"agent is required"}`, http.StatusBadRequest)
		return
	}

	sess, err := s.manager.Create(r.Context(), req.Agent, req.Init)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := types.DefaultPageSize
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	page, err := s.manager.Driver().ListSessions(r.Context(), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// endSessionRequest is the optional JSON body for DELETE /api/sessions/{id}.
type endSessionRequest struct {
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	json.NewDecoder(r.Body).Decode(&req)

	id := types.SessionID(r.PathValue("id"))
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.runtime.EndSession(r.Context(), id, types.EndTerminated, req.Detail); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postMessageRequest is the JSON body for POST /api/sessions/{id}/messages.
// Either text or content must be set.
type postMessageRequest struct {
	Text    string              `json:"text,omitempty"`
	Content []types.ContentPart `json:"content,omitempty"`
	// Resume requests one-time replay injection ahead of this message.
	Resume bool `json:"resume,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	parts := req.Content
	if len(parts) == 0 && req.Text != "" {
		parts = []types.ContentPart{{Type: types.PartText, Text: req.Text}}
	}
	if len(parts) == 0 {
		http.Error(w, `{"error":"text or content is required"}`, http.StatusBadRequest)
		return
	}

	id := types.SessionID(r.PathValue("id"))
	sess, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.Ended() {
		writeError(w, &types.SessionEndedError{SessionID: id, Reason: sess.EndReason, Detail: sess.EndDetail})
		return
	}
	if err := s.checkConnection(r, id); err != nil {
		writeError(w, err)
		return
	}

	turn := gateway.NewTurn(id, parts)
	turn.Resume = req.Resume
	if err := s.queue.Enqueue(turn); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"turn_id": string(turn.ID), "status": string(turn.Status)})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	conn, replay, err := s.manager.Resume(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"connection_id": string(conn),
		"replay":        replay,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	limit := types.DefaultPageSize
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	cursor := ""
	if q := r.URL.Query().Get("offset"); q != "" {
		offset, err := strconv.ParseInt(q, 10, 64)
		if err != nil || offset < 0 {
			http.Error(w, `{"error":"invalid offset"}`, http.StatusBadRequest)
			return
		}
		cursor = store.EventCursor(offset)
	}
	includeRaw := r.URL.Query().Get("include_raw") == "true"

	page, err := s.manager.Driver().ListEvents(r.Context(), id, cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if !includeRaw {
		for i, ev := range page.Items {
			clone := *ev
			clone.Raw = nil
			page.Items[i] = &clone
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

// handleStream delivers events as SSE: persisted catch-up from the offset,
// then live, with the boundary deduplicated by event_index.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.checkConnection(r, id); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	var offset int64
	if q := r.URL.Query().Get("offset"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid offset"}`, http.StatusBadRequest)
			return
		}
		offset = n
	}
	includeRaw := r.URL.Query().Get("include_raw") == "true"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	// Subscribe before catch-up so the boundary loses nothing; the index
	// check deduplicates events seen both ways.
	sub := s.manager.Hub().Subscribe(id)
	defer sub.Close()

	lastSent := offset
	cursor := store.EventCursor(offset)
	for {
		page, err := s.manager.Driver().ListEvents(r.Context(), id, cursor, types.DefaultPageSize)
		if err != nil {
			return
		}
		for _, ev := range page.Items {
			if !writeSSEEvent(w, ev, includeRaw) {
				return
			}
			lastSent = ev.Index
		}
		flusher.Flush()
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Index <= lastSent {
				continue
			}
			if !writeSSEEvent(w, ev, includeRaw) {
				return
			}
			lastSent = ev.Index
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev *types.Event, includeRaw bool) bool {
	out := ev
	if !includeRaw {
		clone := *ev
		clone.Raw = nil
		out = &clone
	}
	data, err := json.Marshal(out)
	if err != nil {
		return true
	}
	_, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return werr == nil
}

// permissionReplyRequest is the JSON body for POST /api/permissions/{id}.
type permissionReplyRequest struct {
	SessionID string `json:"session_id"`
	Approved  bool   `json:"approved"`
}

func (s *Server) handlePermissionReply(w http.ResponseWriter, r *http.Request) {
	var req permissionReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	id := types.RequestID(r.PathValue("id"))
	pending, err := s.manager.ResolvePermission(r.Context(), types.SessionID(req.SessionID), id, req.Approved)
	if err != nil {
		writeError(w, err)
		return
	}
	status := "denied"
	if req.Approved {
		status = "approved"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"permission_id": string(pending.ID),
		"status":        status,
	})
}

// questionReplyRequest is the JSON body for POST /api/questions/{id}. An
// absent response rejects the question.
type questionReplyRequest struct {
	SessionID string  `json:"session_id"`
	Response  *string `json:"response,omitempty"`
}

func (s *Server) handleQuestionReply(w http.ResponseWriter, r *http.Request) {
	var req questionReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	id := types.RequestID(r.PathValue("id"))

	response := ""
	answered := req.Response != nil
	if answered {
		response = *req.Response
	}

	sessionID := types.SessionID(req.SessionID)
	var pending *hitl.Pending
	var err2 error
	if answered {
		pending, err2 = s.manager.ResolveQuestion(r.Context(), sessionID, id, response)
	} else {
		pending, err2 = s.manager.RejectQuestion(r.Context(), sessionID, id)
	}
	if err2 != nil {
		writeError(w, err2)
		return
	}
	status := "rejected"
	if answered {
		status = "answered"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"question_id": string(pending.ID),
		"status":      status,
	})
}
