// internal/bridge/server.go
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/user/switchboard/internal/types"
)

// ConnectionHeader carries the connection id on every call after
// initialize.
const ConnectionHeader = "X-Connection-ID"

// ProcFactory builds the process pairing for a new connection.
type ProcFactory func(sessionID string) (*Proc, error)

// conn is one live client connection paired with its process.
type conn struct {
	id        types.ConnectionID
	sessionID string
	proc      *Proc
}

// Server is the bridge's HTTP surface. Each initialize call issues a fresh
// connection id and pairs it with a process; subsequent calls and the SSE
// stream must present that id.
type Server struct {
	factory ProcFactory
	mux     *http.ServeMux

	mu    sync.Mutex
	conns map[types.ConnectionID]*conn
}

// NewServer creates the bridge surface over the given process factory.
func NewServer(factory ProcFactory) *Server {
	s := &Server{
		factory: factory,
		mux:     http.NewServeMux(),
		conns:   make(map[types.ConnectionID]*conn),
	}
	s.mux.HandleFunc("POST /bridge/initialize", s.handleInitialize)
	s.mux.HandleFunc("POST /bridge/rpc", s.handleRPC)
	s.mux.HandleFunc("GET /bridge/events", s.handleEvents)
	s.mux.HandleFunc("DELETE /bridge/connections/", s.handleTeardown)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// initializeRequest is the JSON body for POST /bridge/initialize.
type initializeRequest struct {
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

type initializeResponse struct {
	ConnectionID    string `json:"connection_id"`
	ProtocolVersion string `json:"protocol_version"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		// Old protocol shapes are gone, not quietly misread.
		http.Error(w, fmt.Sprintf(`{"error":"protocol version %q superseded, use %q"}`, req.ProtocolVersion, ProtocolVersion), http.StatusGone)
		return
	}

	proc, err := s.factory(req.SessionID)
	if err != nil {
		slog.Error("bridge process start failed", "session_id", req.SessionID, "error", err)
		http.Error(w, `{"error":"backend unavailable"}`, http.StatusBadGateway)
		return
	}

	c := &conn{id: types.NewConnectionID(), sessionID: req.SessionID, proc: proc}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	slog.Info("bridge connection initialized", "connection_id", string(c.id), "session_id", req.SessionID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(initializeResponse{
		ConnectionID:    string(c.id),
		ProtocolVersion: ProtocolVersion,
	})
}

// connFor resolves the caller's connection or writes the stale-connection
// error.
func (s *Server) connFor(w http.ResponseWriter, r *http.Request) *conn {
	id := types.ConnectionID(r.Header.Get(ConnectionHeader))
	if id == "" {
		id = types.ConnectionID(r.URL.Query().Get("connection_id"))
	}
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"unknown or expired connection id"}`, http.StatusConflict)
		return nil
	}
	return c
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	c := s.connFor(w, r)
	if c == nil {
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, CodeParseError, "invalid JSON-RPC payload")
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		writeRPCError(w, req.ID, CodeInvalidRequest, "jsonrpc 2.0 request required")
		return
	}

	if req.Notification() {
		if err := c.proc.Notify(req.Method, req.Params); err != nil {
			writeRPCError(w, nil, CodeInternalError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	result, err := c.proc.Call(r.Context(), req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		switch {
		case errors.As(err, &rpcErr):
			writeResponse(w, &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: rpcErr})
		case errors.Is(err, types.ErrTimeout):
			writeRPCError(w, req.ID, CodeInternalError, "call timed out")
		default:
			writeRPCError(w, req.ID, CodeInternalError, err.Error())
		}
		return
	}
	writeResponse(w, &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: result})
}

// handleEvents streams process notifications as Server-Sent-Events, live
// from subscription time.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c := s.connFor(w, r)
	if c == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.proc.Done():
			return
		case msg, ok := <-c.proc.Notifications():
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Method, data)
			flusher.Flush()
		}
	}
}

// handleTeardown releases the connection's process pairing. The underlying
// session is untouched; a later initialize may rebind it.
func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	id := types.ConnectionID(strings.TrimPrefix(r.URL.Path, "/bridge/connections/"))
	s.mu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"unknown or expired connection id"}`, http.StatusConflict)
		return
	}

	if err := c.proc.Close(); err != nil {
		slog.Warn("bridge process close failed", "connection_id", string(id), "error", err)
	}
	slog.Info("bridge connection torn down", "connection_id", string(id))
	w.WriteHeader(http.StatusNoContent)
}

// CloseAll tears down every live pairing, used at daemon shutdown.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[types.ConnectionID]*conn)
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.proc.Close(); err != nil {
			slog.Warn("bridge process close failed", "connection_id", string(c.id), "error", err)
		}
	}
}

func writeRPCError(w http.ResponseWriter, id *json.RawMessage, code int, message string) {
	writeResponse(w, &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	})
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
