// internal/bridge/proto.go

// Package bridge presents a process speaking newline-delimited JSON-RPC on
// stdio as an HTTP request/response endpoint with an SSE notification
// stream, scoped by connection identity.
package bridge

import "encoding/json"

const jsonrpcVersion = "2.0"

// ProtocolVersion is the bridge wire version a client must present at
// initialize. Superseded versions get 410 Gone, never silent acceptance.
const ProtocolVersion = "2026-02"

// Request is a JSON-RPC 2.0 request. A nil ID marks a notification.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *RPCError        `json:"error,omitempty"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Notification reports whether the message carries no id and therefore
// expects no response.
func (r *Request) Notification() bool { return r.ID == nil }
