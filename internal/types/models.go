// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of canonical event kinds.
type EventType string

const (
	EventSessionStarted      EventType = "session.started"
	EventSessionEnded        EventType = "session.ended"
	EventItemStarted         EventType = "item.started"
	EventItemDelta           EventType = "item.delta"
	EventItemCompleted       EventType = "item.completed"
	EventError               EventType = "error"
	EventPermissionRequested EventType = "permission.requested"
	EventPermissionResolved  EventType = "permission.resolved"
	EventQuestionRequested   EventType = "question.requested"
	EventQuestionResolved    EventType = "question.resolved"
	EventAgentUnparsed       EventType = "agent.unparsed"
)

// Source identifies who produced an event.
type Source string

const (
	SourceAgent  Source = "agent"
	SourceDaemon Source = "daemon"
)

// FirstEventIndex is the origin of every session's event sequence.
const FirstEventIndex int64 = 1

// Event is an immutable fact appended to a session's log. Index and At are
// assigned exactly once, at append time, by the session manager; the
// normalizer leaves them zero. Synthetic is true iff Source is daemon.
type Event struct {
	ID              EventID         `json:"id"`
	SessionID       SessionID       `json:"session_id"`
	NativeSessionID string          `json:"native_session_id,omitempty"`
	Index           int64           `json:"event_index"`
	Type            EventType       `json:"type"`
	Source          Source          `json:"source"`
	Synthetic       bool            `json:"synthetic"`
	At              time.Time       `json:"at"`
	Data            json.RawMessage `json:"data"`
	// Raw is always present on the wire, null unless the reader asked for
	// the native payload.
	Raw json.RawMessage `json:"raw"`
}

// ItemKind classifies a unit of session content.
type ItemKind string

const (
	ItemMessage    ItemKind = "message"
	ItemToolCall   ItemKind = "tool_call"
	ItemToolResult ItemKind = "tool_result"
	ItemSystem     ItemKind = "system"
	ItemKindStatus ItemKind = "status"
	ItemUnknown    ItemKind = "unknown"
)

// Role is the conversational role of an item, empty when not applicable.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ItemStatus transitions only forward: in_progress -> completed|failed.
type ItemStatus string

const (
	StatusInProgress ItemStatus = "in_progress"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// PartType identifies one typed segment of an item's content.
type PartType string

const (
	PartText       PartType = "text"
	PartJSON       PartType = "json"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartFileRef    PartType = "file_ref"
	PartReasoning  PartType = "reasoning"
	PartImage      PartType = "image"
	PartStatus     PartType = "status"
)

// ContentPart is one typed segment of an item's ordered content.
type ContentPart struct {
	Type PartType        `json:"type"`
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
	// Tool call fields
	Tool   string          `json:"tool,omitempty"`
	CallID string          `json:"call_id,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	// File reference
	Path string `json:"path,omitempty"`
}

// Item is a unit of session content. ParentID links tool items to their
// originating message item; it is a lookup key, never an owning reference.
type Item struct {
	ID       ItemID        `json:"item_id"`
	NativeID string        `json:"native_item_id,omitempty"`
	ParentID ItemID        `json:"parent_id,omitempty"`
	Kind     ItemKind      `json:"kind"`
	Role     Role          `json:"role,omitempty"`
	Content  []ContentPart `json:"content"`
	Status   ItemStatus    `json:"status"`
}

// Text concatenates the item's text parts.
func (it *Item) Text() string {
	var out string
	for _, p := range it.Content {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// EndReason records how a session ended.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndTerminated EndReason = "terminated"
	EndError      EndReason = "error"
)

// Session is a logical conversation bound to one backend agent instance.
type Session struct {
	ID               SessionID       `json:"id"`
	Agent            string          `json:"agent"`
	AgentSessionID   string          `json:"agent_session_id,omitempty"`
	LastConnectionID ConnectionID    `json:"last_connection_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	DestroyedAt      *time.Time      `json:"destroyed_at,omitempty"`
	EndReason        EndReason       `json:"end_reason,omitempty"`
	EndDetail        string          `json:"end_detail,omitempty"`
	Init             json.RawMessage `json:"session_init,omitempty"`
}

// Ended reports whether the session has reached its terminal state.
func (s *Session) Ended() bool {
	return s.DestroyedAt != nil
}

// --- Event data payloads ---

// SessionStartedData is the payload of a session.started event.
type SessionStartedData struct {
	Agent           string `json:"agent"`
	NativeSessionID string `json:"native_session_id,omitempty"`
}

// SessionEndedData is the payload of a session.ended event. TerminatedBy is
// "daemon" when the engine initiated the end and "agent" when the backend
// exited on its own.
type SessionEndedData struct {
	Reason       EndReason `json:"reason"`
	TerminatedBy Source    `json:"terminated_by"`
	Detail       string    `json:"detail,omitempty"`
}

// ItemData is the payload of item.started and item.completed events.
type ItemData struct {
	Item *Item `json:"item"`
}

// DeltaData is the payload of an item.delta event.
type DeltaData struct {
	ItemID ItemID   `json:"item_id"`
	Part   PartType `json:"part_type"`
	Delta  string   `json:"delta"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Message string `json:"message"`
}

// PermissionRequestedData is the payload of a permission.requested event.
type PermissionRequestedData struct {
	PermissionID RequestID       `json:"permission_id"`
	Action       string          `json:"action"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// PermissionResolvedData is the payload of a permission.resolved event.
type PermissionResolvedData struct {
	PermissionID RequestID `json:"permission_id"`
	Status       string    `json:"status"` // approved | denied
}

// QuestionRequestedData is the payload of a question.requested event.
type QuestionRequestedData struct {
	QuestionID RequestID `json:"question_id"`
	Prompt     string    `json:"prompt"`
	Options    []string  `json:"options,omitempty"`
}

// QuestionResolvedData is the payload of a question.resolved event.
type QuestionResolvedData struct {
	QuestionID RequestID `json:"question_id"`
	Status     string    `json:"status"` // answered | rejected
	Response   string    `json:"response,omitempty"`
}

// UnparsedData is the payload of an agent.unparsed event.
type UnparsedData struct {
	Parser  string `json:"parser"`
	SHA256  string `json:"sha256"`
	Excerpt string `json:"excerpt"`
}
