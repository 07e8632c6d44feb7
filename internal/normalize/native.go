// internal/normalize/native.go
package normalize

import (
	"encoding/json"

	"github.com/user/switchboard/internal/types"
)

// Capabilities declares what a backend's native protocol provides. The
// normalizer synthesizes whatever the native protocol lacks.
type Capabilities struct {
	// Deltas: the backend streams incremental content deltas.
	Deltas bool
	// UserEcho: the backend echoes the user's own input back as an item.
	UserEcho bool
	// Lifecycle: the backend emits explicit session start/end messages.
	Lifecycle bool
	// NativeToolItems: tool calls and results arrive as standalone items
	// rather than nested inside message items.
	NativeToolItems bool
}

// Kind classifies a native-shaped message.
type Kind string

const (
	KindSessionStarted      Kind = "session_started"
	KindSessionEnded        Kind = "session_ended"
	KindItemStarted         Kind = "item_started"
	KindItemDelta           Kind = "item_delta"
	KindItemCompleted       Kind = "item_completed"
	KindPermissionRequested Kind = "permission_requested"
	KindQuestionRequested   Kind = "question_requested"
	KindError               Kind = "error"
	KindUnknown             Kind = "unknown"
)

// Native is a native-shaped message: the common denominator an adapter
// parses its backend's wire format into. Raw carries the original payload
// verbatim.
type Native struct {
	Kind      Kind
	SessionID string
	Item      *NativeItem
	ItemID    string
	Delta     string
	Request   *NativeRequest
	Message   string
	Raw       json.RawMessage
}

// NativeItem is the item portion of a native message.
type NativeItem struct {
	ID       string
	ParentID string
	Kind     types.ItemKind
	Role     types.Role
	Text     string
	Failed   bool
	// Tool fields, set when the item itself is a tool call or result.
	Tool   string
	CallID string
	Args   json.RawMessage
	Result string
	// Nested tool invocations, used by backends without native tool items.
	Nested []NativeTool
}

// NativeTool is a tool invocation nested inside a native message item.
type NativeTool struct {
	Tool   string
	CallID string
	Args   json.RawMessage
	Result string
}

// NativeRequest is a native HITL request (permission or question).
type NativeRequest struct {
	ID       string
	Action   string
	Metadata json.RawMessage
	Prompt   string
	Options  []string
}
