// internal/normalize/normalizer.go
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/user/switchboard/internal/types"
)

// unparsedExcerptLimit caps the raw excerpt carried on agent.unparsed events.
const unparsedExcerptLimit = 256

// Normalizer converts native-shaped messages from one backend into canonical
// events, synthesizing whatever the backend's capability set lacks. It is a
// pure transformation: it performs no I/O and assigns no event indices (the
// session manager stamps those at append time).
//
// Not safe for concurrent use; the adapter-reading task owns it.
type Normalizer struct {
	caps            Capabilities
	sessionID       types.SessionID
	agent           string
	nativeSessionID string
	started         bool
	ended           bool
	items           map[string]*openItem
}

// openItem tracks an in-progress item and its daemon-assigned id.
type openItem struct {
	item *types.Item
	done bool
}

// New creates a Normalizer for one session.
func New(sessionID types.SessionID, agent string, caps Capabilities) *Normalizer {
	return &Normalizer{
		caps:      caps,
		sessionID: sessionID,
		agent:     agent,
		items:     make(map[string]*openItem),
	}
}

// NewEvent builds a canonical event. Synthetic follows from the source.
// Index and At stay zero until the session manager stamps them at append.
func NewEvent(sessionID types.SessionID, t types.EventType, source types.Source, data any, raw json.RawMessage) *types.Event {
	payload, err := json.Marshal(data)
	if err != nil {
		// Data payloads are module-local structs; marshal cannot fail for
		// them, but degrade to an empty object rather than dropping the event.
		payload = json.RawMessage(`{}`)
	}
	return &types.Event{
		ID:        types.NewEventID(),
		SessionID: sessionID,
		Type:      t,
		Source:    source,
		Synthetic: source == types.SourceDaemon,
		Data:      payload,
		Raw:       raw,
	}
}

// PermissionResolvedEvent builds the daemon-side resolution event for a
// permission request.
func PermissionResolvedEvent(sessionID types.SessionID, id types.RequestID, approved bool) *types.Event {
	status := "denied"
	if approved {
		status = "approved"
	}
	return NewEvent(sessionID, types.EventPermissionResolved, types.SourceDaemon, &types.PermissionResolvedData{
		PermissionID: id,
		Status:       status,
	}, nil)
}

// QuestionResolvedEvent builds the daemon-side resolution event for a
// question.
func QuestionResolvedEvent(sessionID types.SessionID, id types.RequestID, answered bool, response string) *types.Event {
	status := "rejected"
	if answered {
		status = "answered"
	}
	return NewEvent(sessionID, types.EventQuestionResolved, types.SourceDaemon, &types.QuestionResolvedData{
		QuestionID: id,
		Status:     status,
		Response:   response,
	}, nil)
}

// SessionEndedEvent builds a daemon-synthesized session.ended event.
func SessionEndedEvent(sessionID types.SessionID, reason types.EndReason, terminatedBy types.Source, detail string) *types.Event {
	return NewEvent(sessionID, types.EventSessionEnded, types.SourceDaemon, &types.SessionEndedData{
		Reason:       reason,
		TerminatedBy: terminatedBy,
		Detail:       detail,
	}, nil)
}

// event builds a canonical event scoped to the normalizer's session.
func (n *Normalizer) event(t types.EventType, source types.Source, data any, raw json.RawMessage) *types.Event {
	ev := NewEvent(n.sessionID, t, source, data, raw)
	ev.NativeSessionID = n.nativeSessionID
	return ev
}

// Begin returns the synthetic session.started event if the backend never
// emits explicit lifecycle messages and the session has not started yet.
// Called at first interaction. Backends with native lifecycle report their
// own start, so Begin emits nothing for them.
func (n *Normalizer) Begin() []*types.Event {
	if n.started || n.caps.Lifecycle {
		return nil
	}
	n.started = true
	return []*types.Event{
		n.event(types.EventSessionStarted, types.SourceDaemon, &types.SessionStartedData{
			Agent:           n.agent,
			NativeSessionID: n.nativeSessionID,
		}, nil),
	}
}

// End returns the session.ended event, synthesizing it when the backend
// never emitted one. terminatedBy is daemon for engine-initiated
// termination and agent when the backend exited on its own.
func (n *Normalizer) End(reason types.EndReason, terminatedBy types.Source, detail string) []*types.Event {
	if n.ended {
		return nil
	}
	n.ended = true
	events := n.Begin()
	events = append(events, n.event(types.EventSessionEnded, types.SourceDaemon, &types.SessionEndedData{
		Reason:       reason,
		TerminatedBy: terminatedBy,
		Detail:       detail,
	}, nil))
	return events
}

// UserMessage synthesizes the item.started/item.completed pair for the
// user's own input when the backend never echoes it.
func (n *Normalizer) UserMessage(parts []types.ContentPart) []*types.Event {
	events := n.Begin()
	item := &types.Item{
		ID:      types.NewItemID(),
		Kind:    types.ItemMessage,
		Role:    types.RoleUser,
		Content: parts,
		Status:  types.StatusInProgress,
	}
	events = append(events, n.event(types.EventItemStarted, types.SourceDaemon, &types.ItemData{Item: item}, nil))
	completed := *item
	completed.Status = types.StatusCompleted
	events = append(events, n.event(types.EventItemCompleted, types.SourceDaemon, &types.ItemData{Item: &completed}, nil))
	return events
}

// Unparsed wraps a payload the adapter could not map into an agent.unparsed
// event. Parse failures degrade to reported events, never pipeline errors.
func (n *Normalizer) Unparsed(parser string, raw []byte) *types.Event {
	sum := sha256.Sum256(raw)
	excerpt := string(raw)
	if len(excerpt) > unparsedExcerptLimit {
		excerpt = excerpt[:unparsedExcerptLimit]
	}
	return n.event(types.EventAgentUnparsed, types.SourceDaemon, &types.UnparsedData{
		Parser:  parser,
		SHA256:  hex.EncodeToString(sum[:]),
		Excerpt: excerpt,
	}, nil)
}

// Normalize converts one native message into zero or more canonical events.
// It never fails: unknown shapes become agent.unparsed events.
func (n *Normalizer) Normalize(msg *Native) []*types.Event {
	if msg == nil {
		return nil
	}

	switch msg.Kind {
	case KindSessionStarted:
		return n.sessionStarted(msg)
	case KindSessionEnded:
		return n.sessionEnded(msg)
	case KindItemStarted:
		return n.itemStarted(msg)
	case KindItemDelta:
		return n.itemDelta(msg)
	case KindItemCompleted:
		return n.itemCompleted(msg)
	case KindPermissionRequested:
		return n.permissionRequested(msg)
	case KindQuestionRequested:
		return n.questionRequested(msg)
	case KindError:
		return append(n.Begin(), n.event(types.EventError, types.SourceAgent, &types.ErrorData{Message: msg.Message}, msg.Raw))
	default:
		return append(n.Begin(), n.Unparsed(n.agent, msg.Raw))
	}
}

func (n *Normalizer) sessionStarted(msg *Native) []*types.Event {
	if n.started {
		return nil
	}
	n.started = true
	n.nativeSessionID = msg.SessionID
	ev := n.event(types.EventSessionStarted, types.SourceAgent, &types.SessionStartedData{
		Agent:           n.agent,
		NativeSessionID: msg.SessionID,
	}, msg.Raw)
	ev.NativeSessionID = msg.SessionID
	return []*types.Event{ev}
}

func (n *Normalizer) sessionEnded(msg *Native) []*types.Event {
	if n.ended {
		return nil
	}
	n.ended = true
	return append(n.Begin(), n.event(types.EventSessionEnded, types.SourceAgent, &types.SessionEndedData{
		Reason:       types.EndCompleted,
		TerminatedBy: types.SourceAgent,
		Detail:       msg.Message,
	}, msg.Raw))
}

func (n *Normalizer) itemStarted(msg *Native) []*types.Event {
	events := n.Begin()
	if msg.Item == nil {
		return append(events, n.Unparsed(n.agent, msg.Raw))
	}
	if open, ok := n.items[msg.Item.ID]; ok && !open.done {
		// Duplicate start for an open item; nothing new to report.
		return events
	}
	item := n.newItem(msg.Item)
	n.items[msg.Item.ID] = &openItem{item: item}
	return append(events, n.event(types.EventItemStarted, types.SourceAgent, &types.ItemData{Item: item}, msg.Raw))
}

// itemDelta forwards a streamed delta, synthesizing a stub item.started
// first when the delta arrives before its item's start notification. No
// item.delta is ever observed without a preceding item.started for the
// same item id.
func (n *Normalizer) itemDelta(msg *Native) []*types.Event {
	events := n.Begin()
	open, ok := n.items[msg.ItemID]
	if !ok {
		stub := &types.Item{
			ID:       types.NewItemID(),
			NativeID: msg.ItemID,
			Kind:     types.ItemMessage,
			Role:     types.RoleAssistant,
			Content:  []types.ContentPart{},
			Status:   types.StatusInProgress,
		}
		open = &openItem{item: stub}
		n.items[msg.ItemID] = open
		events = append(events, n.event(types.EventItemStarted, types.SourceDaemon, &types.ItemData{Item: stub}, nil))
	}
	if open.done {
		slog.Debug("delta for finished item dropped", "session_id", string(n.sessionID), "native_item_id", msg.ItemID)
		return events
	}
	// Accumulate the streamed text on the open item so the completion
	// carries the full content even when the backend omits a final text.
	if msg.Delta != "" {
		if k := len(open.item.Content); k > 0 && open.item.Content[k-1].Type == types.PartText {
			open.item.Content[k-1].Text += msg.Delta
		} else {
			open.item.Content = append(open.item.Content, types.ContentPart{Type: types.PartText, Text: msg.Delta})
		}
	}
	return append(events, n.event(types.EventItemDelta, types.SourceAgent, &types.DeltaData{
		ItemID: open.item.ID,
		Part:   types.PartText,
		Delta:  msg.Delta,
	}, msg.Raw))
}

func (n *Normalizer) itemCompleted(msg *Native) []*types.Event {
	events := n.Begin()
	if msg.Item == nil {
		return append(events, n.Unparsed(n.agent, msg.Raw))
	}

	open, ok := n.items[msg.Item.ID]
	if !ok {
		// Completion without a start: synthesize the start first.
		item := n.newItem(msg.Item)
		open = &openItem{item: item}
		n.items[msg.Item.ID] = open
		events = append(events, n.event(types.EventItemStarted, types.SourceDaemon, &types.ItemData{Item: item}, nil))
	}
	if open.done {
		slog.Debug("completion for finished item dropped", "session_id", string(n.sessionID), "native_item_id", msg.Item.ID)
		return events
	}
	open.done = true

	item := open.item
	if msg.Item.Text != "" {
		item.Content = []types.ContentPart{{Type: types.PartText, Text: msg.Item.Text}}
	}

	// Backends without streaming deltas get exactly one synthetic delta
	// carrying the complete text, immediately before item.completed.
	if !n.caps.Deltas && item.Kind == types.ItemMessage && msg.Item.Text != "" {
		events = append(events, n.event(types.EventItemDelta, types.SourceDaemon, &types.DeltaData{
			ItemID: item.ID,
			Part:   types.PartText,
			Delta:  msg.Item.Text,
		}, nil))
	}

	// Tool invocations nested in the message are hoisted into distinct
	// tool_call/tool_result items parented to the message item.
	events = append(events, n.hoistNested(item, msg.Item.Nested)...)

	item.Status = types.StatusCompleted
	if msg.Item.Failed {
		item.Status = types.StatusFailed
	}
	return append(events, n.event(types.EventItemCompleted, types.SourceAgent, &types.ItemData{Item: item}, msg.Raw))
}

// newItem builds a canonical item from a native one, assigning a daemon id.
func (n *Normalizer) newItem(ni *NativeItem) *types.Item {
	item := &types.Item{
		ID:       types.NewItemID(),
		NativeID: ni.ID,
		Kind:     ni.Kind,
		Role:     ni.Role,
		Content:  []types.ContentPart{},
		Status:   types.StatusInProgress,
	}
	if item.Kind == "" {
		item.Kind = types.ItemUnknown
	}
	if ni.ParentID != "" {
		if parent, ok := n.items[ni.ParentID]; ok {
			item.ParentID = parent.item.ID
		}
	}
	if ni.Text != "" {
		item.Content = append(item.Content, types.ContentPart{Type: types.PartText, Text: ni.Text})
	}
	switch item.Kind {
	case types.ItemToolCall:
		item.Content = append(item.Content, types.ContentPart{
			Type: types.PartToolCall, Tool: ni.Tool, CallID: ni.CallID, Args: ni.Args,
		})
	case types.ItemToolResult:
		item.Content = append(item.Content, types.ContentPart{
			Type: types.PartToolResult, Tool: ni.Tool, CallID: ni.CallID, Text: ni.Result,
		})
	}
	return item
}

// hoistNested emits started/completed pairs for tool calls and results a
// backend nested inside a message item.
func (n *Normalizer) hoistNested(parent *types.Item, nested []NativeTool) []*types.Event {
	var events []*types.Event
	for _, tool := range nested {
		call := &types.Item{
			ID:       types.NewItemID(),
			ParentID: parent.ID,
			Kind:     types.ItemToolCall,
			Role:     types.RoleAssistant,
			Content: []types.ContentPart{{
				Type: types.PartToolCall, Tool: tool.Tool, CallID: tool.CallID, Args: tool.Args,
			}},
			Status: types.StatusInProgress,
		}
		events = append(events, n.event(types.EventItemStarted, types.SourceDaemon, &types.ItemData{Item: call}, nil))
		done := *call
		done.Status = types.StatusCompleted
		events = append(events, n.event(types.EventItemCompleted, types.SourceDaemon, &types.ItemData{Item: &done}, nil))

		if tool.Result == "" {
			continue
		}
		result := &types.Item{
			ID:       types.NewItemID(),
			ParentID: parent.ID,
			Kind:     types.ItemToolResult,
			Role:     types.RoleTool,
			Content: []types.ContentPart{{
				Type: types.PartToolResult, Tool: tool.Tool, CallID: tool.CallID, Text: tool.Result,
			}},
			Status: types.StatusInProgress,
		}
		events = append(events, n.event(types.EventItemStarted, types.SourceDaemon, &types.ItemData{Item: result}, nil))
		doneResult := *result
		doneResult.Status = types.StatusCompleted
		events = append(events, n.event(types.EventItemCompleted, types.SourceDaemon, &types.ItemData{Item: &doneResult}, nil))
	}
	return events
}

func (n *Normalizer) permissionRequested(msg *Native) []*types.Event {
	events := n.Begin()
	if msg.Request == nil {
		return append(events, n.Unparsed(n.agent, msg.Raw))
	}
	id := types.RequestID(msg.Request.ID)
	if id == "" {
		id = types.NewRequestID()
	}
	return append(events, n.event(types.EventPermissionRequested, types.SourceAgent, &types.PermissionRequestedData{
		PermissionID: id,
		Action:       msg.Request.Action,
		Metadata:     msg.Request.Metadata,
	}, msg.Raw))
}

func (n *Normalizer) questionRequested(msg *Native) []*types.Event {
	events := n.Begin()
	if msg.Request == nil {
		return append(events, n.Unparsed(n.agent, msg.Raw))
	}
	id := types.RequestID(msg.Request.ID)
	if id == "" {
		id = types.NewRequestID()
	}
	return append(events, n.event(types.EventQuestionRequested, types.SourceAgent, &types.QuestionRequestedData{
		QuestionID: id,
		Prompt:     msg.Request.Prompt,
		Options:    msg.Request.Options,
	}, msg.Raw))
}

// Started reports whether session.started has been emitted.
func (n *Normalizer) Started() bool { return n.started }
