// internal/normalize/normalizer_test.go
package normalize

import (
	"encoding/json"
	"testing"

	"github.com/user/switchboard/internal/types"
)

func decodeDelta(t *testing.T, ev *types.Event) *types.DeltaData {
	t.Helper()
	var data types.DeltaData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatal(err)
	}
	return &data
}

func decodeItem(t *testing.T, ev *types.Event) *types.Item {
	t.Helper()
	var data types.ItemData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		t.Fatal(err)
	}
	return data.Item
}

func TestSyntheticDeltaForNonStreamingBackend(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{UserEcho: true, Lifecycle: true, NativeToolItems: true})

	events := n.Normalize(&Native{
		Kind: KindItemStarted,
		Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant},
	})
	events = append(events, n.Normalize(&Native{
		Kind: KindItemCompleted,
		Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant, Text: "final answer"},
	})...)

	var kinds []types.EventType
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}

	// One started, exactly one synthetic delta, then completed.
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d (%v)", len(events), kinds)
	}
	if events[1].Type != types.EventItemDelta {
		t.Fatalf("expected item.delta before item.completed, got %v", kinds)
	}
	if !events[1].Synthetic || events[1].Source != types.SourceDaemon {
		t.Error("expected the synthesized delta to be synthetic and daemon-sourced")
	}
	if got := decodeDelta(t, events[1]).Delta; got != "final answer" {
		t.Errorf("expected delta text %q, got %q", "final answer", got)
	}
	if events[2].Type != types.EventItemCompleted {
		t.Fatalf("expected item.completed last, got %v", kinds)
	}
	if got := decodeItem(t, events[2]).Text(); got != "final answer" {
		t.Errorf("expected completed item text %q, got %q", "final answer", got)
	}
}

func TestStreamedDeltasForwarded(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{Deltas: true, UserEcho: true, Lifecycle: true, NativeToolItems: true})

	n.Normalize(&Native{Kind: KindItemStarted, Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant}})
	events := n.Normalize(&Native{Kind: KindItemDelta, ItemID: "i1", Delta: "hel"})
	events = append(events, n.Normalize(&Native{Kind: KindItemDelta, ItemID: "i1", Delta: "lo"})...)
	events = append(events, n.Normalize(&Native{
		Kind: KindItemCompleted,
		Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant, Text: "hello"},
	})...)

	deltas := 0
	for _, ev := range events {
		if ev.Type == types.EventItemDelta {
			deltas++
			if ev.Synthetic {
				t.Error("streamed deltas must not be marked synthetic")
			}
		}
	}
	if deltas != 2 {
		t.Errorf("expected 2 forwarded deltas, got %d", deltas)
	}
}

func TestDeltasAccumulateIntoCompletion(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{Deltas: true, UserEcho: true, Lifecycle: true, NativeToolItems: true})

	n.Normalize(&Native{Kind: KindItemStarted, Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant}})
	n.Normalize(&Native{Kind: KindItemDelta, ItemID: "i1", Delta: "hel"})
	n.Normalize(&Native{Kind: KindItemDelta, ItemID: "i1", Delta: "lo "})
	n.Normalize(&Native{Kind: KindItemDelta, ItemID: "i1", Delta: "there"})

	// The completion omits the final text; the streamed content must
	// survive on the completed item anyway.
	events := n.Normalize(&Native{
		Kind: KindItemCompleted,
		Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant},
	})

	if len(events) != 1 || events[0].Type != types.EventItemCompleted {
		t.Fatalf("expected a single item.completed, got %v", events)
	}
	if got := decodeItem(t, events[0]).Text(); got != "hello there" {
		t.Errorf("expected accumulated text %q, got %q", "hello there", got)
	}
}

func TestCompletionTextOverridesAccumulatedDeltas(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{Deltas: true, UserEcho: true, Lifecycle: true, NativeToolItems: true})

	n.Normalize(&Native{Kind: KindItemStarted, Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant}})
	n.Normalize(&Native{Kind: KindItemDelta, ItemID: "i1", Delta: "draft"})
	events := n.Normalize(&Native{
		Kind: KindItemCompleted,
		Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant, Text: "final"},
	})

	if got := decodeItem(t, events[len(events)-1]).Text(); got != "final" {
		t.Errorf("an explicit completion text wins, got %q", got)
	}
}

func TestStubStartForOutOfOrderDelta(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{Deltas: true, UserEcho: true, Lifecycle: true, NativeToolItems: true})

	events := n.Normalize(&Native{Kind: KindItemDelta, ItemID: "ghost", Delta: "early"})

	if len(events) != 2 {
		t.Fatalf("expected stub start + delta, got %d events", len(events))
	}
	if events[0].Type != types.EventItemStarted || !events[0].Synthetic {
		t.Errorf("expected synthetic item.started stub first, got %s synthetic=%v", events[0].Type, events[0].Synthetic)
	}
	stub := decodeItem(t, events[0])
	delta := decodeDelta(t, events[1])
	if stub.ID != delta.ItemID {
		t.Errorf("delta item id %s does not match stub item id %s", delta.ItemID, stub.ID)
	}
	if stub.NativeID != "ghost" {
		t.Errorf("expected stub to carry native item id, got %q", stub.NativeID)
	}
}

func TestUserMessageSynthesis(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{Lifecycle: true})

	events := n.UserMessage([]types.ContentPart{{Type: types.PartText, Text: "hello"}})

	if len(events) != 2 {
		t.Fatalf("expected started+completed pair, got %d events", len(events))
	}
	started := decodeItem(t, events[0])
	if started.Role != types.RoleUser || started.NativeID != "" {
		t.Errorf("expected synthetic user item with null native id, got role=%s native=%q", started.Role, started.NativeID)
	}
	if !events[0].Synthetic || !events[1].Synthetic {
		t.Error("user echo synthesis must be daemon-sourced")
	}
	completed := decodeItem(t, events[1])
	if completed.Status != types.StatusCompleted || completed.Text() != "hello" {
		t.Errorf("expected completed user item %q, got %q (%s)", "hello", completed.Text(), completed.Status)
	}
}

func TestNestedToolsHoistedToItems(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{UserEcho: true, Lifecycle: true})

	n.Normalize(&Native{Kind: KindItemStarted, Item: &NativeItem{ID: "m1", Kind: types.ItemMessage, Role: types.RoleAssistant}})
	events := n.Normalize(&Native{
		Kind: KindItemCompleted,
		Item: &NativeItem{
			ID: "m1", Kind: types.ItemMessage, Role: types.RoleAssistant, Text: "ran the tool",
			Nested: []NativeTool{{Tool: "bash", CallID: "c1", Args: json.RawMessage(`{"cmd":"ls"}`), Result: "ok"}},
		},
	})

	var parent types.ItemID
	for _, ev := range events {
		if ev.Type == types.EventItemCompleted {
			item := decodeItem(t, ev)
			if item.Kind == types.ItemMessage {
				parent = item.ID
			}
		}
	}
	if parent == "" {
		t.Fatal("message item never completed")
	}

	var sawCall, sawResult bool
	for _, ev := range events {
		if ev.Type != types.EventItemStarted && ev.Type != types.EventItemCompleted {
			continue
		}
		item := decodeItem(t, ev)
		switch item.Kind {
		case types.ItemToolCall:
			sawCall = true
			if item.ParentID != parent {
				t.Errorf("tool_call parent = %s, want %s", item.ParentID, parent)
			}
		case types.ItemToolResult:
			sawResult = true
			if item.ParentID != parent {
				t.Errorf("tool_result parent = %s, want %s", item.ParentID, parent)
			}
		case types.ItemMessage:
			for _, part := range item.Content {
				if part.Type == types.PartToolCall || part.Type == types.PartToolResult {
					t.Error("tool content must not stay inline in the message item")
				}
			}
		}
	}
	if !sawCall || !sawResult {
		t.Errorf("expected distinct tool_call and tool_result items, got call=%v result=%v", sawCall, sawResult)
	}
}

func TestLifecycleSynthesis(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{})

	events := n.UserMessage([]types.ContentPart{{Type: types.PartText, Text: "hi"}})
	if events[0].Type != types.EventSessionStarted || !events[0].Synthetic {
		t.Fatalf("expected synthetic session.started at first interaction, got %s", events[0].Type)
	}

	ended := n.End(types.EndError, types.SourceAgent, "exit status 1")
	if len(ended) != 1 || ended[0].Type != types.EventSessionEnded {
		t.Fatalf("expected one session.ended, got %v", ended)
	}
	var data types.SessionEndedData
	if err := json.Unmarshal(ended[0].Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.TerminatedBy != types.SourceAgent || data.Reason != types.EndError || data.Detail != "exit status 1" {
		t.Errorf("unexpected end payload: %+v", data)
	}

	// End is idempotent.
	if again := n.End(types.EndCompleted, types.SourceDaemon, ""); again != nil {
		t.Errorf("expected second End to emit nothing, got %d events", len(again))
	}
}

func TestUnknownPayloadDegradesToUnparsed(t *testing.T) {
	n := New(types.NewSessionID(), "codex", Capabilities{Lifecycle: true})

	raw := json.RawMessage(`{"weird":"shape"}`)
	events := n.Normalize(&Native{Kind: KindUnknown, Raw: raw})

	last := events[len(events)-1]
	if last.Type != types.EventAgentUnparsed || !last.Synthetic {
		t.Fatalf("expected synthetic agent.unparsed, got %s", last.Type)
	}
	var data types.UnparsedData
	if err := json.Unmarshal(last.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Parser != "codex" || data.SHA256 == "" || data.Excerpt == "" {
		t.Errorf("unparsed payload missing fields: %+v", data)
	}
}

func TestRawPreservation(t *testing.T) {
	n := New(types.NewSessionID(), "mock", Capabilities{UserEcho: true, Lifecycle: true, NativeToolItems: true})

	raw := json.RawMessage(`{"type":"message_start","id":"i1"}`)
	events := n.Normalize(&Native{
		Kind: KindItemStarted,
		Item: &NativeItem{ID: "i1", Kind: types.ItemMessage, Role: types.RoleAssistant},
		Raw:  raw,
	})
	if string(events[0].Raw) != string(raw) {
		t.Errorf("expected native raw payload preserved, got %s", events[0].Raw)
	}

	synthetic := n.UserMessage([]types.ContentPart{{Type: types.PartText, Text: "x"}})
	for _, ev := range synthetic {
		if ev.Raw != nil {
			t.Errorf("synthetic event %s must carry raw=null", ev.Type)
		}
	}
}
