// internal/stream/hub_test.go
package stream

import (
	"testing"
	"time"

	"github.com/user/switchboard/internal/types"
)

func publishN(h *Hub, sessionID types.SessionID, n int) {
	for i := 1; i <= n; i++ {
		h.Publish(&types.Event{
			ID:        types.NewEventID(),
			SessionID: sessionID,
			Index:     int64(i),
			Type:      types.EventItemDelta,
			Source:    types.SourceAgent,
		})
	}
}

func TestFanOutPreservesOrder(t *testing.T) {
	h := New(16)
	sessionID := types.NewSessionID()
	a := h.Subscribe(sessionID)
	b := h.Subscribe(sessionID)

	publishN(h, sessionID, 10)

	for _, sub := range []*Subscriber{a, b} {
		for want := int64(1); want <= 10; want++ {
			select {
			case ev := <-sub.Events():
				if ev.Index != want {
					t.Fatalf("expected index %d, got %d", want, ev.Index)
				}
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := New(4)
	sessionID := types.NewSessionID()
	slow := h.Subscribe(sessionID)

	// Nobody drains slow; publishing past its buffer must not block and
	// must disconnect it.
	done := make(chan struct{})
	go func() {
		publishN(h, sessionID, 20)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if h.SubscriberCount(sessionID) != 0 {
		t.Error("expected slow subscriber to be disconnected")
	}

	// Its channel ends after the buffered prefix.
	seen := 0
	for range slow.Events() {
		seen++
	}
	if seen > 4 {
		t.Errorf("expected at most the buffered 4 events, got %d", seen)
	}
}

func TestPublishToOtherSessionInvisible(t *testing.T) {
	h := New(8)
	a := types.NewSessionID()
	b := types.NewSessionID()
	sub := h.Subscribe(a)

	publishN(h, b, 3)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected cross-session event %v", ev.Index)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseSession(t *testing.T) {
	h := New(8)
	sessionID := types.NewSessionID()
	sub := h.Subscribe(sessionID)

	h.CloseSession(sessionID)

	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel after CloseSession")
	}
	if h.SubscriberCount(sessionID) != 0 {
		t.Error("expected no subscribers after CloseSession")
	}

	// Closing an already-dropped subscriber is safe.
	sub.Close()
}
