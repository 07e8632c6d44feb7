// internal/stream/hub.go

// Package stream fans live events out to session subscribers. Delivery to a
// slow subscriber never blocks ingestion: each subscriber has a bounded
// buffer and falls off the hub when it falls behind (it can always resume
// via replay from the persistence driver).
package stream

import (
	"log/slog"
	"sync"

	"github.com/user/switchboard/internal/types"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 64

// Subscriber is one live event stream for a session.
type Subscriber struct {
	hub       *Hub
	sessionID types.SessionID
	id        int
	ch        chan *types.Event
	closeOnce sync.Once
}

// Events is the subscriber's receive channel. It is closed when the
// subscriber is dropped, its session's stream is closed, or Close is called.
func (s *Subscriber) Events() <-chan *types.Event {
	return s.ch
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.remove(s.sessionID, s.id)
}

// Hub routes published events to each session's subscribers.
type Hub struct {
	buffer int

	mu     sync.Mutex
	topics map[types.SessionID]map[int]*Subscriber
	nextID int
}

// New creates a hub with the given per-subscriber buffer size. A
// non-positive size falls back to DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer: buffer,
		topics: make(map[types.SessionID]map[int]*Subscriber),
	}
}

// Subscribe attaches a new subscriber to the session's stream.
func (h *Hub) Subscribe(sessionID types.SessionID) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscriber{
		hub:       h,
		sessionID: sessionID,
		id:        h.nextID,
		ch:        make(chan *types.Event, h.buffer),
	}
	subs, ok := h.topics[sessionID]
	if !ok {
		subs = make(map[int]*Subscriber)
		h.topics[sessionID] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every subscriber of its session without
// blocking. Subscribers whose buffers are full are disconnected.
func (h *Hub) Publish(ev *types.Event) {
	h.mu.Lock()
	var dropped []*Subscriber
	for _, sub := range h.topics[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		h.removeLocked(ev.SessionID, sub.id)
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		slog.Warn("subscriber fell behind, disconnecting",
			"session_id", string(ev.SessionID), "subscriber", sub.id, "buffer", h.buffer)
	}
}

// CloseSession detaches every subscriber of the session, closing their
// channels. Used on session termination.
func (h *Hub) CloseSession(sessionID types.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.topics[sessionID] {
		h.removeLocked(sessionID, id)
	}
}

func (h *Hub) remove(sessionID types.SessionID, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sessionID, id)
}

func (h *Hub) removeLocked(sessionID types.SessionID, id int) {
	subs, ok := h.topics[sessionID]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(h.topics, sessionID)
	}
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// SubscriberCount reports live subscribers for a session.
func (h *Hub) SubscriberCount(sessionID types.SessionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[sessionID])
}
