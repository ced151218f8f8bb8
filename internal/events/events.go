// Package events carries realtime notifications from the server core to
// connected chat clients.
package events

import (
	"sync"
	"time"
)

// Event names sent to clients.
const (
	MessageThinking  = "message:thinking"
	MessageStream    = "message:stream"
	MessageCancelled = "message:cancelled"
	MessageDone      = "message:done"
	ToolStarted      = "tool:started"
	ToolResult       = "tool:result"
	FileChanged      = "file:changed"
	PreviewReady     = "preview:ready"
	RequestSubmitted = "request:submitted"
	Error            = "error"
)

// Event is one named notification with a JSON-encodable payload.
type Event struct {
	Name      string         `json:"event"`
	SessionID string         `json:"sessionId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Data      map[string]any `json:"data"`
	Time      time.Time      `json:"time"`
}

// New builds an event stamped with the current time.
func New(name string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Name: name, Data: data, Time: time.Now().UTC()}
}

// Emitter receives events as they happen.
type Emitter func(Event)

// Discard is an Emitter that drops everything.
func Discard(Event) {}

// subscriberBuffer is how many events a slow subscriber may lag before
// events to it are dropped.
const subscriberBuffer = 256

// Hub fans events out to the subscribers of each session.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for sessionID. The returned cancel func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sessionID][ch]; !ok {
				return
			}
			delete(h.subs[sessionID], ch)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber of sessionID without blocking.
// It returns how many subscribers received it.
func (h *Hub) Publish(sessionID string, ev Event) int {
	ev.SessionID = sessionID
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.subs[sessionID] {
		select {
		case ch <- ev:
			n++
		default:
		}
	}
	return n
}

// Emitter returns an Emitter publishing to sessionID, tagging each event
// with requestID.
func (h *Hub) Emitter(sessionID, requestID string) Emitter {
	return func(ev Event) {
		if ev.RequestID == "" {
			ev.RequestID = requestID
		}
		h.Publish(sessionID, ev)
	}
}

// Subscribers returns how many listeners sessionID has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
	h.closed = true
}
