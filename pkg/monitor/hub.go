// Package monitor provides an in-process publish/subscribe hub for bridge
// introspection events, plus a localhost-only WebSocket surface that streams
// them. It supplements the core relay/spawner contract: nothing in §4 of the
// spec depends on it, but it gives a dashboard or CLI a live view of state
// changes and deliveries without polling.
package monitor

import (
	"sync"
	"time"
)

// EventType discriminates the kind of event carried by Event.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventDeliver     EventType = "deliver"
	EventWorkerSpawn EventType = "worker_spawn"
	EventWorkerExit  EventType = "worker_exit"
)

// Event is the hub's envelope. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	ProjectID string    `json:"projectId,omitempty"`
	Connected bool      `json:"connected,omitempty"`
	From      string    `json:"from,omitempty"`
	Body      string    `json:"body,omitempty"`
	Worker    string    `json:"worker,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Hub is an in-memory fan-out dispatcher: every registered listener gets its
// own buffered channel, and a full channel means the event is dropped for
// that listener only, so one slow dashboard tab can never stall the bridge.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]chan Event
	nextID    uint64
	bufSize   int
}

// NewHub constructs a hub with the given per-listener buffer size (defaults
// to 64 when <= 0).
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Hub{listeners: make(map[uint64]chan Event), bufSize: bufSize}
}

// Register adds a listener and returns its id and receive-only channel.
// Callers must Unregister(id) when done.
func (h *Hub) Register() (uint64, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.bufSize)
	h.listeners[id] = ch
	return id, ch
}

// Unregister removes and closes a listener's channel. Safe to call more
// than once; unknown ids are ignored.
func (h *Hub) Unregister(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

// Publish fans an event out to every registered listener, best-effort.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

// Size returns the current number of registered listeners.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// StateChangeSink returns a callback suitable for relay.StateChangeFunc that
// republishes bridge state changes onto the hub.
func (h *Hub) StateChangeSink() func(projectID string, connected bool) {
	return func(projectID string, connected bool) {
		h.Publish(Event{Type: EventStateChange, ProjectID: projectID, Connected: connected})
	}
}

// DeliverSink returns a callback suitable for relay.DeliverFunc that
// republishes deliveries onto the hub.
func (h *Hub) DeliverSink() func(projectID, from, body, envelopeID string) {
	return func(projectID, from, body, envelopeID string) {
		h.Publish(Event{Type: EventDeliver, ProjectID: projectID, From: from, Body: body, Detail: envelopeID})
	}
}
