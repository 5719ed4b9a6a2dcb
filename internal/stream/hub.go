// Package stream fans engine events out to live transcript subscribers.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dialogos/internal/domain"
)

// EventKind discriminates stream events.
type EventKind string

const (
	// EventTurnAppended carries a newly appended (or regenerated) turn.
	EventTurnAppended EventKind = "turn_appended"
	// EventStatusChanged carries a session status transition.
	EventStatusChanged EventKind = "status_changed"
)

// Event is one message pushed to session subscribers.
type Event struct {
	Kind      EventKind            `json:"kind"`
	SessionID string               `json:"session_id"`
	Turn      *domain.Turn         `json:"turn,omitempty"`
	Status    domain.SessionStatus `json:"status,omitempty"`
	At        time.Time            `json:"at"`
}

// Hub is a per-session fan-out of engine events. Each subscriber gets its
// own bounded channel so one slow client cannot stall another; when a
// buffer is full the event is dropped for that subscriber only (the client
// re-fetches the transcript on reconnect).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{} // sessionID -> subscriber channels
	bufferSize  int
}

// NewHub creates a Hub with the given per-subscriber buffer size.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a listener for one session's events. The returned
// cancel function must be called when the listener goes away.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := make(chan Event, h.bufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[sessionID]; !ok {
		h.subscribers[sessionID] = make(map[chan Event]struct{})
	}
	h.subscribers[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.subscribers[sessionID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.subscribers, sessionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// TurnAppended implements engine.Notifier.
func (h *Hub) TurnAppended(sessionID string, turn *domain.Turn) {
	h.publish(Event{
		Kind:      EventTurnAppended,
		SessionID: sessionID,
		Turn:      turn,
		At:        time.Now(),
	})
}

// StatusChanged implements engine.Notifier.
func (h *Hub) StatusChanged(sessionID string, status domain.SessionStatus) {
	h.publish(Event{
		Kind:      EventStatusChanged,
		SessionID: sessionID,
		Status:    status,
		At:        time.Now(),
	})
}

func (h *Hub) publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the engine.
			slog.Debug("dropping stream event for slow subscriber",
				"session_id", event.SessionID, "kind", event.Kind)
		}
	}
}
