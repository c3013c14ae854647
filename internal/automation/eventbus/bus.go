// Package eventbus is the in-process event bus feeding both the
// progress-stream SSE endpoint and the operator debug websocket. It is
// adapted from internal/notifications/websocket.Manager's Hub: the same
// register/unregister/broadcast channel shape, minus the WebSocket
// upgrade itself (callers decide how to ship the event onward).
package eventbus

import "sync"

// Event is one progress update broadcast to every current subscriber of
// an automation's execution (spec.md Design Note "Event emission for
// SSE"). The event bus is an optimization; the Progress Store remains
// the source of truth for anyone who subscribes late.
type Event struct {
	AutomationID string `json:"automationId"`
	ExecutionID  string `json:"executionId"`
	Phase        string `json:"phase"`
	Status       string `json:"status"`
	Level        string `json:"level"`
	Message      string `json:"message"`
}

type subscriber struct {
	automationID string
	ch           chan Event
}

// Hub fans Publish calls out to every subscriber registered for the
// matching automation id. Subscribers that fall behind miss events
// rather than being allowed to block a publish; they stay registered
// (same trade-off as the teacher's buffered broadcast channel).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subscribers: make(map[*subscriber]struct{})}
}

// Subscribe registers a new listener for a given automation id and
// returns a channel of events plus an unsubscribe func. The channel is
// buffered; a slow reader only loses events, it never blocks Publish.
func (h *Hub) Subscribe(automationID string) (<-chan Event, func()) {
	sub := &subscriber{automationID: automationID, ch: make(chan Event, 64)}

	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[sub]; ok {
			delete(h.subscribers, sub)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish broadcasts an event to every subscriber registered for
// ev.AutomationID. Non-blocking: a subscriber with a full buffer simply
// misses this event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if sub.automationID != ev.AutomationID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscribeAll registers a listener for every automation id, used by
// the operator debug websocket endpoint to tail the whole bus.
func (h *Hub) SubscribeAll() (<-chan Event, func()) {
	return h.Subscribe("*")
}

// PublishAll is Publish plus a broadcast to any SubscribeAll listener.
func (h *Hub) PublishAll(ev Event) {
	h.Publish(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if sub.automationID != "*" {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
