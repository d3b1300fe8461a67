package server

import (
	"sync"

	"sshdeck/internal/logging"
	"sshdeck/internal/session"

	"go.uber.org/zap"
)

// subscriberBuffer is the number of events a subscriber may fall behind
// before it is dropped.
const subscriberBuffer = 256

// Subscriber receives the events of one server ID, or of every server
// when serverID is empty.
type Subscriber struct {
	serverID string
	send     chan session.Event

	mu     sync.Mutex
	closed bool
}

// Events is closed when the subscriber is dropped.
func (s *Subscriber) Events() <-chan session.Event { return s.send }

// deliver queues e and reports whether the subscriber had to be dropped.
func (s *Subscriber) deliver(e session.Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- e:
		return false
	default:
		s.closeLocked()
		return true
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscriber) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub fans session events out to websocket subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber for serverID ("" for all servers).
func (h *Hub) Subscribe(serverID string) *Subscriber {
	sub := &Subscriber{serverID: serverID, send: make(chan session.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.close()
}

// Publish is a session.EventListener. It never blocks.
func (h *Hub) Publish(e session.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		if sub.serverID != "" && sub.serverID != e.ServerID {
			continue
		}
		if sub.deliver(e) {
			logging.Logger().Warn("Dropping slow event subscriber", zap.String("server_id", e.ServerID))
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}
