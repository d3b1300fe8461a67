package session

import "time"

// EventType names a session event.
type EventType string

const (
	EventOutput          EventType = "output"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect-failed"
)

// Event is delivered to listeners registered with Manager.OnEvent. Data
// carries a batch of terminal output for EventOutput; Attempt and
// MaxAttempts are set for EventReconnecting.
type Event struct {
	ServerID    string    `json:"serverId"`
	Type        EventType `json:"type"`
	Data        string    `json:"data,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	MaxAttempts int       `json:"maxAttempts,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventListener receives session events. Listeners are called
// synchronously from the session goroutine and must not block.
type EventListener func(Event)

const historySize = 50

// history is a fixed-size ring of lifecycle events (output excluded).
type history struct {
	events [historySize]Event
	head   int
	count  int
}

func (h *history) record(e Event) {
	h.events[h.head] = e
	h.head = (h.head + 1) % historySize
	if h.count < historySize {
		h.count++
	}
}

// list returns events oldest first.
func (h *history) list() []Event {
	out := make([]Event, 0, h.count)
	start := (h.head - h.count + historySize) % historySize
	for i := 0; i < h.count; i++ {
		out = append(out, h.events[(start+i)%historySize])
	}
	return out
}
