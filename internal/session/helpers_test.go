package session_test

import (
	"strings"
	"sync"

	"sshdeck/internal/session"
)

// recorder collects events from a Manager.
type recorder struct {
	mu     sync.Mutex
	events []session.Event
}

func (r *recorder) listen(e session.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []session.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Event(nil), r.events...)
}

func (r *recorder) types() []session.EventType {
	var out []session.EventType
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(t session.EventType) int {
	n := 0
	for _, e := range r.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) output() string {
	var sb strings.Builder
	for _, e := range r.all() {
		if e.Type == session.EventOutput {
			sb.WriteString(e.Data)
		}
	}
	return sb.String()
}

func (r *recorder) batches() []string {
	var out []string
	for _, e := range r.all() {
		if e.Type == session.EventOutput {
			out = append(out, e.Data)
		}
	}
	return out
}

func (r *recorder) reconnecting() [][2]int {
	var out [][2]int
	for _, e := range r.all() {
		if e.Type == session.EventReconnecting {
			out = append(out, [2]int{e.Attempt, e.MaxAttempts})
		}
	}
	return out
}
