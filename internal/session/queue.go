package session

import (
	"errors"
	"sync"
	"time"

	"sshdeck/internal/errs"
	"sshdeck/internal/logging"

	"code.cloudfoundry.org/clock"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after the session has shut down.
var ErrQueueClosed = errors.New("command queue closed")

// QueueStatus is a snapshot of a CommandQueue.
type QueueStatus struct {
	QueueLength  int  `json:"queueLength"`
	Processing   bool `json:"processing"`
	MaxQueueSize int  `json:"maxQueueSize"`
}

// CommandQueue serialises programmatic commands onto a shell, pausing
// between writes so the remote side can keep up. At most one drain
// goroutine runs at a time.
type CommandQueue struct {
	clock    clock.Clock
	delay    time.Duration
	max      int
	write    func([]byte) error
	serverID string

	mu         sync.Mutex
	pending    []string
	processing bool
	stopped    bool
	stop       chan struct{}
}

func NewCommandQueue(clk clock.Clock, delay time.Duration, max int, serverID string, write func([]byte) error) *CommandQueue {
	return &CommandQueue{
		clock:    clk,
		delay:    delay,
		max:      max,
		write:    write,
		serverID: serverID,
		stop:     make(chan struct{}),
	}
}

// Enqueue appends command plus a newline and starts draining if idle.
func (q *CommandQueue) Enqueue(command string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueClosed
	}
	if len(q.pending) >= q.max {
		return errs.ErrQueueFull
	}
	q.pending = append(q.pending, command+"\n")
	if !q.processing {
		q.processing = true
		go q.drain()
	}
	return nil
}

func (q *CommandQueue) drain() {
	for {
		q.mu.Lock()
		if q.stopped || len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.write([]byte(cmd)); err != nil {
			logging.Logger().Warn("Dropped queued command",
				zap.String("server_id", q.serverID),
				zap.String("command", logging.Truncate(cmd)),
				zap.Error(err))
		}

		timer := q.clock.NewTimer(q.delay)
		select {
		case <-timer.C():
		case <-q.stop:
			timer.Stop()
		}
	}
}

// Status returns the current queue length and drain state.
func (q *CommandQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		QueueLength:  len(q.pending),
		Processing:   q.processing,
		MaxQueueSize: q.max,
	}
}

// Stop discards pending commands and ends the drain goroutine.
func (q *CommandQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.pending = nil
	close(q.stop)
}
