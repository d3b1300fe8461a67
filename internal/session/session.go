package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"sshdeck/internal/errs"
	"sshdeck/internal/files"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"
	"sshdeck/internal/transport"

	"code.cloudfoundry.org/clock"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Info is a point-in-time view of a Session.
type Info struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Host         string      `json:"host"`
	State        State       `json:"state"`
	Attempt      int         `json:"attempt,omitempty"`
	LastActivity time.Time   `json:"lastActivity"`
	Queue        QueueStatus `json:"queue"`
}

// Session is one live connection to a profile. A single goroutine (run)
// owns the output aggregator, the reconnect counter and all state
// transitions; other goroutines only read through the mutex.
type Session struct {
	id        string
	profile   *profile.Profile
	settings  Settings
	clock     clock.Clock
	connector transport.Connector
	fs        afero.Fs
	emitFn    func(Event)
	onFailed  func(*Session)
	log       *zap.Logger

	mu           sync.RWMutex
	conn         transport.Conn
	files        *files.Client
	state        State
	attempts     int
	lastActivity time.Time
	history      history

	agg    *Aggregator
	queue  *CommandQueue
	ctx    context.Context
	cancel context.CancelFunc
	manual chan struct{}
	done   chan struct{}

	closeOnce  sync.Once
	removeOnce sync.Once
}

type sessionDeps struct {
	settings  Settings
	clock     clock.Clock
	connector transport.Connector
	fs        afero.Fs
	emit      func(Event)
	onFailed  func(*Session)
}

func newSession(p *profile.Profile, conn transport.Conn, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        p.ID,
		profile:   p,
		settings:  deps.settings,
		clock:     deps.clock,
		connector: deps.connector,
		fs:        deps.fs,
		emitFn:    deps.emit,
		onFailed:  deps.onFailed,
		log:       logging.Logger().With(zap.String("server_id", p.ID), zap.String("host", p.Addr())),
		ctx:       ctx,
		cancel:    cancel,
		manual:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.agg = NewAggregator(s.clock, s.settings.FlushInterval, s.settings.BufferSize, s.emitOutput)
	s.queue = NewCommandQueue(s.clock, s.settings.CommandDelay, s.settings.MaxQueue, s.id, s.writeShell)
	s.install(conn)
	return s
}

func (s *Session) start() {
	go s.run()
}

// ID returns the profile ID the session is keyed by.
func (s *Session) ID() string { return s.id }

// Profile returns the profile the session was connected with.
func (s *Session) Profile() *profile.Profile { return s.profile }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:           s.id,
		Name:         s.profile.Name,
		Host:         s.profile.Addr(),
		State:        s.state,
		LastActivity: s.lastActivity,
	}
	if s.state == StateReconnecting {
		info.Attempt = s.attempts
	}
	s.mu.RUnlock()
	info.Queue = s.queue.Status()
	return info
}

// History returns recent lifecycle events, oldest first.
func (s *Session) History() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.list()
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Write sends raw input to the shell, bypassing the command queue.
func (s *Session) Write(data []byte) error {
	if err := s.writeShell(data); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Session) writeShell(data []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errs.NotConnectedError(s.id)
	}
	if _, err := conn.Shell().Write(data); err != nil {
		return errs.TransportError("write", err)
	}
	return nil
}

// Enqueue queues a command for paced delivery to the shell.
func (s *Session) Enqueue(command string) error {
	if err := s.queue.Enqueue(command); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Session) QueueStatus() QueueStatus {
	return s.queue.Status()
}

// Resize changes the PTY window size.
func (s *Session) Resize(cols, rows int) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errs.NotConnectedError(s.id)
	}
	return conn.Shell().Resize(cols, rows)
}

// Files returns the file client of the current connection.
func (s *Session) Files() (*files.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.files == nil {
		return nil, errs.NotConnectedError(s.id)
	}
	return s.files, nil
}

// RequestReconnect forces a reconnect cycle, or cuts a pending backoff
// wait short. It never blocks.
func (s *Session) RequestReconnect() {
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// Close tears the session down for good: the loop is cancelled, pending
// output flushed, queued commands dropped and the transport closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.queue.Stop()
		if conn := s.detach(); conn != nil {
			if err := conn.Close(); err != nil {
				s.log.Debug("Error closing connection", zap.Error(err))
			}
		}
		s.setState(StateDisconnected)
		s.log.Info("Session closed")
	})
}

func (s *Session) install(conn transport.Conn) {
	fc := files.New(conn.SFTP(), conn, s.fs,
		files.WithMaxReadSize(s.settings.MaxReadSize),
		files.WithServerID(s.id))
	s.mu.Lock()
	s.conn = conn
	s.files = fc
	s.state = StateConnected
	s.attempts = 0
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) detach() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.files = nil
	return conn
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) emit(e Event) {
	e.ServerID = s.id
	e.Timestamp = s.clock.Now()
	if e.Type != EventOutput {
		s.mu.Lock()
		s.history.record(e)
		s.mu.Unlock()
	}
	s.emitFn(e)
}

func (s *Session) emitOutput(batch []byte) {
	s.emit(Event{Type: EventOutput, Data: string(batch)})
}

type pumpResult int

const (
	pumpClosed pumpResult = iota
	pumpManual
	pumpCancelled
)

func (s *Session) run() {
	defer close(s.done)
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		result := s.pump(conn.Shell().Output())
		if result == pumpCancelled {
			s.emit(Event{Type: EventDisconnected})
			return
		}

		// Tear down the old transport before dialing a new one.
		if old := s.detach(); old != nil {
			if err := old.Close(); err != nil {
				s.log.Debug("Error closing connection", zap.Error(err))
			}
		}
		s.setState(StateDisconnected)
		if result == pumpClosed {
			s.log.Warn("Shell channel closed")
		} else {
			s.log.Info("Manual reconnect requested")
		}
		s.emit(Event{Type: EventDisconnected})

		err := s.reconnect(result == pumpManual)
		if err == nil {
			continue
		}
		if s.ctx.Err() != nil {
			return
		}
		s.fail(err)
		return
	}
}

// pump feeds shell output through the aggregator until the stream ends,
// a manual reconnect is requested or the session is cancelled. Pending
// output is flushed on every exit path.
func (s *Session) pump(out <-chan []byte) pumpResult {
	defer s.agg.Flush()
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				return pumpClosed
			}
			s.agg.Append(chunk)
			s.touch()
		case <-s.agg.C():
			s.agg.Flush()
		case <-s.manual:
			return pumpManual
		case <-s.ctx.Done():
			return pumpCancelled
		}
	}
}

// errAutoReconnectOff ends a session whose profile does not reconnect.
var errAutoReconnectOff = errors.New("auto-reconnect disabled")

// reconnect runs one reconnect campaign. It returns nil once a new
// connection is installed.
func (s *Session) reconnect(manual bool) error {
	max := s.profile.MaxRetries(s.settings.MaxRetries)

	s.mu.RLock()
	attempts := s.attempts
	s.mu.RUnlock()

	if !manual && !s.profile.AutoReconnect {
		return errAutoReconnectOff
	}
	if !manual && attempts >= max {
		s.emit(Event{Type: EventReconnectFailed})
		return errs.ReconnectExhaustedError(attempts)
	}

	for {
		attempts++
		s.mu.Lock()
		s.attempts = attempts
		s.state = StateReconnecting
		s.mu.Unlock()

		delay := Backoff(s.settings.BackoffBase, attempts)
		s.log.Info("Reconnecting",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", max),
			zap.Duration("delay", delay))
		s.emit(Event{Type: EventReconnecting, Attempt: attempts, MaxAttempts: max})

		timer := s.clock.NewTimer(delay)
		select {
		case <-timer.C():
		case <-s.manual:
			timer.Stop()
		case <-s.ctx.Done():
			timer.Stop()
			return s.ctx.Err()
		}

		conn, err := s.connector.Connect(s.ctx, s.profile)
		if s.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return s.ctx.Err()
		}
		if err == nil {
			s.install(conn)
			// A request that raced with this attempt is already satisfied.
			select {
			case <-s.manual:
			default:
			}
			s.log.Info("Reconnected", zap.Int("attempt", attempts))
			s.emit(Event{Type: EventReconnected})
			return nil
		}

		s.log.Warn("Reconnect attempt failed",
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", max),
			zap.Error(err))
		if attempts >= max {
			s.emit(Event{Type: EventReconnectFailed})
			return errs.ReconnectExhaustedError(attempts)
		}
	}
}

// fail removes the session from its manager exactly once.
func (s *Session) fail(reason error) {
	s.queue.Stop()
	s.setState(StateFailed)
	s.removeOnce.Do(func() {
		if s.onFailed != nil {
			s.onFailed(s)
		}
	})
	s.cancel()
	if errors.Is(reason, errAutoReconnectOff) {
		s.log.Info("Session removed", zap.String("reason", reason.Error()))
		return
	}
	s.log.Warn("Session removed", zap.Error(reason))
}
