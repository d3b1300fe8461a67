package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"sshdeck/internal/errs"
	"sshdeck/internal/files"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"
	"sshdeck/internal/transport"

	"code.cloudfoundry.org/clock"
	"github.com/alitto/pond/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrSuperseded is returned by Connect when a newer Connect or Disconnect
// for the same profile finished first.
var ErrSuperseded = errors.New("connection superseded by a newer request")

// ErrNoSession is returned for operations on an identity with no session.
var ErrNoSession = errors.New("No session found")

// shutdownConcurrency bounds parallel teardown in DisconnectAll.
const shutdownConcurrency = 8

const maxLoggedSessions = 10

// Manager is the registry of live sessions, at most one per profile ID.
type Manager struct {
	connector transport.Connector
	settings  Settings
	clock     clock.Clock
	fs        afero.Fs

	mu          sync.Mutex
	sessions    map[string]*Session
	generations map[string]uint64

	listenersMu sync.RWMutex
	listeners   []EventListener
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithFs sets the local filesystem used by file transfers.
func WithFs(fs afero.Fs) Option {
	return func(m *Manager) { m.fs = fs }
}

func NewManager(connector transport.Connector, settings Settings, opts ...Option) *Manager {
	m := &Manager{
		connector:   connector,
		settings:    settings,
		clock:       clock.NewClock(),
		fs:          afero.NewOsFs(),
		sessions:    make(map[string]*Session),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnEvent registers a listener for session events.
func (m *Manager) OnEvent(listener EventListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) emitEvent(e Event) {
	m.listenersMu.RLock()
	listeners := make([]EventListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range listeners {
		l(e)
	}
}

// Connect opens a session for p, replacing any existing session for the
// same ID. The previous transport is torn down before dialing. If another
// Connect or Disconnect for the same ID completes while this one is
// dialing, the new connection is discarded and ErrSuperseded returned.
func (m *Manager) Connect(ctx context.Context, p *profile.Profile) (*Session, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("profile has no id")
	}

	m.mu.Lock()
	old := m.sessions[p.ID]
	delete(m.sessions, p.ID)
	m.generations[p.ID]++
	gen := m.generations[p.ID]
	m.mu.Unlock()

	if old != nil {
		logging.Logger().Info("Replacing existing session", zap.String("server_id", p.ID))
		old.Close()
	}

	conn, err := m.connector.Connect(ctx, p)
	if err != nil {
		logging.Logger().Warn("Connect failed",
			zap.String("server_id", p.ID),
			zap.String("host", p.Addr()),
			zap.Error(err))
		return nil, err
	}

	m.mu.Lock()
	if m.generations[p.ID] != gen {
		m.mu.Unlock()
		conn.Close()
		return nil, ErrSuperseded
	}
	s := newSession(p, conn, sessionDeps{
		settings:  m.settings,
		clock:     m.clock,
		connector: m.connector,
		fs:        m.fs,
		emit:      m.emitEvent,
		onFailed:  m.remove,
	})
	m.sessions[p.ID] = s
	m.mu.Unlock()

	s.start()
	logging.Logger().Info("Session connected",
		zap.String("server_id", p.ID),
		zap.String("host", p.Addr()))
	return s, nil
}

// remove drops s from the registry if it is still the registered session.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

// Disconnect closes the session for id. It is a no-op when there is none.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.generations[id]++
	m.mu.Unlock()

	if s != nil {
		s.Close()
	}
}

// DisconnectAll closes every session in parallel and waits for them.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		ids = append(ids, id)
		delete(m.sessions, id)
		m.generations[id]++
	}
	m.mu.Unlock()

	if len(sessions) == 0 {
		return
	}
	pool := pond.NewPool(shutdownConcurrency)
	for _, s := range sessions {
		pool.Submit(s.Close)
	}
	pool.StopAndWait()
	sort.Strings(ids)
	logging.Logger().Info("All sessions closed",
		zap.Int("count", len(sessions)),
		zap.Strings("server_ids", logging.TruncateSlice(ids, maxLoggedSessions)))
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IsConnected reports whether a session for id is registered. A session
// that is reconnecting still counts.
func (m *Manager) IsConnected(id string) bool {
	_, ok := m.Get(id)
	return ok
}

// Sessions returns snapshots of every registered session sorted by ID.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (m *Manager) lookup(id string) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, errs.NotConnectedError(id)
	}
	return s, nil
}

// RawInput writes data to the shell of id immediately.
func (m *Manager) RawInput(id string, data []byte) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return s.Write(data)
}

// Enqueue adds a command to the paced command queue of id.
func (m *Manager) Enqueue(id, command string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return s.Enqueue(command)
}

// QueueStatus reports the command queue of id. Unknown IDs report an
// empty queue.
func (m *Manager) QueueStatus(id string) QueueStatus {
	s, ok := m.Get(id)
	if !ok {
		return QueueStatus{MaxQueueSize: m.settings.MaxQueue}
	}
	return s.QueueStatus()
}

// Reconnect forces a reconnect of id even when auto-reconnect is off.
func (m *Manager) Reconnect(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrNoSession
	}
	s.RequestReconnect()
	return nil
}

// Resize changes the terminal size of id.
func (m *Manager) Resize(id string, cols, rows int) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	return s.Resize(cols, rows)
}

// Files returns the file client for id's current connection.
func (m *Manager) Files(id string) (*files.Client, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.Files()
}
