// Package transporttest provides fakes and an in-process SSH server for
// exercising code built on package transport.
package transporttest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"sshdeck/internal/profile"
	"sshdeck/internal/transport"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/sftp"
)

// FakeShell is a scripted transport.Shell.
type FakeShell struct {
	mu       sync.Mutex
	writes   []string
	resizes  [][2]int
	writeErr error
	out      chan []byte
	hungUp   bool
	closed   bool
}

func NewFakeShell() *FakeShell {
	return &FakeShell{out: make(chan []byte, 256)}
}

// Emit delivers chunk on the output stream as if the remote wrote it.
func (s *FakeShell) Emit(chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hungUp {
		return
	}
	s.out <- []byte(chunk)
}

// Hangup ends the output stream as if the channel closed remotely.
func (s *FakeShell) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hungUp {
		s.hungUp = true
		close(s.out)
	}
}

// FailWrites makes subsequent writes return err.
func (s *FakeShell) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

func (s *FakeShell) Output() <-chan []byte { return s.out }

func (s *FakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.writes = append(s.writes, string(p))
	return len(p), nil
}

func (s *FakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	s.resizes = append(s.resizes, [2]int{cols, rows})
	s.mu.Unlock()
	return nil
}

func (s *FakeShell) Close() error {
	s.Hangup()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Writes returns every write in order.
func (s *FakeShell) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Written returns all writes concatenated.
func (s *FakeShell) Written() string {
	return strings.Join(s.Writes(), "")
}

func (s *FakeShell) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

func (s *FakeShell) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RunFunc scripts FakeConn.Run.
type RunFunc func(command string) (stdout, stderr string, exitCode int, err error)

// FakeConn is a transport.Conn backed by a FakeShell and an optional
// SFTP client.
type FakeConn struct {
	FakeShell *FakeShell
	Client    *sftp.Client
	RunFunc   RunFunc

	mu       sync.Mutex
	commands []string
	closes   int
}

func NewFakeConn() *FakeConn {
	return &FakeConn{FakeShell: NewFakeShell()}
}

func (c *FakeConn) Shell() transport.Shell { return c.FakeShell }
func (c *FakeConn) SFTP() *sftp.Client     { return c.Client }

func (c *FakeConn) Run(ctx context.Context, command string) (string, string, int, error) {
	c.mu.Lock()
	c.commands = append(c.commands, command)
	run := c.RunFunc
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", "", -1, err
	}
	if run == nil {
		return "", "", 0, nil
	}
	return run(command)
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	first := c.closes == 1
	c.mu.Unlock()
	if first {
		c.FakeShell.Close()
	}
	return nil
}

// Commands returns every command passed to Run.
func (c *FakeConn) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

// ErrConnectRefused is a convenient scripted failure.
var ErrConnectRefused = errors.New("connection refused")

// FakeConnector hands out FakeConns. Scripted failures are consumed one
// per Connect call before successes resume.
type FakeConnector struct {
	Clock clock.Clock

	mu       sync.Mutex
	failures []error
	gate     chan struct{}
	calls    []time.Time
	profiles []*profile.Profile
	conns    []*FakeConn
	hook     func(*FakeConn)
}

func NewFakeConnector(clk clock.Clock) *FakeConnector {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &FakeConnector{Clock: clk}
}

// FailNext queues errors for the following Connect calls.
func (f *FakeConnector) FailNext(errs ...error) {
	f.mu.Lock()
	f.failures = append(f.failures, errs...)
	f.mu.Unlock()
}

// Hold makes Connect block until Release is called or its context ends.
func (f *FakeConnector) Hold() {
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.mu.Unlock()
}

func (f *FakeConnector) Release() {
	f.mu.Lock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
	f.mu.Unlock()
}

// OnConnect runs fn on every new FakeConn before it is returned.
func (f *FakeConnector) OnConnect(fn func(*FakeConn)) {
	f.mu.Lock()
	f.hook = fn
	f.mu.Unlock()
}

func (f *FakeConnector) Connect(ctx context.Context, p *profile.Profile) (transport.Conn, error) {
	f.mu.Lock()
	f.calls = append(f.calls, f.Clock.Now())
	f.profiles = append(f.profiles, p)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return nil, err
	}
	conn := NewFakeConn()
	if f.hook != nil {
		f.hook(conn)
	}
	f.conns = append(f.conns, conn)
	return conn, nil
}

// Calls returns the clock time of every Connect call.
func (f *FakeConnector) Calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

// Profiles returns the profile pointer passed to every Connect call.
func (f *FakeConnector) Profiles() []*profile.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*profile.Profile(nil), f.profiles...)
}

// Conns returns every connection handed out.
func (f *FakeConnector) Conns() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.conns...)
}

// Last returns the newest connection, or nil.
func (f *FakeConnector) Last() *FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
