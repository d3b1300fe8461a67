// Package transport dials SSH hosts and opens the shell, SFTP and exec
// channels a session runs on.
package transport

import (
	"context"
	"io"
	"time"

	"sshdeck/internal/config"
	"sshdeck/internal/profile"

	"github.com/pkg/sftp"
)

// Shell is an interactive PTY channel. Output delivers stdout and stderr
// chunks in arrival order and is closed once the channel ends, whether the
// remote side exited, the transport dropped, or Close was called.
type Shell interface {
	io.Writer
	Output() <-chan []byte
	Resize(cols, rows int) error
	Close() error
}

// Conn is one authenticated transport carrying exactly one shell and one
// SFTP channel. Close is idempotent.
type Conn interface {
	Shell() Shell
	SFTP() *sftp.Client
	// Run executes command on a fresh exec channel. A non-zero exit status
	// is reported through exitCode, not err.
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
	Close() error
}

// Connector establishes connections for profiles.
type Connector interface {
	Connect(ctx context.Context, p *profile.Profile) (Conn, error)
}

// Options are the transport-wide dial and terminal settings.
type Options struct {
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	KeepAliveCountMax int
	KnownHosts        string
	Term              string
	Cols              int
	Rows              int
}

// OptionsFromConfig maps the transport config section to Options.
func OptionsFromConfig(c config.TransportConfig) Options {
	return Options{
		ConnectTimeout:    c.ConnectTimeout,
		KeepAliveInterval: c.KeepAliveInterval,
		KeepAliveCountMax: c.KeepAliveCountMax,
		KnownHosts:        c.KnownHosts,
		Term:              c.Term,
		Cols:              c.Cols,
		Rows:              c.Rows,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.KeepAliveCountMax <= 0 {
		o.KeepAliveCountMax = 3
	}
	if o.Term == "" {
		o.Term = "xterm-256color"
	}
	if o.Cols <= 0 {
		o.Cols = 80
	}
	if o.Rows <= 0 {
		o.Rows = 24
	}
	return o
}
