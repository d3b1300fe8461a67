package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"sshdeck/internal/errs"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// SSHConnector dials real SSH servers.
type SSHConnector struct {
	opts  Options
	clock clock.Clock
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHConnector creates a connector using opts for every connection.
func NewSSHConnector(opts Options) *SSHConnector {
	opts = opts.withDefaults()
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &SSHConnector{
		opts:  opts,
		clock: clock.NewClock(),
		dial:  dialer.DialContext,
	}
}

// safeClose safely closes a resource and logs any errors
func safeClose(name string, closer func() error) {
	if err := closer(); err != nil && !errors.Is(err, net.ErrClosed) {
		logging.Logger().Debug("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// Connect authenticates, then opens the shell and the SFTP subsystem in
// that order. If either channel fails the transport is torn down.
func (c *SSHConnector) Connect(ctx context.Context, p *profile.Profile) (Conn, error) {
	auth, err := authMethods(p)
	if err != nil {
		return nil, err
	}
	hostKeys, err := hostKeyCallback(c.opts.KnownHosts)
	if err != nil {
		return nil, errs.TransportError("known_hosts", err)
	}
	if c.opts.KnownHosts == "" {
		logging.Logger().Debug("Host key verification disabled", zap.String("host", p.Host))
	}

	cfg := &ssh.ClientConfig{
		User:            p.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.opts.ConnectTimeout,
	}

	addr := p.Addr()
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	netConn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, errs.TransportError("dial", fmt.Errorf("dial %s: %w", addr, err))
	}

	// The handshake has no context of its own; closing the socket aborts it.
	stop := context.AfterFunc(dialCtx, func() { netConn.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	interrupted := !stop()
	if err != nil {
		netConn.Close()
		if interrupted {
			return nil, errs.TransportError("handshake", fmt.Errorf("ssh handshake with %s: %w", addr, dialCtx.Err()))
		}
		if isAuthFailure(err) {
			return nil, errs.AuthenticationError(fmt.Sprintf("Authentication failed for %s@%s", p.Username, p.Host), err)
		}
		return nil, errs.TransportError("handshake", fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	if interrupted {
		clientConn.Close()
		return nil, errs.TransportError("handshake", dialCtx.Err())
	}
	client := ssh.NewClient(clientConn, chans, reqs)

	logging.Logger().Info("SSH connection established",
		zap.String("user", p.Username),
		zap.String("host", addr),
		zap.String("server_id", p.ID))

	shell, err := openShell(client, c.opts)
	if err != nil {
		safeClose("SSH client", client.Close)
		return nil, errs.ChannelOpenError("shell", err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		safeClose("shell", shell.Close)
		safeClose("SSH client", client.Close)
		return nil, errs.ChannelOpenError("sftp", err)
	}

	conn := &sshConn{
		client:   client,
		shell:    shell,
		sftp:     sftpClient,
		host:     addr,
		serverID: p.ID,
		stopKeep: make(chan struct{}),
	}

	interval := c.opts.KeepAliveInterval
	if p.KeepAliveInterval > 0 {
		interval = p.KeepAliveInterval
	}
	if interval > 0 {
		go conn.keepalive(c.clock, interval, c.opts.KeepAliveCountMax)
	}
	return conn, nil
}

type sshConn struct {
	client   *ssh.Client
	shell    *sshShell
	sftp     *sftp.Client
	host     string
	serverID string

	stopKeep  chan struct{}
	closeOnce sync.Once
}

func (c *sshConn) Shell() Shell       { return c.shell }
func (c *sshConn) SFTP() *sftp.Client { return c.sftp }

// Close releases SFTP, the shell and then the transport.
func (c *sshConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopKeep)
		safeClose("SFTP client", c.sftp.Close)
		safeClose("shell", c.shell.Close)
		err = c.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		logging.Logger().Debug("SSH connection closed",
			zap.String("host", c.host),
			zap.String("server_id", c.serverID))
	})
	return err
}

// keepalive closes the transport after countMax consecutive failed probes,
// which ends the shell's output stream.
func (c *sshConn) keepalive(clk clock.Clock, interval time.Duration, countMax int) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-c.stopKeep:
			return
		case <-ticker.C():
			_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
			if err == nil {
				failures = 0
				continue
			}
			failures++
			logging.Logger().Warn("SSH keepalive failed",
				zap.String("host", c.host),
				zap.String("server_id", c.serverID),
				zap.Int("failures", failures),
				zap.Error(err))
			if failures >= countMax {
				safeClose("SSH client", c.client.Close)
				return
			}
		}
	}
}

// Run executes a command on the remote host
func (c *sshConn) Run(ctx context.Context, command string) (string, string, int, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", "", -1, errs.ChannelOpenError("exec", err)
	}
	defer safeClose("SSH session", session.Close)

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	logging.Logger().Debug("Executing command",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", c.host))

	stop := context.AfterFunc(ctx, func() { session.Close() })
	err = session.Run(command)
	if !stop() {
		return stdout.String(), stderr.String(), -1, ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), -1, errs.TransportError("exec", err)
		}
		exitCode = exitErr.ExitStatus()
	}

	logging.Logger().Debug("Command executed",
		zap.String("command", logging.Truncate(command)),
		zap.String("host", c.host),
		zap.String("stdout", logging.TruncateBytes(stdout.Bytes())),
		zap.String("stderr", logging.TruncateBytes(stderr.Bytes())),
		zap.Int("exit_code", exitCode))

	return stdout.String(), stderr.String(), exitCode, nil
}
