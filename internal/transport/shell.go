package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"sshdeck/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const readBufferSize = 32 * 1024

// ErrorLine formats a channel error the way it is shown inside terminal
// output: a red line on its own.
func ErrorLine(err error) []byte {
	return []byte(fmt.Sprintf("\r\n\x1b[31mConnection error: %v\x1b[0m\r\n", err))
}

type sshShell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	out     chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

// openShell requests a PTY and starts the login shell.
func openShell(client *ssh.Client, opts Options) (*sshShell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &sshShell{
		session: session,
		stdin:   stdin,
		out:     make(chan []byte, 16),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.relay(&wg, "stdout", stdout)
	go s.relay(&wg, "stderr", stderr)
	go func() {
		wg.Wait()
		close(s.out)
	}()
	return s, nil
}

// relay forwards chunks from r until it ends. Read failures other than EOF
// are surfaced as an error line in the output before the stream closes.
func (s *sshShell) relay(wg *sync.WaitGroup, name string, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.send(chunk) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					logging.Logger().Warn("Shell stream error",
						zap.String("stream", name),
						zap.Error(err))
					s.send(ErrorLine(err))
				}
			}
			return
		}
	}
}

func (s *sshShell) send(chunk []byte) bool {
	select {
	case s.out <- chunk:
		return true
	case <-s.done:
		return false
	}
}

func (s *sshShell) Output() <-chan []byte { return s.out }

func (s *sshShell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *sshShell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.stdin.Close()
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
