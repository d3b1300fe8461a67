package transporttest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ExecHandler answers exec requests on the test server.
type ExecHandler func(command string) (stdout, stderr string, exitCode uint32)

// Server is a minimal in-process SSH server: password or public key auth,
// a PTY shell that echoes its input, exec requests, and an in-memory SFTP
// subsystem shared by every connection.
type Server struct {
	Host     string
	Port     int
	Username string
	Password string

	HostKey ssh.Signer
	Files   sftp.Handlers

	listener   net.Listener
	authorized ssh.PublicKey

	mu         sync.Mutex
	exec       ExecHandler
	conns      []net.Conn
	resizes    [][2]int
	keepalives int
	ptyTerm    string
	rejectSFTP bool
	active     int
}

// NewServer starts a server on 127.0.0.1 accepting username/password.
func NewServer(username, password string) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		Host:     "127.0.0.1",
		Port:     l.Addr().(*net.TCPAddr).Port,
		Username: username,
		Password: password,
		HostKey:  hostKey,
		Files:    sftp.InMemHandler(),
		listener: l,
		exec: func(command string) (string, string, uint32) {
			return "ran: " + command + "\n", "", 0
		},
	}
	go s.serve()
	return s, nil
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AuthorizeKey allows public key logins with key.
func (s *Server) AuthorizeKey(key ssh.PublicKey) {
	s.mu.Lock()
	s.authorized = key
	s.mu.Unlock()
}

// HandleExec replaces the exec handler.
func (s *Server) HandleExec(h ExecHandler) {
	s.mu.Lock()
	s.exec = h
	s.mu.Unlock()
}

// DropConnections severs every open connection without a clean shutdown.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// RejectSFTP makes the server refuse the sftp subsystem.
func (s *Server) RejectSFTP() {
	s.mu.Lock()
	s.rejectSFTP = true
	s.mu.Unlock()
}

// ActiveConns counts authenticated connections the client has not closed.
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Resizes returns every window-change received as (cols, rows).
func (s *Server) Resizes() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]int(nil), s.resizes...)
}

// Keepalives counts keepalive@openssh.com requests received.
func (s *Server) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

// PtyTerm returns the TERM value of the last pty request.
func (s *Server) PtyTerm() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptyTerm
}

func (s *Server) Close() error {
	err := s.listener.Close()
	s.DropConnections()
	return err
}

func (s *Server) config() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() == s.Username && string(password) == s.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			authorized := s.authorized
			s.mu.Unlock()
			if authorized != nil && meta.User() == s.Username &&
				string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", meta.User())
		},
	}
	cfg.AddHostKey(s.HostKey)
	return cfg
}

func (s *Server) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(nc, s.config())
	if err != nil {
		nc.Close()
		return
	}
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()
	go s.handleGlobal(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleGlobal(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "keepalive@openssh.com" {
			s.mu.Lock()
			s.keepalives++
			s.mu.Unlock()
		}
		if req.WantReply {
			req.Reply(req.Type == "keepalive@openssh.com", nil)
		}
	}
}

type ptyRequest struct {
	Term     string
	Cols     uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type stringPayload struct {
	Value string
}

type exitStatus struct {
	Status uint32
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var pty ptyRequest
			if err := ssh.Unmarshal(req.Payload, &pty); err == nil {
				s.mu.Lock()
				s.ptyTerm = pty.Term
				s.mu.Unlock()
			}
			req.Reply(true, nil)
		case "window-change":
			var wc windowChange
			if err := ssh.Unmarshal(req.Payload, &wc); err == nil {
				s.mu.Lock()
				s.resizes = append(s.resizes, [2]int{int(wc.Cols), int(wc.Rows)})
				s.mu.Unlock()
			}
		case "shell":
			req.Reply(true, nil)
			go func() {
				io.Copy(ch, ch)
				ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
				ch.Close()
			}()
		case "exec":
			var p stringPayload
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.mu.Lock()
			h := s.exec
			s.mu.Unlock()
			stdout, stderr, code := h(p.Value)
			io.WriteString(ch, stdout)
			io.WriteString(ch.Stderr(), stderr)
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: code}))
			return
		case "subsystem":
			var p stringPayload
			s.mu.Lock()
			reject := s.rejectSFTP
			s.mu.Unlock()
			if err := ssh.Unmarshal(req.Payload, &p); err != nil || p.Value != "sftp" || reject {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				server := sftp.NewRequestServer(ch, s.Files)
				server.Serve()
				server.Close()
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
