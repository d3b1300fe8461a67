// Package api is the operation catalog callers drive sessions through.
// Every operation returns a structured result and never panics; failures
// are reported as Success=false with a human readable message.
package api

import (
	"context"
	"errors"
	"fmt"

	"sshdeck/internal/files"
	"sshdeck/internal/logging"
	"sshdeck/internal/profile"
	"sshdeck/internal/session"

	"go.uber.org/zap"
)

// Result is the common envelope of every operation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type ListResult struct {
	Result
	Files []files.Entry `json:"files,omitempty"`
}

type ReadResult struct {
	Result
	Content string `json:"content,omitempty"`
}

type QueueStatusResult struct {
	Result
	session.QueueStatus
}

type SessionsResult struct {
	Result
	Sessions []session.Info `json:"sessions"`
}

type HistoryResult struct {
	Result
	Events []session.Event `json:"events"`
}

type ProfileResult struct {
	Result
	Profile *profile.Profile `json:"profile,omitempty"`
}

type ProfilesResult struct {
	Result
	Profiles []*profile.Profile `json:"profiles"`
}

func ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

func failure(err error) Result {
	return Result{Success: false, Message: err.Error()}
}

// Service binds the session manager to the profile store.
type Service struct {
	manager *session.Manager
	store   profile.Store
}

func NewService(manager *session.Manager, store profile.Store) *Service {
	return &Service{manager: manager, store: store}
}

// Manager exposes the underlying session manager, e.g. for event
// subscriptions and terminal streaming.
func (s *Service) Manager() *session.Manager { return s.manager }

func (s *Service) recoverTo(op string, res *Result) {
	if v := recover(); v != nil {
		logging.Logger().Error("Operation panicked",
			zap.String("op", op),
			zap.Any("panic", v),
			zap.Stack("stack"))
		*res = failure(fmt.Errorf("internal error in %s: %v", op, v))
	}
}

func (s *Service) logFailure(op, id string, err error) {
	logging.Logger().Warn("Operation failed",
		zap.String("op", op),
		zap.String("server_id", id),
		zap.Error(err))
}

// Connect opens a session for the stored profile id.
func (s *Service) Connect(ctx context.Context, id string) (res Result) {
	defer s.recoverTo("connect", &res)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return failure(err)
	}
	return s.ConnectProfile(ctx, p)
}

// ConnectProfile opens a session for p. The session keeps a reference to
// p for later reconnects.
func (s *Service) ConnectProfile(ctx context.Context, p *profile.Profile) (res Result) {
	defer s.recoverTo("connect", &res)
	if err := p.Validate(); err != nil {
		return failure(err)
	}
	if _, err := s.manager.Connect(ctx, p); err != nil {
		s.logFailure("connect", p.ID, err)
		return failure(err)
	}
	return ok("Connected successfully")
}

func (s *Service) Disconnect(id string) (res Result) {
	defer s.recoverTo("disconnect", &res)
	s.manager.Disconnect(id)
	return ok("")
}

// DisconnectAll closes every session; used on shutdown.
func (s *Service) DisconnectAll() {
	s.manager.DisconnectAll()
}

// RawInput writes data to the shell immediately.
func (s *Service) RawInput(id string, data []byte) (res Result) {
	defer s.recoverTo("raw-input", &res)
	if err := s.manager.RawInput(id, data); err != nil {
		return failure(err)
	}
	return ok("")
}

// Enqueue adds command to the paced command queue.
func (s *Service) Enqueue(id, command string) (res Result) {
	defer s.recoverTo("enqueue", &res)
	if err := s.manager.Enqueue(id, command); err != nil {
		s.logFailure("enqueue", id, err)
		return failure(err)
	}
	return ok("")
}

func (s *Service) QueueStatus(id string) (res QueueStatusResult) {
	defer s.recoverTo("queue-status", &res.Result)
	return QueueStatusResult{Result: ok(""), QueueStatus: s.manager.QueueStatus(id)}
}

func (s *Service) Resize(id string, cols, rows int) (res Result) {
	defer s.recoverTo("resize", &res)
	if cols <= 0 || rows <= 0 {
		return failure(fmt.Errorf("invalid terminal size %dx%d", cols, rows))
	}
	if err := s.manager.Resize(id, cols, rows); err != nil {
		return failure(err)
	}
	return ok("")
}

// IsConnected reports whether a session is registered for id, including
// one that is currently reconnecting.
func (s *Service) IsConnected(id string) bool {
	return s.manager.IsConnected(id)
}

// ManualReconnect forces a reconnect even when auto-reconnect is off.
func (s *Service) ManualReconnect(id string) (res Result) {
	defer s.recoverTo("manual-reconnect", &res)
	if err := s.manager.Reconnect(id); err != nil {
		return failure(err)
	}
	return ok("")
}

func (s *Service) Sessions() (res SessionsResult) {
	defer s.recoverTo("sessions", &res.Result)
	return SessionsResult{Result: ok(""), Sessions: s.manager.Sessions()}
}

// History returns the recent lifecycle events of a session.
func (s *Service) History(id string) (res HistoryResult) {
	defer s.recoverTo("history", &res.Result)
	sess, found := s.manager.Get(id)
	if !found {
		return HistoryResult{Result: failure(session.ErrNoSession)}
	}
	return HistoryResult{Result: ok(""), Events: sess.History()}
}

// withFiles runs fn against the file client of id.
func (s *Service) withFiles(op, id string, fn func(*files.Client) error) Result {
	fc, err := s.manager.Files(id)
	if err != nil {
		return failure(err)
	}
	if err := fn(fc); err != nil {
		s.logFailure(op, id, err)
		return failure(err)
	}
	return ok("")
}

func (s *Service) List(ctx context.Context, id, dir string) (res ListResult) {
	defer s.recoverTo("list", &res.Result)
	var entries []files.Entry
	r := s.withFiles("list", id, func(fc *files.Client) error {
		var err error
		entries, err = fc.List(ctx, dir)
		return err
	})
	return ListResult{Result: r, Files: entries}
}

func (s *Service) Read(ctx context.Context, id, path string) (res ReadResult) {
	defer s.recoverTo("read", &res.Result)
	var content []byte
	r := s.withFiles("read", id, func(fc *files.Client) error {
		var err error
		content, err = fc.Read(ctx, path)
		return err
	})
	return ReadResult{Result: r, Content: string(content)}
}

func (s *Service) Write(ctx context.Context, id, path, content string) (res Result) {
	defer s.recoverTo("write", &res)
	return s.withFiles("write", id, func(fc *files.Client) error {
		return fc.Write(ctx, path, []byte(content))
	})
}

func (s *Service) Upload(ctx context.Context, id, localPath, remotePath string) (res Result) {
	defer s.recoverTo("upload", &res)
	return s.withFiles("upload", id, func(fc *files.Client) error {
		return fc.Upload(ctx, localPath, remotePath)
	})
}

func (s *Service) Download(ctx context.Context, id, remotePath, localPath string) (res Result) {
	defer s.recoverTo("download", &res)
	return s.withFiles("download", id, func(fc *files.Client) error {
		return fc.Download(ctx, remotePath, localPath)
	})
}

func (s *Service) UploadFolder(ctx context.Context, id, localDir, remoteDir string) (res Result) {
	defer s.recoverTo("upload-folder", &res)
	return s.withFiles("upload-folder", id, func(fc *files.Client) error {
		return fc.UploadFolder(ctx, localDir, remoteDir)
	})
}

func (s *Service) Delete(ctx context.Context, id, path string, isDir bool) (res Result) {
	defer s.recoverTo("delete", &res)
	return s.withFiles("delete", id, func(fc *files.Client) error {
		return fc.Delete(ctx, path, isDir)
	})
}

func (s *Service) Mkdir(ctx context.Context, id, path string) (res Result) {
	defer s.recoverTo("mkdir", &res)
	return s.withFiles("mkdir", id, func(fc *files.Client) error {
		return fc.Mkdir(ctx, path)
	})
}

func (s *Service) CreateFile(ctx context.Context, id, path string) (res Result) {
	defer s.recoverTo("create-file", &res)
	return s.withFiles("create-file", id, func(fc *files.Client) error {
		return fc.CreateFile(ctx, path)
	})
}

func (s *Service) Rename(ctx context.Context, id, oldPath, newPath string) (res Result) {
	defer s.recoverTo("rename", &res)
	return s.withFiles("rename", id, func(fc *files.Client) error {
		return fc.Rename(ctx, oldPath, newPath)
	})
}

func (s *Service) Profiles(ctx context.Context) (res ProfilesResult) {
	defer s.recoverTo("profiles", &res.Result)
	list, err := s.store.List(ctx)
	if err != nil {
		return ProfilesResult{Result: failure(err)}
	}
	if list == nil {
		list = []*profile.Profile{}
	}
	return ProfilesResult{Result: ok(""), Profiles: list}
}

func (s *Service) Profile(ctx context.Context, id string) (res ProfileResult) {
	defer s.recoverTo("profile", &res.Result)
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return ProfileResult{Result: failure(err)}
	}
	return ProfileResult{Result: ok(""), Profile: p}
}

// AddProfile stores p under a new ID and returns the stored profile.
func (s *Service) AddProfile(ctx context.Context, p *profile.Profile) (res ProfileResult) {
	defer s.recoverTo("add-profile", &res.Result)
	stored, err := s.store.Add(ctx, p)
	if err != nil {
		return ProfileResult{Result: failure(err)}
	}
	logging.Logger().Info("Profile added",
		zap.String("server_id", stored.ID),
		zap.String("host", stored.Addr()))
	return ProfileResult{Result: ok(""), Profile: stored}
}

// UpdateProfile replaces the profile id with p. A live session keeps the
// profile it was connected with until it is connected again.
func (s *Service) UpdateProfile(ctx context.Context, id string, p *profile.Profile) (res ProfileResult) {
	defer s.recoverTo("update-profile", &res.Result)
	cp := *p
	cp.ID = id
	if cp.Port == 0 {
		cp.Port = profile.DefaultPort
	}
	if err := cp.Validate(); err != nil {
		return ProfileResult{Result: failure(err)}
	}
	if err := s.store.Update(ctx, &cp); err != nil {
		return ProfileResult{Result: failure(err)}
	}
	return ProfileResult{Result: ok(""), Profile: &cp}
}

// DeleteProfile removes the profile and closes its live session.
func (s *Service) DeleteProfile(ctx context.Context, id string) (res Result) {
	defer s.recoverTo("delete-profile", &res)
	err := s.store.Delete(ctx, id)
	s.manager.Disconnect(id)
	if err != nil && !errors.Is(err, profile.ErrNotFound) {
		return failure(err)
	}
	logging.Logger().Info("Profile deleted", zap.String("server_id", id))
	return ok("")
}
