// Package files implements remote file operations for a connected session
// over its SFTP channel, falling back to remote commands where SFTP has no
// equivalent.
package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"sshdeck/internal/errs"
	"sshdeck/internal/logging"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultMaxReadSize caps Read.
const DefaultMaxReadSize int64 = 5 * 1024 * 1024

// Runner executes one-shot remote commands.
type Runner interface {
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
}

// Entry is one item of a remote directory listing.
type Entry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
	ModifyTime  int64  `json:"modifyTime"` // unix milliseconds
	Permissions string `json:"permissions"`
}

// Client performs file operations against one remote host. Local paths are
// resolved through fs.
type Client struct {
	sftp        *sftp.Client
	runner      Runner
	fs          afero.Fs
	maxReadSize int64
	serverID    string
}

// Option configures a Client.
type Option func(*Client)

// WithMaxReadSize overrides DefaultMaxReadSize.
func WithMaxReadSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxReadSize = n
		}
	}
}

// WithServerID tags log entries with the owning session.
func WithServerID(id string) Option {
	return func(c *Client) { c.serverID = id }
}

func New(sc *sftp.Client, runner Runner, fs afero.Fs, opts ...Option) *Client {
	c := &Client{
		sftp:        sc,
		runner:      runner,
		fs:          fs,
		maxReadSize: DefaultMaxReadSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) log() *zap.Logger {
	return logging.Logger().With(zap.String("server_id", c.serverID))
}

// List returns the entries of a remote directory.
func (c *Client) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.RemoteOperationError("list", dir, err)
	}
	infos, err := c.sftp.ReadDir(dir)
	if err != nil {
		return nil, errs.RemoteOperationError("list", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		perms := lsMode(info.Mode())
		entries = append(entries, Entry{
			Name:        info.Name(),
			IsDirectory: strings.HasPrefix(perms, "d"),
			Size:        info.Size(),
			ModifyTime:  info.ModTime().UnixMilli(),
			Permissions: perms,
		})
	}
	return entries, nil
}

// Read returns the content of a remote file. Files larger than the
// configured limit are rejected before any content is transferred.
func (c *Client) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.RemoteOperationError("read", p, err)
	}
	info, err := c.sftp.Stat(p)
	if err != nil {
		return nil, errs.RemoteOperationError("read", p, err)
	}
	if info.IsDir() {
		return nil, errs.RemoteOperationError("read", p, fmt.Errorf("is a directory"))
	}
	if info.Size() > c.maxReadSize {
		return nil, errs.FileTooLargeError(p, info.Size(), c.maxReadSize)
	}

	f, err := c.sftp.Open(p)
	if err != nil {
		return nil, errs.RemoteOperationError("read", p, err)
	}
	defer safeClose("remote file", f.Close)

	// The file may have grown since Stat.
	content, err := io.ReadAll(io.LimitReader(contextReader{ctx, f}, c.maxReadSize+1))
	if err != nil {
		return nil, errs.RemoteOperationError("read", p, err)
	}
	if int64(len(content)) > c.maxReadSize {
		return nil, errs.FileTooLargeError(p, int64(len(content)), c.maxReadSize)
	}
	return content, nil
}

// Write replaces the content of a remote file. It succeeds only once the
// remote handle has been closed cleanly.
func (c *Client) Write(ctx context.Context, p string, content []byte) error {
	f, err := c.sftp.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errs.RemoteOperationError("write", p, err)
	}
	if _, err := io.Copy(f, contextReader{ctx, bytes.NewReader(content)}); err != nil {
		f.Close()
		return errs.RemoteOperationError("write", p, err)
	}
	if err := f.Close(); err != nil {
		return errs.RemoteOperationError("write", p, err)
	}
	c.log().Debug("Remote file written", zap.String("path", p), zap.Int("size_bytes", len(content)))
	return nil
}

// Upload copies a local file to remotePath, creating the remote parent
// directory first.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := c.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return errs.RemoteOperationError("upload", remotePath, fmt.Errorf("create parent directory: %w", err))
	}
	n, err := c.uploadFile(ctx, localPath, remotePath)
	if err != nil {
		return errs.RemoteOperationError("upload", remotePath, err)
	}
	c.log().Info("File uploaded",
		zap.String("local_path", localPath),
		zap.String("remote_path", remotePath),
		zap.Int64("size_bytes", n))
	return nil
}

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string) (int64, error) {
	local, err := c.fs.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer safeClose("local file", local.Close)

	remote, err := c.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file: %w", err)
	}
	n, err := io.Copy(remote, contextReader{ctx, local})
	if err != nil {
		remote.Close()
		return n, fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := remote.Close(); err != nil {
		return n, fmt.Errorf("failed to close remote file: %w", err)
	}
	return n, nil
}

// Download copies a remote file, or a whole remote directory tree, to
// localPath.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	info, err := c.sftp.Stat(remotePath)
	if err != nil {
		return errs.RemoteOperationError("download", remotePath, err)
	}
	if info.IsDir() {
		if err := c.downloadDirectory(ctx, remotePath, localPath); err != nil {
			return errs.RemoteOperationError("download", remotePath, err)
		}
		return nil
	}
	n, err := c.downloadFile(ctx, remotePath, localPath, info.Mode())
	if err != nil {
		return errs.RemoteOperationError("download", remotePath, err)
	}
	c.log().Info("File downloaded",
		zap.String("remote_path", remotePath),
		zap.String("local_path", localPath),
		zap.Int64("size_bytes", n))
	return nil
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, mode os.FileMode) (int64, error) {
	if err := c.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create local directory: %w", err)
	}
	remote, err := c.sftp.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open remote file: %w", err)
	}
	defer safeClose("remote file", remote.Close)

	local, err := c.fs.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	n, err := io.Copy(local, contextReader{ctx, remote})
	if err != nil {
		local.Close()
		return n, fmt.Errorf("failed to copy file content: %w", err)
	}
	if err := local.Close(); err != nil {
		return n, fmt.Errorf("failed to close local file: %w", err)
	}
	if perm := mode.Perm(); perm != 0 {
		if err := c.fs.Chmod(localPath, perm); err != nil {
			c.log().Warn("failed to set file permissions", zap.String("path", localPath), zap.Error(err))
		}
	}
	return n, nil
}

func (c *Client) downloadDirectory(ctx context.Context, remoteRoot, localRoot string) error {
	if err := c.fs.MkdirAll(localRoot, 0755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}

	var files, dirs, total int64
	walker := c.sftp.Walk(remoteRoot)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return fmt.Errorf("failed to walk remote directory: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remoteRoot), "/")
		if rel == "" {
			continue
		}
		localPath := filepath.Join(localRoot, filepath.FromSlash(rel))
		info := walker.Stat()
		if info.IsDir() {
			if err := c.fs.MkdirAll(localPath, 0755); err != nil {
				return fmt.Errorf("failed to create local directory: %w", err)
			}
			dirs++
			continue
		}
		n, err := c.downloadFile(ctx, walker.Path(), localPath, info.Mode())
		if err != nil {
			return err
		}
		files++
		total += n
	}

	c.log().Info("Directory downloaded",
		zap.String("remote_path", remoteRoot),
		zap.String("local_path", localRoot),
		zap.Int64("files_copied", files),
		zap.Int64("dirs_created", dirs),
		zap.Int64("total_bytes", total))
	return nil
}

// Delete removes a remote file, or a directory and everything below it.
func (c *Client) Delete(ctx context.Context, p string, isDir bool) error {
	if !isDir {
		if err := c.sftp.Remove(p); err != nil {
			return errs.RemoteOperationError("delete", p, err)
		}
		return nil
	}
	if clean := path.Clean(p); clean == "/" || clean == "." {
		return errs.RemoteOperationError("delete", p, fmt.Errorf("refusing to delete %q", clean))
	}
	if err := c.run(ctx, "rm -rf "+shellQuote(p)); err != nil {
		return errs.RemoteOperationError("delete", p, err)
	}
	return nil
}

// Mkdir creates a single remote directory.
func (c *Client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return errs.RemoteOperationError("mkdir", p, err)
	}
	if err := c.sftp.Mkdir(p); err != nil {
		return errs.RemoteOperationError("mkdir", p, err)
	}
	return nil
}

// CreateFile behaves like touch: the file is created if absent and its
// modification time set to now.
func (c *Client) CreateFile(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return errs.RemoteOperationError("create", p, err)
	}
	f, err := c.sftp.OpenFile(p, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return errs.RemoteOperationError("create", p, err)
	}
	if err := f.Close(); err != nil {
		return errs.RemoteOperationError("create", p, err)
	}
	now := time.Now()
	if err := c.sftp.Chtimes(p, now, now); err != nil {
		c.log().Debug("failed to update modification time", zap.String("path", p), zap.Error(err))
	}
	return nil
}

// Rename moves oldPath to newPath, preferring the atomic POSIX rename
// extension.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	err := c.sftp.PosixRename(oldPath, newPath)
	if isUnsupported(err) {
		err = c.sftp.Rename(oldPath, newPath)
	}
	if isUnsupported(err) {
		c.log().Debug("SFTP rename unsupported, falling back to mv", zap.String("path", oldPath))
		err = c.run(ctx, fmt.Sprintf("mv %s %s", shellQuote(oldPath), shellQuote(newPath)))
	}
	if err != nil {
		return errs.RemoteOperationError("rename", oldPath, err)
	}
	return nil
}

func isUnsupported(err error) bool {
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxOpUnsupported
}

// run executes a remote command and turns a non-zero exit into an error
// carrying stderr.
func (c *Client) run(ctx context.Context, command string) error {
	if c.runner == nil {
		return fmt.Errorf("remote commands are not available")
	}
	_, stderr, code, err := c.runner.Run(ctx, command)
	if err != nil {
		return err
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", code)
		}
		return errors.New(msg)
	}
	return nil
}

// shellQuote wraps s in single quotes for safe use in a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func safeClose(name string, closer func() error) {
	if err := closer(); err != nil {
		logging.Logger().Debug("failed to close resource",
			zap.String("resource", name),
			zap.Error(err))
	}
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
