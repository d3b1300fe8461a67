package files

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"sshdeck/internal/errs"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const remoteStagingDir = "/tmp"

// UploadFolder transfers a local directory tree as one gzip tarball and
// unpacks it remotely, so remoteDir ends up containing localDir's base
// name. The local archive is removed whatever the outcome.
func (c *Client) UploadFolder(ctx context.Context, localDir, remoteDir string) error {
	info, err := c.fs.Stat(localDir)
	if err != nil {
		return errs.RemoteOperationError("upload-folder", localDir, err)
	}
	if !info.IsDir() {
		return errs.RemoteOperationError("upload-folder", localDir, fmt.Errorf("not a directory"))
	}

	staged, err := afero.TempFile(c.fs, "", "sshdeck-upload-*.tar.gz")
	if err != nil {
		return errs.RemoteOperationError("upload-folder", localDir, fmt.Errorf("create archive: %w", err))
	}
	stagedName := staged.Name()
	defer func() {
		if err := c.fs.Remove(stagedName); err != nil {
			c.log().Warn("failed to remove staged archive", zap.String("path", stagedName), zap.Error(err))
		}
	}()

	count, err := writeArchive(ctx, c.fs, staged, localDir)
	if cerr := staged.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return errs.RemoteOperationError("upload-folder", localDir, fmt.Errorf("create archive: %w", err))
	}

	remoteArchive := path.Join(remoteStagingDir, "upload-"+uuid.NewString()+".tar.gz")
	if err := c.sftp.MkdirAll(remoteStagingDir); err != nil {
		return errs.RemoteOperationError("upload-folder", remoteStagingDir, err)
	}
	if _, err := c.uploadFile(ctx, stagedName, remoteArchive); err != nil {
		return errs.RemoteOperationError("upload-folder", remoteArchive, err)
	}

	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf %s -C %s && rm -f %s",
		shellQuote(remoteDir), shellQuote(remoteArchive), shellQuote(remoteDir), shellQuote(remoteArchive))
	if err := c.run(ctx, cmd); err != nil {
		if rmErr := c.sftp.Remove(remoteArchive); rmErr != nil {
			c.log().Debug("failed to remove remote archive", zap.String("path", remoteArchive), zap.Error(rmErr))
		}
		return errs.RemoteOperationError("upload-folder", remoteDir, fmt.Errorf("extract archive: %w", err))
	}

	c.log().Info("Folder uploaded",
		zap.String("local_path", localDir),
		zap.String("remote_path", remoteDir),
		zap.Int("entries", count))
	return nil
}

// writeArchive writes a gzip-compressed tar of root to w. Entry names are
// prefixed with root's base name. It returns the number of entries.
func writeArchive(ctx context.Context, fs afero.Fs, w io.Writer, root string) (int, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	root = filepath.Clean(root)
	parent := filepath.Dir(root)
	count := 0

	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		// Only regular files and directories are archived.
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		count++
		if info.IsDir() {
			return nil
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return count, err
	}
	if err := tw.Close(); err != nil {
		return count, err
	}
	return count, gz.Close()
}
