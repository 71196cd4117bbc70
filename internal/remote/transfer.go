package remote

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
)

// Transfer moves case directories between the local staging area and the
// remote workspace over SFTP. Each operation borrows a pooled session via
// the remote executor, so transfers share the retry policy and circuit
// breaker with command execution.
type Transfer struct {
	exec *Executor
}

func NewTransfer(exec *Executor) *Transfer {
	return &Transfer{exec: exec}
}

// Upload copies localDir recursively to remoteDir, creating remote
// directories as needed. Re-running after a partial upload overwrites the
// files already present.
func (t *Transfer) Upload(ctx context.Context, localDir, remoteDir string) error {
	return t.exec.WithSession(ctx, func(sess Session) error {
		client, err := sess.SFTP()
		if err != nil {
			return errors.Wrap(err, "open sftp channel")
		}
		defer client.Close()

		if err := client.MkdirAll(remoteDir); err != nil {
			return errors.Wrapf(err, "mkdir %s", remoteDir)
		}
		return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, err := filepath.Rel(localDir, p)
			if err != nil {
				return err
			}
			remote := path.Join(remoteDir, filepath.ToSlash(rel))
			if d.IsDir() {
				if rel == "." {
					return nil
				}
				return errors.Wrapf(client.MkdirAll(remote), "mkdir %s", remote)
			}
			return uploadFile(client, p, remote)
		})
	})
}

func uploadFile(client *sftp.Client, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return errors.Wrapf(err, "open %s", local)
	}
	defer src.Close()

	dst, err := client.Create(remote)
	if err != nil {
		return errors.Wrapf(err, "create remote %s", remote)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "upload %s", remote)
	}
	return errors.Wrapf(dst.Close(), "close remote %s", remote)
}

// Download copies remoteDir recursively into localDir. Files land in a
// temporary sibling directory first and move into place with a single
// rename, so a crash mid-download never leaves a half-populated result
// directory that recovery would mistake for a finished one.
func (t *Transfer) Download(ctx context.Context, remoteDir, localDir string) error {
	parent := filepath.Dir(localDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(localDir)+".partial-")
	if err != nil {
		return errors.Wrap(err, "create staging dir")
	}
	defer os.RemoveAll(tmp)

	err = t.exec.WithSession(ctx, func(sess Session) error {
		client, err := sess.SFTP()
		if err != nil {
			return errors.Wrap(err, "open sftp channel")
		}
		defer client.Close()
		return downloadTree(ctx, client, remoteDir, tmp)
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(localDir); err != nil {
		return errors.Wrapf(err, "clear %s", localDir)
	}
	if err := os.Rename(tmp, localDir); err != nil {
		return errors.Wrapf(err, "move results into %s", localDir)
	}
	logrus.WithFields(logrus.Fields{"remote": remoteDir, "local": localDir}).Debug("download complete")
	return nil
}

func downloadTree(ctx context.Context, client *sftp.Client, remoteDir, localDir string) error {
	walker := client.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return errors.Wrapf(err, "walk %s", remoteDir)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := strings.TrimPrefix(walker.Path(), remoteDir)
		rel = strings.TrimPrefix(rel, "/")
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if walker.Stat().IsDir() {
			if err := os.MkdirAll(local, 0o755); err != nil {
				return errors.Wrapf(err, "mkdir %s", local)
			}
			continue
		}
		if err := downloadFile(client, walker.Path(), local); err != nil {
			return err
		}
	}
	return nil
}

func downloadFile(client *sftp.Client, remote, local string) error {
	src, err := client.Open(remote)
	if err != nil {
		return errors.Wrapf(err, "open remote %s", remote)
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return errors.Wrapf(err, "create %s", local)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "download %s", remote)
	}
	return errors.Wrapf(dst.Close(), "close %s", local)
}
