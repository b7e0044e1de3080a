package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushOptions controls ownership and permissions of an uploaded file.
type PushOptions struct {
	Mode os.FileMode
	UID  *int
	GID  *int
}

// Push uploads src to remotePath via SFTP, creating parent directories.
func Push(ctx context.Context, client *xssh.Client, src io.Reader, remotePath string, opts PushOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	if opts.Mode != 0 {
		if err := sf.Chmod(remotePath, opts.Mode); err != nil {
			return fmt.Errorf("chmod remote: %w", err)
		}
	}
	if opts.UID != nil || opts.GID != nil {
		st, err := sf.Stat(remotePath)
		if err != nil {
			return fmt.Errorf("stat remote: %w", err)
		}
		uid, gid := -1, -1
		if fs, ok := st.Sys().(*sftp.FileStat); ok {
			uid, gid = int(fs.UID), int(fs.GID)
		}
		if opts.UID != nil {
			uid = *opts.UID
		}
		if opts.GID != nil {
			gid = *opts.GID
		}
		if err := sf.Chown(remotePath, uid, gid); err != nil {
			return fmt.Errorf("chown remote: %w", err)
		}
	}
	return nil
}

// Remove deletes a remote file. A file that is already gone is not an error.
func Remove(ctx context.Context, client *xssh.Client, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove remote: %w", err)
	}
	return nil
}
