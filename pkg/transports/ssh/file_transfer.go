package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// sftpClient returns the shared SFTP client, opening it on first use.
func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "sftp", Err: errNotConnected}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("start sftp subsystem: %w", err), IsTemporary: true}
	}
	c.sftp = client
	return client, nil
}

// ReadFile reads a remote file.
func (c *SSHClient) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &os.PathError{Op: "open", Path: remotePath, Err: os.ErrNotExist}
		}
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer f.Close()

	data, err := readAllWithContext(ctx, f)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: fmt.Errorf("failed to read remote file: %w", err), IsTemporary: true}
	}
	return data, nil
}

// WriteFile writes a remote file, creating the parent directory.
func (c *SSHClient) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	tmp := path.Join(path.Dir(remotePath), "."+path.Base(remotePath)+".netstate")
	f, err := client.Create(tmp)
	if err != nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}

	if _, err := writeWithContext(ctx, f, data); err != nil {
		f.Close()
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to write remote file: %w", err), IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: err}
	}
	if err := client.Chmod(tmp, mode); err != nil {
		log.Warn().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
	}
	if err := client.PosixRename(tmp, remotePath); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: fmt.Errorf("failed to rename remote file: %w", err)}
	}

	log.Debug().Str("host", c.config.Host).Str("path", remotePath).Int("bytes", len(data)).Msg("wrote remote file")
	return nil
}

// Remove deletes a remote file. A missing file is not an error.
func (c *SSHClient) Remove(ctx context.Context, remotePath string) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// Glob returns the remote paths matching pattern.
func (c *SSHClient) Glob(ctx context.Context, pattern string) ([]string, error) {
	client, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	matches, err := client.Glob(pattern)
	if err != nil {
		return nil, &TransportError{Op: "glob", Err: err}
	}
	return matches, nil
}

// readAllWithContext reads src in chunks, checking ctx between reads.
func readAllWithContext(ctx context.Context, src io.Reader) ([]byte, error) {
	buf := make([]byte, 32*1024)
	var out []byte
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// writeWithContext writes data in chunks, checking ctx between writes.
func writeWithContext(ctx context.Context, dst io.Writer, data []byte) (int, error) {
	const chunk = 32 * 1024
	written := 0
	for written < len(data) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		end := written + chunk
		if end > len(data) {
			end = len(data)
		}
		n, err := dst.Write(data[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
