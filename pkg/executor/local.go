package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Local runs commands on the local host.
type Local struct {
	// UseSudo prefixes every command with non-interactive sudo.
	UseSudo bool

	// Env is appended to the process environment of every command.
	Env map[string]string
}

// NewLocal returns an executor for the local host.
func NewLocal() *Local {
	return &Local{}
}

// Run executes a command and captures stdout and stderr.
func (l *Local) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("command is required")
	}

	var cmd *exec.Cmd
	if l.UseSudo {
		cmd = exec.CommandContext(ctx, "sudo", append([]string{"-n", name}, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, name, args...)
	}

	if len(l.Env) > 0 {
		env := os.Environ()
		for k, v := range l.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("command", CommandLine(name, args...)).
		Dur("duration", result.Duration).
		Err(err).
		Msg("Executed command")

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
			return result, &ExecError{Command: CommandLine(name, args...), ExitCode: result.ExitCode, Stderr: result.Stderr}
		case errors.Is(err, exec.ErrNotFound):
			return nil, fmt.Errorf("%s: %w", name, ErrCommandNotFound)
		default:
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
	}

	return result, nil
}

// ReadFile reads a local file.
func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return os.ReadFile(path)
}

// WriteFile writes a local file, creating its parent directory.
func (l *Local) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a temp file in the same directory so readers never see a
	// partially written file.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Remove deletes a local file.
func (l *Local) Remove(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// Glob matches local paths.
func (l *Local) Glob(ctx context.Context, pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}
