// Package executor runs commands and touches files on behalf of the state
// plugins. Plugins never call os/exec directly: they receive an Executor,
// which is either the local host or a remote host reached over SSH.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrCommandNotFound is returned when the requested binary is not installed.
var ErrCommandNotFound = errors.New("command not found")

// Result holds the outcome of a command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Executor runs commands and file operations on a host.
type Executor interface {
	// Run executes name with args. A non-zero exit returns the result
	// together with an *ExecError.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// ReadFile returns the content of path. A missing file returns an error
	// satisfying errors.Is(err, os.ErrNotExist).
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes data to path, creating parent directories.
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error

	// Remove deletes path. Removing a missing file is not an error.
	Remove(ctx context.Context, path string) error

	// Glob returns the paths matching pattern.
	Glob(ctx context.Context, pattern string) ([]string, error)
}

// ExecError reports a command that ran and exited non-zero.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// IsNotFound reports whether err means the binary is not installed.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCommandNotFound)
}

// CommandLine joins name and args the way they are logged and scripted.
func CommandLine(name string, args ...string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// Output runs the command and returns its trimmed stdout.
func Output(ctx context.Context, e Executor, name string, args ...string) (string, error) {
	res, err := e.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Available reports whether name can be executed on the host. It runs
// `name --version` and only treats ErrCommandNotFound as unavailable.
func Available(ctx context.Context, e Executor, name string) bool {
	_, err := e.Run(ctx, name, "--version")
	return !IsNotFound(err)
}
