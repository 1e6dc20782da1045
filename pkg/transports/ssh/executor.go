package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/netstate/netstate/pkg/executor"
)

// exitCommandNotFound is the exit status POSIX shells use for a missing command.
const exitCommandNotFound = 127

// Run executes name with args on the remote host through the remote shell.
// Arguments are quoted; with UseSudo the command runs under sudo -n. A
// non-zero exit returns the result together with an *executor.ExecError.
func (c *SSHClient) Run(ctx context.Context, name string, args ...string) (*executor.Result, error) {
	if name == "" {
		return nil, fmt.Errorf("command is required")
	}

	line := executor.CommandLine(name, args...)
	cmd := shellJoin(name, args...)
	if c.config.UseSudo {
		cmd = "sudo -n " + cmd
	}

	session, err := c.session()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		// Ask nicely, then close the channel, which ends the remote process
		// on servers that ignore signals.
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return nil, &TransportError{Op: "session", Err: ctx.Err()}
	case runErr = <-done:
	}

	result := &executor.Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", line).
		Dur("duration", result.Duration).
		Err(runErr).
		Msg("Executed remote command")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, &TransportError{Op: "session", Err: runErr, IsTemporary: true}
		}
		result.ExitCode = exitErr.ExitStatus()
		if result.ExitCode == exitCommandNotFound {
			return nil, fmt.Errorf("%s: %w", name, executor.ErrCommandNotFound)
		}
		return result, &executor.ExecError{Command: line, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}

	return result, nil
}

// shellJoin quotes name and args for the remote shell.
func shellJoin(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(name))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./:=,@%+", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
