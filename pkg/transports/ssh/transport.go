// Package ssh runs the state plugins against a remote host. It provides an
// executor.Executor whose commands run in SSH sessions and whose file
// operations go through SFTP.
package ssh

import (
	"errors"
	"time"

	"github.com/netstate/netstate/pkg/executor"
)

var _ executor.Executor = (*SSHClient)(nil)

// ConnectionInfo describes the current connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError is returned for failures of the SSH connection itself, as
// opposed to a remote command exiting non-zero.
type TransportError struct {
	// Op is one of connect, auth, known-hosts, session, sftp, healthcheck
	// or disconnect.
	Op  string
	Err error

	// IsTemporary is set when retrying the operation may succeed.
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may go away on retry.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err carries a temporary TransportError.
func IsTemporary(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.IsTemporary
}

// IsAuthError reports whether err was caused by rejected credentials or an
// unusable key.
func IsAuthError(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.IsAuthError
}

var errNotConnected = errors.New("not connected")
