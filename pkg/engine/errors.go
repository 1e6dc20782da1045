package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies where in a reconciliation an error originated.
type ErrorKind string

const (
	// ErrorKindConfig marks a malformed desired-state document. It fails
	// before any phase runs.
	ErrorKindConfig ErrorKind = "config"

	// ErrorKindPluginNotFound marks a lookup of an unregistered plugin.
	ErrorKindPluginNotFound ErrorKind = "plugin_not_found"

	// ErrorKindQuery marks a failed query or diff calculation.
	ErrorKindQuery ErrorKind = "query"

	// ErrorKindApply marks a failed apply. The manager rolls back every
	// checkpoint before returning it.
	ErrorKindApply ErrorKind = "apply"

	// ErrorKindVerify marks a post-apply verification that did not hold.
	// Distinct from ErrorKindApply: the changes applied but drifted.
	ErrorKindVerify ErrorKind = "verify"

	// ErrorKindRejected marks a cycle whose diffs the gate refused. Nothing
	// was applied and no rollback ran.
	ErrorKindRejected ErrorKind = "rejected"

	// ErrorKindCheckpoint marks a checkpoint that could not be created.
	// Never fatal to the cycle.
	ErrorKindCheckpoint ErrorKind = "checkpoint"

	// ErrorKindRollback marks a per-plugin rollback failure. Never halts the sweep.
	ErrorKindRollback ErrorKind = "rollback"

	// ErrorKindLedger marks a failed audit append. Always logged only.
	ErrorKindLedger ErrorKind = "ledger"
)

// Phase names used in error context and logs.
const (
	PhaseCheckpoint = "checkpoint"
	PhaseDiff       = "diff"
	PhaseGate       = "gate"
	PhaseApply      = "apply"
	PhaseVerify     = "verify"
	PhaseRollback   = "rollback"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Plugin is the plugin that caused the error, if applicable.
	Plugin string `json:"plugin,omitempty"`

	// Phase is the cycle phase during which the error occurred.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Plugin != "" && e.Phase != "":
		msg = fmt.Sprintf("%s (plugin=%s, phase=%s)", msg, e.Plugin, e.Phase)
	case e.Plugin != "":
		msg = fmt.Sprintf("%s (plugin=%s)", msg, e.Plugin)
	case e.Phase != "":
		msg = fmt.Sprintf("%s (phase=%s)", msg, e.Phase)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when their kinds match and, if the target names a plugin, the plugins match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Plugin == "" || t.Plugin == e.Plugin
}

func newError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: err}
}

// NewConfigError creates a new desired-state document error.
func NewConfigError(message string, err error) *EngineError {
	return newError(ErrorKindConfig, message, err)
}

// NewPluginNotFoundError creates a new error for an unregistered plugin.
func NewPluginNotFoundError(name string) *EngineError {
	return newError(ErrorKindPluginNotFound, "plugin not found", nil).WithPlugin(name)
}

// NewQueryError creates a new query error.
func NewQueryError(message string, err error) *EngineError {
	return newError(ErrorKindQuery, message, err)
}

// NewApplyError creates a new apply error.
func NewApplyError(message string, err error) *EngineError {
	return newError(ErrorKindApply, message, err).WithPhase(PhaseApply)
}

// NewVerifyError creates a new verification error.
func NewVerifyError(message string, err error) *EngineError {
	return newError(ErrorKindVerify, message, err).WithPhase(PhaseVerify)
}

// NewCheckpointError creates a new checkpoint error.
func NewCheckpointError(message string, err error) *EngineError {
	return newError(ErrorKindCheckpoint, message, err).WithPhase(PhaseCheckpoint)
}

// NewRollbackError creates a new rollback error.
func NewRollbackError(message string, err error) *EngineError {
	return newError(ErrorKindRollback, message, err).WithPhase(PhaseRollback)
}

// NewRejectedError creates a new gate rejection error.
func NewRejectedError(message string, err error) *EngineError {
	return newError(ErrorKindRejected, message, err).WithPhase(PhaseGate)
}

// NewLedgerError creates a new ledger error.
func NewLedgerError(message string, err error) *EngineError {
	return newError(ErrorKindLedger, message, err)
}

// WithPlugin adds plugin context to an error.
func (e *EngineError) WithPlugin(name string) *EngineError {
	e.Plugin = name
	return e
}

// WithPhase adds phase context to an error.
func (e *EngineError) WithPhase(phase string) *EngineError {
	e.Phase = phase
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first engine error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfigError returns true if the error is a desired-state document error.
func IsConfigError(err error) bool {
	return KindOf(err) == ErrorKindConfig
}

// IsPluginNotFound returns true if the error reports an unregistered plugin.
func IsPluginNotFound(err error) bool {
	return KindOf(err) == ErrorKindPluginNotFound
}

// IsQueryFailure returns true if the error is a query or diff failure.
func IsQueryFailure(err error) bool {
	return KindOf(err) == ErrorKindQuery
}

// IsApplyFailure returns true if the error is an apply failure.
func IsApplyFailure(err error) bool {
	return KindOf(err) == ErrorKindApply
}

// IsVerifyFailure returns true if the error is a verification failure.
func IsVerifyFailure(err error) bool {
	return KindOf(err) == ErrorKindVerify
}

// IsRejected returns true if the gate refused the cycle's diffs.
func IsRejected(err error) bool {
	return KindOf(err) == ErrorKindRejected
}

// IsRollbackFailure returns true if the error is a rollback failure.
func IsRollbackFailure(err error) bool {
	return KindOf(err) == ErrorKindRollback
}
