package engine

import (
	"context"
	"encoding/json"
)

// StatePlugin is the interface that every resource domain implements.
// The manager owns ordering and undo; a plugin only translates diffs into
// mutations of its own subsystem.
type StatePlugin interface {
	// Name returns the stable plugin name. It is the registry key and the
	// key of the plugin's section in the desired-state document.
	Name() string

	// Version returns the plugin version.
	Version() string

	// QueryCurrentState introspects the live subsystem.
	// When the subsystem is partially unavailable the plugin returns a value
	// carrying an explicit unavailability marker instead of an error; an error
	// is reserved for cases with no partial answer.
	QueryCurrentState(ctx context.Context) (json.RawMessage, error)

	// CalculateDiff compares current and desired and returns the actions
	// needed to converge. It must be free of side effects, and
	// CalculateDiff(x, x) must return a diff with no actions.
	CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*StateDiff, error)

	// ApplyState applies the diff's actions in order. On partial failure it
	// reports Success=false with per-action errors and does not undo the
	// actions that already succeeded.
	ApplyState(ctx context.Context, diff *StateDiff) (*ApplyResult, error)

	// VerifyState re-queries the subsystem and reports whether it matches desired.
	VerifyState(ctx context.Context, desired json.RawMessage) (bool, error)

	// CreateCheckpoint captures a restore point before any mutation.
	CreateCheckpoint(ctx context.Context) (*Checkpoint, error)

	// Rollback restores the checkpoint on a best-effort basis. Plugins that
	// observe externally owned resources may document it as a no-op.
	Rollback(ctx context.Context, checkpoint *Checkpoint) error

	// Capabilities returns the advertised plugin capabilities.
	Capabilities() PluginCapabilities
}

// Ledger receives an audit record for every apply and rollback.
type Ledger interface {
	Append(action string, details interface{}) error
}

// DiffGate approves the diffs a cycle is about to apply. It runs after the
// diff phase and before any plugin is changed, under the cycle lock, so the
// diffs it sees are exactly the ones applied. A non-nil error aborts the
// cycle with nothing applied.
type DiffGate func(ctx context.Context, desired *DesiredState, diffs []*StateDiff) error

// Observer is notified of plugin calls and cycle outcomes. Implementations
// must not block.
type Observer interface {
	// PluginCall is called after every plugin operation.
	PluginCall(plugin, operation string, seconds float64, err error)

	// CycleCompleted is called once per ApplyState with outcome "noop",
	// "success", "apply_failed", "verify_failed", "query_failed" or "rejected".
	CycleCompleted(outcome string, seconds float64)

	// RollbackCompleted is called after each plugin rollback.
	RollbackCompleted(plugin string, err error)

	// LedgerWrite is called after every ledger attempt with result
	// "ok", "error" or "skipped".
	LedgerWrite(result string)
}

type nopObserver struct{}

func (nopObserver) PluginCall(string, string, float64, error) {}
func (nopObserver) CycleCompleted(string, float64)            {}
func (nopObserver) RollbackCompleted(string, error)           {}
func (nopObserver) LedgerWrite(string)                        {}
