// Package engine provides the declarative reconciliation core of netstate.
//
// # Overview
//
// A StateManager holds a registry of StatePlugins, one per resource domain
// (network links, routing and flows, containers, mesh overlay nodes), and
// drives them toward a DesiredState document. There is no shared transactional
// backend across these domains, so atomicity is synthesized from per-plugin
// checkpoints and compensating rollbacks.
//
// One reconciliation cycle runs four phases strictly in sequence:
//
//  1. Checkpoint - every registered plugin named in the desired state creates
//     a restore point. Failures are logged and the plugin loses rollback coverage.
//  2. Diff - each plugin queries its live state and computes a StateDiff.
//     Empty diffs are dropped; unknown plugin names are skipped with a warning.
//     If no diff remains the cycle returns success immediately.
//  3. Apply - diffs are applied in document order. The first failure aborts
//     the phase and triggers the rollback sweep.
//  4. Verify - every plugin re-checks the desired state. Any failure triggers
//     the rollback sweep and is reported as a verify error, distinct from an
//     apply error.
//
// The rollback sweep visits checkpoints in reverse creation order and keeps
// going when a single plugin fails to roll back.
//
// # Plugin Interface
//
//	type StatePlugin interface {
//	    Name() string
//	    Version() string
//	    QueryCurrentState(ctx context.Context) (json.RawMessage, error)
//	    CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*StateDiff, error)
//	    ApplyState(ctx context.Context, diff *StateDiff) (*ApplyResult, error)
//	    VerifyState(ctx context.Context, desired json.RawMessage) (bool, error)
//	    CreateCheckpoint(ctx context.Context) (*Checkpoint, error)
//	    Rollback(ctx context.Context, checkpoint *Checkpoint) error
//	    Capabilities() PluginCapabilities
//	}
//
// Plugin states and configurations cross the engine boundary as opaque JSON.
// Each plugin decodes them into its own typed model.
//
// # Audit
//
// Every successful plugin apply and every rollback attempt is appended to the
// configured Ledger. Writes never block or fail a cycle: when the ledger is
// busy the record is skipped, and write errors are only logged.
//
// # Concurrency
//
// ApplyState calls are serialized. A cycle holds the registry read lock for
// its full duration. There are no timeouts at this layer; callers bound a
// cycle through the context they pass in.
//
// # Errors
//
// All errors returned by the manager are *EngineError values classified by
// ErrorKind: config, plugin_not_found, query, apply, verify, checkpoint,
// rollback and ledger. Use the Is* helpers or errors.As to inspect them.
package engine
