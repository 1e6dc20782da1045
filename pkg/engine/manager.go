package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Ledger action names.
const (
	LedgerActionApply    = "apply_state"
	LedgerActionRollback = "rollback"
)

// Cycle outcomes reported to the Observer.
const (
	OutcomeNoop         = "noop"
	OutcomeSuccess      = "success"
	OutcomeApplyFailed  = "apply_failed"
	OutcomeVerifyFailed = "verify_failed"
	OutcomeQueryFailed  = "query_failed"
	OutcomeRejected     = "rejected"
)

const tracerName = "github.com/netstate/netstate/pkg/engine"

// TryAppender is implemented by ledgers that can refuse a write instead of
// blocking on their own lock. ok is false when the write was skipped.
type TryAppender interface {
	TryAppend(action string, details interface{}) (ok bool, err error)
}

// StateManager drives registered plugins through reconciliation cycles.
// One ApplyState call runs checkpoint, diff, apply and verify strictly in
// sequence; concurrent calls are serialized.
type StateManager struct {
	registry *Registry
	ledger   Ledger
	observer Observer
	gate     DiffGate
	tracer   trace.Tracer

	// cycleMu serializes ApplyState so two cycles never interleave their
	// checkpoints and rollbacks against the same plugins.
	cycleMu sync.Mutex

	// ledgerMu guards ledgers that do not implement TryAppender.
	ledgerMu sync.Mutex
}

// Option configures a StateManager.
type Option func(*StateManager)

// WithLedger sets the audit ledger.
func WithLedger(l Ledger) Option {
	return func(m *StateManager) { m.ledger = l }
}

// WithObserver sets the observer notified of plugin calls and cycle outcomes.
func WithObserver(o Observer) Option {
	return func(m *StateManager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithGate sets a gate that every non-empty cycle must pass before apply.
func WithGate(g DiffGate) Option {
	return func(m *StateManager) { m.gate = g }
}

// WithRegistry makes the manager share an existing registry.
func WithRegistry(r *Registry) Option {
	return func(m *StateManager) {
		if r != nil {
			m.registry = r
		}
	}
}

// NewStateManager creates a manager with an empty registry.
func NewStateManager(opts ...Option) *StateManager {
	m := &StateManager{
		registry: NewRegistry(),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPlugin adds a plugin to the registry. It blocks while a cycle is running.
func (m *StateManager) RegisterPlugin(p StatePlugin) error {
	if err := m.registry.Register(p); err != nil {
		return err
	}
	log.Info().
		Str("plugin", p.Name()).
		Str("version", p.Version()).
		Msg("Registered state plugin")
	return nil
}

// Registry returns the manager's plugin registry.
func (m *StateManager) Registry() *Registry {
	return m.registry
}

// LoadDesiredState parses a desired-state document. It has no side effects on the manager.
func (m *StateManager) LoadDesiredState(path string) (*DesiredState, error) {
	return LoadDesiredState(path)
}

// plannedDiff is a non-empty diff together with its owning plugin.
type plannedDiff struct {
	plugin StatePlugin
	diff   *StateDiff
}

// ApplyState runs one reconciliation cycle toward desired.
//
// Every registered plugin named in desired is checkpointed first. Diffs are
// then computed and applied in document order; the first apply failure, or
// any verification that does not hold afterwards, rolls back every
// checkpoint in reverse creation order and returns an error naming the
// phase and plugin. When a gate is set it sees the computed diffs before
// anything is applied.
func (m *StateManager) ApplyState(ctx context.Context, desired *DesiredState) (*ApplyReport, error) {
	if desired == nil {
		return nil, NewConfigError("desired state is nil", nil)
	}

	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	lookup, _, release := m.registry.view()
	defer release()

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "state.apply",
		trace.WithAttributes(attribute.Int("desired.plugins", len(desired.Plugins))))
	defer span.End()

	names := desired.PluginNames()
	logger := log.With().Uint32("version", desired.Version).Logger()

	// Phase 1
	logger.Info().Int("plugins", len(names)).Msg("Phase 1: creating checkpoints")
	checkpoints := m.checkpointAll(ctx, lookup, names)

	// Phase 2
	logger.Info().Msg("Phase 2: calculating diffs")
	planned, err := m.calculateDiffs(ctx, lookup, desired)
	if err != nil {
		// Nothing has been mutated yet; the checkpoints are abandoned.
		m.finish(span, start, OutcomeQueryFailed, err)
		return nil, err
	}

	if len(planned) == 0 {
		logger.Info().Msg("No changes needed")
		m.finish(span, start, OutcomeNoop, nil)
		return &ApplyReport{
			Success:     true,
			Results:     []ApplyResult{},
			Checkpoints: []NamedCheckpoint{},
		}, nil
	}

	if m.gate != nil {
		if err := m.gate(ctx, desired, diffsOf(planned)); err != nil {
			// Nothing has been mutated; the checkpoints are abandoned.
			err = NewRejectedError("diffs rejected before apply", err)
			logger.Warn().Err(err).Msg("Cycle rejected by gate")
			m.finish(span, start, OutcomeRejected, err)
			return nil, err
		}
	}

	// Phase 3
	logger.Info().Int("diffs", len(planned)).Msg("Phase 3: applying changes")
	results, err := m.applyAll(ctx, planned)
	if err != nil {
		log.Error().Err(err).Msg("Apply failed, rolling back")
		if rbErr := m.rollbackAll(ctx, lookup, checkpoints); rbErr != nil {
			err = withRollbackDetail(err, rbErr)
		}
		m.finish(span, start, OutcomeApplyFailed, err)
		return nil, err
	}

	// Phase 4
	logger.Info().Msg("Phase 4: verifying state")
	if err := m.verifyAll(ctx, lookup, desired); err != nil {
		log.Error().Err(err).Msg("Verification failed, rolling back")
		if rbErr := m.rollbackAll(ctx, lookup, checkpoints); rbErr != nil {
			err = withRollbackDetail(err, rbErr)
		}
		m.finish(span, start, OutcomeVerifyFailed, err)
		return nil, err
	}

	logger.Info().
		Int("applied", len(results)).
		Dur("duration", time.Since(start)).
		Msg("State apply completed successfully")
	m.finish(span, start, OutcomeSuccess, nil)

	return &ApplyReport{
		Success:     true,
		Results:     results,
		Checkpoints: checkpoints,
	}, nil
}

// QueryPluginState returns the named plugin's raw current state unmodified.
func (m *StateManager) QueryPluginState(ctx context.Context, name string) (json.RawMessage, error) {
	lookup, _, release := m.registry.view()
	defer release()

	p, ok := lookup(name)
	if !ok {
		return nil, NewPluginNotFoundError(name)
	}

	state, err := m.query(ctx, p)
	if err != nil {
		return nil, NewQueryError("failed to query plugin state", err).WithPlugin(name)
	}
	return state, nil
}

// QueryCurrentState queries every registered plugin. If any plugin fails the
// whole aggregate fails; a partial CurrentState is never returned.
func (m *StateManager) QueryCurrentState(ctx context.Context) (*CurrentState, error) {
	lookup, names, release := m.registry.view()
	defer release()

	current := &CurrentState{Plugins: make(map[string]json.RawMessage, len(names))}
	for _, name := range names {
		p, _ := lookup(name)
		state, err := m.query(ctx, p)
		if err != nil {
			return nil, NewQueryError("failed to query current state", err).WithPlugin(name)
		}
		current.Plugins[name] = state
	}
	return current, nil
}

// ShowDiff computes the non-empty diffs for desired without applying them.
func (m *StateManager) ShowDiff(ctx context.Context, desired *DesiredState) ([]*StateDiff, error) {
	if desired == nil {
		return nil, NewConfigError("desired state is nil", nil)
	}

	lookup, _, release := m.registry.view()
	defer release()

	planned, err := m.calculateDiffs(ctx, lookup, desired)
	if err != nil {
		return nil, err
	}

	return diffsOf(planned), nil
}

func diffsOf(planned []plannedDiff) []*StateDiff {
	diffs := make([]*StateDiff, 0, len(planned))
	for _, pd := range planned {
		diffs = append(diffs, pd.diff)
	}
	return diffs
}

// checkpointAll asks every registered plugin in names for a checkpoint.
// Failures are logged and leave the plugin without rollback coverage.
func (m *StateManager) checkpointAll(ctx context.Context, lookup func(string) (StatePlugin, bool), names []string) []NamedCheckpoint {
	ctx, span := m.tracer.Start(ctx, "state.checkpoint")
	defer span.End()

	checkpoints := make([]NamedCheckpoint, 0, len(names))
	for _, name := range names {
		p, ok := lookup(name)
		if !ok {
			continue
		}

		var cp *Checkpoint
		err := m.call(p, "create_checkpoint", func() error {
			var err error
			cp, err = p.CreateCheckpoint(ctx)
			if err == nil && cp == nil {
				err = errors.New("plugin returned no checkpoint")
			}
			return err
		})
		if err != nil {
			log.Warn().
				Err(NewCheckpointError("failed to create checkpoint", err).WithPlugin(name)).
				Str("plugin", name).
				Msg("Checkpoint failed, continuing without rollback for plugin")
			continue
		}

		if cp.ID == "" {
			cp.ID = uuid.New().String()
		}
		if cp.Plugin == "" {
			cp.Plugin = name
		}
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now().UTC()
		}

		log.Debug().Str("plugin", name).Str("checkpoint_id", cp.ID).Msg("Created checkpoint")
		checkpoints = append(checkpoints, NamedCheckpoint{Name: name, Checkpoint: *cp})
	}
	return checkpoints
}

// calculateDiffs queries and diffs every registered plugin named in desired,
// keeping only diffs with actions. Unregistered names are skipped.
func (m *StateManager) calculateDiffs(ctx context.Context, lookup func(string) (StatePlugin, bool), desired *DesiredState) ([]plannedDiff, error) {
	ctx, span := m.tracer.Start(ctx, "state.diff")
	defer span.End()

	var planned []plannedDiff
	for _, name := range desired.PluginNames() {
		p, ok := lookup(name)
		if !ok {
			log.Warn().Str("plugin", name).Msg("Plugin not registered, skipping")
			continue
		}

		current, err := m.query(ctx, p)
		if err != nil {
			return nil, NewQueryError("failed to query current state", err).
				WithPlugin(name).WithPhase(PhaseDiff)
		}

		var diff *StateDiff
		err = m.call(p, "calculate_diff", func() error {
			var err error
			diff, err = p.CalculateDiff(ctx, current, desired.Plugins[name])
			return err
		})
		if err != nil {
			return nil, NewQueryError("failed to calculate diff", err).
				WithPlugin(name).WithPhase(PhaseDiff)
		}
		if diff.Empty() {
			log.Debug().Str("plugin", name).Msg("No changes for plugin")
			continue
		}
		if diff.Plugin == "" {
			diff.Plugin = name
		}

		log.Info().Str("plugin", name).Int("actions", len(diff.Actions)).Msg("Calculated diff")
		planned = append(planned, plannedDiff{plugin: p, diff: diff})
	}
	return planned, nil
}

// applyAll applies each diff in order and stops at the first failure.
// A result with Success=false is treated the same as a returned error.
func (m *StateManager) applyAll(ctx context.Context, planned []plannedDiff) ([]ApplyResult, error) {
	ctx, span := m.tracer.Start(ctx, "state.apply_changes")
	defer span.End()

	results := make([]ApplyResult, 0, len(planned))
	err := untilFirstError(planned, func(pd plannedDiff) error {
		name := pd.plugin.Name()

		var result *ApplyResult
		err := m.call(pd.plugin, "apply_state", func() error {
			var err error
			result, err = pd.plugin.ApplyState(ctx, pd.diff)
			if err == nil && result == nil {
				err = errors.New("plugin returned no result")
			}
			return err
		})
		if err != nil {
			return NewApplyError("failed to apply state", err).WithPlugin(name)
		}
		if !result.Success {
			reason := strings.Join(result.Errors, "; ")
			if reason == "" {
				reason = "no error details"
			}
			return NewApplyError("plugin reported failure", errors.New(reason)).
				WithPlugin(name).
				WithDetail("changes_applied", result.ChangesApplied)
		}

		log.Info().Str("plugin", name).Int("changes", len(result.ChangesApplied)).Msg("Applied state for plugin")
		m.audit(LedgerActionApply, map[string]interface{}{
			"plugin": name,
			"result": result,
		})
		applied := *result
		applied.Plugin = name
		results = append(results, applied)
		return nil
	})
	return results, err
}

// verifyAll runs VerifyState for every registered plugin named in desired
// and fails on the first one that does not hold.
func (m *StateManager) verifyAll(ctx context.Context, lookup func(string) (StatePlugin, bool), desired *DesiredState) error {
	ctx, span := m.tracer.Start(ctx, "state.verify")
	defer span.End()

	return untilFirstError(desired.PluginNames(), func(name string) error {
		p, ok := lookup(name)
		if !ok {
			return nil
		}

		var verified bool
		err := m.call(p, "verify_state", func() error {
			var err error
			verified, err = p.VerifyState(ctx, desired.Plugins[name])
			return err
		})
		if err != nil {
			return NewVerifyError("failed to verify state", err).WithPlugin(name)
		}
		if !verified {
			return NewVerifyError("state verification failed", nil).WithPlugin(name)
		}
		return nil
	})
}

// rollbackAll restores every checkpoint in reverse creation order. A failing
// plugin never stops the sweep; the joined failures are returned for reporting.
func (m *StateManager) rollbackAll(ctx context.Context, lookup func(string) (StatePlugin, bool), checkpoints []NamedCheckpoint) error {
	ctx, span := m.tracer.Start(ctx, "state.rollback",
		trace.WithAttributes(attribute.Int("checkpoints", len(checkpoints))))
	defer span.End()

	log.Warn().Int("checkpoints", len(checkpoints)).Msg("Rolling back plugins")

	reversed := make([]NamedCheckpoint, len(checkpoints))
	for i, nc := range checkpoints {
		reversed[len(checkpoints)-1-i] = nc
	}

	return collectErrors(reversed, func(nc NamedCheckpoint) error {
		p, ok := lookup(nc.Name)
		if !ok {
			return nil
		}

		cp := nc.Checkpoint
		err := m.call(p, "rollback", func() error {
			return p.Rollback(ctx, &cp)
		})
		m.observer.RollbackCompleted(nc.Name, err)

		details := map[string]interface{}{
			"plugin":        nc.Name,
			"checkpoint_id": cp.ID,
		}
		if err != nil {
			err = NewRollbackError("failed to rollback plugin", err).WithPlugin(nc.Name)
			log.Error().Err(err).Str("plugin", nc.Name).Msg("Rollback failed, continuing")
			details["error"] = err.Error()
		} else {
			log.Info().Str("plugin", nc.Name).Str("checkpoint_id", cp.ID).Msg("Rolled back plugin")
		}
		m.audit(LedgerActionRollback, details)
		return err
	})
}

// audit appends a ledger record without blocking the cycle on lock
// contention. Failures are logged only.
func (m *StateManager) audit(action string, details interface{}) {
	if m.ledger == nil {
		return
	}

	var (
		ok  bool
		err error
	)
	if ta, isTry := m.ledger.(TryAppender); isTry {
		ok, err = ta.TryAppend(action, details)
	} else if m.ledgerMu.TryLock() {
		ok = true
		err = m.ledger.Append(action, details)
		m.ledgerMu.Unlock()
	}

	switch {
	case !ok:
		log.Warn().Str("action", action).Msg("Ledger busy, skipping audit record")
		m.observer.LedgerWrite("skipped")
	case err != nil:
		log.Error().Err(NewLedgerError("failed to append ledger record", err)).
			Str("action", action).
			Msg("Failed to log to ledger")
		m.observer.LedgerWrite("error")
	default:
		m.observer.LedgerWrite("ok")
	}
}

func (m *StateManager) query(ctx context.Context, p StatePlugin) (json.RawMessage, error) {
	var state json.RawMessage
	err := m.call(p, "query_current_state", func() error {
		var err error
		state, err = p.QueryCurrentState(ctx)
		return err
	})
	return state, err
}

// call times fn and reports it to the observer.
func (m *StateManager) call(p StatePlugin, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.observer.PluginCall(p.Name(), operation, time.Since(start).Seconds(), err)
	return err
}

func (m *StateManager) finish(span trace.Span, start time.Time, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	m.observer.CycleCompleted(outcome, time.Since(start).Seconds())
}

func withRollbackDetail(err, rbErr error) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		ee.WithDetail("rollback_errors", rbErr.Error())
		return ee
	}
	return fmt.Errorf("%w (rollback: %v)", err, rbErr)
}
