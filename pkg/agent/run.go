package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/policy"
	"github.com/netstate/netstate/pkg/stores"
	"github.com/netstate/netstate/pkg/telemetry"
)

// Run outcomes recorded in addition to the engine's cycle outcomes.
const (
	OutcomeInvalid      = "invalid"
	OutcomePolicyDenied = "policy_denied"
	OutcomePolicyError  = "policy_error"
)

// PolicyDeniedError is returned by Apply when a blocking policy violation
// stops the cycle before anything is changed.
type PolicyDeniedError struct {
	Violations []policy.Violation
}

func (e *PolicyDeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return "apply denied by policy: " + strings.Join(msgs, "; ")
}

// ErrPolicyEvaluation marks a cycle stopped because the policies could not
// be evaluated.
var ErrPolicyEvaluation = errors.New("policy evaluation failed")

// IsPolicyDenied reports whether err is a policy denial.
func IsPolicyDenied(err error) bool {
	var pde *PolicyDeniedError
	return errors.As(err, &pde)
}

// RunReport describes one apply run.
type RunReport struct {
	RunID    string              `json:"run_id"`
	Path     string              `json:"path"`
	Target   string              `json:"target"`
	Status   stores.RunStatus    `json:"status"`
	Outcome  string              `json:"outcome"`
	Diffs    []*engine.StateDiff `json:"diffs"`
	Policy   *policy.Result      `json:"policy,omitempty"`
	Apply    *engine.ApplyReport `json:"apply,omitempty"`
	Error    string              `json:"error,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// DiffReport is a preview of what Apply would change.
type DiffReport struct {
	Path   string              `json:"path"`
	Target string              `json:"target"`
	Diffs  []*engine.StateDiff `json:"diffs"`
	Policy *policy.Result      `json:"policy,omitempty"`
}

// Apply loads the desired state at path, previews the diff for drift
// reporting and runs one reconciliation cycle. The policy gate judges the
// diffs the cycle computes under its lock, not the preview, so a host that
// drifts in between is still checked. The run is recorded in history when
// enabled. An empty path uses the configured desired-state document.
func (a *Agent) Apply(ctx context.Context, path string) (*RunReport, error) {
	path, err := a.desiredPath(path)
	if err != nil {
		return nil, err
	}

	a.runMu.Lock()
	defer a.runMu.Unlock()

	report := &RunReport{
		RunID:  uuid.New().String(),
		Path:   path,
		Target: a.target,
		Diffs:  []*engine.StateDiff{},
	}
	start := time.Now()

	ctx, span := a.tel.Tracer.StartRunSpan(ctx, report.RunID, "apply")
	defer span.End()
	span.SetAttributes(telemetry.AttrDesired.String(path), telemetry.AttrTargetHost.String(a.target))

	logger := log.With().Str("run_id", report.RunID).Str("path", path).Logger()
	ctx = logger.WithContext(ctx)

	desired, loadErr := a.loader.Load(ctx, path)
	a.beginRun(ctx, report, desired)
	if loadErr != nil {
		return a.finishRun(ctx, span, start, report, stores.RunStatusFailed, OutcomeInvalid, loadErr)
	}

	diffs, err := a.manager.ShowDiff(ctx, desired)
	if err != nil {
		return a.finishRun(ctx, span, start, report, stores.RunStatusFailed, engine.OutcomeQueryFailed, err)
	}
	report.Diffs = diffs
	a.recordDrift(ctx, report.RunID, desired, diffs)

	a.gateRun = report
	a.tel.Observer.SetRunID(report.RunID)
	applied, err := a.manager.ApplyState(ctx, desired)
	a.tel.Observer.SetRunID("")
	a.gateRun = nil

	var denied *PolicyDeniedError
	switch {
	case errors.As(err, &denied):
		return a.finishRun(ctx, span, start, report, stores.RunStatusRejected, OutcomePolicyDenied, denied)
	case errors.Is(err, ErrPolicyEvaluation):
		return a.finishRun(ctx, span, start, report, stores.RunStatusFailed, OutcomePolicyError, err)
	case err != nil:
		a.recordFailure(ctx, report.RunID, err)
		return a.finishRun(ctx, span, start, report, stores.RunStatusFailed, outcomeOf(err), err)
	}

	report.Apply = applied
	a.recordApplied(ctx, report.RunID, applied)
	for _, d := range report.Diffs {
		a.tel.Metrics.SetPendingActions(d.Plugin, 0)
	}

	outcome := engine.OutcomeSuccess
	if len(applied.Results) == 0 {
		outcome = engine.OutcomeNoop
	}
	return a.finishRun(ctx, span, start, report, stores.RunStatusSucceeded, outcome, nil)
}

// Diff previews the changes Apply would make and the policy verdict on them.
func (a *Agent) Diff(ctx context.Context, path string) (_ *DiffReport, err error) {
	path, err = a.desiredPath(path)
	if err != nil {
		return nil, err
	}
	op := a.tel.StartOperation(ctx, "agent.diff",
		telemetry.AttrDesired.String(path),
		telemetry.AttrTargetHost.String(a.target),
	)
	defer func() { op.End(err) }()

	desired, err := a.loader.Load(op.Ctx, path)
	if err != nil {
		return nil, err
	}
	diffs, err := a.manager.ShowDiff(op.Ctx, desired)
	if err != nil {
		return nil, err
	}
	for _, d := range diffs {
		a.tel.Metrics.SetPendingActions(d.Plugin, len(d.Actions))
	}

	report := &DiffReport{Path: path, Target: a.target, Diffs: diffs}
	if a.policies != nil {
		report.Policy, err = a.evaluate(op.Ctx, diffs, desired)
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

// Query returns the current state of one plugin, or of every registered
// plugin when name is empty.
func (a *Agent) Query(ctx context.Context, name string) (_ *engine.CurrentState, err error) {
	op := a.tel.StartOperation(ctx, "agent.query",
		telemetry.AttrPlugin.String(name),
		telemetry.AttrTargetHost.String(a.target),
	)
	defer func() { op.End(err) }()

	if name == "" {
		return a.manager.QueryCurrentState(op.Ctx)
	}
	raw, err := a.manager.QueryPluginState(op.Ctx, name)
	if err != nil {
		return nil, err
	}
	return &engine.CurrentState{Plugins: map[string]json.RawMessage{name: raw}}, nil
}

// Validate loads and schema-checks the desired state at path. It also
// returns the sections that name no registered plugin; those are skipped
// by a cycle.
func (a *Agent) Validate(ctx context.Context, path string) (*engine.DesiredState, []string, error) {
	path, err := a.desiredPath(path)
	if err != nil {
		return nil, nil, err
	}
	desired, err := a.loader.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	var unknown []string
	for _, name := range desired.PluginNames() {
		if _, ok := a.manager.Registry().Get(name); !ok {
			unknown = append(unknown, name)
		}
	}
	return desired, unknown, nil
}

// gate is the engine's diff gate. It runs inside ApplyState, so the diffs
// are the ones about to be applied.
func (a *Agent) gate(ctx context.Context, desired *engine.DesiredState, diffs []*engine.StateDiff) error {
	result, err := a.evaluate(ctx, diffs, desired)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPolicyEvaluation, err)
	}
	var runID string
	if run := a.gateRun; run != nil {
		run.Diffs = diffs
		run.Policy = result
		runID = run.RunID
	}
	a.recordPolicy(runID, result)
	if !result.Allowed {
		return &PolicyDeniedError{Violations: result.Violations}
	}
	return nil
}

func (a *Agent) evaluate(ctx context.Context, diffs []*engine.StateDiff, desired *engine.DesiredState) (*policy.Result, error) {
	input := policy.NewInput(diffs, desired)
	input.Target = a.target
	return a.policies.EvaluateInput(ctx, input)
}

// outcomeOf maps a failed cycle's error to the engine outcome it produced.
func outcomeOf(err error) string {
	switch {
	case engine.IsVerifyFailure(err):
		return engine.OutcomeVerifyFailed
	case engine.IsQueryFailure(err):
		return engine.OutcomeQueryFailed
	case engine.IsConfigError(err):
		return OutcomeInvalid
	default:
		return engine.OutcomeApplyFailed
	}
}

// persistCtx keeps history writes alive when the run's context is cancelled.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

func (a *Agent) beginRun(ctx context.Context, report *RunReport, desired *engine.DesiredState) {
	if a.history == nil {
		return
	}
	run := &stores.Run{
		ID:          report.RunID,
		Command:     "apply",
		DesiredPath: report.Path,
		Target:      report.Target,
		Status:      stores.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
		Metadata:    "{}",
	}
	if desired != nil {
		run.DesiredHash = hashDesired(desired)
		if meta, err := json.Marshal(map[string]interface{}{
			"version": desired.Version,
			"plugins": desired.PluginNames(),
		}); err == nil {
			run.Metadata = string(meta)
		}
	}

	ctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := a.history.CreateRun(ctx, run); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to record run start")
	}
}

func (a *Agent) finishRun(ctx context.Context, span trace.Span, start time.Time, report *RunReport,
	status stores.RunStatus, outcome string, runErr error) (*RunReport, error) {
	report.Status = status
	report.Outcome = outcome
	report.Duration = time.Since(start)

	span.SetAttributes(telemetry.AttrOutcome.String(outcome))
	logger := zerolog.Ctx(ctx)

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
		report.Error = msg
		telemetry.RecordError(span, runErr)
		logger.Error().Err(runErr).Str("outcome", outcome).Dur("duration", report.Duration).Msg("Run failed")
	} else {
		telemetry.RecordSuccess(span)
		logger.Info().Str("outcome", outcome).Dur("duration", report.Duration).Msg("Run completed")
	}

	if a.history != nil {
		pctx, cancel := persistCtx(ctx)
		defer cancel()
		if err := a.history.CompleteRun(pctx, report.RunID, status, outcome, errMsg); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run completion")
		}
	}
	return report, runErr
}

func (a *Agent) recordDrift(ctx context.Context, runID string, desired *engine.DesiredState, diffs []*engine.StateDiff) {
	for _, name := range desired.PluginNames() {
		a.tel.Metrics.SetPendingActions(name, 0)
	}
	for _, d := range diffs {
		a.tel.Metrics.SetPendingActions(d.Plugin, len(d.Actions))
		_ = a.tel.Events.PublishDriftDetected(runID, d.Plugin, len(d.Actions))

		raw, err := json.Marshal(d)
		if err != nil {
			continue
		}
		diff := string(raw)
		a.savePluginResult(ctx, &stores.PluginResult{
			RunID:   runID,
			Plugin:  d.Plugin,
			Phase:   engine.PhaseDiff,
			Success: true,
			Actions: len(d.Actions),
			Diff:    &diff,
		})
	}
}

func (a *Agent) recordPolicy(runID string, result *policy.Result) {
	decision := "allow"
	if !result.Allowed {
		decision = "deny"
	}
	a.tel.Metrics.RecordPolicyDecision(decision)

	for _, v := range result.Violations {
		_ = a.tel.Events.PublishPolicyResult(runID, v.Policy, v.Message, true)
	}
	for _, v := range result.Warnings {
		_ = a.tel.Events.PublishPolicyResult(runID, v.Policy, v.Message, false)
	}
}

func (a *Agent) recordApplied(ctx context.Context, runID string, report *engine.ApplyReport) {
	for _, r := range report.Results {
		a.savePluginResult(ctx, &stores.PluginResult{
			RunID:          runID,
			Plugin:         r.Plugin,
			Phase:          engine.PhaseApply,
			Success:        r.Success,
			Actions:        len(r.ChangesApplied),
			ChangesApplied: jsonList(r.ChangesApplied),
			Errors:         jsonList(r.Errors),
		})
	}

	if a.history == nil || len(report.Checkpoints) == 0 {
		return
	}
	records := make([]*stores.CheckpointRecord, 0, len(report.Checkpoints))
	for i, nc := range report.Checkpoints {
		rec := &stores.CheckpointRecord{
			ID:       nc.Checkpoint.ID,
			RunID:    runID,
			Plugin:   nc.Name,
			Seq:      i,
			TakenAt:  nc.Checkpoint.Timestamp,
			Snapshot: string(nc.Checkpoint.StateSnapshot),
		}
		if len(rec.Snapshot) == 0 {
			rec.Snapshot = "null"
		}
		if len(nc.Checkpoint.BackendCheckpoint) > 0 {
			backend := string(nc.Checkpoint.BackendCheckpoint)
			rec.Backend = &backend
		}
		records = append(records, rec)
	}

	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := a.history.SaveCheckpoints(pctx, records); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to record checkpoints")
	}
}

// recordFailure stores the failing plugin and phase of a failed cycle.
func (a *Agent) recordFailure(ctx context.Context, runID string, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Plugin == "" {
		return
	}
	phase := ee.Phase
	if phase == "" {
		phase = engine.PhaseDiff
	}
	a.savePluginResult(ctx, &stores.PluginResult{
		RunID:          runID,
		Plugin:         ee.Plugin,
		Phase:          phase,
		Success:        false,
		ChangesApplied: "[]",
		Errors:         jsonList([]string{err.Error()}),
	})
}

func (a *Agent) savePluginResult(ctx context.Context, result *stores.PluginResult) {
	if a.history == nil {
		return
	}
	if result.ChangesApplied == "" {
		result.ChangesApplied = "[]"
	}
	if result.Errors == "" {
		result.Errors = "[]"
	}
	pctx, cancel := persistCtx(ctx)
	defer cancel()
	if err := a.history.SavePluginResult(pctx, result); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("plugin", result.Plugin).Msg("Failed to record plugin result")
	}
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// hashDesired fingerprints a desired state by its canonical JSON encoding.
func hashDesired(desired *engine.DesiredState) string {
	data, err := json.Marshal(desired)
	if err != nil {
		return ""
	}
	return engine.HashState(data)
}
