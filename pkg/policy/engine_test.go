package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netstate/netstate/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop(), true)
	require.NoError(t, err)
	return eng
}

func desiredNet(t *testing.T, interfaces string) *engine.DesiredState {
	t.Helper()
	d, err := engine.ParseDesiredStateJSON([]byte(`{"version":1,"plugins":{"net":{"interfaces":` + interfaces + `}}}`))
	require.NoError(t, err)
	return d
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		assert.True(t, p.Builtin)
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{PolicyDockerOnlyDrift, PolicyOVSPortController, PolicyProtectInterfaces}, names)

	empty, err := NewEngine(zerolog.Nop(), false)
	require.NoError(t, err)
	assert.Empty(t, empty.ListPolicies())
}

func TestEvaluateAllowsOrdinaryDiff(t *testing.T) {
	eng := newTestEngine(t)

	diffs := []*engine.StateDiff{
		engine.NewStateDiff("net", []engine.StateAction{
			engine.CreateAction("br0", map[string]interface{}{"name": "br0", "type": "ovs-bridge"}),
			engine.CreateAction("vport1", map[string]interface{}{"name": "vport1", "type": "ovs-port", "controller": "br0"}),
			engine.DeleteAction("eth9"),
		}, nil, nil),
	}

	res, err := eng.Evaluate(context.Background(), diffs, desiredNet(t, `[{"name":"br0","type":"ovs-bridge"}]`))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Violations)
	assert.Empty(t, res.Warnings)
	assert.Len(t, res.EvaluatedPolicies, 3)
}

func TestEvaluateDeniesRemovingEveryInterface(t *testing.T) {
	eng := newTestEngine(t)

	diffs := []*engine.StateDiff{
		engine.NewStateDiff("net", []engine.StateAction{
			engine.DeleteAction("eth0"),
			engine.DeleteAction("br0"),
		}, nil, nil),
	}

	res, err := eng.Evaluate(context.Background(), diffs, desiredNet(t, `[]`))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)

	v := res.Violations[0]
	assert.Equal(t, PolicyProtectInterfaces, v.Policy)
	assert.Equal(t, "no_interfaces_left", v.Rule)
	assert.Equal(t, SeverityCritical, v.Severity)
	assert.Contains(t, v.Message, "br0, eth0")
}

func TestEvaluateDeniesOVSPortWithoutController(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name   string
		action engine.StateAction
		denied bool
	}{
		{"create without controller", engine.CreateAction("p1", map[string]interface{}{"name": "p1", "type": "ovs-port"}), true},
		{"create with empty controller", engine.CreateAction("p1", map[string]interface{}{"name": "p1", "type": "ovs-port", "controller": ""}), true},
		{"modify without controller", engine.ModifyAction("p1", map[string]interface{}{"name": "p1", "type": "ovs-port"}), true},
		{"create with controller", engine.CreateAction("p1", map[string]interface{}{"name": "p1", "type": "ovs-port", "controller": "br0"}), false},
		{"ethernet", engine.CreateAction("eth1", map[string]interface{}{"name": "eth1", "type": "ethernet"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diffs := []*engine.StateDiff{engine.NewStateDiff("net", []engine.StateAction{tt.action}, nil, nil)}
			res, err := eng.Evaluate(context.Background(), diffs, desiredNet(t, `[{"name":"p1","type":"ovs-port"}]`))
			require.NoError(t, err)
			assert.Equal(t, !tt.denied, res.Allowed)
			if tt.denied {
				require.Len(t, res.Violations, 1)
				assert.Equal(t, PolicyOVSPortController, res.Violations[0].Policy)
				assert.Equal(t, "p1", res.Violations[0].Resource)
			}
		})
	}
}

func TestEvaluateWarnsOnDockerOnlyDrift(t *testing.T) {
	eng := newTestEngine(t)

	docker := engine.NewStateDiff("docker", []engine.StateAction{
		engine.CreateAction("container:web", map[string]string{"name": "web"}),
	}, nil, nil)

	res, err := eng.Evaluate(context.Background(), []*engine.StateDiff{docker}, nil)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "docker_only_drift", res.Warnings[0].Rule)
	assert.Equal(t, SeverityWarning, res.Warnings[0].Severity)

	// Mixed drift is not docker-only.
	netcfg := engine.NewStateDiff("netcfg", []engine.StateAction{
		engine.ModifyAction("dns", map[string]string{"hostname": "edge-1"}),
	}, nil, nil)
	res, err = eng.Evaluate(context.Background(), []*engine.StateDiff{docker, netcfg}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

func TestDisableAndEnablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	diffs := []*engine.StateDiff{
		engine.NewStateDiff("net", []engine.StateAction{engine.DeleteAction("eth0")}, nil, nil),
	}
	desired := desiredNet(t, `[]`)

	require.NoError(t, eng.DisablePolicy(PolicyProtectInterfaces))
	res, err := eng.Evaluate(context.Background(), diffs, desired)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NotContains(t, res.EvaluatedPolicies, PolicyProtectInterfaces)

	require.NoError(t, eng.EnablePolicy(PolicyProtectInterfaces))
	res, err = eng.Evaluate(context.Background(), diffs, desired)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	assert.Error(t, eng.DisablePolicy("missing"))
	_, err = eng.GetPolicy("missing")
	assert.Error(t, err)
}

func TestAddPolicyCustomSeverities(t *testing.T) {
	eng, err := NewEngine(zerolog.Nop(), false)
	require.NoError(t, err)

	err = eng.AddPolicy(context.Background(), Policy{
		Name:     "route-metrics",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package site.routes

deny contains "routing changes need review" if {
	input.diff.netcfg
}

deny contains {"message": "default route replaced", "severity": "error", "resource": "routing"} if {
	some a in input.diff.netcfg.actions
	some r in a.changes.new
	r.destination == "default"
}
`,
	})
	require.NoError(t, err)

	changes := json.RawMessage(`{"old":[],"new":[{"destination":"default","gateway":"10.0.0.1"}]}`)
	diff := engine.NewStateDiff("netcfg", []engine.StateAction{{Type: engine.ActionModify, Resource: "routing", Changes: changes}}, nil, nil)

	res, err := eng.Evaluate(context.Background(), []*engine.StateDiff{diff}, nil)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "default route replaced", res.Violations[0].Message)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "routing changes need review", res.Warnings[0].Message)
}

func TestAddPolicyRejectsInvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package x\n\ndeny contains"})
	assert.Error(t, err)

	err = eng.AddPolicy(context.Background(), Policy{Rego: "package x"})
	assert.Error(t, err)
}

func TestEvaluationErrorBlocks(t *testing.T) {
	eng, err := NewEngine(zerolog.Nop(), false)
	require.NoError(t, err)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{
		Name:    "conflict",
		Enabled: true,
		Rego: `package site.conflict

x := 1 if input.target == "local"

x := 2 if input.target == "local"
`,
	}))

	res, err := eng.EvaluateInput(context.Background(), &Input{Diff: map[string]*engine.StateDiff{}, Target: "local"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "evaluation_error", res.Violations[0].Rule)
}
