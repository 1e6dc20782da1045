// Package netmaker implements the "netmaker" state plugin: introspection of
// Netmaker mesh containers running under docker.
package netmaker

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/docker"
	"github.com/netstate/netstate/pkg/plugins/internal/pluginkit"
)

const (
	// Name is the plugin name and desired-state key.
	Name = "netmaker"

	// Version is the plugin version.
	Version = "1.0.0"

	resourcePrefix = "netmaker_container:"

	labelRole           = "netmaker.role"
	labelNetwork        = "netmaker.network"
	labelNodeID         = "netmaker.node_id"
	labelComposeService = "com.docker.compose.service"
)

var _ engine.StatePlugin = (*Plugin)(nil)

// Plugin introspects Netmaker containers.
type Plugin struct {
	exec executor.Executor
}

// New returns a "netmaker" plugin running its commands through exec.
func New(exec executor.Executor) *Plugin {
	return &Plugin{exec: exec}
}

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return Version }

func (p *Plugin) Capabilities() engine.PluginCapabilities {
	return engine.PluginCapabilities{
		SupportsRollback:     false,
		SupportsCheckpoints:  true,
		SupportsVerification: true,
		AtomicOperations:     false,
	}
}

func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.Encode(state)
}

func (p *Plugin) query(ctx context.Context) (*NetmakerConfig, error) {
	if !docker.Available(ctx, p.exec) {
		return &NetmakerConfig{Containers: []NetmakerContainer{}, Error: docker.ErrDaemonUnavailable}, nil
	}
	containers, err := docker.ListContainers(ctx, p.exec)
	if err != nil {
		return nil, err
	}

	nodes := []NetmakerContainer{}
	for _, c := range containers {
		if isNetmaker(c) {
			nodes = append(nodes, p.enrich(ctx, c))
		}
	}
	return &NetmakerConfig{Containers: nodes, NetworkAnalysis: analyze(nodes)}, nil
}

// isNetmaker recognises mesh containers by label, image or name.
func isNetmaker(c docker.ContainerConfig) bool {
	if _, ok := c.Labels[labelRole]; ok {
		return true
	}
	if _, ok := c.Labels[labelComposeService]; ok {
		if strings.Contains(c.Name, "netmaker") {
			return true
		}
		for _, v := range c.Labels {
			if strings.Contains(v, "netmaker") {
				return true
			}
		}
	}
	if strings.Contains(c.Image, "netmaker") || strings.Contains(c.Image, "gravitl") {
		return true
	}
	return strings.Contains(c.Name, "netmaker") || strings.Contains(c.Name, "nm-")
}

// enrich fills role, network and node ID from labels, falling back to the
// container environment. Inspect failures leave the fields empty.
func (p *Plugin) enrich(ctx context.Context, c docker.ContainerConfig) NetmakerContainer {
	node := NetmakerContainer{
		ContainerConfig: c,
		NetmakerRole:    role(c),
		NetmakerNetwork: c.Labels[labelNetwork],
		NodeID:          c.Labels[labelNodeID],
	}
	if node.NetmakerNetwork != "" && node.NodeID != "" {
		return node
	}

	env, err := docker.InspectEnv(ctx, p.exec, c.Name)
	if err != nil {
		log.Debug().Err(err).Str("plugin", Name).Str("container", c.Name).Msg("Failed to inspect container environment")
		return node
	}
	if node.NetmakerNetwork == "" {
		node.NetmakerNetwork = env["NETMAKER_NETWORK"]
	}
	if node.NodeID == "" {
		node.NodeID = env["NODE_ID"]
	}
	return node
}

func role(c docker.ContainerConfig) string {
	if r, ok := c.Labels[labelRole]; ok {
		return r
	}
	if svc, ok := c.Labels[labelComposeService]; ok {
		switch {
		case svc == "netmaker" || svc == "netmaker-server":
			return "server"
		case svc == "netmaker-ui":
			return "ui"
		case strings.Contains(svc, "client"):
			return "client"
		case strings.Contains(svc, "ingress"):
			return "ingress"
		case strings.Contains(svc, "egress"):
			return "egress"
		default:
			return ""
		}
	}
	switch {
	case strings.Contains(c.Name, "server") || strings.Contains(c.Name, "netmaker"):
		return "server"
	case strings.Contains(c.Name, "client"):
		return "client"
	}
	return ""
}

// analyze counts nodes with a role. A running node is fully healthy, any
// other state counts half.
func analyze(nodes []NetmakerContainer) *NetworkAnalysis {
	a := &NetworkAnalysis{
		NetworkTopology:    make(map[string][]string),
		ConnectivityHealth: make(map[string]float64),
	}
	for _, n := range nodes {
		if n.NetmakerRole == "" {
			continue
		}
		a.TotalNodes++
		health := 0.5
		if n.State == docker.StateRunning {
			a.ConnectedNodes++
			health = 1.0
		}
		a.ConnectivityHealth[n.Name] = health
		if n.NetmakerNetwork != "" {
			a.NetworkTopology[n.NetmakerNetwork] = append(a.NetworkTopology[n.NetmakerNetwork], n.Name)
		}
	}
	for _, members := range a.NetworkTopology {
		sort.Strings(members)
	}
	return a
}

// CalculateDiff compares nodes by name. Fields are compared when desired
// sets them. Current nodes matching the filters that desired does not list
// are reported for removal.
func (p *Plugin) CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*engine.StateDiff, error) {
	var cur, want NetmakerConfig
	if err := pluginkit.Decode(current, &cur); err != nil {
		return nil, err
	}
	if err := pluginkit.Decode(desired, &want); err != nil {
		return nil, err
	}

	byName := make(map[string]NetmakerContainer, len(cur.Containers))
	for _, c := range cur.Containers {
		byName[c.Name] = c
	}

	actions := []engine.StateAction{}
	wanted := make(map[string]bool, len(want.Containers))
	for _, w := range want.Containers {
		wanted[w.Name] = true
		c, ok := byName[w.Name]
		var (
			action engine.StateAction
			err    error
		)
		switch {
		case !ok:
			action, err = engine.NewCreateAction(resourcePrefix+w.Name, w)
		case differs(c, w):
			action, err = engine.NewModifyAction(resourcePrefix+w.Name, w)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	for _, c := range cur.Containers {
		if !wanted[c.Name] && want.Filters.Match(c) {
			actions = append(actions, engine.DeleteAction(resourcePrefix+c.Name))
		}
	}

	return engine.NewStateDiff(Name, actions, current, desired), nil
}

func differs(cur, want NetmakerContainer) bool {
	check := func(want, got string) bool { return want != "" && want != got }
	return check(want.Image, cur.Image) ||
		check(string(want.State), string(cur.State)) ||
		check(want.NetmakerRole, cur.NetmakerRole) ||
		check(want.NetmakerNetwork, cur.NetmakerNetwork) ||
		check(want.NodeID, cur.NodeID)
}

// ApplyState records the nodes it was asked about. The mesh is managed by
// Netmaker itself.
func (p *Plugin) ApplyState(ctx context.Context, diff *engine.StateDiff) (*engine.ApplyResult, error) {
	var res pluginkit.ApplyResult
	for _, a := range diff.Actions {
		switch a.Type {
		case engine.ActionCreate, engine.ActionModify:
			res.Applied("Tracked netmaker container: %s", a.Resource)
		case engine.ActionDelete:
			res.Applied("Noted netmaker container removal: %s", a.Resource)
		}
	}
	return res.Result(), nil
}

// VerifyState checks that every desired node exists.
func (p *Plugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	var want NetmakerConfig
	if err := pluginkit.Decode(desired, &want); err != nil {
		return false, err
	}
	cur, err := p.query(ctx)
	if err != nil {
		return false, err
	}
	names := make(map[string]bool, len(cur.Containers))
	for _, c := range cur.Containers {
		names[c.Name] = true
	}
	for _, w := range want.Containers {
		if !names[w.Name] {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plugin) CreateCheckpoint(ctx context.Context) (*engine.Checkpoint, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.NewCheckpoint(Name, state)
}

// Rollback is a no-op.
func (p *Plugin) Rollback(ctx context.Context, checkpoint *engine.Checkpoint) error {
	if err := pluginkit.CheckOwner(Name, checkpoint); err != nil {
		return err
	}
	log.Info().Str("plugin", Name).Str("checkpoint_id", checkpoint.ID).
		Msg("Netmaker rollback is a no-op, the mesh is managed externally")
	return nil
}
