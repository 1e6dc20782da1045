// Package docker implements the "docker" state plugin. Containers are
// managed outside netstate, so the plugin introspects and tracks them but
// never mutates the daemon.
package docker

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/internal/pluginkit"
)

const (
	// Name is the plugin name and desired-state key.
	Name = "docker"

	// Version is the plugin version.
	Version = "1.0.0"

	// ErrDaemonUnavailable is reported in state when docker does not answer.
	ErrDaemonUnavailable = "Docker daemon not available"

	resourcePrefix = "container:"
)

var _ engine.StatePlugin = (*Plugin)(nil)

// Plugin introspects docker containers.
type Plugin struct {
	exec executor.Executor
}

// New returns a "docker" plugin running its commands through exec.
func New(exec executor.Executor) *Plugin {
	return &Plugin{exec: exec}
}

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return Version }

// Capabilities reports no rollback: container state is external.
func (p *Plugin) Capabilities() engine.PluginCapabilities {
	return engine.PluginCapabilities{
		SupportsRollback:     false,
		SupportsCheckpoints:  true,
		SupportsVerification: true,
		AtomicOperations:     false,
	}
}

// QueryCurrentState lists the containers. An unreachable daemon yields an
// empty list with an error marker rather than a failure.
func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.Encode(state)
}

func (p *Plugin) query(ctx context.Context) (*DockerConfig, error) {
	if !Available(ctx, p.exec) {
		return &DockerConfig{Containers: []ContainerConfig{}, Error: ErrDaemonUnavailable}, nil
	}
	containers, err := ListContainers(ctx, p.exec)
	if err != nil {
		return nil, err
	}
	return &DockerConfig{Containers: containers}, nil
}

// CalculateDiff compares containers by name. Image and state are compared
// when desired sets them. Containers that match the desired filters but are
// not listed are reported for removal.
func (p *Plugin) CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*engine.StateDiff, error) {
	var cur, want DockerConfig
	if err := pluginkit.Decode(current, &cur); err != nil {
		return nil, err
	}
	if err := pluginkit.Decode(desired, &want); err != nil {
		return nil, err
	}

	byName := make(map[string]ContainerConfig, len(cur.Containers))
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
		case w.Image != "" && w.Image != c.Image, w.State != "" && w.State != c.State:
			action, err = engine.NewModifyAction(resourcePrefix+w.Name, w)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}

	if want.Filters != nil {
		for _, c := range cur.Containers {
			if !wanted[c.Name] && want.Filters.Match(c) {
				actions = append(actions, engine.DeleteAction(resourcePrefix+c.Name))
			}
		}
	}

	return engine.NewStateDiff(Name, actions, current, desired), nil
}

// ApplyState records the containers it was asked about. Nothing on the
// daemon changes.
func (p *Plugin) ApplyState(ctx context.Context, diff *engine.StateDiff) (*engine.ApplyResult, error) {
	var res pluginkit.ApplyResult
	for _, a := range diff.Actions {
		switch a.Type {
		case engine.ActionCreate, engine.ActionModify:
			raw := a.Config
			if a.Type == engine.ActionModify {
				raw = a.Changes
			}
			var c ContainerConfig
			if err := pluginkit.Decode(raw, &c); err != nil {
				res.Failed("Invalid container config for %s: %v", a.Resource, err)
				continue
			}
			res.Applied("Tracked container state: %s", a.Resource)
		case engine.ActionDelete:
			res.Applied("Noted container removal: %s", a.Resource)
		}
	}
	return res.Result(), nil
}

// VerifyState checks that every desired container exists.
func (p *Plugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	var want DockerConfig
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
		Msg("Docker rollback is a no-op, container state is managed externally")
	return nil
}
