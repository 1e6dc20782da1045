// Package netcfg implements the "netcfg" state plugin: gateway routes, custom
// OpenFlow rules on OVS bridges, the hostname and resolver search domains.
package netcfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/internal/pluginkit"
)

const (
	// Name is the plugin name and desired-state key.
	Name = "netcfg"

	// Version is the plugin version.
	Version = "1.0.0"

	// DefaultMinFlowPriority is the lowest flow priority the plugin owns.
	// Flows below it (security and default flows) are never touched.
	DefaultMinFlowPriority = 200
)

var _ engine.StatePlugin = (*Plugin)(nil)

// Plugin manages advanced network configuration.
type Plugin struct {
	exec            executor.Executor
	hostnamePath    string
	resolvConfPath  string
	minFlowPriority uint32
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithHostnamePath overrides /etc/hostname.
func WithHostnamePath(path string) Option {
	return func(p *Plugin) { p.hostnamePath = path }
}

// WithResolvConfPath overrides /etc/resolv.conf.
func WithResolvConfPath(path string) Option {
	return func(p *Plugin) { p.resolvConfPath = path }
}

// WithMinFlowPriority sets the lowest flow priority the plugin manages.
func WithMinFlowPriority(prio uint32) Option {
	return func(p *Plugin) { p.minFlowPriority = prio }
}

// New returns a "netcfg" plugin running its commands through exec.
func New(exec executor.Executor, opts ...Option) *Plugin {
	p := &Plugin{
		exec:            exec,
		hostnamePath:    "/etc/hostname",
		resolvConfPath:  "/etc/resolv.conf",
		minFlowPriority: DefaultMinFlowPriority,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return Version }

func (p *Plugin) Capabilities() engine.PluginCapabilities {
	return engine.PluginCapabilities{
		SupportsRollback:     true,
		SupportsCheckpoints:  true,
		SupportsVerification: true,
		AtomicOperations:     false,
	}
}

// QueryCurrentState returns every section. Sections are never nil.
func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.Encode(state)
}

func (p *Plugin) query(ctx context.Context) (*NetcfgConfig, error) {
	routes, err := p.queryRoutes(ctx)
	if err != nil {
		return nil, err
	}
	flows, err := p.queryFlows(ctx)
	if err != nil {
		return nil, err
	}
	dns, err := p.queryDNS(ctx)
	if err != nil {
		return nil, err
	}
	return &NetcfgConfig{Routing: &routes, OVSFlows: &flows, DNS: dns}, nil
}

// CalculateDiff emits one modify action per section that desired specifies
// and the host does not satisfy.
func (p *Plugin) CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*engine.StateDiff, error) {
	var cur, want NetcfgConfig
	if err := decode(current, &cur); err != nil {
		return nil, fmt.Errorf("current state: %w", err)
	}
	if err := decode(desired, &want); err != nil {
		return nil, fmt.Errorf("desired state: %w", err)
	}
	if want.OVSFlows != nil {
		for _, f := range *want.OVSFlows {
			if f.Priority < p.minFlowPriority {
				return nil, fmt.Errorf("desired state: flow %q on %s has priority below %d", f.spec(), f.Bridge, p.minFlowPriority)
			}
		}
	}

	actions := []engine.StateAction{}
	modify := func(resource string, old, next interface{}) error {
		changes, err := changesOf(old, next)
		if err != nil {
			return err
		}
		action, err := engine.NewModifyAction(resource, changes)
		if err != nil {
			return err
		}
		actions = append(actions, action)
		return nil
	}

	if want.Routing != nil && !routesMatch(deref(cur.Routing), *want.Routing) {
		if err := modify(ResourceRouting, cur.Routing, want.Routing); err != nil {
			return nil, err
		}
	}
	if want.OVSFlows != nil && !flowsMatch(deref(cur.OVSFlows), *want.OVSFlows) {
		if err := modify(ResourceOVSFlows, cur.OVSFlows, want.OVSFlows); err != nil {
			return nil, err
		}
	}
	if want.DNS != nil && !dnsMatch(cur.DNS, *want.DNS) {
		if err := modify(ResourceDNS, cur.DNS, want.DNS); err != nil {
			return nil, err
		}
	}

	return engine.NewStateDiff(Name, actions, current, desired), nil
}

// ApplyState applies the "new" side of each modify action.
func (p *Plugin) ApplyState(ctx context.Context, diff *engine.StateDiff) (*engine.ApplyResult, error) {
	var res pluginkit.ApplyResult

	for _, a := range diff.Actions {
		if a.Type != engine.ActionModify {
			continue
		}
		var changes pluginkit.Changes
		if err := json.Unmarshal(a.Changes, &changes); err != nil {
			res.Failed("Failed to apply %s: %v", a.Resource, err)
			continue
		}

		switch a.Resource {
		case ResourceRouting:
			var routes []RouteConfig
			if err := json.Unmarshal(changes.New, &routes); err != nil {
				res.Failed("Failed to apply routes: %v", err)
				continue
			}
			if err := p.applyRoutes(ctx, routes); err != nil {
				res.Failed("Failed to apply routes: %v", err)
				continue
			}
			res.Applied("Applied %d routes", len(routes))

		case ResourceOVSFlows:
			var flows []OVSFlowConfig
			if err := json.Unmarshal(changes.New, &flows); err != nil {
				res.Failed("Failed to apply OVS flows: %v", err)
				continue
			}
			if err := p.applyFlows(ctx, flows); err != nil {
				res.Failed("Failed to apply OVS flows: %v", err)
				continue
			}
			res.Applied("Applied %d OVS flows", len(flows))

		case ResourceDNS:
			var dns DNSConfig
			if err := json.Unmarshal(changes.New, &dns); err != nil {
				res.Failed("Failed to apply DNS configuration: %v", err)
				continue
			}
			if err := p.applyDNS(ctx, dns); err != nil {
				res.Failed("Failed to apply DNS configuration: %v", err)
				continue
			}
			res.Applied("Applied DNS configuration")

		default:
			log.Warn().Str("plugin", Name).Str("resource", a.Resource).Msg("Ignoring unknown resource")
		}
	}

	return res.Result(), nil
}

// VerifyState re-diffs the live state against desired.
func (p *Plugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	current, err := p.QueryCurrentState(ctx)
	if err != nil {
		return false, err
	}
	diff, err := p.CalculateDiff(ctx, current, desired)
	if err != nil {
		return false, err
	}
	return diff.Empty(), nil
}

// CreateCheckpoint snapshots every section.
func (p *Plugin) CreateCheckpoint(ctx context.Context) (*engine.Checkpoint, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.NewCheckpoint(Name, state)
}

// Rollback re-applies the snapshot. A missing routing or flow section is
// restored as empty.
func (p *Plugin) Rollback(ctx context.Context, checkpoint *engine.Checkpoint) error {
	if err := pluginkit.CheckOwner(Name, checkpoint); err != nil {
		return err
	}
	var snap NetcfgConfig
	if err := json.Unmarshal(checkpoint.StateSnapshot, &snap); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}

	var errs []error
	if err := p.applyRoutes(ctx, deref(snap.Routing)); err != nil {
		errs = append(errs, fmt.Errorf("routes: %w", err))
	}
	if err := p.applyFlows(ctx, deref(snap.OVSFlows)); err != nil {
		errs = append(errs, fmt.Errorf("ovs flows: %w", err))
	}
	if snap.DNS != nil {
		if err := p.applyDNS(ctx, *snap.DNS); err != nil {
			errs = append(errs, fmt.Errorf("dns: %w", err))
		}
	}
	return errors.Join(errs...)
}

// decode unmarshals and validates each element of the optional sections.
func decode(raw json.RawMessage, cfg *NetcfgConfig) error {
	if err := pluginkit.Decode(raw, cfg); err != nil {
		return err
	}
	for _, r := range deref(cfg.Routing) {
		if err := pluginkit.Validate(r); err != nil {
			return fmt.Errorf("route %s: %w", r.Destination, err)
		}
	}
	for _, f := range deref(cfg.OVSFlows) {
		if err := pluginkit.Validate(f); err != nil {
			return fmt.Errorf("flow on %s: %w", f.Bridge, err)
		}
	}
	if cfg.DNS != nil {
		if err := pluginkit.Validate(cfg.DNS); err != nil {
			return fmt.Errorf("dns: %w", err)
		}
	}
	return nil
}

func changesOf(old, next interface{}) (pluginkit.Changes, error) {
	oldRaw, err := pluginkit.Encode(old)
	if err != nil {
		return pluginkit.Changes{}, err
	}
	newRaw, err := pluginkit.Encode(next)
	if err != nil {
		return pluginkit.Changes{}, err
	}
	return pluginkit.Changes{Old: oldRaw, New: newRaw}, nil
}

func deref[T any](s *[]T) []T {
	if s == nil {
		return nil
	}
	return *s
}
