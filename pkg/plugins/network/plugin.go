// Package network implements the "net" state plugin: interfaces, bridges and
// addresses managed through systemd-networkd files and Open vSwitch.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/internal/pluginkit"
)

const (
	// Name is the plugin name and desired-state key.
	Name = "net"

	// Version is the plugin version.
	Version = "1.0.0"

	// DefaultConfigDir is where systemd-networkd reads its configuration.
	DefaultConfigDir = "/etc/systemd/network"
)

var _ engine.StatePlugin = (*Plugin)(nil)

// Plugin manages core network interfaces.
type Plugin struct {
	exec      executor.Executor
	configDir string
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithConfigDir overrides the systemd-networkd configuration directory.
func WithConfigDir(dir string) Option {
	return func(p *Plugin) {
		if dir != "" {
			p.configDir = dir
		}
	}
}

// New returns a "net" plugin running its commands through exec.
func New(exec executor.Executor, opts ...Option) *Plugin {
	p := &Plugin{exec: exec, configDir: DefaultConfigDir}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string    { return Name }
func (p *Plugin) Version() string { return Version }

// Capabilities reports full rollback support. Changes apply per interface.
func (p *Plugin) Capabilities() engine.PluginCapabilities {
	return engine.PluginCapabilities{
		SupportsRollback:     true,
		SupportsCheckpoints:  true,
		SupportsVerification: true,
		AtomicOperations:     false,
	}
}

// QueryCurrentState returns the live interfaces.
func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.Encode(state)
}

// CalculateDiff creates desired interfaces that are missing, modifies the
// ones that do not satisfy their desired config and deletes managed
// interfaces absent from desired.
func (p *Plugin) CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*engine.StateDiff, error) {
	var cur, want NetworkConfig
	if err := pluginkit.Decode(current, &cur); err != nil {
		return nil, fmt.Errorf("current state: %w", err)
	}
	if err := pluginkit.Decode(desired, &want); err != nil {
		return nil, fmt.Errorf("desired state: %w", err)
	}

	seen := make(map[string]bool, len(want.Interfaces))
	actions := []engine.StateAction{}
	for _, w := range want.Interfaces {
		if seen[w.Name] {
			return nil, fmt.Errorf("desired state: duplicate interface %q", w.Name)
		}
		seen[w.Name] = true

		c, ok := cur.find(w.Name)
		var (
			action engine.StateAction
			err    error
		)
		switch {
		case !ok:
			action, err = engine.NewCreateAction(w.Name, w)
		case !satisfies(*c, w):
			action, err = engine.NewModifyAction(w.Name, w)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}

	for _, c := range cur.Interfaces {
		if c.Managed && !seen[c.Name] {
			actions = append(actions, engine.DeleteAction(c.Name))
		}
	}

	return engine.NewStateDiff(Name, actions, current, desired), nil
}

// ApplyState applies every action, recording failures per action, then
// reloads systemd-networkd once if anything changed.
func (p *Plugin) ApplyState(ctx context.Context, diff *engine.StateDiff) (*engine.ApplyResult, error) {
	var res pluginkit.ApplyResult

	for _, a := range diff.Actions {
		switch a.Type {
		case engine.ActionCreate, engine.ActionModify:
			raw := a.Config
			if a.Type == engine.ActionModify {
				raw = a.Changes
			}
			var iface InterfaceConfig
			if err := pluginkit.Decode(raw, &iface); err != nil {
				res.Failed("Failed to configure %s: %v", a.Resource, err)
				continue
			}
			if err := p.configure(ctx, iface); err != nil {
				res.Failed("Failed to configure %s: %v", a.Resource, err)
				continue
			}
			res.Applied("Configured interface: %s", a.Resource)

		case engine.ActionDelete:
			if err := p.remove(ctx, a.Resource); err != nil {
				res.Failed("Failed to remove %s: %v", a.Resource, err)
				continue
			}
			res.Applied("Removed interface config: %s", a.Resource)
		}
	}

	if res.Changed() {
		if err := p.reload(ctx); err != nil {
			res.Failed("Failed to reload networkd: %v", err)
		}
	}

	return res.Result(), nil
}

// VerifyState checks that every desired interface exists.
func (p *Plugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	var want NetworkConfig
	if err := pluginkit.Decode(desired, &want); err != nil {
		return false, err
	}
	cur, err := p.query(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range want.Interfaces {
		if _, ok := cur.find(w.Name); !ok {
			log.Debug().Str("plugin", Name).Str("interface", w.Name).Msg("Desired interface missing")
			return false, nil
		}
	}
	return true, nil
}

// CreateCheckpoint snapshots the live interfaces and the managed networkd files.
func (p *Plugin) CreateCheckpoint(ctx context.Context) (*engine.Checkpoint, error) {
	state, err := p.query(ctx)
	if err != nil {
		return nil, err
	}
	files, err := p.readManagedFiles(ctx)
	if err != nil {
		return nil, err
	}
	return pluginkit.NewCheckpoint(Name, snapshot{State: *state, Files: files})
}

// Rollback restores the managed networkd files and OVS bridges captured in
// the checkpoint, then reloads systemd-networkd.
func (p *Plugin) Rollback(ctx context.Context, checkpoint *engine.Checkpoint) error {
	if err := pluginkit.CheckOwner(Name, checkpoint); err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(checkpoint.StateSnapshot, &snap); err != nil {
		return fmt.Errorf("invalid checkpoint: %w", err)
	}
	// Without the file set every managed file would be removed.
	if snap.Files == nil {
		return fmt.Errorf("invalid checkpoint: %s has no managed file set", checkpoint.ID)
	}

	var errs []error

	current, err := p.readManagedFiles(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for path := range current {
		if _, keep := snap.Files[path]; !keep {
			if err := p.exec.Remove(ctx, path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, path := range sortedKeys(snap.Files) {
		if current[path] == snap.Files[path] {
			continue
		}
		if err := p.exec.WriteFile(ctx, path, []byte(snap.Files[path]), 0o644); err != nil {
			errs = append(errs, err)
		}
	}

	if err := p.restoreBridges(ctx, snap.State); err != nil {
		errs = append(errs, err)
	}

	if err := p.reload(ctx); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// restoreBridges recreates the OVS bridges and ports of want and removes
// bridges that did not exist.
func (p *Plugin) restoreBridges(ctx context.Context, want NetworkConfig) error {
	live, ok, err := p.ovsBridges(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	wantBridges := make(map[string][]string)
	for _, iface := range want.Interfaces {
		if iface.Type == TypeOVSBridge {
			wantBridges[iface.Name] = iface.Ports
		}
	}

	var errs []error
	for _, br := range sortedKeys(live) {
		if _, keep := wantBridges[br]; !keep {
			if _, err := p.exec.Run(ctx, "ovs-vsctl", "--if-exists", "del-br", br); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, br := range sortedKeys(wantBridges) {
		ports := wantBridges[br]
		livePorts, exists := live[br]
		if !exists {
			if _, err := p.exec.Run(ctx, "ovs-vsctl", "--may-exist", "add-br", br); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		for _, port := range livePorts {
			if !contains(ports, port) {
				if _, err := p.exec.Run(ctx, "ovs-vsctl", "--if-exists", "del-port", br, port); err != nil {
					errs = append(errs, err)
				}
			}
		}
		for _, port := range ports {
			if !contains(livePorts, port) {
				if _, err := p.exec.Run(ctx, "ovs-vsctl", "--may-exist", "add-port", br, port); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// satisfies reports whether the live interface cur meets want. Only the
// fields set in want are compared.
func satisfies(cur, want InterfaceConfig) bool {
	if cur.Type != want.Type && !(want.Type == TypeEthernet && cur.Type == TypeOVSPort) {
		return false
	}
	if want.Ports != nil && !sameSet(cur.Ports, want.Ports) {
		return false
	}
	if want.Controller != "" && cur.Controller != want.Controller {
		return false
	}
	if want.IPv4 != nil && !ipv4Satisfied(cur.IPv4, want.IPv4) {
		return false
	}
	return true
}

// ipv4Satisfied compares the desired addressing mode with the queried one.
// A DHCP interface counts as satisfied once it holds a dynamic lease.
func ipv4Satisfied(cur, want *IPv4Config) bool {
	var have IPv4Config
	if cur != nil {
		have = *cur
	}
	switch {
	case !want.Enabled:
		return !have.Enabled
	case want.DHCP:
		return have.Enabled && have.DHCP
	default:
		return !have.DHCP && sameSet(addressStrings(have.Address), addressStrings(want.Address))
	}
}

func addressStrings(addrs []AddressConfig) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/%d", a.IP, a.Prefix))
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return strings.Join(as, "\x00") == strings.Join(bs, "\x00")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
