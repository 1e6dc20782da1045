// Package plugins assembles the built-in state plugins.
package plugins

import (
	"fmt"

	"github.com/netstate/netstate/pkg/config"
	"github.com/netstate/netstate/pkg/engine"
	"github.com/netstate/netstate/pkg/executor"
	"github.com/netstate/netstate/pkg/plugins/docker"
	"github.com/netstate/netstate/pkg/plugins/netcfg"
	"github.com/netstate/netstate/pkg/plugins/netmaker"
	"github.com/netstate/netstate/pkg/plugins/network"
)

// Names lists the built-in plugins in registration order.
var Names = []string{network.Name, netcfg.Name, docker.Name, netmaker.Name}

// Builtin constructs the enabled built-in plugins, all running their
// commands through exec. An unknown name is an error.
func Builtin(exec executor.Executor, cfg config.PluginsConfig) ([]engine.StatePlugin, error) {
	out := make([]engine.StatePlugin, 0, len(cfg.Enabled))
	seen := make(map[string]bool, len(cfg.Enabled))

	for _, name := range cfg.Enabled {
		if seen[name] {
			continue
		}
		seen[name] = true

		p, err := build(exec, cfg, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func build(exec executor.Executor, cfg config.PluginsConfig, name string) (engine.StatePlugin, error) {
	switch name {
	case network.Name:
		var opts []network.Option
		if cfg.NetworkConfigDir != "" {
			opts = append(opts, network.WithConfigDir(cfg.NetworkConfigDir))
		}
		return network.New(exec, opts...), nil

	case netcfg.Name:
		var opts []netcfg.Option
		if cfg.HostnamePath != "" {
			opts = append(opts, netcfg.WithHostnamePath(cfg.HostnamePath))
		}
		if cfg.ResolvConfPath != "" {
			opts = append(opts, netcfg.WithResolvConfPath(cfg.ResolvConfPath))
		}
		if cfg.MinFlowPriority != 0 {
			opts = append(opts, netcfg.WithMinFlowPriority(cfg.MinFlowPriority))
		}
		return netcfg.New(exec, opts...), nil

	case docker.Name:
		return docker.New(exec), nil

	case netmaker.Name:
		return netmaker.New(exec), nil
	}
	return nil, fmt.Errorf("unknown plugin %q", name)
}

// Register constructs the enabled plugins and registers them with manager.
func Register(manager *engine.StateManager, exec executor.Executor, cfg config.PluginsConfig) error {
	ps, err := Builtin(exec, cfg)
	if err != nil {
		return err
	}
	for _, p := range ps {
		if err := manager.RegisterPlugin(p); err != nil {
			return fmt.Errorf("register plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}
