package network

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/executor"
)

// filePrefix marks networkd files owned by netstate.
const filePrefix = "10-"

func (p *Plugin) networkPath(name string) string {
	return filepath.Join(p.configDir, filePrefix+name+".network")
}

func (p *Plugin) netdevPath(name string) string {
	return filepath.Join(p.configDir, filePrefix+name+".netdev")
}

// configure brings one interface to its desired config.
func (p *Plugin) configure(ctx context.Context, iface InterfaceConfig) error {
	switch iface.Type {
	case TypeOVSBridge:
		if _, err := p.exec.Run(ctx, "ovs-vsctl", "--may-exist", "add-br", iface.Name); err != nil {
			return err
		}
		for _, port := range iface.Ports {
			if _, err := p.exec.Run(ctx, "ovs-vsctl", "--may-exist", "add-port", iface.Name, port); err != nil {
				return err
			}
		}

	case TypeOVSPort:
		if _, err := p.exec.Run(ctx, "ovs-vsctl", "--may-exist", "add-port", iface.Controller, iface.Name); err != nil {
			return err
		}

	case TypeBridge:
		if err := p.exec.WriteFile(ctx, p.netdevPath(iface.Name), []byte(renderNetdev(iface)), 0o644); err != nil {
			return err
		}
	}

	if iface.IPv4 == nil && (iface.Controller == "" || iface.Type == TypeOVSPort) {
		return nil
	}
	return p.exec.WriteFile(ctx, p.networkPath(iface.Name), []byte(renderNetwork(iface)), 0o644)
}

// remove deletes an interface's OVS bridge, if any, and its networkd files.
func (p *Plugin) remove(ctx context.Context, name string) error {
	if executor.Available(ctx, p.exec, "ovs-vsctl") {
		_, err := p.exec.Run(ctx, "ovs-vsctl", "br-exists", name)
		var execErr *executor.ExecError
		switch {
		case err == nil:
			if _, err := p.exec.Run(ctx, "ovs-vsctl", "--if-exists", "del-br", name); err != nil {
				return err
			}
		case !errors.As(err, &execErr):
			return err
		}
	}
	if err := p.exec.Remove(ctx, p.networkPath(name)); err != nil {
		return err
	}
	return p.exec.Remove(ctx, p.netdevPath(name))
}

// reload asks systemd-networkd to pick up changed files.
func (p *Plugin) reload(ctx context.Context) error {
	_, err := p.exec.Run(ctx, "networkctl", "reload")
	if executor.IsNotFound(err) {
		log.Warn().Str("plugin", Name).Msg("networkctl not available, skipping reload")
		return nil
	}
	return err
}

func renderNetdev(iface InterfaceConfig) string {
	var b strings.Builder
	b.WriteString("[NetDev]\n")
	fmt.Fprintf(&b, "Name=%s\n", iface.Name)
	b.WriteString("Kind=bridge\n")
	return b.String()
}

func renderNetwork(iface InterfaceConfig) string {
	var b strings.Builder
	b.WriteString("[Match]\n")
	fmt.Fprintf(&b, "Name=%s\n", iface.Name)
	b.WriteString("\n[Network]\n")

	if iface.Controller != "" && iface.Type != TypeOVSPort {
		fmt.Fprintf(&b, "Bridge=%s\n", iface.Controller)
	}

	if ipv4 := iface.IPv4; ipv4 != nil {
		switch {
		case !ipv4.Enabled:
			b.WriteString("DHCP=no\n")
			b.WriteString("LinkLocalAddressing=no\n")
		case ipv4.DHCP:
			b.WriteString("DHCP=ipv4\n")
		default:
			for _, a := range ipv4.Address {
				fmt.Fprintf(&b, "Address=%s/%d\n", a.IP, a.Prefix)
			}
			if ipv4.Gateway != "" {
				fmt.Fprintf(&b, "Gateway=%s\n", ipv4.Gateway)
			}
		}
		if ipv4.Enabled {
			for _, dns := range ipv4.DNS {
				fmt.Fprintf(&b, "DNS=%s\n", dns)
			}
		}
	}

	return b.String()
}
