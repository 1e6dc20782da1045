package network

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/executor"
)

type link struct {
	Name string `json:"Name"`
	Type string `json:"Type"`
}

// query introspects the host. Missing tools degrade the result instead of
// failing it.
func (p *Plugin) query(ctx context.Context) (*NetworkConfig, error) {
	state := &NetworkConfig{Interfaces: []InterfaceConfig{}}

	links, err := p.listLinks(ctx)
	switch {
	case executor.IsNotFound(err):
		log.Warn().Str("plugin", Name).Msg("networkctl not available, interface list is empty")
		state.Unavailable = append(state.Unavailable, "networkctl")
	case err != nil:
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	for _, l := range links {
		typ, ok := linkType(l)
		if !ok {
			continue
		}
		iface := InterfaceConfig{Name: l.Name, Type: typ}
		ipv4, err := p.addresses(ctx, l.Name)
		if err != nil {
			return nil, err
		}
		iface.IPv4 = ipv4
		state.Interfaces = append(state.Interfaces, iface)
	}

	bridges, ok, err := p.ovsBridges(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		state.Unavailable = append(state.Unavailable, "ovs-vsctl")
	}
	for _, br := range sortedKeys(bridges) {
		ports := bridges[br]
		if iface, found := state.find(br); found {
			iface.Type = TypeOVSBridge
			iface.Ports = ports
		} else {
			state.Interfaces = append(state.Interfaces, InterfaceConfig{Name: br, Type: TypeOVSBridge, Ports: ports})
		}
		for _, port := range ports {
			if iface, found := state.find(port); found {
				iface.Type = TypeOVSPort
				iface.Controller = br
			} else {
				state.Interfaces = append(state.Interfaces, InterfaceConfig{Name: port, Type: TypeOVSPort, Controller: br})
			}
		}
	}

	managed, err := p.managedNames(ctx)
	if err != nil {
		return nil, err
	}
	for i := range state.Interfaces {
		state.Interfaces[i].Managed = managed[state.Interfaces[i].Name]
	}

	sort.Slice(state.Interfaces, func(i, j int) bool {
		return state.Interfaces[i].Name < state.Interfaces[j].Name
	})
	return state, nil
}

// listLinks asks networkctl for the link list, falling back to the plain
// table on versions without JSON output.
func (p *Plugin) listLinks(ctx context.Context) ([]link, error) {
	res, err := p.exec.Run(ctx, "networkctl", "list", "--json=short")
	if err == nil {
		if links, perr := parseLinksJSON(res.Stdout); perr == nil {
			return links, nil
		}
	} else if executor.IsNotFound(err) {
		return nil, err
	}

	res, err = p.exec.Run(ctx, "networkctl", "list", "--no-legend", "--no-pager")
	if err != nil {
		return nil, err
	}
	return parseLinksTable(res.Stdout), nil
}

func parseLinksJSON(out string) ([]link, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var links []link
		if err := json.Unmarshal([]byte(trimmed), &links); err != nil {
			return nil, err
		}
		return links, nil
	}
	var doc struct {
		Interfaces []link `json:"Interfaces"`
	}
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, err
	}
	return doc.Interfaces, nil
}

// parseLinksTable parses "IDX LINK TYPE OPERATIONAL SETUP" lines.
func parseLinksTable(out string) []link {
	var links []link
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		links = append(links, link{Name: fields[1], Type: fields[2]})
	}
	return links
}

func linkType(l link) (InterfaceType, bool) {
	if l.Name == "" || l.Name == "lo" || l.Name == "ovs-system" {
		return "", false
	}
	switch strings.ToLower(l.Type) {
	case "loopback":
		return "", false
	case "bridge":
		return TypeBridge, true
	default:
		return TypeEthernet, true
	}
}

// addresses reads the IPv4 addresses of an interface. A missing ip binary
// yields no addresses.
func (p *Plugin) addresses(ctx context.Context, name string) (*IPv4Config, error) {
	res, err := p.exec.Run(ctx, "ip", "-4", "addr", "show", "dev", name)
	if err != nil {
		var execErr *executor.ExecError
		if executor.IsNotFound(err) || errors.As(err, &execErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read addresses of %s: %w", name, err)
	}
	return parseAddresses(res.Stdout), nil
}

// parseAddresses extracts "inet A/P" lines from ip addr output.
func parseAddresses(out string) *IPv4Config {
	var cfg *IPv4Config
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "inet" {
			continue
		}
		ip, prefix, ok := strings.Cut(fields[1], "/")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(prefix, 10, 8)
		if err != nil {
			continue
		}
		if cfg == nil {
			cfg = &IPv4Config{Enabled: true}
		}
		cfg.Address = append(cfg.Address, AddressConfig{IP: ip, Prefix: uint8(n)})
		for _, f := range fields[2:] {
			if f == "dynamic" {
				cfg.DHCP = true
			}
		}
	}
	return cfg
}

// ovsBridges maps each OVS bridge to its ports. ok is false when Open vSwitch
// is not installed.
func (p *Plugin) ovsBridges(ctx context.Context) (map[string][]string, bool, error) {
	if !executor.Available(ctx, p.exec, "ovs-vsctl") {
		return nil, false, nil
	}
	res, err := p.exec.Run(ctx, "ovs-vsctl", "list-br")
	if err != nil {
		return nil, true, fmt.Errorf("failed to list OVS bridges: %w", err)
	}
	bridges := make(map[string][]string)
	for _, br := range strings.Fields(res.Stdout) {
		ports, err := p.exec.Run(ctx, "ovs-vsctl", "list-ports", br)
		if err != nil {
			return nil, true, fmt.Errorf("failed to list ports of %s: %w", br, err)
		}
		list := strings.Fields(ports.Stdout)
		if list == nil {
			list = []string{}
		}
		bridges[br] = list
	}
	return bridges, true, nil
}

// managedNames returns the interfaces that have a netstate-owned networkd file.
func (p *Plugin) managedNames(ctx context.Context) (map[string]bool, error) {
	paths, err := p.managedPaths(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		base = strings.TrimPrefix(base, filePrefix)
		base = strings.TrimSuffix(strings.TrimSuffix(base, ".network"), ".netdev")
		names[base] = true
	}
	return names, nil
}

func (p *Plugin) managedPaths(ctx context.Context) ([]string, error) {
	var paths []string
	for _, ext := range []string{".network", ".netdev"} {
		matches, err := p.exec.Glob(ctx, filepath.Join(p.configDir, filePrefix+"*"+ext))
		if err != nil {
			return nil, fmt.Errorf("failed to list networkd files: %w", err)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

// readManagedFiles returns the content of every managed networkd file.
func (p *Plugin) readManagedFiles(ctx context.Context) (map[string]string, error) {
	paths, err := p.managedPaths(ctx)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := p.exec.ReadFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		files[path] = string(data)
	}
	return files, nil
}
