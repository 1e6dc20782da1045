package netcfg

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/netstate/netstate/pkg/executor"
)

// ovs-ofctl prints flows without an explicit priority at this value.
const defaultFlowPriority = 32768

// queryFlows lists the managed flows of every OVS bridge. Without Open
// vSwitch the list is empty.
func (p *Plugin) queryFlows(ctx context.Context) ([]OVSFlowConfig, error) {
	flows := []OVSFlowConfig{}
	if !executor.Available(ctx, p.exec, "ovs-vsctl") {
		return flows, nil
	}

	res, err := p.exec.Run(ctx, "ovs-vsctl", "list-br")
	if err != nil {
		return nil, fmt.Errorf("failed to list OVS bridges: %w", err)
	}
	for _, br := range strings.Fields(res.Stdout) {
		dump, err := p.exec.Run(ctx, "ovs-ofctl", "dump-flows", br, "--no-stats")
		if err != nil {
			return nil, fmt.Errorf("failed to dump flows of %s: %w", br, err)
		}
		for _, f := range parseFlows(br, dump.Stdout) {
			if f.Priority >= p.minFlowPriority {
				flows = append(flows, f)
			}
		}
	}

	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].Bridge != flows[j].Bridge {
			return flows[i].Bridge < flows[j].Bridge
		}
		return flows[i].Priority > flows[j].Priority
	})
	return flows, nil
}

// parseFlows parses dump-flows lines such as
// " cookie=0x0, priority=200,ip,nw_dst=10.0.0.0/8 actions=drop".
func parseFlows(bridge, out string) []OVSFlowConfig {
	var flows []OVSFlowConfig
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		head, actions, ok := strings.Cut(line, " actions=")
		if !ok {
			if strings.HasPrefix(line, "actions=") {
				head, actions = "", strings.TrimPrefix(line, "actions=")
			} else {
				continue
			}
		}

		f := OVSFlowConfig{Bridge: bridge, Priority: defaultFlowPriority, Actions: strings.TrimSpace(actions)}
		var match []string
		for _, part := range strings.Split(strings.ReplaceAll(head, ", ", ","), ",") {
			part = strings.TrimSpace(part)
			key, val, _ := strings.Cut(part, "=")
			switch {
			case part == "":
			case key == "priority":
				if n, err := strconv.ParseUint(val, 10, 32); err == nil {
					f.Priority = uint32(n)
				}
			case key == "cookie", key == "duration", key == "n_packets", key == "n_bytes",
				key == "idle_age", key == "hard_age", part == "table=0":
			default:
				match = append(match, part)
			}
		}
		f.MatchRule = strings.Join(match, ",")
		flows = append(flows, f)
	}
	return flows
}

func flowsMatch(cur, want []OVSFlowConfig) bool {
	if len(cur) != len(want) {
		return false
	}
	have := make(map[string]string, len(cur))
	for _, c := range cur {
		have[c.key()] = c.Actions
	}
	for _, w := range want {
		actions, ok := have[w.key()]
		if !ok || actions != w.Actions {
			return false
		}
	}
	return true
}

// applyFlows replaces the managed flows with want, touching only flows that
// differ.
func (p *Plugin) applyFlows(ctx context.Context, want []OVSFlowConfig) error {
	current, err := p.queryFlows(ctx)
	if err != nil {
		return err
	}

	checked := make(map[string]bool)
	for _, w := range want {
		if checked[w.Bridge] {
			continue
		}
		if _, err := p.exec.Run(ctx, "ovs-vsctl", "br-exists", w.Bridge); err != nil {
			return fmt.Errorf("OVS bridge '%s' does not exist: %w", w.Bridge, err)
		}
		checked[w.Bridge] = true
	}

	wanted := make(map[string]string, len(want))
	for _, w := range want {
		wanted[w.key()] = w.Actions
	}
	have := make(map[string]string, len(current))
	for _, c := range current {
		have[c.key()] = c.Actions
		if actions, ok := wanted[c.key()]; ok && actions == c.Actions {
			continue
		}
		if _, err := p.exec.Run(ctx, "ovs-ofctl", "--strict", "del-flows", c.Bridge, c.spec()); err != nil {
			return fmt.Errorf("failed to delete flow %s on %s: %w", c.spec(), c.Bridge, err)
		}
	}

	for _, w := range want {
		if actions, ok := have[w.key()]; ok && actions == w.Actions {
			continue
		}
		flow := w.spec() + ",actions=" + w.Actions
		if _, err := p.exec.Run(ctx, "ovs-ofctl", "add-flow", w.Bridge, flow); err != nil {
			return fmt.Errorf("failed to add flow %s on %s: %w", w.spec(), w.Bridge, err)
		}
	}
	return nil
}
