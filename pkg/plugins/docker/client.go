package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/netstate/netstate/pkg/executor"
)

// psLine is one line of `docker ps --format '{{json .}}'`.
type psLine struct {
	ID       string `json:"ID"`
	Names    string `json:"Names"`
	Image    string `json:"Image"`
	Status   string `json:"Status"`
	State    string `json:"State"`
	Ports    string `json:"Ports"`
	Labels   string `json:"Labels"`
	Networks string `json:"Networks"`
}

// Available reports whether the docker daemon answers.
func Available(ctx context.Context, exec executor.Executor) bool {
	out, err := executor.Output(ctx, exec, "docker", "info", "--format", "{{.ServerVersion}}")
	return err == nil && out != ""
}

// ListContainers returns every container known to the daemon, sorted by name.
func ListContainers(ctx context.Context, exec executor.Executor) ([]ContainerConfig, error) {
	res, err := exec.Run(ctx, "docker", "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %w", err)
	}

	containers := []ContainerConfig{}
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			return nil, fmt.Errorf("failed to parse docker ps output: %w", err)
		}
		containers = append(containers, ps.container())
	}
	sort.Slice(containers, func(i, j int) bool { return containers[i].Name < containers[j].Name })
	return containers, nil
}

// InspectEnv returns the environment of a container.
func InspectEnv(ctx context.Context, exec executor.Executor, name string) (map[string]string, error) {
	out, err := executor.Output(ctx, exec, "docker", "inspect", "--format", "{{json .Config.Env}}", name)
	if err != nil {
		return nil, err
	}
	var vars []string
	if out != "" && out != "null" {
		if err := json.Unmarshal([]byte(out), &vars); err != nil {
			return nil, fmt.Errorf("failed to parse environment of %s: %w", name, err)
		}
	}
	env := make(map[string]string, len(vars))
	for _, kv := range vars {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env, nil
}

func (ps psLine) container() ContainerConfig {
	c := ContainerConfig{
		ID:     ps.ID,
		Name:   strings.TrimPrefix(strings.Split(ps.Names, ",")[0], "/"),
		Image:  ps.Image,
		Status: ps.Status,
		State:  ContainerState(strings.ToLower(ps.State)),
		Ports:  parsePorts(ps.Ports),
		Labels: parseLabels(ps.Labels),
	}
	if c.State == "" {
		c.State = parseState(ps.Status)
	}
	for _, n := range strings.Split(ps.Networks, ",") {
		if n = strings.TrimSpace(n); n != "" {
			c.Networks = append(c.Networks, n)
		}
	}
	return c
}

// parseState derives the state from a human status such as "Up 3 hours".
func parseState(status string) ContainerState {
	switch {
	case strings.Contains(status, "Up"):
		if strings.Contains(status, "(Paused)") {
			return StatePaused
		}
		return StateRunning
	case strings.Contains(status, "Exited"):
		return StateExited
	case strings.Contains(status, "Paused"):
		return StatePaused
	case strings.Contains(status, "Restarting"):
		return StateRestarting
	case strings.Contains(status, "Removal"), strings.Contains(status, "Removing"):
		return StateRemoving
	case strings.Contains(status, "Dead"):
		return StateDead
	default:
		return StateCreated
	}
}

// parsePorts parses "0.0.0.0:51821->51821/udp, :::51822->51822/udp".
func parsePorts(s string) []PortConfig {
	var ports []PortConfig
	for _, mapping := range strings.Split(s, ", ") {
		host, container, ok := strings.Cut(mapping, "->")
		if !ok {
			continue
		}
		port, proto, ok := strings.Cut(container, "/")
		if !ok {
			continue
		}
		ports = append(ports, PortConfig{
			HostPort:      strings.TrimSpace(host),
			ContainerPort: strings.TrimSpace(port),
			Protocol:      strings.TrimSpace(proto),
		})
	}
	return ports
}

// parseLabels parses "k=v,k2=v2".
func parseLabels(s string) map[string]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels
}
