package docker

import "strings"

// ContainerState is the lifecycle state of a container.
type ContainerState string

const (
	StateCreated    ContainerState = "created"
	StateRunning    ContainerState = "running"
	StatePaused     ContainerState = "paused"
	StateRestarting ContainerState = "restarting"
	StateRemoving   ContainerState = "removing"
	StateExited     ContainerState = "exited"
	StateDead       ContainerState = "dead"
)

// DockerConfig is the desired section of the "docker" plugin and the shape
// of its introspected state.
type DockerConfig struct {
	Containers []ContainerConfig `json:"containers" validate:"dive"`

	// Filters select the containers desired state is authoritative for.
	// Without filters no container is ever reported for removal.
	Filters *ContainerFilters `json:"filters,omitempty"`

	// Error is set on introspected state when the daemon is unreachable.
	Error string `json:"error,omitempty"`
}

// ContainerFilters narrow the containers a desired state covers.
type ContainerFilters struct {
	NamePattern   string            `json:"name_pattern,omitempty"`
	LabelFilters  map[string]string `json:"label_filters,omitempty"`
	StatusFilter  string            `json:"status_filter,omitempty"`
	NetworkFilter string            `json:"network_filter,omitempty"`
}

// ContainerConfig describes one container.
type ContainerConfig struct {
	ID       string            `json:"id,omitempty"`
	Name     string            `json:"name" validate:"required"`
	Image    string            `json:"image,omitempty"`
	Status   string            `json:"status,omitempty"`
	State    ContainerState    `json:"state,omitempty" validate:"omitempty,oneof=created running paused restarting removing exited dead"`
	Networks []string          `json:"networks,omitempty"`
	Ports    []PortConfig      `json:"ports,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// PortConfig is a published port.
type PortConfig struct {
	HostPort      string `json:"host_port"`
	ContainerPort string `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// Match reports whether c passes every set filter.
func (f *ContainerFilters) Match(c ContainerConfig) bool {
	if f == nil {
		return true
	}
	if f.NamePattern != "" && !strings.Contains(c.Name, f.NamePattern) {
		return false
	}
	if f.StatusFilter != "" && !strings.Contains(strings.ToLower(c.Status), strings.ToLower(f.StatusFilter)) {
		return false
	}
	for k, v := range f.LabelFilters {
		if got, ok := c.Labels[k]; !ok || got != v {
			return false
		}
	}
	if f.NetworkFilter != "" {
		found := false
		for _, n := range c.Networks {
			if n == f.NetworkFilter {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
