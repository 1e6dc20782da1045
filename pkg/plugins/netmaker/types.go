package netmaker

import (
	"strings"

	"github.com/netstate/netstate/pkg/plugins/docker"
)

// NetmakerConfig is the desired section of the "netmaker" plugin and the
// shape of its introspected state.
type NetmakerConfig struct {
	Containers []NetmakerContainer `json:"containers" validate:"dive"`
	Filters    *NetmakerFilters    `json:"filters,omitempty"`

	// NetworkAnalysis and Error are only set on introspected state.
	NetworkAnalysis *NetworkAnalysis `json:"network_analysis,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// NetmakerFilters narrow the containers a desired state covers.
type NetmakerFilters struct {
	NamePattern  string `json:"name_pattern,omitempty"`
	NetmakerRole string `json:"netmaker_role,omitempty"`
	NetworkName  string `json:"network_name,omitempty"`
	NodeID       string `json:"node_id,omitempty"`
}

// NetmakerContainer is a docker container enriched with mesh metadata.
type NetmakerContainer struct {
	docker.ContainerConfig

	NetmakerRole    string `json:"netmaker_role,omitempty"`
	NetmakerNetwork string `json:"netmaker_network,omitempty"`
	NodeID          string `json:"node_id,omitempty"`
}

// NetworkAnalysis summarises the mesh nodes found on the host.
type NetworkAnalysis struct {
	TotalNodes         int                 `json:"total_nodes"`
	ConnectedNodes     int                 `json:"connected_nodes"`
	NetworkTopology    map[string][]string `json:"network_topology"`
	ConnectivityHealth map[string]float64  `json:"connectivity_health"`
}

// Match reports whether c passes every set filter.
func (f *NetmakerFilters) Match(c NetmakerContainer) bool {
	if f == nil {
		return true
	}
	switch {
	case f.NamePattern != "" && !strings.Contains(c.Name, f.NamePattern):
		return false
	case f.NetmakerRole != "" && c.NetmakerRole != f.NetmakerRole:
		return false
	case f.NetworkName != "" && c.NetmakerNetwork != f.NetworkName:
		return false
	case f.NodeID != "" && c.NodeID != f.NodeID:
		return false
	}
	return true
}
