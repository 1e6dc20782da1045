package netcfg

import (
	"strconv"
	"strings"
)

// Resources of the modify actions the plugin emits.
const (
	ResourceRouting  = "routing"
	ResourceOVSFlows = "ovs_flows"
	ResourceDNS      = "dns"
)

// NetcfgConfig is the desired section of the "netcfg" plugin and the shape
// of its introspected state. A nil section in desired state is left alone.
type NetcfgConfig struct {
	Routing  *[]RouteConfig   `json:"routing,omitempty"`
	OVSFlows *[]OVSFlowConfig `json:"ovs_flows,omitempty"`
	DNS      *DNSConfig       `json:"dns,omitempty"`
}

// RouteConfig is a gateway route.
type RouteConfig struct {
	Destination string `json:"destination" validate:"required"`
	Gateway     string `json:"gateway" validate:"required,ip"`
	Interface   string `json:"interface,omitempty"`
	Metric      uint32 `json:"metric,omitempty"`
}

// OVSFlowConfig is one OpenFlow rule on an OVS bridge.
type OVSFlowConfig struct {
	Bridge    string `json:"bridge" validate:"required"`
	Priority  uint32 `json:"priority" validate:"lte=65535"`
	MatchRule string `json:"match_rule"`
	Actions   string `json:"actions" validate:"required"`
}

// DNSConfig holds the hostname and resolver search domains.
type DNSConfig struct {
	SearchDomains []string `json:"search_domains,omitempty" validate:"omitempty,dive,required"`
	Hostname      string   `json:"hostname,omitempty" validate:"omitempty,hostname_rfc1123"`
}

// matches reports whether the live route c satisfies r.
func (r RouteConfig) matches(c RouteConfig) bool {
	return r.Destination == c.Destination && r.Gateway == c.Gateway &&
		(r.Interface == "" || r.Interface == c.Interface) &&
		(r.Metric == 0 || r.Metric == c.Metric)
}

func (r RouteConfig) specificity() int {
	n := 0
	if r.Interface != "" {
		n++
	}
	if r.Metric != 0 {
		n++
	}
	return n
}

func (r RouteConfig) ignored() bool {
	return r.Destination == "default" || r.Destination == "0.0.0.0/0" ||
		strings.HasPrefix(r.Destination, "169.254.")
}

func (f OVSFlowConfig) key() string {
	return f.Bridge + "|" + f.spec()
}

// spec renders the flow without actions, as accepted by del-flows --strict.
func (f OVSFlowConfig) spec() string {
	if f.MatchRule == "" {
		return "priority=" + strconv.FormatUint(uint64(f.Priority), 10)
	}
	return "priority=" + strconv.FormatUint(uint64(f.Priority), 10) + "," + f.MatchRule
}
