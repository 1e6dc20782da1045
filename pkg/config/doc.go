// Package config loads the netstate agent configuration and validates
// desired-state documents.
//
// # Agent configuration
//
// The agent reads a TOML file, by default /etc/netstate/config.toml or the
// path in NETSTATE_CONFIG. Keys left unset keep the values from Default:
//
//	[agent]
//	desired_state = "/etc/netstate/state.yaml"
//	ledger_path   = "/var/lib/netstate/ledger.jsonl"
//	history_path  = "/var/lib/netstate/history.db"
//
//	[logging]
//	level  = "debug"
//	format = "json"
//
//	[plugins]
//	enabled            = ["net", "netcfg"]
//	network_config_dir = "/etc/systemd/network"
//	min_flow_priority  = 200
//
//	[remote]
//	host = "edge-01"
//	user = "root"
//
//	[watch]
//	debounce = "5s"
//
// # Desired state
//
// Loader accepts YAML, JSON and CUE documents. Every document is checked
// against a CUE schema that constrains the envelope and the sections of the
// built-in plugins:
//
//	version: 1
//	plugins: {
//		net: interfaces: [{
//			name: "br0"
//			type: "ovs-bridge"
//			ports: ["eth1"]
//		}]
//	}
//
// Sections naming an unknown plugin pass validation unchanged.
package config
