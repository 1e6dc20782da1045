package policy

// Built-in policy names.
const (
	PolicyProtectInterfaces = "protect-interfaces"
	PolicyOVSPortController = "ovs-port-controller"
	PolicyDockerOnlyDrift   = "docker-only-drift"
)

// BuiltinPolicies returns the policies shipped with netstate.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectInterfacesPolicy(),
		ovsPortControllerPolicy(),
		dockerOnlyDriftPolicy(),
	}
}

// protectInterfacesPolicy refuses a net diff that would leave the host
// without any managed interface.
func protectInterfacesPolicy() Policy {
	return Policy{
		Name:        PolicyProtectInterfaces,
		Description: "Deny removing every managed network interface of the host",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Rego: `package netstate.builtin.interfaces

desired_interfaces := ifaces if {
	ifaces := object.get(input, ["desired", "plugins", "net", "interfaces"], [])
	is_array(ifaces)
} else := []

net_deletes contains a.resource if {
	some a in input.diff.net.actions
	a.type == "delete"
}

deny contains violation if {
	count(net_deletes) > 0
	count(desired_interfaces) == 0
	violation := {
		"rule": "no_interfaces_left",
		"plugin": "net",
		"message": sprintf("desired state removes every managed interface (%s)", [concat(", ", sort(net_deletes))]),
	}
}
`,
	}
}

// ovsPortControllerPolicy requires every OVS port to name its bridge.
func ovsPortControllerPolicy() Policy {
	return Policy{
		Name:        PolicyOVSPortController,
		Description: "Deny creating or modifying an ovs-port without a controller bridge",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package netstate.builtin.ovs

action_spec(a) := a.config if a.type == "create"

action_spec(a) := a.changes if a.type == "modify"

has_controller(spec) if {
	is_string(spec.controller)
	spec.controller != ""
}

deny contains violation if {
	some a in input.diff.net.actions
	spec := action_spec(a)
	spec.type == "ovs-port"
	not has_controller(spec)
	violation := {
		"rule": "ovs_port_requires_controller",
		"plugin": "net",
		"resource": a.resource,
		"message": sprintf("ovs-port %s has no controller bridge", [a.resource]),
	}
}
`,
	}
}

// dockerOnlyDriftPolicy warns when the only pending changes are container
// drift, which the docker plugin records but does not act on.
func dockerOnlyDriftPolicy() Policy {
	return Policy{
		Name:        PolicyDockerOnlyDrift,
		Description: "Warn when docker is the only plugin with pending changes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package netstate.builtin.docker

warn contains violation if {
	object.keys(input.diff) == {"docker"}
	violation := {
		"rule": "docker_only_drift",
		"plugin": "docker",
		"message": sprintf("only container drift pending (%d actions); docker changes are tracked, not enforced", [count(input.diff.docker.actions)]),
	}
}
`,
	}
}
