// Package policy gates reconciliation cycles with Open Policy Agent.
//
// Before the agent applies a desired state it computes the pending diffs and
// evaluates every enabled Rego policy against them. Policies see:
//
//	input.diff      pending diffs keyed by plugin name
//	input.desired   the desired-state document ({version, plugins})
//	input.current   queried state per plugin, when available
//	input.target    "local" or the SSH host
//
// A policy module may define a "deny" set and a "warn" set. Deny entries use
// the policy's severity unless they carry their own; error and critical
// entries block the apply. Warnings are reported but never block.
//
//	package site.bridges
//
//	deny contains msg if {
//		some a in input.diff.net.actions
//		a.type == "delete"
//		startswith(a.resource, "br-")
//		msg := sprintf("bridge %s is protected", [a.resource])
//	}
//
// Built-in policies:
//
//   - protect-interfaces: deny a net diff that removes every managed interface
//   - ovs-port-controller: deny an ovs-port without a controller bridge
//   - docker-only-drift: warn when only container drift is pending
//
// Extra policies are loaded from .rego files (named after the file) or .json
// files holding a Policy object. Modules are parsed as Rego v1. Engine.Watch
// reloads them with fsnotify when they change.
package policy
