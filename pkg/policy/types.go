package policy

import (
	"encoding/json"
	"time"

	"github.com/netstate/netstate/pkg/engine"
)

// Severity represents the severity level of a policy finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether findings of this severity deny an apply.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module evaluated against every apply. The module's
// package may define a "deny" set and a "warn" set; each member is either a
// message string or an object with "message" and optional "rule", "plugin",
// "resource" and "severity" keys.
type Policy struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`

	// Builtin marks policies shipped with netstate.
	Builtin bool `json:"builtin,omitempty" yaml:"-"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// Violation is one deny or warn finding.
type Violation struct {
	Policy   string   `json:"policy"`
	Rule     string   `json:"rule,omitempty"`
	Plugin   string   `json:"plugin,omitempty"`
	Resource string   `json:"resource,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	// Diff holds the non-empty diffs keyed by plugin name.
	Diff map[string]*engine.StateDiff `json:"diff"`

	// Desired is the desired-state document being applied.
	Desired *engine.DesiredState `json:"desired,omitempty"`

	// Current optionally holds the queried state per plugin.
	Current map[string]json.RawMessage `json:"current,omitempty"`

	// Target is "local" or the SSH host being managed.
	Target string `json:"target,omitempty"`
}

// NewInput builds an Input from a list of diffs.
func NewInput(diffs []*engine.StateDiff, desired *engine.DesiredState) *Input {
	in := &Input{
		Diff:    make(map[string]*engine.StateDiff, len(diffs)),
		Desired: desired,
	}
	for _, d := range diffs {
		if d == nil {
			continue
		}
		in.Diff[d.Plugin] = d
	}
	return in
}
