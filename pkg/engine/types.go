package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DesiredState is the operator-declared target configuration for one cycle.
// It is loaded once per invocation and never mutated afterwards.
type DesiredState struct {
	// Version is the document schema version.
	Version uint32 `json:"version" yaml:"version"`

	// Plugins maps a plugin name to its plugin-specific configuration.
	Plugins map[string]json.RawMessage `json:"plugins" yaml:"-"`

	// order holds the plugin names in document order.
	order []string
}

// NewDesiredState returns an empty desired state with the given version.
func NewDesiredState(version uint32) *DesiredState {
	return &DesiredState{
		Version: version,
		Plugins: make(map[string]json.RawMessage),
	}
}

// With returns a copy of the desired state with the named plugin config
// appended. It panics if cfg cannot be encoded; use WithConfig for values
// that are not known to encode.
func (d *DesiredState) With(name string, cfg interface{}) *DesiredState {
	next, err := d.WithConfig(name, cfg)
	if err != nil {
		panic(err)
	}
	return next
}

// WithConfig is like With but returns the encoding error.
// cfg may be a json.RawMessage, []byte or any value encodable as JSON.
func (d *DesiredState) WithConfig(name string, cfg interface{}) (*DesiredState, error) {
	raw, err := toRaw(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config of plugin %s: %w", name, err)
	}

	next := &DesiredState{
		Version: d.Version,
		Plugins: make(map[string]json.RawMessage, len(d.Plugins)+1),
		order:   make([]string, 0, len(d.order)+1),
	}
	for _, n := range d.PluginNames() {
		next.Plugins[n] = d.Plugins[n]
		if n != name {
			next.order = append(next.order, n)
		}
	}
	next.Plugins[name] = raw
	next.order = append(next.order, name)
	return next, nil
}

// PluginNames returns the plugin names in document order. When the order is
// unknown (for example a struct literal) the names are returned sorted.
func (d *DesiredState) PluginNames() []string {
	if len(d.order) == len(d.Plugins) {
		consistent := true
		for _, n := range d.order {
			if _, ok := d.Plugins[n]; !ok {
				consistent = false
				break
			}
		}
		if consistent {
			out := make([]string, len(d.order))
			copy(out, d.order)
			return out
		}
	}

	names := make([]string, 0, len(d.Plugins))
	for n := range d.Plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CurrentState is an introspected snapshot of every registered plugin.
// It is rebuilt from scratch on every query.
type CurrentState struct {
	// Plugins maps a plugin name to its raw query result.
	Plugins map[string]json.RawMessage `json:"plugins"`
}

// ActionType identifies the kind of a StateAction.
type ActionType string

const (
	// ActionCreate creates a resource that does not exist yet.
	ActionCreate ActionType = "create"

	// ActionModify changes an existing resource.
	ActionModify ActionType = "modify"

	// ActionDelete removes an existing resource.
	ActionDelete ActionType = "delete"

	// ActionNoOp records a resource that needs no change.
	ActionNoOp ActionType = "noop"
)

// StateAction is one step of a StateDiff. Config is set for create actions,
// Changes for modify actions; Resource is an opaque plugin-defined identifier.
type StateAction struct {
	// Type is the action kind.
	Type ActionType `json:"type"`

	// Resource identifies the resource the action targets.
	Resource string `json:"resource"`

	// Config is the full configuration of a resource to create.
	Config json.RawMessage `json:"config,omitempty"`

	// Changes describes the modification of an existing resource.
	Changes json.RawMessage `json:"changes,omitempty"`
}

// NewCreateAction builds a create action carrying config.
func NewCreateAction(resource string, config interface{}) (StateAction, error) {
	raw, err := toRaw(config)
	if err != nil {
		return StateAction{}, fmt.Errorf("encode create of %s: %w", resource, err)
	}
	return StateAction{Type: ActionCreate, Resource: resource, Config: raw}, nil
}

// NewModifyAction builds a modify action carrying changes.
func NewModifyAction(resource string, changes interface{}) (StateAction, error) {
	raw, err := toRaw(changes)
	if err != nil {
		return StateAction{}, fmt.Errorf("encode modify of %s: %w", resource, err)
	}
	return StateAction{Type: ActionModify, Resource: resource, Changes: raw}, nil
}

// CreateAction is like NewCreateAction but panics if config cannot be encoded.
func CreateAction(resource string, config interface{}) StateAction {
	return mustAction(NewCreateAction(resource, config))
}

// ModifyAction is like NewModifyAction but panics if changes cannot be encoded.
func ModifyAction(resource string, changes interface{}) StateAction {
	return mustAction(NewModifyAction(resource, changes))
}

func mustAction(a StateAction, err error) StateAction {
	if err != nil {
		panic(err)
	}
	return a
}

// DeleteAction builds a delete action.
func DeleteAction(resource string) StateAction {
	return StateAction{Type: ActionDelete, Resource: resource}
}

// NoOpAction builds a no-op action.
func NoOpAction(resource string) StateAction {
	return StateAction{Type: ActionNoOp, Resource: resource}
}

// DiffMetadata describes when and between which states a diff was computed.
type DiffMetadata struct {
	// Timestamp is when the diff was calculated.
	Timestamp time.Time `json:"timestamp"`

	// CurrentHash is the hash of the current state the diff started from.
	CurrentHash string `json:"current_hash"`

	// DesiredHash is the hash of the desired plugin configuration.
	DesiredHash string `json:"desired_hash"`
}

// StateDiff is the ordered list of actions that moves one plugin from its
// current state to its desired state.
type StateDiff struct {
	// Plugin is the name of the owning plugin.
	Plugin string `json:"plugin"`

	// Actions are applied in order.
	Actions []StateAction `json:"actions"`

	// Metadata records the inputs of the diff.
	Metadata DiffMetadata `json:"metadata"`
}

// Empty reports whether the diff carries no actions.
func (d *StateDiff) Empty() bool {
	return d == nil || len(d.Actions) == 0
}

// Checkpoint is a plugin-specific restore point captured before any mutation.
// It is only meaningful to the plugin that created it.
type Checkpoint struct {
	// ID is the unique identifier of this checkpoint.
	ID string `json:"id"`

	// Plugin is the name of the plugin that created the checkpoint.
	Plugin string `json:"plugin"`

	// Timestamp is when the checkpoint was taken.
	Timestamp time.Time `json:"timestamp"`

	// StateSnapshot is the plugin state at checkpoint time.
	StateSnapshot json.RawMessage `json:"state_snapshot"`

	// BackendCheckpoint is an optional handle into a backend snapshot facility.
	BackendCheckpoint json.RawMessage `json:"backend_checkpoint,omitempty"`
}

// NamedCheckpoint pairs a checkpoint with the plugin name it was collected for.
type NamedCheckpoint struct {
	Name       string     `json:"name"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

// ApplyResult is the outcome of applying one diff.
type ApplyResult struct {
	// Plugin is filled in by the manager with the applying plugin's name.
	Plugin string `json:"plugin,omitempty"`

	// Success is false when any action failed.
	Success bool `json:"success"`

	// ChangesApplied lists a human-readable line per applied action.
	ChangesApplied []string `json:"changes_applied"`

	// Errors lists a message per failed action.
	Errors []string `json:"errors"`

	// Checkpoint is set when the plugin captured a checkpoint during apply.
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// PluginCapabilities are advertised by a plugin. They are informational:
// the manager checkpoints and rolls back every plugin regardless.
type PluginCapabilities struct {
	SupportsRollback     bool `json:"supports_rollback"`
	SupportsCheckpoints  bool `json:"supports_checkpoints"`
	SupportsVerification bool `json:"supports_verification"`
	AtomicOperations     bool `json:"atomic_operations"`
}

// ApplyReport is the result of one successful reconciliation cycle.
type ApplyReport struct {
	// Success is true when every diff applied and verified.
	Success bool `json:"success"`

	// Results holds one entry per applied diff, in apply order.
	Results []ApplyResult `json:"results"`

	// Checkpoints are the checkpoints collected in phase one, in creation order.
	Checkpoints []NamedCheckpoint `json:"checkpoints"`
}

func toRaw(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
