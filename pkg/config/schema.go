package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/netstate/netstate/pkg/engine"
)

// Built-in schema names.
const (
	SchemaDesiredState = "desired_state"
	SchemaNet          = "net"
	SchemaNetcfg       = "netcfg"
	SchemaDocker       = "docker"
	SchemaNetmaker     = "netmaker"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.Mutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	builtins := map[string]string{
		SchemaNet:          netDefinitions + "\n#Net\n",
		SchemaNetcfg:       netcfgDefinitions + "\n#Netcfg\n",
		SchemaDocker:       dockerDefinitions + "\n#Docker\n",
		SchemaNetmaker:     dockerDefinitions + netmakerDefinitions + "\n#Netmaker\n",
		SchemaDesiredState: netDefinitions + netcfgDefinitions + dockerDefinitions + netmakerDefinitions + desiredStateDefinition,
	}
	for name, src := range builtins {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles and registers a CUE schema under name. The schema
// value itself is the constraint: files declaring definitions should embed
// the root definition.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateJSON validates a JSON document against a named schema. Schema
// violations are returned as ValidationErrors.
func (sr *SchemaRegistry) ValidateJSON(ctx context.Context, schemaName string, data []byte) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// JSON is valid CUE, and compiling keeps integers integral.
	dataVal := sr.ctx.CompileBytes(data, cue.Filename(schemaName+".json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to compile data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// ValidateAgainstSchema validates any JSON-encodable value against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateJSON(ctx, schemaName, raw)
}

// ValidateDesiredState checks the document envelope and every plugin section
// with a built-in schema. Sections of unknown plugins are accepted as-is.
func (sr *SchemaRegistry) ValidateDesiredState(ctx context.Context, desired *engine.DesiredState) error {
	if desired == nil {
		return fmt.Errorf("desired state is nil")
	}
	plugins := desired.Plugins
	if plugins == nil {
		plugins = map[string]json.RawMessage{}
	}
	return sr.ValidateAgainstSchema(ctx, SchemaDesiredState, struct {
		Version uint32                     `json:"version"`
		Plugins map[string]json.RawMessage `json:"plugins"`
	}{desired.Version, plugins})
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:     strings.Join(e.Path(), "."),
			Severity: "error",
		}
		format, args := e.Msg()
		ve.Message = fmt.Sprintf(format, args...)
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
	}
	return out
}

const netDefinitions = `
#Address: {
	ip:     string & =~"^([0-9]{1,3}\\.){3}[0-9]{1,3}$"
	prefix: int & >=0 & <=32
}

#IPv4: {
	enabled:  bool
	dhcp?:    bool
	address?: [...#Address]
	gateway?: string
	dns?:     [...string]
}

#Interface: {
	name:        string & =~"^[^/\\s]{1,15}$"
	type:        "ethernet" | "ovs-bridge" | "ovs-port" | "bridge"
	ports?:      [...string]
	ipv4?:       #IPv4
	controller?: string
	managed?:    bool
}

#Net: {
	interfaces?: [...#Interface]
}
`

const netcfgDefinitions = `
#Route: {
	destination: string & !=""
	gateway:     string & !=""
	interface?:  string
	metric?:     int & >=0
}

#Flow: {
	bridge:      string & !=""
	priority?:   int & >=0 & <=65535
	match_rule?: string
	actions:     string & !=""
}

#DNS: {
	search_domains?: [...string]
	hostname?:       string
}

#Netcfg: {
	routing?:   [...#Route]
	ovs_flows?: [...#Flow]
	dns?:       #DNS
}
`

const dockerDefinitions = `
#Port: {
	host_port?:      string
	container_port?: string
	protocol?:       string
}

#Container: {
	id?:       string
	name:      string & !=""
	image?:    string
	status?:   string
	state?:    "created" | "running" | "paused" | "restarting" | "removing" | "exited" | "dead"
	networks?: [...string]
	ports?:    [...#Port]
	labels?: [string]: string
}

#ContainerFilters: {
	name_pattern?: string
	label_filters?: [string]: string
	status_filter?:  string
	network_filter?: string
}

#Docker: {
	containers?: [...#Container]
	filters?:    #ContainerFilters
}
`

const netmakerDefinitions = `
#NetmakerContainer: {
	#Container
	netmaker_role?:    string
	netmaker_network?: string
	node_id?:          string
}

#NetmakerFilters: {
	name_pattern?:  string
	netmaker_role?: string
	network_name?:  string
	node_id?:       string
}

#Netmaker: {
	containers?: [...#NetmakerContainer]
	filters?:    #NetmakerFilters
}
`

const desiredStateDefinition = `
#DesiredState: {
	version: int & >=1 & <=4294967295
	plugins: {
		net?:      #Net | null
		netcfg?:   #Netcfg | null
		docker?:   #Docker | null
		netmaker?: #Netmaker | null
		[string]: _
	}
}

#DesiredState
`
