package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/engine"
)

// Loader reads desired-state documents and validates them against the
// built-in schemas. YAML and JSON files are parsed by the engine; CUE files
// and directories are evaluated first and exported as JSON.
type Loader struct {
	schemas *SchemaRegistry
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	return &Loader{schemas: NewSchemaRegistry()}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads and validates the desired-state document at path.
func (l *Loader) Load(ctx context.Context, path string) (*engine.DesiredState, error) {
	desired, err := l.parse(path)
	if err != nil {
		return nil, err
	}
	if err := l.Validate(ctx, desired); err != nil {
		return nil, engine.NewConfigError("desired state failed schema validation", err).WithDetail("path", path)
	}

	log.Debug().
		Str("path", path).
		Strs("plugins", desired.PluginNames()).
		Msg("Loaded desired state")
	return desired, nil
}

// Validate checks a parsed desired state against the built-in schemas.
func (l *Loader) Validate(ctx context.Context, desired *engine.DesiredState) error {
	return l.schemas.ValidateDesiredState(ctx, desired)
}

func (l *Loader) parse(path string) (*engine.DesiredState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, engine.NewConfigError("failed to read desired state", err).WithDetail("path", path)
	}
	if info.IsDir() || strings.EqualFold(filepath.Ext(path), ".cue") {
		data, err := l.exportCUE(path, info.IsDir())
		if err != nil {
			return nil, engine.NewConfigError("failed to evaluate CUE desired state", err).WithDetail("path", path)
		}
		return engine.ParseDesiredStateJSON(data)
	}
	return engine.LoadDesiredState(path)
}

// exportCUE evaluates a CUE file or package directory to concrete JSON.
func (l *Loader) exportCUE(path string, dir bool) ([]byte, error) {
	ctx := cuecontext.New()

	var val cue.Value
	if dir {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return nil, fmt.Errorf("no CUE files found in %s", path)
		}
		if err := instances[0].Err; err != nil {
			return nil, convertCUEErrors(err)
		}
		val = ctx.BuildInstance(instances[0])
	} else {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		val = ctx.CompileBytes(content, cue.Filename(path))
	}

	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}
	return val.MarshalJSON()
}
