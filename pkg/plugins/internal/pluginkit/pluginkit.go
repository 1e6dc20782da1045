// Package pluginkit holds helpers shared by the built-in state plugins.
package pluginkit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/netstate/netstate/pkg/engine"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode unmarshals raw into v and validates it. An empty or null document
// leaves v at its zero value.
func Decode(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	return Validate(v)
}

// Validate runs the struct validation tags on v.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("validation failed: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Encode marshals v, mapping failures to a plugin error.
func Encode(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return b, nil
}

// NewCheckpoint wraps a snapshot into a checkpoint for plugin.
func NewCheckpoint(plugin string, snapshot interface{}) (*engine.Checkpoint, error) {
	raw, err := Encode(snapshot)
	if err != nil {
		return nil, err
	}
	return &engine.Checkpoint{
		ID:            fmt.Sprintf("%s-%s", plugin, uuid.NewString()),
		Plugin:        plugin,
		Timestamp:     time.Now().UTC(),
		StateSnapshot: raw,
	}, nil
}

// CheckOwner rejects a checkpoint that plugin did not take.
func CheckOwner(plugin string, checkpoint *engine.Checkpoint) error {
	if checkpoint == nil {
		return fmt.Errorf("invalid checkpoint: nil")
	}
	if checkpoint.Plugin != plugin {
		return fmt.Errorf("invalid checkpoint: %s belongs to plugin %q, not %q",
			checkpoint.ID, checkpoint.Plugin, plugin)
	}
	return nil
}

// Changes is the payload of a modify action that replaces a whole section.
type Changes struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// ApplyResult collects per-action outcomes into an engine.ApplyResult.
type ApplyResult struct {
	applied []string
	errs    []string
}

// Applied records a successful action.
func (r *ApplyResult) Applied(format string, args ...interface{}) {
	r.applied = append(r.applied, fmt.Sprintf(format, args...))
}

// Failed records a failed action.
func (r *ApplyResult) Failed(format string, args ...interface{}) {
	r.errs = append(r.errs, fmt.Sprintf(format, args...))
}

// Changed reports whether any action succeeded.
func (r *ApplyResult) Changed() bool {
	return len(r.applied) > 0
}

// Result returns the engine result. Success is true when nothing failed.
func (r *ApplyResult) Result() *engine.ApplyResult {
	applied := r.applied
	if applied == nil {
		applied = []string{}
	}
	errs := r.errs
	if errs == nil {
		errs = []string{}
	}
	return &engine.ApplyResult{
		Success:        len(errs) == 0,
		ChangesApplied: applied,
		Errors:         errs,
	}
}
