package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadDesiredState reads a desired-state document from path.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadDesiredState(path string) (*DesiredState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigError("failed to read desired state", err).WithDetail("path", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	var ds *DesiredState
	if ext == ".yaml" || ext == ".yml" {
		ds, err = ParseDesiredStateYAML(data)
	} else {
		ds, err = ParseDesiredStateJSON(data)
	}
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithDetail("path", path)
		}
		return nil, err
	}
	return ds, nil
}

// ParseDesiredStateYAML parses a YAML desired-state document.
// Plugin configurations are converted to JSON.
func ParseDesiredStateYAML(data []byte) (*DesiredState, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, NewConfigError("invalid YAML document", err)
	}
	if len(root.Content) == 0 {
		return nil, NewConfigError("empty document", nil)
	}

	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, NewConfigError("document must be a mapping", nil)
	}

	ds := &DesiredState{Plugins: make(map[string]json.RawMessage)}
	var sawVersion, sawPlugins bool

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		switch key.Value {
		case "version":
			var v int64
			if err := val.Decode(&v); err != nil || v < 0 || v > int64(^uint32(0)) {
				return nil, NewConfigError("version must be a non-negative integer", err)
			}
			ds.Version = uint32(v)
			sawVersion = true
		case "plugins":
			if val.Kind != yaml.MappingNode {
				return nil, NewConfigError("plugins must be a mapping", nil)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				name := val.Content[j].Value
				var cfg interface{}
				if err := val.Content[j+1].Decode(&cfg); err != nil {
					return nil, NewConfigError("invalid plugin configuration", err).WithPlugin(name)
				}
				raw, err := json.Marshal(normalizeYAML(cfg))
				if err != nil {
					return nil, NewConfigError("plugin configuration is not representable as JSON", err).WithPlugin(name)
				}
				if _, dup := ds.Plugins[name]; !dup {
					ds.order = append(ds.order, name)
				}
				ds.Plugins[name] = raw
			}
			sawPlugins = true
		}
	}

	if !sawVersion {
		return nil, NewConfigError("missing field: version", nil)
	}
	if !sawPlugins {
		return nil, NewConfigError("missing field: plugins", nil)
	}
	return ds, nil
}

// ParseDesiredStateJSON parses a JSON desired-state document.
func ParseDesiredStateJSON(data []byte) (*DesiredState, error) {
	var doc struct {
		Version *int64                     `json:"version"`
		Plugins map[string]json.RawMessage `json:"plugins"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewConfigError("invalid JSON document", err)
	}
	if doc.Version == nil {
		return nil, NewConfigError("missing field: version", nil)
	}
	if *doc.Version < 0 || *doc.Version > int64(^uint32(0)) {
		return nil, NewConfigError("version must be a non-negative integer", nil)
	}
	if doc.Plugins == nil {
		return nil, NewConfigError("missing field: plugins", nil)
	}

	order, err := jsonPluginOrder(data)
	if err != nil {
		return nil, NewConfigError("invalid JSON document", err)
	}

	return &DesiredState{
		Version: uint32(*doc.Version),
		Plugins: doc.Plugins,
		order:   order,
	}, nil
}

// jsonPluginOrder walks the token stream to recover the key order of the
// top-level "plugins" object.
func jsonPluginOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil { // top-level {
		return nil, err
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		if key != "plugins" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // plugins {
			return nil, err
		}
		var order []string
		seen := make(map[string]bool)
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			name, _ := tok.(string)
			if !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
		return order, nil
	}
	return nil, io.ErrUnexpectedEOF
}

// normalizeYAML converts map[interface{}]interface{} values that yaml may
// produce into JSON-encodable map[string]interface{}.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
