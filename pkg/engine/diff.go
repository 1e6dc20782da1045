package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"time"
)

// NewStateDiff builds a diff for plugin with metadata hashed from the raw
// current and desired documents.
func NewStateDiff(plugin string, actions []StateAction, current, desired json.RawMessage) *StateDiff {
	if actions == nil {
		actions = []StateAction{}
	}
	return &StateDiff{
		Plugin:  plugin,
		Actions: actions,
		Metadata: DiffMetadata{
			Timestamp:   time.Now().UTC(),
			CurrentHash: HashState(current),
			DesiredHash: HashState(desired),
		},
	}
}

// HashState returns the hex sha256 of the canonical form of a JSON document.
// Documents that differ only in key order or whitespace hash identically.
func HashState(raw json.RawMessage) string {
	var v interface{}
	data := []byte(raw)
	if err := json.Unmarshal(raw, &v); err == nil {
		if canon, err := json.Marshal(v); err == nil {
			data = canon
		}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StatesEqual compares two JSON documents for semantic equality.
func StatesEqual(a, b json.RawMessage) bool {
	var aVal, bVal interface{}

	if err := json.Unmarshal(a, &aVal); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bVal); err != nil {
		return false
	}

	return reflect.DeepEqual(aVal, bVal)
}
