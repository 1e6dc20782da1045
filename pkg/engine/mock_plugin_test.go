package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// callLog records plugin calls across every mock in a test, in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(plugin, op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, plugin+"."+op)
}

func (l *callLog) filter(op string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, c := range l.calls {
		i := strings.LastIndex(c, ".")
		if c[i+1:] == op {
			out = append(out, c[:i])
		}
	}
	return out
}

// mockState is the typed model behind mockPlugin: a set of resource names.
type mockState struct {
	Items []string `json:"items"`
}

// mockPlugin keeps its state in memory. Diffs create missing items and
// delete extra ones.
type mockPlugin struct {
	name string
	log  *callLog

	mu    sync.Mutex
	items []string

	queryErr      error
	checkpointErr error
	applyErr      error
	rollbackErr   error
	failOnAction  int // 1-based index of the action to fail with Success=false
	verifyResult  *bool
	verifyErr     error
}

func newMockPlugin(name string, log *callLog, items ...string) *mockPlugin {
	return &mockPlugin{name: name, log: log, items: items}
}

func (p *mockPlugin) Name() string    { return p.name }
func (p *mockPlugin) Version() string { return "0.0.1" }

func (p *mockPlugin) Capabilities() PluginCapabilities {
	return PluginCapabilities{SupportsRollback: true, SupportsCheckpoints: true, SupportsVerification: true}
}

func (p *mockPlugin) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.items))
	copy(out, p.items)
	return out
}

func (p *mockPlugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	p.log.add(p.name, "query")
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return json.Marshal(mockState{Items: p.snapshot()})
}

func (p *mockPlugin) CalculateDiff(ctx context.Context, current, desired json.RawMessage) (*StateDiff, error) {
	p.log.add(p.name, "diff")
	var cur, want mockState
	if err := json.Unmarshal(current, &cur); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(desired, &want); err != nil {
		return nil, err
	}

	have := make(map[string]bool)
	for _, i := range cur.Items {
		have[i] = true
	}
	wanted := make(map[string]bool)
	var actions []StateAction
	for _, i := range want.Items {
		wanted[i] = true
		if !have[i] {
			actions = append(actions, CreateAction(i, map[string]string{"name": i}))
		}
	}
	for _, i := range cur.Items {
		if !wanted[i] {
			actions = append(actions, DeleteAction(i))
		}
	}
	return NewStateDiff(p.name, actions, current, desired), nil
}

func (p *mockPlugin) ApplyState(ctx context.Context, diff *StateDiff) (*ApplyResult, error) {
	p.log.add(p.name, "apply")
	if p.applyErr != nil {
		return nil, p.applyErr
	}

	result := &ApplyResult{Success: true, ChangesApplied: []string{}, Errors: []string{}}
	for idx, a := range diff.Actions {
		if p.failOnAction == idx+1 {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to %s %s", a.Type, a.Resource))
			continue
		}
		p.mu.Lock()
		switch a.Type {
		case ActionCreate:
			p.items = append(p.items, a.Resource)
		case ActionDelete:
			kept := p.items[:0]
			for _, i := range p.items {
				if i != a.Resource {
					kept = append(kept, i)
				}
			}
			p.items = kept
		}
		p.mu.Unlock()
		result.ChangesApplied = append(result.ChangesApplied, fmt.Sprintf("%s %s", a.Type, a.Resource))
	}
	return result, nil
}

func (p *mockPlugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	p.log.add(p.name, "verify")
	if p.verifyErr != nil {
		return false, p.verifyErr
	}
	if p.verifyResult != nil {
		return *p.verifyResult, nil
	}
	current, err := p.QueryCurrentState(ctx)
	if err != nil {
		return false, err
	}
	diff, err := p.CalculateDiff(ctx, current, desired)
	if err != nil {
		return false, err
	}
	return diff.Empty(), nil
}

func (p *mockPlugin) CreateCheckpoint(ctx context.Context) (*Checkpoint, error) {
	p.log.add(p.name, "checkpoint")
	if p.checkpointErr != nil {
		return nil, p.checkpointErr
	}
	snap, _ := json.Marshal(mockState{Items: p.snapshot()})
	return &Checkpoint{Plugin: p.name, StateSnapshot: snap}, nil
}

func (p *mockPlugin) Rollback(ctx context.Context, cp *Checkpoint) error {
	p.log.add(p.name, "rollback")
	if p.rollbackErr != nil {
		return p.rollbackErr
	}
	var st mockState
	if err := json.Unmarshal(cp.StateSnapshot, &st); err != nil {
		return err
	}
	p.mu.Lock()
	p.items = st.Items
	p.mu.Unlock()
	return nil
}

// recordingLedger collects appended actions.
type recordingLedger struct {
	mu      sync.Mutex
	actions []string
	details []interface{}
	err     error
}

func (l *recordingLedger) Append(action string, details interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.actions = append(l.actions, action)
	l.details = append(l.details, details)
	return nil
}

// busyLedger always refuses writes.
type busyLedger struct{ attempts int }

func (l *busyLedger) Append(string, interface{}) error { return errors.New("unexpected blocking append") }

func (l *busyLedger) TryAppend(string, interface{}) (bool, error) {
	l.attempts++
	return false, nil
}

func items(names ...string) json.RawMessage {
	if names == nil {
		names = []string{}
	}
	b, _ := json.Marshal(mockState{Items: names})
	return b
}

func boolPtr(b bool) *bool { return &b }
