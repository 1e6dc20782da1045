package engine

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	log := &callLog{}

	if err := r.Register(nil); err == nil {
		t.Error("expected error for nil plugin")
	}
	if err := r.Register(newMockPlugin("", log)); err == nil {
		t.Error("expected error for empty name")
	}

	first := newMockPlugin("net", log)
	second := newMockPlugin("net", log)
	if err := r.Register(first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(second); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(newMockPlugin("docker", log)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, ok := r.Get("net")
	if !ok || got != StatePlugin(second) {
		t.Error("re-registering should replace the plugin")
	}
	if _, ok := r.Get("ghost"); ok {
		t.Error("unexpected plugin")
	}
	if names := r.Names(); !reflect.DeepEqual(names, []string{"docker", "net"}) {
		t.Errorf("Names = %v", names)
	}
}

func TestRegistrationWaitsForCycle(t *testing.T) {
	log := &callLog{}
	gate := make(chan struct{})
	entered := make(chan struct{})
	p := &gatedPlugin{mockPlugin: newMockPlugin("a", log), gate: gate, entered: entered}
	m := NewStateManager()
	if err := m.RegisterPlugin(p); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.ApplyState(context.Background(), NewDesiredState(1).With("a", items()))
	}()
	<-entered

	registered := make(chan struct{})
	go func() {
		_ = m.RegisterPlugin(newMockPlugin("b", log))
		close(registered)
	}()

	select {
	case <-registered:
		t.Fatal("registration should block while a cycle holds the registry")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-done
	select {
	case <-registered:
	case <-time.After(time.Second):
		t.Fatal("registration did not complete after the cycle")
	}
}

// gatedPlugin blocks in CreateCheckpoint until gate is closed.
type gatedPlugin struct {
	*mockPlugin
	gate    chan struct{}
	entered chan struct{}
}

func (p *gatedPlugin) CreateCheckpoint(ctx context.Context) (*Checkpoint, error) {
	close(p.entered)
	<-p.gate
	return p.mockPlugin.CreateCheckpoint(ctx)
}
