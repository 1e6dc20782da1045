package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a file-backed SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func createRun(t *testing.T, store *SQLiteStore, id string, startedAt time.Time) *Run {
	t.Helper()
	run := &Run{
		ID:          id,
		Command:     "apply",
		DesiredPath: "/etc/netstate/state.yaml",
		DesiredHash: "abc123",
		Status:      RunStatusRunning,
		StartedAt:   startedAt,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	return run
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// Migrating twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "plugin_results", "checkpoints", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunLifecycle tests create, complete, get and list
func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := createRun(t, store, "run-001", base)

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusRunning || got.CompletedAt != nil {
		t.Errorf("unexpected new run: %+v", got)
	}
	if got.Target != "local" || got.Metadata != "{}" {
		t.Errorf("expected defaults, got target=%q metadata=%q", got.Target, got.Metadata)
	}
	if !got.StartedAt.Equal(base) {
		t.Errorf("expected StartedAt %v, got %v", base, got.StartedAt)
	}

	errMsg := "[apply_failure] plugin reported failure (plugin=net)"
	if err := store.CompleteRun(ctx, run.ID, RunStatusFailed, "apply_failed", &errMsg); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusFailed || got.Outcome != "apply_failed" {
		t.Errorf("unexpected completed run: %+v", got)
	}
	if got.Error == nil || *got.Error != errMsg {
		t.Errorf("expected error %q, got %v", errMsg, got.Error)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := store.CompleteRun(ctx, run.ID, RunStatusRunning, "", nil); err == nil {
		t.Error("expected non-terminal status to be rejected")
	}
}

func TestRunNotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun: expected ErrRunNotFound, got %v", err)
	}
	if err := store.CompleteRun(ctx, "missing", RunStatusSucceeded, "success", nil); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("CompleteRun: expected ErrRunNotFound, got %v", err)
	}
	if err := store.DeleteRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("DeleteRun: expected ErrRunNotFound, got %v", err)
	}
}

func TestListRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"run-a", "run-b", "run-c"} {
		createRun(t, store, id, base.Add(time.Duration(i)*time.Minute))
	}

	runs, err := store.ListRuns(ctx, 0, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-c" || runs[2].ID != "run-a" {
		t.Errorf("expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
	}

	page, err := store.ListRuns(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Errorf("unexpected page: %v", page)
	}
}

func TestPluginResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createRun(t, store, "run-001", time.Now())

	diff := `{"plugin":"net","actions":[{"type":"create","resource":"veth0"}]}`
	results := []*PluginResult{
		{RunID: run.ID, Plugin: "net", Phase: "diff", Success: true, Actions: 1, Diff: &diff},
		{RunID: run.ID, Plugin: "net", Phase: "apply", Success: true, ChangesApplied: `["Configured interface: veth0"]`},
		{RunID: run.ID, Plugin: "net", Phase: "verify", Success: false, Errors: `["state verification failed"]`},
	}
	for _, r := range results {
		if err := store.SavePluginResult(ctx, r); err != nil {
			t.Fatalf("failed to save plugin result: %v", err)
		}
		if r.ID == 0 {
			t.Error("expected ID to be assigned")
		}
	}

	got, err := store.ListPluginResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list plugin results: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got))
	}
	if got[0].Phase != "diff" || got[0].Diff == nil || *got[0].Diff != diff {
		t.Errorf("unexpected diff result: %+v", got[0])
	}
	if got[1].ChangesApplied != `["Configured interface: veth0"]` || got[1].Errors != "[]" {
		t.Errorf("unexpected apply result: %+v", got[1])
	}
	if got[2].Success {
		t.Error("expected verify result to be unsuccessful")
	}

	if err := store.SavePluginResult(ctx, &PluginResult{RunID: "missing", Plugin: "net", Phase: "apply"}); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestCheckpoints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createRun(t, store, "run-001", time.Now())
	now := time.Now()

	records := []*CheckpointRecord{
		{ID: "net-1", RunID: run.ID, Plugin: "net", Seq: 0, TakenAt: now, Snapshot: `{"state":{}}`},
		{ID: "netcfg-1", RunID: run.ID, Plugin: "netcfg", Seq: 1, TakenAt: now, Snapshot: `{}`},
	}
	if err := store.SaveCheckpoints(ctx, records); err != nil {
		t.Fatalf("failed to save checkpoints: %v", err)
	}

	got, err := store.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list checkpoints: %v", err)
	}
	if len(got) != 2 || got[0].Plugin != "net" || got[1].Plugin != "netcfg" {
		t.Fatalf("unexpected checkpoints: %+v", got)
	}
	if got[0].Backend != nil {
		t.Error("expected no backend handle")
	}

	// A duplicate ID aborts the whole batch.
	dup := []*CheckpointRecord{
		{ID: "docker-1", RunID: run.ID, Plugin: "docker", Seq: 2, TakenAt: now, Snapshot: `{}`},
		{ID: "net-1", RunID: run.ID, Plugin: "net", Seq: 3, TakenAt: now, Snapshot: `{}`},
	}
	if err := store.SaveCheckpoints(ctx, dup); err == nil {
		t.Fatal("expected duplicate checkpoint to fail")
	}
	got, err = store.ListCheckpoints(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list checkpoints: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected rolled back batch, got %d checkpoints", len(got))
	}
}

// TestEventOperations tests event append and filtering
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createRun(t, store, "run-001", time.Now())

	net, netcfg := "net", "netcfg"
	events := []*Event{
		{RunID: &run.ID, Type: "cycle.started", Level: EventLevelInfo, Message: "Cycle started"},
		{RunID: &run.ID, Plugin: &net, Type: "plugin.applied", Level: EventLevelInfo, Message: "Applied state"},
		{RunID: &run.ID, Plugin: &netcfg, Type: "plugin.rollback", Level: EventLevelError, Message: "Rollback failed"},
		{Type: "ledger.skipped", Level: EventLevelWarning, Message: "Ledger busy"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	all, err := store.ListEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(all) != 4 || all[0].Type != "cycle.started" || all[3].RunID != nil {
		t.Errorf("unexpected events: %d", len(all))
	}

	level := EventLevelError
	tests := []struct {
		name  string
		query EventQuery
		want  int
	}{
		{"by run", EventQuery{RunID: &run.ID}, 3},
		{"by plugin", EventQuery{Plugin: &net}, 1},
		{"by level", EventQuery{Level: &level}, 1},
		{"limit", EventQuery{Limit: 2}, 2},
		{"offset", EventQuery{Limit: 10, Offset: 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListEvents(ctx, tt.query)
			if err != nil {
				t.Fatalf("failed to list events: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(got))
			}
		})
	}
}

// TestCascadeDelete tests foreign key cascading
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	run := createRun(t, store, "run-001", time.Now())

	if err := store.SavePluginResult(ctx, &PluginResult{RunID: run.ID, Plugin: "net", Phase: "apply", Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCheckpoints(ctx, []*CheckpointRecord{{ID: "cp", RunID: run.ID, Plugin: "net", TakenAt: time.Now(), Snapshot: "{}"}}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendEvent(ctx, &Event{RunID: &run.ID, Type: "cycle.started", Level: EventLevelInfo, Message: "x"}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	results, _ := store.ListPluginResults(ctx, run.ID)
	checkpoints, _ := store.ListCheckpoints(ctx, run.ID)
	events, _ := store.ListEvents(ctx, EventQuery{RunID: &run.ID})
	if len(results) != 0 || len(checkpoints) != 0 || len(events) != 0 {
		t.Errorf("expected cascade delete, got %d results, %d checkpoints, %d events",
			len(results), len(checkpoints), len(events))
	}
}
