package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/netstate/netstate/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CompleteRun records a cycle from start to finish.
func ExampleSQLiteStore_CompleteRun() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	run := &stores.Run{
		ID:          "run-001",
		Command:     "apply",
		DesiredPath: "/etc/netstate/state.yaml",
		Status:      stores.RunStatusRunning,
		StartedAt:   time.Now(),
	}
	if err := store.CreateRun(ctx, run); err != nil {
		log.Fatal(err)
	}

	if err := store.SavePluginResult(ctx, &stores.PluginResult{
		RunID:          run.ID,
		Plugin:         "net",
		Phase:          "apply",
		Success:        true,
		ChangesApplied: `["Configured interface: eth0"]`,
	}); err != nil {
		log.Fatal(err)
	}

	if err := store.CompleteRun(ctx, run.ID, stores.RunStatusSucceeded, "success", nil); err != nil {
		log.Fatal(err)
	}

	got, _ := store.GetRun(ctx, run.ID)
	results, _ := store.ListPluginResults(ctx, run.ID)
	fmt.Printf("%s %s %s %d\n", got.ID, got.Status, got.Outcome, len(results))
	// Output: run-001 succeeded success 1
}

// ExampleSQLiteStore_ListEvents filters events by level.
func ExampleSQLiteStore_ListEvents() {
	ctx := context.Background()
	store, err := stores.Open(ctx, ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	plugin := "netcfg"
	_ = store.AppendEvent(ctx, &stores.Event{Type: "cycle.started", Level: stores.EventLevelInfo, Message: "Cycle started"})
	_ = store.AppendEvent(ctx, &stores.Event{Plugin: &plugin, Type: "plugin.rollback", Level: stores.EventLevelError, Message: "Rollback failed"})

	level := stores.EventLevelError
	events, _ := store.ListEvents(ctx, stores.EventQuery{Level: &level})
	for _, e := range events {
		fmt.Printf("%s %s: %s\n", *e.Plugin, e.Type, e.Message)
	}
	// Output: netcfg plugin.rollback: Rollback failed
}
