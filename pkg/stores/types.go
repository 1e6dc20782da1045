package stores

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// RunStatus represents the status of a reconciliation run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusRejected  RunStatus = "rejected"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one invocation of apply, diff or a watch-triggered apply.
type Run struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	DesiredPath string     `json:"desired_path"`
	DesiredHash string     `json:"desired_hash"`
	Target      string     `json:"target"` // "local" or the SSH host
	Status      RunStatus  `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob
}

// PluginResult records one plugin phase of a run.
type PluginResult struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	Plugin         string    `json:"plugin"`
	Phase          string    `json:"phase"` // diff, apply, verify, rollback
	Success        bool      `json:"success"`
	Actions        int       `json:"actions"`
	ChangesApplied string    `json:"changes_applied"` // JSON array
	Errors         string    `json:"errors"`          // JSON array
	Diff           *string   `json:"diff,omitempty"`  // JSON blob
	CreatedAt      time.Time `json:"created_at"`
}

// CheckpointRecord is a checkpoint collected during a run. Seq keeps the
// creation order that rollback reverses.
type CheckpointRecord struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	Plugin   string    `json:"plugin"`
	Seq      int       `json:"seq"`
	TakenAt  time.Time `json:"taken_at"`
	Snapshot string    `json:"snapshot"`          // JSON blob
	Backend  *string   `json:"backend,omitempty"` // JSON blob
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Plugin    *string    `json:"plugin,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventQuery filters ListEvents. Nil fields match everything.
type EventQuery struct {
	RunID  *string
	Plugin *string
	Level  *EventLevel
	Limit  int
	Offset int
}

// Store defines the interface for the run history layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status RunStatus, outcome string, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Plugin results
	SavePluginResult(ctx context.Context, result *PluginResult) error
	ListPluginResults(ctx context.Context, runID string) ([]*PluginResult, error)

	// Checkpoints
	SaveCheckpoints(ctx context.Context, checkpoints []*CheckpointRecord) error
	ListCheckpoints(ctx context.Context, runID string) ([]*CheckpointRecord, error)

	// Events
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
