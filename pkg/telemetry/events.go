package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence during an agent run. Events with a run ID
// end up in the run history.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"run_id,omitempty"`
	Plugin    string                 `json:"plugin,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCycleCompleted  = "cycle.completed"
	EventTypeCycleFailed     = "cycle.failed"
	EventTypePluginFailed    = "plugin.failed"
	EventTypeRollback        = "plugin.rollback"
	EventTypeLedgerSkipped   = "ledger.skipped"
	EventTypeLedgerFailed    = "ledger.failed"
	EventTypeDriftDetected   = "drift.detected"
	EventTypePolicyViolation = "policy.violation"
	EventTypePolicyWarning   = "policy.warning"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var eventLevels = []string{EventLevelInfo, EventLevelWarning, EventLevelError}

var (
	ErrPublisherClosed = errors.New("event publisher closed")
	ErrBufferFull      = errors.New("event buffer full")
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. In async mode events are
// queued and delivered in publish order by one goroutine, so subscribers
// never run concurrently with each other.
type EventPublisher struct {
	config EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	closed  bool

	queue chan Event
	stop  chan struct{}
	done  chan struct{}
}

// NewEventPublisher creates a publisher. A disabled publisher accepts and
// discards everything.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got %d", cfg.BufferSize)
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	if ep.config.FlushInterval <= 0 {
		ep.config.FlushInterval = time.Second
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.done = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Publish stamps event and delivers it. In async mode it never blocks; a
// full queue drops the event and returns ErrBufferFull.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	for _, keep := range ep.filters {
		if !keep(event) {
			return nil
		}
	}

	if ep.queue == nil {
		ep.deliverLocked(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("%w, dropped %s", ErrBufferFull, event.Type)
	}
}

// Subscribe registers fn for events that pass filter. filter may be nil.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events failing filter before any subscriber sees them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// run delivers queued events in batches of MaxBatchSize, flushing a
// partial batch every FlushInterval.
func (ep *EventPublisher) run() {
	defer close(ep.done)

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ep.mu.RLock()
		for _, e := range batch {
			ep.deliverLocked(e)
		}
		ep.mu.RUnlock()
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			batch = append(batch, e)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			// Publish can no longer enqueue; drain what is left.
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverLocked must be called with mu held for reading.
func (ep *EventPublisher) deliverLocked(event Event) {
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued events have been
// delivered or ctx expires.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.mu.Lock()
	already := ep.closed
	ep.closed = true
	ep.mu.Unlock()

	if ep.queue == nil {
		return nil
	}
	if !already {
		close(ep.stop)
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

func (ep *EventPublisher) publish(typ, source, level, runID, plugin, msg string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    typ,
		Source:  source,
		Level:   level,
		RunID:   runID,
		Plugin:  plugin,
		Message: msg,
		Data:    data,
	})
}

// PublishCycle publishes the outcome of a reconciliation cycle.
func (ep *EventPublisher) PublishCycle(runID, outcome string, duration time.Duration, failed bool) error {
	data := map[string]interface{}{"outcome": outcome, "duration": duration.Seconds()}
	if failed {
		return ep.publish(EventTypeCycleFailed, "engine", EventLevelError, runID, "",
			"Cycle failed with outcome "+outcome, data)
	}
	return ep.publish(EventTypeCycleCompleted, "engine", EventLevelInfo, runID, "",
		"Cycle completed with outcome "+outcome, data)
}

// PublishPluginFailed publishes a failed plugin operation.
func (ep *EventPublisher) PublishPluginFailed(runID, plugin, operation string, err error) error {
	return ep.publish(EventTypePluginFailed, "engine", EventLevelError, runID, plugin,
		fmt.Sprintf("Plugin %s failed during %s: %v", plugin, operation, err),
		map[string]interface{}{"operation": operation, "error": err.Error()})
}

// PublishRollback publishes the result of a plugin rollback.
func (ep *EventPublisher) PublishRollback(runID, plugin string, err error) error {
	if err != nil {
		return ep.publish(EventTypeRollback, "engine", EventLevelError, runID, plugin,
			fmt.Sprintf("Rollback of plugin %s failed: %v", plugin, err),
			map[string]interface{}{"error": err.Error()})
	}
	return ep.publish(EventTypeRollback, "engine", EventLevelWarning, runID, plugin,
		"Rolled back plugin "+plugin, nil)
}

// PublishLedger publishes a ledger write that did not succeed. result is
// "skipped" when the ledger lock was busy and "error" otherwise.
func (ep *EventPublisher) PublishLedger(runID, result string) error {
	if result == "error" {
		return ep.publish(EventTypeLedgerFailed, "ledger", EventLevelError, runID, "", "Ledger append failed", nil)
	}
	return ep.publish(EventTypeLedgerSkipped, "ledger", EventLevelWarning, runID, "", "Ledger busy, audit record skipped", nil)
}

// PublishDriftDetected publishes pending actions found for a plugin.
func (ep *EventPublisher) PublishDriftDetected(runID, plugin string, actions int) error {
	return ep.publish(EventTypeDriftDetected, "agent", EventLevelInfo, runID, plugin,
		fmt.Sprintf("Plugin %s has %d pending actions", plugin, actions),
		map[string]interface{}{"actions": actions})
}

// PublishPolicyResult publishes a policy violation (deny) or warning.
func (ep *EventPublisher) PublishPolicyResult(runID, rule, message string, deny bool) error {
	data := map[string]interface{}{"rule": rule}
	if deny {
		return ep.publish(EventTypePolicyViolation, "policy", EventLevelError, runID, "", message, data)
	}
	return ep.publish(EventTypePolicyWarning, "policy", EventLevelWarning, runID, "", message, data)
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := max(slices.Index(eventLevels, minLevel), 0)
	return func(event Event) bool {
		return slices.Index(eventLevels, event.Level) >= floor
	}
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	return func(event Event) bool {
		return slices.Contains(types, event.Type)
	}
}

// FilterByPlugin passes events about one plugin.
func FilterByPlugin(plugin string) EventFilter {
	return func(event Event) bool {
		return event.Plugin == plugin
	}
}
