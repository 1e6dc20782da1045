package telemetry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/engine"
)

// EngineObserver feeds engine callbacks into metrics and events. The agent
// tags each cycle with its run ID via SetRunID before calling ApplyState.
type EngineObserver struct {
	metrics *Metrics
	events  *EventPublisher

	mu    sync.RWMutex
	runID string
}

var _ engine.Observer = (*EngineObserver)(nil)

// NewEngineObserver creates an observer. Either argument may be nil.
func NewEngineObserver(metrics *Metrics, events *EventPublisher) *EngineObserver {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &EngineObserver{metrics: metrics, events: events}
}

// SetRunID sets the run ID attached to subsequent events.
func (o *EngineObserver) SetRunID(runID string) {
	o.mu.Lock()
	o.runID = runID
	o.mu.Unlock()
}

func (o *EngineObserver) currentRun() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.runID
}

// PluginCall implements engine.Observer.
func (o *EngineObserver) PluginCall(plugin, operation string, seconds float64, err error) {
	o.metrics.RecordPluginCall(plugin, operation, seconds2dur(seconds), err != nil)
	if err != nil {
		o.publish(func(ep *EventPublisher, runID string) error {
			return ep.PublishPluginFailed(runID, plugin, operation, err)
		})
	}
}

// CycleCompleted implements engine.Observer.
func (o *EngineObserver) CycleCompleted(outcome string, seconds float64) {
	o.metrics.RecordCycle(outcome, seconds2dur(seconds))
	failed := outcome != engine.OutcomeNoop && outcome != engine.OutcomeSuccess
	o.publish(func(ep *EventPublisher, runID string) error {
		return ep.PublishCycle(runID, outcome, seconds2dur(seconds), failed)
	})
}

// RollbackCompleted implements engine.Observer.
func (o *EngineObserver) RollbackCompleted(plugin string, err error) {
	o.metrics.RecordRollback(plugin, err != nil)
	o.publish(func(ep *EventPublisher, runID string) error {
		return ep.PublishRollback(runID, plugin, err)
	})
}

// LedgerWrite implements engine.Observer.
func (o *EngineObserver) LedgerWrite(result string) {
	o.metrics.RecordLedgerWrite(result)
	if result == "ok" {
		return
	}
	o.publish(func(ep *EventPublisher, runID string) error {
		return ep.PublishLedger(runID, result)
	})
}

func (o *EngineObserver) publish(fn func(*EventPublisher, string) error) {
	if o.events == nil {
		return
	}
	if err := fn(o.events, o.currentRun()); err != nil {
		log.Debug().Err(err).Msg("Dropped telemetry event")
	}
}

func seconds2dur(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
