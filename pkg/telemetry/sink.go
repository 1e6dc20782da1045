package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/netstate/netstate/pkg/stores"
)

// EventStore is the subset of stores.Store used to persist events.
type EventStore interface {
	AppendEvent(ctx context.Context, event *stores.Event) error
}

// StoreSubscriber returns a subscriber that persists events to the run
// history. Write failures are logged and the event is dropped.
func StoreSubscriber(store EventStore) EventSubscriber {
	return func(event Event) {
		record := &stores.Event{
			Type:      event.Type,
			Level:     stores.EventLevel(event.Level),
			Message:   event.Message,
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			runID := event.RunID
			record.RunID = &runID
		}
		if event.Plugin != "" {
			plugin := event.Plugin
			record.Plugin = &plugin
		}
		if len(event.Data) > 0 {
			if data, err := json.Marshal(event.Data); err == nil {
				details := string(data)
				record.Details = &details
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.AppendEvent(ctx, record); err != nil {
			log.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to persist event")
		}
	}
}
