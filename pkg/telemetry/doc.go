// Package telemetry provides observability for the netstate agent.
//
// It bundles four concerns behind a single Telemetry value:
//
//   - Structured logging with zerolog. The configured logger is installed as
//     the global zerolog logger used by every netstate package.
//   - Distributed tracing with OpenTelemetry. When enabled the provider is
//     installed globally, so the spans the engine opens for each cycle phase
//     ("state.apply", "state.diff", "state.rollback", ...) are exported
//     through the configured OTLP or stdout exporter.
//   - Prometheus metrics for cycles, plugin calls, rollbacks, ledger writes
//     and policy decisions, served over HTTP by Metrics.Serve.
//   - Events, fanned out by an EventPublisher. StoreSubscriber persists them
//     to the SQLite run history.
//
// EngineObserver implements engine.Observer and is the bridge between the
// state manager and the metrics and events above:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe(telemetry.StoreSubscriber(history), nil)
//	manager := engine.NewStateManager(engine.WithObserver(tel.Observer))
//
//	tel.Observer.SetRunID(runID)
//	report, err := manager.ApplyState(ctx, desired)
//
// # Metrics
//
// All metric names are prefixed with the configured namespace (default
// "netstate"):
//
//	netstate_cycles_total{outcome}
//	netstate_cycle_duration_seconds{outcome}
//	netstate_last_cycle_timestamp_seconds{outcome}
//	netstate_plugin_calls_total{plugin,operation}
//	netstate_plugin_call_duration_seconds{plugin,operation}
//	netstate_plugin_errors_total{plugin,operation}
//	netstate_rollbacks_total{plugin,result}
//	netstate_pending_actions{plugin}
//	netstate_ledger_writes_total{result}
//	netstate_policy_decisions_total{decision}
//	netstate_log_messages_total{level}
//
// A disabled Metrics value accepts every call and records nothing.
package telemetry
