package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for reconciliation cycles.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesTotal   *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	lastCycle     *prometheus.GaugeVec

	// Plugin metrics
	pluginCalls    *prometheus.CounterVec
	pluginDuration *prometheus.HistogramVec
	pluginErrors   *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	pendingActions *prometheus.GaugeVec

	ledgerWrites    *prometheus.CounterVec
	policyDecisions *prometheus.CounterVec
	logMessages     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of reconciliation cycles by outcome",
			},
			[]string{"outcome"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		lastCycle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time of the last completed cycle by outcome",
			},
			[]string{"outcome"},
		),

		pluginCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_calls_total",
				Help:      "Total number of plugin operations",
			},
			[]string{"plugin", "operation"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plugin_call_duration_seconds",
				Help:      "Duration of plugin operations in seconds",
				Buckets:   buckets,
			},
			[]string{"plugin", "operation"},
		),
		pluginErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_errors_total",
				Help:      "Total number of failed plugin operations",
			},
			[]string{"plugin", "operation"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of plugin rollbacks by result",
			},
			[]string{"plugin", "result"},
		),
		pendingActions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_actions",
				Help:      "Actions in the most recent diff per plugin",
			},
			[]string{"plugin"},
		),

		ledgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_writes_total",
				Help:      "Total number of ledger append attempts by result",
			},
			[]string{"result"},
		),
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy gate decisions",
			},
			[]string{"decision"},
		),
		logMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_messages_total",
				Help:      "Total number of warning and error log messages",
			},
			[]string{"level"},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.lastCycle,
		m.pluginCalls,
		m.pluginDuration,
		m.pluginErrors,
		m.rollbacks,
		m.pendingActions,
		m.ledgerWrites,
		m.policyDecisions,
		m.logMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)

	return m, nil
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordCycle records a completed reconciliation cycle.
func (m *Metrics) RecordCycle(outcome string, duration time.Duration) {
	if m.cyclesTotal == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.lastCycle.WithLabelValues(outcome).SetToCurrentTime()
}

// RecordPluginCall records a plugin operation and, if it failed, an error.
func (m *Metrics) RecordPluginCall(plugin, operation string, duration time.Duration, failed bool) {
	if m.pluginCalls == nil {
		return
	}
	m.pluginCalls.WithLabelValues(plugin, operation).Inc()
	m.pluginDuration.WithLabelValues(plugin, operation).Observe(duration.Seconds())
	if failed {
		m.pluginErrors.WithLabelValues(plugin, operation).Inc()
	}
}

// RecordRollback records a plugin rollback.
func (m *Metrics) RecordRollback(plugin string, failed bool) {
	if m.rollbacks == nil {
		return
	}
	result := "ok"
	if failed {
		result = "error"
	}
	m.rollbacks.WithLabelValues(plugin, result).Inc()
}

// SetPendingActions records the size of the latest diff for plugin.
func (m *Metrics) SetPendingActions(plugin string, count int) {
	if m.pendingActions == nil {
		return
	}
	m.pendingActions.WithLabelValues(plugin).Set(float64(count))
}

// RecordLedgerWrite records a ledger append attempt.
func (m *Metrics) RecordLedgerWrite(result string) {
	if m.ledgerWrites == nil {
		return
	}
	m.ledgerWrites.WithLabelValues(result).Inc()
}

// RecordPolicyDecision records a policy gate decision ("allow" or "deny").
func (m *Metrics) RecordPolicyDecision(decision string) {
	if m.policyDecisions == nil {
		return
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

// LogHook returns a zerolog hook counting warning and error messages.
func (m *Metrics) LogHook() zerolog.Hook {
	return zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, _ string) {
		if m.logMessages == nil || level < zerolog.WarnLevel || level > zerolog.PanicLevel {
			return
		}
		m.logMessages.WithLabelValues(level.String()).Inc()
	})
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes metrics over HTTP until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m.registry == nil {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", server.Addr).Str("path", path).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
