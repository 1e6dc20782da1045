package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger   *Logger
	Tracer   *Tracer
	Metrics  *Metrics
	Events   *EventPublisher
	Observer *EngineObserver
	Config   *Config
}

// NewTelemetry validates cfg and builds every signal. The logger is
// installed globally and, with metrics on, counts warnings and errors.
func NewTelemetry(cfg *Config) (_ *Telemetry, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = logger.Close()
		}
	}()

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	if metrics.Enabled() {
		logger = logger.AddHook(metrics.LogHook())
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Host)
	if err != nil {
		return nil, err
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	logger.SetGlobal()
	return &Telemetry{
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
		Events:   events,
		Observer: NewEngineObserver(metrics, events),
		Config:   cfg,
	}, nil
}

// WithContext stores the telemetry logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown drains events, flushes spans and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

// Operation is a traced and logged unit of work shorter than a run, such
// as a diff or a query.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	name    string
	started time.Time
}

// StartOperation opens a span named name. The returned Ctx carries the
// span and a logger tagged with the operation and trace ID.
func (t *Telemetry) StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	ctx, span := t.Tracer.StartSpan(ctx, name, attrs...)
	logger := FromContext(ctx).WithField("operation", name)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	return &Operation{
		Ctx:     logger.WithContext(ctx),
		Span:    span,
		Logger:  logger,
		name:    name,
		started: time.Now(),
	}
}

// End sets the span status from err, ends the span and logs the duration.
func (op *Operation) End(err error) time.Duration {
	elapsed := time.Since(op.started)
	if err != nil {
		RecordError(op.Span, err)
		op.Logger.zlog.Debug().Err(err).Dur("duration", elapsed).Msg("Operation failed")
	} else {
		RecordSuccess(op.Span)
		op.Logger.zlog.Debug().Dur("duration", elapsed).Msg("Operation finished")
	}
	op.Span.End()
	return elapsed
}
