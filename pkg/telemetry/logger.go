package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a zerolog logger that remembers its configuration and owns
// the log file it writes to, if any.
type Logger struct {
	zlog   zerolog.Logger
	level  zerolog.Level
	closer io.Closer
}

// NewLogger builds a logger writing to cfg.Output.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return newLogger(w, closer, cfg), nil
}

// NewWriterLogger builds a logger writing to w.
func NewWriterLogger(w io.Writer, cfg LoggingConfig) *Logger {
	return newLogger(w, nil, cfg)
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

func newLogger(w io.Writer, closer io.Closer, cfg LoggingConfig) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		// Colour codes only make sense on a terminal.
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: closer != nil}
	}

	level := parseLevel(cfg.Level)
	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	return &Logger{zlog: ctx.Logger(), level: level, closer: closer}
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	default:
		return time.RFC3339
	}
}

// parseLevel falls back to info for an empty or unknown level.
func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// SetGlobal makes l the logger behind the zerolog/log package, which is
// what the rest of netstate logs through.
func (l *Logger) SetGlobal() {
	log.Logger = l.zlog
	zerolog.SetGlobalLevel(l.level)
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) derive(z zerolog.Logger) *Logger {
	return &Logger{zlog: z, level: l.level, closer: l.closer}
}

// NewComponentLogger tags every message with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(l.zlog.With().Str("component", component).Logger())
}

func (l *Logger) WithRunID(runID string) *Logger {
	return l.derive(l.zlog.With().Str("run_id", runID).Logger())
}

func (l *Logger) WithPlugin(name string) *Logger {
	return l.derive(l.zlog.With().Str("plugin", name).Logger())
}

// WithField adds one field of any type.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(l.zlog.With().Interface(key, value).Logger())
}

// AddHook returns a logger that runs hook on every event.
func (l *Logger) AddHook(hook zerolog.Hook) *Logger {
	return l.derive(l.zlog.Hook(hook))
}

// WithContext stores the logger in ctx, where both FromContext and
// zerolog.Ctx find it.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return l.zlog.WithContext(ctx)
}

// FromContext returns the logger stored in ctx, or the global logger.
func FromContext(ctx context.Context) *Logger {
	z := zerolog.Ctx(ctx)
	if z == zerolog.DefaultContextLogger || z.GetLevel() == zerolog.Disabled {
		return &Logger{zlog: log.Logger, level: log.Logger.GetLevel()}
	}
	return &Logger{zlog: *z, level: z.GetLevel()}
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }
