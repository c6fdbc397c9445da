package stdout

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/songzhibin97/proxyrotator/pkg/log"
)

// StdoutLogger implements log.Logger on top of zap with JSON output.
type StdoutLogger struct {
	zapLogger *zap.Logger
	config    *Config
	fields    []log.Field
}

// Config represents the configuration options for StdoutLogger.
type Config struct {
	Level            log.Level `yaml:"level"`
	TimeFormat       string    `yaml:"time_format"`
	EnableCaller     bool      `yaml:"enable_caller"`
	EnableStacktrace bool      `yaml:"enable_stacktrace"`
	Development      bool      `yaml:"development"`

	// Output defaults to os.Stdout.
	Output io.Writer `yaml:"-"`
}

// DefaultConfig returns a default configuration for StdoutLogger.
func DefaultConfig() *Config {
	return &Config{
		Level:            log.InfoLevel,
		TimeFormat:       time.RFC3339,
		EnableStacktrace: true,
	}
}

// New creates a new StdoutLogger with the given configuration.
func New(config *Config) (*StdoutLogger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     getTimeEncoder(config.TimeFormat),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(out),
		convertLogLevel(config.Level),
	)

	var options []zap.Option
	if config.EnableCaller {
		options = append(options, zap.AddCaller(), zap.AddCallerSkip(2))
	}
	if config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	return &StdoutLogger{
		zapLogger: zap.New(core, options...),
		config:    config,
	}, nil
}

func (l *StdoutLogger) Debug(msg string, fields ...log.Field) { l.log(log.DebugLevel, msg, fields) }
func (l *StdoutLogger) Info(msg string, fields ...log.Field)  { l.log(log.InfoLevel, msg, fields) }
func (l *StdoutLogger) Warn(msg string, fields ...log.Field)  { l.log(log.WarnLevel, msg, fields) }
func (l *StdoutLogger) Error(msg string, fields ...log.Field) { l.log(log.ErrorLevel, msg, fields) }

// Fatal logs and exits the process.
func (l *StdoutLogger) Fatal(msg string, fields ...log.Field) {
	l.log(log.FatalLevel, msg, fields)
	os.Exit(1)
}

// With creates a new logger instance with additional structured fields.
func (l *StdoutLogger) With(fields ...log.Field) log.Logger {
	merged := make([]log.Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &StdoutLogger{
		zapLogger: l.zapLogger,
		config:    l.config,
		fields:    merged,
	}
}

// WithContext adds the active span's trace id and the dispatch id, when present.
func (l *StdoutLogger) WithContext(ctx context.Context) log.Logger {
	var contextFields []log.Field
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		contextFields = append(contextFields, log.String("trace_id", sc.TraceID().String()))
	}
	if id := log.DispatchIDFromContext(ctx); id != "" {
		contextFields = append(contextFields, log.String("dispatch_id", id))
	}
	if len(contextFields) == 0 {
		return l
	}
	return l.With(contextFields...)
}

// Sync flushes buffered entries.
func (l *StdoutLogger) Sync() error {
	return l.zapLogger.Sync()
}

func (l *StdoutLogger) log(level log.Level, msg string, fields []log.Field) {
	if level < l.config.Level {
		return
	}

	all := make([]zap.Field, 0, len(l.fields)+len(fields))
	for _, f := range l.fields {
		all = append(all, convertToZapField(f))
	}
	for _, f := range fields {
		all = append(all, convertToZapField(f))
	}

	switch level {
	case log.DebugLevel:
		l.zapLogger.Debug(msg, all...)
	case log.InfoLevel:
		l.zapLogger.Info(msg, all...)
	case log.WarnLevel:
		l.zapLogger.Warn(msg, all...)
	case log.ErrorLevel:
		l.zapLogger.Error(msg, all...)
	case log.FatalLevel:
		// zap's Fatal would exit before Fatal() gets to; log at error level instead.
		l.zapLogger.Error(msg, append(all, zap.String("severity", "fatal"))...)
	}
}

// convertLogLevel converts our log.Level to zap's zapcore.Level.
func convertLogLevel(level log.Level) zapcore.Level {
	switch level {
	case log.DebugLevel:
		return zapcore.DebugLevel
	case log.InfoLevel:
		return zapcore.InfoLevel
	case log.WarnLevel:
		return zapcore.WarnLevel
	case log.ErrorLevel:
		return zapcore.ErrorLevel
	case log.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// convertToZapField converts a single log.Field to zap.Field.
func convertToZapField(field log.Field) zap.Field {
	switch v := field.Value.(type) {
	case string:
		return zap.String(field.Key, v)
	case int:
		return zap.Int(field.Key, v)
	case int64:
		return zap.Int64(field.Key, v)
	case float64:
		return zap.Float64(field.Key, v)
	case bool:
		return zap.Bool(field.Key, v)
	case time.Time:
		return zap.Time(field.Key, v)
	case time.Duration:
		return zap.Duration(field.Key, v)
	case []string:
		return zap.Strings(field.Key, v)
	case error:
		return zap.NamedError(field.Key, v)
	default:
		return zap.Any(field.Key, v)
	}
}

func getTimeEncoder(format string) zapcore.TimeEncoder {
	switch format {
	case "", time.RFC3339:
		return zapcore.RFC3339TimeEncoder
	case time.RFC3339Nano:
		return zapcore.RFC3339NanoTimeEncoder
	default:
		return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format(format))
		}
	}
}
