package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// LogLevel is the minimum severity a Logger writes.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l LogLevel) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel maps a level name to a LogLevel; unknown names map to InfoLevel.
func ParseLevel(name string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Fields are structured key/value pairs attached to log lines.
type Fields map[string]interface{}

// Logger writes one JSON object per line: time, level, message and any fields.
type Logger struct {
	logger *slog.Logger
	level  LogLevel
}

// NewLogger writes to output, or stdout when output is nil.
func NewLogger(level LogLevel, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: level.slogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.MessageKey {
				a.Key = "message"
			}
			return a
		},
	})
	return &Logger{logger: slog.New(handler), level: level}
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return NewLogger(ErrorLevel, io.Discard)
}

// Level reports the minimum level written.
func (l *Logger) Level() LogLevel { return l.level }

func (l *Logger) with(args ...interface{}) *Logger {
	return &Logger{logger: l.logger.With(args...), level: l.level}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(key, value)
}

// WithFields attaches fields in key order so output is stable.
func (l *Logger) WithFields(fields Fields) *Logger {
	if len(fields) == 0 {
		return l
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]interface{}, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return l.with(args...)
}

// WithError records err under "error". A nil error returns l unchanged.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with("error", err.Error())
}

func (l *Logger) Debug(message string) { l.logger.Debug(message) }
func (l *Logger) Info(message string)  { l.logger.Info(message) }
func (l *Logger) Warn(message string)  { l.logger.Warn(message) }
func (l *Logger) Error(message string) { l.logger.Error(message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.logger.Enabled(context.Background(), slog.LevelDebug) {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	subscriberIDKey
	loggerKey
)

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(NewLogger(InfoLevel, os.Stdout))
}

// SetDefault replaces the logger GetLogger falls back to.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSubscriberID records the subscriber a request or task acts on.
func WithSubscriberID(ctx context.Context, subscriberID string) context.Context {
	return context.WithValue(ctx, subscriberIDKey, subscriberID)
}

func GetSubscriberID(ctx context.Context) string {
	id, _ := ctx.Value(subscriberIDKey).(string)
	return id
}

func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger returns the logger on ctx, or the default logger.
func GetLogger(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
		return logger
	}
	return defaultLogger.Load()
}

// FromContext returns the context logger with request_id and subscriber_id attached.
func FromContext(ctx context.Context) *Logger {
	fields := Fields{}
	if id := GetRequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	if id := GetSubscriberID(ctx); id != "" {
		fields["subscriber_id"] = id
	}
	return GetLogger(ctx).WithFields(fields)
}
