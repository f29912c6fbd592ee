package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"snowbiome/server/internal/config"
)

// TraceIDHeader is the HTTP header used to propagate trace IDs.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the structured logging field for trace identifiers.
const TraceIDField = "trace_id"

type contextKey string

var (
	loggerContextKey = contextKey("snowbiome-logger")
	traceContextKey  = contextKey("snowbiome-trace-id")

	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[Level]string{
	DebugLevel: "debug",
	InfoLevel:  "info",
	WarnLevel:  "warn",
	ErrorLevel: "error",
	FatalLevel: "fatal",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "info"
}

// ParseLevel maps a configuration string onto a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Strings returns a string slice field.
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration renders a duration in milliseconds under key_ms.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key + "_ms", Value: float64(value) / float64(time.Millisecond)}
}

// Error returns an error field rendered through its message.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// syncWriter describes a writer that can flush to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// Logger emits one JSON object per line with the accumulated context fields.
type Logger struct {
	mu     *sync.Mutex
	level  Level
	writer syncWriter
	fields map[string]any
}

// New builds the process logger from configuration. Logs always go to stdout
// and additionally to a rotating file when a path is configured.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	writers := []syncWriter{os.Stdout}
	if strings.TrimSpace(cfg.Path) != "" {
		rotating, err := newRotatingWriter(cfg)
		if err != nil {
			return nil, err
		}
		writers = append(writers, rotating)
	}
	logger := NewWithWriter(level, &multiWriter{writers: writers})
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWithWriter builds a logger that writes to w.
func NewWithWriter(level Level, w io.Writer) *Logger {
	sw, ok := w.(syncWriter)
	if !ok {
		sw = nopSync{Writer: w}
	}
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		writer: sw,
		fields: map[string]any{"service": "snowbiome"},
	}
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  DebugLevel,
		writer: nopSync{Writer: io.Discard},
		fields: make(map[string]any),
	}
}

// ReplaceGlobals swaps the fallback logger used when no context logger is present.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With derives a logger carrying additional fields. Derived loggers share the
// parent's writer and lock.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	clone := &Logger{
		mu:     l.mu,
		level:  l.level,
		writer: l.writer,
		fields: make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		clone.fields[k] = v
	}
	for _, field := range fields {
		clone.fields[field.Key] = field.Value
	}
	return clone
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return level >= l.level
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Sync()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields...) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields...) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields...) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields...) }

func (l *Logger) log(level Level, message string, fields ...Field) {
	if l == nil {
		L().log(level, message, fields...)
		return
	}
	if level < l.level {
		return
	}
	payload := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		payload[k] = v
	}
	for _, field := range fields {
		payload[field.Key] = field.Value
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	payload["level"] = level.String()
	payload["message"] = message
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.writer.Write(append(data, '\n'))
	if level == FatalLevel {
		_ = l.writer.Sync()
		os.Exit(1)
	}
}

// ContextWithLogger stores a logger in the provided context.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext retrieves a logger from context or falls back to the global logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}

// TraceIDFromContext extracts a trace identifier from context.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceContextKey).(string)
	return traceID
}

// GenerateTraceID creates a random 16-byte trace identifier represented as hex.
func GenerateTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return hex.EncodeToString(buf[:])
	}
	return fmt.Sprintf("%x", time.Now().UnixNano())
}

// WithTrace enriches the context with a trace ID and returns the derived logger.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	tid := strings.TrimSpace(traceID)
	if tid == "" {
		tid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, tid))
	ctx = context.WithValue(ctx, traceContextKey, tid)
	ctx = ContextWithLogger(ctx, derived)
	return ctx, derived, tid
}

// HTTPTraceMiddleware ensures every request has a trace identifier propagated through context and headers.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, traceID := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, traceID)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type multiWriter struct {
	writers []syncWriter
}

func (m *multiWriter) Write(p []byte) (int, error) {
	for _, w := range m.writers {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (m *multiWriter) Sync() error {
	var firstErr error
	for _, w := range m.writers {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type nopSync struct {
	io.Writer
}

func (nopSync) Sync() error { return nil }
