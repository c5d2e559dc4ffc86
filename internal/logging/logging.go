// Package logging provides a configured slog logger with:
// - TTY detection for human-readable vs JSON output
// - LOG_FORMAT env var override (text/json)
// - LOG_LEVEL env var (debug/info/warn/error)
// - Context-based request, solve and caller extraction for filtering
// - Dynamic filter-based logging via slog-logfilter library
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	logfilter "github.com/jmylchreest/slog-logfilter"
)

// ContextKey is a type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "log_request_id"
	// SolveIDKey is the context key for the id of the solve being run.
	SolveIDKey ContextKey = "log_solve_id"
	// SubjectKey is the context key for the authenticated caller (for filtering only - NOT logged).
	SubjectKey ContextKey = "log_subject"
)

// Options override the environment derived settings. Empty fields fall back to
// LOG_LEVEL and LOG_FORMAT.
type Options struct {
	Level  string
	Format string
}

// WithRequestID adds a request ID to the context for logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSolveID adds a solve ID to the context for logging.
func WithSolveID(ctx context.Context, solveID string) context.Context {
	return context.WithValue(ctx, SolveIDKey, solveID)
}

// WithSubject adds the caller identity to the context.
// Note: the subject is used for filter matching only.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// GetSolveID extracts the solve ID from context.
func GetSolveID(ctx context.Context) string { return stringValue(ctx, SolveIDKey) }

// GetSubject extracts the caller identity from context.
func GetSubject(ctx context.Context) string { return stringValue(ctx, SubjectKey) }

// FromContext returns a logger with the request and solve IDs from context added
// as attributes. The subject is NOT included.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}

	var attrs []any
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if solveID := GetSolveID(ctx); solveID != "" {
		attrs = append(attrs, "solve_id", solveID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// registerContextExtractors registers the context extractors for filtering.
func registerContextExtractors() {
	for name, key := range map[string]ContextKey{
		"request_id": RequestIDKey,
		"solve_id":   SolveIDKey,
		"subject":    SubjectKey,
	} {
		logfilter.RegisterContextExtractor(name, func(ctx context.Context) (string, bool) {
			s := stringValue(ctx, key)
			return s, s != ""
		})
	}
}

// New creates a new configured logger using slog-logfilter.
// Format is determined by:
// 1. opts.Format, then the LOG_FORMAT env var (text/json)
// 2. TTY detection (text for TTY, JSON otherwise)
// Level comes from opts.Level, then LOG_LEVEL (default: info).
func New(opts Options) *slog.Logger {
	logFormat := opts.Format
	if logFormat == "" {
		logFormat = os.Getenv("LOG_FORMAT")
	}
	format := "json"
	if logFormat == "text" || (logFormat == "" && isatty(os.Stdout)) {
		format = "text"
	}

	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv("LOG_LEVEL")
	}

	registerContextExtractors()

	return logfilter.New(
		logfilter.WithLevel(parseLogLevel(levelName)),
		logfilter.WithFormat(format),
		logfilter.WithOutput(os.Stdout),
		logfilter.WithSource(true),
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault creates a new logger and sets it as the default slog logger.
func SetDefault(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime.
func SetLevel(level string) {
	logfilter.SetLevel(parseLogLevel(level))
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return logfilter.GetLevel()
}

// SetFilters replaces all log filters.
func SetFilters(filters []logfilter.LogFilter) {
	logfilter.SetFilters(filters)
}

// GetFilters returns a copy of the current filters.
func GetFilters() []logfilter.LogFilter {
	return logfilter.GetFilters()
}

// isatty returns true if the file is a terminal.
func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}
