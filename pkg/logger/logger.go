// Package logger provides slog construction and shared logging attributes.
//
// Log level comes from LOG_LEVEL (debug, info, warn/warning, error; case
// insensitive; anything else falls back to info). GO_ENV=production switches
// to the JSON handler so log collectors get structured lines.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/fx"
)

// Module provides the application logger and the HTTP access logger.
var Module = fx.Module("logger",
	fx.Provide(NewLogger),
	fx.Provide(NewHTTPLogger),
)

// Scope returns the attribute used to tag a logger with the owning component.
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns the standard error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// NewLogger builds the process-wide slog.Logger from the environment.
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("GO_ENV"), "production") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

// HTTPLogger appends one line per request to a dedicated access-log file.
// It is disabled (all calls are no-ops) when HTTP_LOG_FILE is not set, so
// tests and local runs pay nothing.
type HTTPLogger struct {
	mu   sync.Mutex
	file *os.File
}

// NewHTTPLogger opens the access-log file named by HTTP_LOG_FILE.
// A missing variable disables the logger; an unopenable file logs a warning
// and disables it rather than failing startup.
func NewHTTPLogger(log *slog.Logger) *HTTPLogger {
	path := os.Getenv("HTTP_LOG_FILE")
	if path == "" {
		return &HTTPLogger{}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn("http access log disabled", Scope("logger"), Error(err))
		return &HTTPLogger{}
	}
	return &HTTPLogger{file: f}
}

// LogRequest writes one access-log line. Safe to call on a disabled logger.
func (h *HTTPLogger) LogRequest(ip, method, uri string, status int, latency time.Duration, userAgent, requestID string) {
	if h == nil || h.file == nil {
		return
	}

	line := fmt.Sprintf("%s %s %s %s %d %s %q %s\n",
		time.Now().UTC().Format(time.RFC3339),
		ip, method, uri, status, latency, userAgent, requestID,
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = h.file.WriteString(line)
}

// Close releases the underlying file, if any.
func (h *HTTPLogger) Close() error {
	if h == nil || h.file == nil {
		return nil
	}
	return h.file.Close()
}
