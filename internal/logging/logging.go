// Package logging provides structured logging for onionmesh nodes.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// ShortKey shortens a base64 public key for log output.
func ShortKey(key string) string {
	const keep = 12
	if len(key) <= keep {
		return key
	}
	return key[len(key)-keep:]
}

// Common attribute keys for consistent logging.
const (
	KeyPeer        = "peer"
	KeyCircuitID   = "circuit_id"
	KeyHop         = "hop"
	KeyMessageType = "message_type"
	KeyMessageID   = "message_id"
	KeyDirection   = "direction"
	KeyAddress     = "address"
	KeyTransport   = "transport"
	KeyError       = "error"
	KeyComponent   = "component"
	KeyReason      = "reason"
	KeyState       = "state"
	KeyDuration    = "duration"
	KeyCount       = "count"
	KeyAttempt     = "attempt"
)
