package detrack

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes structured access log entries for each proxied
// request. It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	// Timestamp when the request was received.
	Timestamp time.Time

	// Method is the HTTP method (GET, POST, CONNECT, etc.).
	Method string

	// Host is the target hostname.
	Host string

	// Path is the request URL path. Empty for CONNECT.
	Path string

	// StatusCode is the response status code sent to the client.
	StatusCode int

	// Duration is the time to process the request. Zero for tunnels,
	// which outlive the request cycle.
	Duration time.Duration

	// BytesWritten is the response body size forwarded to the client.
	BytesWritten int64

	// ClientAddr is the client's remote address.
	ClientAddr string

	// Blocked is true if the request was stopped by the blocklist.
	Blocked bool

	// Suggested is true if the classifier flagged the host for review.
	Suggested bool

	// Tunnel is true for CONNECT relays.
	Tunnel bool

	// Error is a description of any upstream or tunnel error.
	Error string
}

// NewAccessLogger creates an AccessLogger that writes to the given
// slog.Logger. For best performance, pass a logger configured with
// slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry using slog.LogAttrs to minimize
// allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 11)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("client", e.ClientAddr),
	)

	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}

	switch {
	case e.Blocked:
		attrs = append(attrs, slog.Bool("blocked", true))
	case e.Tunnel:
		attrs = append(attrs, slog.Bool("tunnel", true))
	default:
		attrs = append(attrs,
			slog.Int("status", e.StatusCode),
			slog.Int64("bytes", e.BytesWritten),
			slog.Duration("duration", e.Duration),
		)
	}

	if e.Suggested {
		attrs = append(attrs, slog.Bool("suggested", true))
	}

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
