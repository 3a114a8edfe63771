// Package logging builds the service's slog loggers and carries a
// request-scoped logger through the context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/stakeledger/internal/idgen"
)

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

// caller-supplied IDs longer than this are replaced
const maxRequestIDLen = 64

// ParseLevel maps "debug", "info", "warn" and "error" (any case) to a level.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New returns a logger on stdout. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter returns a logger on w. Debug loggers include source
// positions.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type scopeKey struct{}

type scope struct {
	requestID string
	logger    *slog.Logger
}

// Into attaches logger, tagged with requestID, to ctx.
func Into(ctx context.Context, logger *slog.Logger, requestID string) context.Context {
	if requestID != "" {
		logger = logger.With("request_id", requestID)
	}
	return context.WithValue(ctx, scopeKey{}, scope{requestID: requestID, logger: logger})
}

// L returns the request logger from ctx, or slog.Default.
func L(ctx context.Context) *slog.Logger {
	if s, ok := ctx.Value(scopeKey{}).(scope); ok {
		return s.logger
	}
	return slog.Default()
}

// RequestID returns the ID stored by Into, or "".
func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s.requestID
}

// Middleware scopes a logger to each request and writes one access line
// when it completes: 5xx at error, 4xx at warn, the rest at info.
func Middleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = idgen.WithPrefix("req_")
		}
		c.Request = c.Request.WithContext(Into(c.Request.Context(), logger, id))
		c.Header(RequestIDHeader, id)

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"path", c.Request.URL.Path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if owner := c.GetString("authAddr"); owner != "" {
			attrs = append(attrs, "owner", owner)
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			attrs = append(attrs, "trace_id", sc.TraceID().String())
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		l := L(c.Request.Context())
		switch {
		case status >= 500:
			l.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			l.Warn("request completed", attrs...)
		default:
			l.Info("request completed", attrs...)
		}
	}
}
