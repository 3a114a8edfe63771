package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "%q", in)
	}
}

func TestNewWithWriter_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "JSON")

	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	logger.Info("dropped")
	logger.Warn("kept", "tick", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, float64(7), entry["tick"])

	buf.Reset()
	NewWithWriter(&buf, "debug", "text").Debug("text line")
	assert.Contains(t, buf.String(), "msg=\"text line\"")
	assert.Contains(t, buf.String(), "source=", "debug loggers carry source")
}

func TestInto(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, slog.Default(), L(ctx))
	assert.Empty(t, RequestID(ctx))

	var buf bytes.Buffer
	ctx = Into(ctx, NewWithWriter(&buf, "info", "json"), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))

	L(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)

	ctx = Into(ctx, slog.Default(), "req-2")
	assert.Equal(t, "req-2", RequestID(ctx))
}

func TestMiddleware_LogsOwnerRouteAndTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(trace.ContextWithSpanContext(c.Request.Context(), sc))
		c.Set("authAddr", "0xa11c")
	}, Middleware(logger))
	r.POST("/v1/stakes/:itemId/unstake", func(c *gin.Context) {
		assert.Equal(t, "req-from-lb", RequestID(c.Request.Context()))
		c.Status(http.StatusConflict)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/stakes/7/unstake", nil)
	req.Header.Set(RequestIDHeader, "req-from-lb")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-from-lb", w.Header().Get(RequestIDHeader))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), buf.String())
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "0xa11c", entry["owner"])
	assert.Equal(t, "req-from-lb", entry["request_id"])
	assert.Equal(t, "/v1/stakes/:itemId/unstake", entry["route"])
	assert.Equal(t, "/v1/stakes/7/unstake", entry["path"])
	assert.Equal(t, traceID.String(), entry["trace_id"])
}

func TestMiddleware_ReplacesMissingOrOversizedID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	r := gin.New()
	r.Use(Middleware(NewWithWriter(&buf, "error", "text")))
	r.GET("/v1/rates", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, supplied := range []string{"", strings.Repeat("x", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/v1/rates", nil)
		if supplied != "" {
			req.Header.Set(RequestIDHeader, supplied)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.True(t, strings.HasPrefix(w.Header().Get(RequestIDHeader), "req_"))
	}
	assert.Zero(t, buf.Len(), "nothing below error is written")
}
