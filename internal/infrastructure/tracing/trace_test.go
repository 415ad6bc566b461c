package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
)

func TestStartSpanMintsTrace(t *testing.T) {
	tracer := New("test", logging.Nop())

	span, ctx := tracer.StartSpan(context.Background(), "root")
	assert.NotEmpty(t, span.TraceID)
	assert.NotEmpty(t, span.SpanID)
	assert.Empty(t, span.ParentID)
	assert.Equal(t, span.TraceID, GetTraceID(ctx))
	assert.Equal(t, span.SpanID, GetSpanID(ctx))
}

func TestStartSpanLinksChild(t *testing.T) {
	tracer := New("test", logging.Nop())

	parent, ctx := tracer.StartSpan(context.Background(), "parent")
	child, _ := tracer.StartSpan(ctx, "child")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestHTTPMiddlewarePropagatesHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", logging.Nop())

	var seen TraceID
	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.GET("/ping", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderTraceID, "req_upstream")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, TraceID("req_upstream"), seen)
	assert.Equal(t, "req_upstream", w.Header().Get(HeaderTraceID))
	assert.NotEmpty(t, w.Header().Get(HeaderSpanID))
}
