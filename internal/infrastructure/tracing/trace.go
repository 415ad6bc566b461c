package tracing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/switchboard-sh/switchboard/internal/infrastructure/logging"
	"github.com/switchboard-sh/switchboard/internal/shared/id"
)

// Propagation headers.
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

// TraceID identifies one request across components.
type TraceID string

// SpanID identifies one operation within a trace.
type SpanID string

// Span records one traced operation.
type Span struct {
	TraceID    TraceID
	SpanID     SpanID
	ParentID   SpanID
	Name       string
	Service    string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Tags       map[string]string
	Err        error
	StatusCode int
}

// Tracer collects completed spans and writes them to the log.
type Tracer struct {
	service string
	log     *logging.Logger
	spans   chan *Span
}

// New creates a tracer. The collector goroutine lives as long as the
// process does.
func New(service string, log *logging.Logger) *Tracer {
	t := &Tracer{
		service: service,
		log:     log.Named("tracing"),
		spans:   make(chan *Span, 1000),
	}
	go t.collect()
	return t
}

// StartSpan opens a span under the context's trace, minting a new
// trace ID when the context has none. The returned context carries the
// span for child operations.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	if traceID == "" {
		traceID = TraceID(id.NewRequestID())
	}
	parentID, _ := ctx.Value(spanIDKey).(SpanID)

	span := &Span{
		TraceID:   traceID,
		SpanID:    SpanID(id.NewRequestID()),
		ParentID:  parentID,
		Name:      name,
		Service:   t.service,
		StartTime: time.Now(),
		Tags:      make(map[string]string),
	}

	ctx = context.WithValue(ctx, traceIDKey, traceID)
	ctx = context.WithValue(ctx, spanIDKey, span.SpanID)
	return span, ctx
}

// Finish stamps the span's end time and duration.
func (s *Span) Finish() {
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// SetTag adds a tag to the span.
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError records an error on the span.
func (s *Span) SetError(err error) {
	s.Err = err
	if s.StatusCode == 0 {
		s.StatusCode = 500
	}
}

// SetStatus sets the span's status code.
func (s *Span) SetStatus(code int) {
	s.StatusCode = code
}

// Submit queues a finished span. A full buffer drops the span rather
// than stalling the request path.
func (t *Tracer) Submit(span *Span) {
	select {
	case t.spans <- span:
	default:
		t.log.Warn("Span buffer full, dropping span",
			zap.String("trace_id", string(span.TraceID)),
			zap.String("span_id", string(span.SpanID)))
	}
}

func (t *Tracer) collect() {
	for span := range t.spans {
		t.logSpan(span)
	}
}

// logSpan writes a completed span. Successes log at debug so request
// tracing stays out of the way of session logs at the default level.
func (t *Tracer) logSpan(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.Int("status", span.StatusCode),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}

	if span.Err != nil {
		fields = append(fields, zap.Error(span.Err))
		t.log.Warn("Span completed with error", fields...)
		return
	}
	t.log.Debug("Span completed", fields...)
}

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	spanIDKey  contextKey = "span_id"
)

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	return traceID
}

// GetSpanID retrieves the span ID from context.
func GetSpanID(ctx context.Context) SpanID {
	spanID, _ := ctx.Value(spanIDKey).(SpanID)
	return spanID
}
