/*
Package tracing provides lightweight request tracing for the daemon.

Every HTTP request gets a trace and span ID, echoed back in response
headers so a client can quote them when reporting a problem and the
matching daemon log lines can be found by trace_id.

# Usage

	tracer := tracing.New("switchboard", logger)
	router.Use(tracing.HTTPMiddleware(tracer))

	// Manual span creation
	span, ctx := tracer.StartSpan(ctx, "operation")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

# Trace Format

Traces use standard HTTP headers for propagation:
  - X-Trace-ID: unique identifier for the whole request flow
  - X-Span-ID: identifier for the current operation

Span collection is buffered (1000 spans) and processed asynchronously;
a full buffer drops spans rather than stalling requests.
*/
package tracing
