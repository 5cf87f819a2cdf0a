// Package traces provides the minimal span-per-request helper used by the
// route table in server/server.go. Exporter/sampler wiring is left to the
// operator's OTel Collector config (not part of this core); this package
// only names the span after the request and returns the context/span pair
// handlers use to record attributes and errors.
package traces

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/darkauth/darkauth"

// InstrumentationTracer starts a child span named spanName under the tracer
// registered on ctx's current span (or the global provider if none is set).
func InstrumentationTracer(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return trace.SpanFromContext(ctx).TracerProvider().Tracer(tracerName).Start(ctx, spanName)
}

// InstrumentHandler names the request's ambient span "METHOD /path" and
// returns the request context and that span for handlers to annotate.
func InstrumentHandler(r *http.Request) (context.Context, trace.Span) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	span.SetName(fmt.Sprintf("%s %s", r.Method, r.URL.Path))
	return ctx, span
}
