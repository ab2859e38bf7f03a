package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "pdg/http"

// StartHTTPSpan starts a server span for an inbound request, continuing any
// trace propagated in headers.
func StartHTTPSpan(ctx context.Context, headers propagation.TextMapCarrier, method, route string) (context.Context, trace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headers)
	return otel.Tracer(httpTracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		),
	)
}

// StartClientSpan starts a span around an outbound call to another system.
func StartClientSpan(ctx context.Context, system, operation string) (context.Context, trace.Span) {
	return otel.Tracer("pdg/client").Start(ctx, system+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("peer.service", system)),
	)
}
