package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// The default global propagator is a no-op composite; set it once so
// delivery-header propagation actually carries trace context on the wire.
func init() {
	otel.SetTextMapPropagator(propagation.TraceContext{})
}

// InjectTraceHeaders writes the trace context carried by ctx into headers so
// a publisher can forward it on the wire, the same MapCarrier + Inject
// pattern the pack's watermill event bus uses for message metadata.
func InjectTraceHeaders(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// ExtractTraceContext restores a trace context from headers populated by
// InjectTraceHeaders, for a downstream consumer to continue the span tree.
func ExtractTraceContext(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}
