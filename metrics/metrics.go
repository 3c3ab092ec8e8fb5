// Package metrics exposes the pipeline's counters, gauges, histograms, and
// spans. The metric set is grounded on the retrieval pack's
// cuemby-warren/pkg/metrics/metrics.go: package-level prometheus vectors
// registered once, a Timer helper for histogram observation, and an
// http.Handler exposing promhttp.Handler(). Spans follow the pattern in
// the pack's OpenTelemetry-using consumer files (sanket-sapate-arc-core's
// trm dictionary consumer): a package-level trace.Tracer, one span per
// event lifecycle stage, context propagated via trace headers rather than
// a synchronous call stack.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// The default global TracerProvider is a no-op that never produces a
// valid span context, which would make InjectTraceHeaders a silent no-op.
// An always-on SDK provider gives every span a real context to propagate,
// independent of whatever exporter a host process later registers.
func init() {
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample())))
}

// Registry owns every metric this pipeline reports plus the tracer used
// for per-event spans. Unlike cuemby-warren's package-level vars, these
// live on a struct so multiple pipeline instances in the same process
// (e.g. under test) don't collide on prometheus' default registerer.
type Registry struct {
	reg *prometheus.Registry

	EventsProcessedTotal   *prometheus.CounterVec
	EventsFailedTotal      *prometheus.CounterVec
	EventsPublishedTotal   *prometheus.CounterVec
	PublishFailedTotal     *prometheus.CounterVec
	RetryAttemptsTotal     *prometheus.CounterVec
	DeadLetterEventsTotal  *prometheus.CounterVec

	StreamLagSeconds    *prometheus.GaugeVec
	LastProcessedOffset *prometheus.GaugeVec

	ProcessingDuration *prometheus.HistogramVec
	PublishDuration    *prometheus.HistogramVec

	tracer trace.Tracer
}

// New builds a Registry with its own prometheus.Registry, so tests and
// multiple pipeline instances never share global metric state.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_processed_total",
			Help: "Total change events processed by a source adapter.",
		}, []string{"source", "schema", "table", "operation"}),
		EventsFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_failed_total",
			Help: "Total change events that failed processing.",
		}, []string{"source", "schema", "table", "operation"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_published_total",
			Help: "Total change events published successfully.",
		}, []string{"source", "publisher", "destination"}),
		PublishFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_events_publish_failed_total",
			Help: "Total change events that failed publishing.",
		}, []string{"source", "publisher", "destination"}),
		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_retry_attempts_total",
			Help: "Total delivery retry attempts.",
		}, []string{"source", "publisher", "destination"}),
		DeadLetterEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdc_dead_letter_events_total",
			Help: "Total events that exhausted retry and were dead-lettered.",
		}, []string{"source", "publisher", "destination"}),
		StreamLagSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdc_stream_lag_seconds",
			Help: "Seconds between an event's commit time and when it was processed.",
		}, []string{"source", "schema", "table"}),
		LastProcessedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cdc_last_processed_offset",
			Help: "Numeric value of the last processed offset, when the offset format is numeric. -1 otherwise.",
		}, []string{"source", "schema", "table"}),
		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_processing_duration_seconds",
			Help:    "Time taken to process one change event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "schema", "table", "operation"}),
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdc_publish_duration_seconds",
			Help:    "Time taken for one publisher delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source", "publisher", "destination"}),
		tracer: otel.Tracer("cdc-pipeline"),
	}

	reg.MustRegister(
		r.EventsProcessedTotal,
		r.EventsFailedTotal,
		r.EventsPublishedTotal,
		r.PublishFailedTotal,
		r.RetryAttemptsTotal,
		r.DeadLetterEventsTotal,
		r.StreamLagSeconds,
		r.LastProcessedOffset,
		r.ProcessingDuration,
		r.PublishDuration,
	)
	return r
}

// Handler exposes the registry's metrics for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Timer times an operation and records its duration to a histogram on
// Observe, mirroring cuemby-warren's metrics.Timer helper.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() Timer { return Timer{start: time.Now()} }

// ObserveSeconds records the elapsed time against histogram with the given
// label values.
func (t Timer) ObserveSeconds(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// SetStreamLag records the current replication/delivery lag for a stream.
func (r *Registry) SetStreamLag(source, schema, table string, lag time.Duration) {
	r.StreamLagSeconds.WithLabelValues(source, schema, table).Set(lag.Seconds())
}

// SetLastProcessedOffset records the last processed offset as a gauge when
// the offset happens to be numeric (SCNs and sequence-style offsets are);
// non-numeric offset formats (textual X/Y LSNs, binlog file:pos, GTIDs)
// report -1,
// since there is no ordering-preserving float encoding for them.
func (r *Registry) SetLastProcessedOffset(source, schema, table, offsetValue string) {
	v, err := strconv.ParseFloat(offsetValue, 64)
	if err != nil {
		v = -1
	}
	r.LastProcessedOffset.WithLabelValues(source, schema, table).Set(v)
}

// StartEventSpan opens the "process" span for one event's lifecycle, tagged
// with the standard (source, schema, table, operation, offset) attributes.
// Callers must End() the returned span.
func (r *Registry) StartEventSpan(ctx context.Context, source, schema, table, operation, offset string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "process", trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("schema", schema),
		attribute.String("table", table),
		attribute.String("operation", operation),
		attribute.String("offset", offset),
	))
}

// StartPublishSpan opens the "publish.<publisher>" span for one delivery
// attempt, tagged the same way as StartEventSpan plus the destination.
func (r *Registry) StartPublishSpan(ctx context.Context, publisherType, source, schema, table, operation, offset, destination string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "publish."+publisherType, trace.WithAttributes(
		attribute.String("source", source),
		attribute.String("schema", schema),
		attribute.String("table", table),
		attribute.String("operation", operation),
		attribute.String("offset", offset),
		attribute.String("destination", destination),
	))
}
