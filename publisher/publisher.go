// Package publisher defines the sink-delivery contract every destination
// implements, generalized from redb-open's pkg/stream/adapter.StreamAdapter/
// ProducerOperator pair down to a single Publish/PublishBatch surface.
package publisher

import (
	"context"

	"github.com/cdcflow/pipeline/event"
)

// Result reports the outcome of publishing one event within a batch.
type Result struct {
	Event *event.ChangeEvent
	Err   error
}

// Publisher delivers ChangeEvents to a sink. Implementations must be safe
// for concurrent use and idempotent under re-delivery of the same event,
// since the exactly-once manager may call Publish again with identical
// input after a failure.
type Publisher interface {
	// Type identifies the sink kind, e.g. "kafka", "pubsub", "webhook".
	Type() string

	// Publish delivers exactly one event.
	Publish(ctx context.Context, evt *event.ChangeEvent) error

	// PublishBatch delivers many events. Implementations may fan out
	// internally; the returned slice reports one Result per input event,
	// in the same order, so callers can identify partial failures.
	PublishBatch(ctx context.Context, events []*event.ChangeEvent) []Result

	// Close releases the publisher's connections.
	Close(ctx context.Context) error
}

// Factory constructs a Publisher from an opaque option set: endpoint,
// credentials, topic template, batching window, retry policy, and other
// publisher-specific configuration are all treated as opaque to the core.
type Factory func(options map[string]string) (Publisher, error)

// PublishAllIndividually is a helper sink implementations can use to
// satisfy PublishBatch when the underlying transport has no native batch
// API: it calls Publish once per event and collects the per-event result.
func PublishAllIndividually(ctx context.Context, p Publisher, events []*event.ChangeEvent) []Result {
	results := make([]Result, len(events))
	for i, evt := range events {
		results[i] = Result{Event: evt, Err: p.Publish(ctx, evt)}
	}
	return results
}
