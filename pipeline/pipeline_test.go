package pipeline

import (
	"context"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdcflow/pipeline/adapter"
	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/pipelineconfig"
	"github.com/cdcflow/pipeline/offset"
	"github.com/cdcflow/pipeline/publisher"
)

// emittingSource feeds a fixed slice of events to whatever handler Start is
// given, then blocks until stopped, the same shape dispatch's own fakeSource
// uses.
type emittingSource struct {
	events []*event.ChangeEvent
	stop   chan struct{}
}

func (s *emittingSource) Type() string { return "emitting" }

func (s *emittingSource) Start(ctx context.Context, handler adapter.EventHandler) error {
	for _, evt := range s.events {
		if err := handler(ctx, evt); err != nil {
			return err
		}
	}
	select {
	case <-s.stop:
	case <-ctx.Done():
	}
	return nil
}

func (s *emittingSource) Stop(ctx context.Context) error                       { close(s.stop); return nil }
func (s *emittingSource) GetCurrentOffset(ctx context.Context) (string, error) { return "", nil }
func (s *emittingSource) SetOffset(ctx context.Context, offset string) error   { return nil }
func (s *emittingSource) ReplayFromOffset(ctx context.Context, fromOffset string, handler adapter.EventHandler) error {
	return nil
}

func registerEmittingAdapter(t *testing.T, typeName string, events []*event.ChangeEvent) {
	t.Helper()
	adapter.Register(typeName, func(options map[string]string) (adapter.Source, error) {
		return &emittingSource{events: events, stop: make(chan struct{})}, nil
	})
}

// recordingPublisher records every event it is asked to publish, failing
// the first failCount calls before succeeding, so tests can exercise both
// the exactly-once retry path and steady-state delivery.
type recordingPublisher struct {
	mu        sync.Mutex
	failCount int
	calls     int
	events    []*event.ChangeEvent
	closed    bool
}

func (p *recordingPublisher) Type() string { return "recording" }

func (p *recordingPublisher) Publish(ctx context.Context, evt *event.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failCount {
		return assert.AnError
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) PublishBatch(ctx context.Context, events []*event.ChangeEvent) []publisher.Result {
	return publisher.PublishAllIndividually(ctx, p, events)
}

func (p *recordingPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *recordingPublisher) eventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func registerRecordingPublisher(reg *publisher.Registry, typeName string, pub *recordingPublisher) {
	reg.Register(typeName, func(options map[string]string) (publisher.Publisher, error) { return pub, nil })
}

func fastExactlyOnce() pipelineconfig.ExactlyOnceConfig {
	cfg := pipelineconfig.DefaultExactlyOnceConfig()
	cfg.Retry.InitialDelaySeconds = 0.01
	cfg.Retry.MaxDelaySeconds = 0.02
	return cfg
}

func TestBindDeliversEventAndAdvancesOffset(t *testing.T) {
	registerEmittingAdapter(t, "pipe-bind", []*event.ChangeEvent{
		{Source: "src-bind", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "100"},
	})

	pubs := publisher.NewRegistry()
	pub := &recordingPublisher{}
	registerRecordingPublisher(pubs, "recording-bind", pub)

	offsets := offset.NewMemoryStore()
	p, err := New(Options{Offsets: offsets, Publishers: pubs, ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })

	ctx := t.Context()
	handle, err := p.Bind(ctx, StreamBinding{
		SourceType: "pipe-bind", Source: "src-bind", Schema: "public", Table: "orders",
		TenantID: "tenant-bind", PublisherType: "recording-bind",
		BatchSize: 1, MaxConcurrency: 1,
	})
	require.NoError(t, err)
	defer handle.Dispose()

	streamID := offset.StreamID("src-bind", "public", "orders")
	require.Eventually(t, func() bool {
		rec, ok, _ := offsets.Get(ctx, streamID)
		return ok && rec.Value == "100"
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, pub.eventCount())
}

func TestDeliverOneDeduplicatesRestartedDelivery(t *testing.T) {
	p, err := New(Options{ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	pub := &recordingPublisher{}

	ctx := t.Context()
	evt := &event.ChangeEvent{Source: "src-dup", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "1", TimestampUTC: time.Unix(0, 0)}
	streamID := offset.StreamID(evt.Source, evt.Schema, evt.Table)

	err = p.deliverOne(ctx, "tenant-dup", streamID, "dest", pub, evt)
	require.NoError(t, err)
	err = p.deliverOne(ctx, "tenant-dup", streamID, "dest", pub, evt)
	require.NoError(t, err)

	assert.Equal(t, 1, pub.callCount(), "a re-delivered event must not reach the publisher twice")
}

func TestDeliverOneThrottlesOverTenantBudget(t *testing.T) {
	throttling := pipelineconfig.ThrottlingConfig{
		Global:        pipelineconfig.TenantThrottleConfig{MaxEventsPerSecond: 1000, BurstMultiplier: 1},
		DefaultTenant: pipelineconfig.TenantThrottleConfig{MaxEventsPerSecond: 1, BurstMultiplier: 1},
		TenantConfigs: make(map[string]pipelineconfig.TenantThrottleConfig),
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	p, err := New(Options{Throttling: throttling, ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	pub := &recordingPublisher{}

	ctx := t.Context()
	evt := &event.ChangeEvent{Source: "src-throttle", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "1"}
	streamID := offset.StreamID(evt.Source, evt.Schema, evt.Table)

	err1 := p.deliverOne(ctx, "tenant-throttle", streamID, "dest", pub, evt)
	err2 := p.deliverOne(ctx, "tenant-throttle", streamID, "dest", pub, evt)

	assert.NoError(t, err1)
	require.Error(t, err2)
	assert.Contains(t, err2.Error(), "throttled")
}

func TestDeliverOneRecordsRetryAttemptsMetric(t *testing.T) {
	p, err := New(Options{ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	pub := &recordingPublisher{failCount: 2} // fails twice, succeeds on the 3rd attempt

	ctx := t.Context()
	evt := &event.ChangeEvent{Source: "src-retry", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "1"}
	streamID := offset.StreamID(evt.Source, evt.Schema, evt.Table)

	err = p.deliverOne(ctx, "tenant-retry", streamID, "dest", pub, evt)
	require.NoError(t, err)
	assert.Equal(t, 3, pub.callCount())

	rec := httptest.NewRecorder()
	p.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	matched, matchErr := regexp.MatchString(`cdc_retry_attempts_total\{[^}]*\} 2`, body)
	require.NoError(t, matchErr)
	assert.True(t, matched, "expected a retry-attempts sample with value 2, got body:\n%s", body)
}

func TestTransactionCommitDeliversAllEventsAndAdvancesOffsets(t *testing.T) {
	offsets := offset.NewMemoryStore()
	p, err := New(Options{Offsets: offsets, ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	pub := &recordingPublisher{}

	ctx := t.Context()
	const txID = "tx-commit"
	_, err = p.StartTransaction(ctx, txID, "src-tx", "tenant-tx", "")
	require.NoError(t, err)

	evtA := &event.ChangeEvent{Source: "src-tx", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "10",
		After: map[string]interface{}{"id": 1}}
	evtB := &event.ChangeEvent{Source: "src-tx", Schema: "public", Table: "orders", Operation: event.OpUpdate, Offset: "11",
		Before: map[string]interface{}{"id": 1}, After: map[string]interface{}{"id": 1, "status": "paid"}}
	require.NoError(t, p.AddToTransaction(ctx, txID, evtA))
	require.NoError(t, p.AddToTransaction(ctx, txID, evtB))

	result, err := p.CommitTransaction(ctx, txID, pub)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.FailedEventCount)
	assert.Equal(t, 2, pub.eventCount())

	rec, ok, err := offsets.Get(ctx, offset.StreamID("src-tx", "public", "orders"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "11", rec.Value)
}

func TestTransactionRollbackPreventsCommit(t *testing.T) {
	p, err := New(Options{ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	pub := &recordingPublisher{}

	ctx := t.Context()
	const txID = "tx-rollback"
	_, err = p.StartTransaction(ctx, txID, "src-tx", "tenant-tx", "")
	require.NoError(t, err)
	evt := &event.ChangeEvent{Source: "src-tx", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "20"}
	require.NoError(t, p.AddToTransaction(ctx, txID, evt))

	require.NoError(t, p.RollbackTransaction(ctx, txID, "source aborted"))

	_, err = p.CommitTransaction(ctx, txID, pub)
	require.Error(t, err)
	assert.Zero(t, pub.callCount(), "a rolled-back group must never reach the publisher")
}

func TestStopStopsAdaptersAndClosesPublishers(t *testing.T) {
	registerEmittingAdapter(t, "pipe-stop", nil)

	pubs := publisher.NewRegistry()
	pub := &recordingPublisher{}
	registerRecordingPublisher(pubs, "recording-stop", pub)

	p, err := New(Options{Publishers: pubs, StopTimeout: time.Second, ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)

	ctx := t.Context()
	_, err = p.Bind(ctx, StreamBinding{
		SourceType: "pipe-stop", Source: "src-stop", Schema: "public", Table: "orders",
		TenantID: "tenant-stop", PublisherType: "recording-stop",
		BatchSize: 1, MaxConcurrency: 1,
	})
	require.NoError(t, err)

	// Stop blocks (bounded by StopTimeout) until dispatch.Engine.Shutdown
	// observes the adapter's done channel close, so a nil error here is
	// itself the proof that the adapter stopped producing.
	require.NoError(t, p.Stop(ctx))
	assert.True(t, pub.isClosed())
}

func TestDestinationLabelPrefersTopicThenURLThenType(t *testing.T) {
	assert.Equal(t, "orders-topic", destinationLabel(StreamBinding{
		PublisherType:    "kafka",
		PublisherOptions: map[string]string{"topic_template": "orders-topic"},
	}))
	assert.Equal(t, "https://example.com/hook", destinationLabel(StreamBinding{
		PublisherType:    "webhook",
		PublisherOptions: map[string]string{"url": "https://example.com/hook"},
	}))
	assert.Equal(t, "webhook", destinationLabel(StreamBinding{PublisherType: "webhook"}))
}

func TestNewDefaultsZeroValuedConfigBlocks(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })
	assert.Equal(t, 30*time.Second, p.stopTimeout)
	assert.NotNil(t, p.offsets)
	assert.NotNil(t, p.publishers)
	assert.NotNil(t, p.exactlyOnce)
}

func TestDeadLetterRoutesTerminalFailuresAndAdvancesOffset(t *testing.T) {
	pubs := publisher.NewRegistry()
	dlq := &recordingPublisher{}
	registerRecordingPublisher(pubs, "recording-dlq", dlq)

	offsets := offset.NewMemoryStore()
	cfg := fastExactlyOnce()
	cfg.Retry.MaxAttempts = 2
	p, err := New(Options{
		Offsets:     offsets,
		Publishers:  pubs,
		ExactlyOnce: cfg,
		DeadLetter: pipelineconfig.DeadLetterConfig{
			Enabled:          true,
			FailureThreshold: 1,
			PublisherType:    "recording-dlq",
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })

	pub := &recordingPublisher{failCount: 1 << 30} // never succeeds
	ctx := t.Context()
	evt := &event.ChangeEvent{Source: "src-dlq", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "5"}
	streamID := offset.StreamID(evt.Source, evt.Schema, evt.Table)

	// First terminal failure stays under the threshold: the offset must
	// not advance and nothing reaches the dead-letter sink.
	err = p.deliverOne(ctx, "tenant-dlq", streamID, "dest", pub, evt)
	require.Error(t, err)
	_, ok, _ := offsets.Get(ctx, streamID)
	assert.False(t, ok)
	assert.Zero(t, dlq.eventCount())

	// The second crosses it: the event parks in the dead-letter sink and
	// the offset moves past it.
	err = p.deliverOne(ctx, "tenant-dlq", streamID, "dest", pub, evt)
	require.NoError(t, err)
	assert.Equal(t, 1, dlq.eventCount())

	rec, ok, err := offsets.Get(ctx, streamID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5", rec.Value)
}

func TestDeadLetterDisabledLeavesOffsetUnadvanced(t *testing.T) {
	offsets := offset.NewMemoryStore()
	cfg := fastExactlyOnce()
	cfg.Retry.MaxAttempts = 2
	p, err := New(Options{Offsets: offsets, ExactlyOnce: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })

	pub := &recordingPublisher{failCount: 1 << 30}
	ctx := t.Context()
	evt := &event.ChangeEvent{Source: "src-nodlq", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "9"}
	streamID := offset.StreamID(evt.Source, evt.Schema, evt.Table)

	for i := 0; i < 3; i++ {
		require.Error(t, p.deliverOne(ctx, "tenant-nodlq", streamID, "dest", pub, evt))
	}
	_, ok, _ := offsets.Get(ctx, streamID)
	assert.False(t, ok, "without dead-lettering the offset must never move past a failed event")
}

// replaySource replays a fixed history from whatever offset it is given.
type replaySource struct {
	emittingSource
	history []*event.ChangeEvent
}

func (s *replaySource) ReplayFromOffset(ctx context.Context, fromOffset string, handler adapter.EventHandler) error {
	for _, evt := range s.history {
		if evt.Offset < fromOffset {
			continue
		}
		if err := handler(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func TestReplayRedeliversOnlyUndeliveredEvents(t *testing.T) {
	history := []*event.ChangeEvent{
		{Source: "src-replay", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "1", After: map[string]interface{}{"id": 1}},
		{Source: "src-replay", Schema: "public", Table: "t", Operation: event.OpInsert, Offset: "2", After: map[string]interface{}{"id": 2}},
	}
	adapter.Register("replaying", func(options map[string]string) (adapter.Source, error) {
		return &replaySource{history: history}, nil
	})

	pubs := publisher.NewRegistry()
	pub := &recordingPublisher{}
	registerRecordingPublisher(pubs, "recording-replay", pub)

	p, err := New(Options{Publishers: pubs, ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })

	ctx := t.Context()
	streamID := offset.StreamID("src-replay", "public", "t")

	// The first event was already delivered before the "restart".
	require.NoError(t, p.deliverOne(ctx, "tenant-replay", streamID, "dest", pub, history[0]))
	require.Equal(t, 1, pub.eventCount())

	binding := StreamBinding{
		SourceType: "replaying", Source: "src-replay", Schema: "public", Table: "t",
		TenantID: "tenant-replay", PublisherType: "recording-replay",
	}
	require.NoError(t, p.Replay(ctx, binding, "1"))

	// Offset "1" is absorbed as a duplicate; only offset "2" reaches the sink.
	assert.Equal(t, 2, pub.eventCount())
}

func TestBindReleasesSubscriptionSlotOnDispose(t *testing.T) {
	registerEmittingAdapter(t, "pipe-slot", nil)

	pubs := publisher.NewRegistry()
	registerRecordingPublisher(pubs, "recording-slot", &recordingPublisher{})

	throttling := pipelineconfig.DefaultThrottlingConfig()
	throttling.DefaultTenant.MaxConcurrentSubscriptions = 1
	p, err := New(Options{Publishers: pubs, Throttling: throttling, ExactlyOnce: fastExactlyOnce()})
	require.NoError(t, err)
	t.Cleanup(func() { p.Stop(context.Background()) })

	ctx := t.Context()
	binding := StreamBinding{
		SourceType: "pipe-slot", Source: "src-slot", Schema: "public", Table: "orders",
		TenantID: "tenant-slot", PublisherType: "recording-slot",
		BatchSize: 1, MaxConcurrency: 1,
	}

	handle, err := p.Bind(ctx, binding)
	require.NoError(t, err)

	_, err = p.Bind(ctx, binding)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription rejected")

	handle.Dispose()
	handle2, err := p.Bind(ctx, binding)
	require.NoError(t, err)
	handle2.Dispose()
}
