package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cdcflow/pipeline/adapter"
	"github.com/cdcflow/pipeline/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource feeds a fixed slice of events to whatever handler Start is
// given, then blocks until stopped.
type fakeSource struct {
	events []*event.ChangeEvent
	stop   chan struct{}
}

func (s *fakeSource) Type() string { return "fake" }

func (s *fakeSource) Start(ctx context.Context, handler adapter.EventHandler) error {
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

func (s *fakeSource) Stop(ctx context.Context) error                       { close(s.stop); return nil }
func (s *fakeSource) GetCurrentOffset(ctx context.Context) (string, error) { return "", nil }
func (s *fakeSource) SetOffset(ctx context.Context, offset string) error   { return nil }
func (s *fakeSource) ReplayFromOffset(ctx context.Context, fromOffset string, handler adapter.EventHandler) error {
	return nil
}

func registerFakeAdapter(t *testing.T, typeName string, events []*event.ChangeEvent) {
	t.Helper()
	adapter.Register(typeName, func(options map[string]string) (adapter.Source, error) {
		return &fakeSource{events: events, stop: make(chan struct{})}, nil
	})
}

func sampleEvents(n int) []*event.ChangeEvent {
	events := make([]*event.ChangeEvent, n)
	for i := range events {
		events[i] = &event.ChangeEvent{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "1"}
	}
	return events
}

func TestSubscribeDeliversMatchingEvents(t *testing.T) {
	registerFakeAdapter(t, "fake-deliver", sampleEvents(3))

	engine := NewEngine()
	var received int32
	var wg sync.WaitGroup
	wg.Add(3)

	handle, err := engine.Subscribe(t.Context(), SubscriptionOptions{
		SourceType: "fake-deliver", Source: "src-a", Schema: "public", Table: "orders",
		BatchSize: 1, MaxConcurrency: 1,
	}, func(ctx context.Context, events []*event.ChangeEvent) error {
		for range events {
			atomic.AddInt32(&received, 1)
			wg.Done()
		}
		return nil
	})
	require.NoError(t, err)
	defer handle.Dispose()

	wg.Wait()
	assert.Equal(t, int32(3), atomic.LoadInt32(&received))
}

func TestSubscribePredicateFiltersEvents(t *testing.T) {
	events := []*event.ChangeEvent{
		{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "1"},
		{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpDelete, Offset: "2"},
	}
	registerFakeAdapter(t, "fake-predicate", events)

	engine := NewEngine()
	var wg sync.WaitGroup
	wg.Add(1)
	var seenOps []event.Operation
	var mu sync.Mutex

	handle, err := engine.Subscribe(t.Context(), SubscriptionOptions{
		SourceType: "fake-predicate", Source: "src-a", Schema: "public", Table: "orders",
		Predicate:      func(e *event.ChangeEvent) bool { return e.Operation == event.OpDelete },
		BatchSize:      1,
		MaxConcurrency: 1,
	}, func(ctx context.Context, batch []*event.ChangeEvent) error {
		mu.Lock()
		for _, e := range batch {
			seenOps = append(seenOps, e.Operation)
		}
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	defer handle.Dispose()

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []event.Operation{event.OpDelete}, seenOps)
}

func TestSubscribeFieldMappingTransformsEvents(t *testing.T) {
	events := []*event.ChangeEvent{
		{Source: "src-a", Schema: "public", Table: "orders", Operation: event.OpInsert, Offset: "1",
			After: map[string]interface{}{"internal_id": "x1", "amount": 10}},
	}
	registerFakeAdapter(t, "fake-fieldmap", events)

	engine := NewEngine()
	var wg sync.WaitGroup
	wg.Add(1)
	var seen *event.ChangeEvent
	var mu sync.Mutex

	handle, err := engine.Subscribe(t.Context(), SubscriptionOptions{
		SourceType: "fake-fieldmap", Source: "src-a", Schema: "public", Table: "orders",
		BatchSize:      1,
		MaxConcurrency: 1,
		FieldMapping: func(e *event.ChangeEvent) *event.ChangeEvent {
			mapped := *e
			mapped.After = map[string]interface{}{"order_id": e.After["internal_id"], "amount": e.After["amount"]}
			return &mapped
		},
	}, func(ctx context.Context, batch []*event.ChangeEvent) error {
		mu.Lock()
		seen = batch[0]
		mu.Unlock()
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	defer handle.Dispose()

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, seen)
	assert.Equal(t, "x1", seen.After["order_id"])
	_, hasInternalID := seen.After["internal_id"]
	assert.False(t, hasInternalID)
}

func TestSubscribeBatchesByBatchSize(t *testing.T) {
	registerFakeAdapter(t, "fake-batch", sampleEvents(4))

	engine := NewEngine()
	var wg sync.WaitGroup
	wg.Add(1)
	var batchLen int

	handle, err := engine.Subscribe(t.Context(), SubscriptionOptions{
		SourceType: "fake-batch", Source: "src-a", Schema: "public", Table: "orders",
		BatchSize: 4, MaxConcurrency: 1,
	}, func(ctx context.Context, batch []*event.ChangeEvent) error {
		batchLen = len(batch)
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	defer handle.Dispose()

	wg.Wait()
	assert.Equal(t, 4, batchLen)
}

func TestSubscribeFlushesByIntervalWhenBatchIncomplete(t *testing.T) {
	registerFakeAdapter(t, "fake-flush", sampleEvents(1))

	engine := NewEngine()
	var wg sync.WaitGroup
	wg.Add(1)

	handle, err := engine.Subscribe(t.Context(), SubscriptionOptions{
		SourceType: "fake-flush", Source: "src-a", Schema: "public", Table: "orders",
		BatchSize: 100, FlushInterval: 20 * time.Millisecond, MaxConcurrency: 1,
	}, func(ctx context.Context, batch []*event.ChangeEvent) error {
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	defer handle.Dispose()

	wg.Wait()
}

func TestDisposeStopsAdapterWhenLastSubscriptionRemoved(t *testing.T) {
	registerFakeAdapter(t, "fake-dispose", []*event.ChangeEvent{})

	engine := NewEngine()
	handle, err := engine.Subscribe(t.Context(), SubscriptionOptions{
		SourceType: "fake-dispose", Source: "src-a", Schema: "public", Table: "orders",
		BatchSize: 1, MaxConcurrency: 1,
	}, func(ctx context.Context, batch []*event.ChangeEvent) error { return nil })
	require.NoError(t, err)

	handle.Dispose()

	engine.mu.Lock()
	_, adapterStillRunning := engine.adapters["fake-dispose:src-a"]
	engine.mu.Unlock()
	assert.False(t, adapterStillRunning)
}
