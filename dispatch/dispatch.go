// Package dispatch routes events from running source adapters to
// subscriber callbacks. Adapters are started lazily on first matching
// subscription and run their blocking read loop on a dedicated goroutine,
// the same shape as redb-open's pkg/stream/adapter ConsumerOperator.
// Consume: "a blocking operation that runs until the context is cancelled"
// invoking a handler for every message.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cdcflow/pipeline/adapter"
	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/xlog"
	"github.com/cdcflow/pipeline/offset"
)

// Handler processes one batch of events for a subscription. A non-nil
// error means the offset for every event in the batch must not advance;
// the engine logs the error and neither retries nor dead-letters the
// batch, so any such policy runs inside the handler itself.
type Handler func(ctx context.Context, events []*event.ChangeEvent) error

// SubscriptionOptions configures one subscription.
type SubscriptionOptions struct {
	SourceType    string // adapter type name, e.g. "postgres-logical"
	SourceOptions map[string]string
	Source        string // logical source identifier the adapter reports on ChangeEvent.Source
	Schema        string
	Table         string
	Predicate     func(*event.ChangeEvent) bool
	BatchSize     int
	FlushInterval time.Duration
	MaxConcurrency int

	// FieldMapping, if set, transforms each event before it is buffered for
	// this subscription only — e.g. renaming or dropping columns for a
	// downstream schema the rest of the pipeline never sees. Off unless a
	// subscriber supplies one; the core dispatch path never transforms
	// business data on its own.
	FieldMapping func(*event.ChangeEvent) *event.ChangeEvent
}

// SubscriptionHandle lets a caller deregister a subscription.
type SubscriptionHandle interface {
	Dispose()
}

type subscription struct {
	id       uint64
	opts     SubscriptionOptions
	handler  Handler
	engine   *Engine
	streamKey string

	mu     sync.Mutex
	batch  []*event.ChangeEvent
	timer  *time.Timer
	sem    chan struct{}
	closed bool
}

func (s *subscription) matches(evt *event.ChangeEvent) bool {
	if s.opts.Predicate != nil && !s.opts.Predicate(evt) {
		return false
	}
	return true
}

// enqueue appends evt (passed through FieldMapping first, if set) to the
// pending batch, flushing immediately once BatchSize is reached, and
// otherwise on the subscription's flush interval.
func (s *subscription) enqueue(evt *event.ChangeEvent) {
	if s.opts.FieldMapping != nil {
		evt = s.opts.FieldMapping(evt)
		if evt == nil {
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.batch = append(s.batch, evt)
	full := s.opts.BatchSize > 0 && len(s.batch) >= s.opts.BatchSize
	if full {
		batch := s.batch
		s.batch = nil
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.mu.Unlock()
		s.dispatch(batch)
		return
	}
	if s.timer == nil && s.opts.FlushInterval > 0 {
		s.timer = time.AfterFunc(s.opts.FlushInterval, s.flushOnTimer)
	}
	s.mu.Unlock()
}

func (s *subscription) flushOnTimer() {
	s.mu.Lock()
	if s.closed || len(s.batch) == 0 {
		s.timer = nil
		s.mu.Unlock()
		return
	}
	batch := s.batch
	s.batch = nil
	s.timer = nil
	s.mu.Unlock()
	s.dispatch(batch)
}

// dispatch submits batch for delivery, bounded to MaxConcurrency
// in-flight handler calls for this subscription. Batches are submitted in
// arrival order: within a single (source, schema, table) stream, events
// are dispatched in adapter-delivered order.
func (s *subscription) dispatch(batch []*event.ChangeEvent) {
	s.sem <- struct{}{}
	go func() {
		defer func() { <-s.sem }()
		ctx := context.Background()
		if err := s.handler(ctx, batch); err != nil {
			s.engine.log.Warn("subscription %d handler failed for %d event(s): %v", s.id, len(batch), err)
		}
	}()
}

// Dispose deregisters the subscription and, if it was the last one on its
// source, signals the adapter to stop.
func (s *subscription) Dispose() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.engine.remove(s)
}

// adapterRunner owns one running adapter.Source shared by every
// subscription on that source.
type adapterRunner struct {
	source adapter.Source
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine implements the subscription & dispatch engine.
type Engine struct {
	log *xlog.Logger

	mu        sync.Mutex
	adapters  map[string]*adapterRunner  // keyed by SourceType+":"+Source
	subsByKey map[string][]*subscription // keyed by offset.StreamID(source, schema, table)
	nextID    uint64
}

// NewEngine builds an Engine.
func NewEngine() *Engine {
	return &Engine{
		log:       xlog.New("dispatch"),
		adapters:  make(map[string]*adapterRunner),
		subsByKey: make(map[string][]*subscription),
	}
}

// Subscribe registers a handler for events matching opts, starting the
// underlying adapter if this is the first subscription on that source.
func (e *Engine) Subscribe(ctx context.Context, opts SubscriptionOptions, handler Handler) (SubscriptionHandle, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}

	e.mu.Lock()
	e.nextID++
	sub := &subscription{
		id:        e.nextID,
		opts:      opts,
		handler:   handler,
		engine:    e,
		streamKey: offset.StreamID(opts.Source, opts.Schema, opts.Table),
		sem:       make(chan struct{}, opts.MaxConcurrency),
	}
	e.subsByKey[sub.streamKey] = append(e.subsByKey[sub.streamKey], sub)

	adapterKey := opts.SourceType + ":" + opts.Source
	_, exists := e.adapters[adapterKey]
	e.mu.Unlock()

	if exists {
		return sub, nil
	}
	return sub, e.startAdapter(adapterKey, opts)
}

func (e *Engine) startAdapter(adapterKey string, opts SubscriptionOptions) error {
	e.mu.Lock()
	if _, exists := e.adapters[adapterKey]; exists {
		e.mu.Unlock()
		return nil
	}
	src, err := adapter.New(opts.SourceType, opts.SourceOptions)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("dispatch: starting adapter %s: %w", adapterKey, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	runner := &adapterRunner{source: src, cancel: cancel, done: make(chan struct{})}
	e.adapters[adapterKey] = runner
	e.mu.Unlock()

	go func() {
		defer close(runner.done)
		if err := src.Start(runCtx, e.route); err != nil && runCtx.Err() == nil {
			e.log.Warn("adapter %s stopped with error: %v", adapterKey, err)
		}
	}()
	return nil
}

// route is the adapter.EventHandler passed to every running source; it
// fans the event out to every matching subscription.
func (e *Engine) route(ctx context.Context, evt *event.ChangeEvent) error {
	key := offset.StreamID(evt.Source, evt.Schema, evt.Table)
	e.mu.Lock()
	subs := append([]*subscription(nil), e.subsByKey[key]...)
	e.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(evt) {
			sub.enqueue(evt)
		}
	}
	return nil
}

// remove deregisters sub and stops the adapter if no subscriptions remain
// on its source.
func (e *Engine) remove(sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remaining := e.subsByKey[sub.streamKey][:0]
	for _, s := range e.subsByKey[sub.streamKey] {
		if s.id != sub.id {
			remaining = append(remaining, s)
		}
	}
	if len(remaining) == 0 {
		delete(e.subsByKey, sub.streamKey)
	} else {
		e.subsByKey[sub.streamKey] = remaining
	}

	adapterKey := sub.opts.SourceType + ":" + sub.opts.Source
	if e.anySubscriptionOnSource(adapterKey) {
		return
	}
	if runner, ok := e.adapters[adapterKey]; ok {
		runner.cancel()
		delete(e.adapters, adapterKey)
	}
}

// Shutdown disposes every subscription and waits, bounded by ctx, for every
// running adapter to stop producing: cooperative shutdown means the
// adapter ceases producing and its resources are released before the
// caller's own StopTimeout expires.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	var subs []*subscription
	for _, list := range e.subsByKey {
		subs = append(subs, list...)
	}
	runners := make([]*adapterRunner, 0, len(e.adapters))
	for _, r := range e.adapters {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}

	for _, r := range runners {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) anySubscriptionOnSource(adapterKey string) bool {
	for _, subs := range e.subsByKey {
		for _, s := range subs {
			if s.opts.SourceType+":"+s.opts.Source == adapterKey {
				return true
			}
		}
	}
	return false
}
