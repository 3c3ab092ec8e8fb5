// Package pipeline wires the event model, source adapters, publishers, the
// exactly-once delivery manager, the transactional grouping manager, the
// throttle controller, and the subscription & dispatch engine into a single
// end-to-end flow: adapter stream, normalize, optional transactional
// grouping buffer, filter/subscription dispatch, publisher, exactly-once
// manager (idempotency, retry), sink. Offsets are advanced only after
// successful dispatch. The wiring style — a small root struct holding every
// collaborator, constructed once, with no process-wide singletons beyond
// the metrics registry — keeps global mutable state wrapped in explicit
// service objects injected through that root struct.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cdcflow/pipeline/adapter"
	"github.com/cdcflow/pipeline/dispatch"
	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/exactlyonce"
	"github.com/cdcflow/pipeline/internal/health"
	"github.com/cdcflow/pipeline/internal/pipelineconfig"
	"github.com/cdcflow/pipeline/internal/xlog"
	"github.com/cdcflow/pipeline/metrics"
	"github.com/cdcflow/pipeline/offset"
	"github.com/cdcflow/pipeline/publisher"
	"github.com/cdcflow/pipeline/throttle"
	"github.com/cdcflow/pipeline/txgroup"
)

// Options constructs a Pipeline. Fields left zero fall back to the package
// defaults: DefaultExactlyOnceConfig, DefaultTransactionalConfig,
// DefaultThrottlingConfig, an in-memory offset store, and the global
// publisher registry.
type Options struct {
	Global        pipelineconfig.GlobalConfig
	ExactlyOnce   pipelineconfig.ExactlyOnceConfig
	Transactional pipelineconfig.TransactionalConfig
	Throttling    pipelineconfig.ThrottlingConfig
	DeadLetter    pipelineconfig.DeadLetterConfig

	// StopTimeout bounds cooperative shutdown.
	StopTimeout time.Duration

	// Offsets, if nil, defaults to a fresh offset.MemoryStore.
	Offsets offset.Store

	// Publishers, if nil, defaults to publisher.GlobalRegistry().
	Publishers *publisher.Registry
}

// Pipeline is the root struct: every collaborator is a field here,
// constructed once by New, with no ambient singletons.
type Pipeline struct {
	global      pipelineconfig.GlobalConfig
	stopTimeout time.Duration

	dispatch    *dispatch.Engine
	offsets     offset.Store
	exactlyOnce *exactlyonce.Manager
	txGroups    *txgroup.Manager
	throttleCtl *throttle.Controller
	metricsReg  *metrics.Registry
	health      *health.Checker
	publishers  *publisher.Registry
	log         *xlog.Logger

	deadLetter    pipelineconfig.DeadLetterConfig
	deadLetterPub publisher.Publisher

	mu             sync.Mutex
	boundHandles   []dispatch.SubscriptionHandle
	boundPubs      []publisher.Publisher
	streamFailures map[string]int
	sweepStop      chan struct{}
	sweepDone      chan struct{}
}

// New builds a Pipeline from opts, applying package defaults for any
// zero-valued config block.
func New(opts Options) (*Pipeline, error) {
	if opts.ExactlyOnce.Retry.MaxAttempts == 0 {
		opts.ExactlyOnce = pipelineconfig.DefaultExactlyOnceConfig()
	}
	if opts.Transactional.MaxEventsPerTransaction == 0 {
		opts.Transactional = pipelineconfig.DefaultTransactionalConfig()
	}
	if opts.Throttling.Global.MaxEventsPerSecond == 0 {
		opts.Throttling = pipelineconfig.DefaultThrottlingConfig()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.Offsets == nil {
		opts.Offsets = offset.NewMemoryStore()
	}
	if opts.Publishers == nil {
		opts.Publishers = publisher.GlobalRegistry()
	}

	eo, err := exactlyonce.NewManager(opts.ExactlyOnce)
	if err != nil {
		return nil, fmt.Errorf("pipeline: building exactly-once manager: %w", err)
	}

	p := &Pipeline{
		global:         opts.Global,
		stopTimeout:    opts.StopTimeout,
		dispatch:       dispatch.NewEngine(),
		offsets:        opts.Offsets,
		exactlyOnce:    eo,
		txGroups:       txgroup.NewManager(opts.Transactional),
		throttleCtl:    throttle.NewController(opts.Throttling),
		metricsReg:     metrics.New(),
		health:         health.NewChecker(),
		publishers:     opts.Publishers,
		log:            xlog.New("pipeline"),
		deadLetter:     opts.DeadLetter,
		streamFailures: make(map[string]int),
		sweepStop:      make(chan struct{}),
		sweepDone:      make(chan struct{}),
	}
	if opts.DeadLetter.Enabled {
		dlq, err := opts.Publishers.New(opts.DeadLetter.PublisherType, opts.DeadLetter.PublisherOptions)
		if err != nil {
			return nil, fmt.Errorf("pipeline: building dead-letter publisher: %w", err)
		}
		p.deadLetterPub = dlq
	}
	go p.runSweeper(opts.Transactional)
	return p, nil
}

// Metrics exposes the registry so a host process can serve its Handler.
func (p *Pipeline) Metrics() *metrics.Registry { return p.metricsReg }

// Health exposes the aggregate checker for a host's health endpoint.
func (p *Pipeline) Health() *health.Checker { return p.health }

// StreamBinding declares one end-to-end wiring of an adapter stream to a
// publisher sink, generalized from dispatch.SubscriptionOptions with the
// publisher side the data flow requires.
type StreamBinding struct {
	SourceType    string
	SourceOptions map[string]string
	Source        string
	Schema        string
	Table         string

	TenantID string

	PublisherType    string
	PublisherOptions map[string]string

	Predicate      func(*event.ChangeEvent) bool
	FieldMapping   func(*event.ChangeEvent) *event.ChangeEvent
	BatchSize      int
	FlushInterval  time.Duration
	MaxConcurrency int
}

// Bind starts (or reuses) the source adapter for binding.Source and
// delivers every matching event through binding's publisher, under the
// exactly-once manager and the throttle controller, advancing the offset
// store only after a successful delivery.
func (p *Pipeline) Bind(ctx context.Context, binding StreamBinding) (dispatch.SubscriptionHandle, error) {
	releaseSlot, decision := p.throttleCtl.AcquireSubscription(binding.TenantID)
	if !decision.Allowed {
		return nil, fmt.Errorf("pipeline: subscription rejected (%s), retry after %.2fs", decision.Reason, decision.RetryAfterSeconds)
	}

	pubOpts := binding.PublisherOptions
	if p.global.DefaultSerializer != "" && pubOpts["serializer"] == "" {
		merged := make(map[string]string, len(pubOpts)+1)
		for k, v := range pubOpts {
			merged[k] = v
		}
		merged["serializer"] = p.global.DefaultSerializer
		pubOpts = merged
	}
	pub, err := p.publishers.New(binding.PublisherType, pubOpts)
	if err != nil {
		releaseSlot()
		return nil, fmt.Errorf("pipeline: building publisher %s: %w", binding.PublisherType, err)
	}

	batchSize := binding.BatchSize
	if batchSize <= 0 {
		batchSize = p.global.DefaultBatchSize
	}
	flush := binding.FlushInterval
	if flush <= 0 {
		flush = time.Duration(p.global.DefaultFlushIntervalMs) * time.Millisecond
	}
	concurrency := binding.MaxConcurrency
	if concurrency <= 0 {
		concurrency = p.global.DefaultMaxDegreeOfParallelism
	}

	handle, err := p.dispatch.Subscribe(ctx, dispatch.SubscriptionOptions{
		SourceType:     binding.SourceType,
		SourceOptions:  binding.SourceOptions,
		Source:         binding.Source,
		Schema:         binding.Schema,
		Table:          binding.Table,
		Predicate:      binding.Predicate,
		FieldMapping:   binding.FieldMapping,
		BatchSize:      batchSize,
		FlushInterval:  flush,
		MaxConcurrency: concurrency,
	}, p.makeHandler(binding, pub))
	if err != nil {
		pub.Close(ctx)
		releaseSlot()
		return nil, fmt.Errorf("pipeline: binding %s/%s/%s: %w", binding.Source, binding.Schema, binding.Table, err)
	}
	handle = &slotHandle{SubscriptionHandle: handle, release: releaseSlot}

	p.mu.Lock()
	p.boundHandles = append(p.boundHandles, handle)
	p.boundPubs = append(p.boundPubs, pub)
	p.mu.Unlock()
	return handle, nil
}

// slotHandle returns a binding's concurrent-subscription slot to the
// throttle controller when the subscription is disposed.
type slotHandle struct {
	dispatch.SubscriptionHandle
	release func()
}

func (h *slotHandle) Dispose() {
	h.SubscriptionHandle.Dispose()
	h.release()
}

// makeHandler builds the dispatch.Handler that drives one stream's events
// through throttling, exactly-once delivery, metrics, health, and offset
// advancement, in that order.
func (p *Pipeline) makeHandler(binding StreamBinding, pub publisher.Publisher) dispatch.Handler {
	streamID := offset.StreamID(binding.Source, binding.Schema, binding.Table)
	destination := destinationLabel(binding)

	return func(ctx context.Context, events []*event.ChangeEvent) error {
		var lastErr error
		var lastLag time.Duration

		for _, evt := range events {
			if err := p.deliverOne(ctx, binding.TenantID, streamID, destination, pub, evt); err != nil {
				lastErr = err
				p.health.RunCheck(streamID, func() (time.Duration, error) { return lastLag, err })
				return err
			}
			if !evt.TimestampUTC.IsZero() {
				lastLag = time.Since(evt.TimestampUTC)
				p.metricsReg.SetStreamLag(evt.Source, evt.Schema, evt.Table, lastLag)
			}
		}

		p.health.RunCheck(streamID, func() (time.Duration, error) { return lastLag, lastErr })
		return nil
	}
}

// deliverOne pushes a single event through admission control, exactly-once
// delivery, and post-delivery bookkeeping.
func (p *Pipeline) deliverOne(ctx context.Context, tenantID, streamID, destination string, pub publisher.Publisher, evt *event.ChangeEvent) error {
	procTimer := metrics.NewTimer()
	defer func() {
		procTimer.ObserveSeconds(p.metricsReg.ProcessingDuration, evt.Source, evt.Schema, evt.Table, string(evt.Operation))
	}()

	decision := p.throttleCtl.Allow(tenantID)
	if !decision.Allowed {
		p.metricsReg.EventsFailedTotal.WithLabelValues(evt.Source, evt.Schema, evt.Table, string(evt.Operation)).Inc()
		return fmt.Errorf("pipeline: throttled (%s), retry after %.2fs", decision.Reason, decision.RetryAfterSeconds)
	}
	p.throttleCtl.RecordRequest(tenantID)

	ctx, span := p.metricsReg.StartEventSpan(ctx, evt.Source, evt.Schema, evt.Table, string(evt.Operation), evt.Offset)
	defer span.End()

	timer := metrics.NewTimer()
	result, err := p.exactlyOnce.DeliverExactlyOnce(ctx, evt, pub)
	timer.ObserveSeconds(p.metricsReg.PublishDuration, evt.Source, pub.Type(), destination)

	if err != nil || !result.Success {
		p.metricsReg.EventsFailedTotal.WithLabelValues(evt.Source, evt.Schema, evt.Table, string(evt.Operation)).Inc()
		p.metricsReg.PublishFailedTotal.WithLabelValues(evt.Source, pub.Type(), destination).Inc()
		if result.Attempts > 1 {
			p.metricsReg.RetryAttemptsTotal.WithLabelValues(evt.Source, pub.Type(), destination).Add(float64(result.Attempts - 1))
		}
		if err != nil {
			return err
		}
		// Terminal delivery failure: every retry attempt is exhausted.
		if routed := p.maybeDeadLetter(ctx, streamID, destination, pub.Type(), evt); routed {
			// The event is parked in the dead-letter sink; the offset may
			// move past it.
			if saveErr := p.offsets.Save(ctx, streamID, evt.Offset); saveErr != nil {
				return fmt.Errorf("pipeline: saving offset past dead-lettered event: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("pipeline: delivery failed after %d attempt(s): %w", result.Attempts, result.LastError)
	}

	p.resetStreamFailures(streamID)
	p.metricsReg.EventsProcessedTotal.WithLabelValues(evt.Source, evt.Schema, evt.Table, string(evt.Operation)).Inc()
	if !result.Duplicate {
		p.metricsReg.EventsPublishedTotal.WithLabelValues(evt.Source, pub.Type(), destination).Inc()
	}
	if result.Attempts > 1 {
		p.metricsReg.RetryAttemptsTotal.WithLabelValues(evt.Source, pub.Type(), destination).Add(float64(result.Attempts - 1))
	}
	p.metricsReg.SetLastProcessedOffset(evt.Source, evt.Schema, evt.Table, evt.Offset)

	// Offsets are advanced only after successful dispatch.
	if err := p.offsets.Save(ctx, streamID, evt.Offset); err != nil {
		return fmt.Errorf("pipeline: saving offset: %w", err)
	}
	return nil
}

// maybeDeadLetter counts consecutive terminal failures on streamID and,
// once dead-lettering is enabled and the configured threshold is crossed,
// hands evt to the dead-letter publisher. It reports whether the event was
// routed; a false return leaves the offset unadvanced.
func (p *Pipeline) maybeDeadLetter(ctx context.Context, streamID, destination, publisherType string, evt *event.ChangeEvent) bool {
	p.mu.Lock()
	p.streamFailures[streamID]++
	failures := p.streamFailures[streamID]
	p.mu.Unlock()

	if p.deadLetterPub == nil || failures <= p.deadLetter.FailureThreshold {
		return false
	}

	if err := p.deadLetterPub.Publish(ctx, evt); err != nil {
		p.log.Error("dead-letter publish failed for %s offset %s: %v", streamID, evt.Offset, err)
		return false
	}
	p.metricsReg.DeadLetterEventsTotal.WithLabelValues(evt.Source, publisherType, destination).Inc()
	p.log.Warn("event %s offset %s routed to dead-letter sink after %d consecutive failures", streamID, evt.Offset, failures)
	p.resetStreamFailures(streamID)
	return true
}

func (p *Pipeline) resetStreamFailures(streamID string) {
	p.mu.Lock()
	delete(p.streamFailures, streamID)
	p.mu.Unlock()
}

// StartTransaction opens a transactional group at the given priority, for
// callers (typically an adapter observing a source-side BEGIN) that need
// to buffer events until an atomic commit.
func (p *Pipeline) StartTransaction(ctx context.Context, transactionID, source, tenantID string, priority pipelineconfig.Priority) (*txgroup.Group, error) {
	return p.txGroups.Start(ctx, transactionID, source, tenantID, priority)
}

// AddToTransaction appends evt to an open transactional group.
func (p *Pipeline) AddToTransaction(ctx context.Context, transactionID string, evt *event.ChangeEvent) error {
	return p.txGroups.AddEvent(ctx, transactionID, evt)
}

// CommitTransaction closes the group, validates its checksum, and delivers
// every event it holds as one atomic unit via the exactly-once manager,
// retrying the whole-group delivery (Delivering -> Retrying -> Delivering)
// up to MaxDeliveryRetries times: either every event is eventually
// delivered, or the result reports success=false with failedEventCount>0
// and no offset past the first failure is advanced.
func (p *Pipeline) CommitTransaction(ctx context.Context, transactionID string, pub publisher.Publisher) (exactlyonce.DeliveryResult, error) {
	if err := p.txGroups.Commit(ctx, transactionID); err != nil {
		return exactlyonce.DeliveryResult{}, fmt.Errorf("pipeline: committing transaction %s: %w", transactionID, err)
	}
	group, err := p.txGroups.Get(ctx, transactionID)
	if err != nil {
		return exactlyonce.DeliveryResult{}, err
	}

	var result exactlyonce.DeliveryResult
	for {
		if err := p.txGroups.BeginDelivery(ctx, transactionID); err != nil {
			return exactlyonce.DeliveryResult{}, err
		}
		snapshot := group.Snapshot()
		result, err = p.exactlyOnce.DeliverTransactionalGroupExactlyOnce(ctx, exactlyonce.EventGroup{
			TransactionID: transactionID,
			Events:        snapshot.Events,
		}, pub)
		if err != nil {
			return exactlyonce.DeliveryResult{}, err
		}
		retry, recErr := p.txGroups.RecordDeliveryAttempt(ctx, transactionID, result.Success, result.LastError)
		if recErr != nil {
			return result, recErr
		}
		if !retry {
			break
		}
	}
	if !result.Success {
		return result, nil
	}

	// result.Success (checked above) means FailedEventCount == 0: every
	// event in the group was delivered, so every offset advances.
	for _, evt := range group.Snapshot().Events {
		streamID := offset.StreamID(evt.Source, evt.Schema, evt.Table)
		if err := p.offsets.Save(ctx, streamID, evt.Offset); err != nil {
			return result, fmt.Errorf("pipeline: saving offset for transactional event: %w", err)
		}
	}
	return result, nil
}

// RollbackTransaction abandons a group without delivering its events.
func (p *Pipeline) RollbackTransaction(ctx context.Context, transactionID, reason string) error {
	return p.txGroups.Rollback(ctx, transactionID, reason)
}

// Replay reads historical events from binding's source starting at
// fromOffset, in source order, and drives each through the same
// delivery path live events take; the exactly-once manager absorbs any
// event the pipeline already delivered. Replay admission draws against
// the tenant's replay budget, not its live event-processing budget.
func (p *Pipeline) Replay(ctx context.Context, binding StreamBinding, fromOffset string) error {
	if d := p.throttleCtl.AllowKind(binding.TenantID, throttle.KindReplay); !d.Allowed {
		return fmt.Errorf("pipeline: replay rejected (%s), retry after %.2fs", d.Reason, d.RetryAfterSeconds)
	}
	p.throttleCtl.RecordRequestKind(binding.TenantID, throttle.KindReplay)

	src, err := adapter.New(binding.SourceType, binding.SourceOptions)
	if err != nil {
		return fmt.Errorf("pipeline: building replay adapter %s: %w", binding.SourceType, err)
	}
	pub, err := p.publishers.New(binding.PublisherType, binding.PublisherOptions)
	if err != nil {
		return fmt.Errorf("pipeline: building replay publisher %s: %w", binding.PublisherType, err)
	}
	defer pub.Close(ctx)

	streamID := offset.StreamID(binding.Source, binding.Schema, binding.Table)
	destination := destinationLabel(binding)
	return src.ReplayFromOffset(ctx, fromOffset, func(ctx context.Context, evt *event.ChangeEvent) error {
		if binding.Predicate != nil && !binding.Predicate(evt) {
			return nil
		}
		return p.deliverOne(ctx, binding.TenantID, streamID, destination, pub, evt)
	})
}

// destinationLabel picks the most specific sink identifier available in a
// binding's opaque publisher options (e.g. a Kafka topic, a pub/sub topic,
// a webhook URL) for the metrics "destination" label, falling back to the
// publisher type when no such option is present.
func destinationLabel(binding StreamBinding) string {
	for _, key := range []string{"topic_template", "url"} {
		if v := binding.PublisherOptions[key]; v != "" {
			return v
		}
	}
	return binding.PublisherType
}

// runSweeper periodically times out stale transactional groups and
// garbage-collects terminal ones past their retention window.
func (p *Pipeline) runSweeper(cfg pipelineconfig.TransactionalConfig) {
	defer close(p.sweepDone)

	interval := time.Duration(cfg.TimeoutProcessingIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.txGroups.ProcessTimeouts(context.Background())
			p.txGroups.CleanupCompleted(context.Background())
		}
	}
}

// Stop tears the pipeline down cooperatively, bounded by the configured
// StopTimeout: every adapter stops producing, every publisher is closed,
// and the background sweeper exits.
func (p *Pipeline) Stop(ctx context.Context) error {
	stopCtx, cancel := context.WithTimeout(ctx, p.stopTimeout)
	defer cancel()

	err := p.dispatch.Shutdown(stopCtx)

	close(p.sweepStop)
	select {
	case <-p.sweepDone:
	case <-stopCtx.Done():
		if err == nil {
			err = stopCtx.Err()
		}
	}

	p.mu.Lock()
	pubs := p.boundPubs
	p.mu.Unlock()
	for _, pub := range pubs {
		if closeErr := pub.Close(stopCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if p.deadLetterPub != nil {
		if closeErr := p.deadLetterPub.Close(stopCtx); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
