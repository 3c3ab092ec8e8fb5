// Package exactlyonce provides at-most-once visible effect at sinks
// despite at-least-once delivery from source adapters. Its session registry
// and per-key locking are grounded on redb-open's
// services/webhook/engine.go Engine: a map of in-flight work keyed by ID
// and guarded by a mutex (there, webhookTracker/trackerMutex; here,
// sessions/mu), the same shape generalized to the exactly-once key space.
package exactlyonce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cdcflow/pipeline/event"
	"github.com/cdcflow/pipeline/internal/pipelineconfig"
	"github.com/cdcflow/pipeline/internal/xlog"
	"github.com/cdcflow/pipeline/publisher"
)

// Attempt records one delivery attempt.
type Attempt struct {
	Number    int
	Timestamp time.Time
	Succeeded bool
	Err       error
}

// DeliveryResult is the outcome reported to callers of DeliverExactlyOnce
// and DeliverTransactionalGroupExactlyOnce.
type DeliveryResult struct {
	Success          bool
	Duplicate        bool
	Attempts         int
	FailedEventCount int
	LastError        error
}

// EventGroup is the minimal shape the exactly-once manager needs from a
// transactional group: an ordered set of events delivered together. The
// pipeline package builds one of these from a txgroup Group's events before
// calling DeliverTransactionalGroupExactlyOnce, so neither of the two
// packages imports the other.
type EventGroup struct {
	TransactionID string
	Events        []*event.ChangeEvent
}

// deliverySession tracks one in-flight DeliverExactlyOnce call, the same
// role redb-open's webhookDelivery struct plays for one in-flight
// webhook send.
type deliverySession struct {
	Key       string
	Event     *event.ChangeEvent
	StartedAt time.Time
	Attempts  []Attempt
}

// Manager implements the exactly-once delivery algorithm: idempotency and
// content-hash dedup checks, bounded-concurrency admission, and retry with
// backoff around each publish attempt.
type Manager struct {
	cfg         pipelineconfig.ExactlyOnceConfig
	idempotency IdempotencyStore
	dedup       DedupStore
	acks        AckStore
	log         *xlog.Logger

	admission chan struct{} // sized to MaxConcurrentDeliveries

	mu       sync.Mutex
	sessions map[string]*deliverySession
	keyLocks map[string]*sync.Mutex
}

// NewManager builds a Manager with in-memory stores sized from cfg.
func NewManager(cfg pipelineconfig.ExactlyOnceConfig) (*Manager, error) {
	idem, err := NewMemoryIdempotencyStore(cfg.Idempotency)
	if err != nil {
		return nil, fmt.Errorf("exactlyonce: building idempotency store: %w", err)
	}
	dedup, err := NewMemoryDedupStore(cfg.Deduplication)
	if err != nil {
		return nil, fmt.Errorf("exactlyonce: building dedup store: %w", err)
	}
	maxConcurrent := cfg.MaxConcurrentDeliveries
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Manager{
		cfg:         cfg,
		idempotency: idem,
		dedup:       dedup,
		acks:        NewMemoryAckStore(),
		log:         xlog.New("exactlyonce"),
		admission:   make(chan struct{}, maxConcurrent),
		sessions:    make(map[string]*deliverySession),
		keyLocks:    make(map[string]*sync.Mutex),
	}, nil
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

// DeliverExactlyOnce delivers evt to pub exactly once: an idempotency-key
// hit or content-hash dedup hit short-circuits as a duplicate, otherwise the
// event is published under bounded concurrency with retry on failure.
func (m *Manager) DeliverExactlyOnce(ctx context.Context, evt *event.ChangeEvent, pub publisher.Publisher) (DeliveryResult, error) {
	key := IdempotencyKey(m.cfg.Idempotency.KeyStrategy, evt)

	// Concurrent calls sharing a key serialize here; the loser observes
	// whatever the winner stored.
	keyLock := m.lockFor(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	if rec, found, err := m.idempotency.Get(ctx, key); err != nil {
		m.log.Warn("idempotency store get failed, proceeding (fail-open): %v", err)
	} else if found {
		_ = rec
		return DeliveryResult{Success: true, Duplicate: true, Attempts: 1}, nil
	}

	if m.cfg.Deduplication.Enabled {
		hash := ContentHash(evt)
		contains, err := m.dedup.Contains(ctx, hash)
		if err != nil {
			m.log.Warn("dedup store contains failed, proceeding (fail-open): %v", err)
		} else if contains {
			return DeliveryResult{Success: true, Duplicate: true, Attempts: 1}, nil
		}
	}

	select {
	case m.admission <- struct{}{}:
		defer func() { <-m.admission }()
	case <-ctx.Done():
		return DeliveryResult{}, ctx.Err()
	}

	session := &deliverySession{Key: key, Event: evt, StartedAt: time.Now()}
	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
	}()

	result := m.deliverWithRetry(ctx, evt, pub, session)

	if result.Success {
		if err := m.idempotency.Put(ctx, key, IdempotencyRecord{EventDigest: ContentHash(evt), StoredAt: time.Now()}); err != nil {
			m.log.Warn("idempotency store put failed (fail-open): %v", err)
		}
		if m.cfg.Deduplication.Enabled {
			if err := m.dedup.Add(ctx, ContentHash(evt)); err != nil {
				m.log.Warn("dedup store add failed (fail-open): %v", err)
			}
		}
		if m.cfg.Acknowledgment.Required {
			if err := m.Acknowledge(ctx, key, true); err != nil {
				m.log.Warn("acknowledge failed (fail-open): %v", err)
			}
		}
	}
	return result, nil
}

// deliverWithRetry performs bounded exponential backoff between attempts,
// honoring ctx cancellation between retries.
func (m *Manager) deliverWithRetry(ctx context.Context, evt *event.ChangeEvent, pub publisher.Publisher, session *deliverySession) DeliveryResult {
	maxAttempts := m.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := m.cfg.Retry.Delay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return DeliveryResult{Success: false, Attempts: len(session.Attempts), LastError: ctx.Err()}
			}
		}

		err := pub.Publish(ctx, evt)
		session.Attempts = append(session.Attempts, Attempt{Number: attempt, Timestamp: time.Now(), Succeeded: err == nil, Err: err})
		if err == nil {
			return DeliveryResult{Success: true, Attempts: attempt}
		}
		lastErr = err
	}
	return DeliveryResult{Success: false, Attempts: len(session.Attempts), LastError: lastErr}
}

// DeliverTransactionalGroupExactlyOnce delivers every event in the group
// via DeliverExactlyOnce. Group success requires all events succeed; group
// duplicate requires all events be duplicates. The source offset must not
// be advanced past the first failed event, which is the caller's
// (pipeline.CommitTransaction's) responsibility once it sees
// FailedEventCount > 0.
func (m *Manager) DeliverTransactionalGroupExactlyOnce(ctx context.Context, group EventGroup, pub publisher.Publisher) (DeliveryResult, error) {
	allDuplicate := true
	failed := 0
	totalAttempts := 0
	var lastErr error

	for _, evt := range group.Events {
		result, err := m.DeliverExactlyOnce(ctx, evt, pub)
		if err != nil {
			return DeliveryResult{}, fmt.Errorf("exactlyonce: group %s: %w", group.TransactionID, err)
		}
		totalAttempts += result.Attempts
		if !result.Duplicate {
			allDuplicate = false
		}
		if !result.Success {
			failed++
			lastErr = result.LastError
			break // offset must not advance past the first failed event
		}
	}

	return DeliveryResult{
		Success:          failed == 0,
		Duplicate:        allDuplicate,
		Attempts:         totalAttempts,
		FailedEventCount: failed,
		LastError:        lastErr,
	}, nil
}

// Acknowledge records a delivery acknowledgment for idempotencyKey.
func (m *Manager) Acknowledge(ctx context.Context, idempotencyKey string, ack bool) error {
	return m.acks.Put(ctx, idempotencyKey, AcknowledgmentRecord{IdempotencyKey: idempotencyKey, Ack: ack, RecordedAt: time.Now()})
}

// GetDeliveryStatus reports whether idempotencyKey is in flight, already
// delivered, or unknown.
func (m *Manager) GetDeliveryStatus(ctx context.Context, idempotencyKey string) (string, error) {
	m.mu.Lock()
	_, inFlight := m.sessions[idempotencyKey]
	m.mu.Unlock()
	if inFlight {
		return "delivering", nil
	}
	if _, found, err := m.idempotency.Get(ctx, idempotencyKey); err != nil {
		return "", err
	} else if found {
		return "delivered", nil
	}
	return "unknown", nil
}
