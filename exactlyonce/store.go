package exactlyonce

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cdcflow/pipeline/internal/pipelineconfig"
)

// IdempotencyRecord is the persisted outcome of a successful delivery,
// keyed by idempotency key.
type IdempotencyRecord struct {
	EventDigest string
	StoredAt    time.Time
}

// AcknowledgmentRecord is the persisted outcome of a delivery
// acknowledgment.
type AcknowledgmentRecord struct {
	IdempotencyKey string
	Ack            bool
	RecordedAt     time.Time
}

// IdempotencyStore records which idempotency keys have already been
// delivered successfully.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	Put(ctx context.Context, key string, rec IdempotencyRecord) error
}

// DedupStore records which content hashes have already been seen,
// independent of idempotency key.
type DedupStore interface {
	Contains(ctx context.Context, hash string) (bool, error)
	Add(ctx context.Context, hash string) error
}

// AckStore records delivery acknowledgments.
type AckStore interface {
	Put(ctx context.Context, key string, rec AcknowledgmentRecord) error
	Get(ctx context.Context, key string) (AcknowledgmentRecord, bool, error)
}

// memoryIdempotencyStore bounds the idempotency store to MaxKeys via LRU
// eviction and expires entries past KeyTtlSeconds on read; a KeyTtlSeconds
// of 0 disables expiry.
type memoryIdempotencyStore struct {
	cache *lru.Cache
	ttl   time.Duration
	mu    sync.Mutex
}

// NewMemoryIdempotencyStore builds an in-memory IdempotencyStore bounded by
// cfg.MaxKeys, grounded on redb-open's own go.mod dependency on
// hashicorp/golang-lru (pulled in transitively for the mesh service but
// never exercised directly there; this is the component that finally does).
func NewMemoryIdempotencyStore(cfg pipelineconfig.IdempotencyConfig) (IdempotencyStore, error) {
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1
	}
	cache, err := lru.New(maxKeys)
	if err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.KeyTtlSeconds) * time.Second
	return &memoryIdempotencyStore{cache: cache, ttl: ttl}, nil
}

func (s *memoryIdempotencyStore) Get(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(key)
	if !ok {
		return IdempotencyRecord{}, false, nil
	}
	rec := v.(IdempotencyRecord)
	if s.ttl > 0 && time.Since(rec.StoredAt) > s.ttl {
		s.cache.Remove(key)
		return IdempotencyRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *memoryIdempotencyStore) Put(ctx context.Context, key string, rec IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, rec)
	return nil
}

// memoryDedupStore is the same shape as memoryIdempotencyStore, bounded by
// MaxEntries / WindowSeconds.
type memoryDedupStore struct {
	cache *lru.Cache
	ttl   time.Duration
	mu    sync.Mutex
}

// NewMemoryDedupStore builds an in-memory DedupStore bounded by
// cfg.MaxEntries.
func NewMemoryDedupStore(cfg pipelineconfig.DeduplicationConfig) (DedupStore, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &memoryDedupStore{cache: cache, ttl: time.Duration(cfg.WindowSeconds) * time.Second}, nil
}

func (s *memoryDedupStore) Contains(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(hash)
	if !ok {
		return false, nil
	}
	storedAt := v.(time.Time)
	if s.ttl > 0 && time.Since(storedAt) > s.ttl {
		s.cache.Remove(hash)
		return false, nil
	}
	return true, nil
}

func (s *memoryDedupStore) Add(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(hash, time.Now())
	return nil
}

// memoryAckStore is an unbounded map guarded by a mutex. Records are never
// removed: the store has no TTL and no size bound, so it grows by one entry
// per acknowledged key.
type memoryAckStore struct {
	mu      sync.Mutex
	records map[string]AcknowledgmentRecord
}

// NewMemoryAckStore builds an in-memory AckStore.
func NewMemoryAckStore() AckStore {
	return &memoryAckStore{records: make(map[string]AcknowledgmentRecord)}
}

func (s *memoryAckStore) Put(ctx context.Context, key string, rec AcknowledgmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = rec
	return nil
}

func (s *memoryAckStore) Get(ctx context.Context, key string) (AcknowledgmentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok, nil
}
