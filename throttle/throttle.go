// Package throttle admits or rejects work against global and per-tenant
// budgets. The per-tenant limiter map, lazily created under a single lock,
// is grounded on redb-open's own go.mod dependency on
// golang.org/x/time/rate combined with the retrieval pack's
// cuemby-warren/pkg/ingress/middleware.go Middleware.CheckRateLimit:
// a map[string]*rate.Limiter guarded by a mutex, with the limiter created
// on first sight of a key and reused afterward.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/cdcflow/pipeline/internal/pipelineconfig"
)

// Kind is the category of work an admission request draws against. Each
// kind gets its own limiter instance per tenant, so a replay storm cannot
// starve live event processing out of the same window.
type Kind string

const (
	KindEventProcessing Kind = "event_processing"
	KindSubscription    Kind = "subscription_create"
	KindConnection      Kind = "connection_establish"
	KindBulkOperation   Kind = "bulk_operation"
	KindSchemaChange    Kind = "schema_change"
	KindReplay          Kind = "replay"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed           bool
	Reason            string
	RetryAfterSeconds float64
	RemainingRequests int
	ResetTime         time.Time
}

// limiter is the shared shape every algorithm implements: check admission
// for one request without consuming it (Check), then commit the draw
// (Record) once the caller has acted on an allowed Decision. Successful
// checks must be followed by RecordRequest.
type limiter interface {
	Check(now time.Time) Decision
	Record(now time.Time)
}

// Controller implements the throttling & rate-limit controller: every
// admission passes a global check, then a per-tenant check.
type Controller struct {
	cfg pipelineconfig.ThrottlingConfig

	mu      sync.Mutex
	globals map[Kind]limiter
	tenants map[string]limiter // keyed by tenantID + "\x00" + kind

	globalConnections   atomic.Int64
	globalSubscriptions atomic.Int64
	tenantConnections   sync.Map // tenantID -> *atomic.Int64
	tenantSubscriptions sync.Map // tenantID -> *atomic.Int64
}

// NewController builds a Controller from cfg.
func NewController(cfg pipelineconfig.ThrottlingConfig) *Controller {
	return &Controller{
		cfg:     cfg,
		globals: make(map[Kind]limiter),
		tenants: make(map[string]limiter),
	}
}

// Allow admits one event-processing request. See AllowKind.
func (c *Controller) Allow(tenantID string) Decision {
	return c.AllowKind(tenantID, KindEventProcessing)
}

// AllowKind runs the two-stage admission check for one request of the
// given kind: global, then tenant. It does not itself call RecordRequest;
// callers that proceed with the admitted work must call RecordRequestKind
// afterward.
func (c *Controller) AllowKind(tenantID string, kind Kind) Decision {
	now := time.Now()

	global := c.globalLimiter(kind).Check(now)
	if !global.Allowed {
		global.Reason = "global budget exceeded"
		return global
	}

	tenant := c.tenantLimiter(tenantID, kind)
	decision := tenant.Check(now)
	if !decision.Allowed {
		decision.Reason = "tenant budget exceeded"
	}
	return decision
}

// RecordRequest commits an admitted event-processing draw. See
// RecordRequestKind.
func (c *Controller) RecordRequest(tenantID string) {
	c.RecordRequestKind(tenantID, KindEventProcessing)
}

// RecordRequestKind commits the draw against both the global and tenant
// limiters for an admitted request.
func (c *Controller) RecordRequestKind(tenantID string, kind Kind) {
	now := time.Now()
	c.globalLimiter(kind).Record(now)
	c.tenantLimiter(tenantID, kind).Record(now)
}

// AcquireConnection claims one concurrent-connection slot against the
// global and tenant bounds. On an allowed Decision the returned release
// function must be called exactly once when the connection closes; on a
// denied one release is nil.
func (c *Controller) AcquireConnection(tenantID string) (release func(), decision Decision) {
	return c.acquireSlot(
		&c.globalConnections, int64(c.cfg.Global.MaxConcurrentConnections),
		c.counterFor(&c.tenantConnections, tenantID), int64(c.tenantConfig(tenantID).MaxConcurrentConnections),
	)
}

// AcquireSubscription claims one concurrent-subscription slot, with the
// same release contract as AcquireConnection.
func (c *Controller) AcquireSubscription(tenantID string) (release func(), decision Decision) {
	return c.acquireSlot(
		&c.globalSubscriptions, int64(c.cfg.Global.MaxConcurrentSubscriptions),
		c.counterFor(&c.tenantSubscriptions, tenantID), int64(c.tenantConfig(tenantID).MaxConcurrentSubscriptions),
	)
}

func (c *Controller) acquireSlot(global *atomic.Int64, globalMax int64, tenant *atomic.Int64, tenantMax int64) (func(), Decision) {
	if n := global.Add(1); globalMax > 0 && n > globalMax {
		global.Add(-1)
		return nil, Decision{Allowed: false, Reason: "global concurrency bound exceeded", RetryAfterSeconds: 1}
	}
	if n := tenant.Add(1); tenantMax > 0 && n > tenantMax {
		tenant.Add(-1)
		global.Add(-1)
		return nil, Decision{Allowed: false, Reason: "tenant concurrency bound exceeded", RetryAfterSeconds: 1}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			tenant.Add(-1)
			global.Add(-1)
		})
	}, Decision{Allowed: true}
}

func (c *Controller) counterFor(m *sync.Map, tenantID string) *atomic.Int64 {
	if v, ok := m.Load(tenantID); ok {
		return v.(*atomic.Int64)
	}
	v, _ := m.LoadOrStore(tenantID, &atomic.Int64{})
	return v.(*atomic.Int64)
}

// UpdateTenantConfig replaces the budget for tenantID, serialized by the
// same lock tenantLimiter uses to create new entries. Existing per-kind
// limiters for the tenant are dropped and rebuilt on next use.
func (c *Controller) UpdateTenantConfig(tenantID string, cfg pipelineconfig.TenantThrottleConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.TenantConfigs == nil {
		c.cfg.TenantConfigs = make(map[string]pipelineconfig.TenantThrottleConfig)
	}
	c.cfg.TenantConfigs[tenantID] = cfg
	prefix := tenantID + "\x00"
	for key := range c.tenants {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.tenants, key)
		}
	}
}

func (c *Controller) globalLimiter(kind Kind) limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.globals[kind]
	if !ok {
		l = newLimiter(c.cfg.Algorithm, c.cfg.Global)
		c.globals[kind] = l
	}
	return l
}

func (c *Controller) tenantConfig(tenantID string) pipelineconfig.TenantThrottleConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.cfg.TenantConfigs[tenantID]
	if !ok {
		cfg = c.cfg.DefaultTenant
	}
	return cfg
}

func (c *Controller) tenantLimiter(tenantID string, kind Kind) limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := tenantID + "\x00" + string(kind)
	l, ok := c.tenants[key]
	if !ok {
		cfg, ok := c.cfg.TenantConfigs[tenantID]
		if !ok {
			cfg = c.cfg.DefaultTenant
		}
		l = newLimiter(c.cfg.Algorithm, cfg)
		c.tenants[key] = l
	}
	return l
}

func newLimiter(algo pipelineconfig.ThrottleAlgorithmConfig, budget pipelineconfig.TenantThrottleConfig) limiter {
	switch algo.Type {
	case pipelineconfig.AlgorithmSlidingWindow:
		return newSlidingWindowLimiter(budget, algo)
	case pipelineconfig.AlgorithmFixedWindow:
		return newFixedWindowLimiter(budget, algo)
	case pipelineconfig.AlgorithmLeakyBucket:
		return newLeakyBucketLimiter(budget)
	case pipelineconfig.AlgorithmTokenBucket:
		fallthrough
	default:
		return newTokenBucketLimiter(budget)
	}
}

// tokenBucketLimiter wraps golang.org/x/time/rate, the ecosystem token
// bucket redb-open already depends on.
type tokenBucketLimiter struct {
	rl *rate.Limiter
}

func newTokenBucketLimiter(budget pipelineconfig.TenantThrottleConfig) *tokenBucketLimiter {
	burst := int(budget.MaxEventsPerSecond * budget.BurstMultiplier)
	if burst < 1 {
		burst = 1
	}
	return &tokenBucketLimiter{rl: rate.NewLimiter(rate.Limit(budget.MaxEventsPerSecond), burst)}
}

func (l *tokenBucketLimiter) Check(now time.Time) Decision {
	r := l.rl.ReserveN(now, 1)
	if !r.OK() {
		// Burst exceeds what the limiter could ever grant at once; fall
		// back to one refill interval rather than r.DelayFrom's InfDuration.
		retry := time.Duration(float64(time.Second) / float64(l.rl.Limit()))
		if retry <= 0 {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfterSeconds: retry.Seconds(), ResetTime: now.Add(retry)}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfterSeconds: delay.Seconds(), ResetTime: now.Add(delay)}
	}
	r.CancelAt(now) // Check must not itself consume; Record consumes
	return Decision{Allowed: true, RemainingRequests: int(l.rl.TokensAt(now))}
}

func (l *tokenBucketLimiter) Record(now time.Time) {
	l.rl.ReserveN(now, 1)
}

// windowCounter is the shared state for both sliding- and fixed-window
// limiters: a budget and a count of requests seen in the current window.
type windowCounter struct {
	mu          sync.Mutex
	maxPerWindow float64
	windowSize  time.Duration
	windowStart time.Time
	count       int
}

func (w *windowCounter) reset(now time.Time) {
	w.windowStart = now
	w.count = 0
}

// fixedWindowLimiter resets its counter at fixed interval boundaries.
type fixedWindowLimiter struct{ windowCounter }

func newFixedWindowLimiter(budget pipelineconfig.TenantThrottleConfig, algo pipelineconfig.ThrottleAlgorithmConfig) *fixedWindowLimiter {
	size := time.Duration(algo.WindowSizeSeconds) * time.Second
	if size <= 0 {
		size = time.Second
	}
	max := budget.MaxEventsPerSecond * size.Seconds() * budget.BurstMultiplier
	l := &fixedWindowLimiter{}
	l.maxPerWindow = max
	l.windowSize = size
	l.windowStart = time.Time{}
	return l
}

func (l *fixedWindowLimiter) Check(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.reset(now)
	}
	if float64(l.count) >= l.maxPerWindow {
		resetAt := l.windowStart.Add(l.windowSize)
		return Decision{Allowed: false, RetryAfterSeconds: resetAt.Sub(now).Seconds(), ResetTime: resetAt}
	}
	return Decision{Allowed: true, RemainingRequests: int(l.maxPerWindow) - l.count, ResetTime: l.windowStart.Add(l.windowSize)}
}

func (l *fixedWindowLimiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.reset(now)
	}
	l.count++
}

// slidingWindowLimiter splits the window into NumberOfWindows sub-buckets
// and sums the non-expired ones, smoothing the fixed-window's boundary
// burst.
type slidingWindowLimiter struct {
	mu          sync.Mutex
	maxPerWindow float64
	windowSize  time.Duration
	subWindow   time.Duration
	buckets     []int
	bucketTimes []time.Time
}

func newSlidingWindowLimiter(budget pipelineconfig.TenantThrottleConfig, algo pipelineconfig.ThrottleAlgorithmConfig) *slidingWindowLimiter {
	n := algo.NumberOfWindows
	if n <= 0 {
		n = 1
	}
	size := time.Duration(algo.WindowSizeSeconds) * time.Second
	if size <= 0 {
		size = time.Second
	}
	return &slidingWindowLimiter{
		maxPerWindow: budget.MaxEventsPerSecond * budget.BurstMultiplier * size.Seconds(),
		windowSize:   size,
		subWindow:    size / time.Duration(n),
		buckets:      make([]int, n),
		bucketTimes:  make([]time.Time, n),
	}
}

func (l *slidingWindowLimiter) sum(now time.Time) int {
	total := 0
	for i, t := range l.bucketTimes {
		if now.Sub(t) < l.windowSize {
			total += l.buckets[i]
		}
	}
	return total
}

func (l *slidingWindowLimiter) currentBucket(now time.Time) int {
	idx := 0
	if l.subWindow > 0 {
		idx = int(now.UnixNano()/int64(l.subWindow)) % len(l.buckets)
	}
	if now.Sub(l.bucketTimes[idx]) >= l.windowSize {
		l.buckets[idx] = 0
	}
	l.bucketTimes[idx] = now
	return idx
}

func (l *slidingWindowLimiter) Check(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	if float64(l.sum(now)) >= l.maxPerWindow {
		return Decision{Allowed: false, RetryAfterSeconds: l.subWindow.Seconds(), ResetTime: now.Add(l.subWindow)}
	}
	return Decision{Allowed: true, RemainingRequests: int(l.maxPerWindow) - l.sum(now)}
}

func (l *slidingWindowLimiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.currentBucket(now)
	l.buckets[idx]++
}

// leakyBucketLimiter holds up to MaxEventsPerSecond × BurstMultiplier units,
// drains at MaxEventsPerSecond units per second, and admits while the bucket
// has room for one more unit.
type leakyBucketLimiter struct {
	mu         sync.Mutex
	capacity   float64
	level      float64
	drainRate  float64 // units per second
	lastDrain  time.Time
}

func newLeakyBucketLimiter(budget pipelineconfig.TenantThrottleConfig) *leakyBucketLimiter {
	capacity := budget.MaxEventsPerSecond * budget.BurstMultiplier
	if capacity <= 0 {
		capacity = 1
	}
	return &leakyBucketLimiter{
		capacity:  capacity,
		drainRate: budget.MaxEventsPerSecond,
		lastDrain: time.Time{},
	}
}

func (l *leakyBucketLimiter) drain(now time.Time) {
	if l.lastDrain.IsZero() {
		l.lastDrain = now
		return
	}
	elapsed := now.Sub(l.lastDrain).Seconds()
	l.level -= elapsed * l.drainRate
	if l.level < 0 {
		l.level = 0
	}
	l.lastDrain = now
}

func (l *leakyBucketLimiter) Check(now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drain(now)
	if l.level+1 > l.capacity {
		retryAfter := (l.level + 1 - l.capacity) / l.drainRate
		return Decision{Allowed: false, RetryAfterSeconds: retryAfter, ResetTime: now.Add(time.Duration(retryAfter * float64(time.Second)))}
	}
	return Decision{Allowed: true, RemainingRequests: int(l.capacity - l.level)}
}

func (l *leakyBucketLimiter) Record(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drain(now)
	l.level++
}
