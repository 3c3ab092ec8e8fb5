package throttle

import (
	"testing"
	"time"

	"github.com/cdcflow/pipeline/internal/pipelineconfig"
	"github.com/stretchr/testify/assert"
)

func tenantBudget(maxPerSecond float64) pipelineconfig.TenantThrottleConfig {
	return pipelineconfig.TenantThrottleConfig{MaxEventsPerSecond: maxPerSecond, BurstMultiplier: 1.0}
}

func TestTokenBucketAdmitsUpToBurstThenRejects(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global:        tenantBudget(1000),
		DefaultTenant: tenantBudget(5),
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	ctrl := NewController(cfg)

	allowed := 0
	for i := 0; i < 10; i++ {
		d := ctrl.Allow("t1")
		if d.Allowed {
			allowed++
			ctrl.RecordRequest("t1")
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestFixedWindowResetsAfterWindow(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global:        tenantBudget(1000),
		DefaultTenant: tenantBudget(2),
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmFixedWindow, WindowSizeSeconds: 1},
	}
	ctrl := NewController(cfg)

	l := ctrl.tenantLimiter("t1", KindEventProcessing).(*fixedWindowLimiter)
	now := time.Now()
	d1 := l.Check(now)
	assert.True(t, d1.Allowed)
	l.Record(now)
	d2 := l.Check(now)
	assert.True(t, d2.Allowed)
	l.Record(now)
	d3 := l.Check(now)
	assert.False(t, d3.Allowed)

	later := now.Add(2 * time.Second)
	d4 := l.Check(later)
	assert.True(t, d4.Allowed)
}

func TestSlidingWindowAdmitsUpToBudget(t *testing.T) {
	l := newSlidingWindowLimiter(tenantBudget(5), pipelineconfig.ThrottleAlgorithmConfig{WindowSizeSeconds: 1, NumberOfWindows: 4})
	now := time.Now()
	admitted := 0
	for i := 0; i < 10; i++ {
		d := l.Check(now)
		if d.Allowed {
			admitted++
			l.Record(now)
		}
	}
	assert.Equal(t, 5, admitted)
}

func TestLeakyBucketDrainsOverTime(t *testing.T) {
	l := newLeakyBucketLimiter(tenantBudget(10))
	now := time.Now()
	for i := 0; i < 10; i++ {
		l.Check(now)
		l.Record(now)
	}
	full := l.Check(now)
	assert.False(t, full.Allowed)

	later := now.Add(2 * time.Second)
	drained := l.Check(later)
	assert.True(t, drained.Allowed)
}

func TestAllowChecksGlobalBeforeTenant(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global:        tenantBudget(1),
		DefaultTenant: tenantBudget(1000),
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	ctrl := NewController(cfg)

	d1 := ctrl.Allow("t1")
	assert.True(t, d1.Allowed)
	ctrl.RecordRequest("t1")

	d2 := ctrl.Allow("t1")
	assert.False(t, d2.Allowed)
	assert.Equal(t, "global budget exceeded", d2.Reason)
}

func TestUpdateTenantConfigReplacesLimiter(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global:        tenantBudget(1000),
		DefaultTenant: tenantBudget(1),
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	ctrl := NewController(cfg)

	ctrl.UpdateTenantConfig("t1", tenantBudget(1000))
	allowed := 0
	for i := 0; i < 5; i++ {
		if ctrl.Allow("t1").Allowed {
			allowed++
			ctrl.RecordRequest("t1")
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestKindsDrawAgainstSeparateBudgets(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global:        tenantBudget(1000),
		DefaultTenant: tenantBudget(1),
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	ctrl := NewController(cfg)

	assert.True(t, ctrl.AllowKind("t1", KindEventProcessing).Allowed)
	ctrl.RecordRequestKind("t1", KindEventProcessing)
	assert.False(t, ctrl.AllowKind("t1", KindEventProcessing).Allowed)

	// A drained event-processing budget must not starve a replay request.
	assert.True(t, ctrl.AllowKind("t1", KindReplay).Allowed)
}

func TestAcquireSubscriptionEnforcesTenantBound(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global: pipelineconfig.TenantThrottleConfig{MaxEventsPerSecond: 1000, MaxConcurrentSubscriptions: 100, BurstMultiplier: 1},
		DefaultTenant: pipelineconfig.TenantThrottleConfig{
			MaxEventsPerSecond: 1000, MaxConcurrentSubscriptions: 2, BurstMultiplier: 1,
		},
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	ctrl := NewController(cfg)

	rel1, d1 := ctrl.AcquireSubscription("t1")
	rel2, d2 := ctrl.AcquireSubscription("t1")
	assert.True(t, d1.Allowed)
	assert.True(t, d2.Allowed)

	_, d3 := ctrl.AcquireSubscription("t1")
	assert.False(t, d3.Allowed)
	assert.Equal(t, "tenant concurrency bound exceeded", d3.Reason)

	// Another tenant still has room under the global bound.
	_, dOther := ctrl.AcquireSubscription("t2")
	assert.True(t, dOther.Allowed)

	rel1()
	rel1() // release is idempotent
	_, d4 := ctrl.AcquireSubscription("t1")
	assert.True(t, d4.Allowed)
	rel2()
}

func TestAcquireConnectionEnforcesGlobalBound(t *testing.T) {
	cfg := pipelineconfig.ThrottlingConfig{
		Global: pipelineconfig.TenantThrottleConfig{MaxEventsPerSecond: 1000, MaxConcurrentConnections: 1, BurstMultiplier: 1},
		DefaultTenant: pipelineconfig.TenantThrottleConfig{
			MaxEventsPerSecond: 1000, MaxConcurrentConnections: 10, BurstMultiplier: 1,
		},
		TenantConfigs: map[string]pipelineconfig.TenantThrottleConfig{},
		Algorithm:     pipelineconfig.ThrottleAlgorithmConfig{Type: pipelineconfig.AlgorithmTokenBucket},
	}
	ctrl := NewController(cfg)

	rel, d1 := ctrl.AcquireConnection("t1")
	assert.True(t, d1.Allowed)
	_, d2 := ctrl.AcquireConnection("t2")
	assert.False(t, d2.Allowed)
	assert.Equal(t, "global concurrency bound exceeded", d2.Reason)

	rel()
	_, d3 := ctrl.AcquireConnection("t2")
	assert.True(t, d3.Allowed)
}
