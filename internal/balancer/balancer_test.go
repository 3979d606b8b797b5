package balancer

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/model"
	"github.com/swarmforge/taskcore/internal/registry"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBalancer(t *testing.T, mutate func(*Config)) (*Balancer, *registry.Registry) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DispatchRatePerSecond = 0 // unthrottled unless a test opts in
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(clk, log, 64)
	reg := registry.New(registry.DefaultConfig(), b, clk)
	return New(cfg, reg, b), reg
}

func TestSelectReturnsErrorWhenNoCandidates(t *testing.T) {
	bal, _ := newTestBalancer(t, nil)
	task := model.NewTask("t1", "t1")
	_, err := bal.Select(task)
	assert.Error(t, err)
}

func TestSelectSkipsOpenCircuitAgents(t *testing.T) {
	bal, reg := newTestBalancer(t, func(c *Config) { c.CircuitFailureThreshold = 1 })
	_, err := reg.Register("bad", nil, 1)
	require.NoError(t, err)
	_, err = reg.Register("good", nil, 1)
	require.NoError(t, err)

	bal.RecordOutcome("bad", false) // trips after exactly 1 failure

	task := model.NewTask("t1", "t1")
	chosen, err := bal.Select(task)
	require.NoError(t, err)
	assert.Equal(t, "good", chosen.ID)
}

func TestSelectReturnsErrorWhenEveryAgentCircuitOpen(t *testing.T) {
	bal, reg := newTestBalancer(t, func(c *Config) { c.CircuitFailureThreshold = 1 })
	_, err := reg.Register("only", nil, 1)
	require.NoError(t, err)
	bal.RecordOutcome("only", false)

	task := model.NewTask("t1", "t1")
	_, err = bal.Select(task)
	assert.Error(t, err)
}

func TestSelectThrottlesNonCriticalButPreemptsCriticalWhenEnabled(t *testing.T) {
	bal, reg := newTestBalancer(t, func(c *Config) {
		c.DispatchRatePerSecond = 1
		c.DispatchBurst = 1
		c.PreemptionEnabled = true
	})
	_, err := reg.Register("a", nil, 1)
	require.NoError(t, err)

	normal := model.NewTask("t1", "t1")
	normal.BasePriority = model.PriorityMedium
	_, err = bal.Select(normal) // consumes the single token
	require.NoError(t, err)

	_, err = bal.Select(normal)
	assert.Error(t, err, "second non-critical dispatch should be throttled")

	critical := model.NewTask("t2", "t2")
	critical.BasePriority = model.PriorityCritical
	_, err = bal.Select(critical)
	assert.NoError(t, err, "critical task should bypass the throttle when preemption is enabled")
}

func TestSelectDoesNotPreemptCircuitBreakerEvenForCritical(t *testing.T) {
	bal, reg := newTestBalancer(t, func(c *Config) {
		c.CircuitFailureThreshold = 1
		c.PreemptionEnabled = true
	})
	_, err := reg.Register("only", nil, 1)
	require.NoError(t, err)
	bal.RecordOutcome("only", false)

	critical := model.NewTask("t1", "t1")
	critical.BasePriority = model.PriorityCritical
	_, err = bal.Select(critical)
	assert.Error(t, err, "an open circuit must never be bypassed, even by a CRITICAL task")
}

func TestLeastLoadedStrategyPicksLowestLoad(t *testing.T) {
	bal, reg := newTestBalancer(t, func(c *Config) { c.Strategy = LeastLoadedStrategy })
	_, err := reg.Register("busy", nil, 2)
	require.NoError(t, err)
	require.NoError(t, reg.Bind("busy", "x"))
	_, err = reg.Register("idle", nil, 2)
	require.NoError(t, err)

	chosen, err := bal.Select(model.NewTask("t1", "t1"))
	require.NoError(t, err)
	assert.Equal(t, "idle", chosen.ID)
}

func TestRebalanceCandidatesPartitionsByLoad(t *testing.T) {
	bal, reg := newTestBalancer(t, func(c *Config) {
		c.OverloadedThreshold = 0.75
		c.UnderutilizedThreshold = 0.25
	})
	_, err := reg.Register("hot", nil, 4)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, reg.Bind("hot", id))
	}
	_, err = reg.Register("cold", nil, 4)
	require.NoError(t, err)

	overloaded, underutilized := bal.RebalanceCandidates()
	require.Len(t, overloaded, 1)
	assert.Equal(t, "hot", overloaded[0].ID)
	require.Len(t, underutilized, 1)
	assert.Equal(t, "cold", underutilized[0].ID)
}

func TestCircuitBreakerOpensAfterConsecutiveFailuresAndHalfOpens(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond, 1)
	assert.True(t, cb.Allow())
	cb.RecordResult(true) // success resets the streak, shouldn't trip
	cb.RecordResult(false)
	assert.Equal(t, "CLOSED", cb.State())
	cb.RecordResult(false)
	assert.Equal(t, "OPEN", cb.State())
	assert.False(t, cb.Allow(), "still within halfOpenAfter window")

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.Allow(), "should probe once halfOpenAfter has elapsed")
	assert.Equal(t, "HALF_OPEN", cb.State())

	cb.RecordResult(true)
	assert.Equal(t, "CLOSED", cb.State(), "a successful probe closes the breaker")
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond, 1)
	cb.RecordResult(false)
	require.Equal(t, "OPEN", cb.State())
	time.Sleep(5 * time.Millisecond)
	require.True(t, cb.Allow())
	cb.RecordResult(false)
	assert.Equal(t, "OPEN", cb.State(), "a failed probe reopens the breaker")
}
