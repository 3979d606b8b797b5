package scheduler

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/graph"
	"github.com/swarmforge/taskcore/internal/model"
)

// fakeClock is a mutable Clock for deterministic starvation/age assertions.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestScheduler(t *testing.T, mutate func(*Config)) (*Scheduler, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(clk, log, 64)
	g := graph.New()
	return New(cfg, g, b, clk, log), clk
}

func mustAddTask(t *testing.T, s *Scheduler, id string, priority model.Priority, deps ...string) *model.Task {
	t.Helper()
	tk := model.NewTask(id, id)
	tk.BasePriority = priority
	for _, d := range deps {
		tk.Dependencies[d] = model.EdgeHard
	}
	require.NoError(t, s.AddTask(tk))
	return tk
}

func TestAddTaskRejectsDuplicateAndUnknownDependency(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	mustAddTask(t, s, "a", model.PriorityMedium)

	dup := model.NewTask("a", "dup")
	assert.Error(t, s.AddTask(dup))

	bad := model.NewTask("b", "bad")
	bad.Dependencies["missing"] = model.EdgeHard
	assert.Error(t, s.AddTask(bad))
}

func TestGetNextTasksRespectsHardDependencyOrdering(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	mustAddTask(t, s, "a", model.PriorityMedium)
	mustAddTask(t, s, "b", model.PriorityMedium, "a")

	got, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	// b still blocked on a, which has not completed yet.
	_, ok = s.GetNextTask(nil, true)
	assert.False(t, ok)

	require.NoError(t, got.Transition(model.StatusInProgress, "test", "started"))
	require.NoError(t, s.UpdateTaskResult("a", Result{Success: true}))
	got, ok = s.GetNextTask(nil, true)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID)
}

func TestGetNextTasksLookAheadSkipsResourceBlockedNonCritical(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) {
		c.ResourceCapacity = map[string]int{"gpu": 1}
		c.LookAheadDepth = 8
	})
	heavy := model.NewTask("heavy", "heavy")
	heavy.BasePriority = model.PriorityHigh
	heavy.RequiredResources = map[string]int{"gpu": 2} // can never fit
	require.NoError(t, s.AddTask(heavy))

	light := model.NewTask("light", "light")
	light.BasePriority = model.PriorityLow
	require.NoError(t, s.AddTask(light))

	got, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	assert.Equal(t, "light", got.ID, "resource-blocked head should be skipped within the look-ahead budget")
}

func TestGetNextTasksHoldsCriticalRatherThanSkipping(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) {
		c.ResourceCapacity = map[string]int{"gpu": 1}
	})
	crit := model.NewTask("crit", "crit")
	crit.BasePriority = model.PriorityCritical
	crit.RequiredResources = map[string]int{"gpu": 2}
	require.NoError(t, s.AddTask(crit))

	light := model.NewTask("light", "light")
	light.BasePriority = model.PriorityLow
	require.NoError(t, s.AddTask(light))

	got := s.GetNextTasks(2, nil, true)
	assert.Empty(t, got, "an unrunnable CRITICAL head is held, so nothing ranked behind it is selected")
	lt, ok := s.Task("light")
	require.True(t, ok)
	assert.Equal(t, model.StatusQueued, lt.Status)
}

func TestDependencyAwareStrategyPrioritizesCriticalPathTask(t *testing.T) {
	s, clk := newTestScheduler(t, func(c *Config) { c.Strategy = DependencyAwareStrategy })

	// "afast" sorts before "zcrit" by id, so a tie-broken Hybrid ranking
	// would pick it first; DependencyAware must override that via the
	// critical-path boost since zcrit, not afast, sits on the critical path
	// into "join". Creation times come from the fake clock so age ties.
	crit := model.NewTask("zcrit", "zcrit")
	crit.EstimatedEffortMs = 100
	crit.CreatedAt = clk.now
	require.NoError(t, s.AddTask(crit))

	fast := model.NewTask("afast", "afast")
	fast.EstimatedEffortMs = 10
	fast.CreatedAt = clk.now
	require.NoError(t, s.AddTask(fast))

	join := model.NewTask("join", "join")
	join.CreatedAt = clk.now
	join.Dependencies["zcrit"] = model.EdgeHard
	join.Dependencies["afast"] = model.EdgeHard
	require.NoError(t, s.AddTask(join))

	got, ok := s.GetNextTask(nil, false)
	require.True(t, ok)
	assert.Equal(t, "zcrit", got.ID, "the critical-path task should outrank its id-earlier, off-path sibling")
}

func TestHybridStrategyIgnoresCriticalPathAndFallsBackToIDTieBreak(t *testing.T) {
	s, clk := newTestScheduler(t, nil) // HybridStrategy is the default

	// creation times come from the fake clock so age and creation time tie.
	crit := model.NewTask("zcrit", "zcrit")
	crit.EstimatedEffortMs = 100
	crit.CreatedAt = clk.now
	require.NoError(t, s.AddTask(crit))

	fast := model.NewTask("afast", "afast")
	fast.EstimatedEffortMs = 10
	fast.CreatedAt = clk.now
	require.NoError(t, s.AddTask(fast))

	join := model.NewTask("join", "join")
	join.CreatedAt = clk.now
	join.Dependencies["zcrit"] = model.EdgeHard
	join.Dependencies["afast"] = model.EdgeHard
	require.NoError(t, s.AddTask(join))

	got, ok := s.GetNextTask(nil, false)
	require.True(t, ok)
	assert.Equal(t, "afast", got.ID, "without the critical-path boost, equal-score candidates fall back to the id tie-break")
}

func TestUpdateTaskResultRetryGoesThroughFailedBeforeQueued(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) {
		c.RetryInitialDelay = time.Millisecond
	})
	tk := mustAddTask(t, s, "a", model.PriorityMedium)
	tk.MaxRetries = 2
	_, ok := s.GetNextTask(nil, true)
	require.True(t, ok)

	require.NoError(t, s.UpdateTaskResult("a", Result{Success: false, Retriable: true}))

	got, ok := s.Task("a")
	require.True(t, ok)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Equal(t, 1, got.CurrRetries)
	require.Len(t, got.History, 4) // queued, assigned, failed, queued(retry)
	assert.Equal(t, model.StatusFailed, got.History[len(got.History)-2].Status)
}

func TestUpdateTaskResultExhaustedRetriesStaysFailed(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	tk := mustAddTask(t, s, "a", model.PriorityMedium)
	tk.MaxRetries = 0
	_, ok := s.GetNextTask(nil, true)
	require.True(t, ok)

	require.NoError(t, s.UpdateTaskResult("a", Result{Success: false, Retriable: true}))
	got, ok := s.Task("a")
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, got.IsTerminal())
}

func TestCascadeFailureDefaultFailsTransitiveDependents(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	mustAddTask(t, s, "a", model.PriorityMedium)
	mustAddTask(t, s, "b", model.PriorityMedium, "a")
	mustAddTask(t, s, "c", model.PriorityMedium, "b")

	_, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	require.NoError(t, s.UpdateTaskResult("a", Result{Success: false, Retriable: false}))

	b, _ := s.Task("b")
	c, _ := s.Task("c")
	assert.Equal(t, model.StatusFailed, b.Status)
	assert.Equal(t, model.StatusFailed, c.Status)
}

func TestCascadeFailureUnblockAsBlockedLeavesDependentsBlocked(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) { c.DependentsPolicy = UnblockAsBlocked })
	mustAddTask(t, s, "a", model.PriorityMedium)
	mustAddTask(t, s, "b", model.PriorityMedium, "a")

	_, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	require.NoError(t, s.UpdateTaskResult("a", Result{Success: false, Retriable: false}))

	b, _ := s.Task("b")
	assert.Equal(t, model.StatusBlocked, b.Status)
}

func TestCascadeFailureIgnoreDependentsLeavesDependentsQueued(t *testing.T) {
	s, _ := newTestScheduler(t, func(c *Config) { c.DependentsPolicy = IgnoreDependents })
	mustAddTask(t, s, "a", model.PriorityMedium)
	mustAddTask(t, s, "b", model.PriorityMedium, "a")

	_, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	require.NoError(t, s.UpdateTaskResult("a", Result{Success: false, Retriable: false}))

	b, _ := s.Task("b")
	assert.Equal(t, model.StatusQueued, b.Status)
}

func TestUnblockDependentsOnSuccess(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	mustAddTask(t, s, "a", model.PriorityMedium)
	b := mustAddTask(t, s, "b", model.PriorityMedium, "a")
	require.NoError(t, b.Transition(model.StatusBlocked, "test", "manually blocked"))

	a, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	require.NoError(t, a.Transition(model.StatusInProgress, "test", "started"))
	require.NoError(t, s.UpdateTaskResult("a", Result{Success: true}))

	got, _ := s.Task("b")
	assert.Equal(t, model.StatusQueued, got.Status)
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(time.Second, 2.0, 10*time.Second, attempt)
		assert.LessOrEqual(t, d, 10*time.Second+5*time.Second, "jitter should never push delay far past the cap")
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestCancelAppliesDependentsPolicy(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	mustAddTask(t, s, "a", model.PriorityMedium)
	mustAddTask(t, s, "b", model.PriorityMedium, "a")

	require.NoError(t, s.Cancel("a", "operator request"))
	a, _ := s.Task("a")
	assert.Equal(t, model.StatusCancelled, a.Status)
	b, _ := s.Task("b")
	assert.Equal(t, model.StatusFailed, b.Status)
}

func TestScanStarvationBoostsLongWaitingTasks(t *testing.T) {
	s, clk := newTestScheduler(t, func(c *Config) {
		c.StarvationMode = StarvationFixedBoost
		c.MaxStarvationTime = time.Minute
		c.MaxPriorityBoost = 100
	})
	mustAddTask(t, s, "a", model.PriorityLow)

	clk.Advance(2 * time.Minute)
	s.ScanStarvation()

	s.mu.RLock()
	boost := s.boosts["a"]
	s.mu.RUnlock()
	assert.Equal(t, 100.0, boost)
}

func TestDepthCountsOnlyQueuedTasks(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	mustAddTask(t, s, "a", model.PriorityMedium)
	mustAddTask(t, s, "b", model.PriorityMedium)
	assert.Equal(t, 2, s.Depth())

	_, ok := s.GetNextTask(nil, true)
	require.True(t, ok)
	assert.Equal(t, 1, s.Depth())
}
