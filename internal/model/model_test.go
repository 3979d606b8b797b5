package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskDefaults(t *testing.T) {
	task := NewTask("t1", "build the thing")
	assert.Equal(t, StatusCreated, task.Status)
	assert.Equal(t, PriorityMedium, task.BasePriority)
	assert.NotNil(t, task.Dependencies)
	assert.NotNil(t, task.RequiredCapabilities)
	assert.False(t, task.IsTerminal())
}

func TestTransitionAppliesLegalEdgeAndRecordsHistory(t *testing.T) {
	task := NewTask("t1", "build")
	require.NoError(t, task.Transition(StatusQueued, "enqueue", "ready to run"))
	assert.Equal(t, StatusQueued, task.Status)
	require.Len(t, task.History, 1)
	assert.Equal(t, StatusQueued, task.History[0].Status)
	assert.NotNil(t, task.QueuedAt)
}

func TestTransitionRejectsIllegalEdgeWithoutMutating(t *testing.T) {
	task := NewTask("t1", "build")
	err := task.Transition(StatusCompleted, "skip-ahead", "nope")
	require.Error(t, err)
	assert.Equal(t, StatusCreated, task.Status, "an illegal transition must not mutate state")
	assert.Empty(t, task.History)
}

func TestTransitionClearsAssignedAgentOnceNoLongerActive(t *testing.T) {
	task := NewTask("t1", "build")
	require.NoError(t, task.Transition(StatusQueued, "enqueue", ""))
	require.NoError(t, task.Transition(StatusAssigned, "assign", ""))
	task.AssignedAgent = "agent-1"
	assert.Equal(t, "agent-1", task.AssignedAgent)
	require.NoError(t, task.Transition(StatusInProgress, "start", ""))
	assert.Equal(t, "agent-1", task.AssignedAgent)
	require.NoError(t, task.Transition(StatusFailed, "fail", ""))
	assert.Empty(t, task.AssignedAgent, "failing an attempt should release the assigned-agent claim")
}

func TestIsTerminalForFailedDependsOnRetryBudget(t *testing.T) {
	task := NewTask("t1", "build")
	task.MaxRetries = 1
	require.NoError(t, task.Transition(StatusQueued, "enqueue", ""))
	require.NoError(t, task.Transition(StatusAssigned, "assign", ""))
	require.NoError(t, task.Transition(StatusInProgress, "start", ""))
	require.NoError(t, task.Transition(StatusFailed, "fail", ""))
	assert.False(t, task.IsTerminal(), "retries remain, so FAILED is not yet terminal")

	task.CurrRetries = 1
	assert.True(t, task.IsTerminal(), "retry budget exhausted makes FAILED terminal")
}

func TestTerminalStatusesNeverAcceptFurtherTransitionsExceptArchive(t *testing.T) {
	task := NewTask("t1", "build")
	require.NoError(t, task.Transition(StatusQueued, "enqueue", ""))
	require.NoError(t, task.Transition(StatusCancelled, "abort", ""))
	assert.True(t, task.IsTerminal())

	err := task.Transition(StatusQueued, "retry", "")
	assert.Error(t, err)

	require.NoError(t, task.Transition(StatusArchived, "retention", ""))
	assert.Equal(t, StatusArchived, task.Status)
}

func TestAgentLoadAndHeadroom(t *testing.T) {
	a := NewAgent("a1", nil, 4)
	assert.Equal(t, 0.0, a.Load())
	assert.Equal(t, 1.0, a.Headroom())

	require.True(t, a.Bind("t1"))
	require.True(t, a.Bind("t2"))
	assert.Equal(t, 0.5, a.Load())
	assert.Equal(t, 0.5, a.Headroom())
}

func TestAgentBindFailsAtCapacity(t *testing.T) {
	a := NewAgent("a1", nil, 1)
	require.True(t, a.Bind("t1"))
	assert.False(t, a.Bind("t2"), "binding beyond MaxConcurrentTasks must fail")
}

func TestAgentReleaseUpdatesPerformance(t *testing.T) {
	a := NewAgent("a1", nil, 2)
	a.Bind("t1")
	a.Release("t1", true, 100)
	assert.Equal(t, int64(1), a.Performance.CompletedTasks)
	assert.Equal(t, float64(1), a.Performance.SuccessRate)
	assert.Equal(t, float64(100), a.Performance.AverageCompletionMs)

	a.Bind("t2")
	a.Release("t2", false, 300)
	assert.Equal(t, int64(1), a.Performance.FailedTasks)
	assert.Equal(t, 0.5, a.Performance.SuccessRate)
	assert.Equal(t, float64(200), a.Performance.AverageCompletionMs)
}

func TestAgentRefreshStatusHonorsHeartbeatTimeoutAndLoad(t *testing.T) {
	a := NewAgent("a1", nil, 2)
	now := time.Now()
	a.LastHeartbeatAt = now
	a.RefreshStatus(now, time.Minute)
	assert.Equal(t, AgentIdle, a.Status)

	a.Bind("t1")
	a.RefreshStatus(now, time.Minute)
	assert.Equal(t, AgentActive, a.Status)

	a.Bind("t2")
	a.RefreshStatus(now, time.Minute)
	assert.Equal(t, AgentBusy, a.Status)

	a.RefreshStatus(now.Add(2*time.Minute), time.Minute)
	assert.Equal(t, AgentOffline, a.Status)
}

func TestAgentRefreshStatusNeverOverridesErrorOrTerminated(t *testing.T) {
	a := NewAgent("a1", nil, 1)
	a.Status = AgentError
	a.RefreshStatus(time.Now(), time.Minute)
	assert.Equal(t, AgentError, a.Status)
}

func TestAgentHasCapabilities(t *testing.T) {
	a := NewAgent("a1", map[string]bool{"gpu": true, "python": true}, 1)
	assert.True(t, a.HasCapabilities(map[string]bool{"gpu": true}))
	assert.False(t, a.HasCapabilities(map[string]bool{"rust": true}))
}

func TestNewEventDefaultsMetadataAndTimestamp(t *testing.T) {
	e := NewEvent(EventTaskCreated, "t1", nil)
	assert.Equal(t, "t1", e.SubjectID)
	assert.NotNil(t, e.Metadata)
	assert.False(t, e.At.IsZero())
}

func TestValueConstructors(t *testing.T) {
	assert.Equal(t, KindString, String("x").Kind)
	assert.Equal(t, KindNumber, Number(1).Kind)
	assert.Equal(t, KindBool, Bool(true).Kind)
	assert.Equal(t, KindList, List(String("a"), String("b")).Kind)
	assert.Equal(t, KindMap, Map(map[string]Value{"k": Number(1)}).Kind)
}
