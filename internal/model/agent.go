package model

import "time"

// AgentStatus is the lifecycle state of a registered worker.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "INITIALIZING"
	AgentIdle         AgentStatus = "IDLE"
	AgentActive       AgentStatus = "ACTIVE"
	AgentBusy         AgentStatus = "BUSY"
	AgentBlocked      AgentStatus = "BLOCKED"
	AgentError        AgentStatus = "ERROR"
	AgentOffline      AgentStatus = "OFFLINE"
	AgentTerminated   AgentStatus = "TERMINATED"
)

// Performance tracks an agent's running completion statistics.
type Performance struct {
	CompletedTasks        int64
	FailedTasks           int64
	AverageCompletionMs   float64
	SuccessRate           float64 // in [0,1]
}

// recordCompletion folds a single outcome into the running average using
// Welford-style incremental mean update, and refreshes SuccessRate.
func (p *Performance) recordCompletion(success bool, durationMs float64) {
	total := p.CompletedTasks + p.FailedTasks
	if success {
		p.CompletedTasks++
	} else {
		p.FailedTasks++
	}
	newTotal := total + 1
	p.AverageCompletionMs += (durationMs - p.AverageCompletionMs) / float64(newTotal)
	if newTotal > 0 {
		p.SuccessRate = float64(p.CompletedTasks) / float64(newTotal)
	}
}

// Agent is a worker process with bounded concurrent-task capacity.
type Agent struct {
	ID                 string
	Capabilities       map[string]bool
	MaxConcurrentTasks int
	CurrentTasks       map[string]bool // task ids currently bound to this agent

	Status AgentStatus

	LastHeartbeatAt time.Time
	RegisteredAt    time.Time

	Performance Performance
}

// NewAgent constructs an agent in INITIALIZING status.
func NewAgent(id string, capabilities map[string]bool, maxConcurrent int) *Agent {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	caps := make(map[string]bool, len(capabilities))
	for k, v := range capabilities {
		caps[k] = v
	}
	now := time.Now()
	return &Agent{
		ID:                 id,
		Capabilities:       caps,
		MaxConcurrentTasks: maxConcurrent,
		CurrentTasks:       map[string]bool{},
		Status:             AgentInitializing,
		LastHeartbeatAt:    now,
		RegisteredAt:       now,
	}
}

// Headroom returns 1 - load, in [0,1].
func (a *Agent) Headroom() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 0
	}
	return 1 - float64(len(a.CurrentTasks))/float64(a.MaxConcurrentTasks)
}

// Load returns |currentTasks| / maxConcurrentTasks, in [0,1].
func (a *Agent) Load() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 1
	}
	return float64(len(a.CurrentTasks)) / float64(a.MaxConcurrentTasks)
}

// RefreshStatus recomputes Status from current load and heartbeat age,
// except when the agent is ERROR/TERMINATED, which only an explicit call
// clears.
func (a *Agent) RefreshStatus(now time.Time, heartbeatTimeout time.Duration) {
	if a.Status == AgentError || a.Status == AgentTerminated {
		return
	}
	if now.Sub(a.LastHeartbeatAt) > heartbeatTimeout {
		a.Status = AgentOffline
		return
	}
	switch {
	case len(a.CurrentTasks) == 0:
		a.Status = AgentIdle
	case len(a.CurrentTasks) >= a.MaxConcurrentTasks:
		a.Status = AgentBusy
	default:
		a.Status = AgentActive
	}
}

// Bind assigns task id to this agent, returning false if already at capacity.
func (a *Agent) Bind(taskID string) bool {
	if len(a.CurrentTasks) >= a.MaxConcurrentTasks {
		return false
	}
	a.CurrentTasks[taskID] = true
	return true
}

// Release removes task id from this agent's current set and records the outcome.
func (a *Agent) Release(taskID string, success bool, durationMs float64) {
	delete(a.CurrentTasks, taskID)
	a.Performance.recordCompletion(success, durationMs)
}

// HasCapabilities reports whether a holds every capability in required.
func (a *Agent) HasCapabilities(required map[string]bool) bool {
	for c := range required {
		if !a.Capabilities[c] {
			return false
		}
	}
	return true
}
