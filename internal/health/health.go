// Package health implements the Health Monitor (component G, §4.6):
// periodic per-agent health checks, SLA percentile tracking, trend
// detection, and automated recovery actions.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/stat"

	"github.com/swarmforge/taskcore/internal/balancer"
	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/model"
	"github.com/swarmforge/taskcore/internal/registry"
)

// Severity classifies a detected issue.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Trend is the direction of an agent's recent completion-latency samples.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// RecoveryAction is a remediation the monitor can take for an unhealthy agent.
type RecoveryAction string

const (
	ActionRestart  RecoveryAction = "restart"
	ActionFailover RecoveryAction = "failover"
	ActionScale    RecoveryAction = "scale"
	ActionThrottle RecoveryAction = "throttle"
	ActionAlert    RecoveryAction = "alert"
)

// Issue is one detected health problem for an agent.
type Issue struct {
	AgentID  string
	Severity Severity
	Message  string
	At       time.Time
}

// Config tunes thresholds named in §6.
type Config struct {
	HeartbeatWarning   time.Duration
	HeartbeatCritical  time.Duration
	ErrorRateWarning   float64
	ErrorRateCritical  float64
	TrendWindow        int // number of samples used for regression
	SLAWindow          time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatWarning:  20 * time.Second,
		HeartbeatCritical: 45 * time.Second,
		ErrorRateWarning:  0.1,
		ErrorRateCritical: 0.2,
		TrendWindow:       10,
		SLAWindow:         5 * time.Minute,
	}
}

type sample struct {
	at      time.Time
	latency float64
}

// agentHistory keeps a bounded recent-sample window per agent for trend
// regression and SLA windowing.
type agentHistory struct {
	samples []sample
}

func (h *agentHistory) record(at time.Time, latency float64, window int) {
	h.samples = append(h.samples, sample{at: at, latency: latency})
	if len(h.samples) > window*4 {
		h.samples = h.samples[len(h.samples)-window*4:]
	}
}

// Monitor owns agent health state, SLA summaries, and recovery dispatch.
type Monitor struct {
	cfg Config
	reg *registry.Registry
	bal *balancer.Balancer
	bus *bus.Bus
	log *slog.Logger

	mu      sync.Mutex
	history map[string]*agentHistory

	latency   *prometheus.SummaryVec
	available prometheus.Gauge
}

// New constructs a Monitor and registers its Prometheus collectors with reg.
func New(cfg Config, agentReg *registry.Registry, bal *balancer.Balancer, b *bus.Bus, log *slog.Logger, promReg prometheus.Registerer) *Monitor {
	latency := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "taskcore_agent_latency_ms",
		Help:       "Per-agent task completion latency, for p50/p95/p99 SLA tracking.",
		Objectives: map[float64]float64{0.5: 0.05, 0.95: 0.01, 0.99: 0.001},
	}, []string{"agent_id"})
	available := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskcore_fleet_availability",
		Help: "Fraction of registered agents that are not OFFLINE/ERROR/TERMINATED.",
	})
	if promReg != nil {
		promReg.MustRegister(latency, available)
	}
	return &Monitor{
		cfg:       cfg,
		reg:       agentReg,
		bal:       bal,
		bus:       b,
		log:       log,
		history:   map[string]*agentHistory{},
		latency:   latency,
		available: available,
	}
}

// RecordCompletion feeds one completed attempt's latency into the SLA
// summary and the trend-detection history.
func (m *Monitor) RecordCompletion(agentID string, latencyMs float64, at time.Time) {
	m.latency.WithLabelValues(agentID).Observe(latencyMs)

	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[agentID]
	if !ok {
		h = &agentHistory{}
		m.history[agentID] = h
	}
	h.record(at, latencyMs, m.cfg.TrendWindow)
}

// CheckAgent evaluates one agent's heartbeat freshness, error rate, and
// circuit state, returning the issues found and the recommended actions.
func (m *Monitor) CheckAgent(a *model.Agent, now time.Time) ([]Issue, []RecoveryAction) {
	var issues []Issue
	var actions []RecoveryAction

	age := now.Sub(a.LastHeartbeatAt)
	switch {
	case age > m.cfg.HeartbeatCritical:
		issues = append(issues, Issue{AgentID: a.ID, Severity: SeverityCritical, Message: fmt.Sprintf("heartbeat stale for %s", age), At: now})
		actions = append(actions, ActionFailover)
	case age > m.cfg.HeartbeatWarning:
		issues = append(issues, Issue{AgentID: a.ID, Severity: SeverityWarning, Message: fmt.Sprintf("heartbeat aging (%s)", age), At: now})
	}

	if a.Performance.CompletedTasks+a.Performance.FailedTasks > 0 {
		errRate := 1 - a.Performance.SuccessRate
		switch {
		case errRate >= m.cfg.ErrorRateCritical:
			issues = append(issues, Issue{AgentID: a.ID, Severity: SeverityCritical, Message: fmt.Sprintf("error rate %.0f%%", errRate*100), At: now})
			actions = append(actions, ActionRestart)
		case errRate >= m.cfg.ErrorRateWarning:
			issues = append(issues, Issue{AgentID: a.ID, Severity: SeverityWarning, Message: fmt.Sprintf("error rate %.0f%%", errRate*100), At: now})
			actions = append(actions, ActionThrottle)
		}
	}

	if m.bal != nil && m.bal.BreakerState(a.ID) == "OPEN" {
		issues = append(issues, Issue{AgentID: a.ID, Severity: SeverityWarning, Message: "circuit breaker open", At: now})
	}

	if a.Load() >= 0.95 {
		actions = append(actions, ActionScale)
	}

	if len(issues) > 0 {
		for _, iss := range issues {
			if iss.Severity == SeverityCritical {
				actions = append(actions, ActionAlert)
				break
			}
		}
	}
	return issues, dedupeActions(actions)
}

func dedupeActions(actions []RecoveryAction) []RecoveryAction {
	seen := map[RecoveryAction]bool{}
	out := actions[:0]
	for _, a := range actions {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// Trend runs simple linear regression over an agent's recent latency
// samples and classifies the slope's sign and confidence.
func (m *Monitor) Trend(agentID string) (Trend, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[agentID]
	if !ok || len(h.samples) < 3 {
		return TrendStable, 0
	}
	window := h.samples
	if len(window) > m.cfg.TrendWindow {
		window = window[len(window)-m.cfg.TrendWindow:]
	}
	slope, rSquared := linearRegression(window)

	const flatSlope = 0.5 // ms/sample considered noise, not trend
	switch {
	case slope > flatSlope:
		return TrendDegrading, rSquared
	case slope < -flatSlope:
		return TrendImproving, rSquared
	default:
		return TrendStable, rSquared
	}
}

// linearRegression fits latency ~ index via ordinary least squares using
// gonum's stat package and returns (slope, R^2) as the confidence measure.
func linearRegression(samples []sample) (slope, rSquared float64) {
	n := len(samples)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, s := range samples {
		xs[i] = float64(i)
		ys[i] = s.latency
	}
	intercept, slope := stat.LinearRegression(xs, ys, nil, false)
	rSquared = stat.RSquared(xs, ys, nil, intercept, slope)
	return slope, rSquared
}

// SweepFleet runs CheckAgent over every registered agent and publishes
// issue_detected plus recovery_started/recovery_completed events for each
// recommended action. No action is actuated in-process: failover only
// looks up and logs an idle alternative agent with matching capabilities,
// and the other actions are left to the deployment layer.
func (m *Monitor) SweepFleet(now time.Time) []Issue {
	agents := m.reg.All()
	var all []Issue
	var healthy int
	for _, a := range agents {
		if a.Status != model.AgentOffline && a.Status != model.AgentTerminated && a.Status != model.AgentError {
			healthy++
		}
		issues, actions := m.CheckAgent(a, now)
		all = append(all, issues...)
		for _, iss := range issues {
			m.bus.Publish(model.NewEvent(model.EventIssueDetected, iss.AgentID, model.Metadata{"message": model.String(iss.Message)}))
		}
		for _, act := range actions {
			m.applyAction(a, act, now)
		}
	}
	if len(agents) > 0 {
		m.available.Set(float64(healthy) / float64(len(agents)))
	}
	return all
}

func (m *Monitor) applyAction(a *model.Agent, act RecoveryAction, now time.Time) {
	m.bus.Publish(model.NewEvent(model.EventRecoveryStarted, a.ID, model.Metadata{"action": model.String(string(act))}))
	switch act {
	case ActionFailover:
		alt := m.reg.Discover(a.Capabilities)
		for _, cand := range alt {
			if cand.ID != a.ID && cand.Status == model.AgentIdle {
				m.log.Info("failover target found", "from", a.ID, "to", cand.ID)
				break
			}
		}
	case ActionRestart, ActionScale, ActionThrottle, ActionAlert:
		// Surfaced via the recovery_started event; actuation is owned by
		// the deployment layer, not this in-process monitor.
	}
	m.bus.Publish(model.NewEvent(model.EventRecoveryCompleted, a.ID, model.Metadata{"action": model.String(string(act))}))
}
