// Package balancer implements the Load Balancer (component E/§4.4): agent
// selection strategies, per-agent circuit breakers, dispatch throttling,
// and workload rebalancing.
package balancer

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/corerr"
	"github.com/swarmforge/taskcore/internal/model"
	"github.com/swarmforge/taskcore/internal/registry"
)

// Strategy selects how candidate agents are ranked.
type Strategy int

const (
	RoundRobinStrategy Strategy = iota
	LeastLoadedStrategy
	PerformanceBasedStrategy
	WeightedStrategy
	AdaptiveStrategy
)

// Config bundles the balancer's tunables.
type Config struct {
	Strategy             Strategy
	CircuitFailureThreshold int
	CircuitHalfOpenAfter    time.Duration
	CircuitMaxProbes        int
	DispatchRatePerSecond   float64 // per-agent token bucket rate
	DispatchBurst           int
	OverloadedThreshold     float64 // load above which an agent is a rebalance candidate
	UnderutilizedThreshold  float64
	PreemptionEnabled       bool
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:                PerformanceBasedStrategy,
		CircuitFailureThreshold: 5,
		CircuitHalfOpenAfter:    60 * time.Second,
		CircuitMaxProbes:        1,
		DispatchRatePerSecond:   10,
		DispatchBurst:           5,
		OverloadedThreshold:     0.75,
		UnderutilizedThreshold:  0.25,
		PreemptionEnabled:       false,
	}
}

// Balancer picks an agent for a task among the Registry's candidates and
// tracks per-agent health via circuit breakers and dispatch throttles.
type Balancer struct {
	cfg Config
	reg *registry.Registry
	bus *bus.Bus

	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	limiters  map[string]*rate.Limiter
	rrCursor  int
}

// New constructs a Balancer bound to reg for candidate discovery.
func New(cfg Config, reg *registry.Registry, b *bus.Bus) *Balancer {
	return &Balancer{
		cfg:      cfg,
		reg:      reg,
		bus:      b,
		breakers: map[string]*CircuitBreaker{},
		limiters: map[string]*rate.Limiter{},
	}
}

func (b *Balancer) breakerFor(agentID string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[agentID]
	if !ok {
		cb = NewCircuitBreaker(b.cfg.CircuitFailureThreshold, b.cfg.CircuitHalfOpenAfter, b.cfg.CircuitMaxProbes)
		b.breakers[agentID] = cb
	}
	return cb
}

func (b *Balancer) limiterFor(agentID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[agentID]
	if !ok {
		r := rate.Limit(b.cfg.DispatchRatePerSecond)
		if b.cfg.DispatchRatePerSecond <= 0 {
			r = rate.Inf
		}
		l = rate.NewLimiter(r, b.cfg.DispatchBurst)
		b.limiters[agentID] = l
	}
	return l
}

// Select picks one agent for task t from the registry's capability-matched
// candidates, filtering out open-circuit and throttled agents. CRITICAL
// tasks bypass the dispatch throttle (but not the circuit breaker) when
// PreemptionEnabled is set, matching the "preemption hook exercised only
// for CRITICAL priority tasks" decision.
func (b *Balancer) Select(t *model.Task) (*model.Agent, error) {
	candidates := b.reg.Discover(t.RequiredCapabilities)
	if len(candidates) == 0 {
		return nil, corerr.New(corerr.KindResourceExhausted, "no capability-matching agent available")
	}

	eligible := candidates[:0:0]
	for _, a := range candidates {
		if !b.breakerFor(a.ID).Allow() {
			continue
		}
		bypassThrottle := b.cfg.PreemptionEnabled && t.BasePriority == model.PriorityCritical
		if !bypassThrottle && !b.limiterFor(a.ID).Allow() {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, corerr.New(corerr.KindResourceExhausted, "every matching agent is circuit-open or throttled")
	}

	chosen := b.rank(eligible, t)
	return chosen, nil
}

func (b *Balancer) rank(candidates []*model.Agent, t *model.Task) *model.Agent {
	switch b.cfg.Strategy {
	case RoundRobinStrategy:
		b.mu.Lock()
		idx := b.rrCursor % len(candidates)
		b.rrCursor++
		b.mu.Unlock()
		return candidates[idx]

	case LeastLoadedStrategy:
		best := candidates[0]
		for _, a := range candidates[1:] {
			if a.Load() < best.Load() {
				best = a
			}
		}
		return best

	case PerformanceBasedStrategy:
		best := candidates[0]
		bestScore := performanceScore(best)
		for _, a := range candidates[1:] {
			if s := performanceScore(a); s > bestScore {
				best, bestScore = a, s
			}
		}
		return best

	case WeightedStrategy:
		return weightedPick(candidates)

	case AdaptiveStrategy:
		fallthrough
	default:
		// Blend performance and headroom, favoring whichever dominates
		// under current contention: many idle agents -> headroom matters
		// less than track record; few idle agents -> headroom dominates.
		idleCount := 0
		for _, a := range candidates {
			if a.Load() < 0.5 {
				idleCount++
			}
		}
		contested := float64(idleCount) < float64(len(candidates))*0.3
		best := candidates[0]
		bestScore := adaptiveScore(best, contested)
		for _, a := range candidates[1:] {
			if s := adaptiveScore(a, contested); s > bestScore {
				best, bestScore = a, s
			}
		}
		return best
	}
}

func performanceScore(a *model.Agent) float64 {
	return a.Performance.SuccessRate*0.7 + a.Headroom()*0.3
}

func adaptiveScore(a *model.Agent, contested bool) float64 {
	if contested {
		return a.Headroom()*0.7 + a.Performance.SuccessRate*0.3
	}
	return a.Performance.SuccessRate*0.6 + a.Headroom()*0.4
}

// weightedPick returns the candidate with the largest headroom fraction.
// There is no random draw, so repeated calls against an unchanged candidate
// set return the same agent.
func weightedPick(candidates []*model.Agent) *model.Agent {
	sorted := append([]*model.Agent(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Headroom() > sorted[j].Headroom() })
	return sorted[0]
}

// RecordOutcome feeds a dispatch result back into the agent's breaker.
func (b *Balancer) RecordOutcome(agentID string, success bool) {
	b.breakerFor(agentID).RecordResult(success)
}

// BreakerState reports the named agent's breaker state, for health reporting.
func (b *Balancer) BreakerState(agentID string) string {
	return b.breakerFor(agentID).State()
}

// RebalanceCandidates partitions currently known agents into overloaded
// (load above OverloadedThreshold) and underutilized (below
// UnderutilizedThreshold), for the periodic rebalance tick to act on.
func (b *Balancer) RebalanceCandidates() (overloaded, underutilized []*model.Agent) {
	for _, a := range b.reg.All() {
		if a.Status == model.AgentOffline || a.Status == model.AgentTerminated {
			continue
		}
		switch {
		case a.Load() > b.cfg.OverloadedThreshold:
			overloaded = append(overloaded, a)
		case a.Load() < b.cfg.UnderutilizedThreshold:
			underutilized = append(underutilized, a)
		}
	}
	return overloaded, underutilized
}
