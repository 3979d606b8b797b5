// Package registry implements the Agent Registry (component B, §4.3): a
// capability-indexed directory of workers, with heartbeat-driven liveness
// and cached capability-match discovery.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/corerr"
	"github.com/swarmforge/taskcore/internal/model"
)

// Config tunes liveness and discovery caching.
type Config struct {
	HeartbeatTimeout time.Duration
	DiscoveryCacheTTL time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{HeartbeatTimeout: 45 * time.Second, DiscoveryCacheTTL: 2 * time.Second}
}

// Registry tracks every known Agent and answers capability-match queries.
type Registry struct {
	cfg   Config
	clock bus.Clock
	bus   *bus.Bus

	mu     sync.RWMutex
	agents map[string]*model.Agent

	// discoverCache memoizes discover() results keyed by the sorted,
	// joined capability set; entries expire quickly since agent load
	// changes fast, but a burst of identical discover() calls (e.g. a
	// scheduler dispatch storm) shouldn't each re-scan every agent.
	discoverCache *gocache.Cache
	group         singleflight.Group
}

// New constructs a Registry.
func New(cfg Config, b *bus.Bus, clk bus.Clock) *Registry {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.DiscoveryCacheTTL <= 0 {
		cfg.DiscoveryCacheTTL = 2 * time.Second
	}
	return &Registry{
		cfg:           cfg,
		clock:         clk,
		bus:           b,
		agents:        map[string]*model.Agent{},
		discoverCache: gocache.New(cfg.DiscoveryCacheTTL, cfg.DiscoveryCacheTTL*2),
	}
}

// Register admits a new agent, or re-admits a previously TERMINATED one
// under the same id. Registering an id that is already live is idempotent:
// the existing record's capabilities are replaced and that record is
// returned. Registration time and the first heartbeat come from the clock.
func (r *Registry) Register(id string, capabilities map[string]bool, maxConcurrent int) (*model.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[id]; ok && existing.Status != model.AgentTerminated {
		caps := make(map[string]bool, len(capabilities))
		for k, v := range capabilities {
			caps[k] = v
		}
		existing.Capabilities = caps
		r.discoverCache.Flush()
		return existing, nil
	}
	a := model.NewAgent(id, capabilities, maxConcurrent)
	a.Status = model.AgentIdle
	a.RegisteredAt = r.clock.Now()
	a.LastHeartbeatAt = a.RegisteredAt
	r.agents[id] = a
	r.discoverCache.Flush()
	r.bus.Publish(model.NewEvent(model.EventAgentRegistered, id, nil))
	return a, nil
}

// Unregister marks an agent TERMINATED; it is retained for audit/history
// rather than deleted outright.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown agent %q", id))
	}
	a.Status = model.AgentTerminated
	r.discoverCache.Flush()
	r.bus.Publish(model.NewEvent(model.EventAgentDisconnected, id, nil))
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp and recomputes status.
func (r *Registry) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown agent %q", id))
	}
	a.LastHeartbeatAt = r.clock.Now()
	a.RefreshStatus(r.clock.Now(), r.cfg.HeartbeatTimeout)
	return nil
}

// SweepStale demotes every agent whose heartbeat has expired to OFFLINE;
// invoked periodically by the health monitor / periodic driver.
func (r *Registry) SweepStale() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var wentOffline []string
	for id, a := range r.agents {
		before := a.Status
		a.RefreshStatus(now, r.cfg.HeartbeatTimeout)
		if before != model.AgentOffline && a.Status == model.AgentOffline {
			wentOffline = append(wentOffline, id)
		}
	}
	if len(wentOffline) > 0 {
		r.discoverCache.Flush()
	}
	sort.Strings(wentOffline)
	return wentOffline
}

// Get returns the registry's own *Agent for id (not a copy), or false.
func (r *Registry) Get(id string) (*model.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Bind reserves a task slot on an agent, refreshing its derived status.
func (r *Registry) Bind(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown agent %q", agentID))
	}
	if !a.Bind(taskID) {
		return corerr.New(corerr.KindResourceExhausted, fmt.Sprintf("agent %q at capacity", agentID))
	}
	a.RefreshStatus(r.clock.Now(), r.cfg.HeartbeatTimeout)
	r.discoverCache.Flush()
	return nil
}

// Release frees a task slot and records the outcome.
func (r *Registry) Release(agentID, taskID string, success bool, durationMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown agent %q", agentID))
	}
	a.Release(taskID, success, durationMs)
	a.RefreshStatus(r.clock.Now(), r.cfg.HeartbeatTimeout)
	r.discoverCache.Flush()
	return nil
}

// cacheKey canonicalizes a required-capability set into a stable string.
func cacheKey(required map[string]bool) string {
	keys := make([]string, 0, len(required))
	for k, v := range required {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	key := ""
	for _, k := range keys {
		key += k + ";"
	}
	return key
}

// Discover returns every agent not TERMINATED, OFFLINE or ERROR that satisfies
// required, sorted by ascending load (least-loaded first). Results are
// cached briefly per capability set; concurrent identical queries during a
// cache miss collapse into a single scan via singleflight.
func (r *Registry) Discover(required map[string]bool) []*model.Agent {
	key := cacheKey(required)
	if cached, ok := r.discoverCache.Get(key); ok {
		return cloneAgents(cached.([]*model.Agent))
	}

	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		matches := make([]*model.Agent, 0, len(r.agents))
		for _, a := range r.agents {
			if a.Status == model.AgentTerminated || a.Status == model.AgentOffline || a.Status == model.AgentError {
				continue
			}
			if !a.HasCapabilities(required) {
				continue
			}
			matches = append(matches, a)
		}
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Load() != matches[j].Load() {
				return matches[i].Load() < matches[j].Load()
			}
			return matches[i].ID < matches[j].ID
		})
		r.discoverCache.SetDefault(key, matches)
		return matches, nil
	})
	return cloneAgents(v.([]*model.Agent))
}

func cloneAgents(in []*model.Agent) []*model.Agent {
	out := make([]*model.Agent, len(in))
	copy(out, in)
	return out
}

// All returns a snapshot of every registered agent.
func (r *Registry) All() []*model.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}
