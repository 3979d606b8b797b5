package registry

import (
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/model"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T, mutate func(*Config)) (*Registry, *fakeClock) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(clk, log, 64)
	return New(cfg, b, clk), clk
}

func TestRegisterIsIdempotentForLiveAgent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	first, err := r.Register("agent-1", map[string]bool{"build": true}, 4)
	require.NoError(t, err)

	again, err := r.Register("agent-1", map[string]bool{"test": true}, 1)
	require.NoError(t, err)
	assert.Same(t, first, again, "re-registering a live id returns the existing record")
	assert.Equal(t, map[string]bool{"test": true}, again.Capabilities, "re-registering replaces capabilities")
}

func TestRegisterReadmitsTerminatedAgent(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	_, err := r.Register("agent-1", nil, 1)
	require.NoError(t, err)
	require.NoError(t, r.Unregister("agent-1"))

	_, err = r.Register("agent-1", nil, 2)
	assert.NoError(t, err)
}

func TestHeartbeatRefreshesLivenessAndDiscoverFiltersStale(t *testing.T) {
	r, clk := newTestRegistry(t, func(c *Config) { c.HeartbeatTimeout = time.Minute })
	_, err := r.Register("agent-1", map[string]bool{"x": true}, 1)
	require.NoError(t, err)

	found := r.Discover(map[string]bool{"x": true})
	require.Len(t, found, 1)

	// a heartbeat inside the timeout keeps the agent live past the point
	// where its registration-time heartbeat alone would have expired.
	clk.Advance(45 * time.Second)
	require.NoError(t, r.Heartbeat("agent-1"))
	clk.Advance(45 * time.Second)
	assert.Empty(t, r.SweepStale(), "a refreshed agent must not go offline")

	clk.Advance(2 * time.Minute)
	r.SweepStale()

	found = r.Discover(map[string]bool{"x": true})
	assert.Len(t, found, 0, "offline agent must not be discoverable")
}

func TestSweepStaleReturnsNewlyOfflineOnly(t *testing.T) {
	r, clk := newTestRegistry(t, func(c *Config) { c.HeartbeatTimeout = time.Minute })
	_, err := r.Register("agent-1", nil, 1)
	require.NoError(t, err)
	_, err = r.Register("agent-2", nil, 1)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	gone := r.SweepStale()
	assert.ElementsMatch(t, []string{"agent-1", "agent-2"}, gone)

	// a second sweep without further heartbeat gaps reports nothing new.
	gone = r.SweepStale()
	assert.Empty(t, gone)
}

func TestDiscoverFiltersByCapabilityAndSortsByLoad(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	_, err := r.Register("busy", map[string]bool{"gpu": true}, 2)
	require.NoError(t, err)
	require.NoError(t, r.Bind("busy", "t1"))

	_, err = r.Register("idle", map[string]bool{"gpu": true}, 2)
	require.NoError(t, err)

	_, err = r.Register("nogpu", map[string]bool{}, 2)
	require.NoError(t, err)

	found := r.Discover(map[string]bool{"gpu": true})
	require.Len(t, found, 2)
	assert.Equal(t, "idle", found[0].ID, "least-loaded agent ranks first")
	assert.Equal(t, "busy", found[1].ID)
}

func TestDiscoverCacheIsFlushedOnMutation(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.DiscoveryCacheTTL = time.Hour })
	_, err := r.Register("a", map[string]bool{"x": true}, 1)
	require.NoError(t, err)

	first := r.Discover(map[string]bool{"x": true})
	require.Len(t, first, 1)

	_, err = r.Register("b", map[string]bool{"x": true}, 1)
	require.NoError(t, err)

	second := r.Discover(map[string]bool{"x": true})
	assert.Len(t, second, 2, "registering a new agent must invalidate the long-TTL discovery cache")
}

func TestBindRejectsAtCapacity(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	_, err := r.Register("a", nil, 1)
	require.NoError(t, err)
	require.NoError(t, r.Bind("a", "t1"))

	err = r.Bind("a", "t2")
	assert.Error(t, err)
}

func TestReleaseRecordsPerformanceAndFreesSlot(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	_, err := r.Register("a", nil, 1)
	require.NoError(t, err)
	require.NoError(t, r.Bind("a", "t1"))
	require.NoError(t, r.Release("a", "t1", true, 120))

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), a.Performance.CompletedTasks)
	assert.Equal(t, model.AgentIdle, a.Status)
}
