package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmforge/taskcore/internal/config"
	"github.com/swarmforge/taskcore/internal/model"
	"github.com/swarmforge/taskcore/internal/transport/funcexec"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StorePath = filepath.Join(t.TempDir(), "taskcore.db")
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	exec := funcexec.New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		return true, "ok", nil
	})
	a, err := New(testConfig(t), exec, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer a.Shutdown()

	assert.NotNil(t, a.Bus)
	assert.NotNil(t, a.Graph)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Balancer)
	assert.NotNil(t, a.Coordinator)
	assert.NotNil(t, a.Health)
	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Periodic)
}

func TestWireTicksRegistersAllThreePeriodicJobs(t *testing.T) {
	exec := funcexec.New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		return true, "", nil
	})
	a, err := New(testConfig(t), exec, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer a.Shutdown()

	require.NoError(t, a.WireTicks())
	assert.Equal(t, 3, a.Periodic.Entries())
}

func TestRunDispatchesAndCompletesASubmittedTask(t *testing.T) {
	exec := funcexec.New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		return true, "handled", nil
	})
	a, err := New(testConfig(t), exec, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	defer a.Shutdown()

	_, err = a.Registry.Register("agent-1", nil, 1)
	require.NoError(t, err)

	task := model.NewTask("t1", "end to end")
	require.NoError(t, a.Scheduler.AddTask(task))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	require.Eventually(t, func() bool {
		got, ok := a.Scheduler.Task("t1")
		return ok && got.Status == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "submitted task should be dispatched and completed")
}

func TestShutdownStopsTicksAndClosesStore(t *testing.T) {
	exec := funcexec.New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		return true, "", nil
	})
	a, err := New(testConfig(t), exec, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.NoError(t, err)
	require.NoError(t, a.WireTicks())

	require.NoError(t, a.Shutdown())
}
