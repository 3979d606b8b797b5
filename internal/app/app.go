// Package app assembles every component into one running instance, with
// no package-level singleton state: callers own the *App they construct.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/swarmforge/taskcore/internal/balancer"
	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/config"
	"github.com/swarmforge/taskcore/internal/coordinator"
	"github.com/swarmforge/taskcore/internal/graph"
	"github.com/swarmforge/taskcore/internal/health"
	"github.com/swarmforge/taskcore/internal/periodic"
	"github.com/swarmforge/taskcore/internal/registry"
	"github.com/swarmforge/taskcore/internal/scheduler"
	"github.com/swarmforge/taskcore/internal/store"
)

// App bundles every wired component for the lifetime of one process.
type App struct {
	Config      config.Config
	Bus         *bus.Bus
	Graph       *graph.Graph
	Scheduler   *scheduler.Scheduler
	Registry    *registry.Registry
	Balancer    *balancer.Balancer
	Coordinator *coordinator.Coordinator
	Health      *health.Monitor
	Store       *store.Store
	Periodic    *periodic.Driver

	log *slog.Logger
}

// New wires every component against cfg. exec is the task-dispatch
// collaborator (funcexec or natsexec); promReg may be nil to skip
// Prometheus registration (e.g. in tests).
func New(cfg config.Config, exec coordinator.Executor, log *slog.Logger, promReg prometheus.Registerer) (*App, error) {
	clk := bus.SystemClock{}
	b := bus.New(clk, log, 1024)
	g := graph.New()
	sched := scheduler.New(cfg.Scheduler, g, b, clk, log)
	reg := registry.New(cfg.Registry, b, clk)
	bal := balancer.New(cfg.Balancer, reg, b)
	coord := coordinator.New(cfg.Coordinator, sched, reg, bal, b, exec, log)

	st, err := store.Open(cfg.StorePath, otel.Meter("taskcore"))
	if err != nil {
		return nil, err
	}

	hm := health.New(cfg.Health, reg, bal, b, log, promReg)
	periodicDriver := periodic.New(log)

	return &App{
		Config:      cfg,
		Bus:         b,
		Graph:       g,
		Scheduler:   sched,
		Registry:    reg,
		Balancer:    bal,
		Coordinator: coord,
		Health:      hm,
		Store:       st,
		Periodic:    periodicDriver,
		log:         log,
	}, nil
}

// WireTicks registers the starvation scan, health sweep, and stale-agent
// sweep ticks on app.Periodic and starts it.
func (a *App) WireTicks() error {
	if err := a.Periodic.Every("starvation-scan", a.Config.Scheduler.AdjustmentInterval, a.Scheduler.ScanStarvation); err != nil {
		return err
	}
	healthInterval := a.Config.Health.SLAWindow / 10
	if healthInterval <= 0 {
		healthInterval = 30 * time.Second
	}
	if err := a.Periodic.Every("health-sweep", healthInterval, func() {
		a.Health.SweepFleet(time.Now())
	}); err != nil {
		return err
	}
	if err := a.Periodic.Every("agent-sweep", a.Config.Registry.HeartbeatTimeout, func() {
		a.Registry.SweepStale()
	}); err != nil {
		return err
	}
	a.Periodic.Start()
	return nil
}

// Run starts the coordinator's dispatch loop; blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.Coordinator.Run(ctx)
}

// Shutdown stops periodic ticks and closes the store.
func (a *App) Shutdown() error {
	a.Periodic.Stop()
	return a.Store.Close()
}
