// Package coordinator implements the Coordinator (component F, §4.5): the
// control loop that dequeues runnable tasks, selects an agent, dispatches
// the attempt under phase timeouts, and folds the outcome back into the
// scheduler and registry.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/swarmforge/taskcore/internal/balancer"
	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/model"
	"github.com/swarmforge/taskcore/internal/registry"
	"github.com/swarmforge/taskcore/internal/scheduler"
)

// Config bundles the coordinator's tunables.
type Config struct {
	Timeouts           Timeouts
	MaxConcurrentDispatch int
	IdlePollInterval   time.Duration
	ResultCacheTTL     time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Timeouts:              DefaultTimeouts(),
		MaxConcurrentDispatch: 16,
		IdlePollInterval:      50 * time.Millisecond,
		ResultCacheTTL:        5 * time.Minute,
	}
}

// Coordinator owns the dispatch loop.
type Coordinator struct {
	cfg   Config
	sched *scheduler.Scheduler
	reg   *registry.Registry
	bal   *balancer.Balancer
	bus   *bus.Bus
	exec  Executor
	log   *slog.Logger

	cancelMgr   *CancellationManager
	resultCache *gocache.Cache
}

// New wires a Coordinator to its collaborators.
func New(cfg Config, sched *scheduler.Scheduler, reg *registry.Registry, bal *balancer.Balancer, b *bus.Bus, exec Executor, log *slog.Logger) *Coordinator {
	if cfg.MaxConcurrentDispatch <= 0 {
		cfg.MaxConcurrentDispatch = 16
	}
	if cfg.IdlePollInterval <= 0 {
		cfg.IdlePollInterval = 50 * time.Millisecond
	}
	return &Coordinator{
		cfg:         cfg,
		sched:       sched,
		reg:         reg,
		bal:         bal,
		bus:         b,
		exec:        exec,
		log:         log,
		cancelMgr:   NewCancellationManager(),
		resultCache: gocache.New(cfg.ResultCacheTTL, cfg.ResultCacheTTL*2),
	}
}

// Run drives the control loop until ctx is cancelled, bounding concurrent
// in-flight dispatches to MaxConcurrentDispatch via an errgroup.
func (c *Coordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrentDispatch)

	ticker := time.NewTicker(c.cfg.IdlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case <-ticker.C:
			t, ok := c.sched.GetNextTask(nil, true)
			if !ok {
				continue
			}
			task := t
			if !g.TryGo(func() error {
				c.dispatch(gctx, task)
				return nil
			}) {
				// pool saturated: report a retriable failure so the scheduler
				// requeues the task at once (failing it non-retriably would
				// make it terminal).
				_ = c.sched.UpdateTaskResult(task.ID, scheduler.Result{Success: false, Retriable: true, Message: "dispatch pool saturated"})
			}
		}
	}
}

// dispatch selects an agent, runs the attempt under its timeout budget,
// and folds the outcome back into every collaborator.
func (c *Coordinator) dispatch(ctx context.Context, t *model.Task) {
	agent, err := c.bal.Select(t)
	if err != nil {
		c.log.Warn("no agent available, requeueing", "task", t.ID, "error", err)
		_ = c.sched.UpdateTaskResult(t.ID, scheduler.Result{Success: false, Retriable: true, Message: err.Error()})
		return
	}

	if err := c.reg.Bind(agent.ID, t.ID); err != nil {
		_ = c.sched.UpdateTaskResult(t.ID, scheduler.Result{Success: false, Retriable: true, Message: err.Error()})
		return
	}
	t.AssignedAgent = agent.ID

	if err := t.Transition(model.StatusInProgress, "dispatch", "attempt started on "+agent.ID); err != nil {
		_ = c.reg.Release(agent.ID, t.ID, false, 0)
		c.log.Error("illegal transition to IN_PROGRESS", "task", t.ID, "error", err)
		return
	}
	c.bus.Publish(model.NewEvent(model.EventTaskStarted, t.ID, model.Metadata{"agent": model.String(agent.ID)}))

	// The cache check happens after the IN_PROGRESS transition so a replay
	// completes the task from a state the machine actually permits.
	if cached, ok := c.resultCache.Get(t.ID); ok {
		outcome := cached.(Outcome)
		c.log.Info("replaying cached result", "task", t.ID)
		c.finish(t, agent, outcome)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Total())
	defer cancel()
	c.cancelMgr.Register(t.ID, cancel)

	start := time.Now()
	outcome, execErr := c.exec.Execute(attemptCtx, agent.ID, t.ID, taskPayload(t))
	c.cancelMgr.Complete(t.ID)

	if execErr != nil {
		// A heartbeat/phase timeout converts to a failure with retry
		// eligibility; an explicit cancellation (operator-requested) must
		// not retry. Any other executor-reported error defaults to
		// retriable, matching executor-failed's "retryable unless tagged
		// terminal" classification.
		msg := execErr.Error()
		if attemptCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("attempt timed out after %s: %v", c.cfg.Timeouts.Total(), execErr)
		}
		outcome = Outcome{Success: false, Message: msg, Retriable: attemptCtx.Err() != context.Canceled, DurationMs: time.Since(start).Milliseconds()}
	}
	if outcome.DurationMs == 0 {
		outcome.DurationMs = time.Since(start).Milliseconds()
	}

	if outcome.Success {
		c.resultCache.SetDefault(t.ID, outcome)
	}
	c.finish(t, agent, outcome)
}

func (c *Coordinator) finish(t *model.Task, agent *model.Agent, outcome Outcome) {
	_ = c.reg.Release(agent.ID, t.ID, outcome.Success, float64(outcome.DurationMs))
	c.bal.RecordOutcome(agent.ID, outcome.Success)
	_ = c.sched.UpdateTaskResult(t.ID, scheduler.Result{
		Success:    outcome.Success,
		DurationMs: outcome.DurationMs,
		Message:    outcome.Message,
		Retriable:  outcome.Retriable,
	})
}

// Cancel interrupts an in-flight attempt (if running) and cancels the
// task's scheduling state.
func (c *Coordinator) Cancel(id, reason string) error {
	_ = c.cancelMgr.Cancel(context.Background(), id, reason)
	return c.sched.Cancel(id, reason)
}

func taskPayload(t *model.Task) map[string]string {
	return map[string]string{
		"title":    t.Title,
		"category": string(t.Category),
	}
}
