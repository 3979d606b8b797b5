// Package scheduler implements the multi-level, dependency-aware priority
// queue that decides which task runs next (component D, §4.1).
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmforge/taskcore/internal/bus"
	"github.com/swarmforge/taskcore/internal/corerr"
	"github.com/swarmforge/taskcore/internal/graph"
	"github.com/swarmforge/taskcore/internal/model"
)

// ctxBg is used for metric instrument recording, which requires a
// context.Context but has no caller-supplied one in these call sites.
var ctxBg = context.Background()

// DependentsPolicy resolves Open Question (a): what happens to a task's
// dependents when it fails terminally or is cancelled.
type DependentsPolicy int

const (
	// FailDependents cascades a terminal failure/cancellation to every
	// dependent, recursively. This is the default.
	FailDependents DependentsPolicy = iota
	// UnblockAsBlocked moves direct dependents to BLOCKED instead of
	// failing them outright, leaving them to be manually unblocked.
	UnblockAsBlocked
	// IgnoreDependents leaves dependents untouched; they simply never
	// become runnable because HardDependenciesSatisfied will keep failing.
	IgnoreDependents
)

// Result is the outcome reported to updateTaskResult.
type Result struct {
	Success   bool
	DurationMs int64
	Kind      corerr.Kind // populated on failure; used to classify retryability
	Message   string
	Retriable bool
}

// Config bundles every scheduler-level tunable named in §6.
type Config struct {
	Strategy              Strategy
	Weights               Weights
	AdjustmentInterval    time.Duration
	MaxStarvationTime     time.Duration
	MaxPriorityBoost      float64
	StarvationMode        StarvationMode
	MinExecutionQuota     float64
	AgeHalfLife           time.Duration
	DeadlineWindow        time.Duration
	LookAheadDepth        int
	ResourceCapacity      map[string]int
	DependentsPolicy      DependentsPolicy
	RetryInitialDelay     time.Duration
	RetryMultiplier       float64
	RetryMaxDelay         time.Duration
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:           HybridStrategy,
		Weights:            DefaultWeights(),
		AdjustmentInterval: 30 * time.Second,
		MaxStarvationTime:  30 * time.Second,
		MaxPriorityBoost:   50,
		StarvationMode:     StarvationAdaptiveBoost,
		MinExecutionQuota:  0.1,
		AgeHalfLife:        5 * time.Minute,
		DeadlineWindow:     time.Hour,
		LookAheadDepth:     8,
		ResourceCapacity:   map[string]int{},
		DependentsPolicy:   FailDependents,
		RetryInitialDelay:  time.Second,
		RetryMultiplier:    2.0,
		RetryMaxDelay:      time.Minute,
	}
}

// Scheduler owns the task set, the dependency graph, resource accounting,
// and starvation tracking.
type Scheduler struct {
	cfg   Config
	clock bus.Clock
	log   *slog.Logger
	bus   *bus.Bus
	graph *graph.Graph

	mu           sync.RWMutex
	tasks        map[string]*model.Task
	resourceUsed map[string]int
	boosts       map[string]float64
	waitSince    map[string]time.Time
	quota        *quotaTracker

	queueDepth metric.Int64UpDownCounter
	scoreHist  metric.Float64Histogram
}

// New constructs a Scheduler. clk and log and b must be non-nil.
func New(cfg Config, g *graph.Graph, b *bus.Bus, clk bus.Clock, log *slog.Logger) *Scheduler {
	if cfg.ResourceCapacity == nil {
		cfg.ResourceCapacity = map[string]int{}
	}
	meter := otel.Meter("taskcore")
	depth, _ := meter.Int64UpDownCounter("taskcore_scheduler_queue_depth")
	scoreHist, _ := meter.Float64Histogram("taskcore_scheduler_score")
	return &Scheduler{
		cfg:          cfg,
		clock:        clk,
		log:          log,
		bus:          b,
		graph:        g,
		tasks:        map[string]*model.Task{},
		resourceUsed: map[string]int{},
		boosts:       map[string]float64{},
		waitSince:    map[string]time.Time{},
		quota:        newQuotaTracker(200, cfg.MinExecutionQuota),
		queueDepth:   depth,
		scoreHist:    scoreHist,
	}
}

// AddTask validates and admits a task, transitioning it to QUEUED.
func (s *Scheduler) AddTask(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return corerr.New(corerr.KindConflict, fmt.Sprintf("duplicate task id %q", t.ID))
	}
	for dep := range t.Dependencies {
		if _, ok := s.tasks[dep]; !ok {
			return corerr.New(corerr.KindValidation, fmt.Sprintf("task %q declares unknown dependency %q", t.ID, dep))
		}
	}

	s.graph.AddNode(t.ID, t.EstimatedEffortMs)
	for dep, strength := range t.Dependencies {
		if err := s.graph.AddEdge(dep, t.ID, strength); err != nil {
			s.graph.RemoveNode(t.ID)
			return err
		}
	}

	if err := t.Transition(model.StatusQueued, "addTask", "admitted to scheduler"); err != nil {
		return err
	}
	s.tasks[t.ID] = t
	s.waitSince[t.ID] = s.clock.Now()
	s.queueDepth.Add(ctxBg, 1)
	s.bus.Publish(model.NewEvent(model.EventTaskQueued, t.ID, nil))
	return nil
}

// runnable reports whether t can be scheduled right now: hard deps done,
// resources fit, and filter (if any) accepts it.
func (s *Scheduler) runnable(t *model.Task, completed map[string]bool, filter func(*model.Task) bool) bool {
	if t.Status != model.StatusQueued {
		return false
	}
	if !s.graph.HardDependenciesSatisfied(t.ID, completed) {
		return false
	}
	for tag, need := range t.RequiredResources {
		if s.resourceUsed[tag]+need > s.cfg.ResourceCapacity[tag] {
			return false
		}
	}
	if filter != nil && !filter(t) {
		return false
	}
	return true
}

// candidate pairs a task with its computed score for selection.
type candidate struct {
	task  *model.Task
	score float64
}

// rankCandidates scores every QUEUED task and returns them sorted by
// descending score, tie-broken by older createdAt then lexical id.
// Scored snapshot work only; callers decide runnability separately so the
// look-ahead logic in selectNext can skip non-runnable heads without
// recomputing scores.
func (s *Scheduler) rankCandidates(completed map[string]bool, cpBoosts map[string]float64, systemLoad float64) []candidate {
	now := s.clock.Now()
	out := make([]candidate, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Status != model.StatusQueued {
			continue
		}
		wait := now.Sub(s.waitSince[t.ID])
		boost := s.boosts[t.ID]
		if s.cfg.StarvationMode != StarvationQuota {
			boost = starvationBoostFor(s.cfg.StarvationMode, wait, s.cfg.MaxStarvationTime, s.cfg.MaxPriorityBoost)
		} else {
			boost += s.quota.deficit(string(t.Category)) * s.cfg.MaxPriorityBoost
		}
		sc := score(t, scoreParams{
			now:               now,
			strategy:          s.cfg.Strategy,
			weights:           s.cfg.Weights,
			ageHalfLife:       s.cfg.AgeHalfLife,
			deadlineWindow:    s.cfg.DeadlineWindow,
			transDependents:   len(s.graph.TransitiveDependents(t.ID)),
			successRate:       1, // agent-specific; scheduler sees task-level history via retries only
			resourceUsed:      s.resourceUsed,
			resourceCapacity:  s.cfg.ResourceCapacity,
			criticalPathBoost: cpBoosts[t.ID],
			systemLoad:        systemLoad,
			boost:             boost,
		})
		out = append(out, candidate{task: t, score: sc})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		if out[i].task.CreatedAt != out[j].task.CreatedAt {
			return out[i].task.CreatedAt.Before(out[j].task.CreatedAt)
		}
		return out[i].task.ID < out[j].task.ID
	})
	return out
}

// criticalPathBoosts runs the critical-path method over the dependency
// graph and turns its slack figures into an additive score term: tasks on
// the critical path get the full dependency weight, others get it scaled
// down by how much slack they have relative to the project finish time.
// Returns nil if the graph isn't presently acyclic, since CriticalPath
// requires a valid topological order.
func (s *Scheduler) criticalPathBoosts() map[string]float64 {
	res, err := s.graph.CriticalPath()
	if err != nil {
		return nil
	}
	boosts := make(map[string]float64, len(res.EarlyStart))
	for id := range res.EarlyStart {
		if res.CriticalSet[id] {
			boosts[id] = s.cfg.Weights.Dependency
			continue
		}
		if res.ProjectFinish <= 0 {
			continue
		}
		slack := res.LateStart[id] - res.EarlyStart[id]
		if slack < 0 {
			slack = -slack
		}
		factor := 1 - float64(slack)/float64(res.ProjectFinish)
		if factor < 0 {
			factor = 0
		}
		boosts[id] = s.cfg.Weights.Dependency * factor
	}
	return boosts
}

func (s *Scheduler) completedSet() map[string]bool {
	completed := map[string]bool{}
	for id, t := range s.tasks {
		if t.Status == model.StatusCompleted {
			completed[id] = true
		}
	}
	return completed
}

// GetNextTask returns the highest-scoring runnable task and, if commit is
// true, transitions it to ASSIGNED.
func (s *Scheduler) GetNextTask(filter func(*model.Task) bool, commit bool) (*model.Task, bool) {
	tasks := s.GetNextTasks(1, filter, commit)
	if len(tasks) == 0 {
		return nil, false
	}
	return tasks[0], true
}

// GetNextTasks returns up to k runnable tasks ordered by descending score,
// never two with a hard dependency between them unless the earlier has
// completed. A bounded look-ahead (LookAheadDepth) skips resource-blocked
// candidates to avoid head-of-line blocking, except CRITICAL tasks which
// are held rather than skipped: an unrunnable CRITICAL candidate ends the
// selection, so nothing ranked below it is returned.
func (s *Scheduler) GetNextTasks(k int, filter func(*model.Task) bool, commit bool) []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := s.completedSet()
	var cpBoosts map[string]float64
	if s.cfg.Strategy == DependencyAwareStrategy {
		cpBoosts = s.criticalPathBoosts()
	}
	ranked := s.rankCandidates(completed, cpBoosts, s.systemLoadLocked())

	selected := make([]*model.Task, 0, k)
	scores := make([]float64, 0, k)
	chosenIDs := map[string]bool{}
	lookahead := s.cfg.LookAheadDepth
	if lookahead <= 0 {
		lookahead = 8
	}

	skipped := 0
	for _, c := range ranked {
		if len(selected) >= k {
			break
		}
		t := c.task
		if !s.runnable(t, completed, filter) {
			if t.BasePriority == model.PriorityCritical {
				break // held, never skipped past
			}
			skipped++
			if skipped > lookahead {
				break
			}
			continue
		}
		blocked := false
		for _, dep := range s.graph.HardDependencies(t.ID) {
			if chosenIDs[dep] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		selected = append(selected, t)
		scores = append(scores, c.score)
		chosenIDs[t.ID] = true
	}

	if commit {
		for i, t := range selected {
			for tag, need := range t.RequiredResources {
				s.resourceUsed[tag] += need
			}
			_ = t.Transition(model.StatusAssigned, "getNextTask", "selected by scheduler")
			s.quota.record(string(t.Category))
			s.queueDepth.Add(ctxBg, -1)
			s.scoreHist.Record(ctxBg, scores[i])
			s.bus.Publish(model.NewEvent(model.EventTaskAssigned, t.ID, nil))
		}
	}
	return selected
}

// systemLoadLocked estimates global load as the average resource
// utilization across configured capacities. Caller must hold s.mu.
func (s *Scheduler) systemLoadLocked() float64 {
	if len(s.cfg.ResourceCapacity) == 0 {
		return 0
	}
	var sum float64
	for tag, cap := range s.cfg.ResourceCapacity {
		if cap <= 0 {
			continue
		}
		sum += float64(s.resourceUsed[tag]) / float64(cap)
	}
	return sum / float64(len(s.cfg.ResourceCapacity))
}

// UpdateTaskResult records a task outcome, releases its resources,
// re-evaluates dependents, and re-enqueues on a retryable failure. The
// retry's backoff delay is computed and logged, but the task is re-queued
// at once and is runnable on the next selection; the delay is not waited out.
func (s *Scheduler) UpdateTaskResult(id string, res Result) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown task %q", id))
	}

	for tag, need := range t.RequiredResources {
		s.resourceUsed[tag] -= need
		if s.resourceUsed[tag] < 0 {
			s.resourceUsed[tag] = 0
		}
	}

	if res.Success {
		if err := t.Transition(model.StatusCompleted, "updateTaskResult", "completed"); err != nil {
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
		s.bus.Publish(model.NewEvent(model.EventTaskCompleted, id, nil))
		s.unblockDependents(id)
		return nil
	}

	t.Failure = &model.FailureReason{Kind: res.Kind, Message: res.Message, Retriable: res.Retriable}
	// FAILED is always the intermediate state: the state machine only
	// allows re-queueing from FAILED, never directly from ASSIGNED/IN_PROGRESS.
	if err := t.Transition(model.StatusFailed, "updateTaskResult", "attempt failed"); err != nil {
		s.mu.Unlock()
		return err
	}

	if res.Retriable && t.CurrRetries < t.MaxRetries {
		t.CurrRetries++
		if err := t.Transition(model.StatusQueued, "updateTaskResult", "retrying after failure"); err != nil {
			s.mu.Unlock()
			return err
		}
		s.waitSince[id] = s.clock.Now()
		s.mu.Unlock()
		delay := backoffDelay(s.cfg.RetryInitialDelay, s.cfg.RetryMultiplier, s.cfg.RetryMaxDelay, t.CurrRetries)
		s.log.Info("task retry scheduled", "task", id, "attempt", t.CurrRetries, "delay", delay)
		s.bus.Publish(model.NewEvent(model.EventTaskQueued, id, model.Metadata{"retry": model.Bool(true)}))
		return nil
	}

	s.mu.Unlock()
	s.bus.Publish(model.NewEvent(model.EventTaskFailed, id, model.Metadata{"kind": model.String(string(res.Kind))}))
	s.cascadeFailure(id)
	return nil
}

// backoffDelay implements `initialDelay * multiplier^attempt +- jitter`,
// capped at maxDelay, matching the teacher's full-jitter retry formula.
func backoffDelay(initial time.Duration, multiplier float64, maxDelay time.Duration, attempt int) time.Duration {
	d := float64(initial)
	for i := 0; i < attempt; i++ {
		d *= multiplier
	}
	capped := time.Duration(d)
	if capped > maxDelay {
		capped = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(capped)/2 + 1))
	if rand.Intn(2) == 0 {
		return capped + jitter
	}
	return capped - jitter
}

// unblockDependents moves direct BLOCKED dependents of a just-completed
// task back to QUEUED once all their hard dependencies are satisfied.
func (s *Scheduler) unblockDependents(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := s.completedSet()
	for _, depID := range s.graph.Dependents(id) {
		dep, ok := s.tasks[depID]
		if !ok || dep.Status != model.StatusBlocked {
			continue
		}
		if s.graph.HardDependenciesSatisfied(depID, completed) {
			_ = dep.Transition(model.StatusQueued, "dependencyCompleted", "unblocked: "+id+" completed")
			s.waitSince[depID] = s.clock.Now()
			s.queueDepth.Add(ctxBg, 1)
			s.bus.Publish(model.NewEvent(model.EventTaskQueued, depID, nil))
		}
	}
}

// cascadeFailure applies s.cfg.DependentsPolicy to every direct dependent
// of a terminally-failed or cancelled task, recursively for FailDependents.
func (s *Scheduler) cascadeFailure(id string) {
	switch s.cfg.DependentsPolicy {
	case IgnoreDependents:
		return
	case UnblockAsBlocked:
		s.mu.Lock()
		for _, depID := range s.graph.Dependents(id) {
			dep, ok := s.tasks[depID]
			if !ok || dep.Status.IsTerminal() {
				continue
			}
			_ = dep.Transition(model.StatusBlocked, "dependencyFailed", "blocked: "+id+" failed")
		}
		s.mu.Unlock()
	default: // FailDependents
		s.mu.Lock()
		queue := s.graph.Dependents(id)
		seen := map[string]bool{}
		for len(queue) > 0 {
			depID := queue[0]
			queue = queue[1:]
			if seen[depID] {
				continue
			}
			seen[depID] = true
			dep, ok := s.tasks[depID]
			if !ok || dep.Status.IsTerminal() {
				continue
			}
			for tag, need := range dep.RequiredResources {
				if dep.Status == model.StatusAssigned || dep.Status == model.StatusInProgress {
					s.resourceUsed[tag] -= need
				}
			}
			dep.Failure = &model.FailureReason{Kind: corerr.KindPrecondition, Message: "dependency " + id + " failed"}
			_ = dep.Transition(model.StatusFailed, "dependencyFailed", "cascaded failure from "+id)
			queue = append(queue, s.graph.Dependents(depID)...)
		}
		s.mu.Unlock()
		for depID := range seen {
			s.bus.Publish(model.NewEvent(model.EventTaskFailed, depID, model.Metadata{"cascadedFrom": model.String(id)}))
		}
	}
}

// Cancel cancels a QUEUED/ASSIGNED/IN_PROGRESS task and applies
// DependentsPolicy to its dependents.
func (s *Scheduler) Cancel(id, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return corerr.New(corerr.KindNotFound, fmt.Sprintf("unknown task %q", id))
	}
	for tag, need := range t.RequiredResources {
		if t.Status == model.StatusAssigned || t.Status == model.StatusInProgress {
			s.resourceUsed[tag] -= need
		}
	}
	if err := t.Transition(model.StatusCancelled, "cancel", reason); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	s.bus.Publish(model.NewEvent(model.EventTaskCancelled, id, model.Metadata{"reason": model.String(reason)}))
	s.cascadeFailure(id)
	return nil
}

// Task returns the scheduler's own *Task for id (not a copy), or false.
func (s *Scheduler) Task(id string) (*model.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Depth returns the number of currently QUEUED tasks.
func (s *Scheduler) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == model.StatusQueued {
			n++
		}
	}
	return n
}

// ScanStarvation is invoked periodically (driven by internal/periodic) to
// refresh starvation boosts for long-waiting queued tasks.
func (s *Scheduler) ScanStarvation() {
	if s.cfg.StarvationMode == StarvationNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, t := range s.tasks {
		if t.Status != model.StatusQueued {
			continue
		}
		wait := now.Sub(s.waitSince[id])
		s.boosts[id] = starvationBoostFor(s.cfg.StarvationMode, wait, s.cfg.MaxStarvationTime, s.cfg.MaxPriorityBoost)
	}
}

// AllTasks returns a snapshot slice of every known task, for status reporting.
func (s *Scheduler) AllTasks() []*model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}
