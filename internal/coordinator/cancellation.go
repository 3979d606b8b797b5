package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// attemptStatus mirrors a single dispatched task attempt's lifecycle,
// independent of the task's own state machine (which tracks the task
// across retries, not a single in-flight attempt).
type attemptStatus string

const (
	attemptRunning   attemptStatus = "running"
	attemptCompleted attemptStatus = "completed"
	attemptFailed    attemptStatus = "failed"
	attemptCancelled attemptStatus = "cancelled"
)

type cancellableAttempt struct {
	taskID       string
	cancelFunc   context.CancelFunc
	cancelReason string
	cancelledAt  time.Time
	status       attemptStatus
}

// CancellationManager tracks in-flight dispatch attempts by task id and
// lets the coordinator's cancel(id, reason) operation interrupt one.
type CancellationManager struct {
	mu     sync.RWMutex
	active map[string]*cancellableAttempt

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager constructs a manager using the taskcore meter.
func NewCancellationManager() *CancellationManager {
	meter := otel.Meter("taskcore")
	cancellations, _ := meter.Int64Counter("taskcore_cancellations_total")
	return &CancellationManager{
		active:        map[string]*cancellableAttempt{},
		cancellations: cancellations,
		tracer:        otel.Tracer("taskcore-coordinator"),
	}
}

// Register tracks a newly dispatched attempt as cancellable.
func (cm *CancellationManager) Register(taskID string, cancelFunc context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.active[taskID] = &cancellableAttempt{taskID: taskID, cancelFunc: cancelFunc, status: attemptRunning}
}

// Cancel interrupts the in-flight attempt for taskID, if any.
func (cm *CancellationManager) Cancel(ctx context.Context, taskID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(attribute.String("task_id", taskID), attribute.String("reason", reason)))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	att, ok := cm.active[taskID]
	if !ok {
		return fmt.Errorf("no in-flight attempt for task %q", taskID)
	}
	if att.status != attemptRunning {
		return fmt.Errorf("attempt for task %q is not running (status: %s)", taskID, att.status)
	}

	att.cancelFunc()
	att.cancelReason = reason
	att.cancelledAt = time.Now()
	att.status = attemptCancelled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", taskID), attribute.String("reason", reason)))
	span.AddEvent("attempt_cancelled")
	return nil
}

// Complete marks an attempt finished and stops tracking it for cancellation
// (it's no longer interruptible once the executor has returned).
func (cm *CancellationManager) Complete(taskID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.active, taskID)
}

// IsRunning reports whether taskID currently has a cancellable attempt.
func (cm *CancellationManager) IsRunning(taskID string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	att, ok := cm.active[taskID]
	return ok && att.status == attemptRunning
}

// CancelAll interrupts every running attempt, for graceful shutdown.
func (cm *CancellationManager) CancelAll(reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	n := 0
	for id, att := range cm.active {
		if att.status == attemptRunning {
			att.cancelFunc()
			att.status = attemptCancelled
			att.cancelReason = reason
			att.cancelledAt = time.Now()
			n++
		}
		delete(cm.active, id)
	}
	return n
}
