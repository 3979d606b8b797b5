// Package funcexec provides an in-process task executor: a plain Go
// function stands in for a remote agent, useful for embedding taskcore in
// another process or for tests that don't want a NATS dependency.
package funcexec

import (
	"context"
	"fmt"

	"github.com/swarmforge/taskcore/internal/coordinator"
)

// Handler runs one task attempt and returns whether it succeeded.
type Handler func(ctx context.Context, taskID string, payload map[string]string) (success bool, message string, err error)

// Executor dispatches every attempt to a single registered Handler,
// regardless of which agent id was selected; intended for single-process
// embedding, not for routing across distinct worker processes.
type Executor struct {
	handler Handler
}

// New wraps handler as a coordinator.Executor.
func New(handler Handler) *Executor {
	return &Executor{handler: handler}
}

// Execute implements coordinator.Executor.
func (e *Executor) Execute(ctx context.Context, agentID, taskID string, payload map[string]string) (coordinator.Outcome, error) {
	if e.handler == nil {
		return coordinator.Outcome{}, fmt.Errorf("funcexec: no handler registered")
	}
	success, message, err := e.handler(ctx, taskID, payload)
	if err != nil {
		return coordinator.Outcome{Success: false, Message: err.Error(), Retriable: true}, err
	}
	return coordinator.Outcome{Success: success, Message: message}, nil
}
