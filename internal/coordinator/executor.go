package coordinator

import (
	"context"
	"time"
)

// Outcome is what an Executor reports back for a dispatched task attempt.
type Outcome struct {
	Success    bool
	DurationMs int64
	Message    string
	Retriable  bool
}

// Executor runs one task attempt on a specific agent. Implementations
// live under internal/transport (in-process for tests/embedding, NATS for
// distributed workers).
type Executor interface {
	Execute(ctx context.Context, agentID string, taskID string, payload map[string]string) (Outcome, error)
}

// Timeouts names the per-phase deadlines a dispatched attempt is held to.
type Timeouts struct {
	Setup      time.Duration
	Command    time.Duration
	Validation time.Duration
	Cleanup    time.Duration
	Heartbeat  time.Duration
}

// DefaultTimeouts matches the spec's stated per-phase defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Setup:      10 * time.Second,
		Command:    5 * time.Minute,
		Validation: 30 * time.Second,
		Cleanup:    10 * time.Second,
		Heartbeat:  20 * time.Second,
	}
}

// Total is the sum of every phase, used as the outer context deadline for
// one dispatch attempt.
func (t Timeouts) Total() time.Duration {
	return t.Setup + t.Command + t.Validation + t.Cleanup
}
