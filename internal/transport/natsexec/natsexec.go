// Package natsexec dispatches task attempts to remote agents over NATS
// request/reply, and relays agent heartbeat subjects into the registry.
package natsexec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmforge/taskcore/internal/coordinator"
	"github.com/swarmforge/taskcore/internal/registry"
	"github.com/swarmforge/taskcore/internal/transport/natsctx"
)

// dispatchRequest is the wire payload sent to an agent's dispatch subject.
type dispatchRequest struct {
	TaskID  string            `json:"task_id"`
	Payload map[string]string `json:"payload"`
}

// dispatchReply is the wire payload an agent sends back.
type dispatchReply struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

// heartbeatPayload is published by agents on the shared heartbeat subject.
type heartbeatPayload struct {
	AgentID string `json:"agent_id"`
}

// Executor dispatches each attempt as a NATS request to
// "taskcore.agent.<agentID>.dispatch" and expects a dispatchReply.
type Executor struct {
	nc      *nats.Conn
	timeout time.Duration
}

// New constructs a NATS-backed executor over an already-connected conn.
func New(nc *nats.Conn, requestTimeout time.Duration) *Executor {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Executor{nc: nc, timeout: requestTimeout}
}

// Execute implements coordinator.Executor over NATS request/reply.
func (e *Executor) Execute(ctx context.Context, agentID, taskID string, payload map[string]string) (coordinator.Outcome, error) {
	body, err := json.Marshal(dispatchRequest{TaskID: taskID, Payload: payload})
	if err != nil {
		return coordinator.Outcome{}, fmt.Errorf("marshal dispatch request: %w", err)
	}

	subject := fmt.Sprintf("taskcore.agent.%s.dispatch", agentID)
	start := time.Now()
	msg, err := natsctx.Request(ctx, e.nc, subject, body)
	if err != nil {
		return coordinator.Outcome{Success: false, Message: err.Error(), Retriable: true, DurationMs: time.Since(start).Milliseconds()}, err
	}

	var reply dispatchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return coordinator.Outcome{}, fmt.Errorf("unmarshal dispatch reply: %w", err)
	}
	return coordinator.Outcome{
		Success:    reply.Success,
		Message:    reply.Message,
		Retriable:  reply.Retriable,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// HeartbeatBridge subscribes to the shared agent heartbeat subject and
// forwards each beat into reg.Heartbeat, decoupling transport from the
// registry's liveness bookkeeping.
func HeartbeatBridge(nc *nats.Conn, reg *registry.Registry) (*nats.Subscription, error) {
	return natsctx.Subscribe(nc, "taskcore.agent.heartbeat", func(ctx context.Context, m *nats.Msg) {
		var hb heartbeatPayload
		if err := json.Unmarshal(m.Data, &hb); err != nil || hb.AgentID == "" {
			return
		}
		_ = reg.Heartbeat(hb.AgentID)
	})
}
