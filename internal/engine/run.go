package engine

import (
	"context"
	"sync"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/internal/engine/scheduler"
	"github.com/aiflow-go/internal/engine/stream"
	"github.com/aiflow-go/pkg/logger"
)

// activeRun tracks a run between submission and its terminal state. It is the
// scheduler observer of that run. Node events update the status record and
// reach subscribers in order; the record is written to the store by a
// separate persister so store latency never blocks the scheduler.
type activeRun struct {
	engine  *Engine
	graph   *workflow.Graph
	rc      *execctx.Context
	channel *stream.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	logger  logger.Logger

	mu     sync.Mutex
	status *workflow.RunStatus

	dirty     chan struct{}
	stopSaves chan struct{}
	saved     chan struct{}
}

func newActiveRun(e *Engine, graph *workflow.Graph, rc *execctx.Context, channel *stream.Channel, cancel context.CancelFunc, status *workflow.RunStatus, log logger.Logger) *activeRun {
	return &activeRun{
		engine:    e,
		graph:     graph,
		rc:        rc,
		channel:   channel,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    log,
		status:    status,
		dirty:     make(chan struct{}, 1),
		stopSaves: make(chan struct{}),
		saved:     make(chan struct{}),
	}
}

var _ scheduler.Observer = (*activeRun)(nil)

func (a *activeRun) snapshot() *workflow.RunStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status.Clone()
}

func (a *activeRun) start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	if err := workflow.TransitionRun(a.status.State, workflow.RunRunning); err != nil {
		a.logger.Error("Rejected run transition", "error", err)
		return
	}
	a.status.State = workflow.RunRunning
	a.status.StartedAt = &now
	a.status.UpdatedAt = now
	a.markDirtyLocked()

	a.publish("", stream.EventStarted, map[string]interface{}{
		"workflow_id": a.status.WorkflowID,
		"nodes":       a.graph.Len(),
	})
}

func (a *activeRun) OnNodeEvent(ev scheduler.NodeEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ns, ok := a.status.Nodes[ev.NodeID]
	if !ok {
		ns = &workflow.NodeStatus{NodeID: ev.NodeID, Kind: ev.Kind}
		a.status.Nodes[ev.NodeID] = ns
	}
	ns.Scope = ev.Scope
	ns.Iteration = ev.Iteration
	ts := ev.Timestamp

	if ev.Retrying {
		ns.Error = ev.Error
		a.status.UpdatedAt = ts
		a.markDirtyLocked()
		payload := errorPayload(ev.Error)
		payload["retrying"] = true
		payload["attempt"] = ev.Attempt
		payload["delay_ms"] = ev.Delay.Milliseconds()
		a.publish(ev.NodeID, stream.EventError, payload)
		return
	}

	switch ev.State {
	case workflow.NodeReady:
		// A loop body node re-enters Ready on every iteration.
		if ns.State.IsTerminal() {
			ns.Outputs = nil
			ns.Error = nil
			ns.Usage = nil
			ns.StartedAt = nil
			ns.FinishedAt = nil
		}
		ns.State = workflow.NodeReady

	case workflow.NodeRunning:
		ns.State = workflow.NodeRunning
		ns.Attempts = ev.Attempt
		if ns.StartedAt == nil {
			ns.StartedAt = &ts
		}
		a.status.Executions++
		a.publish(ev.NodeID, stream.EventStarted, map[string]interface{}{
			"kind":      string(ev.Kind),
			"attempt":   ev.Attempt,
			"scope":     ev.Scope,
			"iteration": ev.Iteration,
		})

	case workflow.NodeSucceeded:
		ns.State = workflow.NodeSucceeded
		ns.Outputs = ev.Outputs
		ns.Error = ev.Error
		ns.FinishedAt = &ts
		if ev.Usage != nil {
			u := *ev.Usage
			ns.Usage = &u
			a.status.Usage.Add(u)
		}
		payload := map[string]interface{}{
			"state":   string(workflow.NodeSucceeded),
			"outputs": ev.Outputs,
		}
		if ev.Usage != nil {
			payload["usage"] = *ev.Usage
		}
		if ev.Error != nil {
			payload["default_outputs"] = true
		}
		a.publish(ev.NodeID, stream.EventCompleted, payload)

	case workflow.NodeFailed:
		ns.State = workflow.NodeFailed
		ns.Outputs = ev.Outputs
		ns.Error = ev.Error
		ns.FinishedAt = &ts
		if ev.Error != nil {
			fields := errorPayload(ev.Error)
			fields["node_id"] = ev.NodeID
			a.logger.Warn("Node failed", logger.Fields(fields)...)
			if _, err := a.channel.PublishError(ev.NodeID, ev.Error); err != nil {
				a.logger.Warn("Failed to publish event", "node_id", ev.NodeID, "error", err)
			}
		}
		a.publish(ev.NodeID, stream.EventCompleted, map[string]interface{}{
			"state":   string(workflow.NodeFailed),
			"outputs": ev.Outputs,
		})

	case workflow.NodeSkipped:
		ns.State = workflow.NodeSkipped
		ns.FinishedAt = &ts
		a.publish(ev.NodeID, stream.EventCompleted, map[string]interface{}{
			"state": string(workflow.NodeSkipped),
		})
	}

	a.status.UpdatedAt = ts
	a.markDirtyLocked()
}

func (a *activeRun) OnNodeOutput(nodeID string, payload map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.publish(nodeID, stream.EventOutput, payload)
}

// finish records the outcome, emits the terminal events and closes the
// stream. The final record is written after the persister has stopped so it
// is the last write for the run. The returned status is a copy safe to hand
// out.
func (a *activeRun) finish(outcome scheduler.Outcome) *workflow.RunStatus {
	a.mu.Lock()
	now := time.Now().UTC()
	if err := workflow.TransitionRun(a.status.State, outcome.State); err != nil {
		a.logger.Error("Rejected run transition", "error", err)
	}
	a.status.State = outcome.State
	a.status.AbortReason = outcome.AbortReason
	a.status.Outputs = outcome.Outputs
	a.status.Error = outcome.Error
	a.status.Executions = outcome.Executions
	a.status.FinishedAt = &now
	a.status.UpdatedAt = now

	if outcome.Error != nil {
		if _, err := a.channel.PublishError("", outcome.Error); err != nil {
			a.logger.Warn("Failed to publish event", "error", err)
		}
	}
	a.publish("", stream.EventCompleted, completedPayload(a.status))
	a.channel.Close()
	final := a.status.Clone()
	a.mu.Unlock()

	a.stopPersister()

	e := a.engine
	ctx, cancel := context.WithTimeout(context.Background(), finalPersistTimeout)
	defer cancel()
	if err := e.store.Update(ctx, final); err != nil {
		a.logger.Error("Failed to persist run status", "error", err)
	}
	if err := e.store.Expire(ctx, final.RunID, e.cfg.RunRetention); err != nil {
		a.logger.Warn("Failed to set run retention", "error", err)
	}
	return final.Clone()
}

func (a *activeRun) publish(nodeID string, eventType stream.EventType, payload map[string]interface{}) {
	if _, err := a.channel.Publish(nodeID, eventType, payload); err != nil {
		a.logger.Warn("Failed to publish event", "node_id", nodeID, "type", eventType, "error", err)
	}
}

func (a *activeRun) markDirtyLocked() {
	select {
	case a.dirty <- struct{}{}:
	default:
	}
}

// persist writes the latest status whenever it changes. Bursts of node
// events collapse into a single write.
func (a *activeRun) persist() {
	defer close(a.saved)
	for {
		select {
		case <-a.dirty:
			a.save()
		case <-a.stopSaves:
			return
		}
	}
}

func (a *activeRun) save() {
	status := a.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), finalPersistTimeout)
	defer cancel()
	if err := a.engine.store.Update(ctx, status); err != nil {
		a.logger.Warn("Failed to persist run status", "error", err)
	}
}

// stopPersister waits for an in-flight write to finish.
func (a *activeRun) stopPersister() {
	select {
	case <-a.stopSaves:
	default:
		close(a.stopSaves)
	}
	<-a.saved
}

func completedPayload(status *workflow.RunStatus) map[string]interface{} {
	payload := map[string]interface{}{
		"state":      string(status.State),
		"outputs":    status.Outputs,
		"executions": status.Executions,
		"usage":      status.Usage,
	}
	if status.AbortReason != "" {
		payload["abort_reason"] = string(status.AbortReason)
	}
	if status.Error != nil {
		payload["error"] = errorPayload(status.Error)
	}
	return payload
}

func errorPayload(ee *workflow.ExecutionError) map[string]interface{} {
	payload := map[string]interface{}{}
	if ee == nil {
		return payload
	}
	payload["kind"] = string(ee.Kind)
	payload["message"] = ee.Message
	if ee.Code != "" {
		payload["code"] = ee.Code
	}
	if ee.NodeID != "" {
		payload["node_id"] = ee.NodeID
	}
	return payload
}
