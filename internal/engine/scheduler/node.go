package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/internal/engine/nodes"
	"github.com/aiflow-go/internal/engine/retry"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/metrics"
	"github.com/aiflow-go/pkg/resilience"
	"github.com/aiflow-go/pkg/telemetry"
)

// nodeRun tracks one node within one scope execution.
type nodeRun struct {
	r       *run
	node    *workflow.Node
	ec      *execctx.Context
	scope   *workflow.Scope
	batch   int
	state   workflow.NodeState
	attempt int
	started time.Time
	// edges is read-only while the batch runs.
	edges map[string]edgeState
}

func (n *nodeRun) moveTo(to workflow.NodeState, ev NodeEvent) {
	if err := workflow.TransitionNode(n.state, to); err != nil {
		n.r.logger.Error("Rejected node transition", "node_id", n.node.ID, "error", err)
		return
	}
	n.state = to

	ev.NodeID = n.node.ID
	ev.Kind = n.node.Kind
	ev.Scope = n.scope.ID()
	ev.Iteration = n.ec.Iteration()
	ev.Batch = n.batch
	ev.State = to
	ev.Attempt = n.attempt
	ev.Timestamp = time.Now().UTC()

	step := execctx.Step{
		NodeID:    n.node.ID,
		Kind:      n.node.Kind,
		State:     to,
		Attempt:   n.attempt,
		Timestamp: ev.Timestamp,
	}
	if ev.Error != nil {
		step.Error = ev.Error.Error()
	}
	n.ec.RecordStep(step)

	if to.IsTerminal() && !n.started.IsZero() {
		metrics.RecordNodeExecution(string(n.node.Kind), string(to), time.Since(n.started).Seconds())
	}
	n.r.observer.OnNodeEvent(ev)
}

// runNode drives a node through its attempts and applies the failure policy.
// A returned error fails the enclosing scope.
func (r *run) runNode(ctx context.Context, scope *workflow.Scope, ec *execctx.Context, nodeID string, batch int, edges map[string]edgeState) (*nodeOutcome, error) {
	node, _ := r.graph.Node(nodeID)
	n := &nodeRun{r: r, node: node, ec: ec, scope: scope, batch: batch, state: workflow.NodePending, edges: edges}
	n.moveTo(workflow.NodeReady, NodeEvent{})

	executor, err := r.s.registry.Get(node.Kind)
	if err != nil {
		ee := workflow.WrapError(workflow.ErrorKindInternal, nodeID, err, "")
		n.moveTo(workflow.NodeFailed, NodeEvent{Error: ee})
		return nil, ee
	}
	traits := executor.Traits()
	subject := retry.Subject{
		NodeID:     nodeID,
		Kind:       node.Kind,
		Structural: traits.Structural,
		Idempotent: traits.Idempotent,
		External:   traits.External,
		Policy:     node.Retry,
	}

	for attempt := 1; ; attempt++ {
		n.attempt = attempt
		result, ee := n.execute(ctx, executor, traits)
		if ee == nil {
			if err := ec.CommitOutputs(nodeID, result.Outputs); err != nil {
				ee = workflow.WrapError(workflow.ErrorKindInternal, nodeID, err, "")
				n.moveTo(workflow.NodeFailed, NodeEvent{Error: ee})
				return nil, ee
			}
			n.moveTo(workflow.NodeSucceeded, NodeEvent{Outputs: result.Outputs, Usage: result.Metadata.Usage})
			return &nodeOutcome{
				state:   workflow.NodeSucceeded,
				outputs: result.Outputs,
				branch:  workflow.NormalizeBranch(result.Branch),
			}, nil
		}

		decision := r.s.retry.Decide(subject, ee, attempt)
		switch decision.Action {
		case retry.ActionRetry:
			metrics.RecordNodeRetry(string(node.Kind), string(ee.Kind))
			r.observer.OnNodeEvent(NodeEvent{
				NodeID:    nodeID,
				Kind:      node.Kind,
				Scope:     scope.ID(),
				Iteration: ec.Iteration(),
				Batch:     batch,
				State:     n.state,
				Attempt:   attempt,
				Error:     ee,
				Retrying:  true,
				Delay:     decision.Delay,
				Timestamp: time.Now().UTC(),
			})
			if err := resilience.Sleep(ctx, decision.Delay); err != nil {
				ce := cancelledError(nodeID, err)
				n.moveTo(workflow.NodeFailed, NodeEvent{Error: ce})
				return nil, ce
			}
			n.moveTo(workflow.NodeReady, NodeEvent{})

		case retry.ActionDefault:
			if err := ec.CommitOutputs(nodeID, decision.Outputs); err != nil {
				ie := workflow.WrapError(workflow.ErrorKindInternal, nodeID, err, "")
				n.moveTo(workflow.NodeFailed, NodeEvent{Error: ie})
				return nil, ie
			}
			n.moveTo(workflow.NodeSucceeded, NodeEvent{Outputs: decision.Outputs, Error: ee})
			return &nodeOutcome{state: workflow.NodeSucceeded, outputs: decision.Outputs}, nil

		case retry.ActionFallback:
			outputs := map[string]interface{}{"error": errorPayload(ee)}
			if err := ec.CommitOutputs(nodeID, outputs); err != nil {
				ie := workflow.WrapError(workflow.ErrorKindInternal, nodeID, err, "")
				n.moveTo(workflow.NodeFailed, NodeEvent{Error: ie})
				return nil, ie
			}
			n.moveTo(workflow.NodeFailed, NodeEvent{Error: ee, Outputs: outputs})
			return &nodeOutcome{state: workflow.NodeFailed, outputs: outputs, fallback: true}, nil

		case retry.ActionContinue:
			n.moveTo(workflow.NodeFailed, NodeEvent{Error: ee})
			return &nodeOutcome{state: workflow.NodeFailed}, nil

		default:
			n.moveTo(workflow.NodeFailed, NodeEvent{Error: ee})
			return nil, ee
		}
	}
}

// execute performs one attempt.
func (n *nodeRun) execute(ctx context.Context, executor nodes.Executor, traits nodes.Traits) (*workflow.NodeExecutionResult, *workflow.ExecutionError) {
	r := n.r
	nodeID := n.node.ID

	if count := r.executions.Add(1); count > int64(r.s.cfg.MaxNodeExecutions) {
		return nil, workflow.NewError(workflow.ErrorKindResourceLimit, nodeID,
			"run exceeded %d node executions", r.s.cfg.MaxNodeExecutions)
	}
	// Containers wait on their body, which needs the slots.
	if !traits.Container {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, cancelledError(nodeID, err)
		}
		defer r.sem.Release(1)
	}

	startedAt := time.Now().UTC()
	if n.started.IsZero() {
		n.started = startedAt
	}
	n.moveTo(workflow.NodeRunning, NodeEvent{})

	inv, ee := n.prepare(executor, traits)
	if ee != nil {
		return nil, ee
	}

	timeout := nodeTimeout(n.node, traits)
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	spanCtx, span := r.s.telemetry.StartSpan(logger.IntoContext(attemptCtx, inv.Logger), "node."+string(n.node.Kind),
		telemetry.RunIDAttribute(n.ec.RunID()),
		telemetry.NodeIDAttribute(nodeID),
		telemetry.NodeKindAttribute(string(n.node.Kind)),
		telemetry.AttemptAttribute(n.attempt),
	)
	result, err := n.invoke(spanCtx, executor, inv)
	ee = n.check(ctx, attemptCtx, timeout, traits, executor, result, err)

	var spanErr error
	if ee != nil {
		spanErr = ee
	}
	telemetry.EndSpan(span, spanErr)
	if ee != nil {
		return nil, ee
	}

	finishedAt := time.Now().UTC()
	result.Metadata.Attempt = n.attempt
	result.Metadata.StartedAt = startedAt
	result.Metadata.FinishedAt = finishedAt
	result.Metadata.Duration = finishedAt.Sub(startedAt)
	return result, nil
}

func (n *nodeRun) invoke(ctx context.Context, executor nodes.Executor, inv *nodes.Invocation) (result *workflow.NodeExecutionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			n.r.logger.Error("Executor panicked",
				"node_id", n.node.ID,
				"kind", n.node.Kind,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = workflow.NewError(workflow.ErrorKindInternal, n.node.ID, "executor panic: %v", p)
		}
	}()
	return executor.Execute(ctx, inv, &nodeRuntime{n: n})
}

// check turns an attempt's return values into an error, if any. Run
// cancellation wins over whatever the executor reported.
func (n *nodeRun) check(runCtx, attemptCtx context.Context, timeout time.Duration, traits nodes.Traits, executor nodes.Executor, result *workflow.NodeExecutionResult, err error) *workflow.ExecutionError {
	nodeID := n.node.ID
	if typed, ok := err.(*workflow.ExecutionError); ok && typed == nil {
		err = nil
	}

	var ee *workflow.ExecutionError
	switch {
	case err != nil:
		ee = workflow.AsExecutionError(err)
	case result == nil:
		ee = workflow.NewError(workflow.ErrorKindInternal, nodeID, "executor returned no result")
	case result.Status == workflow.StatusError:
		ee = result.Error
		if ee == nil {
			ee = workflow.NewError(workflow.ErrorKindInternal, nodeID, "executor reported an error without details")
		}
	case result.Status == workflow.StatusRunning:
		ee = workflow.NewError(workflow.ErrorKindInternal, nodeID, "executor returned before finishing")
	}

	if ee == nil {
		return validateOutputs(n.node, executor.Schema(), result.Outputs)
	}
	ee = ee.WithNode(nodeID)

	if ctxErr := runCtx.Err(); ctxErr != nil && ee.Kind != workflow.ErrorKindResourceLimit {
		if ee.Kind == workflow.ErrorKindCancelled {
			return ee
		}
		return cancelledError(nodeID, ctxErr)
	}
	if timeout > 0 && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
		(ee.Kind == workflow.ErrorKindInternal || ee.Kind == workflow.ErrorKindCancelled) {
		kind := workflow.ErrorKindInternal
		if traits.External {
			kind = workflow.ErrorKindExternalService
		}
		te := workflow.NewError(kind, nodeID, "node timed out after %s", timeout)
		te.Code = "timeout"
		te.Cause = attemptCtx.Err()
		return te
	}
	return ee
}

func nodeTimeout(node *workflow.Node, traits nodes.Traits) time.Duration {
	if node.TimeoutSeconds > 0 {
		return time.Duration(node.TimeoutSeconds) * time.Second
	}
	return traits.DefaultTimeout
}

func errorPayload(ee *workflow.ExecutionError) map[string]interface{} {
	payload := map[string]interface{}{
		"kind":    string(ee.Kind),
		"message": ee.Message,
	}
	if ee.Code != "" {
		payload["code"] = ee.Code
	}
	return payload
}
