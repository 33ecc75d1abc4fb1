// Package scheduler executes a parsed workflow graph: topological batches per
// scope, bounded parallelism, loop bodies, branch activation with skip
// propagation and per-node failure policies.
package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/internal/engine/nodes"
	"github.com/aiflow-go/internal/engine/retry"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/telemetry"
)

const (
	DefaultMaxParallelTasks  = 5
	DefaultMaxNodeExecutions = 500
)

type Config struct {
	// MaxParallelTasks bounds concurrently executing leaf nodes of one run.
	MaxParallelTasks int
	// MaxNodeExecutions bounds dispatch attempts of one run, retries and
	// loop iterations included.
	MaxNodeExecutions int
}

// NodeEvent reports a node state change. Retrying events keep the node
// Running while the backoff delay elapses.
type NodeEvent struct {
	NodeID    string
	Kind      workflow.NodeKind
	Scope     string
	Iteration int
	Batch     int
	State     workflow.NodeState
	Attempt   int
	Outputs   map[string]interface{}
	Error     *workflow.ExecutionError
	Usage     *workflow.Usage
	Retrying  bool
	Delay     time.Duration
	Timestamp time.Time
}

// Observer receives progress of a run. Calls arrive from concurrent node
// goroutines.
type Observer interface {
	OnNodeEvent(event NodeEvent)
	OnNodeOutput(nodeID string, payload map[string]interface{})
}

type NopObserver struct{}

func (NopObserver) OnNodeEvent(NodeEvent)                   {}
func (NopObserver) OnNodeOutput(string, map[string]interface{}) {}

// Outcome is the terminal result of a run.
type Outcome struct {
	State       workflow.RunState
	AbortReason workflow.AbortReason
	Outputs     map[string]interface{}
	Error       *workflow.ExecutionError
	Executions  int
}

type Scheduler struct {
	cfg       Config
	registry  *nodes.Registry
	retry     *retry.Handler
	telemetry *telemetry.Telemetry
	logger    logger.Logger
}

func New(cfg Config, registry *nodes.Registry, retryHandler *retry.Handler, tel *telemetry.Telemetry, log logger.Logger) *Scheduler {
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = DefaultMaxParallelTasks
	}
	if cfg.MaxNodeExecutions <= 0 {
		cfg.MaxNodeExecutions = DefaultMaxNodeExecutions
	}
	if log == nil {
		log = logger.NewNop()
	}
	if retryHandler == nil {
		retryHandler = retry.NewHandler(log)
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		registry:  registry,
		retry:     retryHandler,
		telemetry: tel,
		logger:    log.Named("scheduler"),
	}
}

// run is the scheduling state shared by every scope of one run.
type run struct {
	s          *Scheduler
	graph      *workflow.Graph
	observer   Observer
	sem        *semaphore.Weighted
	executions atomic.Int64
	logger     logger.Logger
}

// Run executes graph against rc until the run reaches a terminal state.
// Cancelling ctx aborts the run; a ctx deadline aborts it as a resource
// limit.
func (s *Scheduler) Run(ctx context.Context, graph *workflow.Graph, rc *execctx.Context, observer Observer) Outcome {
	if observer == nil {
		observer = NopObserver{}
	}
	r := &run{
		s:        s,
		graph:    graph,
		observer: observer,
		sem:      semaphore.NewWeighted(int64(s.cfg.MaxParallelTasks)),
		logger:   logger.FromContext(ctx, s.logger.With("run_id", rc.RunID())),
	}

	committed, err := r.runScope(ctx, graph.Root(), rc)
	outcome := Outcome{
		Outputs:    runOutputs(graph, committed),
		Executions: int(r.executions.Load()),
	}
	if err == nil {
		outcome.State = workflow.RunCompleted
		return outcome
	}

	ee := workflow.AsExecutionError(err)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome.State = workflow.RunAborted
		outcome.AbortReason = workflow.AbortResourceLimit
		outcome.Error = workflow.NewError(workflow.ErrorKindResourceLimit, ee.NodeID, "run timeout exceeded")
	case ee.Kind == workflow.ErrorKindCancelled || ctx.Err() != nil:
		outcome.State = workflow.RunAborted
		outcome.AbortReason = workflow.AbortCancelled
		if ee.Kind != workflow.ErrorKindCancelled {
			ee = workflow.WrapError(workflow.ErrorKindCancelled, ee.NodeID, ctx.Err(), "run cancelled")
		}
		outcome.Error = ee
	case ee.Kind == workflow.ErrorKindResourceLimit:
		outcome.State = workflow.RunAborted
		outcome.AbortReason = workflow.AbortResourceLimit
		outcome.Error = ee
	default:
		outcome.State = workflow.RunFailed
		outcome.Error = ee
	}
	r.logger.Info("Run did not complete",
		"state", outcome.State,
		"error_kind", outcome.Error.Kind,
		"node_id", outcome.Error.NodeID,
	)
	return outcome
}

// runOutputs merges the outputs of the top-level end nodes in definition
// order.
func runOutputs(graph *workflow.Graph, committed map[string]map[string]interface{}) map[string]interface{} {
	outputs := make(map[string]interface{})
	for _, id := range graph.Root().NodeIDs() {
		node, _ := graph.Node(id)
		if node.Kind != workflow.KindEnd {
			continue
		}
		for k, v := range committed[id] {
			outputs[k] = v
		}
	}
	return outputs
}

func cancelledError(nodeID string, cause error) *workflow.ExecutionError {
	return workflow.WrapError(workflow.ErrorKindCancelled, nodeID, cause, "run cancelled")
}
