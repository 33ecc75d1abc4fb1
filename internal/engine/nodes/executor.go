// Package nodes holds the executor registry and the built-in node kinds.
package nodes

import (
	"context"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/pkg/logger"
)

// Traits describe how the scheduler treats a node kind.
type Traits struct {
	// Structural kinds route or shape data and are never retried.
	Structural bool
	// Container kinds run a body scope and do not hold a parallelism slot.
	Container bool
	// External kinds call a collaborator service.
	External bool
	// Idempotent external kinds may be retried without an explicit policy flag.
	Idempotent bool
	// DefaultTimeout applies when the node sets no timeout_seconds.
	DefaultTimeout time.Duration
	// RawConfig lists config keys the scheduler must not template-resolve.
	RawConfig []string
}

// Invocation is one attempt at executing a node. Inputs and Config are
// already resolved against Context.
type Invocation struct {
	Node    *workflow.Node
	Inputs  map[string]interface{}
	Config  map[string]interface{}
	Attempt int
	Context *execctx.Context
	Logger  logger.Logger
}

// Runtime is the scheduler surface available to executors.
type Runtime interface {
	// EmitOutput publishes a partial result of the running node.
	EmitOutput(payload map[string]interface{})
	// RunBody executes the body scope of loopID inside overlay and returns
	// the outputs committed by interior nodes.
	RunBody(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error)
}

// Executor runs one node kind.
type Executor interface {
	Schema() workflow.NodeSchema
	Traits() Traits
	Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error)
}

func (inv *Invocation) log() logger.Logger {
	if inv.Logger == nil {
		return logger.NewNop()
	}
	return inv.Logger
}

func inputError(inv *Invocation, format string, args ...interface{}) *workflow.ExecutionError {
	return workflow.NewError(workflow.ErrorKindNodeInput, inv.Node.ID, format, args...)
}
