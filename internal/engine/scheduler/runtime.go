package scheduler

import (
	"context"
	"fmt"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
)

// nodeRuntime is the nodes.Runtime handed to one attempt.
type nodeRuntime struct {
	n *nodeRun
}

func (rt *nodeRuntime) EmitOutput(payload map[string]interface{}) {
	rt.n.r.observer.OnNodeOutput(rt.n.node.ID, payload)
}

// RunBody runs the interior scope of loopID. Only the loop node itself may
// drive its body.
func (rt *nodeRuntime) RunBody(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error) {
	if loopID != rt.n.node.ID {
		return nil, workflow.NewError(workflow.ErrorKindInternal, rt.n.node.ID,
			"node %q cannot run the body of %q", rt.n.node.ID, loopID)
	}
	if overlay == nil || overlay.Parent() == nil {
		return nil, workflow.WrapError(workflow.ErrorKindInternal, loopID,
			fmt.Errorf("loop body needs an overlay context"), "")
	}
	scope, ok := rt.n.r.graph.Scope(loopID)
	if !ok {
		return map[string]map[string]interface{}{}, nil
	}
	return rt.n.r.runScope(ctx, scope, overlay)
}
