package nodes

import (
	"context"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
)

const (
	StoppedByMaxIterations  = "max_iterations"
	StoppedByBreakCondition = "break_condition"
	StoppedByItemsExhausted = "items_exhausted"

	defaultMaxIterations = 50
)

// LoopExecutor drives the body scope of a loop node. Every iteration runs in
// a fresh overlay where the loop's own outputs are {item, index}. Iterations
// fold into a loop-scope context, which is merged into the caller's context
// once the loop stops.
type LoopExecutor struct {
	maxIterations int
}

func NewLoopExecutor(maxIterations int) *LoopExecutor {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	return &LoopExecutor{maxIterations: maxIterations}
}

func (e *LoopExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{
		Inputs: []workflow.PortSchema{
			{Name: "items", Type: workflow.TypeArray},
			{Name: "max_iterations", Type: workflow.TypeNumber},
		},
		Outputs: []workflow.PortSchema{
			{Name: "iterations", Type: workflow.TypeNumber},
			{Name: "results", Type: workflow.TypeArray},
			{Name: "stopped_by", Type: workflow.TypeString},
			{Name: "item", Type: workflow.TypeAny},
			{Name: "index", Type: workflow.TypeNumber},
		},
		DynamicInputs: true,
	}
}

func (e *LoopExecutor) Traits() Traits {
	return Traits{Structural: true, Container: true, RawConfig: []string{"break_condition"}}
}

func (e *LoopExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	limit, err := inv.intParam("max_iterations", e.maxIterations)
	if err != nil {
		return nil, inputError(inv, "%v", err)
	}
	if limit <= 0 || limit > e.maxIterations {
		limit = e.maxIterations
	}

	var items []interface{}
	forEach := false
	if raw, ok := inv.param("items"); ok {
		arr, isArr := raw.([]interface{})
		if !isArr {
			return nil, inputError(inv, "items must be an array, got %T", raw)
		}
		items, forEach = arr, true
	}

	var breakGroup *ConditionGroup
	rawBreak := inv.Config["break_condition"]
	hasBreak := rawBreak != nil
	if hasBreak {
		if _, isString := rawBreak.(string); !isString {
			g, err := parseConditionGroup(rawBreak)
			if err != nil {
				return nil, inputError(inv, "break_condition: %v", err)
			}
			breakGroup = &g
		}
	}

	loopID := inv.Node.ID
	scope := inv.Context.NewOverlay(loopID, 0)
	results := make([]interface{}, 0)
	stoppedBy := StoppedByMaxIterations
	iterations := 0

	for i := 0; ; i++ {
		if forEach && i >= len(items) {
			stoppedBy = StoppedByItemsExhausted
			break
		}
		if i >= limit {
			stoppedBy = StoppedByMaxIterations
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, workflow.AsExecutionError(err)
		}

		overlay := scope.NewOverlay(loopID, i)
		var item interface{} = i
		if forEach {
			item = items[i]
		}
		if err := overlay.CommitOutputs(loopID, map[string]interface{}{"item": item, "index": i}); err != nil {
			return nil, workflow.WrapError(workflow.ErrorKindInternal, loopID, err, "failed to seed iteration")
		}

		interior, err := rt.RunBody(ctx, loopID, overlay)
		if err != nil {
			return nil, err
		}
		iterations++
		results = append(results, iterationResult(interior, loopID))

		stop := false
		if hasBreak {
			hit, err := e.shouldBreak(inv, overlay, breakGroup)
			if err != nil {
				return nil, err
			}
			if hit {
				stop, stoppedBy = true, StoppedByBreakCondition
			}
		}
		if !stop {
			if forEach && i+1 >= len(items) {
				stop, stoppedBy = true, StoppedByItemsExhausted
			} else if i+1 >= limit {
				stop, stoppedBy = true, StoppedByMaxIterations
			}
		}

		var mergeOpts []execctx.MergeOption
		if stop {
			mergeOpts = append(mergeOpts, execctx.WithOutputs(loopID))
		}
		if err := overlay.MergeInto(scope, mergeOpts...); err != nil {
			return nil, workflow.WrapError(workflow.ErrorKindInternal, loopID, err, "failed to merge iteration")
		}
		if stop {
			break
		}
	}

	if err := scope.MergeInto(inv.Context, execctx.WithOutputs(loopID)); err != nil {
		return nil, workflow.WrapError(workflow.ErrorKindInternal, loopID, err, "failed to merge loop scope")
	}

	inv.log().Debug("Loop finished", "iterations", iterations, "stopped_by", stoppedBy)
	return workflow.Success(map[string]interface{}{
		"iterations": iterations,
		"results":    results,
		"stopped_by": stoppedBy,
	}), nil
}

// shouldBreak evaluates the break condition against the iteration overlay.
// A string condition is a template resolved to a truthy value; an object
// condition looks its fields up as context references.
func (e *LoopExecutor) shouldBreak(inv *Invocation, overlay *execctx.Context, group *ConditionGroup) (bool, error) {
	if group == nil {
		expr, _ := inv.Config["break_condition"].(string)
		v, err := overlay.Resolve(expr)
		if err != nil {
			return false, workflow.AsExecutionError(err).WithNode(inv.Node.ID)
		}
		return truthy(v), nil
	}

	resolved := *group
	resolved.Conditions = make([]Condition, len(group.Conditions))
	for i, c := range group.Conditions {
		left, err := overlay.Resolve(c.Left)
		if err != nil {
			return false, workflow.AsExecutionError(err).WithNode(inv.Node.ID)
		}
		value, err := overlay.Resolve(c.Value)
		if err != nil {
			return false, workflow.AsExecutionError(err).WithNode(inv.Node.ID)
		}
		c.Left, c.Value = left, value
		resolved.Conditions[i] = c
	}

	hit, _, err := resolved.Evaluate(func(path string) (interface{}, bool) {
		v, err := overlay.Lookup(path)
		return v, err == nil
	})
	if err != nil {
		return false, inputError(inv, "break_condition: %v", err)
	}
	return hit, nil
}

func iterationResult(interior map[string]map[string]interface{}, loopID string) map[string]interface{} {
	out := make(map[string]interface{}, len(interior))
	for nodeID, outputs := range interior {
		if nodeID == loopID {
			continue
		}
		copied := make(map[string]interface{}, len(outputs))
		for k, v := range outputs {
			copied[k] = v
		}
		out[nodeID] = copied
	}
	return out
}
