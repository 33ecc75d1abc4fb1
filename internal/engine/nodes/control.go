package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
)

// StartExecutor exposes the run inputs as its outputs. Declared outputs are
// the run's input contract.
type StartExecutor struct {
	timeout time.Duration
}

func NewStartExecutor(timeout time.Duration) *StartExecutor {
	return &StartExecutor{timeout: timeout}
}

func (e *StartExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{DynamicInputs: true, DynamicOutputs: true}
}

func (e *StartExecutor) Traits() Traits {
	return Traits{Structural: true, DefaultTimeout: e.timeout}
}

func (e *StartExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	runInputs := inv.Context.Inputs()
	outputs := make(map[string]interface{}, len(runInputs)+len(inv.Inputs))
	for k, v := range inv.Inputs {
		outputs[k] = v
	}
	for k, v := range runInputs {
		outputs[k] = v
	}
	for _, decl := range inv.Node.Outputs {
		if _, ok := outputs[decl.Name]; !ok {
			return nil, inputError(inv, "run input %q is missing", decl.Name)
		}
	}
	return workflow.Success(outputs), nil
}

// EndExecutor collects its inputs as the run outputs.
type EndExecutor struct {
	timeout time.Duration
}

func NewEndExecutor(timeout time.Duration) *EndExecutor {
	return &EndExecutor{timeout: timeout}
}

func (e *EndExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{DynamicInputs: true, DynamicOutputs: true}
}

func (e *EndExecutor) Traits() Traits {
	return Traits{Structural: true, DefaultTimeout: e.timeout}
}

func (e *EndExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	outputs := make(map[string]interface{}, len(inv.Inputs))
	if extra, ok := inv.Config["outputs"].(map[string]interface{}); ok {
		for k, v := range extra {
			outputs[k] = v
		}
	}
	for k, v := range inv.Inputs {
		outputs[k] = v
	}
	return workflow.Success(outputs), nil
}

// IfElseExecutor evaluates its conditions and selects the true or false
// branch.
type IfElseExecutor struct {
	timeout time.Duration
}

func NewIfElseExecutor(timeout time.Duration) *IfElseExecutor {
	return &IfElseExecutor{timeout: timeout}
}

func (e *IfElseExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{
		Outputs: []workflow.PortSchema{
			{Name: "result", Type: workflow.TypeBoolean},
			{Name: "conditions", Type: workflow.TypeArray},
		},
		DynamicInputs: true,
	}
}

func (e *IfElseExecutor) Traits() Traits {
	return Traits{Structural: true, DefaultTimeout: e.timeout}
}

func (e *IfElseExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	raw := inv.Config
	if c, ok := inv.Config["condition"]; ok {
		m, isMap := c.(map[string]interface{})
		if !isMap {
			return nil, inputError(inv, "condition must be an object")
		}
		raw = m
	}
	group, err := parseConditionGroup(raw)
	if err != nil {
		return nil, inputError(inv, "%v", err)
	}
	if len(group.Conditions) == 0 {
		return nil, inputError(inv, "if_else requires at least one condition")
	}

	lookup := func(path string) (interface{}, bool) {
		if v, ok := getNestedValue(inv.Inputs, path); ok {
			return v, true
		}
		v, err := inv.Context.Lookup(path)
		return v, err == nil
	}
	result, results, err := group.Evaluate(lookup)
	if err != nil {
		return nil, inputError(inv, "failed to evaluate condition: %v", err)
	}

	conditions := make([]interface{}, len(results))
	for i, r := range results {
		conditions[i] = r
	}
	res := workflow.Success(map[string]interface{}{
		"result":     result,
		"conditions": conditions,
	})
	res.Branch = getBranch(result)
	return res, nil
}

func getBranch(result bool) string {
	if result {
		return workflow.PortTrue
	}
	return workflow.PortFalse
}

// VariableSetExecutor writes assignments into the run variables.
type VariableSetExecutor struct {
	timeout time.Duration
}

func NewVariableSetExecutor(timeout time.Duration) *VariableSetExecutor {
	return &VariableSetExecutor{timeout: timeout}
}

func (e *VariableSetExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{DynamicInputs: true, DynamicOutputs: true}
}

func (e *VariableSetExecutor) Traits() Traits {
	return Traits{Structural: true, DefaultTimeout: e.timeout}
}

func (e *VariableSetExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	assignments, err := variableAssignments(inv.Config["variables"])
	if err != nil {
		return nil, inputError(inv, "%v", err)
	}
	for k, v := range inv.Inputs {
		assignments = append(assignments, assignment{name: k, value: v})
	}
	if len(assignments) == 0 {
		return nil, inputError(inv, "variable_set has no assignments")
	}

	outputs := make(map[string]interface{}, len(assignments))
	for _, a := range assignments {
		inv.Context.SetVariable(a.name, a.value, inv.Node.ID)
		outputs[a.name] = a.value
	}
	return workflow.Success(outputs), nil
}

type assignment struct {
	name  string
	value interface{}
}

// variableAssignments accepts {name: value} or [{name, value}].
func variableAssignments(raw interface{}) ([]assignment, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		out := make([]assignment, 0, len(v))
		for name, value := range v {
			out = append(out, assignment{name: name, value: value})
		}
		return out, nil
	case []interface{}:
		out := make([]assignment, 0, len(v))
		for i, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("variables[%d] must be an object", i)
			}
			name, _ := m["name"].(string)
			if name == "" {
				return nil, fmt.Errorf("variables[%d] has no name", i)
			}
			out = append(out, assignment{name: name, value: m["value"]})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("variables must be an object or a list, got %T", raw)
	}
}
