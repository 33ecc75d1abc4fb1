package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/sandbox"
)

// sandboxOverhead covers VM setup on top of the sandbox's own limit.
const sandboxOverhead = 2 * time.Second

// CodeExecutor runs user Lua code in the sandbox. Only the node's inputs are
// bound and only its declared outputs are captured.
type CodeExecutor struct {
	runtime *sandbox.Runtime
}

func NewCodeExecutor(runtime *sandbox.Runtime) *CodeExecutor {
	return &CodeExecutor{runtime: runtime}
}

func (e *CodeExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{DynamicInputs: true, DynamicOutputs: true}
}

func (e *CodeExecutor) Traits() Traits {
	timeout := sandbox.DefaultConfig().Timeout
	if e.runtime != nil {
		timeout = e.runtime.Timeout()
	}
	return Traits{DefaultTimeout: timeout + sandboxOverhead, RawConfig: []string{"code"}}
}

func (e *CodeExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	if e.runtime == nil {
		return nil, missingCollaborator(inv.Node.ID, "sandbox")
	}
	code, _ := inv.Config["code"].(string)
	if code == "" {
		return nil, inputError(inv, "code is empty")
	}

	outputs := make([]string, 0, len(inv.Node.Outputs))
	for _, o := range inv.Node.Outputs {
		outputs = append(outputs, o.Name)
	}
	var timeout time.Duration
	if secs, err := inv.floatParam("sandbox_timeout_seconds", 0); err == nil && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	res, err := e.runtime.Execute(ctx, sandbox.Request{
		Code:    code,
		Inputs:  inv.Inputs,
		Outputs: outputs,
		Timeout: timeout,
	})
	if err != nil {
		var sbErr *sandbox.Error
		if errors.As(err, &sbErr) {
			ee := workflow.WrapError(workflow.ErrorKindSandboxExecution, inv.Node.ID, err, "")
			ee.Code = string(sbErr.Kind)
			return nil, ee
		}
		return nil, workflow.AsExecutionError(err).WithNode(inv.Node.ID)
	}

	for _, line := range res.Logs {
		rt.EmitOutput(map[string]interface{}{"log": line})
	}
	result := workflow.Success(res.Outputs)
	result.Metadata.Extra = map[string]interface{}{"sandbox_duration_ms": res.Duration.Milliseconds()}
	return result, nil
}
