package workflow

import (
	"errors"
	"fmt"
	"time"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunAborted   RunState = "aborted"
)

// AbortReason qualifies RunAborted.
type AbortReason string

const (
	AbortResourceLimit AbortReason = "resource_limit"
	AbortCancelled     AbortReason = "cancelled"
)

var validRunTransitions = map[RunState][]RunState{
	RunPending: {RunRunning, RunAborted, RunFailed},
	RunRunning: {RunCompleted, RunFailed, RunAborted},
}

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// CanTransition reports whether s may move to next.
func (s RunState) CanTransition(next RunState) bool {
	for _, allowed := range validRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NodeState is the lifecycle state of a node within one scope execution.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeReady     NodeState = "ready"
	NodeRunning   NodeState = "running"
	NodeSucceeded NodeState = "succeeded"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
)

// Running may return to Ready when a retry is queued. Ready may fail when the
// run is cancelled or out of budget before dispatch.
var validNodeTransitions = map[NodeState][]NodeState{
	NodePending: {NodeReady, NodeSkipped},
	NodeReady:   {NodeRunning, NodeSkipped, NodeFailed},
	NodeRunning: {NodeSucceeded, NodeFailed, NodeReady},
}

func (s NodeState) IsTerminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

func (s NodeState) CanTransition(next NodeState) bool {
	for _, allowed := range validNodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionRun validates a run state change.
func TransitionRun(from, to RunState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// TransitionNode validates a node state change.
func TransitionNode(from, to NodeState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: node %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ResultStatus is the outcome reported by an executor.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
	StatusRunning ResultStatus = "running"
)

// Usage is token accounting for AI invocations.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

type ResultMetadata struct {
	Usage      *Usage                 `json:"usage,omitempty"`
	Attempt    int                    `json:"attempt"`
	Duration   time.Duration          `json:"duration"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// NodeExecutionResult is what an executor returns for one attempt. Branch,
// when set, restricts which outgoing edges become active.
type NodeExecutionResult struct {
	Status   ResultStatus           `json:"status"`
	Outputs  map[string]interface{} `json:"outputs,omitempty"`
	Branch   string                 `json:"branch,omitempty"`
	Error    *ExecutionError        `json:"error,omitempty"`
	Metadata ResultMetadata         `json:"metadata"`
}

// Success builds a successful result.
func Success(outputs map[string]interface{}) *NodeExecutionResult {
	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	return &NodeExecutionResult{Status: StatusSuccess, Outputs: outputs}
}

// Failure builds an error result.
func Failure(err *ExecutionError) *NodeExecutionResult {
	return &NodeExecutionResult{Status: StatusError, Error: err}
}

// NodeStatus is the externally visible state of one node in a run.
type NodeStatus struct {
	NodeID     string                 `json:"node_id"`
	Kind       NodeKind               `json:"kind"`
	Scope      string                 `json:"scope,omitempty"`
	Iteration  int                    `json:"iteration,omitempty"`
	State      NodeState              `json:"state"`
	Attempts   int                    `json:"attempts"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      *ExecutionError        `json:"error,omitempty"`
	Usage      *Usage                 `json:"usage,omitempty"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// RunStatus is the externally visible state of a run.
type RunStatus struct {
	RunID       string                 `json:"run_id"`
	WorkflowID  string                 `json:"workflow_id"`
	State       RunState               `json:"state"`
	AbortReason AbortReason            `json:"abort_reason,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Error       *ExecutionError        `json:"error,omitempty"`
	Nodes       map[string]*NodeStatus `json:"nodes"`
	Usage       Usage                  `json:"usage"`
	Executions  int                    `json:"executions"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// FailedNodeID returns the node responsible for a failure, if any.
func (r *RunStatus) FailedNodeID() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.NodeID
}

// Clone returns a copy that shares no node status records with r.
func (r *RunStatus) Clone() *RunStatus {
	if r == nil {
		return nil
	}
	c := *r
	c.Nodes = make(map[string]*NodeStatus, len(r.Nodes))
	for id, ns := range r.Nodes {
		n := *ns
		c.Nodes[id] = &n
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}
