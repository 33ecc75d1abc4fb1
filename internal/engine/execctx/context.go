// Package execctx holds the mutable state of a single run: variables with
// their version history, committed node outputs and the step log.
package execctx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
)

var ErrOutputsCommitted = errors.New("node outputs already committed in this scope")

// VariableVersion is one entry of the append-only variable log.
type VariableVersion struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Version   int         `json:"version"`
	NodeID    string      `json:"node_id,omitempty"`
	Scope     string      `json:"scope,omitempty"`
	Iteration int         `json:"iteration,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Step records one node state change.
type Step struct {
	NodeID    string             `json:"node_id"`
	Kind      workflow.NodeKind  `json:"kind"`
	State     workflow.NodeState `json:"state"`
	Attempt   int                `json:"attempt,omitempty"`
	Scope     string             `json:"scope,omitempty"`
	Iteration int                `json:"iteration,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Context is the execution context of a run or of one loop iteration.
// Overlays read through to their parent and write locally until merged.
type Context struct {
	runID     string
	inputs    map[string]interface{}
	parent    *Context
	scope     string
	iteration int

	mu       sync.RWMutex
	vars     map[string]interface{}
	versions map[string]int
	log      []VariableVersion
	outputs  map[string]map[string]interface{}
	steps    []Step
}

// New creates the root context of a run.
func New(runID string, inputs map[string]interface{}) *Context {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return &Context{
		runID:    runID,
		inputs:   inputs,
		vars:     make(map[string]interface{}),
		versions: make(map[string]int),
		outputs:  make(map[string]map[string]interface{}),
	}
}

// NewOverlay creates a child context for one iteration of the loop scope.
func (c *Context) NewOverlay(scope string, iteration int) *Context {
	return &Context{
		runID:     c.runID,
		inputs:    c.inputs,
		parent:    c,
		scope:     scope,
		iteration: iteration,
		vars:      make(map[string]interface{}),
		versions:  make(map[string]int),
		outputs:   make(map[string]map[string]interface{}),
	}
}

func (c *Context) RunID() string  { return c.runID }
func (c *Context) Scope() string  { return c.scope }
func (c *Context) Iteration() int { return c.iteration }
func (c *Context) Parent() *Context {
	return c.parent
}

// Inputs returns the run inputs. The map must not be modified.
func (c *Context) Inputs() map[string]interface{} {
	return c.inputs
}

// GetVariable returns the latest value of name visible from c.
func (c *Context) GetVariable(name string) (interface{}, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.vars[name]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// SetVariable records a new version of name and makes it the latest value.
func (c *Context) SetVariable(name string, value interface{}, nodeID string) VariableVersion {
	c.mu.Lock()
	defer c.mu.Unlock()

	version := c.versions[name]
	if version == 0 && c.parent != nil {
		version = c.parent.versionOf(name)
	}
	version++
	c.versions[name] = version

	entry := VariableVersion{
		Name:      name,
		Value:     value,
		Version:   version,
		NodeID:    nodeID,
		Scope:     c.scope,
		Iteration: c.iteration,
		Timestamp: time.Now().UTC(),
	}
	c.vars[name] = value
	c.log = append(c.log, entry)
	return entry
}

func (c *Context) versionOf(name string) int {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.versions[name]
		cur.mu.RUnlock()
		if ok {
			return v
		}
	}
	return 0
}

// Variables returns the latest value of every variable visible from c.
func (c *Context) Variables() map[string]interface{} {
	chain := c.chain()
	result := make(map[string]interface{})
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		for k, v := range chain[i].vars {
			result[k] = v
		}
		chain[i].mu.RUnlock()
	}
	return result
}

// History returns every recorded version of name, oldest first.
func (c *Context) History(name string) []VariableVersion {
	var result []VariableVersion
	for _, entry := range c.Log() {
		if entry.Name == name {
			result = append(result, entry)
		}
	}
	return result
}

// Log returns the variable log visible from c, parents first.
func (c *Context) Log() []VariableVersion {
	chain := c.chain()
	var result []VariableVersion
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		result = append(result, chain[i].log...)
		chain[i].mu.RUnlock()
	}
	return result
}

// GetNodeOutput returns a single output of a committed node.
func (c *Context) GetNodeOutput(nodeID, name string) (interface{}, bool) {
	outputs, ok := c.NodeOutputs(nodeID)
	if !ok {
		return nil, false
	}
	v, ok := outputs[name]
	return v, ok
}

// NodeOutputs returns the committed outputs of nodeID visible from c. The
// map must not be modified.
func (c *Context) NodeOutputs(nodeID string) (map[string]interface{}, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		out, ok := cur.outputs[nodeID]
		cur.mu.RUnlock()
		if ok {
			return out, true
		}
	}
	return nil, false
}

// CommitOutputs stores the outputs of nodeID. Outputs are single-writer per
// scope: committing the same node twice in one context fails.
func (c *Context) CommitOutputs(nodeID string, outputs map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.outputs[nodeID]; exists {
		return fmt.Errorf("%w: %s", ErrOutputsCommitted, nodeID)
	}
	c.outputs[nodeID] = copyMap(outputs)
	return nil
}

// RecordStep appends to the step history.
func (c *Context) RecordStep(step Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	if step.Scope == "" {
		step.Scope = c.scope
	}
	if step.Iteration == 0 {
		step.Iteration = c.iteration
	}
	c.mu.Lock()
	c.steps = append(c.steps, step)
	c.mu.Unlock()
}

// Steps returns the step history visible from c, parents first.
func (c *Context) Steps() []Step {
	chain := c.chain()
	var result []Step
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		result = append(result, chain[i].steps...)
		chain[i].mu.RUnlock()
	}
	return result
}

type mergeOptions struct {
	outputs bool
	exclude map[string]bool
}

type MergeOption func(*mergeOptions)

// WithOutputs also commits the overlay's node outputs into the parent,
// replacing earlier values. Excluded node ids are not carried over.
func WithOutputs(exclude ...string) MergeOption {
	return func(o *mergeOptions) {
		o.outputs = true
		for _, id := range exclude {
			o.exclude[id] = true
		}
	}
}

// MergeInto folds an overlay into parent. The overlay's latest variable
// values replace the parent's whole, every version is appended to the
// parent's log and steps are carried over.
func (c *Context) MergeInto(parent *Context, opts ...MergeOption) error {
	if parent == nil || parent == c {
		return errors.New("merge target must be a different context")
	}
	o := &mergeOptions{exclude: make(map[string]bool)}
	for _, opt := range opts {
		opt(o)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	parent.mu.Lock()
	defer parent.mu.Unlock()

	for name, value := range c.vars {
		parent.vars[name] = value
	}
	for name, version := range c.versions {
		if version > parent.versions[name] {
			parent.versions[name] = version
		}
	}
	parent.log = append(parent.log, c.log...)
	parent.steps = append(parent.steps, c.steps...)

	if o.outputs {
		for nodeID, out := range c.outputs {
			if o.exclude[nodeID] {
				continue
			}
			parent.outputs[nodeID] = out
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of a context, merged across overlays.
type Snapshot struct {
	RunID       string                            `json:"run_id"`
	Inputs      map[string]interface{}            `json:"inputs,omitempty"`
	Variables   map[string]interface{}            `json:"variables"`
	History     []VariableVersion                 `json:"history"`
	NodeOutputs map[string]map[string]interface{} `json:"node_outputs"`
	Steps       []Step                            `json:"steps"`
}

func (c *Context) Snapshot() Snapshot {
	chain := c.chain()
	outputs := make(map[string]map[string]interface{})
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		for id, out := range chain[i].outputs {
			outputs[id] = copyMap(out)
		}
		chain[i].mu.RUnlock()
	}
	return Snapshot{
		RunID:       c.runID,
		Inputs:      copyMap(c.inputs),
		Variables:   c.Variables(),
		History:     c.Log(),
		NodeOutputs: outputs,
		Steps:       c.Steps(),
	}
}

func (c *Context) chain() []*Context {
	var chain []*Context
	for cur := c; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	return chain
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
