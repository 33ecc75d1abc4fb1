package scheduler

import (
	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/nodes"
)

// prepare resolves inputs and config against the node's context at dispatch
// time and validates the inputs against the kind schema.
func (n *nodeRun) prepare(executor nodes.Executor, traits nodes.Traits) (*nodes.Invocation, *workflow.ExecutionError) {
	schema := executor.Schema()
	ports := workflow.EffectiveInputs(schema, n.node)

	inputs, ee := n.resolveInputs(ports)
	if ee != nil {
		return nil, ee
	}
	config, ee := n.resolveConfig(traits.RawConfig)
	if ee != nil {
		return nil, ee
	}
	if ee := validateInputs(n.node.ID, ports, inputs); ee != nil {
		return nil, ee
	}

	return &nodes.Invocation{
		Node:    n.node,
		Inputs:  inputs,
		Config:  config,
		Attempt: n.attempt,
		Context: n.ec,
		Logger: n.r.logger.With(
			"node_id", n.node.ID,
			"kind", n.node.Kind,
			"attempt", n.attempt,
		),
	}, nil
}

// resolveInputs layers port defaults, values carried by active edges and
// binding values, later layers winning.
func (n *nodeRun) resolveInputs(ports []workflow.PortSchema) (map[string]interface{}, *workflow.ExecutionError) {
	inputs := make(map[string]interface{}, len(ports))
	for _, port := range ports {
		if port.Default != nil {
			inputs[port.Name] = port.Default
		}
	}

	for _, e := range n.scope.EntryEdgesTo(n.node.ID) {
		n.applyEdge(inputs, e)
	}
	for _, e := range n.scope.Incoming(n.node.ID) {
		if n.edges[e.ID] == edgeActive {
			n.applyEdge(inputs, e)
		}
	}

	for _, binding := range n.node.Inputs {
		if binding.Value == nil {
			continue
		}
		v, err := n.ec.Resolve(binding.Value)
		if err != nil {
			return nil, workflow.AsExecutionError(err).WithNode(n.node.ID)
		}
		inputs[binding.Name] = v
	}
	return inputs, nil
}

// applyEdge copies the source port value into the target input. Edges
// leaving a control port carry the whole source output map.
func (n *nodeRun) applyEdge(inputs map[string]interface{}, e workflow.Edge) {
	if e.TargetInput == "" {
		return
	}
	outputs, ok := n.ec.NodeOutputs(e.SourceNodeID)
	if !ok {
		return
	}
	if v, ok := outputs[e.SourceOutput]; ok {
		inputs[e.TargetInput] = v
		return
	}
	switch workflow.NormalizeBranch(e.SourceOutput) {
	case "", workflow.PortTrue, workflow.PortFalse, workflow.PortError:
		copied := make(map[string]interface{}, len(outputs))
		for k, v := range outputs {
			copied[k] = v
		}
		inputs[e.TargetInput] = copied
	}
}

func (n *nodeRun) resolveConfig(rawKeys []string) (map[string]interface{}, *workflow.ExecutionError) {
	raw := make(map[string]bool, len(rawKeys))
	for _, k := range rawKeys {
		raw[k] = true
	}
	config := make(map[string]interface{}, len(n.node.Config))
	for k, v := range n.node.Config {
		if raw[k] {
			config[k] = v
			continue
		}
		resolved, err := n.ec.Resolve(v)
		if err != nil {
			return nil, workflow.AsExecutionError(err).WithNode(n.node.ID)
		}
		config[k] = resolved
	}
	return config, nil
}

func validateInputs(nodeID string, ports []workflow.PortSchema, inputs map[string]interface{}) *workflow.ExecutionError {
	for _, port := range ports {
		v, ok := inputs[port.Name]
		if !ok || v == nil {
			if port.Required {
				return workflow.NewError(workflow.ErrorKindNodeInput, nodeID, "required input %q is missing", port.Name)
			}
			continue
		}
		if !port.Type.Accepts(v) {
			return workflow.NewError(workflow.ErrorKindNodeInput, nodeID,
				"input %q expects %s, got %T", port.Name, port.Type, v)
		}
	}
	return nil
}

// validateOutputs checks output types against the kind schema and requires
// every output the node itself declares.
func validateOutputs(node *workflow.Node, schema workflow.NodeSchema, outputs map[string]interface{}) *workflow.ExecutionError {
	for _, port := range workflow.EffectiveOutputs(schema, node) {
		v, ok := outputs[port.Name]
		if !ok {
			continue
		}
		if !port.Type.Accepts(v) {
			return workflow.NewError(workflow.ErrorKindNodeOutputSchema, node.ID,
				"output %q expects %s, got %T", port.Name, port.Type, v)
		}
	}
	for _, decl := range node.Outputs {
		if _, ok := outputs[decl.Name]; !ok {
			return workflow.NewError(workflow.ErrorKindNodeOutputSchema, node.ID,
				"declared output %q was not produced", decl.Name)
		}
	}
	return nil
}
