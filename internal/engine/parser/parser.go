// Package parser validates workflow definitions into immutable graphs.
package parser

import (
	"fmt"
	"strings"

	"github.com/aiflow-go/internal/domain/workflow"
)

// Catalog answers which node kinds exist and what they declare.
type Catalog interface {
	Has(kind workflow.NodeKind) bool
	Schema(kind workflow.NodeKind) (workflow.NodeSchema, bool)
}

// Parse validates def against catalog and builds a graph. It has no side
// effects and parsing the same definition twice yields equal graphs.
func Parse(def workflow.Definition, catalog Catalog) (*workflow.Graph, error) {
	p := &parser{
		def:     def,
		catalog: catalog,
		nodes:   make(map[string]*workflow.Node, len(def.Nodes)),
	}
	return p.parse()
}

type parser struct {
	def     workflow.Definition
	catalog Catalog
	nodes   map[string]*workflow.Node
	edges   []workflow.Edge
	members map[string][]string
	deps    map[string][]workflow.Edge
	entry   map[string][]workflow.Edge
}

func (p *parser) parse() (*workflow.Graph, error) {
	steps := []func() error{
		p.indexNodes,
		p.validateKinds,
		p.validateMembership,
		p.classifyEdges,
		p.detectCycles,
		p.validateRequiredInputs,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	scopes := make([]*workflow.Scope, 0, len(p.members))
	for _, id := range p.scopeIDs() {
		scopes = append(scopes, workflow.NewScope(id, p.members[id], p.deps[id], p.entry[id]))
	}
	return workflow.NewGraph(p.def.ID, p.def.Name, p.def.Nodes, p.edges, scopes), nil
}

func (p *parser) indexNodes() error {
	if len(p.def.Nodes) == 0 {
		return invalid("", "workflow has no nodes")
	}
	for i := range p.def.Nodes {
		node := &p.def.Nodes[i]
		if strings.TrimSpace(node.ID) == "" {
			return invalid("", "node at index %d has an empty id", i)
		}
		if _, exists := p.nodes[node.ID]; exists {
			return invalid(node.ID, "duplicate node id %q", node.ID)
		}
		p.nodes[node.ID] = node
	}
	return nil
}

func (p *parser) validateKinds() error {
	for i := range p.def.Nodes {
		node := &p.def.Nodes[i]
		if !p.catalog.Has(node.Kind) {
			return &workflow.GraphValidationError{
				Kind:    workflow.ValidationUnknownNodeKind,
				NodeID:  node.ID,
				Message: fmt.Sprintf("node %q has unknown kind %q", node.ID, node.Kind),
			}
		}
		for _, in := range node.Inputs {
			if in.Name == "" || !in.Type.Valid() {
				return invalid(node.ID, "node %q declares invalid input %q of type %q", node.ID, in.Name, in.Type)
			}
		}
		for _, out := range node.Outputs {
			if out.Name == "" || !out.Type.Valid() {
				return invalid(node.ID, "node %q declares invalid output %q of type %q", node.ID, out.Name, out.Type)
			}
		}
		if node.TimeoutSeconds < 0 {
			return invalid(node.ID, "node %q has a negative timeout", node.ID)
		}
		if err := validateRetryPolicy(node); err != nil {
			return err
		}
	}
	return nil
}

func validateRetryPolicy(node *workflow.Node) error {
	rp := node.Retry
	if rp == nil {
		return nil
	}
	if rp.RetryCount < 0 || rp.InitialDelayMs < 0 || rp.MaxDelayMs < 0 {
		return invalid(node.ID, "node %q retry policy has negative values", node.ID)
	}
	switch rp.Backoff {
	case "", workflow.BackoffFixed, workflow.BackoffExponential:
	default:
		return invalid(node.ID, "node %q has unknown backoff %q", node.ID, rp.Backoff)
	}
	switch rp.OnExhaustion {
	case "", workflow.OnExhaustionFail, workflow.OnExhaustionFallback,
		workflow.OnExhaustionDefault, workflow.OnExhaustionContinue:
	default:
		return invalid(node.ID, "node %q has unknown on_exhaustion %q", node.ID, rp.OnExhaustion)
	}
	return nil
}

// validateMembership checks parent_id references and groups nodes by scope.
func (p *parser) validateMembership() error {
	p.members = map[string][]string{workflow.RootScope: nil}
	for i := range p.def.Nodes {
		node := &p.def.Nodes[i]
		if node.Kind == workflow.KindLoop {
			if _, ok := p.members[node.ID]; !ok {
				p.members[node.ID] = nil
			}
		}
	}

	for i := range p.def.Nodes {
		node := &p.def.Nodes[i]
		if node.ParentID != "" {
			parent, ok := p.nodes[node.ParentID]
			if !ok || parent.Kind != workflow.KindLoop {
				return invalid(node.ID, "node %q has parent_id %q which is not a loop node", node.ID, node.ParentID)
			}
			if node.ParentID == node.ID {
				return invalid(node.ID, "node %q cannot contain itself", node.ID)
			}
		}
		p.members[node.ParentID] = append(p.members[node.ParentID], node.ID)
	}

	// Loop nesting must terminate at the root.
	for i := range p.def.Nodes {
		node := &p.def.Nodes[i]
		seen := map[string]bool{node.ID: true}
		for cur := node.ParentID; cur != ""; cur = p.nodes[cur].ParentID {
			if seen[cur] {
				return invalid(node.ID, "loop containment of %q is circular", node.ID)
			}
			seen[cur] = true
		}
	}
	return nil
}

func (p *parser) isAncestor(loopID, nodeID string) bool {
	for cur := p.nodes[nodeID].ParentID; cur != ""; cur = p.nodes[cur].ParentID {
		if cur == loopID {
			return true
		}
	}
	return false
}

// classifyEdges resolves endpoints and assigns every edge to a scope as a
// dependency or entry edge. Back edges into an enclosing loop are accepted
// but carry no scheduling constraint.
func (p *parser) classifyEdges() error {
	p.deps = make(map[string][]workflow.Edge)
	p.entry = make(map[string][]workflow.Edge)
	p.edges = make([]workflow.Edge, 0, len(p.def.Edges))

	ids := make(map[string]bool, len(p.def.Edges))
	for i, edge := range p.def.Edges {
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("edge-%d", i)
		}
		if ids[edge.ID] {
			return invalid("", "duplicate edge id %q", edge.ID)
		}
		ids[edge.ID] = true

		source, ok := p.nodes[edge.SourceNodeID]
		if !ok {
			return dangling(edge, "source node %q does not exist", edge.SourceNodeID)
		}
		target, ok := p.nodes[edge.TargetNodeID]
		if !ok {
			return dangling(edge, "target node %q does not exist", edge.TargetNodeID)
		}
		if source.ID == target.ID {
			return &workflow.GraphValidationError{
				Kind:    workflow.ValidationCycleDetected,
				NodeID:  source.ID,
				EdgeID:  edge.ID,
				Cycle:   []string{source.ID, source.ID},
				Message: fmt.Sprintf("edge %q connects node %q to itself", edge.ID, source.ID),
			}
		}

		switch {
		case source.ParentID == target.ParentID:
			p.deps[source.ParentID] = append(p.deps[source.ParentID], edge)
		case source.Kind == workflow.KindLoop && target.ParentID == source.ID:
			p.entry[source.ID] = append(p.entry[source.ID], edge)
		case target.Kind == workflow.KindLoop && p.isAncestor(target.ID, source.ID):
		default:
			return dangling(edge, "edge %q crosses a loop boundary from %q to %q", edge.ID, source.ID, target.ID)
		}
		p.edges = append(p.edges, edge)
	}
	return nil
}

// detectCycles runs a DFS over the dependency edges of every scope. Back
// edges are excluded.
func (p *parser) detectCycles() error {
	for _, scopeID := range p.scopeIDs() {
		adjacency := make(map[string][]string)
		for _, e := range p.deps[scopeID] {
			adjacency[e.SourceNodeID] = append(adjacency[e.SourceNodeID], e.TargetNodeID)
		}

		const (
			white = iota
			grey
			black
		)
		color := make(map[string]int)
		var stack []string

		var visit func(id string) []string
		visit = func(id string) []string {
			color[id] = grey
			stack = append(stack, id)
			for _, next := range adjacency[id] {
				switch color[next] {
				case grey:
					for i, s := range stack {
						if s == next {
							return append(append([]string(nil), stack[i:]...), next)
						}
					}
				case white:
					if cycle := visit(next); cycle != nil {
						return cycle
					}
				}
			}
			stack = stack[:len(stack)-1]
			color[id] = black
			return nil
		}

		for _, id := range p.members[scopeID] {
			if color[id] != white {
				continue
			}
			if cycle := visit(id); cycle != nil {
				return &workflow.GraphValidationError{
					Kind:    workflow.ValidationCycleDetected,
					NodeID:  cycle[0],
					Cycle:   cycle,
					Message: fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")),
				}
			}
		}
	}
	return nil
}

func (p *parser) validateRequiredInputs() error {
	wired := make(map[string]map[string]bool)
	mark := func(e workflow.Edge) {
		if e.TargetInput == "" {
			return
		}
		if wired[e.TargetNodeID] == nil {
			wired[e.TargetNodeID] = make(map[string]bool)
		}
		wired[e.TargetNodeID][e.TargetInput] = true
	}
	for _, edges := range p.deps {
		for _, e := range edges {
			mark(e)
		}
	}
	for _, edges := range p.entry {
		for _, e := range edges {
			mark(e)
		}
	}

	for i := range p.def.Nodes {
		node := &p.def.Nodes[i]
		schema, _ := p.catalog.Schema(node.Kind)
		ports := workflow.EffectiveInputs(schema, node)

		known := make(map[string]bool, len(ports))
		for _, port := range ports {
			known[port.Name] = true
		}
		if !schema.DynamicInputs {
			for input := range wired[node.ID] {
				if !known[input] {
					return invalid(node.ID, "edge targets unknown input %q of node %q", input, node.ID)
				}
			}
		}

		for _, port := range ports {
			if !port.Required {
				continue
			}
			if wired[node.ID][port.Name] || port.Default != nil {
				continue
			}
			if binding, ok := node.Input(port.Name); ok && binding.Value != nil {
				continue
			}
			return &workflow.GraphValidationError{
				Kind:    workflow.ValidationMissingRequiredInput,
				NodeID:  node.ID,
				Input:   port.Name,
				Message: fmt.Sprintf("node %q is missing required input %q", node.ID, port.Name),
			}
		}
	}
	return nil
}

// scopeIDs lists the root scope followed by loop bodies in definition order.
func (p *parser) scopeIDs() []string {
	ids := []string{workflow.RootScope}
	for i := range p.def.Nodes {
		if p.def.Nodes[i].Kind == workflow.KindLoop {
			ids = append(ids, p.def.Nodes[i].ID)
		}
	}
	return ids
}

func invalid(nodeID, format string, args ...interface{}) error {
	return &workflow.GraphValidationError{
		Kind:    workflow.ValidationInvalidDefinition,
		NodeID:  nodeID,
		Message: fmt.Sprintf(format, args...),
	}
}

func dangling(edge workflow.Edge, format string, args ...interface{}) error {
	return &workflow.GraphValidationError{
		Kind:    workflow.ValidationDanglingEdge,
		EdgeID:  edge.ID,
		Message: fmt.Sprintf(format, args...),
	}
}
