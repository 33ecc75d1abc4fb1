package workflow

// RootScope is the id of the top-level scope.
const RootScope = ""

// Scope is the top-level graph or the interior of one loop container.
// Dependency edges connect nodes of the same scope and entry edges go from the
// loop to its children. Back edges from a child to an enclosing loop only
// document the loop and are kept in the graph's edge list.
type Scope struct {
	id       string
	nodeIDs  []string
	deps     []Edge
	entry    []Edge
	incoming map[string][]Edge
	outgoing map[string][]Edge
	entryTo  map[string][]Edge
}

// NewScope builds a scope. nodeIDs must be in definition order.
func NewScope(id string, nodeIDs []string, deps, entry []Edge) *Scope {
	s := &Scope{
		id:       id,
		nodeIDs:  append([]string(nil), nodeIDs...),
		deps:     append([]Edge(nil), deps...),
		entry:    append([]Edge(nil), entry...),
		incoming: make(map[string][]Edge),
		outgoing: make(map[string][]Edge),
		entryTo:  make(map[string][]Edge),
	}
	for _, e := range s.deps {
		s.outgoing[e.SourceNodeID] = append(s.outgoing[e.SourceNodeID], e)
		s.incoming[e.TargetNodeID] = append(s.incoming[e.TargetNodeID], e)
	}
	for _, e := range s.entry {
		s.entryTo[e.TargetNodeID] = append(s.entryTo[e.TargetNodeID], e)
	}
	return s
}

func (s *Scope) ID() string { return s.id }

// IsLoopBody reports whether the scope is the interior of a loop.
func (s *Scope) IsLoopBody() bool { return s.id != RootScope }

// NodeIDs returns member node ids in definition order. Callers must not
// modify the returned slice.
func (s *Scope) NodeIDs() []string { return s.nodeIDs }

// Edges returns the dependency edges of the scope.
func (s *Scope) Edges() []Edge { return s.deps }

// EntryEdges returns loop to child edges of a loop body.
func (s *Scope) EntryEdges() []Edge { return s.entry }

// Incoming returns dependency edges targeting nodeID.
func (s *Scope) Incoming(nodeID string) []Edge { return s.incoming[nodeID] }

// Outgoing returns dependency edges leaving nodeID.
func (s *Scope) Outgoing(nodeID string) []Edge { return s.outgoing[nodeID] }

// EntryEdgesTo returns the entry edges feeding a loop child.
func (s *Scope) EntryEdgesTo(nodeID string) []Edge { return s.entryTo[nodeID] }

// Graph is a validated, immutable workflow.
type Graph struct {
	id     string
	name   string
	nodes  map[string]*Node
	order  []string
	edges  []Edge
	scopes map[string]*Scope
}

// NewGraph assembles a graph from validated parts. Nodes are copied.
func NewGraph(id, name string, nodes []Node, edges []Edge, scopes []*Scope) *Graph {
	g := &Graph{
		id:     id,
		name:   name,
		nodes:  make(map[string]*Node, len(nodes)),
		order:  make([]string, 0, len(nodes)),
		edges:  append([]Edge(nil), edges...),
		scopes: make(map[string]*Scope, len(scopes)),
	}
	for i := range nodes {
		n := cloneNode(nodes[i])
		g.nodes[n.ID] = &n
		g.order = append(g.order, n.ID)
	}
	for _, s := range scopes {
		g.scopes[s.id] = s
	}
	return g
}

func (g *Graph) ID() string   { return g.id }
func (g *Graph) Name() string { return g.name }

// Node returns the node with the given id. The node must not be modified.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeIDs returns all node ids in definition order.
func (g *Graph) NodeIDs() []string { return g.order }

func (g *Graph) Edges() []Edge { return g.edges }

func (g *Graph) Len() int { return len(g.order) }

// Scope returns the scope with the given id; RootScope is the top level.
func (g *Graph) Scope(id string) (*Scope, bool) {
	s, ok := g.scopes[id]
	return s, ok
}

// Root returns the top-level scope.
func (g *Graph) Root() *Scope {
	return g.scopes[RootScope]
}

// ScopeIDs returns scope ids in definition order of their loop nodes,
// starting with the root.
func (g *Graph) ScopeIDs() []string {
	ids := []string{RootScope}
	for _, id := range g.order {
		if g.nodes[id].Kind == KindLoop {
			ids = append(ids, id)
		}
	}
	return ids
}

// Definition renders the graph back into its wire format.
func (g *Graph) Definition() Definition {
	def := Definition{ID: g.id, Name: g.name, Edges: append([]Edge(nil), g.edges...)}
	for _, id := range g.order {
		def.Nodes = append(def.Nodes, cloneNode(*g.nodes[id]))
	}
	return def
}

func cloneNode(n Node) Node {
	out := n
	if n.Config != nil {
		out.Config = make(map[string]interface{}, len(n.Config))
		for k, v := range n.Config {
			out.Config[k] = v
		}
	}
	out.Inputs = append([]InputBinding(nil), n.Inputs...)
	out.Outputs = append([]OutputDecl(nil), n.Outputs...)
	if n.Retry != nil {
		r := *n.Retry
		out.Retry = &r
	}
	return out
}
