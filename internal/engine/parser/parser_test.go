package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/internal/domain/workflow"
)

type stubCatalog map[workflow.NodeKind]workflow.NodeSchema

func (c stubCatalog) Has(kind workflow.NodeKind) bool {
	_, ok := c[kind]
	return ok
}

func (c stubCatalog) Schema(kind workflow.NodeKind) (workflow.NodeSchema, bool) {
	s, ok := c[kind]
	return s, ok
}

func testCatalog() stubCatalog {
	return stubCatalog{
		workflow.KindStart: {DynamicOutputs: true},
		workflow.KindEnd:   {DynamicInputs: true},
		workflow.KindLLM: {
			Inputs: []workflow.PortSchema{{Name: "prompt", Type: workflow.TypeString, Required: true}},
		},
		workflow.KindIfElse:        {DynamicInputs: true},
		workflow.KindLoop:          {DynamicInputs: true},
		workflow.KindTextTransform: {DynamicInputs: true},
	}
}

func edge(id, from, out, to, in string) workflow.Edge {
	return workflow.Edge{ID: id, SourceNodeID: from, SourceOutput: out, TargetNodeID: to, TargetInput: in}
}

func linearDefinition() workflow.Definition {
	return workflow.Definition{
		ID:   "wf-1",
		Name: "linear",
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindStart},
			{ID: "A", Kind: workflow.KindTextTransform},
			{ID: "B", Kind: workflow.KindLLM},
			{ID: "end", Kind: workflow.KindEnd},
		},
		Edges: []workflow.Edge{
			edge("e1", "start", "", "A", ""),
			edge("e2", "A", "result", "B", "prompt"),
			edge("e3", "B", "text", "end", "answer"),
		},
	}
}

func TestParse_Linear(t *testing.T) {
	g, err := Parse(linearDefinition(), testCatalog())
	require.NoError(t, err)

	assert.Equal(t, "wf-1", g.ID())
	assert.Equal(t, []string{"start", "A", "B", "end"}, g.NodeIDs())

	root := g.Root()
	require.NotNil(t, root)
	assert.Len(t, root.Edges(), 3)
	assert.Len(t, root.Incoming("B"), 1)
	assert.Len(t, root.Outgoing("start"), 1)
}

func TestParse_Idempotent(t *testing.T) {
	def := linearDefinition()
	g1, err := Parse(def, testCatalog())
	require.NoError(t, err)
	g2, err := Parse(def, testCatalog())
	require.NoError(t, err)

	assert.Equal(t, g1.Definition(), g2.Definition())
	assert.Equal(t, g1.NodeIDs(), g2.NodeIDs())
	assert.Equal(t, g1.Root().Edges(), g2.Root().Edges())

	// Round-tripping through the graph yields the same structure.
	g3, err := Parse(g1.Definition(), testCatalog())
	require.NoError(t, err)
	assert.Equal(t, g1.Definition(), g3.Definition())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *workflow.Definition)
		want   error
	}{
		{
			name: "unknown kind",
			mutate: func(def *workflow.Definition) {
				def.Nodes[1].Kind = "teleport"
			},
			want: workflow.ErrUnknownNodeKind,
		},
		{
			name: "dangling target",
			mutate: func(def *workflow.Definition) {
				def.Edges = append(def.Edges, edge("e4", "B", "text", "ghost", ""))
			},
			want: workflow.ErrDanglingEdge,
		},
		{
			name: "dangling source",
			mutate: func(def *workflow.Definition) {
				def.Edges = append(def.Edges, edge("e4", "ghost", "", "A", ""))
			},
			want: workflow.ErrDanglingEdge,
		},
		{
			name: "cycle",
			mutate: func(def *workflow.Definition) {
				def.Edges = append(def.Edges, edge("e4", "B", "text", "A", "text"))
			},
			want: workflow.ErrCycleDetected,
		},
		{
			name: "self loop",
			mutate: func(def *workflow.Definition) {
				def.Edges = append(def.Edges, edge("e4", "A", "", "A", ""))
			},
			want: workflow.ErrCycleDetected,
		},
		{
			name: "missing required input",
			mutate: func(def *workflow.Definition) {
				def.Edges = def.Edges[:1]
				def.Edges = append(def.Edges, edge("e2", "A", "", "B", ""))
			},
			want: workflow.ErrMissingRequiredInput,
		},
		{
			name: "duplicate node id",
			mutate: func(def *workflow.Definition) {
				def.Nodes[2].ID = "A"
			},
			want: workflow.ErrInvalidDefinition,
		},
		{
			name: "parent is not a loop",
			mutate: func(def *workflow.Definition) {
				def.Nodes[2].ParentID = "A"
			},
			want: workflow.ErrInvalidDefinition,
		},
		{
			name: "unknown target port",
			mutate: func(def *workflow.Definition) {
				def.Edges[1].TargetInput = "nonsense"
				def.Nodes[2].Inputs = []workflow.InputBinding{{Name: "prompt", Value: "hi"}}
			},
			want: workflow.ErrInvalidDefinition,
		},
		{
			name: "bad retry policy",
			mutate: func(def *workflow.Definition) {
				def.Nodes[2].Retry = &workflow.RetryPolicy{RetryCount: 1, Backoff: "linear"}
			},
			want: workflow.ErrInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := linearDefinition()
			tt.mutate(&def)

			g, err := Parse(def, testCatalog())
			assert.Nil(t, g)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, workflow.ErrorKindGraphValidation, workflow.KindOf(err))
		})
	}
}

func TestParse_CycleReportsPath(t *testing.T) {
	def := linearDefinition()
	def.Edges = append(def.Edges, edge("e4", "B", "text", "A", "text"))

	_, err := Parse(def, testCatalog())
	var gv *workflow.GraphValidationError
	require.ErrorAs(t, err, &gv)
	assert.Equal(t, []string{"A", "B", "A"}, gv.Cycle)
}

func TestParse_RequiredInputSatisfiedByBindingOrDefault(t *testing.T) {
	def := linearDefinition()
	def.Edges = def.Edges[:1]
	def.Nodes[2].Inputs = []workflow.InputBinding{{Name: "prompt", Value: "{{A.result}}"}}

	_, err := Parse(def, testCatalog())
	require.NoError(t, err)

	def.Nodes[2].Inputs = []workflow.InputBinding{{Name: "prompt", Default: "hello"}}
	_, err = Parse(def, testCatalog())
	require.NoError(t, err)
}

func loopDefinition() workflow.Definition {
	return workflow.Definition{
		ID: "wf-loop",
		Nodes: []workflow.Node{
			{ID: "start", Kind: workflow.KindStart},
			{ID: "loop", Kind: workflow.KindLoop, Config: map[string]interface{}{"max_iterations": 3}},
			{ID: "body_a", Kind: workflow.KindTextTransform, ParentID: "loop"},
			{ID: "body_b", Kind: workflow.KindTextTransform, ParentID: "loop"},
			{ID: "end", Kind: workflow.KindEnd},
		},
		Edges: []workflow.Edge{
			edge("e1", "start", "", "loop", ""),
			edge("e2", "loop", "item", "body_a", "text"),
			edge("e3", "body_a", "result", "body_b", "text"),
			edge("e4", "body_b", "", "loop", ""),
			edge("e5", "loop", "iterations", "end", "count"),
		},
	}
}

func TestParse_LoopScopes(t *testing.T) {
	g, err := Parse(loopDefinition(), testCatalog())
	require.NoError(t, err)

	assert.Equal(t, []string{workflow.RootScope, "loop"}, g.ScopeIDs())
	assert.Equal(t, []string{"start", "loop", "end"}, g.Root().NodeIDs())

	body, ok := g.Scope("loop")
	require.True(t, ok)
	assert.True(t, body.IsLoopBody())
	assert.Equal(t, []string{"body_a", "body_b"}, body.NodeIDs())
	assert.Len(t, body.Edges(), 1)
	assert.Len(t, body.EntryEdgesTo("body_a"), 1)
	assert.Empty(t, body.Outgoing("body_b"))
	assert.Len(t, g.Root().Incoming("loop"), 1)

	var kept bool
	for _, e := range g.Definition().Edges {
		kept = kept || e.ID == "e4"
	}
	assert.True(t, kept)
}

func TestParse_LoopBoundaryViolations(t *testing.T) {
	def := loopDefinition()
	def.Edges = append(def.Edges, edge("e6", "start", "", "body_b", ""))

	_, err := Parse(def, testCatalog())
	assert.ErrorIs(t, err, workflow.ErrDanglingEdge)

	def = loopDefinition()
	def.Nodes[1].ParentID = "loop"
	_, err = Parse(def, testCatalog())
	assert.ErrorIs(t, err, workflow.ErrInvalidDefinition)
}

func TestParse_EmptyDefinition(t *testing.T) {
	_, err := Parse(workflow.Definition{ID: "x"}, testCatalog())
	assert.ErrorIs(t, err, workflow.ErrInvalidDefinition)
}
