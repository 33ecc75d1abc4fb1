package execctx

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/internal/domain/workflow"
)

func TestVariables_History(t *testing.T) {
	c := New("run-1", nil)

	c.SetVariable("count", 1, "set_a")
	c.SetVariable("count", 2, "set_b")

	v, ok := c.GetVariable("count")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	history := c.History("count")
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, "set_b", history[1].NodeID)

	_, ok = c.GetVariable("missing")
	assert.False(t, ok)
}

func TestCommitOutputs_SingleWriter(t *testing.T) {
	c := New("run-1", nil)

	require.NoError(t, c.CommitOutputs("A", map[string]interface{}{"x": 1}))
	err := c.CommitOutputs("A", map[string]interface{}{"x": 2})
	assert.ErrorIs(t, err, ErrOutputsCommitted)

	v, ok := c.GetNodeOutput("A", "x")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestOverlay_ReadThroughAndMerge(t *testing.T) {
	root := New("run-1", nil)
	root.SetVariable("total", 0, "init")
	root.SetVariable("config", map[string]interface{}{"mode": "fast", "depth": 1}, "init")
	require.NoError(t, root.CommitOutputs("start", map[string]interface{}{"q": "hello"}))

	overlay := root.NewOverlay("loop", 1)
	v, ok := overlay.GetVariable("total")
	require.True(t, ok)
	assert.Equal(t, 0, v)

	out, ok := overlay.GetNodeOutput("start", "q")
	require.True(t, ok)
	assert.Equal(t, "hello", out)

	overlay.SetVariable("total", 5, "acc")
	overlay.SetVariable("config", map[string]interface{}{"depth": 3}, "acc")
	require.NoError(t, overlay.CommitOutputs("loop", map[string]interface{}{"index": 0}))
	require.NoError(t, overlay.CommitOutputs("body", map[string]interface{}{"y": 42}))

	// Writes stay local until merged.
	v, _ = root.GetVariable("total")
	assert.Equal(t, 0, v)

	require.NoError(t, overlay.MergeInto(root, WithOutputs("loop")))

	v, _ = root.GetVariable("total")
	assert.Equal(t, 5, v)
	cfg, _ := root.GetVariable("config")
	assert.Equal(t, map[string]interface{}{"depth": 3}, cfg)
	cfgHistory := root.History("config")
	assert.Equal(t, cfg, cfgHistory[len(cfgHistory)-1].Value)

	history := root.History("total")
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[1].Version)
	assert.Equal(t, "loop", history[1].Scope)

	y, ok := root.GetNodeOutput("body", "y")
	require.True(t, ok)
	assert.Equal(t, 42, y)
	_, ok = root.NodeOutputs("loop")
	assert.False(t, ok)
}

func TestMergeInto_WithoutOutputs(t *testing.T) {
	root := New("run-1", nil)
	overlay := root.NewOverlay("loop", 1)
	require.NoError(t, overlay.CommitOutputs("body", map[string]interface{}{"y": 1}))
	overlay.SetVariable("seen", true, "body")

	require.NoError(t, overlay.MergeInto(root))

	_, ok := root.NodeOutputs("body")
	assert.False(t, ok)
	v, _ := root.GetVariable("seen")
	assert.Equal(t, true, v)

	assert.Error(t, root.MergeInto(root))
}

func TestRunIsolation(t *testing.T) {
	a := New("run-a", nil)
	b := New("run-b", nil)

	a.SetVariable("x", "from-a", "n")
	require.NoError(t, a.CommitOutputs("node", map[string]interface{}{"v": 1}))

	_, ok := b.GetVariable("x")
	assert.False(t, ok)
	_, ok = b.NodeOutputs("node")
	assert.False(t, ok)
	require.NoError(t, b.CommitOutputs("node", map[string]interface{}{"v": 2}))

	va, _ := a.GetNodeOutput("node", "v")
	vb, _ := b.GetNodeOutput("node", "v")
	assert.Equal(t, 1, va)
	assert.Equal(t, 2, vb)
}

func TestConcurrentAccess(t *testing.T) {
	c := New("run-1", nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.SetVariable("shared", i, fmt.Sprintf("n%d", i))
			_ = c.CommitOutputs(fmt.Sprintf("n%d", i), map[string]interface{}{"i": i})
			_, _ = c.Resolve("{{vars.shared}}")
		}(i)
	}
	wg.Wait()

	assert.Len(t, c.History("shared"), 20)
	assert.Len(t, c.Snapshot().NodeOutputs, 20)
}

func TestSnapshotAndSteps(t *testing.T) {
	c := New("run-1", map[string]interface{}{"query": "hi"})
	c.RecordStep(Step{NodeID: "A", Kind: workflow.KindLLM, State: workflow.NodeRunning})
	c.RecordStep(Step{NodeID: "A", Kind: workflow.KindLLM, State: workflow.NodeSucceeded})
	c.SetVariable("v", 1, "A")

	snap := c.Snapshot()
	assert.Equal(t, "run-1", snap.RunID)
	assert.Equal(t, "hi", snap.Inputs["query"])
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, workflow.NodeSucceeded, snap.Steps[1].State)
	assert.Len(t, snap.History, 1)
}
