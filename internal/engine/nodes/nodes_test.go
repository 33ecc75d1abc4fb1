package nodes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/internal/integrations/aiservice"
	"github.com/aiflow-go/internal/integrations/httpclient"
	"github.com/aiflow-go/internal/integrations/vectorstore"
	"github.com/aiflow-go/internal/sandbox"
	"github.com/aiflow-go/pkg/logger"
)

type fakeRuntime struct {
	mu      sync.Mutex
	emitted []map[string]interface{}
	body    func(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error)
}

func (f *fakeRuntime) EmitOutput(payload map[string]interface{}) {
	f.mu.Lock()
	f.emitted = append(f.emitted, payload)
	f.mu.Unlock()
}

func (f *fakeRuntime) RunBody(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error) {
	return f.body(ctx, loopID, overlay)
}

type fakeAI struct {
	tokens []string
	usage  workflow.Usage
	err    error
	vector []float64
}

func (f *fakeAI) Chat(ctx context.Context, req aiservice.ChatRequest, onToken aiservice.TokenFunc) (*aiservice.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	text := ""
	for _, tok := range f.tokens {
		onToken(tok)
		text += tok
	}
	return &aiservice.ChatResponse{Text: text, Model: "m", Usage: f.usage}, nil
}

func (f *fakeAI) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	return [][]float64{f.vector}, nil
}

func invocation(kind workflow.NodeKind, inputs, config map[string]interface{}) *Invocation {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	return &Invocation{
		Node:    &workflow.Node{ID: "n1", Kind: kind},
		Inputs:  inputs,
		Config:  config,
		Attempt: 1,
		Context: execctx.New("run-1", map[string]interface{}{"topic": "go"}),
		Logger:  logger.NewNop(),
	}
}

func TestDefaultRegistry_AllKinds(t *testing.T) {
	r := NewDefaultRegistry(Dependencies{})
	kinds := []workflow.NodeKind{
		workflow.KindStart, workflow.KindEnd, workflow.KindLLM, workflow.KindKnowledgeRetrieval,
		workflow.KindIfElse, workflow.KindLoop, workflow.KindVariableSet, workflow.KindHTTPRequest,
		workflow.KindTextTransform, workflow.KindCode,
	}
	for _, k := range kinds {
		assert.True(t, r.Has(k), k)
	}
	assert.Len(t, r.Kinds(), len(kinds))

	_, err := r.Get("teleport")
	assert.Error(t, err)

	schema, ok := r.Schema(workflow.KindLLM)
	require.True(t, ok)
	prompt, ok := schema.Input("prompt")
	require.True(t, ok)
	assert.True(t, prompt.Required)

	loop, _ := r.Get(workflow.KindLoop)
	assert.True(t, loop.Traits().Container)
}

func TestStartExecutor(t *testing.T) {
	e := NewStartExecutor(0)
	inv := invocation(workflow.KindStart, nil, nil)
	res, err := e.Execute(context.Background(), inv, &fakeRuntime{})
	require.NoError(t, err)
	assert.Equal(t, "go", res.Outputs["topic"])

	inv.Node.Outputs = []workflow.OutputDecl{{Name: "missing", Type: workflow.TypeString}}
	_, err = e.Execute(context.Background(), inv, &fakeRuntime{})
	assert.True(t, errors.Is(err, workflow.ErrNodeInput))
}

func TestIfElseExecutor(t *testing.T) {
	e := NewIfElseExecutor(0)

	tests := []struct {
		name   string
		inputs map[string]interface{}
		config map[string]interface{}
		branch string
	}{
		{
			name:   "single condition on input",
			inputs: map[string]interface{}{"score": 0.9},
			config: map[string]interface{}{"field": "score", "operator": "gt", "value": 0.5},
			branch: "true",
		},
		{
			name:   "and group",
			inputs: map[string]interface{}{"lang": "go", "stars": 10},
			config: map[string]interface{}{"conditions": []interface{}{
				map[string]interface{}{"field": "lang", "operator": "equals", "value": "go"},
				map[string]interface{}{"field": "stars", "operator": ">=", "value": 100},
			}},
			branch: "false",
		},
		{
			name: "or group with literal left",
			config: map[string]interface{}{"combine": "or", "conditions": []interface{}{
				map[string]interface{}{"left": "", "operator": "isNotEmpty"},
				map[string]interface{}{"left": "hello world", "operator": "contains", "value": "world"},
			}},
			branch: "true",
		},
		{
			name:   "field from run inputs",
			config: map[string]interface{}{"condition": map[string]interface{}{"field": "run.inputs.topic", "operator": "in", "value": "go,rust"}},
			branch: "true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), invocation(workflow.KindIfElse, tt.inputs, tt.config), &fakeRuntime{})
			require.NoError(t, err)
			assert.Equal(t, tt.branch, res.Branch)
			assert.Equal(t, tt.branch == "true", res.Outputs["result"])
		})
	}

	_, err := e.Execute(context.Background(), invocation(workflow.KindIfElse, nil, map[string]interface{}{"field": "x", "operator": "spaceship"}), &fakeRuntime{})
	assert.True(t, errors.Is(err, workflow.ErrNodeInput))
}

func TestVariableSetExecutor(t *testing.T) {
	e := NewVariableSetExecutor(0)
	inv := invocation(workflow.KindVariableSet, map[string]interface{}{"count": 2}, map[string]interface{}{
		"variables": []interface{}{map[string]interface{}{"name": "greeting", "value": "hi"}},
	})

	res, err := e.Execute(context.Background(), inv, &fakeRuntime{})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Outputs["greeting"])

	v, ok := inv.Context.GetVariable("count")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, "n1", inv.Context.History("greeting")[0].NodeID)
}

func TestTextTransformExecutor(t *testing.T) {
	e := NewTextTransformExecutor(0)

	tests := []struct {
		op     string
		inputs map[string]interface{}
		config map[string]interface{}
		want   interface{}
	}{
		{"upper", map[string]interface{}{"text": "abc"}, nil, "ABC"},
		{"lower", map[string]interface{}{"text": "ABC"}, nil, "abc"},
		{"trim", map[string]interface{}{"text": "  x "}, nil, "x"},
		{"replace", map[string]interface{}{"text": "a-b-c"}, map[string]interface{}{"old": "-", "new": "+"}, "a+b+c"},
		{"regex_extract", map[string]interface{}{"text": "id=4 id=7"}, map[string]interface{}{"pattern": `id=(\d+)`, "group": 1}, []interface{}{"4", "7"}},
		{"split", map[string]interface{}{"text": "a,b"}, nil, []interface{}{"a", "b"}},
		{"join", map[string]interface{}{"items": []interface{}{"a", 1}}, map[string]interface{}{"separator": "|"}, "a|1"},
		{"truncate", map[string]interface{}{"text": "héllo world"}, map[string]interface{}{"length": 5, "suffix": "..."}, "héllo..."},
		{"template", nil, map[string]interface{}{"template": "resolved"}, "resolved"},
		{"hash", map[string]interface{}{"text": "abc"}, map[string]interface{}{"algorithm": "sha256"}, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			config := map[string]interface{}{"operation": tt.op}
			for k, v := range tt.config {
				config[k] = v
			}
			res, err := e.Execute(context.Background(), invocation(workflow.KindTextTransform, tt.inputs, config), &fakeRuntime{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outputs["result"])
		})
	}

	res, err := e.Execute(context.Background(), invocation(workflow.KindTextTransform, map[string]interface{}{"text": "abc"}, map[string]interface{}{"operation": "hash"}), &fakeRuntime{})
	require.NoError(t, err)
	assert.Len(t, res.Outputs["result"], 64)

	_, err = e.Execute(context.Background(), invocation(workflow.KindTextTransform, nil, map[string]interface{}{"operation": "rot13"}), &fakeRuntime{})
	assert.True(t, errors.Is(err, workflow.ErrNodeInput))
}

func TestLoopExecutor_ForEach(t *testing.T) {
	e := NewLoopExecutor(50)
	inv := invocation(workflow.KindLoop, map[string]interface{}{"items": []interface{}{"a", "b", "c"}}, nil)
	inv.Node.ID = "loop"

	var seen []interface{}
	rt := &fakeRuntime{body: func(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error) {
		item, err := overlay.Lookup("loop.item")
		require.NoError(t, err)
		seen = append(seen, item)
		overlay.SetVariable("last", item, "body")
		out := map[string]interface{}{"echo": item}
		require.NoError(t, overlay.CommitOutputs("body", out))
		return map[string]map[string]interface{}{"body": out}, nil
	}}

	res, err := e.Execute(context.Background(), inv, rt)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b", "c"}, seen)
	assert.Equal(t, 3, res.Outputs["iterations"])
	assert.Equal(t, StoppedByItemsExhausted, res.Outputs["stopped_by"])
	assert.Len(t, res.Outputs["results"], 3)

	last, _ := inv.Context.GetVariable("last")
	assert.Equal(t, "c", last)
	assert.Len(t, inv.Context.History("last"), 3)

	// Only the final iteration's interior outputs reach the parent.
	echo, ok := inv.Context.GetNodeOutput("body", "echo")
	require.True(t, ok)
	assert.Equal(t, "c", echo)
	_, ok = inv.Context.NodeOutputs("loop")
	assert.False(t, ok)
}

func TestLoopExecutor_CapAndBreak(t *testing.T) {
	body := func(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error) {
		overlay.SetVariable("i", overlay.Iteration(), "body")
		return map[string]map[string]interface{}{}, nil
	}

	capped := NewLoopExecutor(4)
	inv := invocation(workflow.KindLoop, nil, map[string]interface{}{"max_iterations": 100})
	res, err := capped.Execute(context.Background(), inv, &fakeRuntime{body: body})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Outputs["iterations"])
	assert.Equal(t, StoppedByMaxIterations, res.Outputs["stopped_by"])

	e := NewLoopExecutor(50)
	inv = invocation(workflow.KindLoop, nil, map[string]interface{}{
		"break_condition": map[string]interface{}{"field": "vars.i", "operator": ">=", "value": 2},
	})
	res, err = e.Execute(context.Background(), inv, &fakeRuntime{body: body})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Outputs["iterations"])
	assert.Equal(t, StoppedByBreakCondition, res.Outputs["stopped_by"])

	inv = invocation(workflow.KindLoop, nil, map[string]interface{}{"break_condition": "{{vars.i}}"})
	res, err = e.Execute(context.Background(), inv, &fakeRuntime{body: body})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Outputs["iterations"])
}

func TestLoopExecutor_BodyFailure(t *testing.T) {
	e := NewLoopExecutor(5)
	bodyErr := workflow.NewError(workflow.ErrorKindExternalService, "inner", "boom")
	rt := &fakeRuntime{body: func(ctx context.Context, loopID string, overlay *execctx.Context) (map[string]map[string]interface{}, error) {
		return nil, bodyErr
	}}
	_, err := e.Execute(context.Background(), invocation(workflow.KindLoop, nil, nil), rt)
	require.Error(t, err)
	assert.Equal(t, "inner", workflow.AsExecutionError(err).NodeID)
}

func TestLLMExecutor(t *testing.T) {
	ai := &fakeAI{tokens: []string{"Hi", " there"}, usage: workflow.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	e := NewLLMExecutor(ai, 0)
	rt := &fakeRuntime{}

	res, err := e.Execute(context.Background(), invocation(workflow.KindLLM, map[string]interface{}{"prompt": "Say hi"}, nil), rt)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Outputs["text"])
	assert.Equal(t, 5, res.Metadata.Usage.TotalTokens)
	assert.Equal(t, 5, res.Outputs["usage"].(map[string]interface{})["total_tokens"])
	assert.Len(t, rt.emitted, 2)

	ai.err = &aiservice.APIError{StatusCode: 400, Message: "bad"}
	_, err = e.Execute(context.Background(), invocation(workflow.KindLLM, map[string]interface{}{"prompt": "x"}, nil), rt)
	ee := workflow.AsExecutionError(err)
	assert.Equal(t, workflow.ErrorKindExternalService, ee.Kind)
	assert.Equal(t, workflow.CodePermanent, ee.Code)

	_, err = NewLLMExecutor(nil, 0).Execute(context.Background(), invocation(workflow.KindLLM, map[string]interface{}{"prompt": "x"}, nil), rt)
	assert.True(t, errors.Is(err, workflow.ErrInternal))
}

func TestRetrievalExecutor(t *testing.T) {
	store := vectorstore.NewMemoryStore(
		vectorstore.Document{ID: "d1", Content: "goroutines", Vector: []float64{1, 0}},
		vectorstore.Document{ID: "d2", Content: "channels", Vector: []float64{0, 1}},
	)
	e := NewRetrievalExecutor(&fakeAI{vector: []float64{1, 0.1}}, store, 0)

	res, err := e.Execute(context.Background(), invocation(workflow.KindKnowledgeRetrieval,
		map[string]interface{}{"query": "concurrency"},
		map[string]interface{}{"top_k": 1},
	), &fakeRuntime{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Outputs["count"])
	first := res.Outputs["results"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "goroutines", first["content"])
}

func TestHTTPRequestExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewHTTPRequestExecutor(httpclient.New(httpclient.Config{}, logger.NewNop()), 0)
	res, err := e.Execute(context.Background(), invocation(workflow.KindHTTPRequest, nil, map[string]interface{}{
		"url":     srv.URL,
		"headers": map[string]interface{}{"X-Trace": "abc"},
	}), &fakeRuntime{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Outputs["status_code"])
	assert.Equal(t, map[string]interface{}{"ok": true}, res.Outputs["body"])

	_, err = e.Execute(context.Background(), invocation(workflow.KindHTTPRequest, nil, map[string]interface{}{"url": "not a url"}), &fakeRuntime{})
	assert.True(t, errors.Is(err, workflow.ErrNodeInput))
}

func TestCodeExecutor(t *testing.T) {
	e := NewCodeExecutor(sandbox.New(sandbox.DefaultConfig(), logger.NewNop()))
	inv := invocation(workflow.KindCode, map[string]interface{}{"x": 20}, map[string]interface{}{
		"code": "print('adding') return {y = x + 1}",
	})
	inv.Node.Outputs = []workflow.OutputDecl{{Name: "y", Type: workflow.TypeNumber}}
	rt := &fakeRuntime{}

	res, err := e.Execute(context.Background(), inv, rt)
	require.NoError(t, err)
	assert.EqualValues(t, 21, res.Outputs["y"])
	assert.Len(t, rt.emitted, 1)

	inv.Config["code"] = "os.exit(1)"
	_, err = e.Execute(context.Background(), inv, rt)
	ee := workflow.AsExecutionError(err)
	assert.Equal(t, workflow.ErrorKindSandboxExecution, ee.Kind)
	assert.Equal(t, string(sandbox.ForbiddenAPIAccess), ee.Code)
}
