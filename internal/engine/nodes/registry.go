package nodes

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/integrations/aiservice"
	"github.com/aiflow-go/internal/integrations/httpclient"
	"github.com/aiflow-go/internal/integrations/vectorstore"
	"github.com/aiflow-go/internal/sandbox"
	"github.com/aiflow-go/pkg/logger"
)

// Registry maps node kinds to executors. It is safe for concurrent use.
type Registry struct {
	executors map[workflow.NodeKind]Executor
	mu        sync.RWMutex
	logger    logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		executors: make(map[workflow.NodeKind]Executor),
		logger:    log.Named("registry"),
	}
}

// Register adds or replaces the executor for kind.
func (r *Registry) Register(kind workflow.NodeKind, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[kind]; exists {
		r.logger.Warn("Replacing node executor", "kind", kind)
	}
	r.executors[kind] = executor
}

func (r *Registry) Get(kind workflow.NodeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown node kind: %s", kind)
	}
	return executor, nil
}

func (r *Registry) Has(kind workflow.NodeKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[kind]
	return ok
}

func (r *Registry) Schema(kind workflow.NodeKind) (workflow.NodeSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[kind]
	if !ok {
		return workflow.NodeSchema{}, false
	}
	return executor.Schema(), true
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []workflow.NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]workflow.NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Timeouts are the per-kind defaults used when a node sets none.
type Timeouts struct {
	Default   time.Duration
	LLM       time.Duration
	Retrieval time.Duration
	HTTP      time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:   10 * time.Second,
		LLM:       30 * time.Second,
		Retrieval: 15 * time.Second,
		HTTP:      30 * time.Second,
	}
}

// Dependencies are the collaborators handed to built-in executors. Nil
// collaborators make the corresponding kinds fail with an internal error.
type Dependencies struct {
	AI            aiservice.Client
	Vectors       vectorstore.Store
	HTTP          httpclient.Doer
	Sandbox       *sandbox.Runtime
	MaxIterations int
	Timeouts      Timeouts
	Logger        logger.Logger
}

// NewDefaultRegistry registers every built-in kind.
func NewDefaultRegistry(deps Dependencies) *Registry {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	t := deps.Timeouts
	def := DefaultTimeouts()
	if t.Default <= 0 {
		t.Default = def.Default
	}
	if t.LLM <= 0 {
		t.LLM = def.LLM
	}
	if t.Retrieval <= 0 {
		t.Retrieval = def.Retrieval
	}
	if t.HTTP <= 0 {
		t.HTTP = def.HTTP
	}

	r := NewRegistry(deps.Logger)

	// Control nodes
	r.Register(workflow.KindStart, NewStartExecutor(t.Default))
	r.Register(workflow.KindEnd, NewEndExecutor(t.Default))
	r.Register(workflow.KindIfElse, NewIfElseExecutor(t.Default))
	r.Register(workflow.KindLoop, NewLoopExecutor(deps.MaxIterations))
	r.Register(workflow.KindVariableSet, NewVariableSetExecutor(t.Default))

	// Data nodes
	r.Register(workflow.KindTextTransform, NewTextTransformExecutor(t.Default))
	r.Register(workflow.KindCode, NewCodeExecutor(deps.Sandbox))

	// Collaborator nodes
	r.Register(workflow.KindLLM, NewLLMExecutor(deps.AI, t.LLM))
	r.Register(workflow.KindKnowledgeRetrieval, NewRetrievalExecutor(deps.AI, deps.Vectors, t.Retrieval))
	r.Register(workflow.KindHTTPRequest, NewHTTPRequestExecutor(deps.HTTP, t.HTTP))

	return r
}
