package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine/execctx"
	"github.com/aiflow-go/internal/integrations/aiservice"
	"github.com/aiflow-go/internal/integrations/httpclient"
	"github.com/aiflow-go/internal/integrations/vectorstore"
	"github.com/aiflow-go/pkg/resilience"
)

type temporary interface {
	Temporary() bool
}

// externalError classifies a collaborator failure. Cancellation keeps its
// kind so the run aborts instead of failing.
func externalError(nodeID string, err error) *workflow.ExecutionError {
	if errors.Is(err, context.Canceled) {
		return workflow.AsExecutionError(err).WithNode(nodeID)
	}
	ee := workflow.WrapError(workflow.ErrorKindExternalService, nodeID, err, "")

	var statusErr *httpclient.StatusError
	var tmp temporary
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ee.Code = "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		ee.Code = "circuit_open"
	case errors.As(err, &statusErr):
		ee.Code = "upstream_status"
	case errors.As(err, &tmp) && !tmp.Temporary():
		ee.Code = workflow.CodePermanent
	}
	return ee
}

func missingCollaborator(nodeID, name string) *workflow.ExecutionError {
	return workflow.NewError(workflow.ErrorKindInternal, nodeID, "%s is not configured", name)
}

// LLMExecutor sends the prompt to the AI service and streams the answer.
type LLMExecutor struct {
	client  aiservice.Client
	timeout time.Duration
}

func NewLLMExecutor(client aiservice.Client, timeout time.Duration) *LLMExecutor {
	return &LLMExecutor{client: client, timeout: timeout}
}

func (e *LLMExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{
		Inputs: []workflow.PortSchema{
			{Name: "prompt", Type: workflow.TypeString, Required: true},
			{Name: "system", Type: workflow.TypeString},
			{Name: "context", Type: workflow.TypeAny},
		},
		Outputs: []workflow.PortSchema{
			{Name: "text", Type: workflow.TypeString},
			{Name: "usage", Type: workflow.TypeObject},
			{Name: "model", Type: workflow.TypeString},
			{Name: "finish_reason", Type: workflow.TypeString},
		},
	}
}

func (e *LLMExecutor) Traits() Traits {
	return Traits{External: true, DefaultTimeout: e.timeout}
}

func (e *LLMExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	if e.client == nil {
		return nil, missingCollaborator(inv.Node.ID, "ai service")
	}

	prompt := inv.stringParam("prompt", "")
	if prompt == "" {
		return nil, inputError(inv, "prompt is empty")
	}

	var messages []aiservice.Message
	if system := inv.stringParam("system", inv.stringParam("system_prompt", "")); system != "" {
		messages = append(messages, aiservice.Message{Role: "system", Content: system})
	}
	if extra, ok := inv.param("context"); ok {
		messages = append(messages, aiservice.Message{Role: "system", Content: "Context:\n" + execctx.Stringify(extra)})
	}
	messages = append(messages, aiservice.Message{Role: "user", Content: prompt})

	req := aiservice.ChatRequest{
		Model:    inv.stringParam("model", ""),
		Messages: messages,
	}
	if _, ok := inv.Config["temperature"]; ok {
		t, err := inv.floatParam("temperature", 0)
		if err != nil {
			return nil, inputError(inv, "%v", err)
		}
		req.Temperature = &t
	}
	maxTokens, err := inv.intParam("max_tokens", 0)
	if err != nil {
		return nil, inputError(inv, "%v", err)
	}
	req.MaxTokens = maxTokens

	resp, err := e.client.Chat(ctx, req, func(token string) {
		rt.EmitOutput(map[string]interface{}{"token": token})
	})
	if err != nil {
		return nil, externalError(inv.Node.ID, err)
	}

	usage := resp.Usage
	result := workflow.Success(map[string]interface{}{
		"text":  resp.Text,
		"model": resp.Model,
		"usage": map[string]interface{}{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
		"finish_reason": resp.FinishReason,
	})
	result.Metadata.Usage = &usage
	return result, nil
}

// RetrievalExecutor embeds the query and searches the vector store.
type RetrievalExecutor struct {
	ai      aiservice.Client
	store   vectorstore.Store
	timeout time.Duration
}

func NewRetrievalExecutor(ai aiservice.Client, store vectorstore.Store, timeout time.Duration) *RetrievalExecutor {
	return &RetrievalExecutor{ai: ai, store: store, timeout: timeout}
}

func (e *RetrievalExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{
		Inputs: []workflow.PortSchema{
			{Name: "query", Type: workflow.TypeString, Required: true},
			{Name: "filters", Type: workflow.TypeObject},
		},
		Outputs: []workflow.PortSchema{
			{Name: "results", Type: workflow.TypeArray},
			{Name: "count", Type: workflow.TypeNumber},
		},
	}
}

// Traits marks retrieval idempotent: it only reads.
func (e *RetrievalExecutor) Traits() Traits {
	return Traits{External: true, Idempotent: true, DefaultTimeout: e.timeout}
}

func (e *RetrievalExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	if e.ai == nil {
		return nil, missingCollaborator(inv.Node.ID, "ai service")
	}
	if e.store == nil {
		return nil, missingCollaborator(inv.Node.ID, "vector store")
	}

	query := inv.stringParam("query", "")
	if query == "" {
		return nil, inputError(inv, "query is empty")
	}
	topK, err := inv.intParam("top_k", 5)
	if err != nil {
		return nil, inputError(inv, "%v", err)
	}
	threshold, err := inv.floatParam("score_threshold", 0)
	if err != nil {
		return nil, inputError(inv, "%v", err)
	}

	vectors, err := e.ai.Embed(ctx, inv.stringParam("embedding_model", ""), []string{query})
	if err != nil {
		return nil, externalError(inv.Node.ID, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, workflow.NewError(workflow.ErrorKindExternalService, inv.Node.ID, "embedding response was empty")
	}

	matches, err := e.store.Search(ctx, vectorstore.Query{
		Vector:         vectors[0],
		TopK:           topK,
		ScoreThreshold: threshold,
		Filters:        inv.mapParam("filters"),
	})
	if err != nil {
		return nil, externalError(inv.Node.ID, err)
	}

	results := make([]interface{}, len(matches))
	for i, m := range matches {
		meta := m.Metadata
		if meta == nil {
			meta = map[string]interface{}{}
		}
		results[i] = map[string]interface{}{
			"id":       m.ID,
			"content":  m.Content,
			"score":    m.Score,
			"metadata": meta,
		}
	}
	return workflow.Success(map[string]interface{}{
		"results": results,
		"count":   len(results),
	}), nil
}

// HTTPRequestExecutor performs a request through the HTTP collaborator.
// Client errors (4xx) are returned as outputs; transient upstream failures
// are node errors.
type HTTPRequestExecutor struct {
	client  httpclient.Doer
	timeout time.Duration
}

func NewHTTPRequestExecutor(client httpclient.Doer, timeout time.Duration) *HTTPRequestExecutor {
	return &HTTPRequestExecutor{client: client, timeout: timeout}
}

func (e *HTTPRequestExecutor) Schema() workflow.NodeSchema {
	return workflow.NodeSchema{
		Inputs: []workflow.PortSchema{
			{Name: "url", Type: workflow.TypeString},
			{Name: "body", Type: workflow.TypeAny},
			{Name: "headers", Type: workflow.TypeObject},
			{Name: "query", Type: workflow.TypeObject},
		},
		Outputs: []workflow.PortSchema{
			{Name: "status_code", Type: workflow.TypeNumber},
			{Name: "headers", Type: workflow.TypeObject},
			{Name: "body", Type: workflow.TypeAny},
		},
	}
}

func (e *HTTPRequestExecutor) Traits() Traits {
	return Traits{External: true, DefaultTimeout: e.timeout}
}

func (e *HTTPRequestExecutor) Execute(ctx context.Context, inv *Invocation, rt Runtime) (*workflow.NodeExecutionResult, error) {
	if e.client == nil {
		return nil, missingCollaborator(inv.Node.ID, "http client")
	}

	req := &httpclient.Request{
		Method:  inv.stringParam("method", "GET"),
		URL:     inv.stringParam("url", ""),
		Headers: toStringMap(inv.mapParam("headers")),
		Query:   toStringMap(inv.mapParam("query")),
	}
	if body, ok := inv.param("body"); ok {
		req.Body = body
	}
	if auth := inv.mapParam("authentication"); auth != nil {
		req.Auth = httpclient.AuthConfig{
			Type:         stringField(auth, "type"),
			Username:     stringField(auth, "username"),
			Password:     stringField(auth, "password"),
			Token:        stringField(auth, "token"),
			APIKey:       stringField(auth, "api_key"),
			APIKeyHeader: stringField(auth, "api_key_header"),
		}
	}
	if err := httpclient.Validate(req); err != nil {
		return nil, inputError(inv, "%v", err)
	}

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		return nil, externalError(inv.Node.ID, err)
	}

	headers := make(map[string]interface{}, len(resp.Headers))
	for k, v := range resp.Headers {
		headers[k] = v
	}
	result := workflow.Success(map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        resp.Body,
	})
	result.Metadata.Extra = map[string]interface{}{"body_type": resp.BodyType}
	return result, nil
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
