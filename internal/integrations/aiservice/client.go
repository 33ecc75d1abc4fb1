// Package aiservice is the AI-service collaborator: chat completions with
// streamed tokens and embeddings over an OpenAI-compatible HTTP API.
package aiservice

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/metrics"
	"github.com/aiflow-go/pkg/resilience"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Text         string         `json:"text"`
	Model        string         `json:"model"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Usage        workflow.Usage `json:"usage"`
}

// TokenFunc receives streamed completion fragments in order.
type TokenFunc func(token string)

// Client is what llm and knowledge_retrieval nodes depend on.
type Client interface {
	Chat(ctx context.Context, req ChatRequest, onToken TokenFunc) (*ChatResponse, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float64, error)
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai service returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying may succeed.
func (e *APIError) Temporary() bool {
	return resilience.IsRetryableHTTPStatus(e.StatusCode)
}

type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	EmbeddingModel    string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// HTTPClient talks to an OpenAI-compatible endpoint. Calls are rate limited
// and guarded by a circuit breaker.
type HTTPClient struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	logger  logger.Logger
}

func NewHTTPClient(cfg Config, log logger.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	breakerCfg := resilience.DefaultCircuitBreakerConfig("ai-service")
	// Client errors say nothing about service health.
	breakerCfg.IsSuccessful = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return !apiErr.Temporary()
		}
		return err == nil || errors.Is(err, context.Canceled)
	}

	return &HTTPClient{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		logger:  log.Named("aiservice"),
	}
}

type chatPayload struct {
	ChatRequest
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat streams a completion. onToken may be nil.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest, onToken TokenFunc) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.config.Model
	}
	payload := chatPayload{ChatRequest: req, Stream: true, StreamOptions: &streamOptions{IncludeUsage: true}}

	var result *ChatResponse
	err := c.call(ctx, "/chat/completions", payload, func(body io.Reader) error {
		var err error
		result, err = c.readStream(body, onToken)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = req.Model
	}
	metrics.RecordTokens(result.Model, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

func (c *HTTPClient) readStream(body io.Reader, onToken TokenFunc) (*ChatResponse, error) {
	result := &ChatResponse{}
	var text strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("malformed stream chunk: %w", err)
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			token := choice.Delta.Content
			if token == "" {
				token = choice.Message.Content
			}
			if token != "" {
				text.WriteString(token)
				if onToken != nil {
					onToken(token)
				}
			}
			if choice.FinishReason != nil {
				result.FinishReason = *choice.FinishReason
			}
		}
		if chunk.Usage != nil {
			result.Usage = workflow.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	result.Text = text.String()
	if result.Usage.TotalTokens == 0 {
		result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
	}
	return result, nil
}

type embedPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *HTTPClient) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	if model == "" {
		model = c.config.EmbeddingModel
	}
	var vectors [][]float64
	err := c.call(ctx, "/embeddings", embedPayload{Model: model, Input: texts}, func(body io.Reader) error {
		var resp embedResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return fmt.Errorf("failed to decode embeddings: %w", err)
		}
		vectors = make([][]float64, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(vectors) {
				return fmt.Errorf("embedding index %d out of range", d.Index)
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (c *HTTPClient) call(ctx context.Context, path string, payload interface{}, handle func(io.Reader) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	return c.breaker.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream, application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("ai service request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			logger.FromContext(ctx, c.logger).Warn("AI service error", "path", path, "status", resp.StatusCode)
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
		}
		return handle(resp.Body)
	})
}
