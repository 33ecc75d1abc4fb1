// Package httpclient is the generic HTTP collaborator used by http_request
// nodes.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/aiflow-go/pkg/logger"
	"github.com/aiflow-go/pkg/resilience"
)

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true, http.MethodDelete: true,
	http.MethodPatch: true, http.MethodHead: true, http.MethodOptions: true,
}

// AuthConfig represents authentication configuration
type AuthConfig struct {
	Type         string `json:"type"` // none, basic, bearer, api-key
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Token        string `json:"token,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
	APIKeyHeader string `json:"api_key_header,omitempty"`
}

type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	Auth    AuthConfig        `json:"authentication,omitempty"`
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Status     string            `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       interface{}       `json:"body"`
	BodyType   string            `json:"body_type"`
}

// Doer performs HTTP calls on behalf of nodes.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// StatusError is returned for responses that indicate a transient upstream
// failure (429 and 5xx). The response is still attached.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %s", e.Response.Status)
}

type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	MaxRedirects int
}

type Client struct {
	client   *http.Client
	breakers *resilience.CircuitBreakerRegistry
	maxBody  int64
	logger   logger.Logger
}

func New(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if log == nil {
		log = logger.NewNop()
	}
	maxRedirects := cfg.MaxRedirects

	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		breakers: resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("http")),
		maxBody:  cfg.MaxBodyBytes,
		logger:   log.Named("httpclient"),
	}
}

// Validate checks the request shape without performing it.
func Validate(req *Request) error {
	if req.URL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid url %q", req.URL)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !validMethods[method] {
		return fmt.Errorf("invalid HTTP method: %s", req.Method)
	}
	return nil
}

// Do performs req under a per-host circuit breaker.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	var result *Response
	breaker := c.breakers.Get(httpReq.URL.Host)
	err = breaker.Do(ctx, func(ctx context.Context) error {
		resp, err := c.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer resp.Body.Close()

		result, err = c.parseResponse(resp)
		if err != nil {
			return err
		}
		if resilience.IsRetryableHTTPStatus(resp.StatusCode) {
			return &StatusError{Response: result}
		}
		return nil
	})
	if err != nil {
		logger.FromContext(ctx, c.logger).Debug("HTTP request failed", "url", httpReq.URL.Redacted(), "error", err)
		return result, err
	}
	return result, nil
}

func (c *Client) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		switch b := req.Body.(type) {
		case string:
			body = strings.NewReader(b)
		case []byte:
			body = bytes.NewReader(b)
		default:
			data, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for key, value := range req.Query {
			q.Add(key, value)
		}
		httpReq.URL.RawQuery = q.Encode()
	}

	switch req.Auth.Type {
	case "basic":
		httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+req.Auth.Token)
	case "api-key":
		header := req.Auth.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		httpReq.Header.Set(header, req.Auth.APIKey)
	}
	return httpReq, nil
}

func (c *Client) parseResponse(resp *http.Response) (*Response, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.maxBody)
	}

	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Headers:    headers,
	}

	var parsed interface{}
	if len(data) > 0 && json.Unmarshal(data, &parsed) == nil {
		result.Body = parsed
		result.BodyType = "json"
	} else {
		result.Body = string(data)
		result.BodyType = "text"
	}
	return result, nil
}
