package server

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/internal/domain/workflow"
	"github.com/aiflow-go/internal/engine"
	"github.com/aiflow-go/internal/engine/nodes"
	"github.com/aiflow-go/internal/engine/stream"
	"github.com/aiflow-go/pkg/config"
	"github.com/aiflow-go/pkg/ratelimit"
)

const greetingWorkflow = `{
  "workflow": {
    "id": "greeting",
    "nodes": [
      {"id": "start", "kind": "start"},
      {"id": "end", "kind": "end", "inputs": [{"name": "greeting", "value": "hello {{run.inputs.name}}"}]}
    ],
    "edges": [{"source_node_id": "start", "target_node_id": "end"}]
  },
  "inputs": {"name": "ada"}
}`

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, opts Options) (*Server, *engine.Engine) {
	t.Helper()
	eng, err := engine.New(engine.Config{}, engine.Options{
		Registry: nodes.NewDefaultRegistry(nodes.Dependencies{}),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return New(config.ServerConfig{Port: 0}, eng, opts), eng
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, h http.Handler) string {
	t.Helper()
	w := do(t, h, http.MethodPost, "/api/v1/runs", greetingWorkflow)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp submitRunResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.RunID)
	return resp.RunID
}

func TestServer_SubmitAndGetRun(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	h := s.Handler()

	runID := submit(t, h)
	_, err := eng.WaitRun(context.Background(), runID)
	require.NoError(t, err)

	w := do(t, h, http.MethodGet, "/api/v1/runs/"+runID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var status workflow.RunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, workflow.RunCompleted, status.State)
	assert.Equal(t, "hello ada", status.Outputs["greeting"])
	assert.Equal(t, workflow.NodeSucceeded, status.Nodes["end"].State)
}

func TestServer_InvalidWorkflow(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	body := `{"workflow": {"id": "bad", "nodes": [{"id": "a", "kind": "start"}], "edges": [{"source_node_id": "a", "target_node_id": "ghost"}]}}`

	w := do(t, s.Handler(), http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Error   string                        `json:"error"`
		Details workflow.GraphValidationError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(workflow.ErrorKindGraphValidation), resp.Error)
	assert.Equal(t, workflow.ValidationDanglingEdge, resp.Details.Kind)

	w = do(t, s.Handler(), http.MethodPost, "/api/v1/runs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_RunNotFoundAndFinished(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	h := s.Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/v1/runs/missing/cancel", "").Code)

	runID := submit(t, h)
	_, err := eng.WaitRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", "").Code)
}

func TestServer_ValidateAndNodeKinds(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	h := s.Handler()

	var req submitRunRequest
	require.NoError(t, json.Unmarshal([]byte(greetingWorkflow), &req))
	def, err := json.Marshal(req.Workflow)
	require.NoError(t, err)

	w := do(t, h, http.MethodPost, "/api/v1/workflows/validate", string(def))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/api/v1/node-kinds", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"kind":"llm"`)
	assert.Contains(t, w.Body.String(), `"kind":"loop"`)
}

func TestServer_StreamSSE(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	runID := submit(t, s.Handler())
	_, err := eng.WaitRun(context.Background(), runID)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/v1/runs/" + runID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	var lastData string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			types = append(types, strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			lastData = strings.TrimPrefix(line, "data:")
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, string(stream.EventStarted), types[0])
	assert.Equal(t, string(stream.EventCompleted), types[len(types)-1])

	var last stream.Event
	require.NoError(t, json.Unmarshal([]byte(lastData), &last))
	assert.True(t, last.IsTerminal())
	assert.Equal(t, runID, last.RunID)
}

func TestServer_StreamWebSocket(t *testing.T) {
	s, eng := newTestServer(t, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	runID := submit(t, s.Handler())
	_, err := eng.WaitRun(context.Background(), runID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + runID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var got []stream.Event
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		got = append(got, ev)
	}

	require.NotEmpty(t, got)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.True(t, got[len(got)-1].IsTerminal())
}

func TestServer_WebSocketOriginCheck(t *testing.T) {
	eng, err := engine.New(engine.Config{}, engine.Options{
		Registry: nodes.NewDefaultRegistry(nodes.Dependencies{}),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	s := New(config.ServerConfig{AllowedOrigins: []string{"https://app.example.com/"}}, eng, Options{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	runID := submit(t, s.Handler())
	_, err = eng.WaitRun(context.Background(), runID)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/" + runID + "/ws"

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{name: "no origin", ok: true},
		{name: "same origin", origin: ts.URL, ok: true},
		{name: "allowed origin", origin: "https://APP.example.com", ok: true},
		{name: "foreign origin", origin: "https://evil.example.com", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, Options{Probes: map[string]Probe{
		"ok": func(ctx context.Context) error { return nil },
	}})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/live", "").Code)
	w := do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":"ok"`)

	failing, _ := newTestServer(t, Options{Probes: map[string]Probe{
		"run_store": func(ctx context.Context) error { return errors.New("connection refused") },
	}})
	w = do(t, failing.Handler(), http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/metrics", "").Code)
}

func TestServer_SubmitRateLimited(t *testing.T) {
	s, _ := newTestServer(t, Options{Limiter: ratelimit.NewTokenBucketLimiter(0.001, 1)})
	h := s.Handler()

	submit(t, h)
	w := do(t, h, http.MethodPost, "/api/v1/runs", greetingWorkflow)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Reads are not limited.
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/runs/missing", "").Code)
}
