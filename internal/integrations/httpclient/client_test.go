package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/pkg/logger"
)

func TestClient_DoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "7", r.URL.Query().Get("page"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"widget"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":12}`))
	}))
	defer srv.Close()

	c := New(Config{}, logger.NewNop())
	resp, err := c.Do(context.Background(), &Request{
		Method: "post",
		URL:    srv.URL + "/items",
		Query:  map[string]string{"page": "7"},
		Body:   map[string]interface{}{"name": "widget"},
		Auth:   AuthConfig{Type: "bearer", Token: "tok"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "json", resp.BodyType)
	assert.Equal(t, map[string]interface{}{"id": float64(12)}, resp.Body)
}

func TestClient_TextAndClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := New(Config{}, logger.NewNop())
	resp, err := c.Do(context.Background(), &Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "nope", resp.Body)
	assert.Equal(t, "text", resp.BodyType)
}

func TestClient_ServerErrorIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{}, logger.NewNop())
	resp, err := c.Do(context.Background(), &Request{URL: srv.URL})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Response.StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(&Request{}))
	assert.Error(t, Validate(&Request{URL: "ftp://example.com"}))
	assert.Error(t, Validate(&Request{URL: "http://example.com", Method: "BREW"}))
	assert.NoError(t, Validate(&Request{URL: "https://example.com/x", Method: "delete"}))
}
