package vectorstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiflow-go/pkg/logger"
)

func TestMemoryStore_Search(t *testing.T) {
	s := NewMemoryStore(
		Document{ID: "a", Content: "alpha", Vector: []float64{1, 0}, Metadata: map[string]interface{}{"lang": "en"}},
		Document{ID: "b", Content: "beta", Vector: []float64{0.7, 0.7}, Metadata: map[string]interface{}{"lang": "de"}},
		Document{ID: "c", Content: "gamma", Vector: []float64{0, 1}, Metadata: map[string]interface{}{"lang": "en"}},
	)

	matches, err := s.Search(context.Background(), Query{Vector: []float64{1, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "b", matches[1].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)

	matches, err = s.Search(context.Background(), Query{Vector: []float64{1, 0}, ScoreThreshold: 0.5, Filters: map[string]interface{}{"lang": "en"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "alpha", matches[0].Content)

	_, err = s.Search(context.Background(), Query{})
	assert.Error(t, err)
}

func TestElasticsearchStore_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/docs/_search", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		knn := body["knn"].(map[string]interface{})
		assert.Equal(t, "embedding", knn["field"])
		assert.Equal(t, float64(3), knn["k"])
		assert.NotNil(t, knn["filter"])

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"1","_score":0.92,"_source":{"content":"first","metadata":{"src":"wiki"}}},
			{"_id":"2","_score":0.40,"_source":{"content":"second"}}
		]}}`))
	}))
	defer srv.Close()

	s, err := NewElasticsearchStore(ElasticsearchConfig{Addresses: []string{srv.URL}, Index: "docs"}, logger.NewNop())
	require.NoError(t, err)

	matches, err := s.Search(context.Background(), Query{
		Vector:         []float64{0.1, 0.2},
		TopK:           3,
		ScoreThreshold: 0.5,
		Filters:        map[string]interface{}{"src": "wiki"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "first", matches[0].Content)
	assert.Equal(t, "wiki", matches[0].Metadata["src"])
}

func TestElasticsearchStore_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer srv.Close()

	s, err := NewElasticsearchStore(ElasticsearchConfig{Addresses: []string{srv.URL}, Index: "docs"}, logger.NewNop())
	require.NoError(t, err)

	_, err = s.Search(context.Background(), Query{Vector: []float64{1}})
	var searchErr *SearchError
	require.ErrorAs(t, err, &searchErr)
	assert.True(t, searchErr.Temporary())
}
