package vectorstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/goccy/go-json"

	"github.com/aiflow-go/pkg/logger"
)

type ElasticsearchConfig struct {
	Addresses    []string
	Username     string
	Password     string
	Index        string
	VectorField  string
	ContentField string
}

// ElasticsearchStore runs approximate kNN queries against a dense_vector
// field.
type ElasticsearchStore struct {
	client *elasticsearch.Client
	config ElasticsearchConfig
	logger logger.Logger
}

func NewElasticsearchStore(cfg ElasticsearchConfig, log logger.Logger) (*ElasticsearchStore, error) {
	if cfg.Index == "" {
		return nil, fmt.Errorf("vector store index is required")
	}
	if cfg.VectorField == "" {
		cfg.VectorField = "embedding"
	}
	if cfg.ContentField == "" {
		cfg.ContentField = "content"
	}
	if log == nil {
		log = logger.NewNop()
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &ElasticsearchStore{client: client, config: cfg, logger: log.Named("vectorstore")}, nil
}

func (s *ElasticsearchStore) Search(ctx context.Context, q Query) ([]Match, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	body, err := json.Marshal(s.buildQuery(q))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{s.config.Index},
		Body:  bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		s.logger.Warn("Vector search rejected", "index", s.config.Index, "status", res.StatusCode)
		return nil, &SearchError{StatusCode: res.StatusCode, Message: string(msg)}
	}
	return s.decodeHits(res.Body, q.ScoreThreshold)
}

func (s *ElasticsearchStore) buildQuery(q Query) map[string]interface{} {
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	knn := map[string]interface{}{
		"field":          s.config.VectorField,
		"query_vector":   q.Vector,
		"k":              topK,
		"num_candidates": topK * 10,
	}
	if len(q.Filters) > 0 {
		terms := make([]map[string]interface{}, 0, len(q.Filters))
		for k, v := range q.Filters {
			terms = append(terms, map[string]interface{}{
				"term": map[string]interface{}{"metadata." + k: v},
			})
		}
		knn["filter"] = map[string]interface{}{"bool": map[string]interface{}{"filter": terms}}
	}

	return map[string]interface{}{
		"knn":     knn,
		"size":    topK,
		"_source": []string{s.config.ContentField, "metadata"},
	}
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string                 `json:"_id"`
			Score  float64                `json:"_score"`
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *ElasticsearchStore) decodeHits(r io.Reader, threshold float64) ([]Match, error) {
	var resp searchResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	matches := make([]Match, 0, len(resp.Hits.Hits))
	for _, hit := range resp.Hits.Hits {
		if hit.Score < threshold {
			continue
		}
		content, _ := hit.Source[s.config.ContentField].(string)
		meta, _ := hit.Source["metadata"].(map[string]interface{})
		matches = append(matches, Match{ID: hit.ID, Content: content, Score: hit.Score, Metadata: meta})
	}
	return matches, nil
}

// SearchError is a non-2xx answer from the cluster.
type SearchError struct {
	StatusCode int
	Message    string
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("vector store returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying may succeed.
func (e *SearchError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
