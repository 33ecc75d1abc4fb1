// Package vectorstore provides similarity search over embedded documents.
package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

type Query struct {
	Vector         []float64              `json:"vector"`
	TopK           int                    `json:"top_k"`
	ScoreThreshold float64                `json:"score_threshold"`
	Filters        map[string]interface{} `json:"filters,omitempty"`
}

type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Vector   []float64              `json:"vector,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type Match struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Store answers nearest-neighbour queries. Results are ordered by
// descending score.
type Store interface {
	Search(ctx context.Context, q Query) ([]Match, error)
}

const defaultTopK = 5

// MemoryStore is a brute-force cosine store for tests and small corpora.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewMemoryStore(docs ...Document) *MemoryStore {
	s := &MemoryStore{docs: make(map[string]Document)}
	for _, d := range docs {
		s.docs[d.ID] = d
	}
	return s
}

func (s *MemoryStore) Upsert(_ context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, q Query) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	s.mu.RLock()
	matches := make([]Match, 0, len(s.docs))
	for _, d := range s.docs {
		if !matchesFilters(d.Metadata, q.Filters) {
			continue
		}
		score := cosine(q.Vector, d.Vector)
		if score < q.ScoreThreshold {
			continue
		}
		matches = append(matches, Match{ID: d.ID, Content: d.Content, Score: score, Metadata: d.Metadata})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score == matches[j].Score {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func matchesFilters(meta, filters map[string]interface{}) bool {
	for k, want := range filters {
		got, ok := meta[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
