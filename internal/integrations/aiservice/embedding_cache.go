package aiservice

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/aiflow-go/pkg/cache"
	"github.com/aiflow-go/pkg/logger"
)

// EmbeddingCache memoizes embeddings per model and text. Only texts missing
// from the cache are sent upstream, in one batch. Chat passes through.
type EmbeddingCache struct {
	Client
	cache  cache.Cache
	ttl    time.Duration
	logger logger.Logger
}

func NewEmbeddingCache(client Client, c cache.Cache, ttl time.Duration, log logger.Logger) *EmbeddingCache {
	if log == nil {
		log = logger.NewNop()
	}
	return &EmbeddingCache{Client: client, cache: c, ttl: ttl, logger: log.Named("embedding_cache")}
}

func (e *EmbeddingCache) Embed(ctx context.Context, model string, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	var missing []int
	for i, text := range texts {
		var vector []float64
		err := e.cache.Get(ctx, embeddingKey(model, text), &vector)
		switch {
		case err == nil:
			out[i] = vector
		case errors.Is(err, cache.ErrCacheMiss):
			missing = append(missing, i)
		default:
			e.logger.Warn("Embedding cache read failed", "error", err)
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	vectors, err := e.Client.Embed(ctx, model, batch)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("ai service returned %d embeddings for %d texts", len(vectors), len(batch))
	}

	for j, i := range missing {
		out[i] = vectors[j]
		if err := e.cache.Set(ctx, embeddingKey(model, texts[i]), vectors[j], e.ttl); err != nil {
			e.logger.Warn("Embedding cache write failed", "error", err)
		}
	}
	return out, nil
}

func embeddingKey(model, text string) string {
	sum := blake2b.Sum256([]byte(model + "\x00" + text))
	return "embedding:" + hex.EncodeToString(sum[:])
}
