package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/maypok86/otter"
)

// CachingEmbedder memoizes vectors by content digest. Change streams repeat
// content often (renames, reverted edits, resumed runs), and embedding is
// the most expensive call in the pipeline.
type CachingEmbedder struct {
	inner Embedder
	cache otter.Cache[string, []float32]
}

const defaultCacheCapacity = 8192

func NewCachingEmbedder(inner Embedder, capacity int) (*CachingEmbedder, error) {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}

	cache, err := otter.MustBuilder[string, []float32](capacity).
		WithTTL(time.Hour).
		Build()
	if err != nil {
		return nil, err
	}

	return &CachingEmbedder{inner: inner, cache: cache}, nil
}

var _ Embedder = (*CachingEmbedder)(nil)

func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := digest(text)
	if v, ok := e.cache.Get(key); ok {
		return v, nil
	}

	v, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	e.cache.Set(key, v)
	return v, nil
}

// Close releases the cache's background resources.
func (e *CachingEmbedder) Close() {
	e.cache.Close()
}

func digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
