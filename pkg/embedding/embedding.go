package embedding

import "context"

// Embedder turns text into a fixed-length numeric vector. Failures are
// per-item errors: they fail the one change being processed, never the Run.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
