package vectorstore

import "context"

// Item is one object to upsert: a deterministic id, document properties,
// and the embedding vector.
type Item struct {
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	Vector     []float32              `json:"vector,omitempty"`
}

// Result is the per-item outcome of a batch upsert.
type Result struct {
	ID  string
	Err error
}

// Store is the target collaborator contract. All operations are idempotent
// under the deterministic-id scheme: re-synchronizing the same path
// overwrites rather than duplicates.
type Store interface {
	// UpsertBatch writes items in one call. The returned error reports a
	// wholesale failure of the call itself; per-item failures come back in
	// the results slice.
	UpsertBatch(ctx context.Context, collection string, items []*Item) ([]Result, error)
	UpsertOne(ctx context.Context, collection string, item *Item) error
	Delete(ctx context.Context, collection string, id string) error
}
