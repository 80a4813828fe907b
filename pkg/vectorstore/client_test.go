package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vexsync/vexsync/pkg/connpool"
	"github.com/vexsync/vexsync/pkg/retry"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	p := connpool.New(ctx, connpool.Config{MaxTotal: 2})
	t.Cleanup(func() { p.Close(ctx) })

	c, err := NewClient(srv.URL, p)
	require.NoError(t, err)
	return c
}

func TestObjectIDDeterministic(t *testing.T) {
	a := ObjectID("docs", "repo", "a/b.md")
	require.Equal(t, a, ObjectID("docs", "repo", "a/b.md"))
	require.NotEqual(t, a, ObjectID("docs", "repo", "a/c.md"))
	require.NotEqual(t, a, ObjectID("code", "repo", "a/b.md"))

	// NUL separation keeps shifted boundaries distinct.
	require.NotEqual(t, ObjectID("docs", "a", "bc"), ObjectID("docs", "ab", "c"))
}

func TestUpsertBatchPerItemResults(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/collections/docs/objects/batch", r.URL.Path)

		var req batchUpsertRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 2)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]string{
				{"id": req.Items[0].ID},
				{"id": req.Items[1].ID, "error": "vector dimension mismatch"},
			},
		})
	}))

	items := []*Item{
		{ID: "one", Properties: map[string]interface{}{"path": "a"}, Vector: []float32{0.1}},
		{ID: "two", Properties: map[string]interface{}{"path": "b"}, Vector: []float32{0.2}},
	}

	results, err := c.UpsertBatch(context.Background(), "docs", items)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.ErrorContains(t, results[1].Err, "dimension mismatch")
}

func TestUpsertBatchWholesaleFailure(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.UpsertBatch(context.Background(), "docs", []*Item{{ID: "one"}})
	require.Error(t, err)
	require.True(t, retry.IsTransient(err))
}

func TestUpsertOne(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))

	err := c.UpsertOne(context.Background(), "docs", &Item{ID: "abc", Vector: []float32{1}})
	require.NoError(t, err)
	require.Equal(t, "/v1/collections/docs/objects/abc", gotPath)
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))

	require.NoError(t, c.Delete(context.Background(), "docs", "gone"))
}

func TestDeleteSurfacesServerErrors(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := c.Delete(context.Background(), "docs", "id")
	require.Error(t, err)
	require.False(t, retry.IsTransient(err))
}
