package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vexsync/vexsync/pkg/connpool"
	"github.com/vexsync/vexsync/pkg/retry"
	"github.com/vexsync/vexsync/pkg/uhttp"
)

var tracer = otel.Tracer("vexsync/vectorstore")

// Client talks to the target store's HTTP API using sessions borrowed from
// the connection pool for the duration of each call.
type Client struct {
	baseURL *url.URL
	pool    *connpool.Pool
}

var _ Store = (*Client)(nil)

func NewClient(baseURL string, p *connpool.Pool) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid vector store url: %w", err)
	}
	return &Client{baseURL: u, pool: p}, nil
}

func (c *Client) objectsURL(collection string, parts ...string) *url.URL {
	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, append([]string{"v1", "collections", collection, "objects"}, parts...)...)
	return &u
}

type batchUpsertRequest struct {
	Items []*Item `json:"items"`
}

type batchUpsertResponse struct {
	Results []struct {
		ID    string `json:"id"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// UpsertBatch writes all items in a single call. A transport-level failure
// is wholesale: the caller is expected to fall back to per-item upserts.
func (c *Client) UpsertBatch(ctx context.Context, collection string, items []*Item) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "Client.UpsertBatch")
	defer span.End()

	conn, err := c.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Return(ctx, conn)

	hc := uhttp.NewBaseHttpClient(conn.HTTPClient())

	req, err := hc.NewRequest(ctx, http.MethodPost, c.objectsURL(collection, "batch"),
		uhttp.WithJSONBody(&batchUpsertRequest{Items: items}),
		uhttp.WithAcceptJSONHeader(),
	)
	if err != nil {
		return nil, err
	}

	var body batchUpsertResponse
	if _, err := hc.Do(req, uhttp.WithJSONResponse(&body)); err != nil {
		return nil, classify(err)
	}

	byID := make(map[string]string, len(body.Results))
	for _, r := range body.Results {
		byID[r.ID] = r.Error
	}

	results := make([]Result, len(items))
	for i, item := range items {
		results[i] = Result{ID: item.ID}
		if msg, ok := byID[item.ID]; ok && msg != "" {
			results[i].Err = errors.New(msg)
		}
	}

	ctxzap.Extract(ctx).Debug("batch upsert",
		zap.String("collection", collection),
		zap.Int("items", len(items)))

	return results, nil
}

// UpsertOne writes a single item.
func (c *Client) UpsertOne(ctx context.Context, collection string, item *Item) error {
	ctx, span := tracer.Start(ctx, "Client.UpsertOne")
	defer span.End()

	conn, err := c.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Return(ctx, conn)

	hc := uhttp.NewBaseHttpClient(conn.HTTPClient())

	req, err := hc.NewRequest(ctx, http.MethodPut, c.objectsURL(collection, item.ID),
		uhttp.WithJSONBody(item),
		uhttp.WithAcceptJSONHeader(),
	)
	if err != nil {
		return err
	}

	if _, err := hc.Do(req); err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes an object. A 404 counts as success so deletes stay
// idempotent across re-runs.
func (c *Client) Delete(ctx context.Context, collection string, id string) error {
	ctx, span := tracer.Start(ctx, "Client.Delete")
	defer span.End()

	conn, err := c.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Return(ctx, conn)

	hc := uhttp.NewBaseHttpClient(conn.HTTPClient())

	req, err := hc.NewRequest(ctx, http.MethodDelete, c.objectsURL(collection, id))
	if err != nil {
		return err
	}

	if _, err := hc.Do(req); err != nil {
		var se *uhttp.StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil
		}
		return classify(err)
	}
	return nil
}

// classify wraps server-side unavailability as transient so the retry policy
// and checkpoint treat it as a retryable per-item failure.
func classify(err error) error {
	var se *uhttp.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return retry.Transient(err)
		}
		return err
	}
	if retry.IsTransient(err) {
		return retry.Transient(err)
	}
	return err
}
