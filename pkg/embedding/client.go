package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/vexsync/vexsync/pkg/connpool"
	"github.com/vexsync/vexsync/pkg/retry"
	"github.com/vexsync/vexsync/pkg/uhttp"
)

var tracer = otel.Tracer("vexsync/embedding")

// Client calls an embedding HTTP endpoint through the shared connection
// pool, pacing requests with a rate limiter.
type Client struct {
	baseURL *url.URL
	pool    *connpool.Pool
	limiter ratelimit.Limiter
}

var _ Embedder = (*Client)(nil)

type ClientOption func(*Client)

// WithRequestsPerSecond paces embedding calls. Zero or negative leaves the
// client unthrottled.
func WithRequestsPerSecond(rps int) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = ratelimit.New(rps)
		}
	}
}

func NewClient(baseURL string, p *connpool.Pool, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid embedding url: %w", err)
	}

	c := &Client{
		baseURL: u,
		pool:    p,
		limiter: ratelimit.NewUnlimited(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "Client.Embed")
	defer span.End()

	c.limiter.Take()

	conn, err := c.pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Return(ctx, conn)

	hc := uhttp.NewBaseHttpClient(conn.HTTPClient())

	u := *c.baseURL
	u.Path, _ = url.JoinPath(u.Path, "v1", "embeddings")

	req, err := hc.NewRequest(ctx, http.MethodPost, &u,
		uhttp.WithJSONBody(&embedRequest{Input: text}),
		uhttp.WithAcceptJSONHeader(),
	)
	if err != nil {
		return nil, err
	}

	var body embedResponse
	if _, err := hc.Do(req, uhttp.WithJSONResponse(&body)); err != nil {
		var se *uhttp.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusTooManyRequests || se.Code >= 500) {
			return nil, retry.Transient(err)
		}
		if retry.IsTransient(err) {
			return nil, retry.Transient(err)
		}
		return nil, err
	}

	if len(body.Vector) == 0 {
		return nil, errors.New("embedding response contained no vector")
	}

	ctxzap.Extract(ctx).Debug("embedded text",
		zap.Int("input_len", len(text)),
		zap.Int("dims", len(body.Vector)))

	return body.Vector, nil
}
