package connpool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	pool "github.com/jolestar/go-commons-pool/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vexsync/vexsync/pkg/retry"
)

var tracer = otel.Tracer("vexsync/connpool")

// ErrBorrowTimeout is returned when the pool stays exhausted past the borrow
// timeout. It is a retryable per-item failure, never fatal to the Run.
var ErrBorrowTimeout = errors.New("timed out waiting for a pooled connection")

// Conn is one reusable client session. Each Conn owns its transport so that
// destroying the pooled object actually tears the sockets down.
type Conn struct {
	client    *http.Client
	transport *http.Transport
}

// HTTPClient returns the session's http client.
func (c *Conn) HTTPClient() *http.Client {
	return c.client
}

func (c *Conn) close() {
	c.transport.CloseIdleConnections()
}

// Config bounds the pool. Zero values fall back to the defaults below.
type Config struct {
	MaxTotal        int           // max concurrently borrowed sessions
	MaxIdle         int           // sessions kept warm between borrows
	MaxConnsPerHost int           // per-endpoint cap inside one session
	IdleTimeout     time.Duration // idle session eviction
	BorrowTimeout   time.Duration // how long Borrow blocks when exhausted
	RequestTimeout  time.Duration // per-request deadline on the session client
}

const (
	defaultMaxTotal        = 8
	defaultMaxConnsPerHost = 4
	defaultIdleTimeout     = 5 * time.Minute
	defaultBorrowTimeout   = 30 * time.Second
	defaultRequestTimeout  = 60 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxTotal <= 0 {
		out.MaxTotal = defaultMaxTotal
	}
	if out.MaxIdle <= 0 {
		out.MaxIdle = out.MaxTotal
	}
	if out.MaxConnsPerHost <= 0 {
		out.MaxConnsPerHost = defaultMaxConnsPerHost
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	if out.BorrowTimeout <= 0 {
		out.BorrowTimeout = defaultBorrowTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = defaultRequestTimeout
	}
	return out
}

// Pool is a bounded set of reusable client sessions shared by the worker
// pool. Borrow blocks (up to BorrowTimeout) instead of creating unbounded
// connections.
type Pool struct {
	inner         *pool.ObjectPool
	borrowTimeout time.Duration

	borrowed atomic.Int64
	peak     atomic.Int64
}

// New builds a Pool from cfg.
func New(ctx context.Context, cfg Config) *Pool {
	cfg = cfg.withDefaults()

	factory := pool.NewPooledObjectFactory(
		func(context.Context) (interface{}, error) {
			transport := &http.Transport{
				MaxConnsPerHost:     cfg.MaxConnsPerHost,
				MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
				IdleConnTimeout:     cfg.IdleTimeout,
			}
			return &Conn{
				client: &http.Client{
					Transport: transport,
					Timeout:   cfg.RequestTimeout,
				},
				transport: transport,
			}, nil
		},
		func(_ context.Context, obj *pool.PooledObject) error {
			if conn, ok := obj.Object.(*Conn); ok {
				conn.close()
			}
			return nil
		},
		nil, nil, nil)

	poolConfig := pool.NewDefaultPoolConfig()
	poolConfig.MaxTotal = cfg.MaxTotal
	poolConfig.MaxIdle = cfg.MaxIdle
	poolConfig.MinIdle = 0
	poolConfig.BlockWhenExhausted = true
	poolConfig.MinEvictableIdleTime = cfg.IdleTimeout
	poolConfig.TimeBetweenEvictionRuns = cfg.IdleTimeout / 2

	return &Pool{
		inner:         pool.NewObjectPool(ctx, factory, poolConfig),
		borrowTimeout: cfg.BorrowTimeout,
	}
}

// Borrow takes a session from the pool, blocking up to the borrow timeout
// when the pool is exhausted. Timeouts come back as transient errors so the
// scheduler records a retryable per-item failure.
func (p *Pool) Borrow(ctx context.Context) (*Conn, error) {
	ctx, span := tracer.Start(ctx, "Pool.Borrow")
	defer span.End()

	borrowCtx, cancel := context.WithTimeout(ctx, p.borrowTimeout)
	defer cancel()

	obj, err := p.inner.BorrowObject(borrowCtx)
	if err != nil {
		if borrowCtx.Err() != nil && ctx.Err() == nil {
			return nil, retry.Transient(fmt.Errorf("%w after %s", ErrBorrowTimeout, p.borrowTimeout))
		}
		return nil, retry.Transient(err)
	}

	conn, ok := obj.(*Conn)
	if !ok {
		return nil, fmt.Errorf("unexpected pooled object type %T", obj)
	}

	current := p.borrowed.Add(1)
	for {
		peak := p.peak.Load()
		if current <= peak || p.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	return conn, nil
}

// Return gives a session back to the pool.
func (p *Pool) Return(ctx context.Context, conn *Conn) {
	p.borrowed.Add(-1)
	if err := p.inner.ReturnObject(ctx, conn); err != nil {
		ctxzap.Extract(ctx).Warn("error returning connection to pool", zap.Error(err))
	}
}

// PeakBorrowed reports the maximum number of concurrently borrowed sessions
// observed over the pool's lifetime.
func (p *Pool) PeakBorrowed() int64 {
	return p.peak.Load()
}

// Close destroys all pooled sessions.
func (p *Pool) Close(ctx context.Context) {
	p.inner.Close(ctx)
}
