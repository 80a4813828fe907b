package resolver

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vexsync/vexsync/pkg/changestream"
)

var tracer = otel.Tracer("vexsync/resolver")

// Tier identifies which content-resolution strategy produced the payload.
type Tier uint8

const (
	TierNone Tier = iota
	TierInline
	TierEncoded
	TierReference
)

func (t Tier) String() string {
	switch t {
	case TierInline:
		return "inline"
	case TierEncoded:
		return "encoded"
	case TierReference:
		return "reference"
	default:
		return "none"
	}
}

// ContentResolutionError marks a per-item resolution failure: decode errors,
// missing or oversized references. The item is recorded Failed and retried
// on the next invocation; the Run continues.
type ContentResolutionError struct {
	Sequence int64
	Path     string
	Reason   string
	Err      error
}

func (e *ContentResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolving %s (line %d): %s: %v", e.Path, e.Sequence, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolving %s (line %d): %s", e.Path, e.Sequence, e.Reason)
}

func (e *ContentResolutionError) Unwrap() error {
	return e.Err
}

// Content is the resolved payload for one add/modify change.
type Content struct {
	Data []byte
	Tier Tier

	// Skipped is set when the change carried skip_index: the item is not a
	// failure but is not indexed either.
	Skipped bool
}

const defaultMaxContentSize = 10 * 1024 * 1024

// Resolver resolves payload bytes for add/modify changes using a three-tier
// strategy: inline text and inline base64 cost no extra I/O; external
// references cost exactly one bounded file read.
type Resolver struct {
	maxContentSize int64
}

// MaxContentSize returns the configured per-item payload cap.
func (r *Resolver) MaxContentSize() int64 {
	return r.maxContentSize
}

type Option func(*Resolver)

// WithMaxContentSize caps tier-3 reads. Larger references resolve to a
// ContentResolutionError instead of being read.
func WithMaxContentSize(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxContentSize = n
		}
	}
}

func New(opts ...Option) *Resolver {
	r := &Resolver{maxContentSize: defaultMaxContentSize}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve produces the payload for a change. skip_index short-circuits the
// tiers entirely. Resolution failures return a *ContentResolutionError.
func (r *Resolver) Resolve(ctx context.Context, change *changestream.Change) (*Content, error) {
	ctx, span := tracer.Start(ctx, "Resolver.Resolve")
	defer span.End()

	if change.SkipIndex {
		return &Content{Skipped: true}, nil
	}

	switch {
	case change.Inline != "":
		return &Content{Data: []byte(change.Inline), Tier: TierInline}, nil
	case change.Encoded != "":
		return r.resolveEncoded(change)
	case change.RefPath != "":
		return r.resolveReference(ctx, change)
	}

	return nil, &ContentResolutionError{
		Sequence: change.Sequence,
		Path:     change.Path,
		Reason:   "no content representation present",
	}
}

func (r *Resolver) resolveEncoded(change *changestream.Change) (*Content, error) {
	data, err := base64.StdEncoding.DecodeString(change.Encoded)
	if err != nil {
		return nil, &ContentResolutionError{
			Sequence: change.Sequence,
			Path:     change.Path,
			Reason:   "invalid base64 content",
			Err:      err,
		}
	}
	return &Content{Data: data, Tier: TierEncoded}, nil
}

func (r *Resolver) resolveReference(ctx context.Context, change *changestream.Change) (*Content, error) {
	l := ctxzap.Extract(ctx)

	if change.RefSize > r.maxContentSize {
		return nil, &ContentResolutionError{
			Sequence: change.Sequence,
			Path:     change.Path,
			Reason:   fmt.Sprintf("declared size %d exceeds limit %d", change.RefSize, r.maxContentSize),
		}
	}

	f, err := os.Open(change.RefPath)
	if err != nil {
		return nil, &ContentResolutionError{
			Sequence: change.Sequence,
			Path:     change.Path,
			Reason:   "opening reference",
			Err:      err,
		}
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, &ContentResolutionError{
			Sequence: change.Sequence,
			Path:     change.Path,
			Reason:   "stat reference",
			Err:      err,
		}
	}
	// The declared size is producer-supplied; the actual size wins.
	if fi.Size() > r.maxContentSize {
		return nil, &ContentResolutionError{
			Sequence: change.Sequence,
			Path:     change.Path,
			Reason:   fmt.Sprintf("actual size %d exceeds limit %d", fi.Size(), r.maxContentSize),
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, r.maxContentSize))
	if err != nil {
		return nil, &ContentResolutionError{
			Sequence: change.Sequence,
			Path:     change.Path,
			Reason:   "reading reference",
			Err:      err,
		}
	}

	l.Debug("resolved reference content",
		zap.String("path", change.Path),
		zap.String("ref", change.RefPath),
		zap.Int("bytes", len(data)))

	return &Content{Data: data, Tier: TierReference}, nil
}
