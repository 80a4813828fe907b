package sync

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vexsync/vexsync/pkg/changestream"
	"github.com/vexsync/vexsync/pkg/checkpoint"
	"github.com/vexsync/vexsync/pkg/connpool"
	"github.com/vexsync/vexsync/pkg/embedding"
	"github.com/vexsync/vexsync/pkg/metrics"
	"github.com/vexsync/vexsync/pkg/resolver"
	"github.com/vexsync/vexsync/pkg/retry"
	"github.com/vexsync/vexsync/pkg/vectorstore"
)

var tracer = otel.Tracer("vexsync/sync")

const (
	defaultBatchSize   = 64
	defaultWorkerCount = 4
)

// Syncer drives one Run: it pulls changes from the reader, skips sequences
// the checkpoint already settled, resolves content, fans batches out across
// the worker pool, and reconciles every per-item outcome back into the
// checkpoint store. It never reads more than one batch ahead of the batch
// being committed, bounding resident memory to O(batch size).
type Syncer struct {
	store    *checkpoint.Store
	target   vectorstore.Store
	embedder embedding.Embedder
	resolver *resolver.Resolver
	pool     *connpool.Pool

	collection  string
	dryRun      bool
	batchSize   int
	workerCount int
	retryCfg    retry.Config
	handler     metrics.Handler
	progressW   io.Writer
}

type Option func(*Syncer)

func WithBatchSize(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithWorkerCount(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.workerCount = n
		}
	}
}

// WithDryRun resolves and reports every item without writing to the target
// store, the embedder, or the checkpoint.
func WithDryRun(dryRun bool) Option {
	return func(s *Syncer) {
		s.dryRun = dryRun
	}
}

// WithRetryConfig enables the in-pass retry policy for transient per-item
// failures. The default performs no in-pass retries: transient failures are
// recorded Failed and picked up by the next invocation.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Syncer) {
		s.retryCfg = cfg
	}
}

func WithMetricsHandler(h metrics.Handler) Option {
	return func(s *Syncer) {
		s.handler = h
	}
}

// WithProgressWriter directs the per-item progress lines and final summary.
func WithProgressWriter(w io.Writer) Option {
	return func(s *Syncer) {
		s.progressW = w
	}
}

func NewSyncer(
	store *checkpoint.Store,
	target vectorstore.Store,
	embedder embedding.Embedder,
	res *resolver.Resolver,
	pool *connpool.Pool,
	collection string,
	opts ...Option,
) *Syncer {
	s := &Syncer{
		store:       store,
		target:      target,
		embedder:    embedder,
		resolver:    res,
		pool:        pool,
		collection:  collection,
		batchSize:   defaultBatchSize,
		workerCount: defaultWorkerCount,
		handler:     metrics.NewNoopHandler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// workItem is one resolved change waiting for a worker.
type workItem struct {
	change  *changestream.Change
	content *resolver.Content
}

// Sync runs the pipeline over input until end of stream. Per-item failures
// are recorded and the Run continues; only pipeline-level failures (run
// conflict, checkpoint loss, cancellation) return an error.
func (s *Syncer) Sync(ctx context.Context, input io.Reader) (*metrics.Summary, error) {
	ctx, span := tracer.Start(ctx, "Syncer.Sync")
	defer span.End()

	l := ctxzap.Extract(ctx)

	// Dry runs never mutate the checkpoint: no run row, no records. The run
	// a real pass would resume is still consulted read-only so settled
	// sequences are skipped the same way a real pass would skip them.
	run := &checkpoint.Run{
		RunID:      "dry-run",
		Collection: s.collection,
		DryRun:     true,
		Status:     checkpoint.RunStatusRunning,
	}
	done := map[int64]struct{}{}
	if s.dryRun {
		open, err := s.store.OpenRun(ctx, s.collection)
		if err != nil {
			return nil, err
		}
		if open != nil {
			done, err = s.store.CompletedSequences(ctx, open.RunID)
			if err != nil {
				return nil, err
			}
		}
	} else {
		var err error
		run, err = s.store.StartOrResume(ctx, s.collection, false)
		if err != nil {
			return nil, err
		}

		done, err = s.store.CompletedSequences(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		if run.Resumed {
			l.Info("resuming from checkpoint",
				zap.String("run_id", run.RunID),
				zap.Int("already_done", len(done)))
		}
	}

	stats := metrics.NewRunStats(s.handler)
	progress := newProgressLogger(s.progressW)
	reader := changestream.NewReader(input,
		changestream.WithMaxLineSize(changestream.MaxLineSizeFor(s.resolver.MaxContentSize())))

	completed := false
	defer func() {
		if completed || s.dryRun {
			return
		}
		// Release ownership so a later invocation can resume what's left.
		if err := s.store.Abort(context.WithoutCancel(ctx), run.RunID); err != nil {
			l.Warn("failed to release run ownership", zap.Error(err))
		}
	}()

	if err := s.pump(ctx, run, reader, done, stats, progress); err != nil {
		return nil, err
	}

	summary, err := s.finish(ctx, run, stats, progress)
	if err != nil {
		return nil, err
	}
	completed = true
	return summary, nil
}

// pump is the single control flow driving reader, resolver, and scheduler.
func (s *Syncer) pump(
	ctx context.Context,
	run *checkpoint.Run,
	reader *changestream.Reader,
	done map[int64]struct{},
	stats *metrics.RunStats,
	progress *progressLogger,
) error {
	l := ctxzap.Extract(ctx)

	batch := make([]*workItem, 0, s.batchSize)

	for {
		change, err := reader.Next(ctx)
		if err != nil {
			var parseErr *changestream.ParseError
			if errors.As(err, &parseErr) {
				stats.RecordMalformed(ctx)
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading change stream: %w", err)
		}

		if _, ok := done[change.Sequence]; ok {
			continue
		}

		// Deletes bypass batching; they are rare and carry no content.
		if change.Op == changestream.OpDelete {
			if err := s.processDelete(ctx, run, change, stats, progress); err != nil {
				return err
			}
			continue
		}

		item, err := s.resolveItem(ctx, run, change, stats, progress)
		if err != nil {
			return err
		}
		if item == nil {
			continue
		}

		batch = append(batch, item)
		if len(batch) >= s.batchSize {
			if err := s.processBatch(ctx, run, batch, stats, progress); err != nil {
				return err
			}
			batch = batch[:0]
			stats.SampleMemory(ctx)
		}
	}

	if len(batch) > 0 {
		if err := s.processBatch(ctx, run, batch, stats, progress); err != nil {
			return err
		}
	}
	stats.SampleMemory(ctx)

	l.Debug("change stream exhausted", zap.String("run_id", run.RunID))
	return nil
}

// resolveItem resolves content for an add/modify change. Skip and failure
// outcomes are settled immediately; only resolvable items join the batch.
func (s *Syncer) resolveItem(
	ctx context.Context,
	run *checkpoint.Run,
	change *changestream.Change,
	stats *metrics.RunStats,
	progress *progressLogger,
) (*workItem, error) {
	content, err := s.resolver.Resolve(ctx, change)
	if err != nil {
		var resErr *resolver.ContentResolutionError
		if !errors.As(err, &resErr) {
			return nil, err
		}
		stats.RecordFailure(ctx)
		ctxzap.Extract(ctx).Warn("content resolution failed",
			zap.Int64("sequence", change.Sequence),
			zap.String("path", change.Path),
			zap.Error(err))
		return nil, s.commit(ctx, run, change, checkpoint.StatusFailed, err)
	}

	if content.Skipped {
		stats.RecordSkip(ctx)
		progress.Item(change.Op, change.Path, 0)
		return nil, s.commit(ctx, run, change, checkpoint.StatusSkipped, nil)
	}

	return &workItem{change: change, content: content}, nil
}

func (s *Syncer) processDelete(
	ctx context.Context,
	run *checkpoint.Run,
	change *changestream.Change,
	stats *metrics.RunStats,
	progress *progressLogger,
) error {
	start := nowFunc()

	var err error
	if !s.dryRun {
		id := vectorstore.ObjectID(run.Collection, change.Repository, change.Path)
		retryer := retry.NewRetryer(s.retryCfg)
		for {
			err = s.target.Delete(ctx, run.Collection, id)
			if err == nil || !retryer.ShouldWaitAndRetry(ctx, err) {
				break
			}
		}
	}

	if err != nil {
		stats.RecordFailure(ctx)
		return s.commit(ctx, run, change, checkpoint.StatusFailed, err)
	}

	stats.RecordSuccess(ctx, 0, nowFunc().Sub(start))
	progress.Item(change.Op, change.Path, 0)
	return s.commit(ctx, run, change, checkpoint.StatusSuccess, nil)
}

// commit writes one LineRecord. In dry-run mode the checkpoint is read-only
// and nothing is persisted.
func (s *Syncer) commit(
	ctx context.Context,
	run *checkpoint.Run,
	change *changestream.Change,
	status checkpoint.Status,
	itemErr error,
) error {
	if s.dryRun {
		return nil
	}

	rec := &checkpoint.LineRecord{
		RunID:     run.RunID,
		Sequence:  change.Sequence,
		Path:      change.Path,
		Operation: change.Op.String(),
		Status:    status,
	}
	if itemErr != nil {
		rec.Error = itemErr.Error()
	}
	return s.store.Commit(ctx, rec)
}

// finish completes the run and produces the summary. A run with failures
// stays open for resumption.
func (s *Syncer) finish(
	ctx context.Context,
	run *checkpoint.Run,
	stats *metrics.RunStats,
	progress *progressLogger,
) (*metrics.Summary, error) {
	l := ctxzap.Extract(ctx)

	summary := stats.Summarize(s.pool.PeakBorrowed())

	if !s.dryRun {
		counts, err := s.store.Complete(ctx, run.RunID)
		if err != nil {
			return nil, err
		}
		if counts.Completed {
			l.Info("run completed", zap.String("run_id", run.RunID))
		} else {
			l.Info("run left open",
				zap.String("run_id", run.RunID),
				zap.Int64("failed", counts.Failed))
		}
	}

	progress.Summary(summary.String())
	return summary, nil
}
