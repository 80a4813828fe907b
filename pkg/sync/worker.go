package sync

import (
	"context"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vexsync/vexsync/pkg/checkpoint"
	"github.com/vexsync/vexsync/pkg/metrics"
	"github.com/vexsync/vexsync/pkg/retry"
	"github.com/vexsync/vexsync/pkg/vectorstore"
)

var nowFunc = time.Now

// batchResult is the ephemeral per-item outcome a worker hands back for
// reconciliation. It exists only between the worker and the commit loop.
type batchResult struct {
	item *workItem
	err  error
	took time.Duration
}

// processBatch partitions the batch into one chunk per worker, runs the
// chunks concurrently, and commits each result as it arrives. Per-item
// errors are contained inside the chunk; only checkpoint loss or
// cancellation propagates.
func (s *Syncer) processBatch(
	ctx context.Context,
	run *checkpoint.Run,
	batch []*workItem,
	stats *metrics.RunStats,
	progress *progressLogger,
) error {
	ctx, span := tracer.Start(ctx, "Syncer.processBatch")
	defer span.End()

	results := make(chan *batchResult, len(batch))

	g, workerCtx := errgroup.WithContext(ctx)
	for _, chunk := range partition(batch, s.workerCount) {
		chunk := chunk
		g.Go(func() error {
			s.processChunk(workerCtx, run, chunk, results)
			return workerCtx.Err()
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	for res := range results {
		change := res.item.change
		if res.err != nil {
			stats.RecordFailure(ctx)
			ctxzap.Extract(ctx).Warn("item failed",
				zap.Int64("sequence", change.Sequence),
				zap.String("path", change.Path),
				zap.Error(res.err))
			if err := s.commit(ctx, run, change, checkpoint.StatusFailed, res.err); err != nil {
				return err
			}
			continue
		}

		stats.RecordSuccess(ctx, int64(len(res.item.content.Data)), res.took)
		progress.Item(change.Op, change.Path, len(res.item.content.Data))
		if err := s.commit(ctx, run, change, checkpoint.StatusSuccess, nil); err != nil {
			return err
		}
	}

	return g.Wait()
}

// processChunk embeds and upserts one worker's share of the batch. An
// item's failure never aborts the chunk: every item produces exactly one
// result.
func (s *Syncer) processChunk(
	ctx context.Context,
	run *checkpoint.Run,
	chunk []*workItem,
	results chan<- *batchResult,
) {
	pending := make([]*batchResult, 0, len(chunk))
	items := make([]*vectorstore.Item, 0, len(chunk))

	for _, wi := range chunk {
		start := nowFunc()

		if s.dryRun {
			results <- &batchResult{item: wi, took: nowFunc().Sub(start)}
			continue
		}

		vec, err := s.embedWithRetry(ctx, string(wi.content.Data))
		if err != nil {
			results <- &batchResult{item: wi, err: err, took: nowFunc().Sub(start)}
			continue
		}

		items = append(items, s.buildItem(run, wi, vec))
		pending = append(pending, &batchResult{item: wi, took: nowFunc().Sub(start)})
	}

	if len(items) == 0 {
		return
	}

	s.upsertItems(ctx, run, items, pending)
	for _, res := range pending {
		results <- res
	}
}

// upsertItems writes the chunk's items in one batch call, falling back to
// individual upserts when the batch call fails wholesale so that only the
// items that individually fail are marked Failed.
func (s *Syncer) upsertItems(
	ctx context.Context,
	run *checkpoint.Run,
	items []*vectorstore.Item,
	pending []*batchResult,
) {
	batchResults, err := s.target.UpsertBatch(ctx, run.Collection, items)
	if err == nil {
		for i, r := range batchResults {
			pending[i].err = r.Err
		}
		return
	}

	ctxzap.Extract(ctx).Warn("batch upsert failed wholesale, falling back to individual upserts",
		zap.Int("items", len(items)),
		zap.Error(err))

	for i, item := range items {
		retryer := retry.NewRetryer(s.retryCfg)
		var upsertErr error
		for {
			upsertErr = s.target.UpsertOne(ctx, run.Collection, item)
			if upsertErr == nil || !retryer.ShouldWaitAndRetry(ctx, upsertErr) {
				break
			}
		}
		pending[i].err = upsertErr
	}
}

func (s *Syncer) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	retryer := retry.NewRetryer(s.retryCfg)
	for {
		vec, err := s.embedder.Embed(ctx, text)
		if err == nil || !retryer.ShouldWaitAndRetry(ctx, err) {
			return vec, err
		}
	}
}

func (s *Syncer) buildItem(run *checkpoint.Run, wi *workItem, vec []float32) *vectorstore.Item {
	change := wi.change
	props := map[string]interface{}{
		"path":      change.Path,
		"operation": change.Op.String(),
		"content":   string(wi.content.Data),
		"size":      len(wi.content.Data),
	}
	if change.Repository != "" {
		props["repository"] = change.Repository
	}
	if change.Mime != "" {
		props["mime"] = change.Mime
	}

	return &vectorstore.Item{
		ID:         vectorstore.ObjectID(run.Collection, change.Repository, change.Path),
		Properties: props,
		Vector:     vec,
	}
}

// partition splits items into at most n roughly equal chunks.
func partition(items []*workItem, n int) [][]*workItem {
	if len(items) == 0 || n <= 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}

	chunks := make([][]*workItem, 0, n)
	size := (len(items) + n - 1) / n
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
