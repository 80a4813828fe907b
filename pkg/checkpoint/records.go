package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"
)

// Status is the persisted outcome of processing one line.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"

	// StatusSkipped records a skip_index item. It is terminal like Success
	// (reruns do not re-resolve it) but counted separately in summaries.
	StatusSkipped Status = "skipped"
)

// LineRecord is the per-sequence checkpoint entry. A record transitions
// pending to success/failed at most once per processing attempt; re-invoking
// the same Run may re-attempt failed or pending records.
type LineRecord struct {
	RunID       string
	Sequence    int64
	Path        string
	Operation   string
	Status      Status
	Error       string
	CommittedAt time.Time
}

const lineRecordsTableVersion = "1"
const lineRecordsTableName = "line_records"
const lineRecordsTableSchema = `
create table if not exists %s (
    id integer primary key,
    run_id text not null,
    sequence integer not null,
    path text not null,
    operation text not null,
    status text not null default 'pending',
    error text,
    committed_at datetime not null,
    unique (run_id, sequence)
);
create index if not exists %s on %s (run_id, status);`

var lineRecords = (*lineRecordsTable)(nil)

type lineRecordsTable struct{}

func (t *lineRecordsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), lineRecordsTableName)
}

func (t *lineRecordsTable) Version() string {
	return lineRecordsTableVersion
}

func (t *lineRecordsTable) Schema() (string, []interface{}) {
	return lineRecordsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_line_records_run_status_v%s", t.Version()),
		t.Name(),
	}
}

// commitAttempts bounds the busy-retry loop around a single Commit before
// the store declares itself unavailable.
const commitAttempts = 5

// Commit durably appends or updates the LineRecord for (run_id, sequence).
// The write is a single atomic upsert: a crash mid-write never corrupts
// prior entries. Transient lock errors are retried with backoff; exhausting
// the retries surfaces as ErrCheckpointUnavailable, which aborts the Run.
func (s *Store) Commit(ctx context.Context, rec *LineRecord) error {
	ctx, span := tracer.Start(ctx, "Store.Commit")
	defer span.End()

	l := ctxzap.Extract(ctx)

	err := retry.Do(
		func() error {
			return s.commitOnce(ctx, rec)
		},
		retry.Attempts(commitAttempts),
		retry.Delay(10*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isBusyErr),
		retry.OnRetry(func(n uint, err error) {
			l.Debug("checkpoint commit busy, retrying",
				zap.Uint("attempt", n+1),
				zap.Int64("sequence", rec.Sequence),
				zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: committing sequence %d: %v", ErrCheckpointUnavailable, rec.Sequence, err)
	}
	return nil
}

func (s *Store) commitOnce(ctx context.Context, rec *LineRecord) error {
	query, args, err := s.db.Insert(lineRecords.Name()).
		Rows(goqu.Record{
			"run_id":       rec.RunID,
			"sequence":     rec.Sequence,
			"path":         rec.Path,
			"operation":    rec.Operation,
			"status":       string(rec.Status),
			"error":        rec.Error,
			"committed_at": nowString(),
		}).
		OnConflict(goqu.DoUpdate("run_id, sequence", goqu.Record{
			"status":       string(rec.Status),
			"error":        rec.Error,
			"committed_at": nowString(),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// IsDone reports whether the sequence already has a terminal, non-retryable
// outcome (success or skipped) in this run.
func (s *Store) IsDone(ctx context.Context, runID string, sequence int64) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.IsDone")
	defer span.End()

	query, args, err := s.db.From(lineRecords.Name()).
		Select("status").
		Where(goqu.C("run_id").Eq(runID)).
		Where(goqu.C("sequence").Eq(sequence)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}

	var status string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	return Status(status) == StatusSuccess || Status(status) == StatusSkipped, nil
}

// CompletedSequences loads the set of sequences with terminal outcomes for a
// run, so the scheduler can skip them without a per-line query.
func (s *Store) CompletedSequences(ctx context.Context, runID string) (map[int64]struct{}, error) {
	ctx, span := tracer.Start(ctx, "Store.CompletedSequences")
	defer span.End()

	query, args, err := s.db.From(lineRecords.Name()).
		Select("sequence").
		Where(goqu.C("run_id").Eq(runID)).
		Where(goqu.C("status").In(string(StatusSuccess), string(StatusSkipped))).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	defer rows.Close()

	done := make(map[int64]struct{})
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		done[seq] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return done, nil
}

// Counts are the per-status record counters for a run.
type Counts struct {
	Success int64
	Failed  int64
	Skipped int64
	Pending int64

	// Completed is set by Complete when the run reached a terminal state
	// and its checkpoint data was cleared.
	Completed bool
}

// Counts returns the current per-status counters for a run.
func (s *Store) Counts(ctx context.Context, runID string) (*Counts, error) {
	ctx, span := tracer.Start(ctx, "Store.Counts")
	defer span.End()

	query, args, err := s.db.From(lineRecords.Name()).
		Select("status", goqu.COUNT("*")).
		Where(goqu.C("run_id").Eq(runID)).
		GroupBy("status").
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	defer rows.Close()

	counts := &Counts{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusSuccess:
			counts.Success = count
		case StatusFailed:
			counts.Failed = count
		case StatusSkipped:
			counts.Skipped = count
		case StatusPending:
			counts.Pending = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}
