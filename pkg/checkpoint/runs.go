package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusAborted   RunStatus = "aborted"
)

// Run is one synchronization attempt against one target collection. At most
// one Run may be running for a collection at a time.
type Run struct {
	RunID      string
	Collection string
	DryRun     bool
	Status     RunStatus
	StartedAt  time.Time

	// Resumed is true when StartOrResume reclaimed an existing run, open
	// or settled, instead of creating a fresh one.
	Resumed bool
}

const runsTableVersion = "1"
const runsTableName = "runs"
const runsTableSchema = `
create table if not exists %s (
    id integer primary key,
    run_id text not null unique,
    collection text not null,
    dry_run integer not null default 0,
    status text not null default 'running',
    owner text not null default '',
    started_at datetime not null,
    completed_at datetime
);
create unique index if not exists %s on %s (collection) where status = 'running';`

var runs = (*runsTable)(nil)

type runsTable struct{}

func (t *runsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), runsTableName)
}

func (t *runsTable) Version() string {
	return runsTableVersion
}

func (t *runsTable) Schema() (string, []interface{}) {
	return runsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_runs_collection_running_v%s", t.Version()),
		t.Name(),
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// ownerIsLive reports whether the owner token refers to a process we can
// still observe. A token from another host is always treated as live:
// without distributed locking we cannot prove it dead, so we stay
// conservative and reject the overlap.
func ownerIsLive(owner string) bool {
	host, pidStr, ok := strings.Cut(owner, ":")
	if !ok {
		return false
	}

	self, err := os.Hostname()
	if err != nil || host != self {
		return true
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return false
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return alive
}

type runRow struct {
	RunID       string         `db:"run_id"`
	Collection  string         `db:"collection"`
	DryRun      bool           `db:"dry_run"`
	Status      string         `db:"status"`
	Owner       string         `db:"owner"`
	StartedAt   string         `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
}

func (r *runRow) startedAtTime() time.Time {
	t, err := time.Parse(commitTimeFormat, r.StartedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// StartOrResume returns the run a new invocation should drive for the
// collection: the open run, claimed if its previous owner is gone; otherwise
// the latest settled run, so already-terminal sequences stay settled across
// invocations; otherwise a fresh one. It fails with ErrRunConflict when a
// live owner other than us still holds the open run.
func (s *Store) StartOrResume(ctx context.Context, collection string, dryRun bool) (*Run, error) {
	ctx, span := tracer.Start(ctx, "Store.StartOrResume")
	defer span.End()

	l := ctxzap.Extract(ctx)

	row, err := s.getRunningRun(ctx, collection)
	if err != nil {
		return nil, err
	}

	if row == nil {
		row, err = s.getLatestSettledRun(ctx, collection)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return s.createRun(ctx, collection, dryRun)
		}
	} else if row.Owner != "" && row.Owner != s.owner && ownerIsLive(row.Owner) {
		l.Warn("run conflict",
			zap.String("collection", collection),
			zap.String("run_id", row.RunID),
			zap.String("owner", row.Owner))
		return nil, fmt.Errorf("%w: run %s held by %s", ErrRunConflict, row.RunID, row.Owner)
	}

	return s.claimRun(ctx, row)
}

// claimRun optimistically takes ownership of a run and flips it to running.
// The guards on the previous owner and status mean a concurrent claimer wins
// at most one of the updates; the partial unique index turns a claim racing
// a concurrent create into a constraint violation.
func (s *Store) claimRun(ctx context.Context, row *runRow) (*Run, error) {
	l := ctxzap.Extract(ctx)

	query, args, err := s.db.Update(runs.Name()).
		Set(goqu.Record{
			"owner":        s.owner,
			"status":       string(RunStatusRunning),
			"completed_at": nil,
		}).
		Where(goqu.C("run_id").Eq(row.RunID)).
		Where(goqu.C("status").Eq(row.Status)).
		Where(goqu.C("owner").Eq(row.Owner)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: collection %s", ErrRunConflict, row.Collection)
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: run %s was claimed concurrently", ErrRunConflict, row.RunID)
	}

	l.Info("resuming run",
		zap.String("run_id", row.RunID),
		zap.String("collection", row.Collection))

	return &Run{
		RunID:      row.RunID,
		Collection: row.Collection,
		DryRun:     row.DryRun,
		Status:     RunStatusRunning,
		StartedAt:  row.startedAtTime(),
		Resumed:    true,
	}, nil
}

// OpenRun returns the run a new invocation would resume, without claiming
// it: the running run if one exists, else the latest settled one, else nil.
// Callers get a read-only view; ownership is untouched.
func (s *Store) OpenRun(ctx context.Context, collection string) (*Run, error) {
	ctx, span := tracer.Start(ctx, "Store.OpenRun")
	defer span.End()

	row, err := s.getRunningRun(ctx, collection)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row, err = s.getLatestSettledRun(ctx, collection)
		if err != nil || row == nil {
			return nil, err
		}
	}
	return &Run{
		RunID:      row.RunID,
		Collection: row.Collection,
		DryRun:     row.DryRun,
		Status:     RunStatus(row.Status),
		StartedAt:  row.startedAtTime(),
	}, nil
}

func (s *Store) getRunningRun(ctx context.Context, collection string) (*runRow, error) {
	ds := s.db.From(runs.Name()).
		Where(goqu.C("collection").Eq(collection)).
		Where(goqu.C("status").Eq(string(RunStatusRunning)))
	return s.getRun(ctx, ds)
}

func (s *Store) getLatestSettledRun(ctx context.Context, collection string) (*runRow, error) {
	ds := s.db.From(runs.Name()).
		Where(goqu.C("collection").Eq(collection)).
		Where(goqu.C("status").In(string(RunStatusAborted), string(RunStatusCompleted))).
		Order(goqu.C("started_at").Desc()).
		Limit(1)
	return s.getRun(ctx, ds)
}

func (s *Store) getRun(ctx context.Context, ds *goqu.SelectDataset) (*runRow, error) {
	query, args, err := ds.
		Select("run_id", "collection", "dry_run", "status", "owner", "started_at", "completed_at").
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var row runRow
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&row.RunID, &row.Collection, &row.DryRun, &row.Status,
		&row.Owner, &row.StartedAt, &row.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	return &row, nil
}

func (s *Store) createRun(ctx context.Context, collection string, dryRun bool) (*Run, error) {
	l := ctxzap.Extract(ctx)

	runID := ksuid.New().String()
	startedAt := time.Now()

	query, args, err := s.db.Insert(runs.Name()).
		Rows(goqu.Record{
			"run_id":     runID,
			"collection": collection,
			"dry_run":    dryRun,
			"status":     string(RunStatusRunning),
			"owner":      s.owner,
			"started_at": startedAt.Format(commitTimeFormat),
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		// The partial unique index on (collection) where status='running'
		// turns a concurrent create into a constraint violation.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("%w: collection %s", ErrRunConflict, collection)
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	l.Info("created run",
		zap.String("run_id", runID),
		zap.String("collection", collection),
		zap.Bool("dry_run", dryRun))

	return &Run{
		RunID:      runID,
		Collection: collection,
		DryRun:     dryRun,
		Status:     RunStatusRunning,
		StartedAt:  startedAt,
	}, nil
}

// Complete settles the Run. With no Failed records outstanding it is marked
// completed; otherwise it is marked aborted so a later invocation resumes it.
// Either way the Run row and its terminal LineRecords are kept, so re-running
// identical input commits nothing new; only Reset discards them.
func (s *Store) Complete(ctx context.Context, runID string) (*Counts, error) {
	ctx, span := tracer.Start(ctx, "Store.Complete")
	defer span.End()

	l := ctxzap.Extract(ctx)

	counts, err := s.Counts(ctx, runID)
	if err != nil {
		return nil, err
	}

	if counts.Failed > 0 {
		if err := s.settleRun(ctx, runID, RunStatusAborted); err != nil {
			return nil, err
		}
		l.Info("run left open for resumption",
			zap.String("run_id", runID),
			zap.Int64("failed", counts.Failed))
		return counts, nil
	}

	if err := s.settleRun(ctx, runID, RunStatusCompleted); err != nil {
		return nil, err
	}

	l.Info("run completed",
		zap.String("run_id", runID),
		zap.Int64("success", counts.Success),
		zap.Int64("skipped", counts.Skipped))

	counts.Completed = true
	return counts, nil
}

// Abort marks the run aborted and releases ownership without clearing any
// records, leaving everything in place for a later resume.
func (s *Store) Abort(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "Store.Abort")
	defer span.End()

	return s.settleRun(ctx, runID, RunStatusAborted)
}

func (s *Store) settleRun(ctx context.Context, runID string, status RunStatus) error {
	rec := goqu.Record{"status": string(status), "owner": ""}
	if status == RunStatusCompleted {
		rec["completed_at"] = time.Now().Format(commitTimeFormat)
	}

	query, args, err := s.db.Update(runs.Name()).
		Set(rec).
		Where(goqu.C("run_id").Eq(runID)).
		Where(goqu.C("status").Eq(string(RunStatusRunning))).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	return nil
}

func (s *Store) clearRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	delRecords, delRecordsArgs, err := tx.Delete(lineRecords.Name()).
		Where(goqu.C("run_id").Eq(runID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, delRecords, delRecordsArgs...); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	delRun, delRunArgs, err := tx.Delete(runs.Name()).
		Where(goqu.C("run_id").Eq(runID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, delRun, delRunArgs...); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	return nil
}

// ListRuns returns every run in the store, newest first. An empty collection
// matches all collections.
func (s *Store) ListRuns(ctx context.Context, collection string) ([]*Run, error) {
	ctx, span := tracer.Start(ctx, "Store.ListRuns")
	defer span.End()

	ds := s.db.From(runs.Name()).
		Select("run_id", "collection", "dry_run", "status", "owner", "started_at", "completed_at").
		Order(goqu.C("started_at").Desc())
	if collection != "" {
		ds = ds.Where(goqu.C("collection").Eq(collection))
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var row runRow
		err := rows.Scan(
			&row.RunID, &row.Collection, &row.DryRun, &row.Status,
			&row.Owner, &row.StartedAt, &row.CompletedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, &Run{
			RunID:      row.RunID,
			Collection: row.Collection,
			DryRun:     row.DryRun,
			Status:     RunStatus(row.Status),
			StartedAt:  row.startedAtTime(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Reset discards the Run and all LineRecords for a collection, regardless of
// state. This is the explicit "start fresh" operation.
func (s *Store) Reset(ctx context.Context, collection string) error {
	ctx, span := tracer.Start(ctx, "Store.Reset")
	defer span.End()

	l := ctxzap.Extract(ctx)

	query, args, err := s.db.From(runs.Name()).
		Select("run_id").
		Where(goqu.C("collection").Eq(collection)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}
	defer rows.Close()

	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		runIDs = append(runIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range runIDs {
		if err := s.clearRun(ctx, id); err != nil {
			return err
		}
	}

	l.Info("reset collection checkpoints",
		zap.String("collection", collection),
		zap.Int("runs_cleared", len(runIDs)))
	return nil
}
