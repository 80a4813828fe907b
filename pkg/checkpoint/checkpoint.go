package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("vexsync/checkpoint")

const commitTimeFormat = "2006-01-02 15:04:05.999999999"

type pragma struct {
	name  string
	value string
}

// Store is the durable record of per-item completion status, backed by a
// local sqlite database. Every Commit is flushed before it returns, so a
// crash immediately afterwards never loses the record.
type Store struct {
	rawDb      *sql.DB
	db         *goqu.Database
	dbFilePath string
	owner      string
	pragmas    []pragma
}

type Option func(*Store)

// WithPragma appends a sqlite pragma applied at open.
func WithPragma(name string, value string) Option {
	return func(s *Store) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

// WithOwner overrides the owner token recorded on claimed runs. The default
// is host:pid, computed by the caller.
func WithOwner(owner string) Option {
	return func(s *Store) {
		s.owner = owner
	}
}

// NewStore opens (creating if necessary) the checkpoint database at
// dbFilePath. An unreachable or corrupt store is reported as
// ErrCheckpointUnavailable: it is a fatal, run-aborting condition.
func NewStore(ctx context.Context, dbFilePath string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.NewStore")
	defer span.End()

	rawDb, err := sql.Open("sqlite", dbFilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	s := &Store{
		rawDb:      rawDb,
		db:         goqu.New("sqlite3", rawDb),
		dbFilePath: dbFilePath,
		owner:      defaultOwner(),
		pragmas: []pragma{
			// WAL keeps reads cheap while commits append; synchronous=FULL
			// makes each commit durable before ExecContext returns.
			{"journal_mode", "WAL"},
			{"synchronous", "FULL"},
			{"busy_timeout", "5000"},
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(ctx); err != nil {
		_ = rawDb.Close()
		return nil, fmt.Errorf("%w: %v", ErrCheckpointUnavailable, err)
	}

	return s, nil
}

// init applies pragmas and ensures the schema exists.
func (s *Store) init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.init")
	defer span.End()

	l := ctxzap.Extract(ctx)

	for _, p := range s.pragmas {
		_, err := s.rawDb.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return fmt.Errorf("pragma %s: %w", p.name, err)
		}
	}

	for _, t := range allTableDescriptors {
		query, args := t.Schema()
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(query, args...))
		if err != nil {
			return fmt.Errorf("creating schema for %s: %w", t.Name(), err)
		}
	}

	l.Debug("checkpoint store opened", zap.String("db_file_path", s.dbFilePath))
	return nil
}

// Path returns the filesystem location of the backing database file.
func (s *Store) Path() string {
	return s.dbFilePath
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	if s.rawDb == nil {
		return nil
	}
	err := s.rawDb.Close()
	s.rawDb = nil
	s.db = nil
	return err
}

type tableDescriptor interface {
	Name() string
	Version() string
	Schema() (string, []interface{})
}

var allTableDescriptors = []tableDescriptor{runs, lineRecords}

// isBusyErr reports whether err is a transient sqlite lock error worth
// retrying.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func nowString() string {
	return time.Now().Format(commitTimeFormat)
}
