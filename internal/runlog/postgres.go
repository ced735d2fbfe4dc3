package runlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it
// in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres connects to Postgres and ensures the schema exists.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "runlog postgres: parse config")
	}
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "runlog postgres: connect")
	}

	s := &PostgresStore{pool: pool, closeFn: pool.Close}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS harvest_runs (
	id              UUID PRIMARY KEY,
	dataset         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	checkpoint_path TEXT,
	error           TEXT
);

CREATE INDEX IF NOT EXISTS idx_harvest_runs_dataset ON harvest_runs(dataset);
CREATE INDEX IF NOT EXISTS idx_harvest_runs_started_at ON harvest_runs(started_at);
`

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "runlog postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Start(ctx context.Context, dataset, checkpointPath string) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO harvest_runs (id, dataset, status, started_at, checkpoint_path)
		 VALUES ($1, $2, $3, now(), $4)`,
		id, dataset, StatusRunning, checkpointPath,
	)
	if err != nil {
		return "", eris.Wrapf(err, "runlog postgres: start run for %s", dataset)
	}
	return id, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, result Result) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE harvest_runs
		 SET status = $1, completed_at = now(), items_succeeded = $2, items_failed = $3
		 WHERE id = $4`,
		StatusComplete, result.ItemsSucceeded, result.ItemsFailed, id,
	)
	return eris.Wrapf(err, "runlog postgres: complete run %s", id)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE harvest_runs SET status = $1, completed_at = now(), error = $2 WHERE id = $3`,
		StatusFailed, errMsg, id,
	)
	return eris.Wrapf(err, "runlog postgres: fail run %s", id)
}

func (s *PostgresStore) Last(ctx context.Context, dataset string) (*Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, dataset, status, started_at, completed_at, items_succeeded, items_failed,
		        COALESCE(checkpoint_path, ''), COALESCE(error, '')
		 FROM harvest_runs WHERE dataset = $1 ORDER BY started_at DESC LIMIT 1`,
		dataset,
	)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "runlog postgres: last run for %s", dataset)
	}
	return e, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT id, dataset, status, started_at, completed_at, items_succeeded, items_failed,
	             COALESCE(checkpoint_path, ''), COALESCE(error, '')
	      FROM harvest_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog postgres: list runs")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "runlog postgres: scan run")
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var completed *time.Time
	err := row.Scan(&e.ID, &e.Dataset, &e.Status, &e.StartedAt, &completed,
		&e.ItemsSucceeded, &e.ItemsFailed, &e.CheckpointPath, &e.Error)
	if err != nil {
		return nil, err
	}
	e.CompletedAt = completed
	return &e, nil
}
