package runlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite run log at the given path, configures WAL mode,
// and creates the schema if needed.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "runlog sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "runlog sqlite: exec %s", pragma)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS harvest_runs (
	id              TEXT PRIMARY KEY,
	dataset         TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      DATETIME NOT NULL,
	completed_at    DATETIME,
	items_succeeded INTEGER NOT NULL DEFAULT 0,
	items_failed    INTEGER NOT NULL DEFAULT 0,
	checkpoint_path TEXT,
	error           TEXT
);

CREATE INDEX IF NOT EXISTS idx_harvest_runs_dataset ON harvest_runs(dataset);
CREATE INDEX IF NOT EXISTS idx_harvest_runs_started_at ON harvest_runs(started_at);
`

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(sqliteMigration)
	return eris.Wrap(err, "runlog sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Start(ctx context.Context, dataset, checkpointPath string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO harvest_runs (id, dataset, status, started_at, checkpoint_path)
		 VALUES (?, ?, ?, ?, ?)`,
		id, dataset, StatusRunning, time.Now().UTC(), checkpointPath,
	)
	if err != nil {
		return "", eris.Wrapf(err, "runlog sqlite: start run for %s", dataset)
	}
	return id, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, id string, result Result) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE harvest_runs
		 SET status = ?, completed_at = ?, items_succeeded = ?, items_failed = ?
		 WHERE id = ?`,
		StatusComplete, time.Now().UTC(), result.ItemsSucceeded, result.ItemsFailed, id,
	)
	return eris.Wrapf(err, "runlog sqlite: complete run %s", id)
}

func (s *SQLiteStore) Fail(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE harvest_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		StatusFailed, time.Now().UTC(), errMsg, id,
	)
	return eris.Wrapf(err, "runlog sqlite: fail run %s", id)
}

func (s *SQLiteStore) Last(ctx context.Context, dataset string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dataset, status, started_at, completed_at, items_succeeded, items_failed,
		        COALESCE(checkpoint_path, ''), COALESCE(error, '')
		 FROM harvest_runs WHERE dataset = ? ORDER BY started_at DESC LIMIT 1`,
		dataset,
	)
	var e Entry
	var completed sql.NullTime
	err := row.Scan(&e.ID, &e.Dataset, &e.Status, &e.StartedAt, &completed,
		&e.ItemsSucceeded, &e.ItemsFailed, &e.CheckpointPath, &e.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "runlog sqlite: last run for %s", dataset)
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	return &e, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Entry, error) {
	q := `SELECT id, dataset, status, started_at, completed_at, items_succeeded, items_failed,
	             COALESCE(checkpoint_path, ''), COALESCE(error, '')
	      FROM harvest_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []Entry
	for rows.Next() {
		var e Entry
		var completed sql.NullTime
		if err := rows.Scan(&e.ID, &e.Dataset, &e.Status, &e.StartedAt, &completed,
			&e.ItemsSucceeded, &e.ItemsFailed, &e.CheckpointPath, &e.Error); err != nil {
			return nil, eris.Wrap(err, "runlog sqlite: scan run")
		}
		if completed.Valid {
			t := completed.Time
			e.CompletedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
