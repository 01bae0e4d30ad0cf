// Package store persists jobs in a SQLite database. Every state
// transition is a single conditional UPDATE, so an illegal transition
// changes nothing and is not an error.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/dockyard-paas/dockyard/internal/model"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("job not found")

const busyTimeout = 5 * time.Second

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and migrates it.
// The database runs in WAL mode with a single writer connection.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create persists a new pending job and returns its id.
func (s *Store) Create(ctx context.Context, typ model.Type, meta model.Meta, owner string) (string, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding meta: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, owner, meta, created_at) VALUES (?,?,?,?,?,?)`,
		id, string(typ), string(model.StatusPending), owner, string(raw), s.stamp(),
	)
	if err != nil {
		return "", fmt.Errorf("executing sql insert failed: %w", err)
	}
	return id, nil
}

// Start moves a pending job to running.
func (s *Store) Start(ctx context.Context, id string) error {
	_, err := s.update(ctx, id,
		`status = ?, started_at = ?`,
		[]any{string(model.StatusRunning), s.stamp()},
		model.StatusPending,
	)
	return err
}

// Finish moves a running job to done, recording its output.
func (s *Store) Finish(ctx context.Context, id, output string) error {
	_, err := s.update(ctx, id,
		`status = ?, output = ?, error = NULL, finished_at = ?`,
		[]any{string(model.StatusDone), output, s.stamp()},
		model.StatusRunning,
	)
	return err
}

// Fail moves a running job to failed, recording the error message. A
// pending job that could not be started may be failed as well.
func (s *Store) Fail(ctx context.Context, id, msg string) error {
	_, err := s.update(ctx, id,
		`status = ?, error = ?, output = NULL, finished_at = ?`,
		[]any{string(model.StatusFailed), msg, s.stamp()},
		model.StatusPending, model.StatusRunning,
	)
	return err
}

// MarkInterrupted moves a running job to interrupted.
func (s *Store) MarkInterrupted(ctx context.Context, id string) error {
	_, err := s.update(ctx, id,
		`status = ?, finished_at = ?`,
		[]any{string(model.StatusInterrupted), s.stamp()},
		model.StatusRunning,
	)
	return err
}

// Requeue moves a failed or interrupted job back to pending, clearing
// its result. It reports whether the job was requeued.
func (s *Store) Requeue(ctx context.Context, id string) (bool, error) {
	return s.update(ctx, id,
		`status = ?, output = NULL, error = NULL, started_at = NULL, finished_at = NULL`,
		[]any{string(model.StatusPending)},
		model.StatusFailed, model.StatusInterrupted,
	)
}

// Delete removes the job regardless of its status.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, id, set string, args []any, from ...model.Status) (bool, error) {
	q := `UPDATE jobs SET ` + set + ` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("executing sql update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if n == 0 {
		slog.DebugContext(ctx, "job transition ignored", "id", id, "from", from)
	}
	return n > 0, nil
}

const columns = `id, type, status, owner, meta, output, error, created_at, started_at, finished_at`

// Get returns the job identified by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Job{}, ErrNotFound
	case err != nil:
		return model.Job{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return job, nil
}

// ListForOwner returns the jobs of owner which are still active or
// finished at or after since, newest first, at most limit of them.
func (s *Store) ListForOwner(ctx context.Context, owner string, since time.Time, limit int) ([]model.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM jobs
		 WHERE owner = ? AND (status IN (?, ?) OR finished_at >= ?)
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		owner, string(model.StatusPending), string(model.StatusRunning), since.UnixNano(), limit,
	)
}

// ListActive returns every pending or running job, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]model.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE status IN (?, ?) ORDER BY created_at, rowid`,
		string(model.StatusPending), string(model.StatusRunning),
	)
}

// ListByStatus returns the jobs in status ordered by creation time.
func (s *Store) ListByStatus(ctx context.Context, status model.Status) ([]model.Job, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM jobs WHERE status = ? ORDER BY created_at, rowid`,
		string(status),
	)
}

// Sweep deletes terminal jobs finished before the cutoff and returns
// their ids.
func (s *Store) Sweep(ctx context.Context, before time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", "error", err)
		}
	}()

	const where = `status IN (?, ?, ?) AND finished_at < ?`
	args := []any{
		string(model.StatusDone), string(model.StatusFailed), string(model.StatusInterrupted),
		before.UnixNano(),
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE `+where, args...); err != nil {
		return nil, fmt.Errorf("executing sql delete failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction failed: %w", err)
	}
	return ids, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var ret []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, job)
	}
	return ret, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job               model.Job
		typ, status, meta string
		output, errMsg    sql.NullString
		created           int64
		started, finished sql.NullInt64
	)
	err := row.Scan(&job.ID, &typ, &status, &job.Owner, &meta, &output, &errMsg, &created, &started, &finished)
	if err != nil {
		return model.Job{}, err
	}
	job.Type = model.Type(typ)
	job.Status = model.Status(status)
	if err := json.Unmarshal([]byte(meta), &job.Meta); err != nil {
		return model.Job{}, fmt.Errorf("decoding meta of job %s: %w", job.ID, err)
	}
	if output.Valid {
		job.Output = &output.String
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	job.CreatedAt = fromStamp(created)
	if started.Valid {
		t := fromStamp(started.Int64)
		job.StartedAt = &t
	}
	if finished.Valid {
		t := fromStamp(finished.Int64)
		job.FinishedAt = &t
	}
	return job, nil
}

func (s *Store) stamp() int64 {
	return s.now().UnixNano()
}

func fromStamp(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
