package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"studio-job-queue/internal/models"
)

// SQLite is an embedded Store backed by modernc.org/sqlite. Each handle holds a
// single connection and every transaction begins IMMEDIATE, so the write lock
// is taken up front and waits out busy_timeout when another process (the API
// and the worker sharing one file) holds it.
type SQLite struct {
	db *sql.DB

	mu      sync.Mutex
	lastNow time.Time
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, models.StoreUnavailable("connect sqlite", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return models.StoreUnavailable("ping", err)
	}
	return nil
}

func (s *SQLite) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := time.Now().UTC()
	if t.Before(s.lastNow) {
		t = s.lastNow
	}
	s.lastNow = t
	return t
}

func (s *SQLite) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.StoreUnavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqliteTx{tx: tx, now: s.now()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.StoreUnavailable("commit", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *SQLite) ListJobs(ctx context.Context, filter JobFilter) (JobPage, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.GroupKey != "" {
		where = append(where, "group_key = ?")
		args = append(args, filter.GroupKey)
	}
	if filter.Cursor != "" {
		c, err := DecodeCursor(filter.Cursor)
		if err != nil {
			return JobPage{}, err
		}
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, unixNanos(c.CreatedAt), unixNanos(c.CreatedAt), c.ID)
	}
	limit := PageSize(filter.Limit)

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	jobs, err := s.queryJobs(ctx, q, args...)
	if err != nil {
		return JobPage{}, err
	}
	page := JobPage{Jobs: jobs}
	if len(jobs) > limit {
		page.Jobs = jobs[:limit]
		page.NextCursor = EncodeCursor(page.Jobs[limit-1])
	}
	return page, nil
}

func (s *SQLite) ListCandidates(ctx context.Context, limit int) ([]models.Job, error) {
	now := unixNanos(s.now())
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (status = ? AND run_after <= ?)
		   OR (status IN (?, ?, ?, ?) AND lease_until < ?)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?
	`, string(models.StatusQueued), now,
		string(models.StatusRunning), string(models.StatusAnalyzing), string(models.StatusRendering), string(models.StatusUploading),
		now, limit)
}

func (s *SQLite) queryJobs(ctx context.Context, q string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.StoreUnavailable("query jobs", err)
	}
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLite) ListAudit(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, action, job_id, actor, details, ts FROM audit_logs WHERE job_id = ? ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, models.StoreUnavailable("query audit", err)
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		var (
			e       models.AuditEntry
			actor   string
			details sql.NullString
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.JobID, &actor, &details, &ts); err != nil {
			return nil, sqliteErr("scan audit", err)
		}
		if err := decodeJSON([]byte(actor), &e.Actor); err != nil {
			return nil, err
		}
		if err := decodeJSON([]byte(details.String), &e.Details); err != nil {
			return nil, err
		}
		e.At = fromNanos(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) ListRuns(ctx context.Context, jobID string) ([]models.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE job_id = ? ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, models.StoreUnavailable("query runs", err)
	}
	defer rows.Close()
	out := make([]models.JobRun, 0)
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLite) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dlqColumns+` FROM dead_letters ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, models.StoreUnavailable("query dead letters", err)
	}
	defer rows.Close()
	out := make([]models.DeadLetterEntry, 0)
	for rows.Next() {
		e, err := scanSQLiteDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx  *sql.Tx
	now time.Time
}

func (t *sqliteTx) Now() time.Time { return t.now }

func (t *sqliteTx) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanSQLiteJob(t.tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (t *sqliteTx) FindLiveJobByKey(ctx context.Context, key string) (models.Job, bool, error) {
	job, err := scanSQLiteJob(t.tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = ? AND status IN (?, ?, ?, ?, ?, ?)
		LIMIT 1
	`, key, string(models.StatusQueued), string(models.StatusRunning), string(models.StatusAnalyzing),
		string(models.StatusRendering), string(models.StatusUploading), string(models.StatusSucceeded)))
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (t *sqliteTx) InsertJob(ctx context.Context, job models.Job) error {
	args, err := sqliteJobArgs(job)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if isSQLiteUnique(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return sqliteErr("insert job", err)
	}
	return nil
}

func (t *sqliteTx) UpdateJob(ctx context.Context, job models.Job, _ models.Actor) error {
	args, err := sqliteJobArgs(job)
	if err != nil {
		return err
	}
	// id moves from the first position to the WHERE clause.
	args = append(args[1:], args[0])
	res, err := t.tx.ExecContext(ctx, `
		UPDATE jobs
		SET type = ?, status = ?, progress = ?, idempotency_key = ?, group_key = ?, priority = ?,
		    source = ?, input = ?, attempts = ?, max_attempts = ?, leased_by = ?, lease_until = ?,
		    run_id = ?, run_after = ?, output = ?, last_error = ?, created_at = ?, updated_at = ?
		WHERE id = ?
	`, args...)
	if isSQLiteUnique(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return sqliteErr("update job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) InsertRun(ctx context.Context, run models.JobRun) error {
	errJSON, err := nullableJSON(run.Error)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO job_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobID, run.Attempt, run.Worker, string(run.Status), string(run.Input),
		textOrNull(rawOrNull(run.Output)), textOrNull(errJSON), unixNanos(run.StartedAt), nanosOrNull(run.FinishedAt))
	if err != nil {
		return sqliteErr("insert run", err)
	}
	return nil
}

func (t *sqliteTx) GetRun(ctx context.Context, id string) (models.JobRun, error) {
	return scanSQLiteRun(t.tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = ?`, id))
}

func (t *sqliteTx) UpdateRun(ctx context.Context, run models.JobRun) error {
	errJSON, err := nullableJSON(run.Error)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(run.Status), textOrNull(rawOrNull(run.Output)), textOrNull(errJSON), nanosOrNull(run.FinishedAt), run.ID)
	if err != nil {
		return sqliteErr("update run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) PutDeadLetter(ctx context.Context, e models.DeadLetterEntry) error {
	lastErr, err := nullableJSON(e.LastError)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO dead_letters (`+dlqColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET job_type = excluded.job_type, reason = excluded.reason, last_error = excluded.last_error,
		    attempts = excluded.attempts, replayed_at = excluded.replayed_at, created_at = excluded.created_at
	`, e.ID, e.JobID, string(e.JobType), e.Reason, textOrNull(lastErr), e.Attempts, nanosOrNull(e.ReplayedAt), unixNanos(e.CreatedAt))
	if err != nil {
		return sqliteErr("put dead letter", err)
	}
	return nil
}

func (t *sqliteTx) GetDeadLetter(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	return scanSQLiteDeadLetter(t.tx.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dead_letters WHERE id = ?`, id))
}

func (t *sqliteTx) DeleteDeadLetter(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return sqliteErr("delete dead letter", err)
	}
	return nil
}

func (t *sqliteTx) GetCommand(ctx context.Context, id string) (models.ReplayCommand, error) {
	var (
		cmd     models.ReplayCommand
		actor   string
		created int64
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, kind, job_id, actor, reason, status, created_at FROM job_commands WHERE id = ?
	`, id).Scan(&cmd.ID, &cmd.Kind, &cmd.JobID, &actor, &cmd.Reason, &cmd.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ReplayCommand{}, models.ErrNotFound
	}
	if err != nil {
		return models.ReplayCommand{}, sqliteErr("scan command", err)
	}
	cmd.CreatedAt = fromNanos(created)
	return cmd, decodeJSON([]byte(actor), &cmd.Actor)
}

func (t *sqliteTx) InsertCommand(ctx context.Context, cmd models.ReplayCommand) error {
	actor, err := encodeJSON(cmd.Actor)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO job_commands (id, kind, job_id, actor, reason, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cmd.ID, string(cmd.Kind), cmd.JobID, string(actor), cmd.Reason, cmd.Status, unixNanos(cmd.CreatedAt))
	if err != nil {
		return sqliteErr("insert command", err)
	}
	return nil
}

func (t *sqliteTx) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = t.now
	}
	actor, err := encodeJSON(e.Actor)
	if err != nil {
		return err
	}
	var details []byte
	if len(e.Details) > 0 {
		if details, err = encodeJSON(e.Details); err != nil {
			return err
		}
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO audit_logs (audit_id, action, job_id, actor, details, ts) VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.Action), e.JobID, string(actor), textOrNull(details), unixNanos(e.At))
	if err != nil {
		return sqliteErr("append audit", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func sqliteJobArgs(job models.Job) ([]any, error) {
	source, err := encodeJSON(job.Source)
	if err != nil {
		return nil, err
	}
	lastErr, err := nullableJSON(job.LastError)
	if err != nil {
		return nil, err
	}
	input := string(job.Input)
	if input == "" {
		input = "{}"
	}
	var leaseUntil any
	if !job.Lease.LeaseUntil.IsZero() {
		leaseUntil = unixNanos(job.Lease.LeaseUntil)
	}
	return []any{
		job.ID, string(job.Type), string(job.Status), job.Progress, job.IdempotencyKey, job.GroupKey, job.Priority,
		string(source), input, job.Attempts, job.MaxAttempts,
		textOrNull([]byte(job.Lease.LeasedBy)), leaseUntil, textOrNull([]byte(job.Lease.RunID)),
		unixNanos(job.RunAfter), textOrNull(rawOrNull(job.Output)), textOrNull(lastErr),
		unixNanos(job.CreatedAt), unixNanos(job.UpdatedAt),
	}, nil
}

func scanSQLiteJob(row scanner) (models.Job, error) {
	var (
		job                                  models.Job
		source, input                        string
		leasedBy, runID, output, lastErrJSON sql.NullString
		leaseUntil                           sql.NullInt64
		runAfter, created, updated           int64
	)
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Progress, &job.IdempotencyKey, &job.GroupKey, &job.Priority,
		&source, &input, &job.Attempts, &job.MaxAttempts, &leasedBy, &leaseUntil, &runID,
		&runAfter, &output, &lastErrJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, sqliteErr("scan job", err)
	}
	if err := decodeJSON([]byte(source), &job.Source); err != nil {
		return models.Job{}, err
	}
	job.Input = []byte(input)
	if output.Valid {
		job.Output = []byte(output.String)
	}
	if job.LastError, err = decodeNullable[models.JobError]([]byte(lastErrJSON.String)); err != nil {
		return models.Job{}, err
	}
	job.Lease = models.Lease{LeasedBy: leasedBy.String, RunID: runID.String}
	if leaseUntil.Valid {
		job.Lease.LeaseUntil = fromNanos(leaseUntil.Int64)
	}
	job.RunAfter = fromNanos(runAfter)
	job.CreatedAt = fromNanos(created)
	job.UpdatedAt = fromNanos(updated)
	return job, nil
}

func scanSQLiteRun(row scanner) (models.JobRun, error) {
	var (
		run             models.JobRun
		input           string
		output, errJSON sql.NullString
		started         int64
		finished        sql.NullInt64
	)
	err := row.Scan(&run.ID, &run.JobID, &run.Attempt, &run.Worker, &run.Status, &input, &output, &errJSON, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return models.JobRun{}, models.ErrNotFound
	}
	if err != nil {
		return models.JobRun{}, sqliteErr("scan run", err)
	}
	run.Input = []byte(input)
	if output.Valid {
		run.Output = []byte(output.String)
	}
	if run.Error, err = decodeNullable[models.JobError]([]byte(errJSON.String)); err != nil {
		return models.JobRun{}, err
	}
	run.StartedAt = fromNanos(started)
	if finished.Valid {
		t := fromNanos(finished.Int64)
		run.FinishedAt = &t
	}
	return run, nil
}

func scanSQLiteDeadLetter(row scanner) (models.DeadLetterEntry, error) {
	var (
		e        models.DeadLetterEntry
		lastErr  sql.NullString
		replayed sql.NullInt64
		created  int64
	)
	err := row.Scan(&e.ID, &e.JobID, &e.JobType, &e.Reason, &lastErr, &e.Attempts, &replayed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeadLetterEntry{}, models.ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, sqliteErr("scan dead letter", err)
	}
	if e.LastError, err = decodeNullable[models.JobError]([]byte(lastErr.String)); err != nil {
		return models.DeadLetterEntry{}, err
	}
	if replayed.Valid {
		t := fromNanos(replayed.Int64)
		e.ReplayedAt = &t
	}
	e.CreatedAt = fromNanos(created)
	return e, nil
}

// sqliteErr wraps a statement error. Lock contention surfaces as
// models.ErrStoreUnavailable so callers treat it as transient.
func sqliteErr(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return models.StoreUnavailable(op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func textOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func unixNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nanosOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
