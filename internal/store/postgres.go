package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"studio-job-queue/internal/models"
)

// Postgres wraps pgxpool for durable persistence. Claims serialize on SELECT ... FOR UPDATE.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, models.StoreUnavailable("connect postgres", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return models.StoreUnavailable("ping", err)
	}
	return nil
}

func (s *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.StoreUnavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return models.StoreUnavailable("read clock", err)
	}
	if err := fn(ctx, &pgTx{tx: tx, now: now.UTC()}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.StoreUnavailable("commit", err)
	}
	return nil
}

const jobColumns = `id, type, status, progress, idempotency_key, group_key, priority, source, input,
	attempts, max_attempts, leased_by, lease_until, run_id, run_after, output, last_error, created_at, updated_at`

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) (JobPage, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Type != "" {
		where = append(where, "type = "+arg(string(filter.Type)))
	}
	if filter.GroupKey != "" {
		where = append(where, "group_key = "+arg(filter.GroupKey))
	}
	if filter.Cursor != "" {
		c, err := DecodeCursor(filter.Cursor)
		if err != nil {
			return JobPage{}, err
		}
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(c.CreatedAt), arg(c.ID)))
	}
	limit := PageSize(filter.Limit)

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit+1)

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

func (s *Postgres) ListCandidates(ctx context.Context, limit int) ([]models.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (status = $1 AND run_after <= now())
		   OR (status = ANY($2) AND lease_until < now())
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT $3
	`, string(models.StatusQueued), statusStrings(models.RunningStatuses), limit)
}

func (s *Postgres) queryJobs(ctx context.Context, q string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, models.StoreUnavailable("query jobs", err)
	}
	defer rows.Close()
	out := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func (s *Postgres) ListAudit(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, action, job_id, actor, details, ts
		FROM audit_logs WHERE job_id = $1 ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, models.StoreUnavailable("query audit", err)
	}
	defer rows.Close()
	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		var (
			e              models.AuditEntry
			actor, details []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.JobID, &actor, &details, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if err := decodeJSON(actor, &e.Actor); err != nil {
			return nil, err
		}
		if err := decodeJSON(details, &e.Details); err != nil {
			return nil, err
		}
		e.At = e.At.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) ListRuns(ctx context.Context, jobID string) ([]models.JobRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM job_runs WHERE job_id = $1 ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, models.StoreUnavailable("query runs", err)
	}
	defer rows.Close()
	out := make([]models.JobRun, 0)
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dlqColumns+` FROM dead_letters ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, models.StoreUnavailable("query dead letters", err)
	}
	defer rows.Close()
	out := make([]models.DeadLetterEntry, 0)
	for rows.Next() {
		e, err := scanPgDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx  pgx.Tx
	now time.Time
}

func (t *pgTx) Now() time.Time { return t.now }

// GetJob locks the row for the rest of the transaction.
func (t *pgTx) GetJob(ctx context.Context, id string) (models.Job, error) {
	return scanPgJob(t.tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

// FindLiveJobByKey takes a transaction-scoped advisory lock on the key so concurrent
// enqueues with the same key serialize before either inserts.
func (t *pgTx) FindLiveJobByKey(ctx context.Context, key string) (models.Job, bool, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return models.Job{}, false, models.StoreUnavailable("lock idempotency key", err)
	}
	job, err := scanPgJob(t.tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE idempotency_key = $1 AND status = ANY($2)
		LIMIT 1
	`, key, statusStrings(models.LiveStatuses)))
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

func (t *pgTx) InsertJob(ctx context.Context, job models.Job) error {
	args, err := pgJobArgs(job)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, args...)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateJob(ctx context.Context, job models.Job, _ models.Actor) error {
	args, err := pgJobArgs(job)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE jobs
		SET type = $2, status = $3, progress = $4, idempotency_key = $5, group_key = $6, priority = $7,
		    source = $8, input = $9, attempts = $10, max_attempts = $11, leased_by = $12, lease_until = $13,
		    run_id = $14, run_after = $15, output = $16, last_error = $17, created_at = $18, updated_at = $19
		WHERE id = $1
	`, args...)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

const runColumns = `id, job_id, attempt, worker, status, input, output, error, started_at, finished_at`

func (t *pgTx) InsertRun(ctx context.Context, run models.JobRun) error {
	errJSON, err := nullableJSON(run.Error)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO job_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, run.ID, run.JobID, run.Attempt, run.Worker, string(run.Status), []byte(run.Input), rawOrNull(run.Output), errJSON, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (t *pgTx) GetRun(ctx context.Context, id string) (models.JobRun, error) {
	return scanPgRun(t.tx.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateRun(ctx context.Context, run models.JobRun) error {
	errJSON, err := nullableJSON(run.Error)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE job_runs SET status = $2, output = $3, error = $4, finished_at = $5 WHERE id = $1
	`, run.ID, string(run.Status), rawOrNull(run.Output), errJSON, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

const dlqColumns = `id, job_id, job_type, reason, last_error, attempts, replayed_at, created_at`

func (t *pgTx) PutDeadLetter(ctx context.Context, e models.DeadLetterEntry) error {
	lastErr, err := nullableJSON(e.LastError)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO dead_letters (`+dlqColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET job_type = EXCLUDED.job_type, reason = EXCLUDED.reason, last_error = EXCLUDED.last_error,
		    attempts = EXCLUDED.attempts, replayed_at = EXCLUDED.replayed_at, created_at = EXCLUDED.created_at
	`, e.ID, e.JobID, string(e.JobType), e.Reason, lastErr, e.Attempts, e.ReplayedAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

func (t *pgTx) GetDeadLetter(ctx context.Context, id string) (models.DeadLetterEntry, error) {
	return scanPgDeadLetter(t.tx.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dead_letters WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) DeleteDeadLetter(ctx context.Context, id string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (t *pgTx) GetCommand(ctx context.Context, id string) (models.ReplayCommand, error) {
	var (
		cmd   models.ReplayCommand
		actor []byte
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, kind, job_id, actor, reason, status, created_at FROM job_commands WHERE id = $1
	`, id).Scan(&cmd.ID, &cmd.Kind, &cmd.JobID, &actor, &cmd.Reason, &cmd.Status, &cmd.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReplayCommand{}, models.ErrNotFound
	}
	if err != nil {
		return models.ReplayCommand{}, fmt.Errorf("scan command: %w", err)
	}
	cmd.CreatedAt = cmd.CreatedAt.UTC()
	return cmd, decodeJSON(actor, &cmd.Actor)
}

func (t *pgTx) InsertCommand(ctx context.Context, cmd models.ReplayCommand) error {
	actor, err := encodeJSON(cmd.Actor)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO job_commands (id, kind, job_id, actor, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cmd.ID, string(cmd.Kind), cmd.JobID, actor, cmd.Reason, cmd.Status, cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e models.AuditEntry) error {
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
	_, err = t.tx.Exec(ctx, `
		INSERT INTO audit_logs (audit_id, action, job_id, actor, details, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, string(e.Action), e.JobID, actor, details, e.At)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func pgJobArgs(job models.Job) ([]any, error) {
	source, err := encodeJSON(job.Source)
	if err != nil {
		return nil, err
	}
	lastErr, err := nullableJSON(job.LastError)
	if err != nil {
		return nil, err
	}
	input := []byte(job.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}
	return []any{
		job.ID, string(job.Type), string(job.Status), job.Progress, job.IdempotencyKey, job.GroupKey, job.Priority,
		source, input, job.Attempts, job.MaxAttempts,
		nullString(job.Lease.LeasedBy), nullTime(job.Lease.LeaseUntil), nullString(job.Lease.RunID),
		job.RunAfter, rawOrNull(job.Output), lastErr, job.CreatedAt, job.UpdatedAt,
	}, nil
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var (
		job                           models.Job
		source, input, output, lastEr []byte
		leasedBy, runID               pgtype.Text
		leaseUntil                    pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Progress, &job.IdempotencyKey, &job.GroupKey, &job.Priority,
		&source, &input, &job.Attempts, &job.MaxAttempts, &leasedBy, &leaseUntil, &runID,
		&job.RunAfter, &output, &lastEr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := decodeJSON(source, &job.Source); err != nil {
		return models.Job{}, err
	}
	job.Input = input
	if len(output) > 0 {
		job.Output = output
	}
	if job.LastError, err = decodeNullable[models.JobError](lastEr); err != nil {
		return models.Job{}, err
	}
	job.Lease = models.Lease{LeasedBy: leasedBy.String, RunID: runID.String}
	if leaseUntil.Valid {
		job.Lease.LeaseUntil = leaseUntil.Time.UTC()
	}
	job.RunAfter = job.RunAfter.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func scanPgRun(row pgx.Row) (models.JobRun, error) {
	var (
		run                  models.JobRun
		input, output, runEr []byte
		finished             pgtype.Timestamptz
	)
	err := row.Scan(&run.ID, &run.JobID, &run.Attempt, &run.Worker, &run.Status, &input, &output, &runEr, &run.StartedAt, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, models.ErrNotFound
	}
	if err != nil {
		return models.JobRun{}, fmt.Errorf("scan run: %w", err)
	}
	run.Input = input
	if len(output) > 0 {
		run.Output = output
	}
	if run.Error, err = decodeNullable[models.JobError](runEr); err != nil {
		return models.JobRun{}, err
	}
	run.StartedAt = run.StartedAt.UTC()
	if finished.Valid {
		t := finished.Time.UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

func scanPgDeadLetter(row pgx.Row) (models.DeadLetterEntry, error) {
	var (
		e        models.DeadLetterEntry
		lastErr  []byte
		replayed pgtype.Timestamptz
	)
	err := row.Scan(&e.ID, &e.JobID, &e.JobType, &e.Reason, &lastErr, &e.Attempts, &replayed, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DeadLetterEntry{}, models.ErrNotFound
	}
	if err != nil {
		return models.DeadLetterEntry{}, fmt.Errorf("scan dead letter: %w", err)
	}
	if e.LastError, err = decodeNullable[models.JobError](lastErr); err != nil {
		return models.DeadLetterEntry{}, err
	}
	if replayed.Valid {
		t := replayed.Time.UTC()
		e.ReplayedAt = &t
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
