// Package lease implements the claim protocol and the finalizer that resolves
// a claimed job to success, retry or the dead-letter queue.
//
// Every write happens inside a single store transaction that re-reads the job
// first, so concurrent managers need no coordination beyond the store.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"studio-job-queue/internal/models"
	"studio-job-queue/internal/store"
	"studio-job-queue/internal/telemetry"
)

// Options configures a Manager.
type Options struct {
	WorkerID      string
	LeaseDuration time.Duration
	BatchSize     int
	Backoff       Backoff
	Logger        *logrus.Logger
}

// Manager claims and finalizes jobs on behalf of one worker identity.
type Manager struct {
	store    store.Store
	worker   models.Actor
	leaseFor time.Duration
	batch    int
	backoff  Backoff
	logger   *logrus.Logger
}

// New builds a Manager. WorkerID must be unique per process.
func New(st store.Store, opts Options) (*Manager, error) {
	if opts.WorkerID == "" {
		return nil, errors.New("lease: worker id is required")
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 5 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Manager{
		store:    st,
		worker:   models.Actor{ID: opts.WorkerID, Kind: models.ActorWorker},
		leaseFor: opts.LeaseDuration,
		batch:    opts.BatchSize,
		backoff:  opts.Backoff,
		logger:   opts.Logger,
	}, nil
}

// WorkerID is the identity written to lease.leasedBy.
func (m *Manager) WorkerID() string { return m.worker.ID }

// LeaseDuration is how long a claim is held before it may be re-claimed.
func (m *Manager) LeaseDuration() time.Duration { return m.leaseFor }

// Claim is a held lease together with its run record.
type Claim struct {
	Job models.Job
	Run models.JobRun
}

// Candidates lists claimable jobs in claim order. The list may be stale; Claim re-checks.
func (m *Manager) Candidates(ctx context.Context) ([]models.Job, error) {
	return m.store.ListCandidates(ctx, m.batch)
}

// Claim atomically leases jobID to this worker.
//
// It returns models.ErrClaimConflict when the job is no longer claimable and
// models.ErrAttemptsExhausted when an expired job had no attempts left; in that
// case the job has been moved to FAILED with a dead-letter entry.
func (m *Manager) Claim(ctx context.Context, jobID string) (*Claim, error) {
	var (
		claim     *Claim
		exhausted bool
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		claim, exhausted = nil, false
		job, err := tx.GetJob(ctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrClaimConflict
		}
		if err != nil {
			return err
		}
		now := tx.Now()
		if !store.Claimable(job, now) {
			return models.ErrClaimConflict
		}

		reclaimed := job.Status.IsRunning()
		if reclaimed {
			if err := m.expireRun(ctx, tx, job, now); err != nil {
				return err
			}
			if job.Attempts >= job.MaxAttempts {
				exhausted = true
				return m.exhaust(ctx, tx, job, now)
			}
		}

		prevHolder := job.Lease.LeasedBy
		run := models.JobRun{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Attempt:   job.Attempts + 1,
			Worker:    m.worker.ID,
			Status:    models.RunRunning,
			Input:     job.Input,
			StartedAt: now,
		}
		job.Status = models.StatusRunning
		job.Progress = 0
		job.Attempts++
		job.Lease = models.Lease{LeasedBy: m.worker.ID, LeaseUntil: now.Add(m.leaseFor), RunID: run.ID}
		job.Touch(now)
		if err := tx.UpdateJob(ctx, job, m.worker); err != nil {
			return err
		}
		if err := tx.InsertRun(ctx, run); err != nil {
			return err
		}
		details := map[string]any{
			"attempt":    job.Attempts,
			"runId":      run.ID,
			"leaseUntil": job.Lease.LeaseUntil.Format(time.RFC3339Nano),
		}
		if reclaimed {
			details["reclaimedFrom"] = prevHolder
		}
		if err := tx.AppendAudit(ctx, models.AuditEntry{
			Action:  models.AuditJobLeased,
			JobID:   job.ID,
			Actor:   m.worker,
			At:      now,
			Details: details,
		}); err != nil {
			return err
		}
		claim = &Claim{Job: job, Run: run}
		return nil
	})
	if errors.Is(err, models.ErrClaimConflict) {
		telemetry.ClaimConflicts.Inc()
		m.logger.WithFields(logrus.Fields{"job_id": jobID, "worker_id": m.worker.ID}).Debug("claim conflict")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}
	if exhausted {
		telemetry.WorkerDeadLetter.Inc()
		m.logger.WithFields(logrus.Fields{"job_id": jobID, "worker_id": m.worker.ID}).Warn("expired lease with no attempts left moved to dlq")
		return nil, models.ErrAttemptsExhausted
	}
	telemetry.ClaimCounter.Inc()
	m.logger.WithFields(logrus.Fields{
		"job_id":    claim.Job.ID,
		"job_type":  claim.Job.Type,
		"worker_id": m.worker.ID,
		"attempt":   claim.Job.Attempts,
	}).Info("job leased")
	return claim, nil
}

// expireRun closes the run left open by a worker whose lease ran out.
func (m *Manager) expireRun(ctx context.Context, tx store.Tx, job models.Job, now time.Time) error {
	if job.Lease.RunID == "" {
		return nil
	}
	run, err := tx.GetRun(ctx, job.Lease.RunID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Finished() {
		return nil
	}
	run.Status = models.RunFailed
	run.Error = &models.JobError{Message: "lease expired before the run finished", Code: models.CodeLeaseExpired, At: now}
	run.FinishedAt = &now
	return tx.UpdateRun(ctx, run)
}

// exhaust resolves an expired job with no attempts left straight to FAILED.
func (m *Manager) exhaust(ctx context.Context, tx store.Tx, job models.Job, now time.Time) error {
	job.LastError = &models.JobError{
		Message: fmt.Sprintf("lease held by %s expired after final attempt", job.Lease.LeasedBy),
		Code:    models.CodeLeaseExpired,
		At:      now,
	}
	job.Status = models.StatusFailed
	job.Lease = models.Lease{}
	job.Touch(now)
	if err := tx.UpdateJob(ctx, job, models.SystemActor); err != nil {
		return err
	}
	return m.deadLetter(ctx, tx, job, models.SystemActor, now)
}

// Report records a handler progress update. It fails with models.ErrLeaseLost once
// this worker no longer holds the lease.
func (m *Manager) Report(ctx context.Context, c *Claim, stage models.Status, percent int) error {
	if !stage.IsRunning() {
		return models.NewValidationError("status", "%s is not a running stage", stage)
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := m.owned(ctx, tx, c)
		if err != nil {
			return err
		}
		job.Status = stage
		job.Progress = percent
		job.Touch(tx.Now())
		return tx.UpdateJob(ctx, job, m.worker)
	})
}

// Succeed finalizes a claim with output.
func (m *Manager) Succeed(ctx context.Context, c *Claim, output json.RawMessage) (models.Job, error) {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	var done models.Job
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := m.owned(ctx, tx, c)
		if err != nil {
			return err
		}
		now := tx.Now()
		job.Status = models.StatusSucceeded
		job.Progress = 100
		job.Output = output
		job.Lease = models.Lease{}
		job.LastError = nil
		job.Touch(now)
		if err := tx.UpdateJob(ctx, job, m.worker); err != nil {
			return err
		}
		if err := m.closeRun(ctx, tx, c.Run.ID, models.RunSucceeded, output, nil, now); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, models.AuditEntry{
			Action:  models.AuditJobSucceeded,
			JobID:   job.ID,
			Actor:   m.worker,
			At:      now,
			Details: map[string]any{"attempt": job.Attempts, "runId": c.Run.ID},
		}); err != nil {
			return err
		}
		done = job
		return nil
	})
	if err != nil {
		return models.Job{}, m.finalizeErr(c, err)
	}
	telemetry.WorkerSuccess.Inc()
	m.logger.WithFields(logrus.Fields{"job_id": done.ID, "job_type": done.Type, "worker_id": m.worker.ID, "attempt": done.Attempts}).Info("job succeeded")
	return done, nil
}

// Fail finalizes a claim with a handler error: back to QUEUED while attempts
// remain, otherwise FAILED with exactly one dead-letter entry.
func (m *Manager) Fail(ctx context.Context, c *Claim, cause error) (models.Job, error) {
	var (
		done     models.Job
		terminal bool
	)
	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := m.owned(ctx, tx, c)
		if err != nil {
			return err
		}
		now := tx.Now()
		jobErr := toJobError(cause, now)
		terminal = job.Attempts >= job.MaxAttempts

		job.Lease = models.Lease{}
		job.LastError = jobErr
		job.Touch(now)
		if terminal {
			job.Status = models.StatusFailed
		} else {
			job.Status = models.StatusQueued
			job.Progress = 0
			job.RunAfter = now.Add(m.backoff.Delay(job.Attempts))
		}
		if err := tx.UpdateJob(ctx, job, m.worker); err != nil {
			return err
		}
		if err := m.closeRun(ctx, tx, c.Run.ID, models.RunFailed, nil, jobErr, now); err != nil {
			return err
		}
		if terminal {
			if err := m.deadLetter(ctx, tx, job, m.worker, now); err != nil {
				return err
			}
		} else {
			if err := tx.AppendAudit(ctx, models.AuditEntry{
				Action: models.AuditJobFailed,
				JobID:  job.ID,
				Actor:  m.worker,
				At:     now,
				Details: map[string]any{
					"attempt":  job.Attempts,
					"error":    jobErr.Message,
					"code":     jobErr.Code,
					"retry":    true,
					"runAfter": job.RunAfter.Format(time.RFC3339Nano),
				},
			}); err != nil {
				return err
			}
		}
		done = job
		return nil
	})
	if err != nil {
		return models.Job{}, m.finalizeErr(c, err)
	}
	fields := logrus.Fields{"job_id": done.ID, "job_type": done.Type, "worker_id": m.worker.ID, "attempt": done.Attempts, "status": done.Status}
	if terminal {
		telemetry.WorkerDeadLetter.Inc()
		m.logger.WithFields(fields).WithError(cause).Warn("job failed permanently, moved to dlq")
	} else {
		telemetry.WorkerRetries.Inc()
		m.logger.WithFields(fields).WithError(cause).Warn("job failed, retry scheduled")
	}
	return done, nil
}

// deadLetter writes the terminal JOB_FAILED audit, the DLQ entry and DLQ_ENQUEUED.
// The entry id is the job id, so a job never has more than one entry.
func (m *Manager) deadLetter(ctx context.Context, tx store.Tx, job models.Job, actor models.Actor, now time.Time) error {
	reason := "max attempts exhausted"
	if job.LastError != nil && job.LastError.Code == models.CodeLeaseExpired {
		reason = "lease expired on final attempt"
	}
	if err := tx.AppendAudit(ctx, models.AuditEntry{
		Action: models.AuditJobFailed,
		JobID:  job.ID,
		Actor:  actor,
		At:     now,
		Details: map[string]any{
			"attempt": job.Attempts,
			"error":   job.LastError.Message,
			"code":    job.LastError.Code,
			"retry":   false,
		},
	}); err != nil {
		return err
	}
	entry := models.DeadLetterEntry{
		ID:        job.ID,
		JobID:     job.ID,
		JobType:   job.Type,
		Reason:    reason,
		LastError: job.LastError,
		Attempts:  job.Attempts,
		CreatedAt: now,
	}
	if err := tx.PutDeadLetter(ctx, entry); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, models.AuditEntry{
		Action:  models.AuditDLQEnqueued,
		JobID:   job.ID,
		Actor:   actor,
		At:      now,
		Details: map[string]any{"dlqId": entry.ID, "reason": reason},
	})
}

func (m *Manager) closeRun(ctx context.Context, tx store.Tx, runID string, status models.RunStatus, output json.RawMessage, jobErr *models.JobError, now time.Time) error {
	run, err := tx.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	run.Status = status
	run.Output = output
	run.Error = jobErr
	run.FinishedAt = &now
	return tx.UpdateRun(ctx, run)
}

// owned re-reads the job and verifies this claim still holds its lease.
func (m *Manager) owned(ctx context.Context, tx store.Tx, c *Claim) (models.Job, error) {
	job, err := tx.GetJob(ctx, c.Job.ID)
	if err != nil {
		return models.Job{}, err
	}
	if !job.Status.IsRunning() || job.Lease.LeasedBy != m.worker.ID || job.Lease.RunID != c.Run.ID {
		return models.Job{}, models.ErrLeaseLost
	}
	return job, nil
}

func (m *Manager) finalizeErr(c *Claim, err error) error {
	if errors.Is(err, models.ErrLeaseLost) {
		telemetry.LeaseLost.Inc()
		m.logger.WithFields(logrus.Fields{"job_id": c.Job.ID, "worker_id": m.worker.ID, "run_id": c.Run.ID}).Warn("lease lost before finalize, result discarded")
		return err
	}
	fields := logrus.Fields{"job_id": c.Job.ID, "worker_id": m.worker.ID, "run_id": c.Run.ID}
	if errors.Is(err, models.ErrStoreUnavailable) {
		m.logger.WithFields(fields).WithError(err).Warn("finalize failed, store unavailable, job is re-claimed after its lease expires")
		return fmt.Errorf("finalize %s: %w", c.Job.ID, err)
	}
	m.logger.WithFields(fields).WithError(err).Error("finalize failed")
	return fmt.Errorf("finalize %s: %w", c.Job.ID, err)
}

func toJobError(err error, now time.Time) *models.JobError {
	je := &models.JobError{Message: "unknown error", Code: models.CodeExecutionFailure, At: now}
	if err == nil {
		return je
	}
	je.Message = err.Error()
	var execErr *models.ExecutionError
	if errors.As(err, &execErr) {
		if execErr.Code != "" {
			je.Code = execErr.Code
		}
		je.Stack = execErr.Stack
	}
	return je
}
