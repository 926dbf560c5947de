package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"studio-job-queue/internal/models"
	"studio-job-queue/internal/store"
	"studio-job-queue/internal/telemetry"
)

// Defaults fill fields omitted from an enqueue request.
type Defaults struct {
	MaxAttempts int
	Priority    int
}

// Service is the producer and operator API over the job store.
type Service struct {
	store    store.Store
	defaults Defaults
	logger   *logrus.Logger
}

// NewService builds a Service. st should already be wrapped by the transition guard.
func NewService(st store.Store, defaults Defaults, logger *logrus.Logger) *Service {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = 5
	}
	if defaults.Priority == 0 {
		defaults.Priority = 100
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Service{store: st, defaults: defaults, logger: logger}
}

// EnqueueRequest collects inputs required to create a job.
type EnqueueRequest struct {
	Type           models.JobType  `json:"type" validate:"required,max=64"`
	Source         *models.Source  `json:"source" validate:"required"`
	Input          json.RawMessage `json:"input" validate:"required"`
	GroupKey       string          `json:"groupKey" validate:"max=256"`
	IdempotencyKey string          `json:"idempotencyKey" validate:"max=256"`
	Priority       *int            `json:"priority" validate:"omitempty,min=0,max=1000"`
	MaxAttempts    int             `json:"maxAttempts" validate:"omitempty,min=1,max=50"`
	RunAfter       *time.Time      `json:"runAfter"`
}

func (r EnqueueRequest) validate() error {
	if err := models.ValidateStruct(r); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(r.Input))
	if !json.Valid(r.Input) || !strings.HasPrefix(trimmed, "{") {
		return models.NewValidationError("input", "must be a JSON object")
	}
	return nil
}

// Enqueue creates a job, or returns the live job already holding the idempotency key.
// The boolean is true when an existing job was returned.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest, actor models.Actor) (models.Job, bool, error) {
	if err := req.validate(); err != nil {
		return models.Job{}, false, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s:%s", req.Type, req.Source.Ref)
	}

	job, existed, err := s.enqueueTx(ctx, req, key, actor)
	if errors.Is(err, store.ErrDuplicateKey) {
		// A concurrent transaction inserted the key first; the retry finds its job.
		job, existed, err = s.enqueueTx(ctx, req, key, actor)
	}
	if err != nil {
		return models.Job{}, false, err
	}

	fields := logrus.Fields{"job_id": job.ID, "job_type": job.Type, "actor": actor.String()}
	if existed {
		telemetry.DeduplicatedCounter.Inc()
		s.logger.WithFields(fields).Debug("enqueue deduplicated")
	} else {
		telemetry.EnqueueCounter.WithLabelValues(string(job.Type)).Inc()
		s.logger.WithFields(fields).Info("job enqueued")
	}
	return job, existed, nil
}

func (s *Service) enqueueTx(ctx context.Context, req EnqueueRequest, key string, actor models.Actor) (models.Job, bool, error) {
	var (
		job     models.Job
		existed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, ok, err := tx.FindLiveJobByKey(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			job, existed = found, true
			return nil
		}

		now := tx.Now()
		job = models.Job{
			ID:             uuid.NewString(),
			Type:           req.Type,
			Status:         models.StatusQueued,
			IdempotencyKey: key,
			GroupKey:       req.GroupKey,
			Priority:       s.defaults.Priority,
			Source:         *req.Source,
			Input:          req.Input,
			MaxAttempts:    s.defaults.MaxAttempts,
			RunAfter:       now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if job.GroupKey == "" {
			job.GroupKey = req.Source.Ref
		}
		if req.Priority != nil {
			job.Priority = *req.Priority
		}
		if req.MaxAttempts > 0 {
			job.MaxAttempts = req.MaxAttempts
		}
		if req.RunAfter != nil && req.RunAfter.After(now) {
			job.RunAfter = req.RunAfter.UTC()
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, models.AuditEntry{
			Action: models.AuditJobCreated,
			JobID:  job.ID,
			Actor:  actor,
			At:     now,
			Details: map[string]any{
				"type":           string(job.Type),
				"idempotencyKey": key,
				"priority":       job.Priority,
				"maxAttempts":    job.MaxAttempts,
			},
		})
	})
	return job, existed, err
}

// JobDetail is a job with its audit trail, runs and dead-letter entry.
type JobDetail struct {
	Job        models.Job              `json:"job"`
	Audit      []models.AuditEntry     `json:"audit"`
	Runs       []models.JobRun         `json:"runs"`
	DeadLetter *models.DeadLetterEntry `json:"deadLetter,omitempty"`
}

// Get loads a job and its history.
func (s *Service) Get(ctx context.Context, id string) (JobDetail, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	audit, err := s.store.ListAudit(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	runs, err := s.store.ListRuns(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	detail := JobDetail{Job: job, Audit: audit, Runs: runs}
	if job.Status == models.StatusFailed {
		err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			entry, err := tx.GetDeadLetter(ctx, id)
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			detail.DeadLetter = &entry
			return nil
		})
		if err != nil {
			return JobDetail{}, err
		}
	}
	return detail, nil
}

// List returns one page of jobs, newest first.
func (s *Service) List(ctx context.Context, filter store.JobFilter) (store.JobPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return store.JobPage{}, models.NewValidationError("status", "unknown status %q", filter.Status)
	}
	return s.store.ListJobs(ctx, filter)
}

// Cancel moves a QUEUED job to CANCELLED. Running jobs finish their current attempt.
func (s *Service) Cancel(ctx context.Context, id string, actor models.Actor) (models.Job, error) {
	var job models.Job
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if job, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if job.Status != models.StatusQueued {
			return fmt.Errorf("%w: job is %s", models.ErrNotCancellable, job.Status)
		}
		now := tx.Now()
		job.Status = models.StatusCancelled
		job.Touch(now)
		if err := tx.UpdateJob(ctx, job, backend(actor)); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, models.AuditEntry{Action: models.AuditJobCancelled, JobID: id, Actor: actor, At: now})
	})
	if err != nil {
		return models.Job{}, err
	}
	s.logger.WithFields(logrus.Fields{"job_id": id, "actor": actor.String()}).Info("job cancelled")
	return job, nil
}

// JobPatch is a direct client write to a job document. Nil fields are left alone.
type JobPatch struct {
	Status    *models.Status   `json:"status"`
	Progress  *int             `json:"progress"`
	GroupKey  *string          `json:"groupKey"`
	Output    json.RawMessage  `json:"output"`
	LastError *models.JobError `json:"lastError"`
	Attempts  *int             `json:"attempts"`
}

// ClientWrite applies patch as actor without any backend privilege. Illegal
// protected-field changes are dropped by the transition guard; the returned
// job is what the store holds afterwards.
func (s *Service) ClientWrite(ctx context.Context, id string, patch JobPatch, actor models.Actor) (models.Job, error) {
	var persisted models.Job
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		prior, err := tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		next := prior
		if patch.Status != nil {
			next.Status = *patch.Status
		}
		if patch.Progress != nil {
			next.Progress = *patch.Progress
		}
		if patch.GroupKey != nil {
			next.GroupKey = *patch.GroupKey
		}
		if patch.Output != nil {
			next.Output = patch.Output
		}
		if patch.LastError != nil {
			next.LastError = patch.LastError
		}
		if patch.Attempts != nil {
			next.Attempts = *patch.Attempts
		}
		now := tx.Now()
		next.Touch(now)
		if err := tx.UpdateJob(ctx, next, actor); err != nil {
			return err
		}
		if persisted, err = tx.GetJob(ctx, id); err != nil {
			return err
		}
		if prior.Status == models.StatusQueued && persisted.Status == models.StatusCancelled {
			return tx.AppendAudit(ctx, models.AuditEntry{Action: models.AuditJobCancelled, JobID: id, Actor: actor, At: now})
		}
		return nil
	})
	return persisted, err
}

// RequestReplay re-queues a FAILED job. Repeated requests with the same kind
// and job return the existing command and change nothing.
func (s *Service) RequestReplay(ctx context.Context, jobID string, kind models.ReplayKind, actor models.Actor, reason string) (models.ReplayCommand, bool, error) {
	if kind != models.ReplayJob && kind != models.ReplayDLQ {
		return models.ReplayCommand{}, false, models.NewValidationError("kind", "unknown replay kind %q", kind)
	}
	var (
		cmd     models.ReplayCommand
		created bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created = false
		id := models.ReplayCommandID(kind, jobID)
		existing, err := tx.GetCommand(ctx, id)
		if err == nil {
			cmd = existing
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != models.StatusFailed {
			return fmt.Errorf("%w: job is %s", models.ErrNotReplayable, job.Status)
		}
		if holder, ok, err := tx.FindLiveJobByKey(ctx, job.IdempotencyKey); err != nil {
			return err
		} else if ok && holder.ID != job.ID {
			return fmt.Errorf("%w: idempotency key is held by job %s", models.ErrNotReplayable, holder.ID)
		}

		now := tx.Now()
		job.Status = models.StatusQueued
		job.LastError = nil
		job.Lease = models.Lease{}
		job.Progress = 0
		job.RunAfter = now
		job.Touch(now)
		if err := tx.UpdateJob(ctx, job, backend(actor)); err != nil {
			return err
		}

		entry, err := tx.GetDeadLetter(ctx, jobID)
		switch {
		case err == nil:
			entry.ReplayedAt = &now
			if err := tx.PutDeadLetter(ctx, entry); err != nil {
				return err
			}
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		cmd = models.ReplayCommand{
			ID:        id,
			Kind:      kind,
			JobID:     jobID,
			Actor:     actor,
			Reason:    reason,
			Status:    "APPLIED",
			CreatedAt: now,
		}
		if err := tx.InsertCommand(ctx, cmd); err != nil {
			return err
		}
		created = true
		return tx.AppendAudit(ctx, models.AuditEntry{
			Action: models.AuditJobReplayed,
			JobID:  jobID,
			Actor:  actor,
			At:     now,
			Details: map[string]any{
				"commandId": cmd.ID,
				"kind":      string(kind),
				"reason":    reason,
				"attempts":  job.Attempts,
			},
		})
	})
	if err != nil {
		return models.ReplayCommand{}, false, err
	}
	if created {
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "actor": actor.String(), "kind": kind}).Info("job replayed")
	}
	return cmd, created, nil
}

// ListDeadLetters returns the newest DLQ entries.
func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	return s.store.ListDeadLetters(ctx, store.PageSize(limit))
}

// Dismiss deletes a DLQ entry and cancels its job. Dismissing an entry that is
// already gone succeeds and reports false.
func (s *Service) Dismiss(ctx context.Context, dlqID, jobID string, actor models.Actor) (bool, error) {
	if dlqID == "" {
		return false, models.NewValidationError("dlqId", "is required")
	}
	var dismissed bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		dismissed = false
		entry, err := tx.GetDeadLetter(ctx, dlqID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if jobID != "" && entry.JobID != jobID {
			return models.NewValidationError("jobId", "entry %s belongs to job %s", dlqID, entry.JobID)
		}
		if err := tx.DeleteDeadLetter(ctx, dlqID); err != nil {
			return err
		}

		now := tx.Now()
		job, err := tx.GetJob(ctx, entry.JobID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		cancelled := false
		if err == nil && (job.Status == models.StatusFailed || job.Status == models.StatusQueued) {
			job.Status = models.StatusCancelled
			job.Touch(now)
			if err := tx.UpdateJob(ctx, job, backend(actor)); err != nil {
				return err
			}
			cancelled = true
		}
		dismissed = true
		return tx.AppendAudit(ctx, models.AuditEntry{
			Action:  models.AuditDLQDismissed,
			JobID:   entry.JobID,
			Actor:   actor,
			At:      now,
			Details: map[string]any{"dlqId": dlqID, "cancelled": cancelled},
		})
	})
	if err != nil {
		return false, err
	}
	if dismissed {
		s.logger.WithFields(logrus.Fields{"job_id": jobID, "dlq_id": dlqID, "actor": actor.String()}).Info("dlq entry dismissed")
	}
	return dismissed, nil
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// backend maps a requester onto the actor the service writes as. The service
// performs state transitions itself; only ClientWrite writes as the client.
func backend(actor models.Actor) models.Actor {
	if actor.IsBackend() {
		return actor
	}
	return models.Actor{ID: "api:" + actor.ID, Kind: models.ActorSystem}
}
