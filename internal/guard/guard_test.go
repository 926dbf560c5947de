package guard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"studio-job-queue/internal/models"
	"studio-job-queue/internal/store"
)

var (
	worker = models.Actor{ID: "w-1", Kind: models.ActorWorker}
	client = models.Actor{ID: "u-1", Kind: models.ActorClient}
	now    = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func queued() models.Job {
	return models.Job{
		ID:             "job-1",
		Type:           models.TypeCaption,
		Status:         models.StatusQueued,
		IdempotencyKey: "k",
		Input:          json.RawMessage(`{"transcriptRef":"t"}`),
		MaxAttempts:    3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func running(prior models.Job, until time.Time) models.Job {
	next := prior
	next.Status = models.StatusRunning
	next.Attempts = prior.Attempts + 1
	next.Lease = models.Lease{LeasedBy: "w-1", LeaseUntil: until, RunID: "run-1"}
	return next
}

func TestCheck(t *testing.T) {
	q := queued()
	r := running(q, now.Add(time.Minute))
	expired := running(q, now.Add(-time.Second))

	succeeded := r
	succeeded.Status = models.StatusSucceeded
	succeeded.Lease = models.Lease{}
	succeeded.Output = json.RawMessage(`{"result":"ok"}`)

	retried := r
	retried.Status = models.StatusQueued
	retried.Lease = models.Lease{}
	retried.LastError = &models.JobError{Message: "boom", At: now}

	failed := retried
	failed.Status = models.StatusFailed

	replayed := failed
	replayed.Status = models.StatusQueued
	replayed.LastError = nil

	cancelled := q
	cancelled.Status = models.StatusCancelled

	progress := r
	progress.Status = models.StatusRendering
	progress.Progress = 60

	reclaim := running(expired, now.Add(time.Minute))
	reclaim.Lease.RunID = "run-2"

	stolen := r
	stolen.Lease = models.Lease{LeasedBy: "w-2", LeaseUntil: now.Add(time.Hour), RunID: "run-9"}

	doubleBump := running(q, now.Add(time.Minute))
	doubleBump.Attempts = 2

	pastLease := running(q, now.Add(-time.Minute))

	successKeepsLease := succeeded
	successKeepsLease.Lease = r.Lease

	retryWithOutput := retried
	retryWithOutput.Output = json.RawMessage(`{"x":1}`)

	groupOnly := q
	groupOnly.GroupKey = "renamed"

	queuedToSucceeded := q
	queuedToSucceeded.Status = models.StatusSucceeded

	cases := []struct {
		name  string
		prior models.Job
		next  models.Job
		actor models.Actor
		ok    bool
	}{
		{"claim", q, r, worker, true},
		{"claim must bump attempts once", q, doubleBump, worker, false},
		{"claim lease must be in the future", q, pastLease, worker, false},
		{"progress", r, progress, worker, true},
		{"reclaim expired lease", expired, reclaim, worker, true},
		{"steal live lease", r, stolen, worker, false},
		{"success", r, succeeded, worker, true},
		{"success must clear lease", r, successKeepsLease, worker, false},
		{"retry", r, retried, worker, true},
		{"retry may not set output", r, retryWithOutput, worker, false},
		{"terminal failure", r, failed, worker, true},
		{"replay", failed, replayed, models.SystemActor, true},
		{"cancel queued by system", q, cancelled, models.SystemActor, true},
		{"queued straight to succeeded", q, queuedToSucceeded, worker, false},
		{"client cancels queued job", q, cancelled, client, true},
		{"client marks succeeded", q, queuedToSucceeded, client, false},
		{"client claims", q, r, client, false},
		{"client edits unprotected field", q, groupOnly, client, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Check(tc.prior, tc.next, tc.actor, now)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, models.ErrIllegalTransition)
		})
	}
}

func newGuarded(t *testing.T) (*Store, *store.Memory, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	mem := store.NewMemory(store.WithClock(func() time.Time { return now }))
	require.NoError(t, mem.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertJob(ctx, queued())
	}))
	return Wrap(mem, logger), mem, hook
}

func TestStore_RevertsIllegalWrite(t *testing.T) {
	ctx := context.Background()
	g, _, hook := newGuarded(t)

	err := g.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := tx.GetJob(ctx, "job-1")
		if err != nil {
			return err
		}
		job.Status = models.StatusSucceeded
		job.Output = json.RawMessage(`{"forged":true}`)
		return tx.UpdateJob(ctx, job, client)
	})
	require.NoError(t, err)

	job, err := g.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, job.Status)
	require.Empty(t, job.Output)

	audit, err := g.ListAudit(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, models.AuditTransitionReverted, audit[0].Action)
	require.Equal(t, client, audit[0].Actor)
	require.Equal(t, "SUCCEEDED", audit[0].Details["to"])

	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	require.Equal(t, "job-1", hook.LastEntry().Data["job_id"])
}

func TestStore_AllowsClientCancel(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newGuarded(t)

	require.NoError(t, g.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		job, err := tx.GetJob(ctx, "job-1")
		if err != nil {
			return err
		}
		job.Status = models.StatusCancelled
		return tx.UpdateJob(ctx, job, client)
	}))

	job, err := g.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, job.Status)
	audit, err := g.ListAudit(ctx, "job-1")
	require.NoError(t, err)
	require.Empty(t, audit)
}

func TestStore_MissingJob(t *testing.T) {
	g, _, _ := newGuarded(t)
	err := g.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateJob(ctx, models.Job{ID: "missing", Status: models.StatusCancelled}, client)
	})
	require.True(t, errors.Is(err, models.ErrNotFound))
}
