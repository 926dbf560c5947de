package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"studio-job-queue/internal/guard"
	"studio-job-queue/internal/lease"
	"studio-job-queue/internal/models"
	"studio-job-queue/internal/store"
)

var (
	operator = models.Actor{ID: "ops-1", Kind: models.ActorOperator}
	client   = models.Actor{ID: "user-1", Kind: models.ActorClient}
)

type harness struct {
	svc    *Service
	store  store.Store
	leases *lease.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	st := guard.Wrap(store.NewMemory(), logger)
	m, err := lease.New(st, lease.Options{WorkerID: "w-1", LeaseDuration: time.Minute, Logger: logger})
	require.NoError(t, err)
	return &harness{
		svc:    NewService(st, Defaults{MaxAttempts: 5, Priority: 100}, logger),
		store:  st,
		leases: m,
	}
}

func captionRequest(ref string) EnqueueRequest {
	return EnqueueRequest{
		Type:   models.TypeCaption,
		Source: &models.Source{Kind: models.SourceTranscript, Ref: ref},
		Input:  json.RawMessage(`{"transcriptRef":"` + ref + `"}`),
	}
}

// failed drives a fresh job to FAILED with a DLQ entry.
func (h *harness) failed(t *testing.T, ref string) models.Job {
	t.Helper()
	ctx := context.Background()
	req := captionRequest(ref)
	req.MaxAttempts = 1
	job, _, err := h.svc.Enqueue(ctx, req, client)
	require.NoError(t, err)
	c, err := h.leases.Claim(ctx, job.ID)
	require.NoError(t, err)
	job, err = h.leases.Fail(ctx, c, errors.New("render crashed"))
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, job.Status)
	return job
}

func (h *harness) actions(t *testing.T, id string) []models.AuditAction {
	t.Helper()
	entries, err := h.store.ListAudit(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.AuditAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestEnqueue_Defaults(t *testing.T) {
	h := newHarness(t)
	job, existed, err := h.svc.Enqueue(context.Background(), captionRequest("tr-1"), client)
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, models.StatusQueued, job.Status)
	require.Equal(t, "CAPTION_V1:tr-1", job.IdempotencyKey)
	require.Equal(t, "tr-1", job.GroupKey)
	require.Equal(t, 100, job.Priority)
	require.Equal(t, 5, job.MaxAttempts)
	require.Zero(t, job.Attempts)
	require.True(t, job.Lease.IsZero())

	audit, err := h.store.ListAudit(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, models.AuditJobCreated, audit[0].Action)
	require.Equal(t, client, audit[0].Actor)
}

func TestEnqueue_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	req := captionRequest("tr-1")
	req.IdempotencyKey = "client-key"

	first, existed, err := h.svc.Enqueue(ctx, req, client)
	require.NoError(t, err)
	require.False(t, existed)
	second, existed, err := h.svc.Enqueue(ctx, req, client)
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, first.ID, second.ID)

	page, err := h.svc.List(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	require.Equal(t, []models.AuditAction{models.AuditJobCreated}, h.actions(t, first.ID))
}

func TestEnqueue_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	const callers = 12
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, _, err := h.svc.Enqueue(ctx, captionRequest("tr-race"), client)
			if err != nil {
				t.Errorf("enqueue: %v", err)
				return
			}
			ids[i] = job.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
	page, err := h.svc.List(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
}

func TestEnqueue_KeyReleasedAfterFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	failed := h.failed(t, "tr-1")

	req := captionRequest("tr-1")
	req.MaxAttempts = 1
	fresh, existed, err := h.svc.Enqueue(ctx, req, client)
	require.NoError(t, err)
	require.False(t, existed)
	require.NotEqual(t, failed.ID, fresh.ID)
}

func TestEnqueue_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	cases := map[string]EnqueueRequest{
		"missing type":   {Source: &models.Source{Kind: models.SourceCall, Ref: "c"}, Input: json.RawMessage(`{}`)},
		"missing source": {Type: models.TypeCaption, Input: json.RawMessage(`{}`)},
		"bad source":     {Type: models.TypeCaption, Source: &models.Source{Kind: "FAX", Ref: "c"}, Input: json.RawMessage(`{}`)},
		"missing input":  {Type: models.TypeCaption, Source: &models.Source{Kind: models.SourceCall, Ref: "c"}},
		"array input":    {Type: models.TypeCaption, Source: &models.Source{Kind: models.SourceCall, Ref: "c"}, Input: json.RawMessage(`[1]`)},
		"zero attempts":  {Type: models.TypeCaption, Source: &models.Source{Kind: models.SourceCall, Ref: "c"}, Input: json.RawMessage(`{}`), MaxAttempts: -1},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := h.svc.Enqueue(ctx, req, client)
			require.True(t, models.IsValidation(err), "got %v", err)
		})
	}
	page, err := h.svc.List(ctx, store.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, page.Jobs)
}

func TestEnqueue_UnknownTypeAccepted(t *testing.T) {
	h := newHarness(t)
	job, _, err := h.svc.Enqueue(context.Background(), EnqueueRequest{
		Type:   "TRANSLATE_V9",
		Source: &models.Source{Kind: models.SourceManual, Ref: "m-1"},
		Input:  json.RawMessage(`{}`),
	}, client)
	require.NoError(t, err)
	require.Equal(t, models.JobType("TRANSLATE_V9"), job.Type)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, _, err := h.svc.Enqueue(ctx, captionRequest("tr-1"), client)
	require.NoError(t, err)

	cancelled, err := h.svc.Cancel(ctx, job.ID, client)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)

	_, err = h.svc.Cancel(ctx, job.ID, client)
	require.ErrorIs(t, err, models.ErrNotCancellable)
	_, err = h.svc.Cancel(ctx, "missing", client)
	require.ErrorIs(t, err, models.ErrNotFound)

	running, _, err := h.svc.Enqueue(ctx, captionRequest("tr-2"), client)
	require.NoError(t, err)
	_, err = h.leases.Claim(ctx, running.ID)
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, running.ID, client)
	require.ErrorIs(t, err, models.ErrNotCancellable)
}

func TestClientWrite_IllegalTransitionReverted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job, _, err := h.svc.Enqueue(ctx, captionRequest("tr-1"), client)
	require.NoError(t, err)

	succeeded := models.StatusSucceeded
	got, err := h.svc.ClientWrite(ctx, job.ID, JobPatch{Status: &succeeded, Output: json.RawMessage(`{"result":"forged"}`)}, client)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Empty(t, got.Output)
	require.Equal(t, []models.AuditAction{models.AuditJobCreated, models.AuditTransitionReverted}, h.actions(t, job.ID))

	cancelled := models.StatusCancelled
	got, err = h.svc.ClientWrite(ctx, job.ID, JobPatch{Status: &cancelled}, client)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Equal(t, models.AuditJobCancelled, h.actions(t, job.ID)[2])
}

func TestRequestReplay_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.failed(t, "tr-1")

	cmd, created, err := h.svc.RequestReplay(ctx, job.ID, models.ReplayJob, operator, "fixed renderer")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "REPLAY:"+job.ID, cmd.ID)

	again, created, err := h.svc.RequestReplay(ctx, job.ID, models.ReplayJob, operator, "double click")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, cmd, again)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Nil(t, got.LastError)
	require.Equal(t, 1, got.Attempts)

	replays := 0
	for _, a := range h.actions(t, job.ID) {
		if a == models.AuditJobReplayed {
			replays++
		}
	}
	require.Equal(t, 1, replays)

	dlq, err := h.svc.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.NotNil(t, dlq[0].ReplayedAt)
}

func TestRequestReplay_Refused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	queued, _, err := h.svc.Enqueue(ctx, captionRequest("tr-q"), client)
	require.NoError(t, err)
	_, _, err = h.svc.RequestReplay(ctx, queued.ID, models.ReplayJob, operator, "")
	require.ErrorIs(t, err, models.ErrNotReplayable)

	_, _, err = h.svc.RequestReplay(ctx, "missing", models.ReplayJob, operator, "")
	require.ErrorIs(t, err, models.ErrNotFound)

	_, _, err = h.svc.RequestReplay(ctx, queued.ID, "REWIND", operator, "")
	require.True(t, models.IsValidation(err))

	failed := h.failed(t, "tr-f")
	_, _, err = h.svc.Enqueue(ctx, captionRequest("tr-f"), client)
	require.NoError(t, err)
	_, _, err = h.svc.RequestReplay(ctx, failed.ID, models.ReplayDLQ, operator, "")
	require.ErrorIs(t, err, models.ErrNotReplayable)
}

func TestReplayedJobRunsAgainAndDeadLettersOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.failed(t, "tr-1")

	_, _, err := h.svc.RequestReplay(ctx, job.ID, models.ReplayDLQ, operator, "")
	require.NoError(t, err)
	c, err := h.leases.Claim(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, c.Job.Attempts)
	_, err = h.leases.Fail(ctx, c, errors.New("still broken"))
	require.NoError(t, err)

	dlq, err := h.svc.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Nil(t, dlq[0].ReplayedAt)
	require.Equal(t, 2, dlq[0].Attempts)
}

func TestDismiss(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.failed(t, "tr-1")

	_, err := h.svc.Dismiss(ctx, job.ID, "other-job", operator)
	require.True(t, models.IsValidation(err))
	_, err = h.svc.Dismiss(ctx, "", job.ID, operator)
	require.True(t, models.IsValidation(err))

	dismissed, err := h.svc.Dismiss(ctx, job.ID, job.ID, operator)
	require.NoError(t, err)
	require.True(t, dismissed)

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	dlq, err := h.svc.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dlq)

	dismissed, err = h.svc.Dismiss(ctx, job.ID, job.ID, operator)
	require.NoError(t, err)
	require.False(t, dismissed)

	actions := h.actions(t, job.ID)
	require.Equal(t, models.AuditDLQDismissed, actions[len(actions)-1])
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := h.failed(t, "tr-1")

	detail, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, detail.Job.ID)
	require.Len(t, detail.Runs, 1)
	require.NotNil(t, detail.DeadLetter)
	require.Equal(t, []models.AuditAction{
		models.AuditJobCreated, models.AuditJobLeased, models.AuditJobFailed, models.AuditDLQEnqueued,
	}, h.actions(t, job.ID))

	_, err = h.svc.Get(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.List(context.Background(), store.JobFilter{Status: "DONE"})
	require.True(t, models.IsValidation(err))
}
