package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"studio-job-queue/internal/guard"
	"studio-job-queue/internal/lease"
	"studio-job-queue/internal/models"
	"studio-job-queue/internal/queue"
	"studio-job-queue/internal/store"
)

var apiClient = models.Actor{ID: "user-1", Kind: models.ActorClient}

type rig struct {
	store     store.Store
	svc       *queue.Service
	registry  *Registry
	processor *Processor
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	st := guard.Wrap(store.NewMemory(), logger)
	leases, err := lease.New(st, lease.Options{WorkerID: "worker-a", LeaseDuration: time.Minute, Logger: logger})
	require.NoError(t, err)
	reg := NewRegistry()
	return &rig{
		store:     st,
		svc:       queue.NewService(st, queue.Defaults{MaxAttempts: 5, Priority: 100}, logger),
		registry:  reg,
		processor: NewProcessor(leases, reg, Options{Concurrency: 2, Logger: logger}),
	}
}

func (r *rig) enqueue(t *testing.T, ref string, maxAttempts int) models.Job {
	t.Helper()
	job, existed, err := r.svc.Enqueue(context.Background(), queue.EnqueueRequest{
		Type:        models.TypeCaption,
		Source:      &models.Source{Kind: models.SourceTranscript, Ref: ref},
		Input:       json.RawMessage(`{"transcriptRef":"` + ref + `"}`),
		MaxAttempts: maxAttempts,
	}, apiClient)
	require.NoError(t, err)
	require.False(t, existed)
	return job
}

// scan runs one cycle and waits for its executions to finalize.
func (r *rig) scan(t *testing.T) int {
	t.Helper()
	n, err := r.processor.RunOnce(context.Background())
	require.NoError(t, err)
	r.processor.Wait()
	return n
}

func (r *rig) actions(t *testing.T, id string) []models.AuditAction {
	t.Helper()
	entries, err := r.store.ListAudit(context.Background(), id)
	require.NoError(t, err)
	out := make([]models.AuditAction, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestProcessor_FailingHandlerRoutesToDLQ(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.registry.Register(models.TypeCaption, HandlerFunc(func(context.Context, Task) (json.RawMessage, error) {
		return nil, errors.New("transcription backend exploded")
	})))
	job := r.enqueue(t, "call-1", 1)

	require.Equal(t, 1, r.scan(t))

	got, err := r.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.True(t, got.Lease.IsZero())
	require.NotNil(t, got.LastError)
	require.Equal(t, models.CodeExecutionFailure, got.LastError.Code)

	dlq, err := r.store.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	require.Equal(t, job.ID, dlq[0].JobID)

	require.Equal(t, []models.AuditAction{
		models.AuditJobCreated,
		models.AuditJobLeased,
		models.AuditJobFailed,
		models.AuditDLQEnqueued,
	}, r.actions(t, job.ID))

	// FAILED jobs are not candidates.
	require.Equal(t, 0, r.scan(t))
}

func TestProcessor_SuccessfulHandler(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.registry.Register(models.TypeCaption, HandlerFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		if err := task.Progress.Report(ctx, models.StatusRendering, 60); err != nil {
			return nil, err
		}
		return json.RawMessage(`{"result":"ok"}`), nil
	})))
	job := r.enqueue(t, "call-2", 3)

	require.Equal(t, 1, r.scan(t))

	got, err := r.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, got.Status)
	require.JSONEq(t, `{"result":"ok"}`, string(got.Output))
	require.True(t, got.Lease.IsZero())
	leaseJSON, err := json.Marshal(got.Lease)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(leaseJSON))
	require.Nil(t, got.LastError)
	require.Equal(t, 100, got.Progress)

	runs, err := r.store.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, models.RunSucceeded, runs[0].Status)
}

func TestProcessor_RetryThenSucceed(t *testing.T) {
	r := newRig(t)
	var calls atomic.Int32
	require.NoError(t, r.registry.Register(models.TypeCaption, HandlerFunc(func(context.Context, Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return json.RawMessage(`{"attempt":2}`), nil
	})))
	job := r.enqueue(t, "call-3", 3)

	r.scan(t)
	got, err := r.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, got.Status)
	require.Equal(t, 1, got.Attempts)

	r.scan(t)
	got, err = r.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.Equal(t, int32(2), calls.Load())
}

func TestProcessor_UnknownTypeAndPanicAreIsolated(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.registry.Register(models.TypeCaption, HandlerFunc(func(context.Context, Task) (json.RawMessage, error) {
		panic("nil transcript")
	})))
	panicky := r.enqueue(t, "call-4", 1)
	unknown, _, err := r.svc.Enqueue(context.Background(), queue.EnqueueRequest{
		Type:        "HOLOGRAM_V9",
		Source:      &models.Source{Kind: models.SourceManual, Ref: "m-1"},
		Input:       json.RawMessage(`{}`),
		MaxAttempts: 1,
	}, apiClient)
	require.NoError(t, err)

	require.Equal(t, 2, r.scan(t))

	for id, code := range map[string]string{panicky.ID: models.CodeHandlerPanic, unknown.ID: models.CodeUnknownType} {
		got, err := r.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.StatusFailed, got.Status)
		require.Equal(t, code, got.LastError.Code)
	}
}

func TestProcessor_RunStopsOnCancel(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	require.NoError(t, r.registry.Register(models.TypeCaption, HandlerFunc(func(context.Context, Task) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})))
	job := r.enqueue(t, "call-5", 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.processor.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := r.store.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == models.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	close(release)
	require.ErrorIs(t, <-errCh, context.Canceled)

	// The in-flight attempt finishes after shutdown.
	got, err := r.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusSucceeded, got.Status)
}

func TestLogStoreError_WarnsOnTransientFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	entry := logrus.NewEntry(logger)

	logStoreError(entry, models.StoreUnavailable("claim", errors.New("database is locked")), "claim failed")
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	logStoreError(entry, errors.New("scan job: bad column"), "claim failed")
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	require.Equal(t, "store_unavailable", finalizeOutcome(models.StoreUnavailable("commit", errors.New("locked"))))
	require.Equal(t, "lease_lost", finalizeOutcome(models.ErrLeaseLost))
	require.Equal(t, "finalize_error", finalizeOutcome(errors.New("boom")))
}
