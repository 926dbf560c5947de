package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"studio-job-queue/internal/lease"
	"studio-job-queue/internal/models"
	"studio-job-queue/internal/telemetry"
)

// Options tunes the scan loop.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
	Logger       *logrus.Logger
}

// Processor drives the worker execution loop: scan candidates, claim, dispatch, finalize.
type Processor struct {
	leases   *lease.Manager
	registry *Registry
	poll     time.Duration
	logger   *logrus.Logger
	tracer   trace.Tracer

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewProcessor(leases *lease.Manager, registry *Registry, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Processor{
		leases:   leases,
		registry: registry,
		poll:     opts.PollInterval,
		logger:   opts.Logger,
		tracer:   otel.Tracer("studio-job-queue/worker"),
		slots:    make(chan struct{}, opts.Concurrency),
	}
}

// Run scans until ctx is cancelled, then waits for in-flight jobs to finish
// their current attempt.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	defer p.Wait()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logStoreError(p.logger.WithField("worker_id", p.leases.WorkerID()), err, "scan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scan cycle and returns how many jobs it started.
// Executions continue in the background; call Wait to block on them.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	candidates, err := p.leases.Candidates(ctx)
	if err != nil {
		return 0, err
	}
	started := 0
	for _, cand := range candidates {
		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return started, ctx.Err()
		}
		claim, err := p.leases.Claim(ctx, cand.ID)
		if err != nil {
			<-p.slots
			if !errors.Is(err, models.ErrClaimConflict) && !errors.Is(err, models.ErrAttemptsExhausted) {
				logStoreError(p.logger.WithFields(logrus.Fields{"job_id": cand.ID, "worker_id": p.leases.WorkerID()}), err, "claim failed")
			}
			continue
		}
		started++
		p.wg.Add(1)
		go p.execute(ctx, claim)
	}
	return started, nil
}

// Wait blocks until every started execution has been finalized.
func (p *Processor) Wait() { p.wg.Wait() }

type result struct {
	output json.RawMessage
	err    error
}

func (p *Processor) execute(parent context.Context, c *lease.Claim) {
	defer p.wg.Done()
	defer func() { <-p.slots }()

	// Shutdown does not preempt a running attempt.
	ctx := context.WithoutCancel(parent)
	ctx, span := p.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", c.Job.ID),
		attribute.String("job.type", string(c.Job.Type)),
		attribute.Int("job.attempt", c.Job.Attempts),
		attribute.String("worker.id", p.leases.WorkerID()),
	))
	defer span.End()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.logger.WithFields(logrus.Fields{
		"job_id":    c.Job.ID,
		"job_type":  c.Job.Type,
		"worker_id": p.leases.WorkerID(),
		"attempt":   c.Job.Attempts,
	})

	progress := ProgressFunc(func(ctx context.Context, stage models.Status, percent int) error {
		return p.leases.Report(ctx, c, stage, percent)
	})

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		out, err := p.registry.Dispatch(ctx, c.Job, progress)
		done <- result{output: out, err: err}
	}()

	overrun := time.NewTimer(p.leases.LeaseDuration())
	defer overrun.Stop()

	var res result
	select {
	case res = <-done:
	case <-overrun.C:
		telemetry.LeaseOverruns.Inc()
		log.Warn("handler still running after lease expired, job may be re-claimed")
		res = <-done
	}

	outcome := p.finalize(ctx, c, res, log)
	telemetry.ExecutionDuration.WithLabelValues(string(c.Job.Type), outcome).Observe(time.Since(start).Seconds())
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	span.SetAttributes(attribute.String("job.outcome", outcome))
}

// finalize hands the result to the lease manager and returns the outcome label.
func (p *Processor) finalize(ctx context.Context, c *lease.Claim, res result, log *logrus.Entry) string {
	if res.err == nil {
		if _, err := p.leases.Succeed(ctx, c, res.output); err != nil {
			return finalizeOutcome(err)
		}
		return "succeeded"
	}

	var execErr *models.ExecutionError
	if errors.As(res.err, &execErr) && execErr.Code == models.CodeHandlerPanic {
		log.WithField("stack", execErr.Stack).Error("handler panicked")
	}
	job, err := p.leases.Fail(ctx, c, res.err)
	if err != nil {
		return finalizeOutcome(err)
	}
	if job.Status == models.StatusFailed {
		return "dead_letter"
	}
	return "retried"
}

func finalizeOutcome(err error) string {
	switch {
	case errors.Is(err, models.ErrLeaseLost):
		return "lease_lost"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "finalize_error"
}

// logStoreError reports transient store failures at warn level; the next poll retries them.
func logStoreError(log *logrus.Entry, err error, msg string) {
	if errors.Is(err, models.ErrStoreUnavailable) {
		log.WithError(err).Warn(msg + ", store unavailable, retrying on next poll")
		return
	}
	log.WithError(err).Error(msg)
}
