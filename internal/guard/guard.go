// Package guard enforces the legal job state machine on every job write.
//
// Wrap decorates a store.Store. Writes that change a protected field
// (status, output, lastError, lease, attempts) without following a legal
// transition for the writing actor are dropped: the stored document keeps
// its prior values and an ILLEGAL_TRANSITION_REVERTED audit entry is
// appended in the same transaction. The writer is not told.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"studio-job-queue/internal/models"
	"studio-job-queue/internal/store"
	"studio-job-queue/internal/telemetry"
)

// Check reports whether prior → next is a legal write for actor at now.
// It returns an error wrapping models.ErrIllegalTransition otherwise.
func Check(prior, next models.Job, actor models.Actor, now time.Time) error {
	if !protectedChanged(prior, next) {
		return nil
	}
	if !next.Status.Valid() {
		return illegal(prior, next, "unknown status")
	}
	if !actor.IsBackend() {
		if prior.Status == models.StatusQueued && next.Status == models.StatusCancelled && sameExceptStatus(prior, next) {
			return nil
		}
		return illegal(prior, next, "client actors may only cancel queued jobs")
	}
	if reason := backendRule(prior, next, now); reason != "" {
		return illegal(prior, next, reason)
	}
	return nil
}

// backendRule returns an empty string when the transition is legal for a backend actor.
func backendRule(prior, next models.Job, now time.Time) string {
	from, to := prior.Status, next.Status
	switch {
	case from == models.StatusQueued && to.IsRunning():
		return claimRule(prior, next, now)

	case from.IsRunning() && to.IsRunning():
		if next.Lease.Equal(prior.Lease) && next.Attempts == prior.Attempts &&
			next.LastError.Equal(prior.LastError) && sameJSON(prior.Output, next.Output) {
			return ""
		}
		if prior.Lease.LeaseUntil.Before(now) {
			return claimRule(prior, next, now)
		}
		return "running job changed lease while the lease is held"

	case from.IsRunning() && to == models.StatusSucceeded:
		if !next.Lease.IsZero() {
			return "success must clear the lease"
		}
		if next.LastError != nil {
			return "success must clear lastError"
		}
		if next.Attempts != prior.Attempts {
			return "attempts change outside claim"
		}
		return ""

	case from.IsRunning() && (to == models.StatusQueued || to == models.StatusFailed):
		if !next.Lease.IsZero() {
			return "failure must clear the lease"
		}
		if next.LastError == nil {
			return "failure must record lastError"
		}
		if next.Attempts != prior.Attempts {
			return "attempts change outside claim"
		}
		if !sameJSON(prior.Output, next.Output) {
			return "output is only set on success"
		}
		return ""

	case (from == models.StatusQueued || from == models.StatusFailed) && to == models.StatusCancelled:
		if !next.Lease.IsZero() || next.Attempts != prior.Attempts || !sameJSON(prior.Output, next.Output) {
			return "cancel may only change status"
		}
		return ""

	case from == models.StatusFailed && to == models.StatusQueued:
		if next.LastError != nil {
			return "replay must clear lastError"
		}
		if !next.Lease.IsZero() || next.Attempts != prior.Attempts || !sameJSON(prior.Output, next.Output) {
			return "replay may not change lease, attempts or output"
		}
		return ""
	}
	return fmt.Sprintf("no transition %s -> %s", from, to)
}

func claimRule(prior, next models.Job, now time.Time) string {
	if next.Attempts != prior.Attempts+1 {
		return "claim must increment attempts by exactly one"
	}
	if next.Lease.LeasedBy == "" || next.Lease.RunID == "" || !next.Lease.LeaseUntil.After(now) {
		return "claim must set a lease in the future"
	}
	if !sameJSON(prior.Output, next.Output) {
		return "output is only set on success"
	}
	return ""
}

func protectedChanged(prior, next models.Job) bool {
	return prior.Status != next.Status || !sameExceptStatus(prior, next)
}

func sameExceptStatus(prior, next models.Job) bool {
	return prior.Attempts == next.Attempts &&
		prior.Lease.Equal(next.Lease) &&
		prior.LastError.Equal(next.LastError) &&
		sameJSON(prior.Output, next.Output)
}

func sameJSON(a, b json.RawMessage) bool {
	a, b = compact(a), compact(b)
	return bytes.Equal(a, b)
}

func compact(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func illegal(prior, next models.Job, reason string) error {
	return fmt.Errorf("%w: %s -> %s: %s", models.ErrIllegalTransition, prior.Status, next.Status, reason)
}

// Store decorates a store.Store with transition enforcement.
type Store struct {
	store.Store
	logger *logrus.Logger
}

// Wrap returns st with every job update checked.
func Wrap(st store.Store, logger *logrus.Logger) *Store {
	return &Store{Store: st, logger: logger}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, &guardedTx{Tx: tx, logger: s.logger})
	})
}

type guardedTx struct {
	store.Tx
	logger *logrus.Logger
}

func (t *guardedTx) UpdateJob(ctx context.Context, job models.Job, actor models.Actor) error {
	prior, err := t.Tx.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	err = Check(prior, job, actor, t.Now())
	if err == nil {
		return t.Tx.UpdateJob(ctx, job, actor)
	}

	telemetry.TransitionsReverted.Inc()
	t.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"actor":  actor.String(),
		"from":   prior.Status,
		"to":     job.Status,
	}).WithError(err).Warn("reverted illegal transition")

	return t.Tx.AppendAudit(ctx, models.AuditEntry{
		Action: models.AuditTransitionReverted,
		JobID:  job.ID,
		Actor:  actor,
		At:     t.Now(),
		Details: map[string]any{
			"from":   string(prior.Status),
			"to":     string(job.Status),
			"reason": err.Error(),
		},
	})
}
