package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"studio-job-queue/internal/models"
)

// ErrDuplicateKey is returned when an insert races another live job holding the same idempotency key.
var ErrDuplicateKey = errors.New("idempotency key already held by a live job")

// Store is the durable document store consumed by the queue core.
type Store interface {
	// WithTx runs fn against a transactional handle. A nil return commits, anything else rolls back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) (JobPage, error)
	// ListCandidates returns claimable jobs ordered by (priority, createdAt) ascending.
	ListCandidates(ctx context.Context, limit int) ([]models.Job, error)
	ListAudit(ctx context.Context, jobID string) ([]models.AuditEntry, error)
	ListRuns(ctx context.Context, jobID string) ([]models.JobRun, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEntry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is a transactional handle. Reads observe the transaction's own writes.
type Tx interface {
	// Now is the store-generated timestamp for this transaction.
	Now() time.Time

	GetJob(ctx context.Context, id string) (models.Job, error)
	FindLiveJobByKey(ctx context.Context, key string) (models.Job, bool, error)
	InsertJob(ctx context.Context, job models.Job) error
	UpdateJob(ctx context.Context, job models.Job, actor models.Actor) error

	InsertRun(ctx context.Context, run models.JobRun) error
	GetRun(ctx context.Context, id string) (models.JobRun, error)
	UpdateRun(ctx context.Context, run models.JobRun) error

	// PutDeadLetter inserts or replaces the entry keyed by entry.ID.
	PutDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (models.DeadLetterEntry, error)
	DeleteDeadLetter(ctx context.Context, id string) error

	GetCommand(ctx context.Context, id string) (models.ReplayCommand, error)
	InsertCommand(ctx context.Context, cmd models.ReplayCommand) error

	AppendAudit(ctx context.Context, entry models.AuditEntry) error
}

// JobFilter narrows ListJobs. Zero fields are ignored.
type JobFilter struct {
	Status   models.Status
	Type     models.JobType
	GroupKey string
	Limit    int
	Cursor   string
}

// JobPage is one page of jobs ordered by createdAt descending.
type JobPage struct {
	Jobs       []models.Job `json:"jobs"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// PageSize clamps a requested page size.
func PageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// Cursor marks the last job of a page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeCursor renders a cursor for the job that ended a page.
func EncodeCursor(job models.Job) string {
	raw := fmt.Sprintf("%d|%s", job.CreatedAt.UnixNano(), job.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, models.NewValidationError("cursor", "malformed cursor")
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, models.NewValidationError("cursor", "malformed cursor")
	}
	var n int64
	if _, err := fmt.Sscan(nanos, &n); err != nil {
		return Cursor{}, models.NewValidationError("cursor", "malformed cursor")
	}
	return Cursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}

// Before reports whether job sorts after the cursor in createdAt-descending order.
func (c Cursor) Before(job models.Job) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.ID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

// Claimable reports whether a job may be claimed at now: queued and due, or running with an expired lease.
func Claimable(job models.Job, now time.Time) bool {
	switch {
	case job.Status == models.StatusQueued:
		return !job.RunAfter.After(now)
	case job.Status.IsRunning():
		return job.Lease.LeaseUntil.Before(now)
	}
	return false
}
