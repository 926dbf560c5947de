package models

import (
	"encoding/json"
	"time"
)

// Status enumerates job lifecycle states persisted by the store.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusAnalyzing Status = "ANALYZING"
	StatusRendering Status = "RENDERING"
	StatusUploading Status = "UPLOADING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// RunningStatuses are the sub-stages of a claimed job.
var RunningStatuses = []Status{StatusRunning, StatusAnalyzing, StatusRendering, StatusUploading}

// LiveStatuses hold an idempotency key. FAILED and CANCELLED release it.
var LiveStatuses = []Status{StatusQueued, StatusRunning, StatusAnalyzing, StatusRendering, StatusUploading, StatusSucceeded}

// IsRunning reports whether s belongs to the running family.
func (s Status) IsRunning() bool {
	switch s {
	case StatusRunning, StatusAnalyzing, StatusRendering, StatusUploading:
		return true
	}
	return false
}

// IsLive reports whether s reserves the job's idempotency key.
func (s Status) IsLive() bool {
	return s == StatusQueued || s == StatusSucceeded || s.IsRunning()
}

// IsTerminal reports whether no automatic transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return s.IsRunning()
}

// JobType names a kind of work. Unknown types are accepted by the store and fail at dispatch.
type JobType string

const (
	TypeClipPipeline  JobType = "CLIP_PIPELINE_V1"
	TypeCaption       JobType = "CAPTION_V1"
	TypeExportMP4     JobType = "EXPORT_MP4_V1"
	TypePublishTikTok JobType = "PUBLISH_TIKTOK_V1"
	TypeThumbnail     JobType = "THUMBNAIL_V1"
)

// SourceKind describes where the work originated.
type SourceKind string

const (
	SourceCall       SourceKind = "CALL"
	SourceTranscript SourceKind = "TRANSCRIPT"
	SourceUpload     SourceKind = "UPLOAD"
	SourceManual     SourceKind = "MANUAL"
)

// Source identifies the object a job works on.
type Source struct {
	Kind  SourceKind `json:"kind" validate:"required,oneof=CALL TRANSCRIPT UPLOAD MANUAL"`
	Ref   string     `json:"ref" validate:"required"`
	Title string     `json:"title,omitempty"`
}

// Lease is the exclusive, time-bounded claim a worker holds on a running job.
// The zero value means no lease.
type Lease struct {
	LeasedBy   string    `json:"leasedBy,omitempty"`
	LeaseUntil time.Time `json:"leaseUntil,omitempty"`
	RunID      string    `json:"runId,omitempty"`
}

// IsZero reports whether the lease is empty.
func (l Lease) IsZero() bool {
	return l.LeasedBy == "" && l.LeaseUntil.IsZero() && l.RunID == ""
}

// Equal compares leases field by field.
func (l Lease) Equal(o Lease) bool {
	return l.LeasedBy == o.LeasedBy && l.RunID == o.RunID && l.LeaseUntil.Equal(o.LeaseUntil)
}

// MarshalJSON renders an empty lease as {}.
func (l Lease) MarshalJSON() ([]byte, error) {
	if l.IsZero() {
		return []byte("{}"), nil
	}
	type plain Lease
	return json.Marshal(plain(l))
}

// JobError records why an attempt failed.
type JobError struct {
	Message string    `json:"message"`
	Code    string    `json:"code,omitempty"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// Equal compares two optional errors by value.
func (e *JobError) Equal(o *JobError) bool {
	if e == nil || o == nil {
		return e == nil && o == nil
	}
	return e.Message == o.Message && e.Code == o.Code && e.Stack == o.Stack && e.At.Equal(o.At)
}

// Job is the central document handled by the queue.
type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	Status         Status          `json:"status"`
	Progress       int             `json:"progress"`
	IdempotencyKey string          `json:"idempotencyKey"`
	GroupKey       string          `json:"groupKey"`
	Priority       int             `json:"priority"`
	Source         Source          `json:"source"`
	Input          json.RawMessage `json:"input"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	Lease          Lease           `json:"lease"`
	RunAfter       time.Time       `json:"runAfter"`
	Output         json.RawMessage `json:"output,omitempty"`
	LastError      *JobError       `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Touch advances UpdatedAt to now without ever moving it backwards.
func (j *Job) Touch(now time.Time) {
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}

// RunStatus is the state of a single claim attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// JobRun is the append-only record of one claim attempt.
type JobRun struct {
	ID         string          `json:"runId"`
	JobID      string          `json:"jobId"`
	Attempt    int             `json:"attempt"`
	Worker     string          `json:"worker"`
	Status     RunStatus       `json:"status"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *JobError       `json:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// Finished reports whether the run is closed.
func (r JobRun) Finished() bool { return r.FinishedAt != nil }

// DeadLetterEntry marks a job that exhausted its attempts. Its ID equals the job ID.
type DeadLetterEntry struct {
	ID         string     `json:"dlqId"`
	JobID      string     `json:"jobId"`
	JobType    JobType    `json:"jobType"`
	Reason     string     `json:"reason"`
	LastError  *JobError  `json:"lastError,omitempty"`
	Attempts   int        `json:"attempts"`
	ReplayedAt *time.Time `json:"replayedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// AuditAction names a state-affecting operation.
type AuditAction string

const (
	AuditJobCreated         AuditAction = "JOB_CREATED"
	AuditJobLeased          AuditAction = "JOB_LEASED"
	AuditJobSucceeded       AuditAction = "JOB_SUCCEEDED"
	AuditJobFailed          AuditAction = "JOB_FAILED"
	AuditDLQEnqueued        AuditAction = "DLQ_ENQUEUED"
	AuditDLQDismissed       AuditAction = "DLQ_DISMISSED"
	AuditJobReplayed        AuditAction = "JOB_REPLAYED"
	AuditJobCancelled       AuditAction = "JOB_CANCELLED"
	AuditTransitionReverted AuditAction = "ILLEGAL_TRANSITION_REVERTED"
)

// AuditEntry is an append-only fact about a job.
type AuditEntry struct {
	ID      string         `json:"auditId"`
	Action  AuditAction    `json:"action"`
	JobID   string         `json:"jobId"`
	Actor   Actor          `json:"actor"`
	At      time.Time      `json:"at"`
	Details map[string]any `json:"details,omitempty"`
}

// ReplayKind distinguishes replay entry points.
type ReplayKind string

const (
	ReplayJob ReplayKind = "REPLAY"
	ReplayDLQ ReplayKind = "DLQ_REPLAY"
)

// ReplayCommand is an idempotent request to re-queue a failed job. Its ID is "<kind>:<jobId>".
type ReplayCommand struct {
	ID        string     `json:"commandId"`
	Kind      ReplayKind `json:"kind"`
	JobID     string     `json:"jobId"`
	Actor     Actor      `json:"actor"`
	Reason    string     `json:"reason,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ReplayCommandID derives the idempotency key of a replay request.
func ReplayCommandID(kind ReplayKind, jobID string) string {
	return string(kind) + ":" + jobID
}
