package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio-job-queue/internal/models"
)

// Memory is an in-process Store. Transactions are serialized by a single mutex,
// so fn must not call back into the same Memory store.
type Memory struct {
	mu       sync.Mutex
	clock    func() time.Time
	lastNow  time.Time
	failNext error

	jobs     map[string]models.Job
	runs     map[string]models.JobRun
	dlq      map[string]models.DeadLetterEntry
	commands map[string]models.ReplayCommand
	audit    []models.AuditEntry
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the wall clock used for transaction timestamps.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

// NewMemory builds an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:    time.Now,
		jobs:     make(map[string]models.Job),
		runs:     make(map[string]models.JobRun),
		dlq:      make(map[string]models.DeadLetterEntry),
		commands: make(map[string]models.ReplayCommand),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNextCommit makes the next transaction roll back with a store-unavailable error wrapping err.
func (m *Memory) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// now returns a non-decreasing timestamp. Caller holds mu.
func (m *Memory) now() time.Time {
	t := m.clock().UTC()
	if t.Before(m.lastNow) {
		t = m.lastNow
	}
	m.lastNow = t
	return t
}

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return models.StoreUnavailable("begin tx", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		m:          m,
		now:        m.now(),
		jobs:       make(map[string]models.Job),
		runs:       make(map[string]models.JobRun),
		dlq:        make(map[string]models.DeadLetterEntry),
		dlqDeleted: make(map[string]bool),
		commands:   make(map[string]models.ReplayCommand),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return models.StoreUnavailable("commit", err)
	}
	tx.commit()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, filter JobFilter) (JobPage, error) {
	var cursor *Cursor
	if filter.Cursor != "" {
		c, err := DecodeCursor(filter.Cursor)
		if err != nil {
			return JobPage{}, err
		}
		cursor = &c
	}
	limit := PageSize(filter.Limit)

	m.mu.Lock()
	matched := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.GroupKey != "" && job.GroupKey != filter.GroupKey {
			continue
		}
		if cursor != nil && !cursor.Before(job) {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	page := JobPage{Jobs: matched}
	if len(matched) > limit {
		page.Jobs = matched[:limit]
		page.NextCursor = EncodeCursor(page.Jobs[limit-1])
	}
	return page, nil
}

func (m *Memory) ListCandidates(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	now := m.now()
	out := make([]models.Job, 0)
	for _, job := range m.jobs {
		if Claimable(job, now) {
			out = append(out, cloneJob(job))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListAudit(_ context.Context, jobID string) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEntry, 0)
	for _, e := range m.audit {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) ListRuns(_ context.Context, jobID string) ([]models.JobRun, error) {
	m.mu.Lock()
	out := make([]models.JobRun, 0)
	for _, r := range m.runs {
		if r.JobID == jobID {
			out = append(out, cloneRun(r))
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

func (m *Memory) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetterEntry, error) {
	m.mu.Lock()
	out := make([]models.DeadLetterEntry, 0, len(m.dlq))
	for _, e := range m.dlq {
		out = append(out, e)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

type memoryTx struct {
	m   *Memory
	now time.Time

	jobs       map[string]models.Job
	runs       map[string]models.JobRun
	dlq        map[string]models.DeadLetterEntry
	dlqDeleted map[string]bool
	commands   map[string]models.ReplayCommand
	audit      []models.AuditEntry
}

func (t *memoryTx) Now() time.Time { return t.now }

func (t *memoryTx) job(id string) (models.Job, bool) {
	if job, ok := t.jobs[id]; ok {
		return job, true
	}
	job, ok := t.m.jobs[id]
	return job, ok
}

func (t *memoryTx) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := t.job(id)
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return cloneJob(job), nil
}

func (t *memoryTx) FindLiveJobByKey(_ context.Context, key string) (models.Job, bool, error) {
	if job, ok := t.liveByKey(key, ""); ok {
		return cloneJob(job), true, nil
	}
	return models.Job{}, false, nil
}

// liveByKey finds a live job holding key other than exceptID.
func (t *memoryTx) liveByKey(key, exceptID string) (models.Job, bool) {
	for id, job := range t.jobs {
		if id != exceptID && job.IdempotencyKey == key && job.Status.IsLive() {
			return job, true
		}
	}
	for id, job := range t.m.jobs {
		if _, staged := t.jobs[id]; staged {
			continue
		}
		if id != exceptID && job.IdempotencyKey == key && job.Status.IsLive() {
			return job, true
		}
	}
	return models.Job{}, false
}

func (t *memoryTx) InsertJob(_ context.Context, job models.Job) error {
	if _, exists := t.job(job.ID); exists {
		return models.NewValidationError("id", "job %s already exists", job.ID)
	}
	if job.Status.IsLive() {
		if _, held := t.liveByKey(job.IdempotencyKey, job.ID); held {
			return ErrDuplicateKey
		}
	}
	t.jobs[job.ID] = cloneJob(job)
	return nil
}

func (t *memoryTx) UpdateJob(_ context.Context, job models.Job, _ models.Actor) error {
	if _, exists := t.job(job.ID); !exists {
		return models.ErrNotFound
	}
	if job.Status.IsLive() {
		if _, held := t.liveByKey(job.IdempotencyKey, job.ID); held {
			return ErrDuplicateKey
		}
	}
	t.jobs[job.ID] = cloneJob(job)
	return nil
}

func (t *memoryTx) InsertRun(_ context.Context, run models.JobRun) error {
	t.runs[run.ID] = cloneRun(run)
	return nil
}

func (t *memoryTx) GetRun(_ context.Context, id string) (models.JobRun, error) {
	if run, ok := t.runs[id]; ok {
		return cloneRun(run), nil
	}
	if run, ok := t.m.runs[id]; ok {
		return cloneRun(run), nil
	}
	return models.JobRun{}, models.ErrNotFound
}

func (t *memoryTx) UpdateRun(ctx context.Context, run models.JobRun) error {
	if _, err := t.GetRun(ctx, run.ID); err != nil {
		return err
	}
	t.runs[run.ID] = cloneRun(run)
	return nil
}

func (t *memoryTx) PutDeadLetter(_ context.Context, entry models.DeadLetterEntry) error {
	delete(t.dlqDeleted, entry.ID)
	t.dlq[entry.ID] = entry
	return nil
}

func (t *memoryTx) GetDeadLetter(_ context.Context, id string) (models.DeadLetterEntry, error) {
	if t.dlqDeleted[id] {
		return models.DeadLetterEntry{}, models.ErrNotFound
	}
	if e, ok := t.dlq[id]; ok {
		return e, nil
	}
	if e, ok := t.m.dlq[id]; ok {
		return e, nil
	}
	return models.DeadLetterEntry{}, models.ErrNotFound
}

func (t *memoryTx) DeleteDeadLetter(_ context.Context, id string) error {
	delete(t.dlq, id)
	t.dlqDeleted[id] = true
	return nil
}

func (t *memoryTx) GetCommand(_ context.Context, id string) (models.ReplayCommand, error) {
	if cmd, ok := t.commands[id]; ok {
		return cmd, nil
	}
	if cmd, ok := t.m.commands[id]; ok {
		return cmd, nil
	}
	return models.ReplayCommand{}, models.ErrNotFound
}

func (t *memoryTx) InsertCommand(ctx context.Context, cmd models.ReplayCommand) error {
	if _, err := t.GetCommand(ctx, cmd.ID); err == nil {
		return models.NewValidationError("commandId", "command %s already exists", cmd.ID)
	}
	t.commands[cmd.ID] = cmd
	return nil
}

func (t *memoryTx) AppendAudit(_ context.Context, entry models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.At.IsZero() {
		entry.At = t.now
	}
	t.audit = append(t.audit, entry)
	return nil
}

func (t *memoryTx) commit() {
	for id, job := range t.jobs {
		t.m.jobs[id] = job
	}
	for id, run := range t.runs {
		t.m.runs[id] = run
	}
	for id := range t.dlqDeleted {
		delete(t.m.dlq, id)
	}
	for id, e := range t.dlq {
		t.m.dlq[id] = e
	}
	for id, cmd := range t.commands {
		t.m.commands[id] = cmd
	}
	t.m.audit = append(t.m.audit, t.audit...)
}

func cloneJob(job models.Job) models.Job {
	job.Input = cloneRaw(job.Input)
	job.Output = cloneRaw(job.Output)
	if job.LastError != nil {
		e := *job.LastError
		job.LastError = &e
	}
	return job
}

func cloneRun(run models.JobRun) models.JobRun {
	run.Input = cloneRaw(run.Input)
	run.Output = cloneRaw(run.Output)
	if run.Error != nil {
		e := *run.Error
		run.Error = &e
	}
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		run.FinishedAt = &t
	}
	return run
}
