package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"studio-job-queue/internal/models"
)

// Progress lets a handler report sub-stages of a running job.
type Progress interface {
	Report(ctx context.Context, stage models.Status, percent int) error
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(ctx context.Context, stage models.Status, percent int) error

func (f ProgressFunc) Report(ctx context.Context, stage models.Status, percent int) error {
	return f(ctx, stage, percent)
}

// Task is what a handler receives for one attempt.
type Task struct {
	Job models.Job
	// Input is the decoded per-type schema (e.g. *models.CaptionInput), or nil
	// for types registered without a schema.
	Input    any
	Progress Progress
}

// Handler executes one job type. Handlers must be safe to run twice for the
// same job, since an expired lease lets another worker re-dispatch it.
type Handler interface {
	Handle(ctx context.Context, task Task) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, task Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Registry maps job types to handlers. It is populated at startup and read-only afterwards.
type Registry struct {
	handlers map[models.JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[models.JobType]Handler)}
}

// Register binds a handler to a job type. Registering a type twice is a programming error.
func (r *Registry) Register(t models.JobType, h Handler) error {
	if t == "" || h == nil {
		return errors.New("register: type and handler are required")
	}
	if _, dup := r.handlers[t]; dup {
		return fmt.Errorf("register: handler for %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Types lists registered job types.
func (r *Registry) Types() []models.JobType {
	out := make([]models.JobType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch routes job to its handler. Every failure, including an unknown type,
// invalid input and a handler panic, comes back as *models.ExecutionError.
func (r *Registry) Dispatch(ctx context.Context, job models.Job, progress Progress) (output json.RawMessage, err error) {
	h, ok := r.handlers[job.Type]
	if !ok {
		return nil, &models.ExecutionError{Code: models.CodeUnknownType, Message: fmt.Sprintf("no handler registered for type %q", job.Type)}
	}

	var input any
	if models.KnownType(job.Type) {
		if input, err = models.DecodeInput(job.Type, job.Input); err != nil {
			return nil, &models.ExecutionError{Code: models.CodeInvalidInput, Message: err.Error(), Err: err}
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			output = nil
			err = &models.ExecutionError{
				Code:    models.CodeHandlerPanic,
				Message: fmt.Sprintf("handler panic: %v", rec),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	output, err = h.Handle(ctx, Task{Job: job, Input: input, Progress: progress})
	if err != nil {
		var execErr *models.ExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &models.ExecutionError{Code: models.CodeExecutionFailure, Message: err.Error(), Err: err}
	}
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	if !json.Valid(output) {
		return nil, &models.ExecutionError{Code: models.CodeExecutionFailure, Message: "handler returned invalid JSON output"}
	}
	return output, nil
}
