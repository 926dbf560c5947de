package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"studio-job-queue/internal/models"
)

func execCode(t *testing.T, err error) string {
	t.Helper()
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	return execErr.Code
}

func captionJob(input string) models.Job {
	return models.Job{ID: "job-1", Type: models.TypeCaption, Input: json.RawMessage(input)}
}

func TestRegistry_Dispatch(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	_, err := reg.Dispatch(ctx, models.Job{ID: "x", Type: "MYSTERY_V1"}, nil)
	require.Equal(t, models.CodeUnknownType, execCode(t, err))

	var got Task
	require.NoError(t, reg.Register(models.TypeCaption, HandlerFunc(func(_ context.Context, task Task) (json.RawMessage, error) {
		got = task
		return nil, nil
	})))

	_, err = reg.Dispatch(ctx, captionJob(`{"language":"en"}`), nil)
	require.Equal(t, models.CodeInvalidInput, execCode(t, err))

	out, err := reg.Dispatch(ctx, captionJob(`{"transcriptRef":"t-1","language":"pt-BR"}`), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(out))
	in, ok := got.Input.(*models.CaptionInput)
	require.True(t, ok)
	require.Equal(t, "t-1", in.TranscriptRef)
	require.Equal(t, "pt-BR", in.Language)
}

func TestRegistry_HandlerFailures(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	behaviour := func(context.Context, Task) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, reg.Register("CUSTOM_V1", HandlerFunc(func(ctx context.Context, task Task) (json.RawMessage, error) {
		return behaviour(ctx, task)
	})))
	job := models.Job{ID: "job-1", Type: "CUSTOM_V1", Input: json.RawMessage(`{}`)}

	behaviour = func(context.Context, Task) (json.RawMessage, error) { return nil, errors.New("render farm offline") }
	_, err := reg.Dispatch(ctx, job, nil)
	require.Equal(t, models.CodeExecutionFailure, execCode(t, err))
	require.EqualError(t, err, "render farm offline")

	behaviour = func(context.Context, Task) (json.RawMessage, error) { panic("boom") }
	_, err = reg.Dispatch(ctx, job, nil)
	require.Equal(t, models.CodeHandlerPanic, execCode(t, err))
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.NotEmpty(t, execErr.Stack)

	behaviour = func(context.Context, Task) (json.RawMessage, error) { return json.RawMessage(`{not json`), nil }
	_, err = reg.Dispatch(ctx, job, nil)
	require.Equal(t, models.CodeExecutionFailure, execCode(t, err))

	behaviour = func(context.Context, Task) (json.RawMessage, error) {
		return nil, &models.ExecutionError{Code: "UPSTREAM_REJECTED", Message: "quota"}
	}
	_, err = reg.Dispatch(ctx, job, nil)
	require.Equal(t, "UPSTREAM_REJECTED", execCode(t, err))
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	h := HandlerFunc(func(context.Context, Task) (json.RawMessage, error) { return nil, nil })
	require.NoError(t, reg.Register(models.TypeExportMP4, h))
	require.Error(t, reg.Register(models.TypeExportMP4, h))
	require.Error(t, reg.Register("", h))
	require.Error(t, reg.Register(models.TypeCaption, nil))
	require.Equal(t, []models.JobType{models.TypeExportMP4}, reg.Types())
}
