package funcexec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteDelegatesToHandler(t *testing.T) {
	var gotTaskID string
	var gotPayload map[string]string
	e := New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		gotTaskID = taskID
		gotPayload = payload
		return true, "done", nil
	})

	outcome, err := e.Execute(context.Background(), "agent-1", "t1", map[string]string{"title": "build"})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Equal(t, "done", outcome.Message)
	assert.Equal(t, "t1", gotTaskID)
	assert.Equal(t, "build", gotPayload["title"])
}

func TestExecuteHandlerFailureIsNotRetriable(t *testing.T) {
	e := New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		return false, "", nil
	})
	outcome, err := e.Execute(context.Background(), "agent-1", "t1", nil)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.False(t, outcome.Retriable)
}

func TestExecuteHandlerErrorIsRetriable(t *testing.T) {
	e := New(func(ctx context.Context, taskID string, payload map[string]string) (bool, string, error) {
		return false, "", errors.New("boom")
	})
	outcome, err := e.Execute(context.Background(), "agent-1", "t1", nil)
	require.Error(t, err)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Retriable)
	assert.Equal(t, "boom", outcome.Message)
}

func TestExecuteNoHandlerReturnsError(t *testing.T) {
	e := New(nil)
	_, err := e.Execute(context.Background(), "agent-1", "t1", nil)
	assert.Error(t, err)
}
