package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

func TestTaskStore_CreateAndGet(t *testing.T) {
	store := NewTaskStore(newFakeClient())
	ctx := context.Background()
	task := domain.Task{CorrelationID: "c1", UserID: "u1", Status: domain.TaskAccepted}

	require.NoError(t, store.CreateTask(ctx, task))

	got, err := store.GetTask(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
}

func TestTaskStore_GetMissingReturnsNotFound(t *testing.T) {
	store := NewTaskStore(newFakeClient())
	_, err := store.GetTask(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTaskStore_UpdateTask_MergesPatch(t *testing.T) {
	store := NewTaskStore(newFakeClient())
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, domain.Task{CorrelationID: "c2", Tick: 1}))

	require.NoError(t, store.UpdateTask(ctx, "c2", map[string]any{"tick": 2.0}))

	got, err := store.GetTask(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Tick)
}

func TestTaskStore_UpdateTaskResilient_CreatesIfMissing(t *testing.T) {
	store := NewTaskStore(newFakeClient())
	ctx := context.Background()

	err := store.UpdateTaskResilient(ctx, "c3", map[string]any{"status": "in_progress"}, time.Second)
	require.NoError(t, err)
}

func TestTaskStore_ListTasks(t *testing.T) {
	store := NewTaskStore(newFakeClient())
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, domain.Task{CorrelationID: "c4"}))
	require.NoError(t, store.CreateTask(ctx, domain.Task{CorrelationID: "c5"}))

	tasks, err := store.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestTaskStore_DeleteTask(t *testing.T) {
	store := NewTaskStore(newFakeClient())
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, domain.Task{CorrelationID: "c6"}))

	existed, err := store.DeleteTask(ctx, "c6")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.DeleteTask(ctx, "c6")
	require.NoError(t, err)
	assert.False(t, existed)
}
