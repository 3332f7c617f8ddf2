package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

func TestDLQStore_WriteDLQRecord(t *testing.T) {
	client := newFakeClient()
	store := NewDLQStore(client)
	ctx := context.Background()

	rec := domain.DLQRecord{
		CorrelationID:    "c1",
		FailureReason:    "exceeded max delivery attempts",
		MovedToDLQAt:     time.Now(),
		CanBeReprocessed: true,
	}
	require.NoError(t, store.WriteDLQRecord(ctx, rec))

	var got domain.DLQRecord
	found, err := client.GetJSON(ctx, dlqKey("c1"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "exceeded max delivery attempts", got.FailureReason)
}
