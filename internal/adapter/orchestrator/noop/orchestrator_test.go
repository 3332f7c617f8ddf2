package noop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestrator_RoundTrip(t *testing.T) {
	o := New(2)
	count, ok := o.CurrentDesiredCount(context.Background())
	require.True(t, ok)
	assert.Equal(t, 2, count)

	require.NoError(t, o.SetDesiredCount(context.Background(), 5))
	count, ok = o.CurrentDesiredCount(context.Background())
	require.True(t, ok)
	assert.Equal(t, 5, count)
}

func TestOrchestrator_UnknownUntilSet(t *testing.T) {
	o := &Orchestrator{}
	_, ok := o.CurrentDesiredCount(context.Background())
	assert.False(t, ok)
}
