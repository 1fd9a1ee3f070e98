package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeStatusJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(NodeRetrying)
	require.NoError(t, err)
	assert.Equal(t, `"retrying"`, string(data))

	var st NodeStatus
	require.NoError(t, json.Unmarshal([]byte(`"timeout"`), &st))
	assert.Equal(t, NodeTimeout, st)

	require.Error(t, json.Unmarshal([]byte(`"bogus"`), &st))
}

func TestRunStatusJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(RunAborted)
	require.NoError(t, err)
	assert.Equal(t, `"aborted"`, string(data))

	var st RunStatus
	require.NoError(t, json.Unmarshal([]byte(`"running"`), &st))
	assert.Equal(t, RunRunning, st)
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, NodeCompleted.IsTerminal())
	assert.True(t, NodeFailed.IsTerminal())
	assert.True(t, NodeTimeout.IsTerminal())
	assert.False(t, NodeRetrying.IsTerminal())
	assert.False(t, NodePending.IsTerminal())

	assert.True(t, NodeSpawning.IsActive())
	assert.True(t, NodeRunning.IsActive())
	assert.False(t, NodeRetrying.IsActive())

	assert.False(t, RunRunning.IsTerminal())
	assert.True(t, RunCompleted.IsTerminal())
	assert.True(t, RunFailed.IsTerminal())
	assert.True(t, RunAborted.IsTerminal())

	assert.True(t, TaskCompleted.IsTerminal())
	assert.True(t, TaskError.IsTerminal())
	assert.False(t, TaskInProgress.IsTerminal())
}
