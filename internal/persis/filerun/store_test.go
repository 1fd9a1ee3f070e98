package filerun

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionkit/missiond/internal/core"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleRun(id, missionID string) *core.Run {
	m := &core.Mission{
		ID: missionID,
		Nodes: []core.Node{
			{ID: "a", AgentType: core.AgentTypeGeneralPurpose},
			{ID: "b", AgentType: core.AgentTypeGeneralPurpose},
		},
	}
	return core.NewRun(id, m, "", nil)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, sampleRun("r1", "m1")))
	require.Error(t, s.CreateRun(ctx, sampleRun("r1", "m1")))

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, core.RunRunning, run.Status)
	assert.Len(t, run.NodeStates, 2)

	missing, err := s.GetRun(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	deleted, err := s.DeleteRun(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteRun(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUpdateRun(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1", "m1")))

	updated, err := s.UpdateRun(ctx, "r1", func(r *core.Run) error {
		r.Status = core.RunAborted
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, core.RunAborted, updated.Status)

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunAborted, got.Status)

	_, err = s.UpdateRun(ctx, "ghost", func(*core.Run) error { return nil })
	require.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestUpdateNodeState(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1", "m1")))

	run, err := s.UpdateNodeState(ctx, "r1", "a", func(st *core.NodeState) {
		st.Status = core.NodeRunning
		st.AgentID = "r1/a"
	})
	require.NoError(t, err)
	assert.Equal(t, core.NodeRunning, run.NodeStates["a"].Status)
	assert.Equal(t, core.NodePending, run.NodeStates["b"].Status)
	assert.Equal(t, []string{"a"}, run.ActiveNodes())
}

func TestAddMessagePreservesOrder(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1", "m1")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AddMessage(ctx, "r1", core.RunMessage{Role: "INFO", Content: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, run.Messages, 10)
	for _, msg := range run.Messages {
		assert.False(t, msg.Timestamp.IsZero())
	}
}

func TestListRunsAndActive(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, sampleRun("r1", "m1")))
	require.NoError(t, s.CreateRun(ctx, sampleRun("r2", "m2")))
	_, err := s.UpdateRun(ctx, "r2", func(r *core.Run) error {
		r.Status = core.RunCompleted
		return nil
	})
	require.NoError(t, err)

	all, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.ListRuns(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "r1", filtered[0].ID)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r1", active[0].ID)
}

func TestUpdateSummary(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, sampleRun("r1", "m1")))

	run, err := s.UpdateSummary(ctx, "r1", &core.RunSummary{TotalFiles: 3, NodesTotal: 2})
	require.NoError(t, err)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 3, run.Summary.TotalFiles)
}

func TestIDFromFilename(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "r1", IDFromFilename("r1.json"))
	assert.Equal(t, "", IDFromFilename("r1.txt"))
}
