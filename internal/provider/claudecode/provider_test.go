package claudecode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/persis/filetask"
	"github.com/missionkit/missiond/internal/provider"
)

func newTestProvider(t *testing.T, opts ...Option) (*Provider, *filetask.Store) {
	t.Helper()
	base := t.TempDir()
	tasks, err := filetask.New(filepath.Join(base, "teams"), filepath.Join(base, "tasks"))
	require.NoError(t, err)
	return New(tasks, opts...), tasks
}

// stubScript writes an executable shell script and returns its path.
func stubScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude-stub")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()

	spec := provider.ExecSpec{
		Prompt: "do the thing",
		Node:   core.Node{ID: "a", AgentType: core.AgentTypeGeneralPurpose},
	}
	args := buildArgs(spec)
	assert.Equal(t, []string{
		"-p", "do the thing",
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}, args)

	spec.Node.Model = "opus"
	spec.Node.AgentType = core.AgentTypeCodeReviewer
	args = buildArgs(spec)
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "opus")
	assert.Contains(t, args, "--append-system-prompt")
	assert.Contains(t, args, "You are acting as a code-reviewer agent.")
}

func TestChildEnvDropsClaudecode(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("MISSIOND_TEST_KEEP", "yes")

	env := childEnv()
	for _, kv := range env {
		assert.NotContains(t, kv, "CLAUDECODE=")
	}
	assert.Contains(t, env, "MISSIOND_TEST_KEEP=yes")
}

func TestAgentID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "r1/node-a", AgentID("r1", "node-a"))
}

func TestIsAvailable(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t, WithCommand("missiond-no-such-binary"))
	assert.False(t, p.IsAvailable(context.Background()))

	p2, _ := newTestProvider(t, WithCommand("sh"))
	assert.True(t, p2.IsAvailable(context.Background()))
	assert.True(t, p2.Info(context.Background()).Available)
}

func TestInitializeTeamWritesRoster(t *testing.T) {
	t.Parallel()
	p, tasks := newTestProvider(t)
	ctx := context.Background()

	mission := &core.Mission{
		ID: "m1",
		Nodes: []core.Node{
			{ID: "a", AgentType: core.AgentTypeGeneralPurpose, Model: "sonnet"},
			{ID: "b", AgentType: core.AgentTypeCodeReviewer},
			{ID: "c", Provider: "other"},
		},
	}
	require.NoError(t, p.InitializeTeam(ctx, "r1", mission))

	cfg, err := tasks.ReadTeamConfig(ctx, core.TeamNameForRun("r1"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "r1", cfg.RunID)
	// Nodes owned by other providers are not roster members.
	require.Len(t, cfg.Members, 2)
	assert.Equal(t, "a", cfg.Members[0].Name)
	assert.Equal(t, "sonnet", cfg.Members[0].Model)
}

func TestExecuteNodeStartFailure(t *testing.T) {
	t.Parallel()
	p, tasks := newTestProvider(t, WithCommand("/missiond-no-such-binary"))
	ctx := context.Background()

	_, err := p.ExecuteNode(ctx, provider.ExecSpec{
		RunID:  "r1",
		Node:   core.Node{ID: "a", Label: "A"},
		Prompt: "hi",
	})
	require.Error(t, err)

	tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, core.TaskFailed, tf.Status)
	assert.Contains(t, tf.Error, "Failed to spawn agent")
}

func TestExecuteNodeSpawnVerification(t *testing.T) {
	t.Parallel()
	script := stubScript(t, "exit 3\n")
	p, tasks := newTestProvider(t, WithCommand(script))
	ctx := context.Background()

	_, err := p.ExecuteNode(ctx, provider.ExecSpec{
		RunID: "r1",
		Node:  core.Node{ID: "a", Label: "A"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during spawn (code 3)")

	tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, core.TaskFailed, tf.Status)
	assert.False(t, p.IsProcessAlive(ctx, AgentID("r1", "a")))
}

func TestExecuteNodeCompletesFromStream(t *testing.T) {
	t.Parallel()
	script := stubScript(t, `echo '{"type":"assistant","message":{"content":[{"type":"text","text":"working"}]}}'
echo '{"type":"result","result":"all done","is_error":false}'
exit 0
`)
	p, tasks := newTestProvider(t, WithCommand(script))
	ctx := context.Background()

	agentID, err := p.ExecuteNode(ctx, provider.ExecSpec{
		RunID:  "r1",
		Node:   core.Node{ID: "a", Label: "A"},
		Prompt: "build it",
	})
	require.NoError(t, err)
	assert.Equal(t, "r1/a", agentID)

	require.Eventually(t, func() bool {
		tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
		return err == nil && tf != nil && tf.Status == core.TaskCompleted
	}, 10*time.Second, 20*time.Millisecond)

	tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
	require.NoError(t, err)
	assert.Equal(t, "all done", tf.Output)
	assert.Empty(t, tf.ActiveForm)

	chunks := p.OutputChunks(ctx, "r1", "a")
	require.NotEmpty(t, chunks)
	joined := ""
	for _, c := range chunks {
		joined += c
	}
	assert.Contains(t, joined, `"result":"all done"`)
}

func TestExecuteNodeErrorResultFailsTask(t *testing.T) {
	t.Parallel()
	script := stubScript(t, `echo '{"type":"result","result":"boom","is_error":true}'
exit 0
`)
	p, tasks := newTestProvider(t, WithCommand(script))
	ctx := context.Background()

	_, err := p.ExecuteNode(ctx, provider.ExecSpec{RunID: "r1", Node: core.Node{ID: "a"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
		return err == nil && tf != nil && tf.Status == core.TaskFailed
	}, 10*time.Second, 20*time.Millisecond)

	tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
	require.NoError(t, err)
	assert.Equal(t, "Agent reported an error result", tf.Error)
	assert.Equal(t, "boom", tf.Output)
}

func TestAbortNodeMarksTaskAndKills(t *testing.T) {
	t.Parallel()
	script := stubScript(t, "sleep 30\n")
	p, tasks := newTestProvider(t, WithCommand(script))
	ctx := context.Background()

	agentID, err := p.ExecuteNode(ctx, provider.ExecSpec{RunID: "r1", Node: core.Node{ID: "a"}})
	require.NoError(t, err)
	require.True(t, p.IsProcessAlive(ctx, agentID))

	require.NoError(t, p.AbortNode(ctx, "r1", "a"))

	require.Eventually(t, func() bool {
		return !p.IsProcessAlive(ctx, agentID)
	}, 10*time.Second, 20*time.Millisecond)

	// The abort verdict survives the close handler.
	tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "a")
	require.NoError(t, err)
	assert.Equal(t, core.TaskFailed, tf.Status)
	assert.Equal(t, "Aborted by user", tf.Error)
}

func TestAbortNodeWithoutProcess(t *testing.T) {
	t.Parallel()
	p, tasks := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.AbortNode(ctx, "r1", "ghost"))
	tf, err := tasks.ReadTask(ctx, core.TeamNameForRun("r1"), "ghost")
	require.NoError(t, err)
	require.NotNil(t, tf)
	assert.Equal(t, core.TaskFailed, tf.Status)
}

func TestCleanupRunRemovesTeamAndProcesses(t *testing.T) {
	t.Parallel()
	script := stubScript(t, "sleep 30\n")
	p, tasks := newTestProvider(t, WithCommand(script))
	ctx := context.Background()

	agentID, err := p.ExecuteNode(ctx, provider.ExecSpec{RunID: "r1", Node: core.Node{ID: "a"}})
	require.NoError(t, err)
	require.NoError(t, p.CleanupRun(ctx, "r1"))

	assert.False(t, p.IsProcessAlive(ctx, agentID))
	cfg, err := tasks.ReadTeamConfig(ctx, core.TeamNameForRun("r1"))
	require.NoError(t, err)
	assert.Nil(t, cfg)

	// Idempotent.
	require.NoError(t, p.CleanupRun(ctx, "r1"))
}

func TestOutputChunksUnknownAgent(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t)
	assert.Nil(t, p.OutputChunks(context.Background(), "r1", "nope"))
}
