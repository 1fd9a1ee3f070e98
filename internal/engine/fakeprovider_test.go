package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/persis/filetask"
	"github.com/missionkit/missiond/internal/provider"
)

// outcome scripts one attempt of one node for the fake provider.
type outcome struct {
	status core.TaskStatus
	output string
	errMsg string
	// files to create in the workdir before reporting the status.
	files []string
	// spawnErr makes ExecuteNode itself fail.
	spawnErr bool
}

// fakeProvider satisfies provider.Provider with scripted task-file
// behavior, standing in for real agent processes.
type fakeProvider struct {
	tasks *filetask.Store

	mu           sync.Mutex
	outcomes     map[string][]outcome
	attempts     map[string]int
	aborted      []string
	cleaned      []string
	processAlive bool
}

var _ provider.Provider = (*fakeProvider)(nil)

func newFakeProvider(tasks *filetask.Store) *fakeProvider {
	return &fakeProvider{
		tasks:        tasks,
		outcomes:     make(map[string][]outcome),
		attempts:     make(map[string]int),
		processAlive: true,
	}
}

func (f *fakeProvider) script(nodeID string, outcomes ...outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[nodeID] = outcomes
}

func (f *fakeProvider) attemptCount(nodeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[nodeID]
}

func (f *fakeProvider) abortedNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func (f *fakeProvider) cleanedRuns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleaned...)
}

func (f *fakeProvider) Name() string { return core.DefaultProvider }

func (f *fakeProvider) Info(context.Context) provider.Info {
	return provider.Info{Name: core.DefaultProvider, Available: true}
}

func (f *fakeProvider) IsAvailable(context.Context) bool { return true }

func (f *fakeProvider) InitializeTeam(ctx context.Context, runID string, mission *core.Mission) error {
	members := make([]core.TeamMember, 0, len(mission.Nodes))
	for _, n := range mission.Nodes {
		members = append(members, core.TeamMember{Name: n.ID, AgentType: n.AgentType})
	}
	return f.tasks.WriteTeamConfig(ctx, &core.TeamConfig{
		Name:      core.TeamNameForRun(runID),
		RunID:     runID,
		Members:   members,
		CreatedAt: time.Now().UTC(),
	})
}

func (f *fakeProvider) ExecuteNode(ctx context.Context, spec provider.ExecSpec) (string, error) {
	f.mu.Lock()
	attempt := f.attempts[spec.Node.ID]
	f.attempts[spec.Node.ID]++
	script := f.outcomes[spec.Node.ID]
	f.mu.Unlock()

	out := outcome{status: core.TaskCompleted, output: "done"}
	if len(script) > 0 {
		out = script[min(attempt, len(script)-1)]
	}
	if out.spawnErr {
		return "", errors.New("spawn refused by script")
	}

	for _, name := range out.files {
		path := filepath.Join(spec.Workdir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte("generated"), 0600); err != nil {
			return "", err
		}
	}

	team := core.TeamNameForRun(spec.RunID)
	tf := &core.TaskFile{
		ID:        spec.Node.ID,
		Subject:   spec.Node.Label,
		Status:    out.status,
		Owner:     spec.Node.ID,
		BlockedBy: spec.BlockedBy,
		Output:    out.output,
		Error:     out.errMsg,
	}
	if err := f.tasks.WriteTask(ctx, team, tf); err != nil {
		return "", err
	}
	return spec.RunID + "/" + spec.Node.ID, nil
}

func (f *fakeProvider) AbortNode(ctx context.Context, runID, nodeID string) error {
	f.mu.Lock()
	f.aborted = append(f.aborted, nodeID)
	f.mu.Unlock()
	return f.tasks.UpdateTask(ctx, core.TeamNameForRun(runID), nodeID, func(tf *core.TaskFile) {
		tf.Status = core.TaskFailed
		tf.Error = "Aborted by user"
	})
}

func (f *fakeProvider) CleanupRun(ctx context.Context, runID string) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, runID)
	f.mu.Unlock()
	return f.tasks.RemoveTeam(ctx, core.TeamNameForRun(runID))
}

func (f *fakeProvider) IsProcessAlive(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processAlive
}

func (f *fakeProvider) OutputChunks(context.Context, string, string) []string { return nil }

func (f *fakeProvider) Shutdown(context.Context) error { return nil }
