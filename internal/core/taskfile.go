package core

import (
	"time"
)

// TaskFile is the per-node JSON file under tasks/<team>/<node>.json. The
// provider writes initial and terminal records plus live activeForm updates;
// the agent process may rewrite status and messages; the engine only reads.
type TaskFile struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Description string            `json:"description,omitempty"`
	Status      TaskStatus        `json:"status"`
	Owner       string            `json:"owner"`
	BlockedBy   []string          `json:"blockedBy,omitempty"`
	Blocks      []string          `json:"blocks,omitempty"`
	Siblings    []string          `json:"siblings,omitempty"`
	Peers       map[string]string `json:"peers,omitempty"`
	ActiveForm  string            `json:"activeForm,omitempty"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Messages    []TaskMessage     `json:"messages,omitempty"`
}

// TaskMessage is one entry in a task file's inline append-only log.
type TaskMessage struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	Content   string    `json:"content"`
}

// TeamConfig is the teams/<team>/config.json roster written once at run
// start and deleted on cleanup. Its presence is what the team watcher keys
// presence on.
type TeamConfig struct {
	Name      string       `json:"name"`
	RunID     string       `json:"runId,omitempty"`
	Members   []TeamMember `json:"members"`
	CreatedAt time.Time    `json:"createdAt"`
}

// TeamMember is one agent roster entry.
type TeamMember struct {
	Name      string `json:"name"`
	AgentType string `json:"agentType,omitempty"`
	Model     string `json:"model,omitempty"`
}

// TeamNameForRun returns the canonical team directory name for a run.
func TeamNameForRun(runID string) string {
	return "run-" + runID
}
