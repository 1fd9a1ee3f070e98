package core

import (
	"time"
)

// Run is one execution of a mission. The run record and its node states are
// owned exclusively by the engine; everything else reads the last atomic
// snapshot.
type Run struct {
	ID          string                `json:"id"`
	MissionID   string                `json:"missionId"`
	Status      RunStatus             `json:"status"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Error       string                `json:"error,omitempty"`
	Workdir     string                `json:"workdir,omitempty"`
	Context     map[string]string     `json:"context,omitempty"`
	NodeStates  map[string]*NodeState `json:"nodeStates"`
	Messages    []RunMessage          `json:"messages,omitempty"`
	Summary     *RunSummary           `json:"summary,omitempty"`
}

// NodeState tracks one node's disposition within a run.
type NodeState struct {
	Status      NodeStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RetryCount  int        `json:"retryCount"`
	AgentID     string     `json:"agentId,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	// Files are workdir-relative paths created by this node, derived from
	// the pre/post workdir snapshots.
	Files []string `json:"files,omitempty"`

	// Private edge-detection fields for the poller. Persisted so a resumed
	// poller does not re-fire edges after a restart.
	LastTaskStatus TaskStatus `json:"_lastTaskFileStatus,omitempty"`
	LastActiveForm string     `json:"_lastActiveForm,omitempty"`
	LastMsgCount   int        `json:"_lastMsgCount,omitempty"`
}

// RunMessage is one entry in a run's append-only message log.
type RunMessage struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"nodeId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

// RunSummary aggregates the artifacts of a completed run.
type RunSummary struct {
	TotalFiles     int                 `json:"totalFiles"`
	Files          []string            `json:"files"`
	Workdir        string              `json:"workdir,omitempty"`
	NodeFileMap    map[string][]string `json:"nodeFileMap,omitempty"`
	SetupHints     []string            `json:"setupHints,omitempty"`
	Dirs           []string            `json:"dirs,omitempty"`
	NodesCompleted int                 `json:"nodesCompleted"`
	NodesTotal     int                 `json:"nodesTotal"`
	CompletedAt    time.Time           `json:"completedAt"`
}

// NodeProgress is the per-node slice of a progress report.
type NodeProgress struct {
	Status     NodeStatus `json:"status"`
	DurationMs int64      `json:"durationMs"`
	Retries    int        `json:"retries"`
	HasOutput  bool       `json:"hasOutput"`
	FileCount  int        `json:"fileCount"`
}

// Progress is a structured snapshot of a run's advancement.
type Progress struct {
	RunID       string                  `json:"runId"`
	Status      RunStatus               `json:"status"`
	StatusCount map[string]int          `json:"statusCount"`
	Nodes       map[string]NodeProgress `json:"nodes"`
	Percent     int                     `json:"percent"`
}

// NewRun initializes a run record for the mission with every node pending.
func NewRun(id string, m *Mission, workdir string, runContext map[string]string) *Run {
	states := make(map[string]*NodeState, len(m.Nodes))
	for _, n := range m.Nodes {
		states[n.ID] = &NodeState{Status: NodePending}
	}
	return &Run{
		ID:         id,
		MissionID:  m.ID,
		Status:     RunRunning,
		StartedAt:  time.Now().UTC(),
		Workdir:    workdir,
		Context:    runContext,
		NodeStates: states,
	}
}

// ActiveNodes returns the ids of nodes in a spawning, running, or retrying
// state.
func (r *Run) ActiveNodes() []string {
	var out []string
	for id, st := range r.NodeStates {
		if st.Status.IsActive() || st.Status == NodeRetrying {
			out = append(out, id)
		}
	}
	return out
}
