package core

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the lifecycle phase of a mission run.
type RunStatus int

const (
	RunRunning RunStatus = iota
	RunCompleted
	RunFailed
	RunAborted
)

// String returns the canonical lowercase token used on disk and in APIs.
func (s RunStatus) String() string {
	switch s {
	case RunRunning:
		return "running"
	case RunCompleted:
		return "completed"
	case RunFailed:
		return "failed"
	case RunAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// MarshalJSON encodes the status as its canonical token.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the status from its canonical token.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var tok string
	if err := json.Unmarshal(data, &tok); err != nil {
		return err
	}
	parsed, err := ParseRunStatus(tok)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseRunStatus parses a canonical run status token.
func ParseRunStatus(tok string) (RunStatus, error) {
	switch tok {
	case "running":
		return RunRunning, nil
	case "completed":
		return RunCompleted, nil
	case "failed":
		return RunFailed, nil
	case "aborted":
		return RunAborted, nil
	default:
		return 0, fmt.Errorf("unknown run status %q", tok)
	}
}

// NodeStatus represents the lifecycle phase of a single node within a run.
type NodeStatus int

const (
	NodePending NodeStatus = iota
	NodeSpawning
	NodeRunning
	NodeRetrying
	NodeCompleted
	NodeFailed
	NodeTimeout
)

// String returns the canonical lowercase token used on disk and in APIs.
func (s NodeStatus) String() string {
	switch s {
	case NodePending:
		return "pending"
	case NodeSpawning:
		return "spawning"
	case NodeRunning:
		return "running"
	case NodeRetrying:
		return "retrying"
	case NodeCompleted:
		return "completed"
	case NodeFailed:
		return "failed"
	case NodeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the node can no longer transition except via an
// explicit retry.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeTimeout
}

// IsActive reports whether the node currently owns a live agent process.
func (s NodeStatus) IsActive() bool {
	return s == NodeSpawning || s == NodeRunning
}

// MarshalJSON encodes the status as its canonical token.
func (s NodeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the status from its canonical token.
func (s *NodeStatus) UnmarshalJSON(data []byte) error {
	var tok string
	if err := json.Unmarshal(data, &tok); err != nil {
		return err
	}
	parsed, err := ParseNodeStatus(tok)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseNodeStatus parses a canonical node status token.
func ParseNodeStatus(tok string) (NodeStatus, error) {
	switch tok {
	case "pending":
		return NodePending, nil
	case "spawning":
		return NodeSpawning, nil
	case "running":
		return NodeRunning, nil
	case "retrying":
		return NodeRetrying, nil
	case "completed":
		return NodeCompleted, nil
	case "failed":
		return NodeFailed, nil
	case "timeout":
		return NodeTimeout, nil
	default:
		return 0, fmt.Errorf("unknown node status %q", tok)
	}
}

// TaskStatus is the status token written into a task file by the provider
// and the agent process. The engine only observes these.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskError      TaskStatus = "error"
)

// IsTerminal reports whether the task file status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskError
}
