package core

import "time"

// EventType identifies a state transition published on the event bus.
type EventType string

// Run and node lifecycle events emitted by the engine.
const (
	EventRunStarted     EventType = "run_started"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventRunAborted     EventType = "run_aborted"
	EventNodeScheduled  EventType = "node_scheduled"
	EventNodeStarted    EventType = "node_started"
	EventNodeCompleted  EventType = "node_completed"
	EventNodeFailed     EventType = "node_failed"
	EventNodeRetrying   EventType = "node_retrying"
	EventNodeTimeout    EventType = "node_timeout"
	EventMessageLogged  EventType = "message_logged"
	EventMessageRelayed EventType = "message_relayed"
)

// Agent presence events emitted by the activity pipeline (team watcher).
const (
	EventAgentSpawned    EventType = "agent_spawned"
	EventAgentUpdated    EventType = "agent_updated"
	EventAgentCompleting EventType = "agent_completing"
	EventAgentRemoved    EventType = "agent_removed"
	EventAgentsCleared   EventType = "agents_cleared"
)

// Event is a fire-and-forget notification published to UI subscribers.
// There is no persistence and no replay.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"runId,omitempty"`
	NodeID    string         `json:"nodeId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent constructs an event stamped with the current time.
func NewEvent(typ EventType) Event {
	return Event{Type: typ, Timestamp: time.Now().UTC()}
}

// WithRun attaches a run id.
func (e Event) WithRun(runID string) Event {
	e.RunID = runID
	return e
}

// WithNode attaches a node id.
func (e Event) WithNode(nodeID string) Event {
	e.NodeID = nodeID
	return e
}

// WithAgent attaches an agent id.
func (e Event) WithAgent(agentID string) Event {
	e.AgentID = agentID
	return e
}

// WithData attaches a payload entry.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}
