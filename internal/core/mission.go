// Package core defines the mission, run, task-file, and team data model
// shared by the store, engine, provider, and watcher.
package core

import (
	"fmt"
	"time"
)

// Default agent types supported by the claude-code provider.
const (
	AgentTypePlan            = "Plan"
	AgentTypeExplore         = "Explore"
	AgentTypeGeneralPurpose  = "general-purpose"
	AgentTypeCodeImplementer = "code-implementer"
	AgentTypeCodeReviewer    = "code-reviewer"
	AgentTypeSecurity        = "security-reviewer"
	AgentTypeArchitect       = "architect"
	AgentTypeRefactorCleaner = "refactor-cleaner"
	AgentTypeBash            = "Bash"
)

// DefaultProvider is the provider used when a node does not name one.
const DefaultProvider = "claude-code"

// Mission is a saved DAG of agent nodes. Immutable once saved except via an
// explicit update.
type Mission struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Nodes       []Node            `json:"nodes"`
	Edges       []Edge            `json:"edges"`
	Context     map[string]string `json:"context,omitempty"`
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

// Node is one vertex of the mission DAG; it maps to a single agent
// invocation per run attempt.
type Node struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	AgentType string     `json:"agentType"`
	Prompt    string     `json:"prompt"`
	Config    NodeConfig `json:"config,omitempty"`
	Provider  string     `json:"provider,omitempty"`
	Model     string     `json:"model,omitempty"`
	// UnitClass is a display grouping hint for the UI. Older missions carry
	// it under the legacy key droidClass; the store migrates on load.
	UnitClass  string   `json:"unitClass,omitempty"`
	DroidClass string   `json:"droidClass,omitempty"`
	MCPServers []string `json:"mcpServers,omitempty"`
	Skills     []string `json:"skills,omitempty"`
}

// NodeConfig holds per-node execution limits.
type NodeConfig struct {
	// TimeoutSeconds bounds a single attempt. Zero means no timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// Retries is the number of allowed re-attempts after a failure.
	Retries *int `json:"retries,omitempty"`
}

// MaxRetries returns the configured retry budget, defaulting to 1.
func (c NodeConfig) MaxRetries() int {
	if c.Retries == nil {
		return 1
	}
	return *c.Retries
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ProviderName returns the node's provider, defaulting to claude-code.
func (n Node) ProviderName() string {
	if n.Provider == "" {
		return DefaultProvider
	}
	return n.Provider
}

// NodeByID returns the node with the given id, or nil.
func (m *Mission) NodeByID(id string) *Node {
	for i := range m.Nodes {
		if m.Nodes[i].ID == id {
			return &m.Nodes[i]
		}
	}
	return nil
}

// Validate checks structural integrity: unique node ids and edges that
// reference declared nodes. DAG acyclicity is checked separately at
// run-start via NewGraph.
func (m *Mission) Validate() error {
	seen := make(map[string]struct{}, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.ID == "" {
			return fmt.Errorf("mission %s: node with empty id", m.ID)
		}
		if _, ok := seen[n.ID]; ok {
			return fmt.Errorf("mission %s: duplicate node id %q", m.ID, n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range m.Edges {
		if _, ok := seen[e.From]; !ok {
			return fmt.Errorf("mission %s: edge references unknown node %q", m.ID, e.From)
		}
		if _, ok := seen[e.To]; !ok {
			return fmt.Errorf("mission %s: edge references unknown node %q", m.ID, e.To)
		}
	}
	return nil
}

// MigrateLegacyKeys copies the legacy droidClass field onto unitClass when
// only the legacy key is present. Kept as a compatibility shim for missions
// saved by older releases.
func (m *Mission) MigrateLegacyKeys() {
	for i := range m.Nodes {
		if m.Nodes[i].UnitClass == "" && m.Nodes[i].DroidClass != "" {
			m.Nodes[i].UnitClass = m.Nodes[i].DroidClass
		}
	}
}
