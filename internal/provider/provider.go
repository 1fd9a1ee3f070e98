// Package provider defines the agent provider abstraction. A provider owns
// the full lifecycle of agent processes for a run: team setup, spawning,
// abort, and cleanup. The engine talks to providers only through this
// interface and never touches child processes directly.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/missionkit/missiond/internal/core"
)

// ExecSpec carries everything a provider needs to start one node's agent.
// The prompt arrives fully expanded; providers never see template
// placeholders.
type ExecSpec struct {
	RunID   string
	Node    core.Node
	Prompt  string
	Workdir string

	// Task file relationship hints, computed from the mission graph.
	BlockedBy []string
	Blocks    []string
	Siblings  []string
	Peers     map[string]string
}

// Info describes a provider for the API surface.
type Info struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Available   bool     `json:"available"`
	AgentTypes  []string `json:"agentTypes"`
}

// Provider is the contract every agent backend implements.
type Provider interface {
	// Name returns the registry key, e.g. "claude-code".
	Name() string

	// Info reports availability and supported agent types.
	Info(ctx context.Context) Info

	// IsAvailable reports whether the backend can spawn agents on this
	// host.
	IsAvailable(ctx context.Context) bool

	// InitializeTeam prepares the per-run workspace (team config, task
	// directory) before any node is scheduled.
	InitializeTeam(ctx context.Context, runID string, mission *core.Mission) error

	// ExecuteNode spawns the agent for one node and returns its agent id.
	// The call returns once the process has survived spawn verification;
	// execution continues in the background.
	ExecuteNode(ctx context.Context, spec ExecSpec) (string, error)

	// AbortNode terminates a node's agent process. Aborting a node with no
	// live process is not an error.
	AbortNode(ctx context.Context, runID, nodeID string) error

	// CleanupRun removes all per-run resources. Idempotent.
	CleanupRun(ctx context.Context, runID string) error

	// IsProcessAlive reports whether the agent process behind the given
	// agent id still exists.
	IsProcessAlive(ctx context.Context, agentID string) bool

	// OutputChunks returns the buffered raw output of a node's most recent
	// agent process, oldest first. Nil when the node has no tracked
	// process.
	OutputChunks(ctx context.Context, runID, nodeID string) []string

	// Shutdown terminates every process the provider still tracks. Called
	// once during server shutdown.
	Shutdown(ctx context.Context) error
}

// Registry maps provider names to implementations.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name, replacing any previous
// registration.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider with the given name. An empty name resolves to
// the default provider.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = core.DefaultProvider
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, core.ErrProviderUnknown)
	}
	return p, nil
}

// ForNode resolves the provider a node declares, falling back to the
// default.
func (r *Registry) ForNode(node core.Node) (Provider, error) {
	return r.Get(node.ProviderName())
}

// List returns Info for all registered providers, sorted by name.
func (r *Registry) List(ctx context.Context) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Info(ctx))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// OutputChunks asks each provider in turn for a node's buffered output and
// returns the first hit.
func (r *Registry) OutputChunks(ctx context.Context, runID, nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if chunks := p.OutputChunks(ctx, runID, nodeID); chunks != nil {
			return chunks
		}
	}
	return nil
}

// Shutdown shuts down every registered provider, returning the first error.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, p := range r.providers {
		if err := p.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
