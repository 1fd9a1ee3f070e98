// Package teamwatch polls the teams and tasks directories and converts
// filesystem state into agent presence events. The filesystem is the source
// of truth for who is working: a team directory appearing means agents
// exist, task files carry their live status, and the directory vanishing
// means they are gone. The watcher holds the only in-memory agent roster
// and diffs it against disk on every tick.
package teamwatch

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/eventbus"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
	"github.com/missionkit/missiond/internal/persis/filerun"
	"github.com/missionkit/missiond/internal/persis/filetask"
)

// pollInterval is the watcher tick.
const pollInterval = 2500 * time.Millisecond

// teamLeadName is the synthetic member representing the orchestrator
// itself. Every live team shows one even though no task file backs it.
const teamLeadName = "team-lead"

// Agent is the watcher's view of one live agent.
type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Team       string    `json:"team"`
	RunID      string    `json:"runId,omitempty"`
	AgentType  string    `json:"agentType,omitempty"`
	Model      string    `json:"model,omitempty"`
	Status     string    `json:"status"`
	ActiveForm string    `json:"activeForm,omitempty"`
	FirstSeen  time.Time `json:"firstSeen"`
}

// Watcher polls team state and publishes presence events.
type Watcher struct {
	tasks    *filetask.Store
	runs     *filerun.Store
	bus      *eventbus.Bus
	interval time.Duration

	mu     sync.RWMutex
	agents map[string]Agent
}

// Option configures the watcher.
type Option func(*Watcher)

// WithInterval overrides the poll interval, mainly for tests.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) { w.interval = d }
}

// New creates a watcher over the given stores and bus.
func New(tasks *filetask.Store, runs *filerun.Store, bus *eventbus.Bus, opts ...Option) *Watcher {
	w := &Watcher{
		tasks:    tasks,
		runs:     runs,
		bus:      bus,
		interval: pollInterval,
		agents:   make(map[string]Agent),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the poll loop until ctx is done. It polls once immediately so
// agents from a previous process show up without waiting a tick.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		w.Poll(ctx)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Poll(ctx)
			}
		}
	}()
}

// ActiveAgents returns the current roster sorted by agent id. Used for the
// websocket init snapshot.
func (w *Watcher) ActiveAgents() []Agent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Agent, 0, len(w.agents))
	for _, a := range w.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Poll performs one scan and emits the resulting diff. Exported for tests;
// Start calls it on the tick.
func (w *Watcher) Poll(ctx context.Context) {
	teams, err := w.tasks.ListTeams(ctx)
	if err != nil {
		logger.Warn(ctx, "Team scan failed", tag.Error(err))
		return
	}

	current := make(map[string]Agent)
	for _, team := range teams {
		if w.cleanupStaleTeam(ctx, team) {
			continue
		}
		w.collectTeam(ctx, team, current)
	}
	w.diffAndPublish(ctx, current)
}

// cleanupStaleTeam removes run-scoped team directories whose run already
// reached a terminal state. Returns true when the team was removed.
func (w *Watcher) cleanupStaleTeam(ctx context.Context, team string) bool {
	runID := runIDForTeam(team)
	if runID == "" {
		return false
	}
	run, err := w.runs.GetRun(ctx, runID)
	if err != nil || run == nil {
		return false
	}
	if !run.Status.IsTerminal() {
		return false
	}
	logger.Info(ctx, "Removing stale team for finished run", tag.Team(team), tag.Run(runID))
	if err := w.tasks.RemoveTeam(ctx, team); err != nil {
		logger.Warn(ctx, "Stale team cleanup failed", tag.Team(team), tag.Error(err))
		return false
	}
	return true
}

func runIDForTeam(team string) string {
	if !strings.HasPrefix(team, "run-") {
		return ""
	}
	return strings.TrimPrefix(team, "run-")
}

// collectTeam builds agent entries for one team from its roster and task
// files.
func (w *Watcher) collectTeam(ctx context.Context, team string, current map[string]Agent) {
	cfg, err := w.tasks.ReadTeamConfig(ctx, team)
	if err != nil || cfg == nil {
		return
	}
	tasks, err := w.tasks.ListTasks(ctx, team)
	if err != nil {
		logger.Warn(ctx, "Task scan failed", tag.Team(team), tag.Error(err))
		tasks = map[string]*core.TaskFile{}
	}

	lead := Agent{
		ID:     team + "/" + teamLeadName,
		Name:   teamLeadName,
		Team:   team,
		RunID:  cfg.RunID,
		Status: string(core.TaskInProgress),
	}
	current[lead.ID] = lead

	seen := make(map[string]bool, len(cfg.Members))
	for _, m := range cfg.Members {
		seen[m.Name] = true
		current[team+"/"+m.Name] = w.agentFromMember(team, cfg.RunID, m, tasks[m.Name])
	}
	// Task files with no roster entry still count; an agent may create
	// subtasks the config never listed.
	for nodeID, tf := range tasks {
		if seen[nodeID] {
			continue
		}
		current[team+"/"+nodeID] = w.agentFromMember(team, cfg.RunID, core.TeamMember{Name: nodeID}, tf)
	}
}

func (w *Watcher) agentFromMember(team, runID string, m core.TeamMember, tf *core.TaskFile) Agent {
	a := Agent{
		ID:        team + "/" + m.Name,
		Name:      m.Name,
		Team:      team,
		RunID:     runID,
		AgentType: m.AgentType,
		Model:     m.Model,
		Status:    string(core.TaskPending),
	}
	if tf != nil {
		if tf.Status != "" {
			a.Status = string(tf.Status)
		}
		a.ActiveForm = activeDescription(tf)
	}
	return a
}

// activeDescription picks the line shown under an agent: the live
// activeForm when present, otherwise the task description, preferring work
// in progress over queued work.
func activeDescription(tf *core.TaskFile) string {
	if tf.ActiveForm != "" {
		return tf.ActiveForm
	}
	if tf.Status == core.TaskInProgress || tf.Status == core.TaskPending {
		return tf.Description
	}
	return ""
}

// diffAndPublish compares the scan result against the previous roster and
// emits presence events for every change.
func (w *Watcher) diffAndPublish(ctx context.Context, current map[string]Agent) {
	w.mu.Lock()
	previous := w.agents

	now := time.Now().UTC()
	for id, a := range current {
		if prev, ok := previous[id]; ok {
			a.FirstSeen = prev.FirstSeen
		} else {
			a.FirstSeen = now
		}
		current[id] = a
	}
	w.agents = current
	w.mu.Unlock()

	for id, a := range current {
		prev, existed := previous[id]
		switch {
		case !existed:
			logger.Debug(ctx, "Agent appeared", tag.Agent(id), tag.Team(a.Team))
			w.publish(core.EventAgentSpawned, a)
		case prev.Status != a.Status || prev.ActiveForm != a.ActiveForm:
			w.publish(core.EventAgentUpdated, a)
			if core.TaskStatus(a.Status).IsTerminal() && !core.TaskStatus(prev.Status).IsTerminal() {
				w.publish(core.EventAgentCompleting, a)
			}
		}
	}
	removed := 0
	for id, prev := range previous {
		if _, ok := current[id]; ok {
			continue
		}
		removed++
		// A vanished team means the run finished; report the agent as done
		// before dropping it.
		if !core.TaskStatus(prev.Status).IsTerminal() {
			prev.Status = string(core.TaskCompleted)
			w.publish(core.EventAgentCompleting, prev)
		}
		w.publish(core.EventAgentRemoved, prev)
	}
	if removed > 0 && len(current) == 0 {
		w.bus.Publish(core.NewEvent(core.EventAgentsCleared))
	}
}

func (w *Watcher) publish(typ core.EventType, a Agent) {
	w.bus.Publish(core.NewEvent(typ).
		WithRun(a.RunID).
		WithAgent(a.ID).
		WithData("agent", a))
}
