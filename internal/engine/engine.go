// Package engine owns the DAG scheduler and the node and run state
// machines. Each active run is driven by a dedicated poller that ticks on a
// fixed interval, reads the task files the provider maintains, applies
// state transitions, and publishes events. The run record on disk is the
// single source of truth; the engine holds no run state in memory beyond
// the poller bookkeeping.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/eventbus"
	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
	"github.com/missionkit/missiond/internal/persis/filemission"
	"github.com/missionkit/missiond/internal/persis/filerun"
	"github.com/missionkit/missiond/internal/persis/filetask"
	"github.com/missionkit/missiond/internal/provider"
)

const (
	// defaultPollInterval is the per-run poller tick.
	defaultPollInterval = 2 * time.Second

	// defaultOrphanGrace is how long after a node starts before a dead
	// process with no terminal task file counts as an orphan. Generous so
	// it never races the provider's initial task-file write.
	defaultOrphanGrace = 30 * time.Second

	taskCacheSize = 512
	taskCacheTTL  = 5 * time.Minute
)

// Engine coordinates mission runs.
type Engine struct {
	missions  *filemission.Store
	runs      *filerun.Store
	tasks     *filetask.Store
	providers *provider.Registry
	bus       *eventbus.Bus

	pollInterval time.Duration
	orphanGrace  time.Duration
	taskCache    *fileutil.Cache[*core.TaskFile]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]*poller
	wg      sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithPollInterval overrides the poller tick, mainly for tests.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithOrphanGrace overrides the orphan grace period, mainly for tests.
func WithOrphanGrace(d time.Duration) Option {
	return func(e *Engine) { e.orphanGrace = d }
}

// New creates an engine over the given stores, provider registry, and bus.
func New(missions *filemission.Store, runs *filerun.Store, tasks *filetask.Store,
	providers *provider.Registry, bus *eventbus.Bus, opts ...Option,
) *Engine {
	e := &Engine{
		missions:     missions,
		runs:         runs,
		tasks:        tasks,
		providers:    providers,
		bus:          bus,
		pollInterval: defaultPollInterval,
		orphanGrace:  defaultOrphanGrace,
		taskCache:    fileutil.NewCache[*core.TaskFile](taskCacheSize, taskCacheTTL),
		pollers:      make(map[string]*poller),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start binds the engine's background lifetime to ctx. Must be called
// before any run is started.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels every poller and waits for them to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// StartMission validates the mission's DAG, creates a run record with every
// node pending, initializes the provider team, and attaches a poller. Root
// nodes are scheduled on the poller's first tick.
func (e *Engine) StartMission(ctx context.Context, missionID string, overrides map[string]string) (*core.Run, error) {
	mission, err := e.missions.Get(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, core.ErrMissionNotFound
	}
	graph, err := core.NewGraph(mission)
	if err != nil {
		return nil, err
	}

	runContext := make(map[string]string, len(mission.Context)+len(overrides))
	for k, v := range mission.Context {
		runContext[k] = v
	}
	for k, v := range overrides {
		runContext[k] = v
	}

	run := core.NewRun(uuid.NewString(), mission, runContext["workdir"], runContext)
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := e.initializeTeams(ctx, run.ID, mission); err != nil {
		_, _ = e.runs.DeleteRun(ctx, run.ID)
		return nil, err
	}

	logger.Info(ctx, "Mission run started", tag.Mission(missionID), tag.Run(run.ID))
	e.publish(core.NewEvent(core.EventRunStarted).WithRun(run.ID).WithData("missionId", missionID))
	e.attachPoller(run.ID, mission, graph)
	return run, nil
}

// initializeTeams calls InitializeTeam on every provider the mission's
// nodes reference.
func (e *Engine) initializeTeams(ctx context.Context, runID string, mission *core.Mission) error {
	seen := make(map[string]bool)
	for _, n := range mission.Nodes {
		name := n.ProviderName()
		if seen[name] {
			continue
		}
		seen[name] = true
		prov, err := e.providers.Get(name)
		if err != nil {
			return err
		}
		if err := prov.InitializeTeam(ctx, runID, mission); err != nil {
			return fmt.Errorf("engine: team initialization failed for provider %s: %w", name, err)
		}
	}
	return nil
}

// AbortMission terminates every active agent, marks all non-terminal nodes
// failed, and sets the run aborted. Aborting an already-terminal run is a
// no-op.
func (e *Engine) AbortMission(ctx context.Context, runID string) (*core.Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, core.ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	mission, _ := e.missions.Get(ctx, run.MissionID)
	for _, nodeID := range run.ActiveNodes() {
		e.abortNodeProcess(ctx, mission, runID, nodeID)
	}

	now := time.Now().UTC()
	updated, err := e.runs.UpdateRun(ctx, runID, func(r *core.Run) error {
		for _, st := range r.NodeStates {
			if st.Status.IsTerminal() {
				continue
			}
			st.Status = core.NodeFailed
			st.Error = "Run aborted"
			st.CompletedAt = &now
		}
		r.Status = core.RunAborted
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.stopPoller(runID)
	e.cleanupRun(ctx, runID, mission)
	logger.Info(ctx, "Mission run aborted", tag.Run(runID))
	e.publish(core.NewEvent(core.EventRunAborted).WithRun(runID))
	return updated, nil
}

// RetryNode resets a failed or timed-out node to pending, along with every
// failed node reachable from it, and reopens the run if it was terminal.
func (e *Engine) RetryNode(ctx context.Context, runID, nodeID string) (*core.Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, core.ErrRunNotFound
	}
	st, ok := run.NodeStates[nodeID]
	if !ok {
		return nil, core.ErrNodeNotFound
	}
	if st.Status != core.NodeFailed && st.Status != core.NodeTimeout {
		return nil, fmt.Errorf("node %s is %s: %w", nodeID, st.Status, core.ErrNotRetriable)
	}

	mission, err := e.missions.Get(ctx, run.MissionID)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, core.ErrMissionNotFound
	}
	graph, err := core.NewGraph(mission)
	if err != nil {
		return nil, err
	}

	reset := map[string]bool{nodeID: true}
	for _, desc := range graph.Descendants(nodeID) {
		if ds, ok := run.NodeStates[desc]; ok &&
			(ds.Status == core.NodeFailed || ds.Status == core.NodeTimeout) {
			reset[desc] = true
		}
	}

	wasTerminal := run.Status.IsTerminal()
	updated, err := e.runs.UpdateRun(ctx, runID, func(r *core.Run) error {
		for id := range reset {
			r.NodeStates[id] = &core.NodeState{Status: core.NodePending}
		}
		r.Status = core.RunRunning
		r.CompletedAt = nil
		r.Error = ""
		r.Summary = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	// A terminal run had its team directories cleaned up; recreate them
	// before the poller schedules the reset nodes.
	if wasTerminal {
		if err := e.initializeTeams(ctx, runID, mission); err != nil {
			return nil, err
		}
	}
	logger.Info(ctx, "Node retry requested", tag.Run(runID), tag.Node(nodeID))
	e.publish(core.NewEvent(core.EventNodeRetrying).WithRun(runID).WithNode(nodeID).WithData("manual", true))
	e.attachPoller(runID, mission, graph)
	return updated, nil
}

// RelayMessage appends a message to the target node's task file and the run
// log.
func (e *Engine) RelayMessage(ctx context.Context, runID, from, to, content string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return core.ErrRunNotFound
	}
	if _, ok := run.NodeStates[to]; !ok {
		return core.ErrNodeNotFound
	}
	team := core.TeamNameForRun(runID)
	if err := e.tasks.AppendTaskMessage(ctx, team, to, from, content); err != nil {
		return err
	}
	if _, err := e.runs.AddMessage(ctx, runID, core.RunMessage{
		NodeID:  to,
		Role:    from,
		Content: content,
	}); err != nil {
		return err
	}
	e.publish(core.NewEvent(core.EventMessageRelayed).
		WithRun(runID).WithNode(to).
		WithData("from", from).WithData("content", content))
	return nil
}

// GetProgress returns a structured progress snapshot, or nil when the run
// does not exist.
func (e *Engine) GetProgress(ctx context.Context, runID string) (*core.Progress, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil || run == nil {
		return nil, err
	}
	p := &core.Progress{
		RunID:       runID,
		Status:      run.Status,
		StatusCount: make(map[string]int),
		Nodes:       make(map[string]core.NodeProgress),
	}
	completed := 0
	for nodeID, st := range run.NodeStates {
		p.StatusCount[st.Status.String()]++
		if st.Status == core.NodeCompleted {
			completed++
		}
		var durationMs int64
		if st.StartedAt != nil {
			end := time.Now().UTC()
			if st.CompletedAt != nil {
				end = *st.CompletedAt
			}
			durationMs = end.Sub(*st.StartedAt).Milliseconds()
		}
		p.Nodes[nodeID] = core.NodeProgress{
			Status:     st.Status,
			DurationMs: durationMs,
			Retries:    st.RetryCount,
			HasOutput:  st.Output != "",
			FileCount:  len(st.Files),
		}
	}
	if len(run.NodeStates) > 0 {
		p.Percent = completed * 100 / len(run.NodeStates)
	}
	return p, nil
}

// GetActiveRuns returns the ids of runs with a live poller, sorted.
func (e *Engine) GetActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pollers))
	for id := range e.pollers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResumeActiveRuns reattaches pollers to every run left running on disk,
// called once at startup. Nodes mid-retry are rescheduled by the poller's
// first tick; agents that died while the server was down fall out through
// orphan detection.
func (e *Engine) ResumeActiveRuns(ctx context.Context) error {
	active, err := e.runs.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, run := range active {
		mission, err := e.missions.Get(ctx, run.MissionID)
		if err != nil {
			return err
		}
		if mission == nil {
			e.failRunUnstartable(ctx, run.ID, "Mission not found on resume")
			continue
		}
		graph, err := core.NewGraph(mission)
		if err != nil {
			e.failRunUnstartable(ctx, run.ID, err.Error())
			continue
		}
		logger.Info(ctx, "Resuming run", tag.Run(run.ID), tag.Mission(mission.ID))
		e.attachPoller(run.ID, mission, graph)
	}
	return nil
}

func (e *Engine) failRunUnstartable(ctx context.Context, runID, reason string) {
	now := time.Now().UTC()
	_, err := e.runs.UpdateRun(ctx, runID, func(r *core.Run) error {
		r.Status = core.RunFailed
		r.Error = reason
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to mark unresumable run", tag.Run(runID), tag.Error(err))
		return
	}
	e.publish(core.NewEvent(core.EventRunFailed).WithRun(runID).WithData("error", reason))
}

func (e *Engine) abortNodeProcess(ctx context.Context, mission *core.Mission, runID, nodeID string) {
	prov, err := e.providerForNode(mission, nodeID)
	if err != nil {
		logger.Warn(ctx, "No provider to abort node", tag.Run(runID), tag.Node(nodeID), tag.Error(err))
		return
	}
	if err := prov.AbortNode(ctx, runID, nodeID); err != nil {
		logger.Warn(ctx, "Node abort failed", tag.Run(runID), tag.Node(nodeID), tag.Error(err))
	}
}

func (e *Engine) providerForNode(mission *core.Mission, nodeID string) (provider.Provider, error) {
	if mission != nil {
		if n := mission.NodeByID(nodeID); n != nil {
			return e.providers.ForNode(*n)
		}
	}
	return e.providers.Get("")
}

// cleanupRun removes per-run provider resources for every provider the
// mission used.
func (e *Engine) cleanupRun(ctx context.Context, runID string, mission *core.Mission) {
	seen := make(map[string]bool)
	names := []string{""}
	if mission != nil {
		for _, n := range mission.Nodes {
			names = append(names, n.ProviderName())
		}
	}
	for _, name := range names {
		prov, err := e.providers.Get(name)
		if err != nil || seen[prov.Name()] {
			continue
		}
		seen[prov.Name()] = true
		if err := prov.CleanupRun(ctx, runID); err != nil {
			logger.Warn(ctx, "Run cleanup failed", tag.Run(runID), tag.Provider(prov.Name()), tag.Error(err))
		}
	}
}

func (e *Engine) publish(ev core.Event) {
	e.bus.Publish(ev)
}
