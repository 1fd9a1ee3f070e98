package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
	"github.com/missionkit/missiond/internal/provider"
)

// poller drives one run. Ticks are serial by construction and guarded
// against overlap, so every state transition within a run happens on a
// single logical thread.
type poller struct {
	runID   string
	mission *core.Mission
	graph   *core.Graph
	cancel  context.CancelFunc

	// inTick skips a tick that fires while the previous one is still
	// executing. Overlapping ticks would corrupt the run file's
	// read-modify-write sequences.
	inTick atomic.Bool

	// preSnapshots holds the pre-spawn workdir snapshot per node, consumed
	// when the node completes. In-memory only; a node resumed across a
	// restart reports no files.
	mu           sync.Mutex
	preSnapshots map[string]map[string]struct{}
}

func (p *poller) setPreSnapshot(nodeID string, snap map[string]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preSnapshots[nodeID] = snap
}

func (p *poller) takePreSnapshot(nodeID string) map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.preSnapshots[nodeID]
	delete(p.preSnapshots, nodeID)
	return snap
}

// attachPoller starts a poller for the run unless one is already live.
func (e *Engine) attachPoller(runID string, mission *core.Mission, graph *core.Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pollers[runID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	p := &poller{
		runID:        runID,
		mission:      mission,
		graph:        graph,
		cancel:       cancel,
		preSnapshots: make(map[string]map[string]struct{}),
	}
	e.pollers[runID] = p
	e.wg.Add(1)
	go e.runPoller(ctx, p)
}

func (e *Engine) stopPoller(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pollers[runID]; ok {
		p.cancel()
		delete(e.pollers, runID)
	}
}

func (e *Engine) removePoller(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pollers, runID)
}

func (e *Engine) runPoller(ctx context.Context, p *poller) {
	defer e.wg.Done()
	defer p.cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	if done := e.guardedTick(ctx, p); done {
		e.removePoller(p.runID)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := e.guardedTick(ctx, p); done {
				e.removePoller(p.runID)
				return
			}
		}
	}
}

// guardedTick runs one tick under the reentrancy guard. Returns true when
// the run reached a terminal state and the poller should exit.
func (e *Engine) guardedTick(ctx context.Context, p *poller) bool {
	if !p.inTick.CompareAndSwap(false, true) {
		logger.Debug(ctx, "Skipping overlapping tick", tag.Run(p.runID))
		return false
	}
	defer p.inTick.Store(false)
	return e.tick(ctx, p)
}

// tick is one pass of the run state machine.
func (e *Engine) tick(ctx context.Context, p *poller) bool {
	run, err := e.runs.GetRun(ctx, p.runID)
	if err != nil {
		logger.Error(ctx, "Poll failed to read run", tag.Run(p.runID), tag.Error(err))
		return false
	}
	if run == nil {
		logger.Warn(ctx, "Run record vanished, stopping poller", tag.Run(p.runID))
		return true
	}
	if run.Status.IsTerminal() {
		return true
	}

	for _, nodeID := range p.graph.Nodes() {
		st, ok := run.NodeStates[nodeID]
		if !ok {
			continue
		}
		switch st.Status {
		case core.NodePending:
			if e.parentsCompleted(run, p.graph, nodeID) {
				run = e.scheduleNode(ctx, p, run, nodeID)
			}
		case core.NodeRetrying:
			run = e.scheduleNode(ctx, p, run, nodeID)
		case core.NodeSpawning, core.NodeRunning:
			run = e.pollActiveNode(ctx, p, run, nodeID)
		case core.NodeCompleted, core.NodeFailed, core.NodeTimeout:
			// Terminal is terminal.
		}
		if run == nil {
			return false
		}
	}
	return e.evaluateRun(ctx, p, run)
}

func (e *Engine) parentsCompleted(run *core.Run, graph *core.Graph, nodeID string) bool {
	for _, parent := range graph.Parents(nodeID) {
		st, ok := run.NodeStates[parent]
		if !ok || st.Status != core.NodeCompleted {
			return false
		}
	}
	return true
}

// scheduleNode spawns the agent for a ready node. The spawn happens inline
// within the tick, so a node never has more than one outstanding spawn.
func (e *Engine) scheduleNode(ctx context.Context, p *poller, run *core.Run, nodeID string) *core.Run {
	node := p.mission.NodeByID(nodeID)
	if node == nil {
		return run
	}
	e.publish(core.NewEvent(core.EventNodeScheduled).WithRun(run.ID).WithNode(nodeID))

	now := time.Now().UTC()
	run, err := e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(st *core.NodeState) {
		st.Status = core.NodeSpawning
		st.StartedAt = &now
		st.CompletedAt = nil
		st.AgentID = ""
		st.Output = ""
		st.Error = ""
		st.Files = nil
		st.LastTaskStatus = ""
		st.LastActiveForm = ""
		st.LastMsgCount = 0
	})
	if err != nil {
		logger.Error(ctx, "Failed to mark node spawning", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return nil
	}

	if snap, ok := snapshotWorkdir(run.Workdir); ok {
		p.setPreSnapshot(nodeID, snap)
	}
	if path, pathErr := e.tasks.TaskPath(core.TeamNameForRun(run.ID), nodeID); pathErr == nil {
		e.taskCache.Invalidate(path)
	}

	prov, err := e.providers.ForNode(*node)
	if err != nil {
		return e.handleNodeFailure(ctx, p, run, nodeID, err.Error(), core.NodeFailed)
	}
	spec := e.execSpec(p, run, *node)
	agentID, err := prov.ExecuteNode(ctx, spec)
	if err != nil {
		logger.Warn(ctx, "Agent spawn failed", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return e.handleNodeFailure(ctx, p, run, nodeID, fmt.Sprintf("Spawn failed: %v", err), core.NodeFailed)
	}

	run, err = e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(st *core.NodeState) {
		st.Status = core.NodeRunning
		st.AgentID = agentID
	})
	if err != nil {
		logger.Error(ctx, "Failed to mark node running", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return nil
	}
	logger.Info(ctx, "Node started", tag.Run(p.runID), tag.Node(nodeID), tag.Agent(agentID))
	e.publish(core.NewEvent(core.EventNodeStarted).WithRun(run.ID).WithNode(nodeID).WithAgent(agentID))
	return run
}

// execSpec assembles the provider call for one node, expanding the prompt
// and deriving task-file relationships from the graph.
func (e *Engine) execSpec(p *poller, run *core.Run, node core.Node) provider.ExecSpec {
	siblings := make(map[string]bool)
	for _, parent := range p.graph.Parents(node.ID) {
		for _, child := range p.graph.Children(parent) {
			if child != node.ID {
				siblings[child] = true
			}
		}
	}
	siblingList := make([]string, 0, len(siblings))
	for id := range siblings {
		siblingList = append(siblingList, id)
	}
	peers := make(map[string]string, len(p.mission.Nodes))
	for _, n := range p.mission.Nodes {
		if n.ID != node.ID {
			peers[n.ID] = n.AgentType
		}
	}
	return provider.ExecSpec{
		RunID:     run.ID,
		Node:      node,
		Prompt:    ExpandPrompt(node.Prompt, run.Context, run),
		Workdir:   run.Workdir,
		BlockedBy: p.graph.Parents(node.ID),
		Blocks:    p.graph.Children(node.ID),
		Siblings:  siblingList,
		Peers:     peers,
	}
}

// pollActiveNode inspects a running node's task file and process, applying
// timeout, completion, failure, and orphan transitions.
func (e *Engine) pollActiveNode(ctx context.Context, p *poller, run *core.Run, nodeID string) *core.Run {
	node := p.mission.NodeByID(nodeID)
	st := run.NodeStates[nodeID]

	// Timeout first, and kill before transitioning so a late completed
	// task file from the dying process cannot reopen the node.
	if node != nil && node.Config.TimeoutSeconds > 0 && st.StartedAt != nil {
		elapsed := time.Since(*st.StartedAt)
		if elapsed > time.Duration(node.Config.TimeoutSeconds)*time.Second {
			logger.Warn(ctx, "Node timed out", tag.Run(p.runID), tag.Node(nodeID))
			e.abortNodeProcess(ctx, p.mission, p.runID, nodeID)
			return e.handleNodeFailure(ctx, p, run, nodeID,
				fmt.Sprintf("Timed out after %ds", node.Config.TimeoutSeconds), core.NodeTimeout)
		}
	}

	tf := e.readTaskCached(ctx, p.runID, nodeID)
	if tf == nil {
		return e.checkOrphan(ctx, p, run, nodeID)
	}

	run = e.observeTaskFile(ctx, p, run, nodeID, tf)
	if run == nil {
		return nil
	}

	switch tf.Status {
	case core.TaskCompleted:
		return e.completeNode(ctx, p, run, nodeID, tf)
	case core.TaskFailed, core.TaskError:
		msg := tf.Error
		if msg == "" {
			msg = "Agent reported failure"
		}
		return e.handleNodeFailure(ctx, p, run, nodeID, msg, core.NodeFailed)
	default:
		return e.checkOrphan(ctx, p, run, nodeID)
	}
}

// observeTaskFile persists edge-detection fields and forwards new task
// messages into the run log.
func (e *Engine) observeTaskFile(ctx context.Context, p *poller, run *core.Run, nodeID string, tf *core.TaskFile) *core.Run {
	st := run.NodeStates[nodeID]
	newMsgs := len(tf.Messages) - st.LastMsgCount
	if tf.Status == st.LastTaskStatus && tf.ActiveForm == st.LastActiveForm && newMsgs <= 0 {
		return run
	}

	if newMsgs > 0 {
		for _, m := range tf.Messages[st.LastMsgCount:] {
			if _, err := e.runs.AddMessage(ctx, run.ID, core.RunMessage{
				NodeID:  nodeID,
				Role:    m.From,
				Content: m.Content,
			}); err != nil {
				logger.Warn(ctx, "Failed to log task message", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
				break
			}
			e.publish(core.NewEvent(core.EventMessageLogged).
				WithRun(run.ID).WithNode(nodeID).
				WithData("from", m.From).WithData("content", m.Content))
		}
	}

	msgCount := len(tf.Messages)
	run, err := e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(ns *core.NodeState) {
		ns.LastTaskStatus = tf.Status
		ns.LastActiveForm = tf.ActiveForm
		ns.LastMsgCount = msgCount
	})
	if err != nil {
		logger.Error(ctx, "Failed to persist poll markers", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return nil
	}
	return run
}

// checkOrphan fails a node whose process is gone without a terminal task
// file, after the grace period. Orphans are never retried; a broken agent
// would orphan every attempt.
func (e *Engine) checkOrphan(ctx context.Context, p *poller, run *core.Run, nodeID string) *core.Run {
	st := run.NodeStates[nodeID]
	if st.StartedAt == nil || time.Since(*st.StartedAt) < e.orphanGrace {
		return run
	}
	prov, err := e.providerForNode(p.mission, nodeID)
	if err != nil {
		return run
	}
	if st.AgentID != "" && prov.IsProcessAlive(ctx, st.AgentID) {
		return run
	}

	logger.Warn(ctx, "Orphaned node detected", tag.Run(p.runID), tag.Node(nodeID), tag.Agent(st.AgentID))
	now := time.Now().UTC()
	run, err = e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(ns *core.NodeState) {
		ns.Status = core.NodeFailed
		ns.Error = "Orphan: agent process exited without reporting status"
		ns.CompletedAt = &now
	})
	if err != nil {
		logger.Error(ctx, "Failed to mark orphan", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return nil
	}
	e.publish(core.NewEvent(core.EventNodeFailed).WithRun(run.ID).WithNode(nodeID).WithData("orphan", true))
	return run
}

// completeNode records a node's success, deriving its file artifacts from
// the workdir snapshot diff.
func (e *Engine) completeNode(ctx context.Context, p *poller, run *core.Run, nodeID string, tf *core.TaskFile) *core.Run {
	var files []string
	if pre := p.takePreSnapshot(nodeID); pre != nil {
		if post, ok := snapshotWorkdir(run.Workdir); ok {
			files = diffSnapshots(pre, post)
		}
	}

	now := time.Now().UTC()
	run, err := e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(ns *core.NodeState) {
		ns.Status = core.NodeCompleted
		ns.CompletedAt = &now
		ns.Output = tf.Output
		ns.Files = files
	})
	if err != nil {
		logger.Error(ctx, "Failed to complete node", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return nil
	}
	logger.Info(ctx, "Node completed", tag.Run(p.runID), tag.Node(nodeID))
	e.publish(core.NewEvent(core.EventNodeCompleted).
		WithRun(run.ID).WithNode(nodeID).
		WithData("fileCount", len(files)))
	return run
}

// handleNodeFailure applies retry policy: below the retry budget the node
// goes to retrying and is respawned next tick; at the budget it takes the
// terminal status for its failure kind.
func (e *Engine) handleNodeFailure(ctx context.Context, p *poller, run *core.Run, nodeID, errMsg string, terminal core.NodeStatus) *core.Run {
	node := p.mission.NodeByID(nodeID)
	maxRetries := 1
	if node != nil {
		maxRetries = node.Config.MaxRetries()
	}
	st := run.NodeStates[nodeID]

	if st.RetryCount < maxRetries {
		run, err := e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(ns *core.NodeState) {
			ns.RetryCount++
			ns.Status = core.NodeRetrying
			ns.Error = errMsg
		})
		if err != nil {
			logger.Error(ctx, "Failed to mark node retrying", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
			return nil
		}
		logger.Info(ctx, "Node will retry", tag.Run(p.runID), tag.Node(nodeID), tag.Retry(run.NodeStates[nodeID].RetryCount))
		e.publish(core.NewEvent(core.EventNodeRetrying).
			WithRun(run.ID).WithNode(nodeID).
			WithData("retryCount", run.NodeStates[nodeID].RetryCount).
			WithData("error", errMsg))
		return run
	}

	now := time.Now().UTC()
	run, err := e.runs.UpdateNodeState(ctx, run.ID, nodeID, func(ns *core.NodeState) {
		ns.Status = terminal
		ns.Error = errMsg
		ns.CompletedAt = &now
	})
	if err != nil {
		logger.Error(ctx, "Failed to mark node failed", tag.Run(p.runID), tag.Node(nodeID), tag.Error(err))
		return nil
	}
	eventType := core.EventNodeFailed
	if terminal == core.NodeTimeout {
		eventType = core.EventNodeTimeout
	}
	logger.Warn(ctx, "Node reached terminal failure", tag.Run(p.runID), tag.Node(nodeID), tag.Status(terminal.String()))
	e.publish(core.NewEvent(eventType).WithRun(run.ID).WithNode(nodeID).WithData("error", errMsg))
	return run
}

// evaluateRun applies the run completion rule. Returns true when the run
// reached a terminal state.
func (e *Engine) evaluateRun(ctx context.Context, p *poller, run *core.Run) bool {
	allCompleted := true
	for _, st := range run.NodeStates {
		if st.Status != core.NodeCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		return e.finishRun(ctx, p, run, core.RunCompleted, "")
	}

	// A failed node only fails the run when it blocks downstream work:
	// some reachable node is neither completed nor still able to make
	// progress.
	for nodeID, st := range run.NodeStates {
		if st.Status != core.NodeFailed && st.Status != core.NodeTimeout {
			continue
		}
		for _, desc := range p.graph.Descendants(nodeID) {
			ds, ok := run.NodeStates[desc]
			if !ok {
				continue
			}
			if ds.Status == core.NodeCompleted || ds.Status.IsActive() || ds.Status == core.NodeRetrying {
				continue
			}
			return e.finishRun(ctx, p, run, core.RunFailed,
				fmt.Sprintf("Node %s failed and blocks remaining execution", nodeID))
		}
	}

	// Every node terminal but not all completed: a failed node with no
	// downstream work still ends the run.
	for _, st := range run.NodeStates {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	for nodeID, st := range run.NodeStates {
		if st.Status == core.NodeFailed || st.Status == core.NodeTimeout {
			return e.finishRun(ctx, p, run, core.RunFailed, fmt.Sprintf("Node %s failed", nodeID))
		}
	}
	return false
}

// finishRun records the terminal run status, builds the summary on
// success, kills any stragglers on failure, and cleans up provider
// resources.
func (e *Engine) finishRun(ctx context.Context, p *poller, run *core.Run, status core.RunStatus, errMsg string) bool {
	var summary *core.RunSummary
	if status == core.RunCompleted {
		summary = buildSummary(run, p.mission)
	}
	if status == core.RunFailed {
		for _, nodeID := range run.ActiveNodes() {
			e.abortNodeProcess(ctx, p.mission, p.runID, nodeID)
		}
	}

	now := time.Now().UTC()
	updated, err := e.runs.UpdateRun(ctx, run.ID, func(r *core.Run) error {
		if r.Status.IsTerminal() {
			return nil
		}
		r.Status = status
		r.Error = errMsg
		r.CompletedAt = &now
		r.Summary = summary
		if status == core.RunFailed {
			for _, st := range r.NodeStates {
				if st.Status.IsActive() || st.Status == core.NodeRetrying {
					st.Status = core.NodeFailed
					st.Error = "Run failed"
					st.CompletedAt = &now
				}
			}
		}
		return nil
	})
	if err != nil {
		logger.Error(ctx, "Failed to finish run", tag.Run(p.runID), tag.Error(err))
		return false
	}

	e.cleanupRun(ctx, p.runID, p.mission)

	eventType := core.EventRunCompleted
	if status == core.RunFailed {
		eventType = core.EventRunFailed
	}
	logger.Info(ctx, "Run finished", tag.Run(p.runID), tag.Status(status.String()))
	ev := core.NewEvent(eventType).WithRun(run.ID).WithData("status", status.String())
	if errMsg != "" {
		ev = ev.WithData("error", errMsg)
	}
	if updated.Summary != nil {
		ev = ev.WithData("summary", updated.Summary)
	}
	e.publish(ev)
	return true
}

// readTaskCached loads a task file through the stat-checked cache so
// unchanged files are not re-parsed every tick.
func (e *Engine) readTaskCached(ctx context.Context, runID, nodeID string) *core.TaskFile {
	team := core.TeamNameForRun(runID)
	path, err := e.tasks.TaskPath(team, nodeID)
	if err != nil {
		return nil
	}
	tf, err := e.taskCache.LoadLatest(path, func() (*core.TaskFile, error) {
		return e.tasks.ReadTask(ctx, team, nodeID)
	})
	if err != nil {
		// Missing file, most likely; the orphan path handles it.
		return nil
	}
	return tf
}
