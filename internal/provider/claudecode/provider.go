// Package claudecode implements the agent provider backed by the claude
// CLI. Each node spawns one `claude -p` child in stream-json mode; the
// provider parses the stream for live status, keeps a bounded ring of raw
// output, and records terminal task status when the process closes.
package claudecode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
	"github.com/missionkit/missiond/internal/persis/filetask"
	"github.com/missionkit/missiond/internal/provider"
)

const (
	providerName   = "claude-code"
	defaultCommand = "claude"

	// spawnVerifyWait is how long ExecuteNode watches a fresh child for an
	// immediate exit before declaring the spawn successful.
	spawnVerifyWait = 300 * time.Millisecond

	// activeFormInterval throttles task file rewrites driven by stream
	// output, per node.
	activeFormInterval = 500 * time.Millisecond

	activeFormMaxChars = 200
	stderrFormMaxChars = 80

	// abortGracePeriod is the SIGTERM to SIGKILL escalation window.
	abortGracePeriod = 5 * time.Second

	maxOutputChunks = 500
)

// Provider runs agents as claude CLI child processes.
type Provider struct {
	command string
	tasks   *filetask.Store

	mu    sync.Mutex
	procs map[string]*process
}

// Option configures the provider.
type Option func(*Provider)

// WithCommand overrides the CLI binary name, mainly for tests.
func WithCommand(cmd string) Option {
	return func(p *Provider) { p.command = cmd }
}

// New creates a claude-code provider over the given task store.
func New(tasks *filetask.Store, opts ...Option) *Provider {
	p := &Provider{
		command: defaultCommand,
		tasks:   tasks,
		procs:   make(map[string]*process),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ provider.Provider = (*Provider)(nil)

// Name implements provider.Provider.
func (p *Provider) Name() string { return providerName }

// IsAvailable reports whether the claude binary is on PATH.
func (p *Provider) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

// Info implements provider.Provider.
func (p *Provider) Info(ctx context.Context) provider.Info {
	return provider.Info{
		Name:        providerName,
		DisplayName: "Claude Code",
		Available:   p.IsAvailable(ctx),
		AgentTypes: []string{
			core.AgentTypeGeneralPurpose,
			core.AgentTypePlan,
			core.AgentTypeExplore,
			core.AgentTypeCodeImplementer,
			core.AgentTypeCodeReviewer,
			core.AgentTypeSecurity,
			core.AgentTypeArchitect,
			core.AgentTypeRefactorCleaner,
			core.AgentTypeBash,
		},
	}
}

// InitializeTeam writes the run's team roster before any node starts.
func (p *Provider) InitializeTeam(ctx context.Context, runID string, mission *core.Mission) error {
	members := make([]core.TeamMember, 0, len(mission.Nodes))
	for _, n := range mission.Nodes {
		if n.ProviderName() != providerName {
			continue
		}
		members = append(members, core.TeamMember{
			Name:      n.ID,
			AgentType: n.AgentType,
			Model:     n.Model,
		})
	}
	cfg := &core.TeamConfig{
		Name:      core.TeamNameForRun(runID),
		RunID:     runID,
		Members:   members,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.tasks.WriteTeamConfig(ctx, cfg); err != nil {
		return fmt.Errorf("claudecode: failed to initialize team: %w", err)
	}
	logger.Info(ctx, "Team initialized", tag.Run(runID), tag.Team(cfg.Name))
	return nil
}

// AgentID returns the identifier ExecuteNode hands back for a node.
func AgentID(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// ExecuteNode spawns the agent process for one node. It returns after spawn
// verification; stream handling and the close handler run in background
// goroutines.
func (p *Provider) ExecuteNode(ctx context.Context, spec provider.ExecSpec) (string, error) {
	team := core.TeamNameForRun(spec.RunID)
	agentID := AgentID(spec.RunID, spec.Node.ID)

	tf := &core.TaskFile{
		ID:          spec.Node.ID,
		Subject:     spec.Node.Label,
		Description: fileutil.TruncString(spec.Prompt, 500),
		Status:      core.TaskPending,
		Owner:       spec.Node.ID,
		BlockedBy:   spec.BlockedBy,
		Blocks:      spec.Blocks,
		Siblings:    spec.Siblings,
		Peers:       spec.Peers,
	}
	if err := p.tasks.WriteTask(ctx, team, tf); err != nil {
		return "", fmt.Errorf("claudecode: failed to write task file: %w", err)
	}

	cmd := exec.Command(p.command, buildArgs(spec)...) //nolint:gosec // binary is operator-configured
	cmd.Env = childEnv()
	cmd.SysProcAttr = sysProcAttr()
	if spec.Workdir != "" && fileutil.IsDir(spec.Workdir) {
		cmd.Dir = spec.Workdir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("claudecode: failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("claudecode: failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.failTask(ctx, team, spec.Node.ID, fmt.Sprintf("Failed to spawn agent: %v", err))
		return "", fmt.Errorf("claudecode: failed to start agent for node %s: %w", spec.Node.ID, err)
	}

	proc := &process{
		agentID: agentID,
		runID:   spec.RunID,
		nodeID:  spec.Node.ID,
		cmd:     cmd,
		output:  newOutputBuffer(),
		done:    make(chan struct{}),
	}
	p.register(proc)

	bg := context.WithoutCancel(ctx)
	var readers sync.WaitGroup
	readers.Add(2)
	go p.consumeStdout(bg, proc, team, stdout, &readers)
	go p.consumeStderr(bg, proc, team, stderr, &readers)
	go p.waitAndClose(bg, proc, team, &readers)

	// Spawn verification: a child that dies this quickly never became an
	// agent.
	select {
	case <-proc.done:
		code, waitErr := proc.exit()
		if code != 0 || waitErr != nil {
			p.unregister(agentID)
			p.failTask(ctx, team, spec.Node.ID, fmt.Sprintf("Agent exited during spawn (code %d)", code))
			return "", fmt.Errorf("claudecode: agent for node %s exited during spawn (code %d)", spec.Node.ID, code)
		}
	case <-time.After(spawnVerifyWait):
	}

	logger.Info(ctx, "Agent spawned", tag.Run(spec.RunID), tag.Node(spec.Node.ID), tag.PID(proc.pid()))
	return agentID, nil
}

// buildArgs assembles the CLI invocation for a node.
func buildArgs(spec provider.ExecSpec) []string {
	args := []string{
		"-p", spec.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if spec.Node.Model != "" {
		args = append(args, "--model", spec.Node.Model)
	}
	if spec.Node.AgentType != "" && spec.Node.AgentType != core.AgentTypeGeneralPurpose {
		args = append(args, "--append-system-prompt",
			fmt.Sprintf("You are acting as a %s agent.", spec.Node.AgentType))
	}
	return args
}

// childEnv returns the parent environment with CLAUDECODE removed. The CLI
// refuses to nest when it sees the variable, and an empty value still
// counts as set, so the entry must be deleted outright.
func childEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (p *Provider) register(proc *process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[proc.agentID] = proc
}

func (p *Provider) unregister(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, agentID)
}

func (p *Provider) lookup(agentID string) *process {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs[agentID]
}

// consumeStdout reads raw chunks into the ring buffer and feeds complete
// lines to the stream parser.
func (p *Provider) consumeStdout(ctx context.Context, proc *process, team string, r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			proc.output.Append(string(buf[:n]))
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				p.handleStreamLine(ctx, proc, team, pending[:idx])
				pending = pending[idx+1:]
			}
		}
		if err != nil {
			if len(pending) > 0 {
				p.handleStreamLine(ctx, proc, team, pending)
			}
			return
		}
	}
}

func (p *Provider) handleStreamLine(ctx context.Context, proc *process, team string, line []byte) {
	ev := parseStreamLine(line)
	if ev == nil {
		return
	}
	switch ev.Type {
	case "assistant":
		text := ev.assistantText()
		if text == "" {
			return
		}
		p.updateActiveForm(ctx, proc, team, tailString(text, activeFormMaxChars))
	case "result":
		proc.setResult(ev.Result, ev.IsError)
	}
}

// consumeStderr surfaces diagnostic lines as short activeForm updates so a
// wedged agent is visible in the UI.
func (p *Provider) consumeStderr(ctx context.Context, proc *process, team string, r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		proc.output.Append(line + "\n")
		p.updateActiveForm(ctx, proc, team, tailString(line, stderrFormMaxChars))
	}
}

// updateActiveForm rewrites the task file's live status line, throttled per
// node. Terminal task files are left alone.
func (p *Provider) updateActiveForm(ctx context.Context, proc *process, team, form string) {
	if form == "" || !proc.allowFormUpdate(time.Now()) {
		return
	}
	err := p.tasks.UpdateTask(ctx, team, proc.nodeID, func(tf *core.TaskFile) {
		if tf.Status.IsTerminal() {
			return
		}
		tf.ActiveForm = form
		if tf.Status == core.TaskPending || tf.Status == "" {
			tf.Status = core.TaskInProgress
		}
	})
	if err != nil {
		logger.Warn(ctx, "Failed to update activeForm", tag.Run(proc.runID), tag.Node(proc.nodeID), tag.Error(err))
	}
}

// waitAndClose reaps the child and records terminal task status. A task
// file already marked terminal (by the agent itself or by an abort) is not
// overwritten.
func (p *Provider) waitAndClose(ctx context.Context, proc *process, team string, readers *sync.WaitGroup) {
	readers.Wait()
	err := proc.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	proc.setExit(code, err)
	close(proc.done)

	result, resultErr := proc.finalResult()
	updErr := p.tasks.UpdateTask(ctx, team, proc.nodeID, func(tf *core.TaskFile) {
		if tf.Status.IsTerminal() {
			return
		}
		if code == 0 && !resultErr {
			tf.Status = core.TaskCompleted
			if tf.Output == "" {
				tf.Output = result
			}
		} else {
			tf.Status = core.TaskFailed
			if tf.Error == "" {
				if code != 0 {
					tf.Error = fmt.Sprintf("Process exited with code %d", code)
				} else {
					tf.Error = "Agent reported an error result"
				}
			}
			if tf.Output == "" {
				tf.Output = result
			}
		}
		tf.ActiveForm = ""
	})
	if updErr != nil {
		logger.Error(ctx, "Failed to record agent exit", tag.Run(proc.runID), tag.Node(proc.nodeID), tag.Error(updErr))
	}
	logger.Info(ctx, "Agent exited", tag.Run(proc.runID), tag.Node(proc.nodeID), tag.PID(proc.pid()),
		tag.Status(fmt.Sprintf("exit=%d", code)))
}

func (p *Provider) failTask(ctx context.Context, team, nodeID, msg string) {
	err := p.tasks.UpdateTask(ctx, team, nodeID, func(tf *core.TaskFile) {
		tf.Status = core.TaskFailed
		tf.Error = msg
		tf.ActiveForm = ""
	})
	if err != nil {
		logger.Warn(ctx, "Failed to mark task failed", tag.Node(nodeID), tag.Error(err))
	}
}

// AbortNode kills a node's agent, escalating from SIGTERM to SIGKILL after
// the grace period. Safe to call when no process is tracked.
func (p *Provider) AbortNode(ctx context.Context, runID, nodeID string) error {
	team := core.TeamNameForRun(runID)
	p.failTask(ctx, team, nodeID, "Aborted by user")

	proc := p.lookup(AgentID(runID, nodeID))
	if proc == nil || proc.exited() {
		return nil
	}
	pid := proc.pid()
	if pid <= 0 {
		return nil
	}
	logger.Info(ctx, "Aborting agent", tag.Run(runID), tag.Node(nodeID), tag.PID(pid))
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		logger.Warn(ctx, "SIGTERM failed", tag.PID(pid), tag.Error(err))
	}
	go func() {
		select {
		case <-proc.done:
		case <-time.After(abortGracePeriod):
			_ = signalGroup(pid, syscall.SIGKILL)
		}
	}()
	return nil
}

// CleanupRun kills any remaining processes for the run and removes its team
// and task directories. Idempotent.
func (p *Provider) CleanupRun(ctx context.Context, runID string) error {
	prefix := runID + "/"
	p.mu.Lock()
	var victims []*process
	for id, proc := range p.procs {
		if strings.HasPrefix(id, prefix) {
			victims = append(victims, proc)
			delete(p.procs, id)
		}
	}
	p.mu.Unlock()

	for _, proc := range victims {
		if !proc.exited() && proc.pid() > 0 {
			_ = signalGroup(proc.pid(), syscall.SIGKILL)
		}
	}
	if err := p.tasks.RemoveTeam(ctx, core.TeamNameForRun(runID)); err != nil {
		return fmt.Errorf("claudecode: cleanup for run %s: %w", runID, err)
	}
	logger.Info(ctx, "Run resources cleaned up", tag.Run(runID))
	return nil
}

// IsProcessAlive implements provider.Provider using the OS process table,
// not just our bookkeeping, so a crashed child is detected even before the
// waiter has reaped it.
func (p *Provider) IsProcessAlive(_ context.Context, agentID string) bool {
	proc := p.lookup(agentID)
	if proc == nil || proc.exited() {
		return false
	}
	pid := proc.pid()
	if pid <= 0 {
		return false
	}
	alive, err := gops.PidExists(int32(pid))
	return err == nil && alive
}

// OutputChunks implements provider.Provider.
func (p *Provider) OutputChunks(_ context.Context, runID, nodeID string) []string {
	proc := p.lookup(AgentID(runID, nodeID))
	if proc == nil {
		return nil
	}
	return proc.output.Snapshot()
}

// Shutdown SIGTERMs every tracked process and gives the group one grace
// period before SIGKILL.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	procs := make([]*process, 0, len(p.procs))
	for _, proc := range p.procs {
		procs = append(procs, proc)
	}
	p.mu.Unlock()

	for _, proc := range procs {
		if !proc.exited() && proc.pid() > 0 {
			_ = signalGroup(proc.pid(), syscall.SIGTERM)
		}
	}
	deadline := time.After(abortGracePeriod)
	for _, proc := range procs {
		select {
		case <-proc.done:
		case <-deadline:
			if !proc.exited() && proc.pid() > 0 {
				_ = signalGroup(proc.pid(), syscall.SIGKILL)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	logger.Info(ctx, "Provider shut down", tag.Provider(providerName))
	return nil
}
