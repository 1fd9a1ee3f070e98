package claudecode

import (
	"os/exec"
	"sync"
	"time"
)

// outputBuffer is a bounded ring of raw output chunks. Chunks, not lines,
// are the unit: whatever a single pipe read returned is stored as-is.
type outputBuffer struct {
	mu     sync.Mutex
	chunks []string
	start  int
	count  int
}

func newOutputBuffer() *outputBuffer {
	return &outputBuffer{chunks: make([]string, maxOutputChunks)}
}

func (b *outputBuffer) Append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count < len(b.chunks) {
		b.chunks[(b.start+b.count)%len(b.chunks)] = chunk
		b.count++
		return
	}
	b.chunks[b.start] = chunk
	b.start = (b.start + 1) % len(b.chunks)
}

// Snapshot returns the buffered chunks oldest first.
func (b *outputBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.chunks[(b.start+i)%len(b.chunks)])
	}
	return out
}

// process tracks one spawned agent.
type process struct {
	agentID string
	runID   string
	nodeID  string
	cmd     *exec.Cmd
	output  *outputBuffer

	// done is closed by the waiter goroutine after the process exits and
	// both pipes have drained.
	done chan struct{}

	mu         sync.Mutex
	exitCode   int
	waitErr    error
	result     string
	resultErr  bool
	lastFormAt time.Time
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) setExit(code int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitCode = code
	p.waitErr = err
}

func (p *process) exit() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.waitErr
}

func (p *process) setResult(text string, isErr bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = text
	p.resultErr = isErr
}

func (p *process) finalResult() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, p.resultErr
}

// allowFormUpdate enforces the per-node activeForm throttle.
func (p *process) allowFormUpdate(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now.Sub(p.lastFormAt) < activeFormInterval {
		return false
	}
	p.lastFormAt = now
	return true
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
