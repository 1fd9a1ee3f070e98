package claudecode

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutputBufferRing(t *testing.T) {
	t.Parallel()

	b := newOutputBuffer()
	assert.Empty(t, b.Snapshot())

	b.Append("a")
	b.Append("b")
	assert.Equal(t, []string{"a", "b"}, b.Snapshot())

	for i := 0; i < maxOutputChunks+10; i++ {
		b.Append(fmt.Sprintf("chunk-%d", i))
	}
	snap := b.Snapshot()
	assert.Len(t, snap, maxOutputChunks)
	// Oldest entries were evicted; the snapshot ends with the newest.
	assert.Equal(t, fmt.Sprintf("chunk-%d", maxOutputChunks+9), snap[len(snap)-1])
	assert.Equal(t, "chunk-10", snap[0])
}

func TestAllowFormUpdateThrottles(t *testing.T) {
	t.Parallel()

	p := &process{}
	now := time.Now()
	assert.True(t, p.allowFormUpdate(now))
	assert.False(t, p.allowFormUpdate(now.Add(100*time.Millisecond)))
	assert.False(t, p.allowFormUpdate(now.Add(activeFormInterval-time.Millisecond)))
	assert.True(t, p.allowFormUpdate(now.Add(activeFormInterval)))
}
