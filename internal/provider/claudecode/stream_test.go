package claudecode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamLine(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseStreamLine(nil))
	assert.Nil(t, parseStreamLine([]byte("   ")))
	assert.Nil(t, parseStreamLine([]byte("not json at all")))
	assert.Nil(t, parseStreamLine([]byte(`{"message":{}}`)))

	ev := parseStreamLine([]byte(`{"type":"result","subtype":"success","result":"done","is_error":false}`))
	require.NotNil(t, ev)
	assert.Equal(t, "result", ev.Type)
	assert.Equal(t, "done", ev.Result)
	assert.False(t, ev.IsError)

	ev = parseStreamLine([]byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}`))
	require.NotNil(t, ev)
	assert.Equal(t, "assistant", ev.Type)
}

func TestAssistantText(t *testing.T) {
	t.Parallel()

	ev := parseStreamLine([]byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"first "},` +
		`{"type":"tool_use","name":"Bash"},` +
		`{"type":"text","text":"second"}]}}`))
	require.NotNil(t, ev)
	assert.Equal(t, "first second", ev.assistantText())

	ev = parseStreamLine([]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read"}]}}`))
	require.NotNil(t, ev)
	assert.Empty(t, ev.assistantText())
}

func TestTailString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", tailString("short", 10))
	assert.Equal(t, "a b c", tailString("a\n  b\t\tc", 10))
	assert.Equal(t, "cdef", tailString("abcdef", 4))

	long := strings.Repeat("x ", 300)
	got := tailString(long, activeFormMaxChars)
	assert.Len(t, got, activeFormMaxChars)
}
