package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionkit/missiond/internal/logger/tag"
)

func newBufferLogger(opts ...Option) (*bytes.Buffer, Logger) {
	var buf bytes.Buffer
	opts = append([]Option{WithQuiet(), WithWriter(&buf)}, opts...)
	return &buf, NewLogger(opts...)
}

func TestLoggerWritesTags(t *testing.T) {
	t.Parallel()
	buf, log := newBufferLogger()

	log.Info("Run started", tag.Run("r1"), tag.Node("a"))
	out := buf.String()
	assert.Contains(t, out, "Run started")
	assert.Contains(t, out, "run=r1")
	assert.Contains(t, out, "node=a")
}

func TestLoggerJSONFormat(t *testing.T) {
	t.Parallel()
	buf, log := newBufferLogger(WithFormat("json"))

	log.Infof("mission %s saved", "m1")
	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "mission m1 saved", record["msg"])
	assert.Equal(t, "INFO", record["level"])
}

func TestLoggerDebugLevel(t *testing.T) {
	t.Parallel()
	buf, log := newBufferLogger()
	log.Debug("hidden")
	assert.Empty(t, buf.String())

	buf, log = newBufferLogger(WithDebug())
	log.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestLoggerWith(t *testing.T) {
	t.Parallel()
	buf, log := newBufferLogger()
	log.With(tag.Run("r9")).Warn("slow tick")

	out := buf.String()
	assert.Contains(t, out, "slow tick")
	assert.Contains(t, out, "run=r9")
}

func TestContextCarriesLogger(t *testing.T) {
	t.Parallel()
	buf, log := newBufferLogger()
	ctx := WithLogger(context.Background(), log)

	Info(ctx, "from context", tag.Mission("m1"))
	assert.Contains(t, buf.String(), "from context")
	assert.Contains(t, buf.String(), "mission=m1")

	// A bare context falls back to the default logger without panicking.
	Info(context.Background(), "no logger attached")
	assert.Equal(t, 1, strings.Count(buf.String(), "msg="))
}
