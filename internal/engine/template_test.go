package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/missionkit/missiond/internal/core"
)

func TestExpandPrompt(t *testing.T) {
	t.Parallel()

	run := &core.Run{NodeStates: map[string]*core.NodeState{
		"plan":  {Status: core.NodeCompleted, Output: "the plan"},
		"build": {Status: core.NodeRunning, Output: "partial"},
	}}
	runContext := map[string]string{"workdir": "/tmp/w", "lang": "go"}

	tests := []struct {
		name   string
		prompt string
		want   string
	}{
		{"ContextKey", "work in {context.workdir}", "work in /tmp/w"},
		{"NodeOutput", "follow {plan.output}", "follow the plan"},
		{"Both", "{context.lang}: {plan.output}", "go: the plan"},
		{"UnknownContextKeyLeftVerbatim", "use {context.missing}", "use {context.missing}"},
		{"UnknownNodeLeftVerbatim", "use {ghost.output}", "use {ghost.output}"},
		{"IncompleteNodeLeftVerbatim", "use {build.output}", "use {build.output}"},
		{"UnrecognizedPlaceholderLeftVerbatim", "use {whatever}", "use {whatever}"},
		{"NoPlaceholders", "plain text", "plain text"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, ExpandPrompt(tc.prompt, runContext, run))
		})
	}
}

func TestExpandPromptSinglePass(t *testing.T) {
	t.Parallel()

	// Output containing a placeholder must not be expanded again.
	run := &core.Run{NodeStates: map[string]*core.NodeState{
		"a": {Status: core.NodeCompleted, Output: "{context.workdir}"},
	}}
	got := ExpandPrompt("{a.output}", map[string]string{"workdir": "/secret"}, run)
	assert.Equal(t, "{context.workdir}", got)
}
