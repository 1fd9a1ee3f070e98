package engine

import (
	"regexp"
	"strings"

	"github.com/missionkit/missiond/internal/core"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_][A-Za-z0-9_.-]*)\}`)

// ExpandPrompt resolves {context.KEY} and {NODEID.output} placeholders in a
// single left-to-right pass. Unresolved placeholders stay verbatim, and
// substituted values are never re-scanned, so agent output cannot inject
// further expansion.
func ExpandPrompt(prompt string, runContext map[string]string, run *core.Run) string {
	return placeholderRe.ReplaceAllStringFunc(prompt, func(match string) string {
		key := match[1 : len(match)-1]
		if ctxKey, ok := strings.CutPrefix(key, "context."); ok {
			if v, found := runContext[ctxKey]; found {
				return v
			}
			return match
		}
		if nodeID, ok := strings.CutSuffix(key, ".output"); ok {
			if st, found := run.NodeStates[nodeID]; found && st.Status == core.NodeCompleted {
				return st.Output
			}
			return match
		}
		return match
	})
}
