package claudecode

import (
	"encoding/json"
	"strings"
)

// streamEvent is one line of the CLI's stream-json output. Only the event
// types the server consumes are modeled; everything else is ignored.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// parseStreamLine decodes one stdout line. Returns nil for blank lines and
// for anything that is not valid JSON; the stream interleaves diagnostics
// with events and unparseable lines are expected.
func parseStreamLine(line []byte) *streamEvent {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return nil
	}
	if ev.Type == "" {
		return nil
	}
	return &ev
}

// assistantText concatenates the text blocks of an assistant event.
func (ev *streamEvent) assistantText() string {
	var sb strings.Builder
	for _, block := range ev.Message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// tailString returns at most max characters from the end of s, with
// whitespace collapsed to single spaces so it reads as one status line.
func tailString(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
