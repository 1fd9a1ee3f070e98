// Package tag provides standardized tag constructors for structured logging.
//
// Use these instead of raw strings so log keys stay consistent across the
// codebase.
package tag

import "log/slog"

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Mission creates a tag for mission ids.
func Mission(id string) slog.Attr {
	return slog.String("mission", id)
}

// Run creates a tag for run ids.
func Run(id string) slog.Attr {
	return slog.String("run", id)
}

// Node creates a tag for node ids.
func Node(id string) slog.Attr {
	return slog.String("node", id)
}

// Agent creates a tag for agent ids.
func Agent(id string) slog.Attr {
	return slog.String("agent", id)
}

// Team creates a tag for team names.
func Team(name string) slog.Attr {
	return slog.String("team", name)
}

// Provider creates a tag for provider names.
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Path creates a tag for filesystem paths.
func Path(p string) slog.Attr {
	return slog.String("path", p)
}

// PID creates a tag for OS process ids.
func PID(pid int) slog.Attr {
	return slog.Int("pid", pid)
}

// Status creates a tag for status strings.
func Status(s string) slog.Attr {
	return slog.String("status", s)
}

// Retry creates a tag for retry counts.
func Retry(n int) slog.Attr {
	return slog.Int("retry", n)
}
