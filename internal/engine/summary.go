package engine

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/missionkit/missiond/internal/core"
)

const (
	// snapshotCeiling aborts workdir diffing before it allocates without
	// bound on a huge tree.
	snapshotCeiling = 10000

	// summaryFileCap bounds the flat file list in the run summary.
	summaryFileCap = 100
)

// snapshotWorkdir returns the set of workdir-relative file paths, skipping
// dotfiles and node_modules. ok is false when the directory is missing or
// the tree exceeds the ceiling; callers fall back to an empty diff.
func snapshotWorkdir(workdir string) (map[string]struct{}, bool) {
	if workdir == "" {
		return nil, false
	}
	files := make(map[string]struct{})
	ok := true
	err := filepath.WalkDir(workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if path != workdir && (strings.HasPrefix(name, ".") || name == "node_modules") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(workdir, path)
		if relErr != nil {
			return nil //nolint:nilerr // unrepresentable path, skip it
		}
		files[rel] = struct{}{}
		if len(files) > snapshotCeiling {
			ok = false
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil || !ok {
		return nil, false
	}
	return files, true
}

// diffSnapshots returns the sorted paths present in post but not pre.
func diffSnapshots(pre, post map[string]struct{}) []string {
	var added []string
	for p := range post {
		if _, ok := pre[p]; !ok {
			added = append(added, p)
		}
	}
	sort.Strings(added)
	return added
}

// setupHintsFor derives quick-start commands from well-known filenames.
func setupHintsFor(files []string) []string {
	base := make(map[string]bool, len(files))
	for _, f := range files {
		base[filepath.Base(f)] = true
	}
	var hints []string
	if base["package.json"] {
		hints = append(hints, "npm install")
	}
	if base["requirements.txt"] {
		hints = append(hints, "pip install -r requirements.txt")
	}
	if base["Gemfile"] {
		hints = append(hints, "bundle install")
	}
	if base["go.mod"] {
		hints = append(hints, "go mod download")
	}
	switch {
	case base["server.js"]:
		hints = append(hints, "node server.js")
	case base["index.js"]:
		hints = append(hints, "node index.js")
	}
	return hints
}

// dirPrefixes returns the sorted unique ancestor directories of the files.
func dirPrefixes(files []string) []string {
	var dirs []string
	for _, f := range files {
		for dir := filepath.Dir(f); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			dirs = append(dirs, dir)
		}
	}
	dirs = lo.Uniq(dirs)
	sort.Strings(dirs)
	return dirs
}

// buildSummary aggregates node artifacts into the completed run's summary.
func buildSummary(run *core.Run, mission *core.Mission) *core.RunSummary {
	var all []string
	nodeFileMap := make(map[string][]string)
	completed := 0
	for nodeID, st := range run.NodeStates {
		if st.Status == core.NodeCompleted {
			completed++
		}
		if len(st.Files) == 0 {
			continue
		}
		label := nodeID
		if n := mission.NodeByID(nodeID); n != nil && n.Label != "" {
			label = n.Label
		}
		nodeFileMap[label] = append(nodeFileMap[label], st.Files...)
		all = append(all, st.Files...)
	}
	all = lo.Uniq(all)
	sort.Strings(all)

	return &core.RunSummary{
		TotalFiles:     len(all),
		Files:          all[:min(len(all), summaryFileCap)],
		Workdir:        run.Workdir,
		NodeFileMap:    nodeFileMap,
		SetupHints:     setupHintsFor(all),
		Dirs:           dirPrefixes(all),
		NodesCompleted: completed,
		NodesTotal:     len(run.NodeStates),
		CompletedAt:    time.Now().UTC(),
	}
}
