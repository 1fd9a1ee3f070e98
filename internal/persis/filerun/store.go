// Package filerun implements the file-based store for run records:
// {baseDir}/{runId}.json, one file per run.
//
// Mutations that depend on current state (node-state patches, message
// appends, summary updates) hold a per-run write lock for the whole
// read-modify-write sequence. The lock is process-local; this process is
// the only writer of these files. Readers do not take the lock — they see
// the last atomically written snapshot.
package filerun

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
)

// Store is a file-based run record store.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store rooted at baseDir, creating the directory if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, fileutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("filerun: failed to create directory %s: %w", baseDir, err)
	}
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the per-run mutex, creating it on first use. Lock entries
// are never removed; the set of runs in one process lifetime is small.
func (s *Store) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

func (s *Store) filePath(id string) (string, error) {
	p, err := fileutil.SafeJoin(s.baseDir, id)
	if err != nil {
		return "", fmt.Errorf("filerun: %w", core.ErrInvalidID)
	}
	return p + ".json", nil
}

// CreateRun persists a new run record.
func (s *Store) CreateRun(_ context.Context, run *core.Run) error {
	path, err := s.filePath(run.ID)
	if err != nil {
		return err
	}
	if fileutil.FileExists(path) {
		return fmt.Errorf("filerun: run %s already exists", run.ID)
	}
	return fileutil.WriteJSONAtomic(path, run)
}

// GetRun returns the run with the given id, or nil when absent or
// unparseable.
func (s *Store) GetRun(ctx context.Context, id string) (*core.Run, error) {
	path, err := s.filePath(id)
	if err != nil {
		return nil, err
	}
	return s.readRun(ctx, path)
}

func (s *Store) readRun(ctx context.Context, path string) (*core.Run, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path validated by filePath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filerun: failed to read %s: %w", path, err)
	}
	var run core.Run
	if err := json.Unmarshal(data, &run); err != nil {
		logger.Warn(ctx, "Run file is corrupt, treating as absent", tag.Path(path), tag.Error(err))
		return nil, nil
	}
	return &run, nil
}

// ListRuns returns all runs, optionally filtered by mission id, sorted by
// start time descending.
func (s *Store) ListRuns(ctx context.Context, missionID string) ([]*core.Run, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("filerun: failed to read directory %s: %w", s.baseDir, err)
	}
	var runs []*core.Run
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		run, err := s.readRun(ctx, filepath.Join(s.baseDir, e.Name()))
		if err != nil {
			return nil, err
		}
		if run == nil {
			continue
		}
		if missionID != "" && run.MissionID != missionID {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

// ListActive returns runs whose status is still running. Used on startup to
// reattach pollers.
func (s *Store) ListActive(ctx context.Context) ([]*core.Run, error) {
	runs, err := s.ListRuns(ctx, "")
	if err != nil {
		return nil, err
	}
	var active []*core.Run
	for _, r := range runs {
		if !r.Status.IsTerminal() {
			active = append(active, r)
		}
	}
	return active, nil
}

// UpdateRun applies mutate to the current record under the per-run lock and
// writes the result atomically. Returns core.ErrRunNotFound when the run
// does not exist.
func (s *Store) UpdateRun(ctx context.Context, runID string, mutate func(*core.Run) error) (*core.Run, error) {
	path, err := s.filePath(runID)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := s.readRun(ctx, path)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, core.ErrRunNotFound
	}
	if err := mutate(run); err != nil {
		return nil, err
	}
	if err := fileutil.WriteJSONAtomic(path, run); err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateNodeState applies mutate to one node's state under the per-run
// lock. The node state is created if the run file predates the node, which
// only happens for runs written by older releases.
func (s *Store) UpdateNodeState(ctx context.Context, runID, nodeID string, mutate func(*core.NodeState)) (*core.Run, error) {
	return s.UpdateRun(ctx, runID, func(run *core.Run) error {
		st, ok := run.NodeStates[nodeID]
		if !ok {
			st = &core.NodeState{Status: core.NodePending}
			run.NodeStates[nodeID] = st
		}
		mutate(st)
		return nil
	})
}

// AddMessage appends a message to the run log with a server-assigned
// timestamp. Append order is preserved by the per-run lock.
func (s *Store) AddMessage(ctx context.Context, runID string, msg core.RunMessage) (*core.Run, error) {
	msg.Timestamp = time.Now().UTC()
	return s.UpdateRun(ctx, runID, func(run *core.Run) error {
		run.Messages = append(run.Messages, msg)
		return nil
	})
}

// UpdateSummary replaces the run's summary.
func (s *Store) UpdateSummary(ctx context.Context, runID string, summary *core.RunSummary) (*core.Run, error) {
	return s.UpdateRun(ctx, runID, func(run *core.Run) error {
		run.Summary = summary
		return nil
	})
}

// DeleteRun removes the run file. Returns false when it did not exist.
func (s *Store) DeleteRun(_ context.Context, id string) (bool, error) {
	path, err := s.filePath(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filerun: failed to delete %s: %w", path, err)
	}
	return true, nil
}

// Exists reports whether a run file with the given id is present without
// parsing it.
func (s *Store) Exists(id string) bool {
	path, err := s.filePath(id)
	if err != nil {
		return false
	}
	return fileutil.FileExists(path)
}

// IDFromFilename converts a run file name back to a run id, or "" when the
// name is not a run file.
func IDFromFilename(name string) string {
	if filepath.Ext(name) != ".json" {
		return ""
	}
	return strings.TrimSuffix(name, ".json")
}
