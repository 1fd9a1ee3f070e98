// Package filetask owns the on-disk agent protocol files:
//
//	teams/<team>/config.json   team roster, written once per run
//	tasks/<team>/<node>.json   per-node task file
//
// The provider writes task records and live activeForm updates; the agent
// process may rewrite status, output, and messages; the engine and the team
// watcher only read. All writes funnel through this store, which holds a
// per-file lock for every read-modify-write so concurrent streams (stdout,
// stderr, close handler, abort) never interleave partial updates.
package filetask

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/fileutil"
)

// Store provides access to team and task files.
type Store struct {
	teamsDir string
	tasksDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a store over the given teams and tasks directories.
func New(teamsDir, tasksDir string) (*Store, error) {
	for _, dir := range []string{teamsDir, tasksDir} {
		if err := os.MkdirAll(dir, fileutil.DirPermissions); err != nil {
			return nil, fmt.Errorf("filetask: failed to create directory %s: %w", dir, err)
		}
	}
	return &Store{
		teamsDir: teamsDir,
		tasksDir: tasksDir,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[path]
	if !ok {
		l = &sync.Mutex{}
		s.locks[path] = l
	}
	return l
}

// TaskPath returns the task file path for a team and node id.
func (s *Store) TaskPath(team, nodeID string) (string, error) {
	teamDir, err := fileutil.SafeJoin(s.tasksDir, team)
	if err != nil {
		return "", fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	p, err := fileutil.SafeJoin(teamDir, nodeID)
	if err != nil {
		return "", fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	return p + ".json", nil
}

// ReadTask returns the task file for a team and node, or nil when absent or
// unparseable.
func (s *Store) ReadTask(_ context.Context, team, nodeID string) (*core.TaskFile, error) {
	path, err := s.TaskPath(team, nodeID)
	if err != nil {
		return nil, err
	}
	return readTaskFile(path)
}

func readTaskFile(path string) (*core.TaskFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path validated by TaskPath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filetask: failed to read %s: %w", path, err)
	}
	var tf core.TaskFile
	if err := json.Unmarshal(data, &tf); err != nil {
		// Partially written by an external agent; treat as absent.
		return nil, nil
	}
	return &tf, nil
}

// WriteTask writes the task file atomically, creating the team directory on
// first use.
func (s *Store) WriteTask(_ context.Context, team string, tf *core.TaskFile) error {
	path, err := s.TaskPath(team, tf.ID)
	if err != nil {
		return err
	}
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), fileutil.DirPermissions); err != nil {
		return fmt.Errorf("filetask: failed to create task directory: %w", err)
	}
	return fileutil.WriteJSONAtomic(path, tf)
}

// UpdateTask applies mutate to the current task file under the per-file
// lock. When the file is missing or unreadable, mutate receives a minimal
// record carrying only the node id so terminal status is never lost.
func (s *Store) UpdateTask(_ context.Context, team, nodeID string, mutate func(*core.TaskFile)) error {
	path, err := s.TaskPath(team, nodeID)
	if err != nil {
		return err
	}
	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	tf, err := readTaskFile(path)
	if err != nil || tf == nil {
		tf = &core.TaskFile{ID: nodeID, Owner: nodeID}
	}
	mutate(tf)
	if err := os.MkdirAll(filepath.Dir(path), fileutil.DirPermissions); err != nil {
		return fmt.Errorf("filetask: failed to create task directory: %w", err)
	}
	return fileutil.WriteJSONAtomic(path, tf)
}

// AppendTaskMessage appends a message to a task file's inline log.
func (s *Store) AppendTaskMessage(ctx context.Context, team, nodeID, from, content string) error {
	return s.UpdateTask(ctx, team, nodeID, func(tf *core.TaskFile) {
		tf.Messages = append(tf.Messages, core.TaskMessage{
			Timestamp: time.Now().UTC(),
			From:      from,
			Content:   content,
		})
	})
}

// ListTasks returns all task files for a team, keyed by node id.
func (s *Store) ListTasks(_ context.Context, team string) (map[string]*core.TaskFile, error) {
	teamDir, err := fileutil.SafeJoin(s.tasksDir, team)
	if err != nil {
		return nil, fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	entries, err := os.ReadDir(teamDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*core.TaskFile{}, nil
		}
		return nil, fmt.Errorf("filetask: failed to read %s: %w", teamDir, err)
	}
	out := make(map[string]*core.TaskFile)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		tf, err := readTaskFile(filepath.Join(teamDir, e.Name()))
		if err != nil || tf == nil {
			continue
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = tf
	}
	return out, nil
}

// WriteTeamConfig writes teams/<team>/config.json.
func (s *Store) WriteTeamConfig(_ context.Context, cfg *core.TeamConfig) error {
	teamDir, err := fileutil.SafeJoin(s.teamsDir, cfg.Name)
	if err != nil {
		return fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	if err := os.MkdirAll(teamDir, fileutil.DirPermissions); err != nil {
		return fmt.Errorf("filetask: failed to create team directory: %w", err)
	}
	return fileutil.WriteJSONAtomic(filepath.Join(teamDir, "config.json"), cfg)
}

// ReadTeamConfig returns the roster for a team, or nil when absent or
// unparseable.
func (s *Store) ReadTeamConfig(_ context.Context, team string) (*core.TeamConfig, error) {
	teamDir, err := fileutil.SafeJoin(s.teamsDir, team)
	if err != nil {
		return nil, fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	data, err := os.ReadFile(filepath.Join(teamDir, "config.json")) //nolint:gosec // path validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filetask: failed to read team config for %s: %w", team, err)
	}
	var cfg core.TeamConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, nil
	}
	if cfg.Name == "" {
		cfg.Name = team
	}
	return &cfg, nil
}

// ListTeams returns the names of team directories that contain a readable
// config.json.
func (s *Store) ListTeams(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.teamsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filetask: failed to read %s: %w", s.teamsDir, err)
	}
	var teams []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		cfg, err := s.ReadTeamConfig(ctx, e.Name())
		if err != nil || cfg == nil {
			continue
		}
		teams = append(teams, e.Name())
	}
	return teams, nil
}

// RemoveTeam deletes a team's directory and its task directory. Idempotent.
func (s *Store) RemoveTeam(_ context.Context, team string) error {
	teamDir, err := fileutil.SafeJoin(s.teamsDir, team)
	if err != nil {
		return fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	taskDir, err := fileutil.SafeJoin(s.tasksDir, team)
	if err != nil {
		return fmt.Errorf("filetask: %w", core.ErrInvalidID)
	}
	if err := os.RemoveAll(teamDir); err != nil {
		return fmt.Errorf("filetask: failed to remove team directory: %w", err)
	}
	if err := os.RemoveAll(taskDir); err != nil {
		return fmt.Errorf("filetask: failed to remove task directory: %w", err)
	}
	return nil
}
