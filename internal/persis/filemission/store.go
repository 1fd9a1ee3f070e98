// Package filemission implements the file-based store for mission
// definitions and mission templates. Each record is a single JSON file
// keyed by id: {baseDir}/{id}.json.
package filemission

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
)

// Store is a file-based mission store. The same type backs both mission
// definitions and templates; they differ only in base directory.
type Store struct {
	baseDir string
}

// New creates a store rooted at baseDir, creating the directory if needed.
func New(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, fileutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("filemission: failed to create directory %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) filePath(id string) (string, error) {
	p, err := fileutil.SafeJoin(s.baseDir, id)
	if err != nil {
		return "", fmt.Errorf("filemission: %w", core.ErrInvalidID)
	}
	return p + ".json", nil
}

// List returns all missions sorted by id. Unparseable files are skipped.
func (s *Store) List(ctx context.Context) ([]*core.Mission, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("filemission: failed to read directory %s: %w", s.baseDir, err)
	}
	var missions []*core.Mission
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		m, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			logger.Warn(ctx, "Skipping unreadable mission file", tag.Path(e.Name()))
			continue
		}
		missions = append(missions, m)
	}
	sort.Slice(missions, func(i, j int) bool { return missions[i].ID < missions[j].ID })
	return missions, nil
}

// Get returns the mission with the given id, or nil when it does not exist
// or its file cannot be parsed. Callers must treat nil as absent and must
// not write back on that assumption.
func (s *Store) Get(ctx context.Context, id string) (*core.Mission, error) {
	path, err := s.filePath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path validated by filePath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filemission: failed to read %s: %w", path, err)
	}
	var m core.Mission
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn(ctx, "Mission file is corrupt, treating as absent", tag.Path(path), tag.Error(err))
		return nil, nil
	}
	m.MigrateLegacyKeys()
	return &m, nil
}

// Create writes a new mission. The mission id must not already exist.
func (s *Store) Create(_ context.Context, m *core.Mission) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("filemission: %w", err)
	}
	path, err := s.filePath(m.ID)
	if err != nil {
		return err
	}
	if fileutil.FileExists(path) {
		return fmt.Errorf("filemission: mission %s already exists", m.ID)
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	return fileutil.WriteJSONAtomic(path, m)
}

// Update replaces an existing mission.
func (s *Store) Update(_ context.Context, m *core.Mission) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("filemission: %w", err)
	}
	path, err := s.filePath(m.ID)
	if err != nil {
		return err
	}
	if !fileutil.FileExists(path) {
		return core.ErrMissionNotFound
	}
	m.UpdatedAt = time.Now().UTC()
	return fileutil.WriteJSONAtomic(path, m)
}

// Delete removes the mission file. Returns false when it did not exist.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	path, err := s.filePath(id)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("filemission: failed to delete %s: %w", path, err)
	}
	return true, nil
}
