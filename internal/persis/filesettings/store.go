// Package filesettings reads and writes the key/value configuration files
// settings.json and settings.local.json. Reads merge the two with local
// values winning; writes always target settings.json and hold the store
// lock for the whole read-modify-write sequence.
package filesettings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
)

// Store is the settings file store.
type Store struct {
	settingsFile string
	localFile    string
	mu           sync.Mutex
}

// New creates a settings store over the given file pair.
func New(settingsFile, localFile string) *Store {
	return &Store{settingsFile: settingsFile, localFile: localFile}
}

// Load returns the merged settings map. Missing files contribute nothing;
// corrupt files are logged and skipped.
func (s *Store) Load(ctx context.Context) (map[string]any, error) {
	merged := make(map[string]any)
	for _, path := range []string{s.settingsFile, s.localFile} {
		m, err := readSettingsFile(ctx, path)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged, nil
}

// Get returns a single merged setting value, with ok=false when unset.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	m, err := s.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// Set updates one key in settings.json under the store lock.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := readSettingsFile(ctx, s.settingsFile)
	if err != nil {
		return err
	}
	m[key] = value
	return fileutil.WriteJSONAtomic(s.settingsFile, m)
}

// Delete removes one key from settings.json under the store lock.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := readSettingsFile(ctx, s.settingsFile)
	if err != nil {
		return err
	}
	delete(m, key)
	return fileutil.WriteJSONAtomic(s.settingsFile, m)
}

func readSettingsFile(ctx context.Context, path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // fixed path from config
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("filesettings: failed to read %s: %w", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		logger.Warn(ctx, "Settings file is corrupt, ignoring", tag.Path(path), tag.Error(err))
		return make(map[string]any), nil
	}
	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
