// Package fileproject persists the list of user-registered project servers
// in projects.json.
package fileproject

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/missionkit/missiond/internal/core"
	"github.com/missionkit/missiond/internal/fileutil"
)

// Project is one registered project server entry.
type Project struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Path    string    `json:"path,omitempty"`
	URL     string    `json:"url,omitempty"`
	AddedAt time.Time `json:"addedAt"`
}

// Store is the projects.json store.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a project store over the given file.
func New(path string) *Store {
	return &Store{path: path}
}

// List returns all registered projects. A missing file yields an empty
// list.
func (s *Store) List(_ context.Context) ([]Project, error) {
	data, err := os.ReadFile(s.path) //nolint:gosec // fixed path from config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fileproject: failed to read %s: %w", s.path, err)
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("fileproject: failed to parse %s: %w", s.path, err)
	}
	return projects, nil
}

// Add appends a project under the store lock.
func (s *Store) Add(ctx context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, existing := range projects {
		if existing.ID == p.ID {
			return fmt.Errorf("fileproject: project %s already exists", p.ID)
		}
	}
	p.AddedAt = time.Now().UTC()
	return fileutil.WriteJSONAtomic(s.path, append(projects, p))
}

// Remove deletes a project by id under the store lock.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects, err := s.List(ctx)
	if err != nil {
		return err
	}
	kept := projects[:0]
	found := false
	for _, p := range projects {
		if p.ID == id {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return core.ErrProjectNotFound
	}
	return fileutil.WriteJSONAtomic(s.path, kept)
}
