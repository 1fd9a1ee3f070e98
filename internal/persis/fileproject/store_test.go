package fileproject

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionkit/missiond/internal/core"
)

func TestProjectLifecycle(t *testing.T) {
	t.Parallel()
	s := New(filepath.Join(t.TempDir(), "projects.json"))
	ctx := context.Background()

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.Add(ctx, Project{ID: "p1", Name: "demo", Path: "/tmp/demo"}))
	require.Error(t, s.Add(ctx, Project{ID: "p1", Name: "dup"}))

	list, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].Name)
	assert.False(t, list[0].AddedAt.IsZero())

	require.NoError(t, s.Remove(ctx, "p1"))
	err = s.Remove(ctx, "p1")
	require.ErrorIs(t, err, core.ErrProjectNotFound)
}
