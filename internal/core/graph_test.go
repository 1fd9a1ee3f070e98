package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mission(nodes []string, edges []Edge) *Mission {
	m := &Mission{ID: "m1", Name: "test"}
	for _, id := range nodes {
		m.Nodes = append(m.Nodes, Node{ID: id, Label: id, AgentType: AgentTypeGeneralPurpose})
	}
	m.Edges = edges
	return m
}

func TestNewGraph(t *testing.T) {
	t.Parallel()

	t.Run("LinearChain", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph(mission([]string{"a", "b", "c"}, []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}}))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, g.Roots())
		assert.Equal(t, []string{"a"}, g.Parents("b"))
		assert.Equal(t, []string{"c"}, g.Children("b"))
	})

	t.Run("CycleDetected", func(t *testing.T) {
		t.Parallel()
		_, err := NewGraph(mission([]string{"a", "b"}, []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}}))
		require.ErrorIs(t, err, ErrCycleDetected)
	})

	t.Run("SelfLoop", func(t *testing.T) {
		t.Parallel()
		_, err := NewGraph(mission([]string{"a"}, []Edge{{From: "a", To: "a"}}))
		require.ErrorIs(t, err, ErrCycleDetected)
	})

	t.Run("EmptyMission", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph(mission(nil, nil))
		require.NoError(t, err)
		assert.Empty(t, g.Roots())
	})

	t.Run("FanOutFanIn", func(t *testing.T) {
		t.Parallel()
		g, err := NewGraph(mission(
			[]string{"a", "b", "c", "d"},
			[]Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
		))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, g.Roots())
		assert.ElementsMatch(t, []string{"b", "c"}, g.Parents("d"))
	})
}

func TestGraphDescendants(t *testing.T) {
	t.Parallel()
	g, err := NewGraph(mission(
		[]string{"a", "b", "c", "d", "e"},
		[]Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "b", To: "d"}},
	))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.ElementsMatch(t, []string{"c", "d"}, g.Descendants("b"))
	assert.Empty(t, g.Descendants("c"))
	assert.Empty(t, g.Descendants("e"))
}
