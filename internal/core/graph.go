package core

import (
	"errors"
)

// DAG validation failures surfaced at run start.
var (
	ErrCycleDetected = errors.New("mission graph contains a cycle")
	ErrNoRootNodes   = errors.New("mission graph has no root nodes")
)

// Graph is the adjacency view of a mission's nodes and edges, verified
// acyclic at construction.
type Graph struct {
	nodes    []string
	parents  map[string][]string
	children map[string][]string
}

// NewGraph builds a Graph from the mission, failing with ErrCycleDetected
// when (nodes, edges) is not a DAG and ErrNoRootNodes when the mission has
// nodes but every node has an incoming edge.
func NewGraph(m *Mission) (*Graph, error) {
	g := &Graph{
		parents:  make(map[string][]string),
		children: make(map[string][]string),
	}
	for _, n := range m.Nodes {
		g.nodes = append(g.nodes, n.ID)
	}
	for _, e := range m.Edges {
		g.parents[e.To] = append(g.parents[e.To], e.From)
		g.children[e.From] = append(g.children[e.From], e.To)
	}

	// Kahn's algorithm: repeatedly remove zero-in-degree nodes. Anything
	// left over sits on a cycle.
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.nodes {
		inDegree[id] = len(g.parents[id])
	}
	var queue []string
	for _, id := range g.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		var id string
		id, queue = queue[0], queue[1:]
		visited++
		for _, child := range g.children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(g.nodes) {
		return nil, ErrCycleDetected
	}
	if len(g.nodes) > 0 && len(g.Roots()) == 0 {
		return nil, ErrNoRootNodes
	}
	return g, nil
}

// Nodes returns all node ids in declaration order.
func (g *Graph) Nodes() []string {
	return g.nodes
}

// Roots returns the nodes with no incoming edges.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.nodes {
		if len(g.parents[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Parents returns the ids of nodes with an edge into id.
func (g *Graph) Parents(id string) []string {
	return g.parents[id]
}

// Children returns the ids of nodes id has an edge into.
func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// Descendants returns every node reachable from id, excluding id itself.
func (g *Graph) Descendants(id string) []string {
	visited := make(map[string]struct{})
	queue := append([]string(nil), g.children[id]...)
	var out []string
	for len(queue) > 0 {
		var curr string
		curr, queue = queue[0], queue[1:]
		if _, ok := visited[curr]; ok {
			continue
		}
		visited[curr] = struct{}{}
		out = append(out, curr)
		queue = append(queue, g.children[curr]...)
	}
	return out
}
