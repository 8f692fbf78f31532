package traverse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zseilabs/zsei/model"
)

// memGraph is an in-memory adjacency for driving traversals.
type memGraph struct {
	nodes map[model.ContainerID]bool
	edges map[model.ContainerID][]model.Edge
}

func newMemGraph() *memGraph {
	return &memGraph{
		nodes: make(map[model.ContainerID]bool),
		edges: make(map[model.ContainerID][]model.Edge),
	}
}

func (g *memGraph) node(name string) model.ContainerID {
	id := model.DeriveID([]byte(name))
	g.nodes[id] = true
	return id
}

func (g *memGraph) edge(parent, child model.ContainerID, relation string) {
	g.edges[parent] = append(g.edges[parent], model.Edge{
		Parent:   parent,
		Child:    child,
		Relation: relation,
		Ordinal:  uint32(len(g.edges[parent])),
	})
}

func (g *memGraph) Exists(id model.ContainerID) bool { return g.nodes[id] }

func (g *memGraph) ChildEdges(_ context.Context, parent model.ContainerID) ([]model.Edge, error) {
	return g.edges[parent], nil
}

func depths(visits []model.Visit) map[model.ContainerID]int {
	out := make(map[model.ContainerID]int, len(visits))
	for _, v := range visits {
		out[v.ID] = v.Depth
	}
	return out
}

func TestBFSOrderIsDeterministic(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	a := g.node("a")
	b := g.node("b")
	c := g.node("c")
	g.edge(root, b, "contains")
	g.edge(root, a, "contains")
	g.edge(a, c, "contains")

	want, err := Collect(context.Background(), g, root, Options{MaxDepth: -1})
	require.NoError(t, err)
	require.Len(t, want, 4)
	assert.Equal(t, root, want[0].ID)
	assert.Equal(t, 0, want[0].Depth)

	// Depth 1 nodes come before depth 2, ascending by id within a depth.
	assert.Equal(t, 1, want[1].Depth)
	assert.Equal(t, 1, want[2].Depth)
	assert.True(t, model.CompareIDs(want[1].ID, want[2].ID) < 0)
	assert.Equal(t, c, want[3].ID)
	assert.Equal(t, 2, want[3].Depth)

	// Same graph, same order, every time.
	for i := 0; i < 5; i++ {
		again, err := Collect(context.Background(), g, root, Options{MaxDepth: -1})
		require.NoError(t, err)
		assert.Equal(t, want, again)
	}
}

func TestBFSCycleTerminates(t *testing.T) {
	g := newMemGraph()
	a := g.node("a")
	b := g.node("b")
	c := g.node("c")
	g.edge(a, b, "next")
	g.edge(b, c, "next")
	g.edge(c, a, "next") // cycle back to the root

	visits, err := Collect(context.Background(), g, a, Options{MaxDepth: -1})
	require.NoError(t, err)
	assert.Len(t, visits, 3)

	d := depths(visits)
	assert.Equal(t, 0, d[a])
	assert.Equal(t, 1, d[b])
	assert.Equal(t, 2, d[c])
}

func TestBFSDiamondVisitsOnce(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	l := g.node("left")
	r := g.node("right")
	bottom := g.node("bottom")
	g.edge(root, l, "contains")
	g.edge(root, r, "contains")
	g.edge(l, bottom, "contains")
	g.edge(r, bottom, "contains")

	visits, err := Collect(context.Background(), g, root, Options{MaxDepth: -1})
	require.NoError(t, err)
	assert.Len(t, visits, 4)
	assert.Equal(t, 2, depths(visits)[bottom], "shallowest depth wins")
}

func TestBFSMaxDepth(t *testing.T) {
	g := newMemGraph()
	a := g.node("a")
	b := g.node("b")
	c := g.node("c")
	g.edge(a, b, "next")
	g.edge(b, c, "next")

	visits, err := Collect(context.Background(), g, a, Options{MaxDepth: 0})
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, a, visits[0].ID)

	visits, err = Collect(context.Background(), g, a, Options{MaxDepth: 1})
	require.NoError(t, err)
	assert.Len(t, visits, 2)
}

func TestBFSMaxResults(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	for i := 0; i < 10; i++ {
		child := g.node(string(rune('a' + i)))
		g.edge(root, child, "contains")
	}

	visits, err := Collect(context.Background(), g, root, Options{MaxDepth: -1, MaxResults: 4})
	require.NoError(t, err)
	assert.Len(t, visits, 4)
	assert.Equal(t, root, visits[0].ID)
}

func TestBFSRelationFilter(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	kept := g.node("kept")
	skipped := g.node("skipped")
	g.edge(root, kept, "contains")
	g.edge(root, skipped, "references")

	visits, err := Collect(context.Background(), g, root, Options{MaxDepth: -1, Relation: "contains"})
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, kept, visits[1].ID)
}

func TestBFSRootNotFound(t *testing.T) {
	g := newMemGraph()
	_, err := Collect(context.Background(), g, model.DeriveID([]byte("ghost")), Options{})
	assert.ErrorIs(t, err, ErrRootNotFound)
}

func TestBFSSkipsVanishedChildren(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	alive := g.node("alive")
	gone := model.DeriveID([]byte("gone")) // edge exists, node does not
	g.edge(root, gone, "contains")
	g.edge(root, alive, "contains")

	visits, err := Collect(context.Background(), g, root, Options{MaxDepth: -1})
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, alive, visits[1].ID)
}

func TestBFSContextCancellation(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	g.edge(root, g.node("child"), "contains")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, g, root, Options{MaxDepth: -1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBFSStreamingEarlyStop(t *testing.T) {
	g := newMemGraph()
	root := g.node("root")
	for i := 0; i < 8; i++ {
		g.edge(root, g.node(string(rune('a'+i))), "contains")
	}

	seen := 0
	for _, err := range BFS(context.Background(), g, root, Options{MaxDepth: -1}) {
		require.NoError(t, err)
		seen++
		if seen == 3 {
			break
		}
	}
	assert.Equal(t, 3, seen)
}
