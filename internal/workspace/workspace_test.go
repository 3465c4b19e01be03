package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphshell/internal/graph"
	"graphshell/internal/tiles"
)

func setup(t *testing.T) (*Manager, *graph.Graph, graph.Key, graph.Key) {
	t.Helper()
	g := graph.New()
	a, err := g.AddNode("https://a", graph.Point{})
	require.NoError(t, err)
	b, err := g.AddNode("https://b", graph.Point{})
	require.NoError(t, err)
	return NewManager(zap.NewNop(), "main"), g, a, b
}

func idOf(t *testing.T, g *graph.Graph, k graph.Key) string {
	t.Helper()
	n, err := g.Get(k)
	require.NoError(t, err)
	return n.ID
}

func TestSave_IndexesMembership(t *testing.T) {
	m, g, a, b := setup(t)
	tree := tiles.NewWithGraph()
	tree.OpenTab(tiles.NodePane(a))

	_, err := m.Save("research", tree, g, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"research"}, m.WorkspacesFor(idOf(t, g, a)))
	assert.False(t, m.Retains(idOf(t, g, b)))

	tree.OpenTab(tiles.NodePane(b))
	_, err = m.Save("research", tree, g, 0)
	require.NoError(t, err)
	assert.True(t, m.Contains("research", idOf(t, g, b)))

	require.NoError(t, m.Delete("research"))
	assert.Empty(t, m.WorkspacesFor(idOf(t, g, a)))
	assert.ErrorIs(t, m.Delete("research"), ErrNotFound)

	_, err = m.Save("  ", tree, g, 0)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestRestore_RemapsKeysByGlobalID(t *testing.T) {
	m, g, a, _ := setup(t)
	tree := tiles.NewWithGraph()
	tree.OpenTab(tiles.NodePane(a))
	_, err := m.Save("research", tree, g, 0)
	require.NoError(t, err)

	// A later process sees the same node under a different key.
	id := idOf(t, g, a)
	fresh := graph.New()
	_, _ = fresh.AddNode("https://filler", graph.Point{})
	newKey, err := fresh.AddNodeWithID(id, "https://a", graph.Point{})
	require.NoError(t, err)
	require.NotEqual(t, a, newKey)

	restored := tiles.New()
	_, err = m.Restore("research", restored, fresh)
	require.NoError(t, err)
	_, ok := restored.NodeTileFor(newKey)
	assert.True(t, ok, "pane not remapped to the new key")
	assert.Equal(t, "research", m.Current())
}

func TestRestore_DropsMissingNodes(t *testing.T) {
	m, g, a, b := setup(t)
	tree := tiles.NewWithGraph()
	tree.OpenTab(tiles.NodePane(a))
	tree.OpenTab(tiles.NodePane(b))
	_, err := m.Save("w", tree, g, 0)
	require.NoError(t, err)

	_, err = g.RemoveNode(b)
	require.NoError(t, err)
	out := tiles.New()
	_, err = m.Restore("w", out, g)
	require.NoError(t, err)

	assert.Len(t, out.NodeTiles(), 1)
	_, ok := out.NodeTileFor(a)
	assert.True(t, ok)

	_, err = m.Restore("missing", out, g)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoute(t *testing.T) {
	m, g, a, b := setup(t)
	saved := tiles.NewWithGraph()
	saved.OpenTab(tiles.NodePane(b))
	_, err := m.Save("reading", saved, g, 0)
	require.NoError(t, err)

	current := tiles.NewWithGraph()
	tile := current.OpenTab(tiles.NodePane(a))

	assert.Equal(t, Route{Kind: RouteFocus, Tile: tile}, m.Route(a, current, g))
	assert.Equal(t, Route{Kind: RouteRestore, Workspace: "reading"}, m.Route(b, current, g))

	c, err := g.AddNode("https://c", graph.Point{})
	require.NoError(t, err)
	assert.Equal(t, Route{Kind: RouteOpenTab}, m.Route(c, current, g))
}

func TestRoute_PrefersMostRecentlySaved(t *testing.T) {
	m, g, _, b := setup(t)
	tree := tiles.NewWithGraph()
	tree.OpenTab(tiles.NodePane(b))
	old, err := m.Save("old", tree, g, 0)
	require.NoError(t, err)
	old.SavedAt = time.Unix(0, 0)
	_, err = m.Save("new", tree, g, 0)
	require.NoError(t, err)

	got := m.Route(b, tiles.NewWithGraph(), g)
	assert.Equal(t, "new", got.Workspace)
}
