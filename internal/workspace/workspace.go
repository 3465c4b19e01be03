// Package workspace saves and restores named tile layouts and tracks which
// workspaces reference each node.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"graphshell/internal/graph"
	"graphshell/internal/tiles"
)

var (
	ErrNotFound    = errors.New("workspace not found")
	ErrInvalidName = errors.New("invalid workspace name")
)

// Workspace is a named layout snapshot. Node panes are stored with the
// process key they had when saved plus the global id, so a layout restored
// in a later process can be remapped.
type Workspace struct {
	Name    string               `json:"name"`
	Layout  json.RawMessage      `json:"layout"`
	Nodes   map[string]graph.Key `json:"nodes"`
	Focus   tiles.TileID         `json:"focus,omitempty"`
	SavedAt time.Time            `json:"saved_at"`
}

// NodeIDs returns the global ids the layout references, sorted.
func (w *Workspace) NodeIDs() []string {
	return slices.Sorted(maps.Keys(w.Nodes))
}

// Manager owns saved workspaces and the membership index. It is owned by
// the frame loop.
type Manager struct {
	logger     *zap.Logger
	saved      map[string]*Workspace
	membership map[string]map[string]struct{}
	current    string
}

func NewManager(logger *zap.Logger, current string) *Manager {
	return &Manager{
		logger:     logger,
		saved:      make(map[string]*Workspace),
		membership: make(map[string]map[string]struct{}),
		current:    current,
	}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	return nil
}

// Current returns the name of the workspace being edited.
func (m *Manager) Current() string { return m.current }

func (m *Manager) SetCurrent(name string) { m.current = name }

// Save snapshots tree under name and indexes its nodes.
func (m *Manager) Save(name string, tree *tiles.Tree, g *graph.Graph, focus tiles.TileID) (*Workspace, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	layout, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode layout %q: %w", name, err)
	}
	ws := &Workspace{
		Name:    name,
		Layout:  layout,
		Nodes:   make(map[string]graph.Key),
		Focus:   focus,
		SavedAt: time.Now().UTC(),
	}
	for k := range tree.NodeTiles() {
		if n, err := g.Get(k); err == nil {
			ws.Nodes[n.ID] = k
		}
	}
	m.Put(ws)
	return ws, nil
}

// Put stores an already built workspace, replacing any with the same name.
func (m *Manager) Put(ws *Workspace) {
	m.unindex(ws.Name)
	m.saved[ws.Name] = ws
	for id := range ws.Nodes {
		set, ok := m.membership[id]
		if !ok {
			set = make(map[string]struct{})
			m.membership[id] = set
		}
		set[ws.Name] = struct{}{}
	}
}

func (m *Manager) unindex(name string) {
	old, ok := m.saved[name]
	if !ok {
		return
	}
	for id := range old.Nodes {
		if set := m.membership[id]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(m.membership, id)
			}
		}
	}
}

// Get returns the saved workspace.
func (m *Manager) Get(name string) (*Workspace, bool) {
	ws, ok := m.saved[name]
	return ws, ok
}

// Delete forgets name.
func (m *Manager) Delete(name string) error {
	if _, ok := m.saved[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	m.unindex(name)
	delete(m.saved, name)
	return nil
}

// Names returns saved workspace names, sorted.
func (m *Manager) Names() []string {
	return slices.Sorted(maps.Keys(m.saved))
}

// WorkspacesFor returns the workspaces that reference node id, sorted.
func (m *Manager) WorkspacesFor(id string) []string {
	return slices.Sorted(maps.Keys(m.membership[id]))
}

// Retains reports whether any saved workspace references node id.
func (m *Manager) Retains(id string) bool {
	return len(m.membership[id]) > 0
}

// Contains reports whether workspace name references node id.
func (m *Manager) Contains(name, id string) bool {
	_, ok := m.membership[id][name]
	return ok
}

// Restore replaces tree with the saved layout. Node panes are remapped to
// the current keys of their global ids; panes for nodes no longer in the
// graph are dropped.
func (m *Manager) Restore(name string, tree *tiles.Tree, g *graph.Graph) (*Workspace, error) {
	ws, ok := m.saved[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	restored := tiles.New()
	if err := json.Unmarshal(ws.Layout, restored); err != nil {
		return nil, fmt.Errorf("decode layout %q: %w", name, err)
	}

	byKey := make(map[graph.Key]string, len(ws.Nodes))
	for id, k := range ws.Nodes {
		byKey[k] = id
	}
	dropped := 0
	for old, ids := range restored.NodeTiles() {
		k, found := graph.Key(0), false
		if id, ok := byKey[old]; ok {
			k, found = g.KeyForID(id)
		}
		for _, tid := range ids {
			if !found {
				restored.RemoveRecursively(tid)
				dropped++
				continue
			}
			restored.SetPane(tid, tiles.NodePane(k))
		}
	}
	if _, ok := restored.Root(); !ok {
		restored = tiles.NewWithGraph()
	}

	*tree = *restored
	if ws.Focus != 0 {
		tree.MakeActive(ws.Focus)
	}
	m.current = name
	m.logger.Info("workspace restored",
		zap.String("workspace", name),
		zap.Int("nodes", len(ws.Nodes)),
		zap.Int("dropped_tiles", dropped))
	return ws, nil
}

// RouteKind is the outcome of a routed open.
type RouteKind int

const (
	// RouteFocus shows a tile already in the current tree.
	RouteFocus RouteKind = iota
	// RouteRestore switches to a saved workspace holding the node.
	RouteRestore
	// RouteOpenTab opens the node as a new tab in the current tree.
	RouteOpenTab
)

// Route is where a node should be opened.
type Route struct {
	Kind      RouteKind
	Tile      tiles.TileID
	Workspace string
}

// Route decides how to open node k: focus an existing tile, restore the
// most recently saved workspace that references it when the current one
// does not, or open a tab.
func (m *Manager) Route(k graph.Key, tree *tiles.Tree, g *graph.Graph) Route {
	if id, ok := tree.NodeTileFor(k); ok {
		return Route{Kind: RouteFocus, Tile: id}
	}
	n, err := g.Get(k)
	if err != nil || m.Contains(m.current, n.ID) {
		return Route{Kind: RouteOpenTab}
	}
	var best *Workspace
	for _, name := range m.WorkspacesFor(n.ID) {
		ws := m.saved[name]
		if best == nil || ws.SavedAt.After(best.SavedAt) {
			best = ws
		}
	}
	if best == nil {
		return Route{Kind: RouteOpenTab}
	}
	return Route{Kind: RouteRestore, Workspace: best.Name}
}
