// Package tiles is the tile tree the workbench renders. Leaves carry a Pane,
// inner tiles are Tabs, Horizontal or Vertical containers.
package tiles

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"graphshell/internal/graph"
)

// TileID is an opaque tile handle.
type TileID uint64

// Layout is a container arrangement.
type Layout string

const (
	Tabs       Layout = "tabs"
	Horizontal Layout = "horizontal"
	Vertical   Layout = "vertical"
)

// Container is the body of an inner tile.
type Container struct {
	Layout   Layout   `json:"layout"`
	Children []TileID `json:"children"`
	Active   TileID   `json:"active,omitempty"`
}

// Tile is one node of the tree. Exactly one of Pane and Container is set.
type Tile struct {
	ID        TileID     `json:"id"`
	Pane      *Pane      `json:"pane,omitempty"`
	Container *Container `json:"container,omitempty"`
}

func (t *Tile) clone() Tile {
	c := Tile{ID: t.ID}
	if t.Pane != nil {
		p := *t.Pane
		c.Pane = &p
	}
	if t.Container != nil {
		ct := *t.Container
		ct.Children = slices.Clone(t.Container.Children)
		c.Container = &ct
	}
	return c
}

// Rect is a screen rectangle.
type Rect struct {
	X, Y, W, H float64
}

// Placement is a visible pane and where it is drawn.
type Placement struct {
	ID   TileID
	Pane Pane
	Rect Rect
}

// Tree holds tiles keyed by id. It is owned by the frame loop.
type Tree struct {
	tiles  map[TileID]*Tile
	parent map[TileID]TileID
	root   TileID
	next   TileID
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		tiles:  make(map[TileID]*Tile),
		parent: make(map[TileID]TileID),
		next:   1,
	}
}

// NewWithGraph returns a tree whose root is a tab container holding one
// graph pane.
func NewWithGraph() *Tree {
	t := New()
	g := t.InsertPane(GraphPane())
	t.SetRoot(t.InsertTabTile([]TileID{g}))
	return t
}

func (t *Tree) alloc(tile *Tile) TileID {
	tile.ID = t.next
	t.next++
	t.tiles[tile.ID] = tile
	return tile.ID
}

// InsertPane adds a detached leaf.
func (t *Tree) InsertPane(p Pane) TileID {
	return t.alloc(&Tile{Pane: &p})
}

func (t *Tree) insertContainer(l Layout, children []TileID) TileID {
	c := &Container{Layout: l}
	id := t.alloc(&Tile{Container: c})
	for _, ch := range children {
		t.attach(id, ch)
	}
	return id
}

// InsertTabTile adds a detached tab container over children.
func (t *Tree) InsertTabTile(children []TileID) TileID {
	return t.insertContainer(Tabs, children)
}

// InsertHorizontalTile adds a detached side-by-side container over children.
func (t *Tree) InsertHorizontalTile(children []TileID) TileID {
	return t.insertContainer(Horizontal, children)
}

// InsertVerticalTile adds a detached stacked container over children.
func (t *Tree) InsertVerticalTile(children []TileID) TileID {
	return t.insertContainer(Vertical, children)
}

func (t *Tree) attach(container, child TileID) {
	ct, ok := t.tiles[container]
	if !ok || ct.Container == nil {
		return
	}
	if _, ok := t.tiles[child]; !ok {
		return
	}
	if old, ok := t.parent[child]; ok {
		t.detach(old, child)
	}
	ct.Container.Children = append(ct.Container.Children, child)
	t.parent[child] = container
	if ct.Container.Active == 0 {
		ct.Container.Active = child
	}
}

func (t *Tree) detach(container, child TileID) {
	ct := t.tiles[container]
	if ct == nil || ct.Container == nil {
		return
	}
	c := ct.Container
	idx := slices.Index(c.Children, child)
	if idx < 0 {
		return
	}
	c.Children = slices.Delete(c.Children, idx, idx+1)
	delete(t.parent, child)
	if c.Active == child {
		c.Active = 0
		if len(c.Children) > 0 {
			c.Active = c.Children[max(idx-1, 0)]
		}
	}
}

// AppendChild moves child under container.
func (t *Tree) AppendChild(container, child TileID) {
	t.attach(container, child)
}

// SetRoot makes id the root.
func (t *Tree) SetRoot(id TileID) {
	if _, ok := t.tiles[id]; ok {
		t.root = id
	}
}

// Root returns the root tile id.
func (t *Tree) Root() (TileID, bool) {
	return t.root, t.root != 0
}

// Get returns a copy of the tile.
func (t *Tree) Get(id TileID) (Tile, bool) {
	tile, ok := t.tiles[id]
	if !ok {
		return Tile{}, false
	}
	return tile.clone(), true
}

// SetPane replaces the payload of leaf id.
func (t *Tree) SetPane(id TileID, p Pane) bool {
	tile, ok := t.tiles[id]
	if !ok || tile.Pane == nil {
		return false
	}
	*tile.Pane = p
	return true
}

// ParentOf returns the container holding id.
func (t *Tree) ParentOf(id TileID) (TileID, bool) {
	p, ok := t.parent[id]
	return p, ok
}

// Len returns the number of tiles.
func (t *Tree) Len() int { return len(t.tiles) }

// Iter returns copies of all tiles ordered by id.
func (t *Tree) Iter() []Tile {
	ids := slices.Sorted(maps.Keys(t.tiles))
	out := make([]Tile, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.tiles[id].clone())
	}
	return out
}

// RemoveRecursively deletes id and its descendants. Containers left empty
// are removed as well.
func (t *Tree) RemoveRecursively(id TileID) {
	if _, ok := t.tiles[id]; !ok {
		return
	}
	parent, hasParent := t.parent[id]
	if hasParent {
		t.detach(parent, id)
	}
	t.drop(id)
	if id == t.root {
		t.root = 0
	}
	if hasParent {
		if pc := t.tiles[parent]; pc != nil && len(pc.Container.Children) == 0 && parent != t.root {
			t.RemoveRecursively(parent)
		}
	}
}

func (t *Tree) drop(id TileID) {
	tile := t.tiles[id]
	if tile == nil {
		return
	}
	if tile.Container != nil {
		for _, ch := range tile.Container.Children {
			delete(t.parent, ch)
			t.drop(ch)
		}
	}
	delete(t.tiles, id)
	delete(t.parent, id)
}

// MakeActive selects id in every tab container on its path to the root.
func (t *Tree) MakeActive(id TileID) bool {
	if _, ok := t.tiles[id]; !ok {
		return false
	}
	child := id
	for {
		p, ok := t.parent[child]
		if !ok {
			return true
		}
		if c := t.tiles[p].Container; c.Layout == Tabs {
			c.Active = child
		}
		child = p
	}
}

// Panes returns the ids of leaves whose pane satisfies match, ordered by id.
func (t *Tree) Panes(match func(Pane) bool) []TileID {
	var out []TileID
	for id, tile := range t.tiles {
		if tile.Pane != nil && match(*tile.Pane) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// NodeTiles maps every node referenced by a Node pane to its tiles.
func (t *Tree) NodeTiles() map[graph.Key][]TileID {
	out := make(map[graph.Key][]TileID)
	for _, id := range t.Panes(func(p Pane) bool { return p.Kind == KindNode }) {
		k := t.tiles[id].Pane.Node
		out[k] = append(out[k], id)
	}
	return out
}

// NodeTileFor returns the first Node tile showing k.
func (t *Tree) NodeTileFor(k graph.Key) (TileID, bool) {
	ids := t.Panes(func(p Pane) bool { return p.Kind == KindNode && p.Node == k })
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// HasNodeTiles reports whether any Node pane exists.
func (t *Tree) HasNodeTiles() bool {
	for _, tile := range t.tiles {
		if tile.Pane != nil && tile.Pane.Kind == KindNode {
			return true
		}
	}
	return false
}

// OpenTab adds p as a tab of the root and makes it active. A root that is
// not a tab container is wrapped in one first.
func (t *Tree) OpenTab(p Pane) TileID {
	id := t.InsertPane(p)
	root, ok := t.Root()
	if !ok {
		t.SetRoot(t.InsertTabTile([]TileID{id}))
		return id
	}
	if rt := t.tiles[root]; rt.Container == nil || rt.Container.Layout != Tabs {
		t.SetRoot(t.InsertTabTile([]TileID{root}))
		root = t.root
	}
	t.attach(root, id)
	t.MakeActive(id)
	return id
}

// Visible lays out the tree inside area and returns the panes that are
// drawn: the active child of every tab container and every child of split
// containers.
func (t *Tree) Visible(area Rect) []Placement {
	root, ok := t.Root()
	if !ok {
		return nil
	}
	var out []Placement
	var walk func(id TileID, r Rect)
	walk = func(id TileID, r Rect) {
		tile := t.tiles[id]
		if tile == nil {
			return
		}
		if tile.Pane != nil {
			out = append(out, Placement{ID: id, Pane: *tile.Pane, Rect: r})
			return
		}
		c := tile.Container
		n := len(c.Children)
		if n == 0 {
			return
		}
		switch c.Layout {
		case Tabs:
			walk(c.Active, r)
		case Horizontal:
			w := r.W / float64(n)
			for i, ch := range c.Children {
				walk(ch, Rect{X: r.X + w*float64(i), Y: r.Y, W: w, H: r.H})
			}
		case Vertical:
			h := r.H / float64(n)
			for i, ch := range c.Children {
				walk(ch, Rect{X: r.X, Y: r.Y + h*float64(i), W: r.W, H: h})
			}
		}
	}
	walk(root, area)
	return out
}

type treeJSON struct {
	Root  TileID `json:"root"`
	Next  TileID `json:"next"`
	Tiles []Tile `json:"tiles"`
}

// MarshalJSON encodes the whole tree.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(treeJSON{Root: t.root, Next: t.next, Tiles: t.Iter()})
}

// UnmarshalJSON replaces t with the encoded tree.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var raw treeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fresh := New()
	for i := range raw.Tiles {
		tile := raw.Tiles[i]
		if (tile.Pane == nil) == (tile.Container == nil) {
			return fmt.Errorf("tiles: tile %d must be a pane or a container", tile.ID)
		}
		fresh.tiles[tile.ID] = &tile
		fresh.next = max(fresh.next, tile.ID+1)
	}
	for id, tile := range fresh.tiles {
		if tile.Container == nil {
			continue
		}
		for _, ch := range tile.Container.Children {
			if _, ok := fresh.tiles[ch]; !ok {
				return fmt.Errorf("tiles: container %d references missing tile %d", id, ch)
			}
			fresh.parent[ch] = id
		}
	}
	if raw.Root != 0 {
		if _, ok := fresh.tiles[raw.Root]; !ok {
			return fmt.Errorf("tiles: missing root %d", raw.Root)
		}
	}
	fresh.root = raw.Root
	fresh.next = max(fresh.next, raw.Next)
	*t = *fresh
	return nil
}
