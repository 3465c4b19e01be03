// Package binder keeps the flat maps linking graph nodes, webview handles,
// offscreen contexts and tiles, and checks them after every frame.
package binder

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/tiles"
)

var ErrAlreadyBound = errors.New("node already has a webview")

// Texture is a favicon uploaded for drawing.
type Texture struct {
	Node   graph.Key
	Width  int
	Height int
	Data   []byte
}

// Binder owns the node/handle/context/tile maps. It closes runtimes through
// the engine when it drops them.
type Binder struct {
	eng    engine.Engine
	logger *zap.Logger
	sink   diagnostics.Sink

	nodeToHandle  map[graph.Key]engine.Handle
	handleToNode  map[engine.Handle]graph.Key
	nodeToContext map[graph.Key]engine.ContextID
	tileToNode    map[tiles.TileID]graph.Key

	favicons     map[engine.Handle]Texture
	tileFavicons map[tiles.TileID]Texture
}

// New creates an empty binder.
func New(eng engine.Engine, logger *zap.Logger, sink diagnostics.Sink) *Binder {
	return &Binder{
		eng:           eng,
		logger:        logger,
		sink:          sink,
		nodeToHandle:  make(map[graph.Key]engine.Handle),
		handleToNode:  make(map[engine.Handle]graph.Key),
		nodeToContext: make(map[graph.Key]engine.ContextID),
		tileToNode:    make(map[tiles.TileID]graph.Key),
		favicons:      make(map[engine.Handle]Texture),
		tileFavicons:  make(map[tiles.TileID]Texture),
	}
}

// Bind records that node k runs in handle h drawing into ctx.
func (b *Binder) Bind(k graph.Key, h engine.Handle, ctx engine.ContextID) error {
	if old, ok := b.nodeToHandle[k]; ok {
		return fmt.Errorf("%w: node %d handle %d", ErrAlreadyBound, k, old)
	}
	b.nodeToHandle[k] = h
	b.handleToNode[h] = k
	b.nodeToContext[k] = ctx
	return nil
}

// Release closes the webview of k, frees its context and forgets both. It
// reports whether k had a runtime.
func (b *Binder) Release(k graph.Key) bool {
	h, hasHandle := b.nodeToHandle[k]
	ctx, hasCtx := b.nodeToContext[k]
	if hasHandle {
		b.eng.Close(h)
		delete(b.handleToNode, h)
		delete(b.favicons, h)
		delete(b.nodeToHandle, k)
	}
	if hasCtx {
		b.eng.ReleaseContext(ctx)
		delete(b.nodeToContext, k)
	}
	return hasHandle || hasCtx
}

// ReleaseHandle releases whatever node h belongs to, or closes h when it is
// unmapped.
func (b *Binder) ReleaseHandle(h engine.Handle) {
	if k, ok := b.handleToNode[h]; ok {
		b.Release(k)
		return
	}
	b.eng.Close(h)
}

// Forget drops the maps for a handle the engine already tore down.
func (b *Binder) Forget(h engine.Handle) (graph.Key, bool) {
	k, ok := b.handleToNode[h]
	if !ok {
		return 0, false
	}
	delete(b.handleToNode, h)
	delete(b.nodeToHandle, k)
	delete(b.favicons, h)
	if ctx, ok := b.nodeToContext[k]; ok {
		b.eng.ReleaseContext(ctx)
		delete(b.nodeToContext, k)
	}
	return k, true
}

func (b *Binder) HandleFor(k graph.Key) (engine.Handle, bool) {
	h, ok := b.nodeToHandle[k]
	return h, ok
}

func (b *Binder) NodeFor(h engine.Handle) (graph.Key, bool) {
	k, ok := b.handleToNode[h]
	return k, ok
}

func (b *Binder) ContextFor(k graph.Key) (engine.ContextID, bool) {
	c, ok := b.nodeToContext[k]
	return c, ok
}

// TileNode returns the node a tile shows.
func (b *Binder) TileNode(id tiles.TileID) (graph.Key, bool) {
	k, ok := b.tileToNode[id]
	return k, ok
}

// BoundNodes returns the nodes that currently own a webview, ordered by key.
func (b *Binder) BoundNodes() []graph.Key {
	return slices.Sorted(maps.Keys(b.nodeToHandle))
}

// Handles returns the number of mapped handles.
func (b *Binder) Handles() int { return len(b.handleToNode) }

// Contexts returns the number of mapped contexts.
func (b *Binder) Contexts() int { return len(b.nodeToContext) }

// SyncTiles rebuilds the tile map from the tree.
func (b *Binder) SyncTiles(tree *tiles.Tree) {
	clear(b.tileToNode)
	for k, ids := range tree.NodeTiles() {
		for _, id := range ids {
			b.tileToNode[id] = k
		}
	}
	for id := range b.tileFavicons {
		if _, ok := b.tileToNode[id]; !ok {
			delete(b.tileFavicons, id)
		}
	}
}

// RegisterFavicon uploads the favicon of h and attaches it to every tile of
// its node.
func (b *Binder) RegisterFavicon(h engine.Handle, img *graph.Image) (graph.Key, bool) {
	k, ok := b.handleToNode[h]
	if !ok || img == nil {
		return 0, false
	}
	tex := Texture{Node: k, Width: img.Width, Height: img.Height, Data: img.Data}
	b.favicons[h] = tex
	for id, node := range b.tileToNode {
		if node == k {
			b.tileFavicons[id] = tex
		}
	}
	return k, true
}

// TileFavicon returns the favicon texture drawn on a tile tab.
func (b *Binder) TileFavicon(id tiles.TileID) (Texture, bool) {
	t, ok := b.tileFavicons[id]
	return t, ok
}

// FaviconTextures returns the number of uploaded favicons.
func (b *Binder) FaviconTextures() int { return len(b.favicons) + len(b.tileFavicons) }

// ResetRuntime drops every webview, context, favicon texture and Node tile.
// The graph and non-node panes stay. It returns the nodes that lost a
// runtime so callers can demote them.
func (b *Binder) ResetRuntime(tree *tiles.Tree) []graph.Key {
	released := b.BoundNodes()
	for _, k := range released {
		b.Release(k)
	}
	for k, ctx := range b.nodeToContext {
		b.eng.ReleaseContext(ctx)
		delete(b.nodeToContext, k)
	}
	clear(b.favicons)
	clear(b.tileFavicons)
	if tree != nil {
		for _, ids := range tree.NodeTiles() {
			for _, id := range ids {
				tree.RemoveRecursively(id)
			}
		}
	}
	clear(b.tileToNode)
	if len(released) > 0 {
		b.logger.Info("runtime reset", zap.Int("released", len(released)))
	}
	return released
}

// Violation is one broken binding found by Verify.
type Violation struct {
	Rule   string
	Node   graph.Key
	Tile   tiles.TileID
	Handle engine.Handle
}

func (v Violation) String() string {
	return fmt.Sprintf("%s node=%d tile=%d handle=%d", v.Rule, v.Node, v.Tile, v.Handle)
}

const (
	RuleDanglingTile    = "tile_without_node"
	RuleHostMissing     = "active_host_missing_runtime"
	RuleOrphanHandle    = "handle_without_node"
	RuleOrphanContext   = "context_without_handle"
	RuleInactiveRuntime = "runtime_on_inactive_node"
	RuleActiveUnbound   = "active_node_without_runtime"
	RuleActiveUnrooted  = "active_node_without_tile"
)

// Check describes the frame state Verify needs beyond the maps.
type Check struct {
	Graph *graph.Graph
	Tree  *tiles.Tree
	// Hosts reports whether a node's viewer runs in a webview.
	Hosts func(graph.Node) bool
	// Prewarm is the node kept Active without a tile, or 0.
	Prewarm graph.Key
}

// Verify checks the maps against the graph and tile tree. Dangling tiles and
// orphaned runtimes are repaired in place; node-level problems come back as
// DemoteNodeToCold intents for the next frame. Violations are reported on the
// invariant_violation channel and never panic.
func (b *Binder) Verify(c Check) ([]Violation, []intent.Intent) {
	var vs []Violation
	var repairs []intent.Intent
	demoted := make(map[graph.Key]bool)
	demote := func(k graph.Key) {
		if !demoted[k] {
			demoted[k] = true
			repairs = append(repairs, intent.DemoteNodeToCold{Key: k, Cause: intent.CauseInvariantRepair})
		}
	}

	nodeTiles := c.Tree.NodeTiles()
	for _, k := range slices.Sorted(maps.Keys(nodeTiles)) {
		if c.Graph.Contains(k) {
			continue
		}
		for _, id := range nodeTiles[k] {
			vs = append(vs, Violation{Rule: RuleDanglingTile, Node: k, Tile: id})
			c.Tree.RemoveRecursively(id)
		}
		delete(nodeTiles, k)
	}
	b.SyncTiles(c.Tree)

	for _, h := range slices.Sorted(maps.Keys(b.handleToNode)) {
		k := b.handleToNode[h]
		if !c.Graph.Contains(k) {
			vs = append(vs, Violation{Rule: RuleOrphanHandle, Node: k, Handle: h})
			b.Release(k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(b.nodeToContext)) {
		if _, ok := b.nodeToHandle[k]; !ok {
			vs = append(vs, Violation{Rule: RuleOrphanContext, Node: k})
			b.eng.ReleaseContext(b.nodeToContext[k])
			delete(b.nodeToContext, k)
		}
	}

	for _, n := range c.Graph.Nodes() {
		h, hasHandle := b.nodeToHandle[n.Key]
		_, hasCtx := b.nodeToContext[n.Key]
		if n.Lifecycle != graph.Active {
			if hasHandle {
				vs = append(vs, Violation{Rule: RuleInactiveRuntime, Node: n.Key, Handle: h})
				b.Release(n.Key)
			}
			continue
		}
		tileIDs := nodeTiles[n.Key]
		if !hasHandle || !hasCtx {
			rule := RuleActiveUnbound
			var tile tiles.TileID
			if len(tileIDs) > 0 && (c.Hosts == nil || c.Hosts(n)) {
				rule, tile = RuleHostMissing, tileIDs[0]
			}
			vs = append(vs, Violation{Rule: rule, Node: n.Key, Tile: tile, Handle: h})
			demote(n.Key)
			continue
		}
		if len(tileIDs) == 0 && n.Key != c.Prewarm {
			vs = append(vs, Violation{Rule: RuleActiveUnrooted, Node: n.Key, Handle: h})
			demote(n.Key)
		}
	}

	for _, v := range vs {
		diagnostics.Emit(b.sink, diagnostics.InvariantViolation, v.Rule,
			"node", strconv.FormatUint(uint64(v.Node), 10),
			"tile", strconv.FormatUint(uint64(v.Tile), 10),
			"handle", strconv.FormatUint(uint64(v.Handle), 10))
	}
	if len(vs) > 0 {
		b.logger.Warn("binder verification failed", zap.Int("violations", len(vs)))
	}
	return vs, repairs
}
