package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"graphshell/internal/diagnostics"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/lifecycle"
	"graphshell/internal/registry"
	"graphshell/internal/spatial"
	"graphshell/internal/tiles"
	"graphshell/internal/workspace"
)

// childOffset places a page opened by another page next to its opener.
const childOffset = 48

// ingest sorts submitted intents by the stage that handles them. Selection
// and palette toggles take effect immediately; graph edits wait for
// Finalize.
func (p *FramePipeline) ingest(ctx context.Context, f *frame) {
	inbox := p.inbox
	p.inbox = nil

	for _, c := range f.children {
		pos := graph.Point{}
		if n, err := p.graph.Get(c.parent); err == nil {
			pos = graph.Point{X: n.Position.X + childOffset, Y: n.Position.Y + childOffset}
		}
		f.batch = append(f.batch, intent.AddNode{URL: c.url, Position: pos, OpenedFrom: c.parent})
	}

	for _, i := range inbox {
		switch i.(type) {
		case intent.SetOmnibarQuery, intent.SubmitOmnibar:
			f.search = append(f.search, i)
		case intent.SelectNode, intent.ToggleCommandPalette:
			if p.apply(ctx, f, i) {
				f.report.Applied++
			}
		default:
			if intent.Workbench(i) {
				f.workbench = append(f.workbench, i)
				continue
			}
			f.batch = append(f.batch, i)
		}
	}
}

// nodeSource adapts graph nodes to fuzzy.Source.
type nodeSource []graph.Node

func (s nodeSource) String(i int) string { return s[i].Title + " " + s[i].URL }

func (s nodeSource) Len() int { return len(s) }

// Search returns the nodes matching query, best first.
func Search(g *graph.Graph, query string) []graph.Key {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	nodes := nodeSource(g.Nodes())
	matches := fuzzy.FindFrom(query, nodes)
	out := make([]graph.Key, 0, len(matches))
	for _, m := range matches {
		out = append(out, nodes[m.Index].Key)
	}
	return out
}

// omnibarURL turns a query that looks like an address into a URL.
func omnibarURL(query string) (string, bool) {
	q := strings.TrimSpace(query)
	if q == "" || strings.ContainsAny(q, " \t") {
		return "", false
	}
	if !strings.Contains(q, "://") {
		if !strings.Contains(strings.Trim(q, "."), ".") {
			return "", false
		}
		q = "https://" + q
	}
	norm, err := graph.NormalizeURL(q)
	if err != nil {
		return "", false
	}
	return norm, true
}

func (p *FramePipeline) graphSearch(ctx context.Context, f *frame) {
	for _, i := range f.search {
		switch i := i.(type) {
		case intent.SetOmnibarQuery:
			p.ui.Query = i.Text
			p.ui.Matches = Search(p.graph, i.Text)
		case intent.SubmitOmnibar:
			p.submitOmnibar(ctx, f)
		}
	}
}

// submitOmnibar selects the best match, or adds a node when the query is an
// address nothing matched.
func (p *FramePipeline) submitOmnibar(ctx context.Context, f *frame) {
	query := p.ui.Query
	matches := Search(p.graph, query)
	switch {
	case len(matches) > 0:
		if p.apply(ctx, f, intent.SelectNode{Key: matches[0]}) {
			f.report.Applied++
		}
	default:
		u, ok := omnibarURL(query)
		if !ok {
			diagnostics.Emit(p.sink, diagnostics.InvalidArgument, "omnibar query matched nothing", "query", query)
			return
		}
		f.batch = append(f.batch, intent.AddNode{URL: u, Position: p.nextPosition()})
	}
	p.ui.Query = ""
	p.ui.Matches = nil
}

const (
	gridStep    = 120
	gridColumns = 8
	nodeRadius  = 24
)

// nextPosition returns the first grid cell no node overlaps.
func (p *FramePipeline) nextPosition() graph.Point {
	idx := spatial.FromGraph(p.graph, nodeRadius)
	limit := 4*idx.Len() + 1
	for i := 0; ; i++ {
		pt := graph.Point{X: float64(i%gridColumns) * gridStep, Y: float64(i/gridColumns) * gridStep}
		cell := spatial.Rect{Min: pt, Max: pt}.Expand(nodeRadius)
		if i >= limit || len(idx.NodesInRect(cell)) == 0 {
			return pt
		}
	}
}

// Lasso returns the nodes whose center lies in r, in key order.
func (p *FramePipeline) Lasso(r spatial.Rect) []graph.Key {
	return spatial.FromGraph(p.graph, nodeRadius).NodesWithCenterInRect(r)
}

// render applies workbench intents to the tile tree, lays it out and
// touches every visible node. Closing a Node tile schedules its webview to
// be unmapped before reconciliation.
func (p *FramePipeline) render(f *frame) {
	for _, i := range f.workbench {
		if err := p.workbench(f, i); err != nil {
			diagnostics.Emit(p.sink, diagnostics.InvalidArgument, "workbench intent rejected",
				"intent", i.Name(),
				"error", err.Error())
			p.logger.Debug("workbench intent rejected", zap.String("intent", i.Name()), zap.Error(err))
		}
	}
	p.binder.SyncTiles(p.tree)

	f.visible = p.tree.Visible(p.viewport)
	for _, pl := range f.visible {
		if pl.Pane.Kind == tiles.KindNode {
			_ = p.graph.Touch(pl.Pane.Node, p.tick)
		}
	}
}

func (p *FramePipeline) workbench(f *frame, i intent.Intent) error {
	switch i := i.(type) {
	case intent.ToggleTileView:
		if p.tree.HasNodeTiles() {
			for k, ids := range p.tree.NodeTiles() {
				p.closeTiles(f, k, ids)
			}
			return nil
		}
		if !p.graph.Contains(p.ui.Selected) {
			return nil
		}
		p.tree.OpenTab(tiles.NodePane(p.ui.Selected))
		return nil

	case intent.CloseNodeTile:
		ids := p.tree.NodeTiles()[i.Key]
		if len(ids) == 0 {
			return fmt.Errorf("%w: node %d has no tile", graph.ErrInvalidKey, i.Key)
		}
		p.closeTiles(f, i.Key, ids)
		return nil

	case intent.OpenNodeWorkspaceRouted:
		return p.openRouted(i.Key)

	case intent.OpenSettingsURL:
		return p.openSettings(i.URL)

	case intent.FocusTile:
		if !p.tree.MakeActive(i.Tile) {
			return fmt.Errorf("unknown tile %d", i.Tile)
		}
		return nil
	}
	return fmt.Errorf("intent %s is not a workbench intent", i.Name())
}

func (p *FramePipeline) closeTiles(f *frame, k graph.Key, ids []tiles.TileID) {
	for _, id := range ids {
		p.tree.RemoveRecursively(id)
	}
	if h, ok := p.binder.HandleFor(k); ok {
		f.post = append(f.post, intent.UnmapWebview{Handle: h})
	}
}

func (p *FramePipeline) openRouted(k graph.Key) error {
	if !p.graph.Contains(k) {
		return fmt.Errorf("%w: %d", graph.ErrInvalidKey, k)
	}
	route := p.workspaces.Route(k, p.tree, p.graph)
	switch route.Kind {
	case workspace.RouteFocus:
		p.tree.MakeActive(route.Tile)
	case workspace.RouteRestore:
		if _, err := p.workspaces.Restore(route.Workspace, p.tree, p.graph); err != nil {
			return err
		}
		if id, ok := p.tree.NodeTileFor(k); ok {
			p.tree.MakeActive(id)
		} else {
			p.tree.OpenTab(tiles.NodePane(k))
		}
	case workspace.RouteOpenTab:
		p.tree.OpenTab(tiles.NodePane(k))
	}
	p.ui.Selected = k
	_ = p.graph.Touch(k, p.tick)
	p.logger.Debug("node opened",
		zap.Uint64("node", uint64(k)),
		zap.Int("route", int(route.Kind)),
		zap.String("workspace", route.Workspace))
	return nil
}

// openSettings shows the settings tool on the requested page, falling back
// to the general page for unknown ones.
func (p *FramePipeline) openSettings(raw string) error {
	id, err := registry.ParseSettingsURL(raw)
	if err != nil {
		return err
	}
	page, res := p.settings.Resolve(id, "general")
	if res.FallbackUsed {
		p.logger.Debug("settings page fallback", zap.String("requested", res.Requested), zap.String("resolved", res.Resolved))
	}
	pane := tiles.ToolPane(tiles.ToolSettings, page.ID)
	existing := p.tree.Panes(func(pn tiles.Pane) bool { return pn.Kind == tiles.KindTool && pn.Tool == tiles.ToolSettings })
	if len(existing) > 0 {
		p.tree.SetPane(existing[0], pane)
		p.tree.MakeActive(existing[0])
	} else {
		p.tree.OpenTab(pane)
	}
	p.ui.SettingsURL = registry.SettingsScheme + page.ID
	return nil
}

// reconcile applies post-render intents, then lets the reconciler decide
// residency for this frame.
func (p *FramePipeline) reconcile(ctx context.Context, f *frame) {
	for _, i := range f.post {
		p.applyRuntime(ctx, f, i)
	}
	res := p.reconciler.Reconcile(ctx, lifecycle.Frame{
		Now:      f.now,
		Selected: p.ui.Selected,
		Visible:  f.visible,
	})
	f.report.Reconcile = res
	f.lifecycle = res.Intents
	if len(res.Evicted) > 0 {
		p.logger.Debug("nodes evicted",
			zap.Int("count", len(res.Evicted)),
			zap.Int("limit", res.Limit),
			zap.String("pressure", string(res.Pressure.Level)))
	}
}
