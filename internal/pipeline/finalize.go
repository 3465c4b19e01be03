package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"graphshell/internal/binder"
	"graphshell/internal/diagnostics"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/synclog"
	"graphshell/internal/tiles"
	"graphshell/internal/workspace"
)

// finalize applies the frame's graph edits and lifecycle decisions, takes
// the undo checkpoint, drains capture results, verifies the binder and
// persists on schedule.
func (p *FramePipeline) finalize(ctx context.Context, f *frame) {
	var pre *graph.Snapshot
	if intent.NeedsCheckpoint(f.batch) {
		pre = p.graph.Snapshot()
	}
	mutated := false
	for _, i := range f.batch {
		if p.apply(ctx, f, i) {
			f.report.Applied++
			mutated = mutated || intent.Undoable(i)
		} else {
			f.report.Failed++
		}
	}
	if mutated {
		p.history.Capture(pre)
		f.report.Checkpoint = true
	}

	for _, i := range f.lifecycle {
		p.applyRuntime(ctx, f, i)
	}
	for _, i := range p.thumbs.Drain(p.graph) {
		p.applyRuntime(ctx, f, i)
	}
	for _, i := range p.thumbs.DrainFavicons(p.binder) {
		p.applyRuntime(ctx, f, i)
	}

	vs, repairs := p.binder.Verify(binder.Check{
		Graph:   p.graph,
		Tree:    p.tree,
		Hosts:   p.hostsWebview,
		Prewarm: p.reconciler.Prewarm(),
	})
	f.report.Violations = vs
	p.carry = append(p.carry, repairs...)
	diagnostics.ActiveNodes.Set(float64(p.activeCount()))

	if f.shared || p.resend {
		p.broadcast()
	}
	f.report.Persisted = p.persist(ctx, f.now)
}

func (p *FramePipeline) activeCount() int {
	n := 0
	for _, node := range p.graph.Nodes() {
		if node.Lifecycle == graph.Active {
			n++
		}
	}
	return n
}

// apply runs one intent and records local graph edits in the sync log. It
// reports whether the intent took effect; rejections are reported on the
// invalid_argument channel.
func (p *FramePipeline) apply(ctx context.Context, f *frame, i intent.Intent) bool {
	payloads, err := p.applyIntent(ctx, f, i)
	if err != nil {
		diagnostics.Emit(p.sink, diagnostics.InvalidArgument, "intent rejected",
			"intent", i.Name(),
			"error", err.Error())
		p.logger.Debug("intent rejected", zap.String("intent", i.Name()), zap.Error(err))
		return false
	}
	if intent.Classify(i) == intent.Mutating {
		p.dirty = true
	}
	p.record(f, payloads)
	return true
}

func (p *FramePipeline) record(f *frame, payloads []synclog.Payload) {
	if p.syncLog == nil || p.self == "" {
		return
	}
	for _, pl := range payloads {
		if _, ok := p.syncLog.RecordLocal(p.self, pl, uint64(f.now.Unix())); ok {
			p.syncDirty = true
			f.shared = true
		}
	}
}

func edgePayload(op synclog.Op, from, to graph.Node, t graph.EdgeType) synclog.Payload {
	return synclog.Payload{Op: op, NodeID: from.ID, ToID: to.ID, EdgeType: string(t)}
}

// applyIntent is the single dispatch over every intent Finalize and the
// earlier stages apply. Graph edits return the sync payloads describing
// them.
func (p *FramePipeline) applyIntent(ctx context.Context, f *frame, i intent.Intent) ([]synclog.Payload, error) {
	switch i := i.(type) {
	case intent.AddNode:
		var (
			k   graph.Key
			err error
		)
		if i.ID != "" {
			k, err = p.graph.AddNodeWithID(i.ID, i.URL, i.Position)
		} else {
			k, err = p.graph.AddNode(i.URL, i.Position)
		}
		if err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(k)
		out := []synclog.Payload{{Op: synclog.OpAddNode, NodeID: n.ID, URL: n.URL, X: n.Position.X, Y: n.Position.Y}}
		if parent, err := p.graph.Get(i.OpenedFrom); err == nil {
			if err := p.graph.AddEdge(parent.Key, k, graph.Navigation); err == nil {
				out = append(out, edgePayload(synclog.OpAddEdge, parent, n, graph.Navigation))
			}
		}
		return out, nil

	case intent.RemoveNode:
		n, err := p.graph.Get(i.Key)
		if err != nil {
			return nil, err
		}
		p.dropNodeRuntime(i.Key)
		if _, err := p.graph.RemoveNode(i.Key); err != nil {
			return nil, err
		}
		return []synclog.Payload{{Op: synclog.OpRemoveNode, NodeID: n.ID}}, nil

	case intent.SetNodeURL:
		if err := p.graph.SetURL(i.Key, i.URL); err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(i.Key)
		if h, ok := p.binder.HandleFor(i.Key); ok && p.eng.URL(h) != n.URL {
			if err := p.eng.LoadURL(h, n.URL); err != nil {
				p.logger.Info("load url failed", zap.Uint64("node", uint64(i.Key)), zap.Error(err))
			}
		}
		return []synclog.Payload{{Op: synclog.OpUpdateURL, NodeID: n.ID, URL: n.URL}}, nil

	case intent.SetNodeTitle:
		if err := p.graph.SetTitle(i.Key, i.Title); err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(i.Key)
		return []synclog.Payload{{Op: synclog.OpUpdateTitle, NodeID: n.ID, Title: n.Title}}, nil

	case intent.SetNodePinned:
		if err := p.graph.SetPinned(i.Key, i.Pinned); err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(i.Key)
		op := synclog.OpUntagNode
		if i.Pinned {
			op = synclog.OpTagNode
		}
		return []synclog.Payload{{Op: op, NodeID: n.ID, Tag: graph.PinTag}}, nil

	case intent.SetNodePosition:
		if err := p.graph.SetPosition(i.Key, i.Position); err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(i.Key)
		return []synclog.Payload{{Op: synclog.OpSetPosition, NodeID: n.ID, X: i.Position.X, Y: i.Position.Y}}, nil

	case intent.TagNode:
		if err := p.graph.Tag(i.Key, i.Tag); err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(i.Key)
		return []synclog.Payload{{Op: synclog.OpTagNode, NodeID: n.ID, Tag: strings.TrimSpace(i.Tag)}}, nil

	case intent.UntagNode:
		if err := p.graph.Untag(i.Key, i.Tag); err != nil {
			return nil, err
		}
		n, _ := p.graph.Get(i.Key)
		return []synclog.Payload{{Op: synclog.OpUntagNode, NodeID: n.ID, Tag: strings.TrimSpace(i.Tag)}}, nil

	case intent.CreateUserGroupedEdge:
		return p.addEdge(i.From, i.To, graph.UserGrouped)

	case intent.CreateNavigationEdge:
		return p.addEdge(i.From, i.To, graph.Navigation)

	case intent.RemoveEdge:
		from, err := p.graph.Get(i.From)
		if err != nil {
			return nil, err
		}
		to, err := p.graph.Get(i.To)
		if err != nil {
			return nil, err
		}
		if !p.graph.RemoveEdge(i.From, i.To, i.Type) {
			return nil, fmt.Errorf("%w: no %s edge %d->%d", graph.ErrInvalidEdge, i.Type, i.From, i.To)
		}
		return []synclog.Payload{edgePayload(synclog.OpRemoveEdge, from, to, i.Type)}, nil

	case intent.ClearGraph:
		nodes := p.graph.Nodes()
		p.binder.ResetRuntime(p.tree)
		p.reconciler.Backpressure().Clear()
		out := make([]synclog.Payload, 0, len(nodes))
		for _, n := range nodes {
			p.thumbs.Forget(n.Key)
			out = append(out, synclog.Payload{Op: synclog.OpRemoveNode, NodeID: n.ID})
		}
		p.graph.Clear()
		p.ui.Selected = 0
		p.ui.Matches = nil
		return out, nil

	case intent.SuggestSemanticEdges:
		before := make(map[graph.Edge]bool)
		for _, e := range p.graph.Edges() {
			before[e] = true
		}
		added := p.graph.SuggestSemanticEdges(i.MinSimilarity)
		out := make([]synclog.Payload, 0, added)
		for _, e := range p.graph.Edges() {
			if before[e] {
				continue
			}
			from, _ := p.graph.Get(e.From)
			to, _ := p.graph.Get(e.To)
			out = append(out, edgePayload(synclog.OpAddEdge, from, to, e.Type))
		}
		return out, nil

	case intent.Undo:
		if p.history.PerformUndo(p.graph) {
			p.settleRuntime()
		}
		return nil, nil

	case intent.Redo:
		if p.history.PerformRedo(p.graph) {
			p.settleRuntime()
		}
		return nil, nil

	case intent.PromoteNodeToActive:
		return nil, p.setLifecycle(i.Key, graph.Active)

	case intent.DemoteNodeToWarm:
		return nil, p.setLifecycle(i.Key, graph.Warm)

	case intent.DemoteNodeToCold:
		p.binder.Release(i.Key)
		return nil, p.setLifecycle(i.Key, graph.Cold)

	case intent.MapWebviewToNode:
		if !p.graph.Contains(i.Key) {
			// The node went away between reconcile and finalize.
			p.eng.Close(i.Handle)
			p.eng.ReleaseContext(i.Context)
			p.reconciler.Backpressure().Remove(i.Key)
			return nil, nil
		}
		if err := p.binder.Bind(i.Key, i.Handle, i.Context); err != nil {
			p.eng.Close(i.Handle)
			p.eng.ReleaseContext(i.Context)
			return nil, err
		}
		return nil, nil

	case intent.UnmapWebview:
		// A user close settles any pending creation; it is not a failure.
		if k, ok := p.binder.NodeFor(i.Handle); ok {
			p.reconciler.Backpressure().Remove(k)
		}
		p.binder.ReleaseHandle(i.Handle)
		return nil, nil

	case intent.WebViewCrashed:
		if k, ok := p.reconciler.Crashed(i.Handle, i.Reason); ok {
			p.thumbs.Forget(k)
		}
		return nil, nil

	case intent.RetryCrashedNode:
		return nil, p.reconciler.Retry(i.Key)

	case intent.SetNodeThumbnail:
		if !p.graph.Contains(i.Key) {
			return nil, nil
		}
		return nil, p.graph.SetThumbnail(i.Key, i.Image)

	case intent.SetNodeFavicon:
		if !p.graph.Contains(i.Key) {
			return nil, nil
		}
		return nil, p.graph.SetFavicon(i.Key, i.Image)

	case intent.SelectNode:
		if i.Key != 0 && !p.graph.Contains(i.Key) {
			return nil, fmt.Errorf("%w: %d", graph.ErrInvalidKey, i.Key)
		}
		p.ui.Selected = i.Key
		if i.Key != 0 {
			_ = p.graph.Touch(i.Key, p.tick)
		}
		return nil, nil

	case intent.ToggleCommandPalette:
		p.ui.PaletteOpen = !p.ui.PaletteOpen
		return nil, nil
	}
	return nil, fmt.Errorf("intent %s is not applied at this stage", i.Name())
}

func (p *FramePipeline) addEdge(from, to graph.Key, t graph.EdgeType) ([]synclog.Payload, error) {
	if err := p.graph.AddEdge(from, to, t); err != nil {
		return nil, err
	}
	a, _ := p.graph.Get(from)
	b, _ := p.graph.Get(to)
	return []synclog.Payload{edgePayload(synclog.OpAddEdge, a, b, t)}, nil
}

// setLifecycle changes residency of a live node. Crashed nodes only leave
// through a retry; missing nodes are ignored.
func (p *FramePipeline) setLifecycle(k graph.Key, l graph.Lifecycle) error {
	n, err := p.graph.Get(k)
	if err != nil || n.Lifecycle == graph.Crashed {
		return nil
	}
	return p.graph.SetLifecycle(k, l)
}

// dropNodeRuntime releases everything the runtime holds for k ahead of its
// removal from the graph.
func (p *FramePipeline) dropNodeRuntime(k graph.Key) {
	p.binder.Release(k)
	p.reconciler.Backpressure().Remove(k)
	p.thumbs.Forget(k)
	for _, id := range p.tree.NodeTiles()[k] {
		p.tree.RemoveRecursively(id)
	}
	p.binder.SyncTiles(p.tree)
	if p.ui.Selected == k {
		p.ui.Selected = 0
	}
}

// settleRuntime realigns residency after undo or redo replaced the graph.
// Runtimes are not part of history: a node keeps its webview if it still
// exists and loses it otherwise.
func (p *FramePipeline) settleRuntime() {
	bound := make(map[graph.Key]bool)
	for _, k := range p.binder.BoundNodes() {
		if !p.graph.Contains(k) {
			p.dropNodeRuntime(k)
			continue
		}
		bound[k] = true
		_ = p.graph.SetCrashBlocked(k, false)
		_ = p.graph.SetLifecycle(k, graph.Active)
	}
	for _, n := range p.graph.Nodes() {
		if n.Lifecycle == graph.Active && !bound[n.Key] {
			_ = p.graph.SetLifecycle(n.Key, graph.Cold)
		}
	}
	if p.ui.Selected != 0 && !p.graph.Contains(p.ui.Selected) {
		p.ui.Selected = 0
	}
}

// persist writes a graph snapshot and the sealed sync log once the snapshot
// interval has elapsed since the last write.
func (p *FramePipeline) persist(ctx context.Context, now time.Time) bool {
	if p.store == nil {
		return false
	}
	if p.lastSnapshot.IsZero() {
		p.lastSnapshot = now
		return false
	}
	if now.Sub(p.lastSnapshot) < p.snapshotInterval || (!p.dirty && !p.syncDirty) {
		return false
	}
	p.lastSnapshot = now
	return p.save(ctx, now) == nil
}

func (p *FramePipeline) save(ctx context.Context, now time.Time) error {
	var errs []error
	if p.dirty {
		if _, err := p.store.SaveSnapshot(ctx, p.graph.Snapshot(), now); err != nil {
			errs = append(errs, fmt.Errorf("saving snapshot: %w", err))
		} else {
			p.dirty = false
		}
	}
	if p.syncDirty && p.syncLog != nil && len(p.secret) > 0 {
		blob, err := p.syncLog.Seal(p.secret)
		if err == nil {
			err = p.store.SaveSyncLog(ctx, p.syncLog.WorkspaceID(), blob)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("saving sync log: %w", err))
		} else {
			p.syncDirty = false
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		diagnostics.Emit(p.sink, diagnostics.PersistenceFailure, "persist failed", "error", err.Error())
		p.logger.Error("persist failed", zap.Error(err))
	}
	return err
}

// Flush persists pending state now.
func (p *FramePipeline) Flush(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	p.lastSnapshot = time.Now()
	return p.save(ctx, p.lastSnapshot)
}

// SaveWorkspace snapshots the current tile tree under name and stores it.
func (p *FramePipeline) SaveWorkspace(ctx context.Context, name string) (*workspace.Workspace, error) {
	var focus tiles.TileID
	if id, ok := p.tree.NodeTileFor(p.ui.Selected); ok {
		focus = id
	}
	ws, err := p.workspaces.Save(name, p.tree, p.graph, focus)
	if err != nil {
		return nil, err
	}
	p.workspaces.SetCurrent(name)
	if p.store != nil {
		if err := p.store.SaveWorkspace(ctx, ws); err != nil {
			diagnostics.Emit(p.sink, diagnostics.PersistenceFailure, "workspace save failed",
				"workspace", name,
				"error", err.Error())
			return ws, fmt.Errorf("storing workspace %q: %w", name, err)
		}
	}
	return ws, nil
}

// ClearWorkspace drops every Node tile and all runtimes, keeping the graph
// and tool panes. Nodes that lost a runtime go Cold.
func (p *FramePipeline) ClearWorkspace() {
	for _, k := range p.binder.ResetRuntime(p.tree) {
		_ = p.setLifecycle(k, graph.Cold)
	}
	p.reconciler.Backpressure().Clear()
	for _, n := range p.graph.Nodes() {
		if n.Lifecycle == graph.Active {
			_ = p.graph.SetLifecycle(n.Key, graph.Cold)
		}
	}
}
