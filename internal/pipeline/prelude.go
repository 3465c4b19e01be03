package pipeline

import (
	"context"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"graphshell/internal/access"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/synclog"
	"graphshell/internal/transport"
)

// maxEventsPerFrame bounds how much engine traffic one prelude drains.
const maxEventsPerFrame = 256

// prelude applies what arrived since the last frame: intents carried over
// from the previous finalize, peer deltas gated by access control, peer
// connects and engine notifications.
func (p *FramePipeline) prelude(ctx context.Context, f *frame) {
	carry := p.carry
	p.carry = nil
	for _, i := range carry {
		p.applyRuntime(ctx, f, i)
	}

	p.drainPeerEvents()
	p.drainDeltas(f)
	p.drainEngine(ctx, f)
}

func (p *FramePipeline) drainPeerEvents() {
	if p.peerEvents == nil {
		return
	}
	for {
		select {
		case e := <-p.peerEvents:
			if e.Connected {
				p.trust.Touch(e.NodeID)
				// Unknown vector: offer everything, the peer drops duplicates.
				p.peerVV[e.NodeID] = nil
				p.sendTo(e.NodeID)
			} else {
				delete(p.peerVV, e.NodeID)
			}
		default:
			return
		}
	}
}

func (p *FramePipeline) drainDeltas(f *frame) {
	if p.inbound == nil || p.syncLog == nil {
		return
	}
	for {
		select {
		case d := <-p.inbound:
			p.mergeDelta(f, d)
		default:
			return
		}
	}
}

// mergeDelta folds one verified delta into the log and graph. A denied
// delta leaves both untouched.
func (p *FramePipeline) mergeDelta(f *frame, d transport.Delta) {
	u := d.Unit
	if !access.CheckSyncAccess(p.trust.Peers(), d.From, u.WorkspaceID, u.ContainsMutations(), p.sink) {
		f.report.Denied++
		p.logger.Debug("sync delta denied", zap.String("peer", d.From), zap.String("workspace", u.WorkspaceID))
		return
	}
	p.trust.Touch(d.From)
	p.notePeerVector(d.From, u.VersionVector)
	if u.WorkspaceID != p.syncLog.WorkspaceID() {
		p.logger.Debug("delta for another workspace",
			zap.String("peer", d.From),
			zap.String("workspace", u.WorkspaceID))
		return
	}

	res := p.syncLog.Merge(u.Intents, func(i synclog.SyncedIntent) error {
		return p.applyRemote(i)
	})
	f.report.Merged.Applied += res.Applied
	f.report.Merged.Rejected += res.Rejected
	f.report.Merged.Duplicates += res.Duplicates
	f.report.Merged.Failed += res.Failed
	if res.Applied+res.Rejected+res.Failed > 0 {
		p.syncDirty = true
	}
	if res.Applied > 0 {
		p.dirty = true
	}
	if res.Failed > 0 {
		diagnostics.Emit(p.sink, diagnostics.InvalidArgument, "remote intents failed to apply",
			"peer", d.From,
			"count", strconv.Itoa(res.Failed))
	}
	p.logger.Debug("sync delta merged",
		zap.String("peer", d.From),
		zap.Int("applied", res.Applied),
		zap.Int("rejected", res.Rejected),
		zap.Int("duplicates", res.Duplicates))
}

// applyRemote applies a peer's intent and drops runtime state of nodes it
// removed.
func (p *FramePipeline) applyRemote(i synclog.SyncedIntent) error {
	var removed graph.Key
	if i.Payload.Op == synclog.OpRemoveNode {
		removed, _ = p.graph.KeyForID(i.Payload.NodeID)
	}
	if err := synclog.ApplyToGraph(p.graph, i); err != nil {
		return err
	}
	if removed != 0 {
		p.dropNodeRuntime(removed)
	}
	return nil
}

func (p *FramePipeline) notePeerVector(peer string, vv synclog.VersionVector) {
	known := p.peerVV[peer]
	if known == nil {
		known = make(synclog.VersionVector, len(vv))
	}
	for author, seq := range vv {
		known[author] = max(known[author], seq)
	}
	p.peerVV[peer] = known
}

func (p *FramePipeline) drainEngine(ctx context.Context, f *frame) {
	events := p.eng.Events()
	for n := 0; n < maxEventsPerFrame; n++ {
		select {
		case ev := <-events:
			p.handleEngineEvent(ctx, f, ev)
		default:
			return
		}
	}
}

func (p *FramePipeline) handleEngineEvent(ctx context.Context, f *frame, ev engine.Event) {
	if ev.Kind == engine.EventCrashed {
		p.applyRuntime(ctx, f, intent.WebViewCrashed{Handle: ev.Handle, Reason: ev.Reason})
		return
	}
	k, ok := p.binder.NodeFor(ev.Handle)
	if !ok {
		p.logger.Debug("event for unmapped webview", zap.String("kind", string(ev.Kind)), zap.Uint64("handle", uint64(ev.Handle)))
		return
	}
	switch ev.Kind {
	case engine.EventFirstPaint:
		p.reconciler.Confirm(ev.Handle)
		p.requestThumbnail(ev.Handle, k)
	case engine.EventThumbnailRequested:
		p.requestThumbnail(ev.Handle, k)
	case engine.EventUnresponsive:
		for _, i := range p.reconciler.Unresponsive(ev.Handle, f.now) {
			p.applyRuntime(ctx, f, i)
		}
	case engine.EventResponsive:
		p.logger.Debug("webview responsive again", zap.Uint64("node", uint64(k)))
	case engine.EventFaviconReady:
		p.thumbs.QueueFavicon(ev.Handle)
	case engine.EventTitleChanged:
		p.applyEngineEdit(ctx, f, k, intent.SetNodeTitle{Key: k, Title: ev.Title})
	case engine.EventURLChanged:
		n, err := p.graph.Get(k)
		if err != nil {
			return
		}
		if norm, err := graph.NormalizeURL(ev.URL); err == nil && norm != n.URL {
			p.applyEngineEdit(ctx, f, k, intent.SetNodeURL{Key: k, URL: ev.URL})
		}
	case engine.EventChildWebviewOpened:
		f.children = append(f.children, childOpen{parent: k, url: ev.URL})
	}
}

func (p *FramePipeline) requestThumbnail(h engine.Handle, k graph.Key) {
	n, err := p.graph.Get(k)
	if err != nil {
		return
	}
	p.thumbs.Request(h, k, n.URL)
}

// applyEngineEdit applies a page-driven title or URL change. It reaches the
// sync log like a local edit but never creates an undo step.
func (p *FramePipeline) applyEngineEdit(ctx context.Context, f *frame, k graph.Key, i intent.Intent) {
	if !p.graph.Contains(k) {
		return
	}
	if p.apply(ctx, f, i) {
		f.report.Applied++
	}
}

// applyRuntime applies a lifecycle or runtime intent outside Finalize.
func (p *FramePipeline) applyRuntime(ctx context.Context, f *frame, i intent.Intent) {
	if intent.Undoable(i) || intent.IsHistory(i) {
		// Graph edits always wait for Finalize.
		f.batch = append(f.batch, i)
		return
	}
	if p.apply(ctx, f, i) {
		f.report.Applied++
	}
}

// sendTo offers peer every local entry it has not acknowledged, if it holds
// a grant for the workspace.
func (p *FramePipeline) sendTo(peer string) {
	if p.outbound == nil || p.syncLog == nil {
		return
	}
	tp, ok := p.trust.Get(peer)
	if !ok {
		return
	}
	if _, ok := tp.Grant(p.syncLog.WorkspaceID()); !ok {
		return
	}
	u := p.syncLog.Unit(p.peerVV[peer])
	if len(u.Intents) == 0 {
		return
	}
	if err := p.outbound.Send(peer, u); err != nil {
		// The peer's vector stays where it was so the next offer repeats
		// these entries.
		p.resend = true
		p.logger.Info("sync send failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	p.notePeerVector(peer, u.VersionVector)
}

func (p *FramePipeline) broadcast() {
	p.resend = false
	if p.outbound == nil {
		return
	}
	peers := p.outbound.Peers()
	slices.Sort(peers)
	for _, peer := range peers {
		p.sendTo(peer)
	}
}
