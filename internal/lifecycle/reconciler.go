// Package lifecycle decides which nodes keep a live webview. Each frame the
// Reconciler promotes visible nodes, creates runtimes through the
// backpressure gate and evicts the least recently used nodes beyond the
// pressure-adjusted limit.
package lifecycle

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"graphshell/internal/binder"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/tiles"
)

// Settings bounds residency.
type Settings struct {
	ActiveLimit int
	WarmLimit   int
	ContextSize engine.Size
}

// Reconciler owns no graph state; it reads the graph and tile tree, drives
// the engine through the binder and returns lifecycle intents for Finalize.
type Reconciler struct {
	settings Settings
	graph    *graph.Graph
	tree     *tiles.Tree
	binder   *binder.Binder
	eng      engine.Engine
	bp       *Backpressure
	sampler  Sampler
	logger   *zap.Logger
	sink     diagnostics.Sink

	// Hosts reports whether a node's viewer runs in a webview. Nil means
	// every node does.
	Hosts func(graph.Node) bool
	// Retained reports whether a node belongs to a saved workspace.
	Retained func(graph.Node) bool

	prewarm graph.Key
}

func NewReconciler(
	s Settings,
	g *graph.Graph,
	tree *tiles.Tree,
	b *binder.Binder,
	eng engine.Engine,
	bp *Backpressure,
	sampler Sampler,
	logger *zap.Logger,
	sink diagnostics.Sink,
) *Reconciler {
	if s.ContextSize.W <= 0 || s.ContextSize.H <= 0 {
		s.ContextSize = engine.Size{W: 1280, H: 800}
	}
	return &Reconciler{
		settings: s,
		graph:    g,
		tree:     tree,
		binder:   b,
		eng:      eng,
		bp:       bp,
		sampler:  sampler,
		logger:   logger,
		sink:     sink,
	}
}

// Backpressure exposes the creation gate.
func (r *Reconciler) Backpressure() *Backpressure { return r.bp }

// Prewarm returns the node kept Active for the selection without a tile.
func (r *Reconciler) Prewarm() graph.Key { return r.prewarm }

// Frame is the reconcile input gathered by earlier stages.
type Frame struct {
	Now      time.Time
	Selected graph.Key
	Visible  []tiles.Placement
}

// Result is what one reconcile decided.
type Result struct {
	Intents  []intent.Intent
	Pressure Sample
	Limit    int
	Created  []graph.Key
	Evicted  []graph.Key
}

type plan struct {
	res     Result
	decided map[graph.Key]bool
	// live marks nodes that will own a runtime after Finalize.
	live map[graph.Key]bool
}

func (p *plan) emit(k graph.Key, i intent.Intent) {
	if p.decided[k] {
		return
	}
	p.decided[k] = true
	p.res.Intents = append(p.res.Intents, i)
}

func (r *Reconciler) hosts(n graph.Node) bool {
	return n.Lifecycle != graph.Crashed && (r.Hosts == nil || r.Hosts(n))
}

func (r *Reconciler) retained(n graph.Node, tiled bool) bool {
	return tiled || (r.Retained != nil && r.Retained(n))
}

// byRecency orders most recently used first; equal recency puts the smaller
// key first so the larger key is evicted.
func byRecency(a, b graph.Node) int {
	if c := cmp.Compare(b.LastUsed, a.LastUsed); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// Reconcile runs one pass.
func (r *Reconciler) Reconcile(ctx context.Context, f Frame) Result {
	p := &plan{decided: make(map[graph.Key]bool), live: make(map[graph.Key]bool)}
	r.prewarm = 0

	if r.graph.NodeCount() == 0 {
		r.bp.Clear()
		r.binder.ResetRuntime(r.tree)
		return p.res
	}

	p.res.Pressure = r.sampler.Sample(ctx)
	limit := EffectiveLimit(r.settings.ActiveLimit, p.res.Pressure.Level)
	p.res.Limit = limit

	nodeTiles := r.tree.NodeTiles()
	for k, ids := range nodeTiles {
		if r.graph.Contains(k) {
			continue
		}
		for _, id := range ids {
			r.tree.RemoveRecursively(id)
		}
		delete(nodeTiles, k)
	}
	r.binder.SyncTiles(r.tree)

	nodes := r.graph.Nodes()
	r.sweepWarm(p, nodes)
	r.settleInFlight(p, f.Now)

	// Visible webview hosts, most recent first, capped at the limit.
	var desired []graph.Node
	seen := make(map[graph.Key]bool)
	for _, pl := range f.Visible {
		if pl.Pane.Kind != tiles.KindNode || seen[pl.Pane.Node] {
			continue
		}
		n, err := r.graph.Get(pl.Pane.Node)
		if err != nil || !r.hosts(n) {
			continue
		}
		seen[n.Key] = true
		desired = append(desired, n)
	}
	slices.SortFunc(desired, byRecency)
	if len(desired) > limit {
		for _, n := range desired[limit:] {
			diagnostics.Emit(r.sink, diagnostics.ResourceExhausted, "active limit reached",
				"node", strconv.FormatUint(uint64(n.Key), 10),
				"limit", strconv.Itoa(limit),
				"pressure", string(p.res.Pressure.Level))
		}
		desired = desired[:limit]
	}
	protected := make(map[graph.Key]intent.Cause, len(desired)+1)
	for _, n := range desired {
		protected[n.Key] = intent.CauseActiveTileVisible
	}

	if n, err := r.graph.Get(f.Selected); err == nil && r.hosts(n) && !seen[n.Key] {
		_, bound := r.binder.HandleFor(n.Key)
		// Active without a runtime: closed this frame, not reopened here.
		if closed := n.Lifecycle == graph.Active && !bound; !closed && len(desired) < limit {
			r.prewarm = n.Key
			protected[n.Key] = intent.CauseSelectedPrewarm
			desired = append(desired, n)
		}
	}

	for _, n := range desired {
		if _, ok := r.binder.HandleFor(n.Key); ok {
			p.live[n.Key] = true
			if n.Lifecycle != graph.Active {
				p.emit(n.Key, intent.PromoteNodeToActive{Key: n.Key, Cause: protected[n.Key]})
			}
			continue
		}
		if r.create(p, n, f.Now) {
			p.live[n.Key] = true
			p.emit(n.Key, intent.PromoteNodeToActive{Key: n.Key, Cause: protected[n.Key]})
			continue
		}
		if n.Lifecycle == graph.Active {
			p.emit(n.Key, intent.DemoteNodeToCold{Key: n.Key, Cause: intent.CauseCreateTimeout})
		}
		if n.Key == r.prewarm {
			r.prewarm = 0
		}
	}

	r.evict(p, nodes, nodeTiles, protected, limit)
	return p.res
}

func (r *Reconciler) sweepWarm(p *plan, nodes []graph.Node) {
	var warm []graph.Node
	for _, n := range nodes {
		if n.Lifecycle == graph.Warm {
			warm = append(warm, n)
		}
	}
	if len(warm) <= r.settings.WarmLimit {
		return
	}
	slices.SortFunc(warm, byRecency)
	for _, n := range warm[max(r.settings.WarmLimit, 0):] {
		r.binder.Release(n.Key)
		p.emit(n.Key, intent.DemoteNodeToCold{Key: n.Key, Cause: intent.CauseWarmLruEviction})
	}
}

// settleInFlight resolves pending creations: confirmed once the engine has
// been loading for the confirmation window, failed when the runtime vanished
// or the creation timed out. An entry whose handle is no longer bound to its
// node was released on purpose and is dropped.
func (r *Reconciler) settleInFlight(p *plan, now time.Time) {
	s := r.bp.Settings()
	for _, pend := range r.bp.InFlightNodes(now) {
		if k, ok := r.binder.NodeFor(pend.Handle); !ok || k != pend.Node {
			r.bp.Remove(pend.Node)
			continue
		}
		switch {
		case !r.eng.Contains(pend.Handle):
			r.fail(p, pend.Node, now, "webview vanished before first paint")
		case pend.Age >= s.ConfirmationWindow && r.eng.LoadStatus(pend.Handle) != engine.LoadPending:
			r.bp.Confirm(pend.Node)
		case pend.Age >= s.CreationTimeout:
			r.fail(p, pend.Node, now, "webview creation timed out")
		}
	}
}

func (r *Reconciler) fail(p *plan, k graph.Key, now time.Time, reason string) {
	r.binder.Release(k)
	exhausted := r.bp.Fail(k, now)
	cause := intent.CauseCreateTimeout
	if exhausted {
		cause = intent.CauseCreateRetryExhausted
		diagnostics.Emit(r.sink, diagnostics.ResourceExhausted, "webview creation retries exhausted",
			"node", strconv.FormatUint(uint64(k), 10))
	}
	r.logger.Warn("webview creation failed",
		zap.Uint64("node", uint64(k)),
		zap.String("reason", reason),
		zap.Bool("exhausted", exhausted))
	if n, err := r.graph.Get(k); err == nil && n.Lifecycle == graph.Active {
		p.emit(k, intent.DemoteNodeToCold{Key: k, Cause: cause})
	}
}

func (r *Reconciler) create(p *plan, n graph.Node, now time.Time) bool {
	if err := r.bp.Admit(n.Key, now); err != nil {
		r.logger.Debug("webview creation deferred", zap.Uint64("node", uint64(n.Key)), zap.Error(err))
		return false
	}
	cid, err := r.eng.NewContext(r.settings.ContextSize)
	if err != nil {
		r.fail(p, n.Key, now, err.Error())
		return false
	}
	h, err := r.eng.CreateWebView(cid, n.URL)
	if err != nil {
		r.eng.ReleaseContext(cid)
		r.fail(p, n.Key, now, err.Error())
		if errors.Is(err, engine.ErrCreateFailed) {
			diagnostics.Emit(r.sink, diagnostics.EngineFailure, "webview creation failed",
				"node", strconv.FormatUint(uint64(n.Key), 10))
		}
		return false
	}
	r.bp.Begin(n.Key, h, now)
	p.res.Created = append(p.res.Created, n.Key)
	p.res.Intents = append(p.res.Intents, intent.MapWebviewToNode{Key: n.Key, Handle: h, Context: cid})
	return true
}

func (r *Reconciler) evict(p *plan, nodes []graph.Node, nodeTiles map[graph.Key][]tiles.TileID, protected map[graph.Key]intent.Cause, limit int) {
	var candidates []graph.Node
	for _, n := range nodes {
		if _, ok := protected[n.Key]; ok || n.Lifecycle == graph.Crashed || p.decided[n.Key] {
			continue
		}
		_, bound := r.binder.HandleFor(n.Key)
		if n.Lifecycle != graph.Active && !bound {
			continue
		}
		tiled := len(nodeTiles[n.Key]) > 0
		if !tiled || !bound {
			// Closed tiles or a lost runtime: nothing keeps it resident.
			r.demote(p, n, tiled, intent.CauseExplicitClose)
			continue
		}
		candidates = append(candidates, n)
	}

	keep := limit
	for k := range protected {
		if p.live[k] {
			keep--
		}
	}
	keep = max(keep, 0)
	if len(candidates) <= keep {
		return
	}

	slices.SortFunc(candidates, byRecency)
	cause := intent.CauseActiveLruEviction
	switch p.res.Pressure.Level {
	case PressureCritical:
		cause = intent.CauseMemoryPressureCrit
	case PressureWarning:
		cause = intent.CauseMemoryPressureWarning
	}
	for _, n := range candidates[keep:] {
		r.demote(p, n, true, cause)
	}
}

// demote closes the runtime now and schedules the lifecycle change. Nodes a
// tile or saved workspace still refers to stay Warm.
func (r *Reconciler) demote(p *plan, n graph.Node, tiled bool, cause intent.Cause) {
	r.binder.Release(n.Key)
	r.bp.Remove(n.Key)
	p.res.Evicted = append(p.res.Evicted, n.Key)
	if r.retained(n, tiled) {
		p.emit(n.Key, intent.DemoteNodeToWarm{Key: n.Key, Cause: cause})
		return
	}
	p.emit(n.Key, intent.DemoteNodeToCold{Key: n.Key, Cause: cause})
}

// Confirm marks the creation for h settled after its first paint.
func (r *Reconciler) Confirm(h engine.Handle) {
	if k, ok := r.binder.NodeFor(h); ok {
		r.bp.Confirm(k)
	}
}

// Unresponsive handles an engine report that h stopped responding. Before
// the first paint the creation is failed and retried with backoff; the
// returned intents demote the node until then.
func (r *Reconciler) Unresponsive(h engine.Handle, now time.Time) []intent.Intent {
	k, ok := r.binder.NodeFor(h)
	if !ok {
		return nil
	}
	if r.bp.State(k) != InFlight {
		diagnostics.Emit(r.sink, diagnostics.EngineFailure, "webview unresponsive",
			"node", strconv.FormatUint(uint64(k), 10))
		return nil
	}
	p := &plan{decided: make(map[graph.Key]bool)}
	r.fail(p, k, now, "unresponsive before first paint")
	return p.res.Intents
}

// Crashed moves the node owning h to Crashed and drops its runtime and
// creation state. Only RetryCrashedNode leaves Crashed.
func (r *Reconciler) Crashed(h engine.Handle, reason string) (graph.Key, bool) {
	k, ok := r.binder.Forget(h)
	r.eng.Close(h)
	if !ok {
		return 0, false
	}
	r.bp.Remove(k)
	_ = r.graph.SetLifecycle(k, graph.Crashed)
	_ = r.graph.SetCrashBlocked(k, true)
	if r.prewarm == k {
		r.prewarm = 0
	}
	diagnostics.Emit(r.sink, diagnostics.EngineFailure, "webview crashed",
		"node", strconv.FormatUint(uint64(k), 10),
		"reason", reason)
	r.logger.Error("webview crashed", zap.Uint64("node", uint64(k)), zap.String("reason", reason))
	return k, true
}

// Retry clears the crash of k. The node becomes Cold and is promoted again
// by normal reconciliation.
func (r *Reconciler) Retry(k graph.Key) error {
	n, err := r.graph.Get(k)
	if err != nil {
		return err
	}
	if n.Lifecycle != graph.Crashed {
		return nil
	}
	r.bp.Remove(k)
	if err := r.graph.SetCrashBlocked(k, false); err != nil {
		return err
	}
	return r.graph.SetLifecycle(k, graph.Cold)
}
