// Package pipeline runs the per-frame loop. A FramePipeline owns the graph,
// tile tree and runtime bookkeeping and advances them through six stages:
// prelude, ingest, graph search, tile render, lifecycle reconcile and
// finalize. Intents produced by a stage are only applied by a later one.
package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"graphshell/internal/access"
	"graphshell/internal/binder"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/lifecycle"
	"graphshell/internal/registry"
	"graphshell/internal/synclog"
	"graphshell/internal/thumbnail"
	"graphshell/internal/tiles"
	"graphshell/internal/transport"
	"graphshell/internal/undo"
	"graphshell/internal/workspace"
)

const tracerName = "graphshell/pipeline"

// Store persists what Finalize and workspace saves produce. *db.DB
// satisfies it.
type Store interface {
	SaveSnapshot(ctx context.Context, s *graph.Snapshot, at time.Time) (int64, error)
	SaveSyncLog(ctx context.Context, workspaceID string, blob []byte) error
	SaveWorkspace(ctx context.Context, ws *workspace.Workspace) error
}

// Outbound sends sync units to connected peers. *transport.Hub satisfies it.
type Outbound interface {
	Peers() []string
	Send(peer string, u synclog.SyncUnit) error
}

// Deps is everything a FramePipeline drives. Graph, Tree, Binder, Engine,
// Reconciler, Thumbnails, History and Workspaces are required.
type Deps struct {
	Graph      *graph.Graph
	Tree       *tiles.Tree
	Binder     *binder.Binder
	Engine     engine.Engine
	Reconciler *lifecycle.Reconciler
	Thumbnails *thumbnail.Pipeline
	History    *undo.History
	Workspaces *workspace.Manager
	Viewers    *registry.Registry[registry.Viewer]
	Settings   *registry.Registry[registry.SettingsPage]

	// Sync is optional. Self authors local entries; Secret seals the log.
	SyncLog    *synclog.Log
	Self       synclog.PeerID
	Secret     []byte
	Trust      *access.Store
	Inbound    <-chan transport.Delta
	PeerEvents <-chan transport.PeerEvent
	Outbound   Outbound

	Store            Store
	SnapshotInterval time.Duration
	Viewport         tiles.Rect

	Logger *zap.Logger
	Sink   diagnostics.Sink
}

// UIState is the ephemeral state Transient intents change.
type UIState struct {
	Selected    graph.Key
	PaletteOpen bool
	Query       string
	Matches     []graph.Key
	SettingsURL string
}

// Report summarizes one frame.
type Report struct {
	Tick       uint64
	Applied    int
	Failed     int
	Checkpoint bool
	Merged     synclog.MergeResult
	Denied     int
	Reconcile  lifecycle.Result
	Violations []binder.Violation
	Persisted  bool
}

// FramePipeline is the frame loop. It is not safe for concurrent use; all
// other goroutines reach it through channels.
type FramePipeline struct {
	graph      *graph.Graph
	tree       *tiles.Tree
	binder     *binder.Binder
	eng        engine.Engine
	reconciler *lifecycle.Reconciler
	thumbs     *thumbnail.Pipeline
	history    *undo.History
	workspaces *workspace.Manager
	viewers    *registry.Registry[registry.Viewer]
	settings   *registry.Registry[registry.SettingsPage]

	syncLog    *synclog.Log
	self       synclog.PeerID
	secret     []byte
	trust      *access.Store
	inbound    <-chan transport.Delta
	peerEvents <-chan transport.PeerEvent
	outbound   Outbound
	// peerVV is the best known version vector of each connected peer.
	peerVV map[string]synclog.VersionVector

	store            Store
	snapshotInterval time.Duration
	viewport         tiles.Rect

	logger *zap.Logger
	sink   diagnostics.Sink
	tracer trace.Tracer

	ui    UIState
	tick  uint64
	inbox []intent.Intent
	// carry holds intents for the next frame's prelude.
	carry []intent.Intent

	dirty     bool
	syncDirty bool
	// resend is set when a send failed; Finalize offers again next frame.
	resend       bool
	lastSnapshot time.Time
}

// New wires a pipeline. The reconciler's Hosts and Retained hooks are set to
// the viewer registry and workspace membership.
func New(d Deps) *FramePipeline {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Viewers == nil {
		d.Viewers = registry.NewViewers()
	}
	if d.Settings == nil {
		d.Settings = registry.NewSettingsPages()
	}
	if d.Viewport.W <= 0 || d.Viewport.H <= 0 {
		d.Viewport = tiles.Rect{W: 1280, H: 800}
	}
	if d.SnapshotInterval <= 0 {
		d.SnapshotInterval = time.Minute
	}
	if d.Trust == nil {
		d.Trust = access.NewStore()
	}
	p := &FramePipeline{
		graph:            d.Graph,
		tree:             d.Tree,
		binder:           d.Binder,
		eng:              d.Engine,
		reconciler:       d.Reconciler,
		thumbs:           d.Thumbnails,
		history:          d.History,
		workspaces:       d.Workspaces,
		viewers:          d.Viewers,
		settings:         d.Settings,
		syncLog:          d.SyncLog,
		self:             d.Self,
		secret:           d.Secret,
		trust:            d.Trust,
		inbound:          d.Inbound,
		peerEvents:       d.PeerEvents,
		outbound:         d.Outbound,
		peerVV:           make(map[string]synclog.VersionVector),
		store:            d.Store,
		snapshotInterval: d.SnapshotInterval,
		viewport:         d.Viewport,
		logger:           d.Logger,
		sink:             d.Sink,
		tracer:           otel.Tracer(tracerName),
	}
	p.reconciler.Hosts = p.hostsWebview
	p.reconciler.Retained = func(n graph.Node) bool { return p.workspaces.Retains(n.ID) }
	return p
}

func (p *FramePipeline) hostsWebview(n graph.Node) bool {
	v, _ := p.viewers.Resolve(registry.ViewerFor(n.URL), registry.ViewerWebview)
	return v.Webview
}

// Submit queues intents for the next frame's ingest stage.
func (p *FramePipeline) Submit(is ...intent.Intent) {
	p.inbox = append(p.inbox, is...)
}

// UI returns a copy of the ephemeral UI state.
func (p *FramePipeline) UI() UIState {
	ui := p.ui
	ui.Matches = append([]graph.Key(nil), p.ui.Matches...)
	return ui
}

// Tick returns the number of frames run.
func (p *FramePipeline) Tick() uint64 { return p.tick }

func (p *FramePipeline) Graph() *graph.Graph { return p.graph }

func (p *FramePipeline) Tree() *tiles.Tree { return p.tree }

// frame carries what one pass accumulates between stages.
type frame struct {
	now    time.Time
	report Report

	// children are webviews opened by pages, queued by the prelude.
	children  []childOpen
	workbench []intent.Intent
	search    []intent.Intent
	batch     []intent.Intent
	// post holds post-render intents applied before reconciliation.
	post      []intent.Intent
	visible   []tiles.Placement
	lifecycle []intent.Intent
	// shared is set once a local edit entered the sync log.
	shared bool
}

type childOpen struct {
	parent graph.Key
	url    string
}

// Frame runs one pass of the pipeline at wall time now.
func (p *FramePipeline) Frame(ctx context.Context, now time.Time) Report {
	start := time.Now()
	p.tick++
	f := &frame{now: now, report: Report{Tick: p.tick}}

	ctx, span := p.tracer.Start(ctx, "pipeline.frame",
		trace.WithAttributes(attribute.Int64("frame.tick", int64(p.tick))))
	defer span.End()

	p.stage(ctx, "prelude", func(ctx context.Context) { p.prelude(ctx, f) })
	p.stage(ctx, "ingest", func(ctx context.Context) { p.ingest(ctx, f) })
	p.stage(ctx, "graph_search", func(ctx context.Context) { p.graphSearch(ctx, f) })
	p.stage(ctx, "tile_render", func(context.Context) { p.render(f) })
	p.stage(ctx, "reconcile", func(ctx context.Context) { p.reconcile(ctx, f) })
	p.stage(ctx, "finalize", func(ctx context.Context) { p.finalize(ctx, f) })

	span.SetAttributes(
		attribute.Int("frame.applied", f.report.Applied),
		attribute.Int("frame.violations", len(f.report.Violations)),
		attribute.Int("frame.active_limit", f.report.Reconcile.Limit),
	)
	diagnostics.FrameDuration.Observe(time.Since(start).Seconds())
	return f.report
}

func (p *FramePipeline) stage(ctx context.Context, name string, fn func(context.Context)) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()
	fn(ctx)
}

// Run drives frames at the given rate until ctx is done, then flushes
// persistence. A panic inside a frame flushes best-effort and re-panics.
func (p *FramePipeline) Run(ctx context.Context, rate time.Duration) error {
	if rate <= 0 {
		rate = time.Second / 60
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("frame loop panic", zap.Any("panic", r))
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p.Flush(flushCtx)
			cancel()
			panic(r)
		}
	}()

	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			p.Flush(flushCtx)
			return nil
		case now := <-ticker.C:
			p.Frame(ctx, now)
		}
	}
}
