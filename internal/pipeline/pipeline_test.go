package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphshell/internal/access"
	"graphshell/internal/binder"
	"graphshell/internal/config"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/lifecycle"
	"graphshell/internal/spatial"
	"graphshell/internal/synclog"
	"graphshell/internal/thumbnail"
	"graphshell/internal/tiles"
	"graphshell/internal/transport"
	"graphshell/internal/undo"
	"graphshell/internal/workspace"
)

const testWorkspace = "ws"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	snapshots  []*graph.Snapshot
	syncLogs   map[string][]byte
	workspaces map[string]*workspace.Workspace
}

func newFakeStore() *fakeStore {
	return &fakeStore{syncLogs: make(map[string][]byte), workspaces: make(map[string]*workspace.Workspace)}
}

func (s *fakeStore) SaveSnapshot(_ context.Context, snap *graph.Snapshot, _ time.Time) (int64, error) {
	s.snapshots = append(s.snapshots, snap)
	return int64(len(s.snapshots)), nil
}

func (s *fakeStore) SaveSyncLog(_ context.Context, ws string, blob []byte) error {
	s.syncLogs[ws] = blob
	return nil
}

func (s *fakeStore) SaveWorkspace(_ context.Context, ws *workspace.Workspace) error {
	s.workspaces[ws.Name] = ws
	return nil
}

type fakeOutbound struct {
	peers []string
	sent  map[string][]synclog.SyncUnit
	// drop makes the next sends fail the way a full link queue does.
	drop int
}

func (o *fakeOutbound) Peers() []string { return o.peers }

func (o *fakeOutbound) Send(peer string, u synclog.SyncUnit) error {
	if o.drop > 0 {
		o.drop--
		return transport.ErrBackpressure
	}
	o.sent[peer] = append(o.sent[peer], u)
	return nil
}

type fixture struct {
	eng      *engine.Headless
	rec      *diagnostics.Recorder
	pressure *lifecycle.StaticPressure
	history  *undo.History
	trust    *access.Store
	log      *synclog.Log
	inbound  chan transport.Delta
	out      *fakeOutbound
	store    *fakeStore
	p        *FramePipeline
	now      time.Time
}

func newFixture(t *testing.T, activeLimit int) *fixture {
	t.Helper()
	f := &fixture{
		eng:      engine.NewHeadless(64),
		rec:      diagnostics.NewRecorder(zap.NewNop(), 0),
		pressure: lifecycle.NewStaticPressure(lifecycle.PressureNormal),
		history:  undo.New(16),
		trust:    access.NewStore(),
		inbound:  make(chan transport.Delta, 8),
		out:      &fakeOutbound{sent: make(map[string][]synclog.SyncUnit)},
		store:    newFakeStore(),
		now:      epoch,
	}
	f.eng.Inline = true
	f.log = synclog.New(testWorkspace, f.rec)

	logger := zap.NewNop()
	g := graph.New()
	tree := tiles.NewWithGraph()
	b := binder.New(f.eng, logger, f.rec)
	bp := lifecycle.NewBackpressure(lifecycle.BackpressureSettings{
		MaxConcurrent:      4,
		CreatesPerSecond:   100,
		Burst:              100,
		ConfirmationWindow: 2 * time.Second,
		CreationTimeout:    8 * time.Second,
		MaxRetries:         3,
		CooldownMin:        time.Second,
		CooldownMax:        8 * time.Second,
	})
	r := lifecycle.NewReconciler(lifecycle.Settings{
		ActiveLimit: activeLimit,
		WarmLimit:   4,
		ContextSize: engine.Size{W: 64, H: 48},
	}, g, tree, b, f.eng, bp, f.pressure, logger, f.rec)

	f.p = New(Deps{
		Graph:      g,
		Tree:       tree,
		Binder:     b,
		Engine:     f.eng,
		Reconciler: r,
		Thumbnails: thumbnail.New(f.eng, config.ThumbnailConfig{Width: 16, Height: 12, ChannelCapacity: 8}, logger, f.rec),
		History:    f.history,
		Workspaces: workspace.NewManager(logger, "main"),

		SyncLog:  f.log,
		Self:     "self-node",
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Trust:    f.trust,
		Inbound:  f.inbound,
		Outbound: f.out,

		Store:            f.store,
		SnapshotInterval: time.Second,
		Logger:           logger,
		Sink:             f.rec,
	})
	return f
}

func (f *fixture) frame(t *testing.T, is ...intent.Intent) Report {
	t.Helper()
	f.p.Submit(is...)
	f.now = f.now.Add(100 * time.Millisecond)
	return f.p.Frame(context.Background(), f.now)
}

// add creates a node through the pipeline and returns its key.
func (f *fixture) add(t *testing.T, url string) graph.Key {
	t.Helper()
	before := make(map[graph.Key]bool)
	for _, k := range f.p.Graph().Keys() {
		before[k] = true
	}
	f.frame(t, intent.AddNode{URL: url})
	for _, k := range f.p.Graph().Keys() {
		if !before[k] {
			return k
		}
	}
	t.Fatalf("no node added for %s", url)
	return 0
}

func (f *fixture) node(t *testing.T, k graph.Key) graph.Node {
	t.Helper()
	n, err := f.p.Graph().Get(k)
	require.NoError(t, err)
	return n
}

func (f *fixture) handle(t *testing.T, k graph.Key) engine.Handle {
	t.Helper()
	h, ok := f.p.binder.HandleFor(k)
	require.True(t, ok, "node %d has no webview", k)
	return h
}

func TestFrame_OpenNodeCreatesRuntime(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")

	r := f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	assert.Equal(t, []graph.Key{a}, r.Reconcile.Created)
	assert.Empty(t, r.Violations)
	assert.Equal(t, graph.Active, f.node(t, a).Lifecycle)
	assert.Equal(t, a, f.p.UI().Selected)
	assert.Equal(t, 1, f.eng.WebViewCount())

	_, ok := f.p.Tree().NodeTileFor(a)
	assert.True(t, ok)
}

func TestFrame_CriticalPressureDemotesBackgroundTab(t *testing.T) {
	f := newFixture(t, 2)
	a := f.add(t, "https://a.example")
	b := f.add(t, "https://b.example")

	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: b})
	require.Equal(t, graph.Active, f.node(t, a).Lifecycle)
	require.Equal(t, graph.Active, f.node(t, b).Lifecycle)
	require.Equal(t, 2, f.eng.WebViewCount())

	f.pressure.Set(lifecycle.PressureCritical)
	r := f.frame(t)
	assert.Equal(t, 1, r.Reconcile.Limit)
	assert.Equal(t, []graph.Key{a}, r.Reconcile.Evicted)
	assert.Contains(t, r.Reconcile.Intents, intent.Intent(intent.DemoteNodeToWarm{Key: a, Cause: intent.CauseMemoryPressureCrit}))
	assert.Equal(t, graph.Warm, f.node(t, a).Lifecycle)
	assert.Equal(t, graph.Active, f.node(t, b).Lifecycle)
	assert.Equal(t, 1, f.eng.WebViewCount())
	assert.Equal(t, 1, f.eng.ContextCount())
	assert.Empty(t, r.Violations)
}

func TestFrame_OneCheckpointPerFrame(t *testing.T) {
	f := newFixture(t, 4)

	r := f.frame(t,
		intent.AddNode{URL: "https://a.example"},
		intent.AddNode{URL: "https://b.example", Position: graph.Point{X: 100}},
	)
	assert.Equal(t, 2, r.Applied)
	assert.True(t, r.Checkpoint)
	assert.Equal(t, 1, f.history.UndoDepth())

	r = f.frame(t, intent.RemoveNode{Key: 999})
	assert.Equal(t, 1, r.Failed)
	assert.False(t, r.Checkpoint, "a frame where nothing applied must not checkpoint")
	assert.Equal(t, 1, f.history.UndoDepth())
	assert.Equal(t, 1, f.rec.Count(diagnostics.InvalidArgument))

	r = f.frame(t, intent.Undo{})
	assert.False(t, r.Checkpoint)
	assert.Zero(t, f.p.Graph().NodeCount())

	f.frame(t, intent.Redo{})
	assert.Equal(t, 2, f.p.Graph().NodeCount())
}

func TestFrame_UndoRestoresRemovedNodeCold(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	require.Equal(t, graph.Active, f.node(t, a).Lifecycle)

	f.frame(t, intent.SelectNode{}, intent.RemoveNode{Key: a})
	require.False(t, f.p.Graph().Contains(a))
	assert.Zero(t, f.eng.WebViewCount())
	assert.False(t, f.p.Tree().HasNodeTiles())

	r := f.frame(t, intent.Undo{})
	require.True(t, f.p.Graph().Contains(a))
	assert.Equal(t, graph.Cold, f.node(t, a).Lifecycle)
	assert.Empty(t, r.Violations)
}

func TestFrame_ToggleTileView(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	require.Equal(t, 1, f.eng.WebViewCount())

	r := f.frame(t, intent.ToggleTileView{})
	assert.False(t, f.p.Tree().HasNodeTiles())
	assert.Zero(t, f.eng.WebViewCount())
	assert.Zero(t, f.eng.ContextCount())
	assert.Contains(t, r.Reconcile.Intents, intent.Intent(intent.DemoteNodeToCold{Key: a, Cause: intent.CauseExplicitClose}))
	assert.Equal(t, graph.Cold, f.node(t, a).Lifecycle)
	assert.Empty(t, r.Violations)

	created := f.eng.Created()
	r = f.frame(t, intent.ToggleTileView{})
	assert.True(t, f.p.Tree().HasNodeTiles())
	assert.Equal(t, []graph.Key{a}, r.Reconcile.Created)
	assert.Equal(t, created+1, f.eng.Created())
}

func TestFrame_OmnibarAddsThenSelects(t *testing.T) {
	f := newFixture(t, 4)

	f.frame(t, intent.SetOmnibarQuery{Text: "example.org"}, intent.SubmitOmnibar{})
	require.Equal(t, 1, f.p.Graph().NodeCount())
	n := f.p.Graph().Nodes()[0]
	assert.True(t, strings.HasPrefix(n.URL, "https://example.org"), n.URL)

	f.frame(t, intent.SetOmnibarQuery{Text: "example"}, intent.SubmitOmnibar{})
	assert.Equal(t, n.Key, f.p.UI().Selected)
	assert.Equal(t, 1, f.p.Graph().NodeCount())

	f.frame(t, intent.SetOmnibarQuery{Text: "zzz qqq"}, intent.SubmitOmnibar{})
	assert.Equal(t, 1, f.rec.Count(diagnostics.InvalidArgument))
	assert.Equal(t, 1, f.p.Graph().NodeCount())
}

func TestFrame_SettingsFallsBackToGeneral(t *testing.T) {
	f := newFixture(t, 4)
	settings := func(p tiles.Pane) bool { return p.Kind == tiles.KindTool && p.Tool == tiles.ToolSettings }

	f.frame(t, intent.OpenSettingsURL{URL: "graphshell://settings/nope"})
	assert.Equal(t, "graphshell://settings/general", f.p.UI().SettingsURL)
	require.Len(t, f.p.Tree().Panes(settings), 1)

	f.frame(t, intent.OpenSettingsURL{URL: "graphshell://settings/sync"})
	assert.Equal(t, "graphshell://settings/sync", f.p.UI().SettingsURL)
	ids := f.p.Tree().Panes(settings)
	require.Len(t, ids, 1, "settings pane reused")
	tile, _ := f.p.Tree().Get(ids[0])
	assert.Equal(t, "sync", tile.Pane.Page)
}

func TestFrame_CrashIsStickyUntilRetry(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	h := f.handle(t, a)

	f.eng.Crash(h, "oom")
	f.frame(t)
	assert.Equal(t, graph.Crashed, f.node(t, a).Lifecycle)
	assert.Equal(t, 1, f.rec.Count(diagnostics.EngineFailure))

	for i := 0; i < 3; i++ {
		r := f.frame(t)
		assert.Empty(t, r.Reconcile.Created)
		assert.Equal(t, graph.Crashed, f.node(t, a).Lifecycle)
	}

	f.frame(t, intent.RetryCrashedNode{Key: a})
	assert.Equal(t, graph.Cold, f.node(t, a).Lifecycle)
	r := f.frame(t)
	assert.Equal(t, []graph.Key{a}, r.Reconcile.Created)
	assert.Equal(t, graph.Active, f.node(t, a).Lifecycle)
}

func TestFrame_ChildWebviewAddsNavigationEdge(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})

	f.eng.Emit(engine.Event{Kind: engine.EventChildWebviewOpened, Handle: f.handle(t, a), URL: "https://child.example"})
	r := f.frame(t)
	assert.True(t, r.Checkpoint)
	require.Equal(t, 2, f.p.Graph().NodeCount())

	var child graph.Key
	for _, k := range f.p.Graph().Keys() {
		if k != a {
			child = k
		}
	}
	assert.Contains(t, f.p.Graph().Edges(), graph.Edge{From: a, To: child, Type: graph.Navigation})
}

func TestFrame_EngineTitleIsNotUndoable(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	depth := f.history.UndoDepth()

	f.eng.Emit(engine.Event{Kind: engine.EventTitleChanged, Handle: f.handle(t, a), Title: "Example A"})
	r := f.frame(t)
	assert.False(t, r.Checkpoint)
	assert.Equal(t, "Example A", f.node(t, a).Title)
	assert.Equal(t, depth, f.history.UndoDepth())
}

func TestFrame_FirstPaintCapturesThumbnail(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})

	f.eng.Emit(engine.Event{Kind: engine.EventFirstPaint, Handle: f.handle(t, a)})
	f.frame(t)
	thumb := f.node(t, a).Thumbnail
	require.NotNil(t, thumb)
	assert.Equal(t, 16, thumb.Width)
}

func remoteAdd(author string, seq uint64, url string) synclog.SyncUnit {
	return synclog.SyncUnit{
		WorkspaceID:   testWorkspace,
		VersionVector: synclog.VersionVector{synclog.PeerID(author): seq},
		Intents: []synclog.SyncedIntent{{
			Payload:        synclog.Payload{Op: synclog.OpAddNode, NodeID: uuid.NewString(), URL: url},
			AuthoredBy:     synclog.PeerID(author),
			AuthoredAtSecs: 1,
			Sequence:       seq,
		}},
	}
}

func TestFrame_DeniedDeltaLeavesGraphUntouched(t *testing.T) {
	f := newFixture(t, 4)
	f.trust.Trust(access.TrustedPeer{
		NodeID: "reader",
		Role:   access.RoleFriend,
		Grants: []access.WorkspaceGrant{{WorkspaceID: testWorkspace, Access: access.ReadOnly}},
	})

	f.inbound <- transport.Delta{From: "reader", Unit: remoteAdd("reader", 1, "https://r.example")}
	f.inbound <- transport.Delta{From: "stranger", Unit: remoteAdd("stranger", 1, "https://s.example")}
	r := f.frame(t)
	assert.Equal(t, 2, r.Denied)
	assert.Zero(t, f.p.Graph().NodeCount())
	assert.Zero(t, f.log.Len())
	assert.Equal(t, 2, f.rec.Count(diagnostics.AccessDenied))

	require.NoError(t, f.trust.SetGrant("reader", testWorkspace, access.ReadWrite))
	f.inbound <- transport.Delta{From: "reader", Unit: remoteAdd("reader", 1, "https://r.example")}
	r = f.frame(t)
	assert.Equal(t, 1, r.Merged.Applied)
	assert.Equal(t, 1, f.p.Graph().NodeCount())
}

func TestFrame_LocalEditsReachGrantedPeers(t *testing.T) {
	f := newFixture(t, 4)
	f.trust.Trust(access.TrustedPeer{
		NodeID: "laptop",
		Role:   access.RoleSelf,
		Grants: []access.WorkspaceGrant{{WorkspaceID: testWorkspace, Access: access.ReadWrite}},
	})
	f.trust.Trust(access.TrustedPeer{NodeID: "ungranted", Role: access.RoleFriend})
	f.out.peers = []string{"laptop", "ungranted"}

	a := f.add(t, "https://a.example")
	require.Len(t, f.out.sent["laptop"], 1)
	unit := f.out.sent["laptop"][0]
	require.Len(t, unit.Intents, 1)
	assert.Equal(t, synclog.OpAddNode, unit.Intents[0].Payload.Op)
	assert.Equal(t, f.node(t, a).ID, unit.Intents[0].Payload.NodeID)
	assert.Empty(t, f.out.sent["ungranted"])

	// Already acknowledged entries are not resent.
	f.frame(t, intent.TagNode{Key: a, Tag: " research "})
	require.Len(t, f.out.sent["laptop"], 2)
	tagged := f.out.sent["laptop"][1].Intents
	require.Len(t, tagged, 1)
	assert.Equal(t, "research", tagged[0].Payload.Tag)
}

func TestFrame_DroppedSendIsOfferedAgain(t *testing.T) {
	f := newFixture(t, 4)
	f.trust.Trust(access.TrustedPeer{
		NodeID: "laptop",
		Role:   access.RoleSelf,
		Grants: []access.WorkspaceGrant{{WorkspaceID: testWorkspace, Access: access.ReadWrite}},
	})
	f.out.peers = []string{"laptop"}
	f.out.drop = 1

	a := f.add(t, "https://a.example")
	assert.Empty(t, f.out.sent["laptop"])

	// The retry carries the dropped entry; later edits follow it.
	f.frame(t)
	f.frame(t, intent.TagNode{Key: a, Tag: "research"})

	received := make(map[uint64]synclog.Op)
	for _, u := range f.out.sent["laptop"] {
		for _, i := range u.Intents {
			received[i.Sequence] = i.Payload.Op
		}
	}
	assert.Equal(t, map[uint64]synclog.Op{1: synclog.OpAddNode, 2: synclog.OpTagNode}, received)
	assert.Equal(t, 2, f.log.Len())
}

func TestFrame_LocalEditOutranksMergedTitle(t *testing.T) {
	f := newFixture(t, 4)
	f.trust.Trust(access.TrustedPeer{
		NodeID: "zz-peer",
		Role:   access.RoleSelf,
		Grants: []access.WorkspaceGrant{{WorkspaceID: testWorkspace, Access: access.ReadWrite}},
	})
	a := f.add(t, "https://a.example")
	n := f.node(t, a)

	// The remote title carries the second the next frame runs in.
	at := uint64(f.now.Add(100 * time.Millisecond).Unix())
	f.inbound <- transport.Delta{From: "zz-peer", Unit: synclog.SyncUnit{
		WorkspaceID:   testWorkspace,
		VersionVector: synclog.VersionVector{"zz-peer": 1},
		Intents: []synclog.SyncedIntent{{
			Payload:        synclog.Payload{Op: synclog.OpUpdateTitle, NodeID: n.ID, Title: "remote"},
			AuthoredBy:     "zz-peer",
			AuthoredAtSecs: at,
			Sequence:       1,
		}},
	}}
	f.frame(t, intent.SetNodeTitle{Key: a, Title: "local"})

	assert.Equal(t, "local", f.node(t, a).Title)
	stamp, ok := f.log.LastWrite(n.ID, "title")
	require.True(t, ok)
	assert.Equal(t, synclog.PeerID("self-node"), stamp.Author)
	assert.Equal(t, uint64(2), f.log.VersionVector()["self-node"])
}

func TestFrame_UntagTrimsLikeTag(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.TagNode{Key: a, Tag: "research"})
	require.Contains(t, f.node(t, a).Tags, "research")

	f.frame(t, intent.UntagNode{Key: a, Tag: " research "})
	assert.NotContains(t, f.node(t, a).Tags, "research")
	last := f.log.Intents()[f.log.Len()-1]
	assert.Equal(t, synclog.OpUntagNode, last.Payload.Op)
	assert.Equal(t, "research", last.Payload.Tag)
}

func TestFrame_PersistsOnInterval(t *testing.T) {
	f := newFixture(t, 4)
	f.add(t, "https://a.example")
	assert.Empty(t, f.store.snapshots, "first frame only sets the baseline")

	for i := 0; i < 12; i++ {
		f.frame(t)
	}
	require.NotEmpty(t, f.store.snapshots)
	assert.Len(t, f.store.snapshots[len(f.store.snapshots)-1].Nodes, 1)
	assert.NotEmpty(t, f.store.syncLogs[testWorkspace])

	saved := len(f.store.snapshots)
	for i := 0; i < 12; i++ {
		f.frame(t)
	}
	assert.Len(t, f.store.snapshots, saved, "clean graph is not rewritten")
}

func TestSaveWorkspace(t *testing.T) {
	f := newFixture(t, 4)
	a := f.add(t, "https://a.example")
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})

	ws, err := f.p.SaveWorkspace(context.Background(), "research")
	require.NoError(t, err)
	assert.Same(t, ws, f.store.workspaces["research"])
	assert.True(t, f.p.workspaces.Retains(f.node(t, a).ID))

	f.p.ClearWorkspace()
	assert.False(t, f.p.Tree().HasNodeTiles())
	assert.Zero(t, f.eng.WebViewCount())
	assert.Equal(t, graph.Cold, f.node(t, a).Lifecycle)

	// Reopening routes through the saved workspace.
	f.frame(t, intent.OpenNodeWorkspaceRouted{Key: a})
	_, ok := f.p.Tree().NodeTileFor(a)
	assert.True(t, ok)
}

func TestSearch(t *testing.T) {
	g := graph.New()
	a, err := g.AddNode("https://golang.org", graph.Point{})
	require.NoError(t, err)
	_, err = g.AddNode("https://example.com", graph.Point{})
	require.NoError(t, err)

	got := Search(g, "golang")
	require.NotEmpty(t, got)
	assert.Equal(t, a, got[0])
	assert.Nil(t, Search(g, "  "))
}

func TestNextPositionSkipsOccupiedCells(t *testing.T) {
	f := newFixture(t, 4)
	f.frame(t, intent.AddNode{URL: "https://a.example"})

	f.frame(t, intent.SetOmnibarQuery{Text: "b.example"}, intent.SubmitOmnibar{})
	require.Equal(t, 2, f.p.Graph().NodeCount())
	got := f.p.Lasso(spatial.Rect{Min: graph.Point{X: 100, Y: -10}, Max: graph.Point{X: 140, Y: 10}})
	require.Len(t, got, 1)
	assert.Contains(t, f.node(t, got[0]).URL, "b.example")

	assert.Len(t, f.p.Lasso(spatial.Rect{Min: graph.Point{X: 200, Y: 200}, Max: graph.Point{X: -10, Y: -10}}), 2)
}
